package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/torosent/crankswarm/internal/script"
)

func newHTTPEngine(t *testing.T, cfg script.Config) Engine {
	t.Helper()
	e, err := NewHTTP(cfg, Options{})
	if err != nil {
		t.Fatalf("NewHTTP() error: %v", err)
	}
	return e
}

func TestHTTPGetResolvesRelativeURL(t *testing.T) {
	var gotPath, gotAgent, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAgent = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	e := newHTTPEngine(t, script.Config{
		Target:   srv.URL + "/",
		Defaults: script.Defaults{Headers: map[string]string{"Authorization": "Bearer {{ token }}"}},
	})
	sink := &recordingSink{}
	flow := compileFlow(t, e, sink, "get: {url: /items/{{ id }}}")

	rc := newRunContext(map[string]string{"id": "7", "token": "t0k"})
	defer rc.Close()
	if err := flow(context.Background(), rc); err != nil {
		t.Fatalf("flow error: %v", err)
	}

	if gotPath != "/items/7" {
		t.Errorf("path = %q, want /items/7", gotPath)
	}
	if gotAgent != defaultUserAgent {
		t.Errorf("user agent = %q", gotAgent)
	}
	if gotAuth != "Bearer t0k" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if sink.requests != 1 || len(sink.responses) != 1 {
		t.Fatalf("sink = %+v", sink)
	}
	if sink.responses[0].code != http.StatusAccepted || sink.responses[0].uid != "uid-1" {
		t.Errorf("response = %+v", sink.responses[0])
	}
	if rc.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", rc.Pending())
	}
}

func TestHTTPPostJSONAndCapture(t *testing.T) {
	var received map[string]any
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"abc","user":{"name":" Alice "}}`)
	}))
	defer srv.Close()

	e := newHTTPEngine(t, script.Config{Target: srv.URL})
	sink := &recordingSink{}
	flow := compileFlow(t, e, sink, `
post:
  url: /users
  json:
    name: "{{ name }}"
    age: 30
  capture:
    - json: "$.id"
      as: userId
    - json: "$.user.name"
      as: userName
      transform: trim
`)

	rc := newRunContext(map[string]string{"name": "alice"})
	if err := flow(context.Background(), rc); err != nil {
		t.Fatalf("flow error: %v", err)
	}

	if contentType != "application/json" {
		t.Errorf("content type = %q", contentType)
	}
	if received["name"] != "alice" || received["age"] != float64(30) {
		t.Errorf("received = %v", received)
	}
	if v, _ := rc.Vars.Get("userId"); v != "abc" {
		t.Errorf("userId = %q, want abc", v)
	}
	if v, _ := rc.Vars.Get("userName"); v != "Alice" {
		t.Errorf("userName = %q, want Alice", v)
	}
	if v, _ := rc.Vars.Get("$"); v == "" {
		t.Error("raw body should be bound to $")
	}
}

func TestHTTPMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}))
	defer srv.Close()

	t.Run("lenient mismatch continues", func(t *testing.T) {
		e := newHTTPEngine(t, script.Config{Target: srv.URL})
		sink := &recordingSink{}
		flow := compileFlow(t, e, sink,
			`get: {url: /, match: [{json: "$.status", value: ok}, {json: "$.status", value: down}]}`,
			`get: {url: /}`,
		)
		rc := newRunContext(nil)
		if err := flow(context.Background(), rc); err != nil {
			t.Fatalf("flow error: %v", err)
		}
		if len(sink.matches) != 2 || !sink.matches[0] || sink.matches[1] {
			t.Errorf("matches = %v, want [true false]", sink.matches)
		}
		if sink.requests != 2 {
			t.Errorf("requests = %d, want 2", sink.requests)
		}
	})

	t.Run("strict mismatch ends the scenario", func(t *testing.T) {
		e := newHTTPEngine(t, script.Config{Target: srv.URL})
		sink := &recordingSink{}
		flow := compileFlow(t, e, sink,
			`get: {url: /, match: {json: "$.status", value: down, strict: true}}`,
			`get: {url: /}`,
		)
		err := flow(context.Background(), newRunContext(nil))
		if !errors.Is(err, ErrEndScenario) {
			t.Fatalf("flow error = %v, want ErrEndScenario", err)
		}
		if sink.requests != 1 {
			t.Errorf("requests = %d, want 1", sink.requests)
		}
		if len(sink.errors) != 0 {
			t.Errorf("errors = %v, want none", sink.errors)
		}
	})

	t.Run("regex match renders expected value", func(t *testing.T) {
		e := newHTTPEngine(t, script.Config{Target: srv.URL})
		sink := &recordingSink{}
		flow := compileFlow(t, e, sink, `get: {url: /, match: {regex: '"status":"(\w+)"', value: "{{ want }}"}}`)
		if err := flow(context.Background(), newRunContext(map[string]string{"want": "ok"})); err != nil {
			t.Fatalf("flow error: %v", err)
		}
		if len(sink.matches) != 1 || !sink.matches[0] {
			t.Errorf("matches = %v, want [true]", sink.matches)
		}
	})
}

func TestHTTPNonJSONBodyWithJSONCapture(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>")
	}))
	defer srv.Close()

	e := newHTTPEngine(t, script.Config{Target: srv.URL})
	sink := &recordingSink{}
	flow := compileFlow(t, e, sink, `get: {url: /, capture: {json: "$.id", as: id}}`)

	if err := flow(context.Background(), newRunContext(nil)); err == nil {
		t.Fatal("expected an error")
	}
	if len(sink.errors) != 1 || sink.errors[0] != KindParse {
		t.Errorf("errors = %v, want [%s]", sink.errors, KindParse)
	}
	if len(sink.responses) != 1 {
		t.Errorf("the response should still be recorded, got %d", len(sink.responses))
	}
}

func TestHTTPCookiesPersistWithinInstance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login":
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "s1", Path: "/"})
		case "/me":
			session, err := r.Cookie("session")
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			theme, _ := r.Cookie("theme")
			if theme == nil || theme.Value != "dark" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			_, _ = io.WriteString(w, session.Value)
		}
	}))
	defer srv.Close()

	e := newHTTPEngine(t, script.Config{Target: srv.URL})
	sink := &recordingSink{}
	flow := compileFlow(t, e, sink,
		`get: {url: /login}`,
		`get: {url: /me, cookie: {theme: dark}}`,
	)

	rc := newRunContext(nil)
	if err := flow(context.Background(), rc); err != nil {
		t.Fatalf("flow error: %v", err)
	}
	if len(sink.responses) != 2 || sink.responses[1].code != http.StatusOK {
		t.Fatalf("responses = %+v", sink.responses)
	}

	// A fresh instance starts without the session cookie.
	other := &recordingSink{}
	flow = compileFlow(t, e, other, `get: {url: /me, cookie: {theme: dark}}`)
	if err := flow(context.Background(), newRunContext(nil)); err != nil {
		t.Fatalf("flow error: %v", err)
	}
	if other.responses[0].code != http.StatusUnauthorized {
		t.Errorf("fresh instance code = %d, want 401", other.responses[0].code)
	}
}

func TestHTTPConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	e := newHTTPEngine(t, script.Config{Target: target})
	sink := &recordingSink{}
	flow := compileFlow(t, e, sink, `get: {url: /}`, `get: {url: /again}`)

	rc := newRunContext(nil)
	if err := flow(context.Background(), rc); err == nil {
		t.Fatal("expected an error")
	}
	if len(sink.errors) != 1 || sink.errors[0] != KindConnRefused {
		t.Errorf("errors = %v, want [%s]", sink.errors, KindConnRefused)
	}
	if sink.requests != 1 || len(sink.responses) != 0 {
		t.Errorf("sink = %+v", sink)
	}
	if rc.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", rc.Pending())
	}
}

func TestHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	e := newHTTPEngine(t, script.Config{Target: srv.URL, Timeout: 0.05})
	sink := &recordingSink{}
	flow := compileFlow(t, e, sink, `get: {url: /slow}`)

	if err := flow(context.Background(), newRunContext(nil)); err == nil {
		t.Fatal("expected an error")
	}
	if len(sink.errors) != 1 || sink.errors[0] != KindTimeout {
		t.Errorf("errors = %v, want [%s]", sink.errors, KindTimeout)
	}
}

func TestHTTPCompileStepErrors(t *testing.T) {
	e := newHTTPEngine(t, script.Config{Target: "http://localhost"})
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown action", `fetch: {url: /}`},
		{"missing url", `get: {headers: {a: b}}`},
		{"json and body", `post: {url: /, json: {a: 1}, body: raw}`},
		{"capture without as", `get: {url: /, capture: {json: "$.id"}}`},
		{"capture with two selectors", `get: {url: /, capture: {json: "$.id", regex: "x", as: id}}`},
		{"unknown transform", `get: {url: /, capture: {json: "$.id", as: id, transform: rot13}}`},
		{"bad regex", `get: {url: /, match: {regex: "(", value: x}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.CompileStep(mustStep(t, tt.doc), &recordingSink{}); err == nil {
				t.Errorf("CompileStep(%q) should fail", tt.doc)
			}
		})
	}
}

func TestResolveURL(t *testing.T) {
	e := &httpEngine{target: "http://api.local"}
	tests := map[string]string{
		"/a":                "http://api.local/a",
		"b/c":               "http://api.local/b/c",
		"https://other/x":   "https://other/x",
		"http://api.local/": "http://api.local/",
	}
	for in, want := range tests {
		if got := e.resolveURL(in); got != want {
			t.Errorf("resolveURL(%q) = %q, want %q", in, got, want)
		}
	}
}
