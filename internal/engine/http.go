package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/crankswarm/internal/extractor"
	"github.com/torosent/crankswarm/internal/script"
	"github.com/torosent/crankswarm/internal/tracing"
)

const (
	HTTPEngineName   = "http"
	defaultUserAgent = "crankswarm"
	maxBodyBytes     = 10 << 20
	httpClientKey    = "http.client"
)

var httpMethods = map[string]string{
	"get":    http.MethodGet,
	"post":   http.MethodPost,
	"put":    http.MethodPut,
	"patch":  http.MethodPatch,
	"delete": http.MethodDelete,
	"head":   http.MethodHead,
}

type httpArgs struct {
	URL     string                 `yaml:"url"`
	Headers map[string]string      `yaml:"headers"`
	Cookie  map[string]string      `yaml:"cookie"`
	JSON    any                    `yaml:"json"`
	Body    string                 `yaml:"body"`
	Capture oneOrMany[captureArgs] `yaml:"capture"`
	Match   oneOrMany[matchArgs]   `yaml:"match"`
}

type httpEngine struct {
	target   string
	headers  map[string]string
	timeout  time.Duration
	insecure bool
	opts     Options
	log      zerolog.Logger
}

// NewHTTP builds the http engine for a script.
func NewHTTP(cfg script.Config, opts Options) (Engine, error) {
	headers := map[string]string{"user-agent": defaultUserAgent}
	for k, v := range cfg.Defaults.Headers {
		headers[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &httpEngine{
		target:   strings.TrimRight(strings.TrimSpace(cfg.Target), "/"),
		headers:  headers,
		timeout:  cfg.RequestTimeout(),
		insecure: cfg.TLS.Insecure(),
		opts:     opts,
		log:      opts.Logger.With().Str("engine", HTTPEngineName).Logger(),
	}, nil
}

func (e *httpEngine) Name() string { return HTTPEngineName }

func (e *httpEngine) Close() error { return nil }

func (e *httpEngine) CompileStep(spec script.StepSpec, sink Sink) (Step, error) {
	action := strings.ToLower(spec.Action)
	method, ok := httpMethods[action]
	if !ok {
		return nil, fmt.Errorf("http: unsupported action %q", spec.Action)
	}

	var args httpArgs
	if err := spec.Decode(&args); err != nil {
		return nil, fmt.Errorf("http %s: %w", action, err)
	}
	if strings.TrimSpace(args.URL) == "" {
		return nil, fmt.Errorf("http %s: url is required", action)
	}
	if args.JSON != nil && args.Body != "" {
		return nil, fmt.Errorf("http %s: json and body are mutually exclusive", action)
	}

	step := &httpStep{
		engine:  e,
		sink:    sink,
		action:  action,
		method:  method,
		args:    args,
		headers: make(map[string]string, len(e.headers)+len(args.Headers)),
	}
	for k, v := range e.headers {
		step.headers[k] = v
	}
	for k, v := range args.Headers {
		step.headers[strings.ToLower(strings.TrimSpace(k))] = v
	}

	if len(args.Capture) > 0 {
		step.captures = make(map[string]*extractor.Rule, len(args.Capture))
		step.transforms = make(map[string]Transform)
	}
	for i, c := range args.Capture {
		if c.As == "" {
			return nil, fmt.Errorf("http %s: capture[%d]: as is required", action, i)
		}
		rule, err := extractor.Compile(c.JSON, c.Regex)
		if err != nil {
			return nil, fmt.Errorf("http %s: capture[%d]: %w", action, i, err)
		}
		transform, err := LookupTransform(c.Transform)
		if err != nil {
			return nil, fmt.Errorf("http %s: capture[%d]: %w", action, i, err)
		}
		step.captures[c.As] = rule
		if transform != nil {
			step.transforms[c.As] = transform
		}
		step.needsJSON = step.needsJSON || rule.IsJSON()
	}
	for i, m := range args.Match {
		rule, err := extractor.Compile(m.JSON, m.Regex)
		if err != nil {
			return nil, fmt.Errorf("http %s: match[%d]: %w", action, i, err)
		}
		step.matches = append(step.matches, httpMatch{rule: rule, value: m.Value, strict: m.Strict})
		step.needsJSON = step.needsJSON || rule.IsJSON()
	}

	return step.run, nil
}

func (e *httpEngine) CompileScenario(steps []Step, _ script.ScenarioSpec, _ Sink) Scenario {
	flow := Sequence(steps)
	return func(ctx context.Context, rc *RunContext) error {
		e.clientFor(rc)
		return flow(ctx, rc)
	}
}

func (e *httpEngine) clientFor(rc *RunContext) *http.Client {
	if client, ok := rc.Value(httpClientKey).(*http.Client); ok {
		return client
	}
	client := NewHTTPClient(e.timeout, e.insecure)
	rc.Set(httpClientKey, client)
	rc.OnClose(closerFunc(func() error {
		client.CloseIdleConnections()
		return nil
	}))
	return client
}

// resolveURL prefixes relative URLs with the script target.
func (e *httpEngine) resolveURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "/"):
		return e.target + raw
	case !strings.Contains(raw, "://"):
		return e.target + "/" + raw
	default:
		return raw
	}
}

type httpMatch struct {
	rule   *extractor.Rule
	value  string
	strict bool
}

type httpStep struct {
	engine     *httpEngine
	sink       Sink
	action     string
	method     string
	args       httpArgs
	headers    map[string]string
	captures   map[string]*extractor.Rule
	transforms map[string]Transform
	matches    []httpMatch
	needsJSON  bool
}

func (s *httpStep) run(ctx context.Context, rc *RunContext) error {
	client := s.engine.clientFor(rc)
	target := s.engine.resolveURL(Render(s.args.URL, rc.Vars))

	ctx, cancel := context.WithTimeout(ctx, s.engine.timeout)
	defer cancel()
	ctx, span := tracing.StartActionSpan(ctx, s.engine.opts.tracer(), HTTPEngineName, s.action,
		tracing.AttrScenario.String(rc.Scenario),
		tracing.AttrUID.String(rc.UID),
	)

	body, contentType, err := s.body(rc)
	if err != nil {
		return s.fail(span, target, err)
	}
	req, err := http.NewRequestWithContext(ctx, s.method, target, body)
	if err != nil {
		return s.fail(span, target, err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, Render(v, rc.Vars))
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}
	if contentType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}
	for name, value := range s.args.Cookie {
		client.Jar.SetCookies(req.URL, []*http.Cookie{{Name: name, Value: Render(value, rc.Vars)}})
	}
	if s.engine.opts.Propagate {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}

	rc.startRequest(s.sink)
	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return s.fail(span, target, err)
	}
	rc.finishRequest(s.sink, time.Since(start), resp.StatusCode)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	_ = resp.Body.Close()
	if err != nil {
		return s.fail(span, target, err)
	}

	err = s.inspect(data, rc)
	if errors.Is(err, ErrEndScenario) {
		tracing.EndSpan(span, nil, tracing.AttrStatus.Int(resp.StatusCode))
	} else {
		tracing.EndSpan(span, err, tracing.AttrStatus.Int(resp.StatusCode))
	}
	return err
}

func (s *httpStep) body(rc *RunContext) (io.Reader, string, error) {
	switch {
	case s.args.JSON != nil:
		raw, err := json.Marshal(RenderValue(s.args.JSON, rc.Vars))
		if err != nil {
			return nil, "", fmt.Errorf("encode json body: %w", err)
		}
		return bytes.NewReader(raw), "application/json", nil
	case s.args.Body != "":
		return strings.NewReader(Render(s.args.Body, rc.Vars)), "", nil
	default:
		return nil, "", nil
	}
}

// inspect evaluates match assertions first, then captures, on the response body.
func (s *httpStep) inspect(body []byte, rc *RunContext) error {
	if s.needsJSON && !gjson.ValidBytes(body) {
		s.sink.Error(KindParse)
		return fmt.Errorf("http %s: response body is not JSON", s.action)
	}

	for _, m := range s.matches {
		got, _ := m.rule.Find(body)
		expected := Render(m.value, rc.Vars)
		if got == expected {
			s.sink.Match(true, "")
			continue
		}
		s.sink.Match(false, fmt.Sprintf("%s: expected %q, got %q", m.rule, expected, got))
		if m.strict {
			return ErrEndScenario
		}
	}

	if len(s.captures) > 0 {
		values, missing := extractor.ExtractAll(body, s.captures)
		for _, name := range missing {
			s.engine.log.Debug().Str("scenario", rc.Scenario).Str("capture", name).
				Stringer("rule", s.captures[name]).Msg("capture did not match")
		}
		for name, value := range values {
			if transform := s.transforms[name]; transform != nil {
				transformed, err := transform(value)
				if err != nil {
					s.engine.log.Debug().Err(err).Str("capture", name).Msg("transform failed, keeping raw value")
				} else {
					value = transformed
				}
			}
			rc.Vars.Set(name, value)
		}
	}

	rc.Vars.Set("$", string(body))
	return nil
}

func (s *httpStep) fail(span trace.Span, target string, err error) error {
	s.sink.Error(ErrorKind(err))
	tracing.EndSpan(span, err)
	return fmt.Errorf("http %s %s: %w", s.action, target, err)
}
