package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/torosent/crankswarm/internal/script"
	"github.com/torosent/crankswarm/internal/tracing"
)

const (
	WSEngineName = "ws"
	wsConnKey    = "ws.conn"
)

type wsEngine struct {
	target  string
	headers http.Header
	timeout time.Duration
	dialer  *websocket.Dialer
	opts    Options
	log     zerolog.Logger
}

// NewWS builds the ws engine. Every scenario instance dials the script
// target once and sends its messages over that connection.
func NewWS(cfg script.Config, opts Options) (Engine, error) {
	target, err := wsURL(cfg.Target)
	if err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.RequestTimeout(),
		Proxy:            http.ProxyFromEnvironment,
	}
	if cfg.TLS.Insecure() {
		dialer.TLSClientConfig = insecureTLSConfig()
	}
	headers := http.Header{}
	for k, v := range cfg.Defaults.Headers {
		headers.Set(k, v)
	}
	return &wsEngine{
		target:  target,
		headers: headers,
		timeout: cfg.RequestTimeout(),
		dialer:  dialer,
		opts:    opts,
		log:     opts.Logger.With().Str("engine", WSEngineName).Logger(),
	}, nil
}

func wsURL(target string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return "", fmt.Errorf("ws: invalid target %q: %w", target, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("ws: target %q must use ws:// or wss://", target)
	}
	return u.String(), nil
}

func (e *wsEngine) Name() string { return WSEngineName }

func (e *wsEngine) Close() error { return nil }

func (e *wsEngine) CompileStep(spec script.StepSpec, sink Sink) (Step, error) {
	if spec.Action != "send" {
		return nil, fmt.Errorf("ws: unsupported action %q", spec.Action)
	}
	render, err := wsPayload(spec.Args)
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, rc *RunContext) error {
		conn, ok := rc.Value(wsConnKey).(*websocket.Conn)
		if !ok {
			sink.Error(KindConnReset)
			return fmt.Errorf("ws send: no connection")
		}
		payload, err := render(rc)
		if err != nil {
			sink.Error(KindParse)
			return err
		}

		_, span := tracing.StartActionSpan(ctx, e.opts.tracer(), WSEngineName, "send",
			tracing.AttrScenario.String(rc.Scenario),
			tracing.AttrUID.String(rc.UID),
		)
		rc.startRequest(sink)
		start := time.Now()
		_ = conn.SetWriteDeadline(start.Add(e.timeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			sink.Error(ErrorKind(err))
			tracing.EndSpan(span, err)
			return fmt.Errorf("ws send: %w", err)
		}
		rc.finishRequest(sink, time.Since(start), 0)
		tracing.EndSpan(span, nil)
		return nil
	}, nil
}

// wsPayload compiles the argument of a send step. Strings are sent as
// rendered text, other values as rendered JSON.
func wsPayload(args any) (func(*RunContext) ([]byte, error), error) {
	switch v := args.(type) {
	case nil:
		return nil, fmt.Errorf("ws send: message is required")
	case string:
		return func(rc *RunContext) ([]byte, error) {
			return []byte(Render(v, rc.Vars)), nil
		}, nil
	default:
		return func(rc *RunContext) ([]byte, error) {
			raw, err := json.Marshal(RenderValue(v, rc.Vars))
			if err != nil {
				return nil, fmt.Errorf("ws send: encode message: %w", err)
			}
			return raw, nil
		}, nil
	}
}

func (e *wsEngine) CompileScenario(steps []Step, _ script.ScenarioSpec, sink Sink) Scenario {
	flow := Sequence(steps)
	return func(ctx context.Context, rc *RunContext) error {
		dialCtx, cancel := context.WithTimeout(ctx, e.timeout)
		conn, resp, err := e.dialer.DialContext(dialCtx, e.target, e.headers)
		cancel()
		if err != nil {
			sink.Error(ErrorKind(err))
			e.log.Debug().Err(err).Str("uid", rc.UID).Msg("dial failed")
			if resp != nil {
				return fmt.Errorf("ws dial %s: status %d: %w", e.target, resp.StatusCode, err)
			}
			return fmt.Errorf("ws dial %s: %w", e.target, err)
		}
		rc.Set(wsConnKey, conn)
		rc.OnClose(closerFunc(func() error {
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return conn.Close()
		}))

		// Incoming frames are discarded; reading keeps control frames flowing.
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		return flow(ctx, rc)
	}
}
