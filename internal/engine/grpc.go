package engine

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
	"github.com/jhump/protoreflect/dynamic"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"

	"github.com/torosent/crankswarm/internal/extractor"
	"github.com/torosent/crankswarm/internal/script"
	"github.com/torosent/crankswarm/internal/tracing"
)

const GRPCEngineName = "grpc"

type grpcArgs struct {
	Service  string                 `yaml:"service"`
	Method   string                 `yaml:"method"`
	Message  any                    `yaml:"message"`
	Metadata map[string]string      `yaml:"metadata"`
	Capture  oneOrMany[captureArgs] `yaml:"capture"`
}

type grpcEngine struct {
	target   string
	useTLS   bool
	insecure bool
	timeout  time.Duration
	files    []*desc.FileDescriptor
	opts     Options
	log      zerolog.Logger

	connOnce sync.Once
	conn     *grpc.ClientConn
	connErr  error
}

// NewGRPC builds the grpc engine. The proto file named by config.grpc is
// parsed here, so a broken descriptor fails the script at load time.
func NewGRPC(cfg script.Config, opts Options) (Engine, error) {
	protoPath := strings.TrimSpace(cfg.GRPC.ProtoFile)
	if protoPath == "" {
		return nil, fmt.Errorf("grpc: config.grpc.protoFile is required")
	}
	if !filepath.IsAbs(protoPath) && opts.BaseDir != "" {
		protoPath = filepath.Join(opts.BaseDir, protoPath)
	}
	importPaths := []string{filepath.Dir(protoPath)}
	for _, p := range cfg.GRPC.ImportPaths {
		if !filepath.IsAbs(p) && opts.BaseDir != "" {
			p = filepath.Join(opts.BaseDir, p)
		}
		importPaths = append(importPaths, p)
	}
	parser := protoparse.Parser{ImportPaths: importPaths}
	files, err := parser.ParseFiles(filepath.Base(protoPath))
	if err != nil {
		return nil, fmt.Errorf("grpc: parse %s: %w", protoPath, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("grpc: no descriptors parsed from %s", protoPath)
	}

	target, tlsFromScheme := grpcTarget(cfg.Target)
	return &grpcEngine{
		target:   target,
		useTLS:   cfg.GRPC.TLS || tlsFromScheme,
		insecure: cfg.TLS.Insecure(),
		timeout:  cfg.RequestTimeout(),
		files:    files,
		opts:     opts,
		log:      opts.Logger.With().Str("engine", GRPCEngineName).Logger(),
	}, nil
}

// grpcTarget strips a URL scheme from the script target. grpcs:// and
// https:// imply TLS.
func grpcTarget(target string) (string, bool) {
	target = strings.TrimSpace(target)
	for _, scheme := range []string{"grpcs://", "https://"} {
		if strings.HasPrefix(target, scheme) {
			return strings.TrimSuffix(strings.TrimPrefix(target, scheme), "/"), true
		}
	}
	for _, scheme := range []string{"grpc://", "http://"} {
		if strings.HasPrefix(target, scheme) {
			return strings.TrimSuffix(strings.TrimPrefix(target, scheme), "/"), false
		}
	}
	return target, false
}

func (e *grpcEngine) Name() string { return GRPCEngineName }

// Close releases the connection shared by every scenario instance.
func (e *grpcEngine) Close() error {
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

func (e *grpcEngine) connection() (*grpc.ClientConn, error) {
	e.connOnce.Do(func() {
		var creds credentials.TransportCredentials
		switch {
		case e.useTLS && e.insecure:
			creds = credentials.NewTLS(&tls.Config{InsecureSkipVerify: true})
		case e.useTLS:
			creds = credentials.NewClientTLSFromCert(nil, "")
		default:
			creds = insecure.NewCredentials()
		}
		e.conn, e.connErr = grpc.NewClient(e.target, grpc.WithTransportCredentials(creds))
	})
	return e.conn, e.connErr
}

func (e *grpcEngine) findMethod(service, method string) (*desc.MethodDescriptor, error) {
	for _, file := range e.files {
		for _, svc := range file.GetServices() {
			if matchesServiceName(svc, service) {
				if m := svc.FindMethodByName(method); m != nil {
					return m, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("method %s not found in service %s", method, service)
}

func matchesServiceName(svc *desc.ServiceDescriptor, target string) bool {
	if target == "" {
		return false
	}
	if svc.GetFullyQualifiedName() == target {
		return true
	}
	return svc.GetName() == target || strings.HasSuffix(target, "."+svc.GetName())
}

func (e *grpcEngine) CompileStep(spec script.StepSpec, sink Sink) (Step, error) {
	if spec.Action != "call" {
		return nil, fmt.Errorf("grpc: unsupported action %q", spec.Action)
	}
	var args grpcArgs
	if err := spec.Decode(&args); err != nil {
		return nil, fmt.Errorf("grpc call: %w", err)
	}
	service, method := strings.TrimSpace(args.Service), strings.TrimSpace(args.Method)
	if service == "" || method == "" {
		return nil, fmt.Errorf("grpc call: service and method are required")
	}
	md, err := e.findMethod(service, method)
	if err != nil {
		return nil, fmt.Errorf("grpc call: %w", err)
	}

	step := &grpcStep{
		engine:     e,
		sink:       sink,
		method:     md,
		fullMethod: fmt.Sprintf("/%s/%s", md.GetService().GetFullyQualifiedName(), md.GetName()),
		args:       args,
	}
	for i, c := range args.Capture {
		if c.As == "" {
			return nil, fmt.Errorf("grpc call: capture[%d]: as is required", i)
		}
		rule, err := extractor.Compile(c.JSON, c.Regex)
		if err != nil {
			return nil, fmt.Errorf("grpc call: capture[%d]: %w", i, err)
		}
		if step.captures == nil {
			step.captures = make(map[string]*extractor.Rule)
		}
		step.captures[c.As] = rule
	}
	return step.run, nil
}

func (e *grpcEngine) CompileScenario(steps []Step, _ script.ScenarioSpec, _ Sink) Scenario {
	flow := Sequence(steps)
	return func(ctx context.Context, rc *RunContext) error {
		return flow(ctx, rc)
	}
}

type grpcStep struct {
	engine     *grpcEngine
	sink       Sink
	method     *desc.MethodDescriptor
	fullMethod string
	args       grpcArgs
	captures   map[string]*extractor.Rule
}

func (s *grpcStep) payload(rc *RunContext) ([]byte, error) {
	switch v := s.args.Message.(type) {
	case nil:
		return []byte("{}"), nil
	case string:
		body := strings.TrimSpace(Render(v, rc.Vars))
		if body == "" {
			body = "{}"
		}
		return []byte(body), nil
	default:
		return json.Marshal(RenderValue(v, rc.Vars))
	}
}

func (s *grpcStep) run(ctx context.Context, rc *RunContext) error {
	raw, err := s.payload(rc)
	if err != nil {
		s.sink.Error(KindParse)
		return fmt.Errorf("grpc %s: encode message: %w", s.fullMethod, err)
	}
	reqMsg := dynamic.NewMessage(s.method.GetInputType())
	if err := reqMsg.UnmarshalJSON(raw); err != nil {
		s.sink.Error(KindParse)
		return fmt.Errorf("grpc %s: request payload: %w", s.fullMethod, err)
	}
	respMsg := dynamic.NewMessage(s.method.GetOutputType())

	conn, err := s.engine.connection()
	if err != nil {
		s.sink.Error(ErrorKind(err))
		return fmt.Errorf("grpc connect %s: %w", s.engine.target, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.engine.timeout)
	defer cancel()
	ctx, span := tracing.StartActionSpan(ctx, s.engine.opts.tracer(), GRPCEngineName,
		strings.TrimPrefix(s.fullMethod, "/"),
		tracing.AttrScenario.String(rc.Scenario),
		tracing.AttrUID.String(rc.UID),
	)

	md := metadata.MD{}
	for k, v := range RenderMap(s.args.Metadata, rc.Vars) {
		if key := strings.ToLower(strings.TrimSpace(k)); key != "" {
			md.Set(key, v)
		}
	}
	if s.engine.opts.Propagate {
		tracing.InjectGRPCMetadata(ctx, md)
	}
	if len(md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}

	rc.startRequest(s.sink)
	start := time.Now()
	err = conn.Invoke(ctx, s.fullMethod, protoadapt.MessageV2Of(reqMsg), protoadapt.MessageV2Of(respMsg))
	latency := time.Since(start)

	code := status.Code(err)
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		s.sink.Error(ErrorKind(err))
		tracing.EndSpan(span, err)
		return fmt.Errorf("grpc %s: %w", s.fullMethod, err)
	}
	rc.finishRequest(s.sink, latency, int(code))
	tracing.EndSpan(span, nil, tracing.AttrStatus.String(code.String()))

	if err == nil && len(s.captures) > 0 {
		body, mErr := respMsg.MarshalJSON()
		if mErr != nil {
			s.engine.log.Debug().Err(mErr).Str("method", s.fullMethod).Msg("encode response for capture")
			return nil
		}
		values, _ := extractor.ExtractAll(body, s.captures)
		for name, value := range values {
			rc.Vars.Set(name, value)
		}
	}
	return nil
}
