// Package tracing sets up OpenTelemetry for a distributed run. The
// coordinator opens a run span, every worker continues it from the trace
// context carried in its invocation, and each protocol action becomes a
// client span whose context is propagated to the target.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/crankswarm/internal/config"
)

const (
	DefaultServiceName = "crankswarm"
	instrumentation    = "github.com/torosent/crankswarm"
)

// Provider owns the tracer used by the coordinator, workers and engines.
// The zero value and a nil *Provider trace nothing.
type Provider struct {
	tp        *sdktrace.TracerProvider
	tracer    trace.Tracer
	propagate bool
}

// exportTarget is the resolved destination of spans. Settings win over the
// standard OTEL_* environment variables.
type exportTarget struct {
	endpoint string
	protocol string
	service  string
}

func resolveTarget(cfg config.TracingConfig) exportTarget {
	t := exportTarget{
		endpoint: firstNonEmpty(cfg.Endpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		protocol: strings.ToLower(firstNonEmpty(cfg.Protocol, "grpc")),
		service:  firstNonEmpty(cfg.ServiceName, os.Getenv("OTEL_SERVICE_NAME"), DefaultServiceName),
	}
	return t
}

// Init builds the provider described by cfg and installs it, together with
// the W3C trace-context and baggage propagators, as the global OTel provider.
// Disabled tracing yields a provider that only answers ShouldPropagate.
func Init(ctx context.Context, cfg config.TracingConfig) (*Provider, error) {
	if !cfg.Enabled() {
		return &Provider{}, nil
	}
	target := resolveTarget(cfg)
	if target.endpoint == "" {
		return &Provider{propagate: cfg.ShouldPropagate()}, nil
	}

	sampler, err := samplerFor(cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	exporter, err := newExporter(ctx, target, cfg.Insecure)
	if err != nil {
		return nil, fmt.Errorf("tracing exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(target.service)))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tp: tp, tracer: tp.Tracer(instrumentation), propagate: cfg.ShouldPropagate()}, nil
}

// samplerFor maps a sample rate onto a root sampler: 1 keeps everything and
// 0 drops everything.
func samplerFor(rate float64) (sdktrace.Sampler, error) {
	switch {
	case rate < 0 || rate > 1:
		return nil, fmt.Errorf("tracing sample_rate must be between 0.0 and 1.0, got %g", rate)
	case rate == 0:
		return sdktrace.NeverSample(), nil
	case rate == 1:
		return sdktrace.AlwaysSample(), nil
	default:
		return sdktrace.TraceIDRatioBased(rate), nil
	}
}

func newExporter(ctx context.Context, t exportTarget, insecure bool) (sdktrace.SpanExporter, error) {
	switch t.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(t.endpoint)}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(t.endpoint)}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q: use \"grpc\" or \"http\"", t.protocol)
	}
}

// Tracer returns the provider's tracer, or a no-op tracer when tracing is off.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentation)
	}
	return p.tracer
}

// ShouldPropagate reports whether engines inject trace context into requests.
func (p *Provider) ShouldPropagate() bool {
	return p != nil && p.propagate
}

// Shutdown flushes buffered spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
