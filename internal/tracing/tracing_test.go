package tracing_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"

	"github.com/torosent/crankswarm/internal/config"
	"github.com/torosent/crankswarm/internal/tracing"
)

func recorder(t *testing.T) (*tracetest.SpanRecorder, trace.Tracer) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTextMapPropagator(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec, tp.Tracer("test")
}

func attrs(s sdktrace.ReadOnlySpan) map[string]string {
	out := map[string]string{}
	for _, kv := range s.Attributes() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestInit(t *testing.T) {
	off := false
	tests := []struct {
		name          string
		cfg           config.TracingConfig
		wantErr       bool
		wantPropagate bool
	}{
		{name: "disabled", cfg: config.TracingConfig{}},
		{name: "grpc", cfg: config.TracingConfig{Endpoint: "localhost:4317", Protocol: "grpc", Insecure: true, SampleRate: 1}, wantPropagate: true},
		{name: "http", cfg: config.TracingConfig{Endpoint: "localhost:4318", Protocol: "http", Insecure: true, SampleRate: 0.5}, wantPropagate: true},
		{name: "propagation off", cfg: config.TracingConfig{Endpoint: "localhost:4317", Insecure: true, Propagate: &off}},
		{name: "unknown protocol", cfg: config.TracingConfig{Endpoint: "localhost:4317", Protocol: "thrift"}, wantErr: true},
		{name: "negative rate", cfg: config.TracingConfig{Endpoint: "localhost:4317", SampleRate: -0.5}, wantErr: true},
		{name: "rate above one", cfg: config.TracingConfig{Endpoint: "localhost:4317", SampleRate: 1.5}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prev := otel.GetTracerProvider()
			t.Cleanup(func() { otel.SetTracerProvider(prev) })

			p, err := tracing.Init(context.Background(), tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
			assert.Equal(t, tt.wantPropagate, p.ShouldPropagate())
			require.NotNil(t, p.Tracer())
		})
	}
}

func TestNilProvider(t *testing.T) {
	var p *tracing.Provider
	assert.False(t, p.ShouldPropagate())
	assert.NoError(t, p.Shutdown(context.Background()))
	_, span := p.Tracer().Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestWorkerSpanContinuesRunSpan(t *testing.T) {
	rec, tracer := recorder(t)

	ctx, run := tracing.StartRunSpan(context.Background(), tracer, "run-1", 3)
	carrier := tracing.Carrier(ctx)
	require.Contains(t, carrier, "traceparent")

	// The worker sees only the carrier, as it would in another process.
	wctx, w := tracing.StartWorkerSpan(context.Background(), tracer, carrier, "run-1", "w-1")
	_, action := tracing.StartActionSpan(wctx, tracer, "http", "get", tracing.AttrScenario.String("browse"))
	tracing.EndSpan(action, nil, tracing.AttrStatus.Int(200))
	tracing.EndSpan(w, nil)
	tracing.EndSpan(run, nil)

	spans := rec.Ended()
	require.Len(t, spans, 3)
	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range spans {
		byName[s.Name()] = s
	}
	runSpan, workerSpan, actionSpan := byName["crankswarm run"], byName["crankswarm worker"], byName["http get"]
	require.NotNil(t, runSpan)
	require.NotNil(t, workerSpan)
	require.NotNil(t, actionSpan)

	assert.Equal(t, runSpan.SpanContext().TraceID(), workerSpan.SpanContext().TraceID())
	assert.Equal(t, runSpan.SpanContext().SpanID(), workerSpan.Parent().SpanID())
	assert.Equal(t, workerSpan.SpanContext().SpanID(), actionSpan.Parent().SpanID())

	assert.Equal(t, "3", attrs(runSpan)["crankswarm.workers"])
	assert.Equal(t, "w-1", attrs(workerSpan)["crankswarm.worker_id"])
	a := attrs(actionSpan)
	assert.Equal(t, "http", a["rpc.system"])
	assert.Equal(t, "get", a["crankswarm.action"])
	assert.Equal(t, "browse", a["crankswarm.scenario"])
	assert.Equal(t, "200", a["crankswarm.status"])
	assert.Equal(t, trace.SpanKindClient, actionSpan.SpanKind())
}

func TestCarrierEmptyWithoutSpan(t *testing.T) {
	recorder(t)
	assert.Nil(t, tracing.Carrier(context.Background()))
}

func TestEndSpanStatus(t *testing.T) {
	rec, tracer := recorder(t)

	_, failed := tracing.StartActionSpan(context.Background(), tracer, "ws", "")
	tracing.EndSpan(failed, errors.New("connection reset"))
	_, ok := tracing.StartActionSpan(context.Background(), tracer, "ws", "send")
	tracing.EndSpan(ok, nil)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "ws action", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "ws send", spans[1].Name())
	assert.Equal(t, codes.Ok, spans[1].Status().Code)
}

func TestInjectCarriers(t *testing.T) {
	_, tracer := recorder(t)
	ctx, span := tracer.Start(context.Background(), "inject")
	defer span.End()

	headers := http.Header{}
	tracing.InjectHTTPHeaders(ctx, headers)
	assert.Len(t, headers.Get("Traceparent"), 55)

	md := metadata.New(nil)
	tracing.InjectGRPCMetadata(ctx, md)
	require.Len(t, md.Get("traceparent"), 1)
	assert.Equal(t, headers.Get("Traceparent"), md.Get("traceparent")[0])

	empty := http.Header{}
	tracing.InjectHTTPHeaders(context.Background(), empty)
	assert.Empty(t, empty.Get("Traceparent"))
}
