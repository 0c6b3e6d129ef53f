package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"
)

const (
	AttrRunID    = attribute.Key("crankswarm.run_id")
	AttrWorkerID = attribute.Key("crankswarm.worker_id")
	AttrWorkers  = attribute.Key("crankswarm.workers")
	AttrEngine   = attribute.Key("crankswarm.engine")
	AttrAction   = attribute.Key("crankswarm.action")
	AttrScenario = attribute.Key("crankswarm.scenario")
	AttrUID      = attribute.Key("crankswarm.uid")
	AttrStatus   = attribute.Key("crankswarm.status")
)

// StartRunSpan opens the root span of a distributed run on the coordinator.
// A nil tracer falls back to the global provider.
func StartRunSpan(ctx context.Context, tracer trace.Tracer, runID string, workers int) (context.Context, trace.Span) {
	return orGlobal(tracer).Start(ctx, "crankswarm run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrRunID.String(runID), AttrWorkers.Int(workers)),
	)
}

// StartWorkerSpan continues the run span carried in carrier, as written by
// Carrier on the coordinator side, and opens the span of one worker.
func StartWorkerSpan(ctx context.Context, tracer trace.Tracer, carrier map[string]string, runID, workerID string) (context.Context, trace.Span) {
	if len(carrier) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
	}
	return orGlobal(tracer).Start(ctx, "crankswarm worker",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(AttrRunID.String(runID), AttrWorkerID.String(workerID)),
	)
}

func orGlobal(tracer trace.Tracer) trace.Tracer {
	if tracer == nil {
		return otel.Tracer(instrumentation)
	}
	return tracer
}

// Carrier serializes the trace context of ctx so it can travel inside a
// worker invocation. It returns nil when there is nothing to carry.
func Carrier(ctx context.Context) map[string]string {
	c := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, c)
	if len(c) == 0 {
		return nil
	}
	return c
}

// StartActionSpan opens a client span for one protocol action, named after
// the engine and action ("http get", "grpc helloworld.Greeter/SayHello").
func StartActionSpan(ctx context.Context, tracer trace.Tracer, engine, action string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	name := engine + " action"
	if action != "" {
		name = engine + " " + action
		attrs = append(attrs, AttrAction.String(action))
	}
	attrs = append(attrs, attribute.String("rpc.system", engine), AttrEngine.String(engine))
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectHTTPHeaders writes the trace context of ctx into headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// metadataCarrier adapts gRPC metadata to propagation.TextMapCarrier.
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	if vals := metadata.MD(c).Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) { metadata.MD(c).Set(key, value) }

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// InjectGRPCMetadata writes the trace context of ctx into md.
func InjectGRPCMetadata(ctx context.Context, md metadata.MD) {
	otel.GetTextMapPropagator().Inject(ctx, metadataCarrier(md))
}
