package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/torosent/crankswarm/internal/script"
)

// ErrEndScenario ends a scenario instance early without failing it.
var ErrEndScenario = errors.New("engine: scenario ended early")

// Sink receives the telemetry of every scenario instance compiled against it.
// Implementations must be safe for concurrent use.
type Sink interface {
	Request()
	Response(latency time.Duration, code int, uid string)
	Error(kind string)
	Match(passed bool, detail string)
}

// Step is one compiled element of a scenario flow.
type Step func(ctx context.Context, rc *RunContext) error

// Scenario runs a compiled flow for one scenario instance. It returns nil
// when the flow completed, ErrEndScenario when a step ended it early and
// any other error when it aborted.
type Scenario func(ctx context.Context, rc *RunContext) error

// Engine compiles protocol actions for one script.
type Engine interface {
	Name() string
	// CompileStep compiles a protocol action. Think and loop steps never
	// reach an engine.
	CompileStep(spec script.StepSpec, sink Sink) (Step, error)
	// CompileScenario wraps the compiled steps of a flow with the engine's
	// per-instance setup and teardown.
	CompileScenario(steps []Step, spec script.ScenarioSpec, sink Sink) Scenario
	// Close releases resources shared by every instance.
	Close() error
}

// Options carries the ambient dependencies of an engine.
type Options struct {
	Logger    zerolog.Logger
	Tracer    trace.Tracer
	Propagate bool
	// BaseDir resolves relative file references such as the grpc proto file.
	BaseDir string
}

func (o Options) tracer() trace.Tracer {
	if o.Tracer == nil {
		return noop.NewTracerProvider().Tracer("crankswarm")
	}
	return o.Tracer
}

// Sequence composes steps into a single step that runs them in order and
// stops at the first error.
func Sequence(steps []Step) Step {
	return func(ctx context.Context, rc *RunContext) error {
		for _, step := range steps {
			if err := step(ctx, rc); err != nil {
				return err
			}
		}
		return nil
	}
}
