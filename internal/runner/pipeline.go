package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/torosent/crankswarm/internal/engine"
	"github.com/torosent/crankswarm/internal/script"
)

// compileFlow turns a flow into pipeline steps. Think and loop steps are
// handled here; everything else is a protocol action for eng.
func (r *Runner) compileFlow(eng engine.Engine, flow []script.StepSpec, path string) ([]engine.Step, error) {
	steps := make([]engine.Step, 0, len(flow))
	for i, spec := range flow {
		where := fmt.Sprintf("%s[%d]", path, i)
		switch {
		case spec.IsThink():
			steps = append(steps, thinkStep(time.Duration(*spec.Think*float64(time.Second))))
		case spec.IsLoop():
			body, err := r.compileFlow(eng, spec.Loop, where+".loop")
			if err != nil {
				return nil, err
			}
			count := spec.LoopCount()
			if count < 0 {
				r.log.Warn().Str("step", where).Int("count", count).
					Msg("loop without a positive count runs zero iterations")
			}
			steps = append(steps, loopStep(engine.Sequence(body), count))
		default:
			step, err := eng.CompileStep(spec, r.sink)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", where, err)
			}
			steps = append(steps, step)
		}
	}
	return steps, nil
}

func thinkStep(d time.Duration) engine.Step {
	return func(ctx context.Context, _ *engine.RunContext) error {
		if d <= 0 {
			return nil
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func loopStep(body engine.Step, count int) engine.Step {
	return func(ctx context.Context, rc *engine.RunContext) error {
		for i := 0; i < count; i++ {
			if err := body(ctx, rc); err != nil {
				return err
			}
		}
		return nil
	}
}
