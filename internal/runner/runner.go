package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/crankswarm/internal/engine"
	"github.com/torosent/crankswarm/internal/phases"
	"github.com/torosent/crankswarm/internal/picker"
	"github.com/torosent/crankswarm/internal/script"
)

// KindCompile is the error kind recorded for arrivals of a scenario whose
// flow does not compile.
const KindCompile = "ECOMPILE"

type compiledScenario struct {
	once sync.Once
	name string
	spec script.ScenarioSpec
	flow engine.Scenario
	err  error
}

// Runner launches one scenario instance per arrival.
type Runner struct {
	opt       Options
	log       zerolog.Logger
	picker    *picker.Picker
	seeder    *seeder
	engines   map[string]engine.Engine
	scenarios []*compiledScenario
	sink      *telemetry

	pendingScenarios atomic.Int64
	pendingRequests  atomic.Int64
	wg               sync.WaitGroup
}

// New prepares a runner for s. Engines are built here so that broken engine
// configuration fails before the first arrival; flows compile on first use.
func New(s *script.Script, opt Options) (*Runner, error) {
	opt.normalize()
	if len(s.Scenarios) == 0 {
		return nil, errors.New("script has no scenarios")
	}

	p := opt.Picker
	if p == nil {
		var err error
		p, err = picker.New(s.Weights())
		if err != nil {
			return nil, fmt.Errorf("scenario weights: %w", err)
		}
	}
	seeder, err := newSeeder(s.Config)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		opt:     opt,
		log:     opt.Logger,
		picker:  p,
		seeder:  seeder,
		engines: make(map[string]engine.Engine),
	}
	r.sink = &telemetry{
		accumulators: opt.Stats,
		metrics:      opt.Metrics,
		pending:      &r.pendingRequests,
		log:          r.log,
	}

	for _, name := range s.EngineNames() {
		e, err := opt.Registry.New(name, s.Config, opt.Engine)
		if err != nil {
			_ = r.Close()
			return nil, err
		}
		r.engines[name] = e
	}
	for i, sc := range s.Scenarios {
		r.scenarios = append(r.scenarios, &compiledScenario{name: sc.Label(i), spec: sc})
	}
	return r, nil
}

func (r *Runner) scenario(idx int) *compiledScenario {
	c := r.scenarios[idx]
	c.once.Do(func() {
		eng := r.engines[c.spec.EngineName()]
		steps, err := r.compileFlow(eng, c.spec.Flow, c.name)
		if err != nil {
			c.err = fmt.Errorf("scenario %s: %w", c.name, err)
			r.log.Error().Err(c.err).Msg("scenario does not compile")
			return
		}
		c.flow = eng.CompileScenario(steps, c.spec, r.sink)
	})
	return c
}

// Compile compiles every scenario now instead of on first arrival.
func (r *Runner) Compile() error {
	var errs []error
	for i := range r.scenarios {
		if c := r.scenario(i); c.err != nil {
			errs = append(errs, c.err)
		}
	}
	return errors.Join(errs...)
}

// Run consumes events until the scheduler reports done and every launched
// instance has finished. Instances are not cancelled with ctx; a cancelled
// ctx only stops launching and waiting.
func (r *Runner) Run(ctx context.Context, events <-chan phases.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				return r.drain(ctx)
			}
			switch ev.Kind {
			case phases.EventPhaseStarted:
				r.log.Info().Str("phase", ev.Phase.Label()).Stringer("kind", ev.Phase.Kind()).Msg("phase started")
			case phases.EventArrival:
				r.launch(ctx)
			case phases.EventPhaseCompleted:
				r.log.Info().Str("phase", ev.Phase.Label()).Int64("pending_scenarios", r.PendingScenarios()).
					Msg("phase completed")
			case phases.EventDone:
				return r.drain(ctx)
			}
		}
	}
}

func (r *Runner) launch(ctx context.Context) {
	c := r.scenario(r.picker.Pick())
	r.pendingScenarios.Add(1)
	r.sink.scenarioStarted()

	if c.err != nil {
		r.sink.Error(KindCompile)
		r.sink.scenarioFailed()
		r.pendingScenarios.Add(-1)
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(context.WithoutCancel(ctx), c)
	}()
}

func (r *Runner) execute(ctx context.Context, c *compiledScenario) {
	defer r.pendingScenarios.Add(-1)

	rc := r.seeder.runContext(c.name)
	start := time.Now()
	err := c.flow(ctx, rc)
	elapsed := time.Since(start)

	if cerr := rc.Close(); cerr != nil {
		r.log.Debug().Err(cerr).Str("uid", rc.UID).Msg("release scenario resources")
	}
	// Requests that errored never produce a response.
	if n := rc.Pending(); n > 0 {
		r.pendingRequests.Add(-n)
		r.opt.Metrics.Unanswered(n)
		r.log.Warn().Int64("unanswered_requests", n).Str("scenario", c.name).Str("uid", rc.UID).
			Msg("scenario finished with requests still pending")
	}

	if err == nil || errors.Is(err, engine.ErrEndScenario) {
		r.sink.scenarioCompleted(elapsed)
		return
	}
	r.sink.scenarioFailed()
	r.log.Debug().Err(err).Str("scenario", c.name).Str("uid", rc.UID).Msg("scenario failed")
}

// drain polls until no scenario instance is pending.
func (r *Runner) drain(ctx context.Context) error {
	ticker := time.NewTicker(r.opt.DrainInterval)
	defer ticker.Stop()
	for r.pendingScenarios.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Wait blocks until every launched instance has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) PendingScenarios() int64 { return r.pendingScenarios.Load() }

func (r *Runner) PendingRequests() int64 { return r.pendingRequests.Load() }

// Close releases the engines.
func (r *Runner) Close() error {
	var errs []error
	for name, e := range r.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
