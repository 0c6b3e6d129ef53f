// Package worker runs one isolated execution of a load script: it drives the
// phase scheduler into the scenario runner, feeds two stats accumulators and
// publishes their reports to a transport.
//
// Every statsInterval the intermediate accumulator is flushed and published
// as an "intermediate" message carrying raw latency samples. When the phases
// are done and every scenario instance has finished, a last intermediate is
// flushed and exactly one "final" message is published from the aggregate
// accumulator with the raw samples stripped. If the final publish fails a
// best-effort fallback final with empty stats is sent before the error is
// returned, so a coordinator waiting for finals is not left hanging.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/torosent/crankswarm/internal/engine"
	"github.com/torosent/crankswarm/internal/metrics"
	"github.com/torosent/crankswarm/internal/phases"
	"github.com/torosent/crankswarm/internal/runner"
	"github.com/torosent/crankswarm/internal/stats"
	"github.com/torosent/crankswarm/internal/tracing"
	"github.com/torosent/crankswarm/internal/transport"
)

// DefaultPublishTimeout bounds the publication of the closing reports.
const DefaultPublishTimeout = 30 * time.Second

// Options configure a worker execution.
type Options struct {
	// Transport is a shared handle. When nil the invocation's Destination is
	// opened and closed by Run.
	Transport transport.Transport
	Registry  *engine.Registry
	Engine    engine.Options
	// Metrics registers the worker's Prometheus collectors when set.
	Metrics       prometheus.Registerer
	Logger        zerolog.Logger
	DrainInterval time.Duration
	// StatsInterval overrides the script's statsInterval when positive.
	StatsInterval  time.Duration
	PublishTimeout time.Duration
	Scheduler      phases.Options
}

func (o *Options) normalize() {
	if o.Registry == nil {
		o.Registry = engine.Default()
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}
}

// Run executes inv to completion. The returned Result is valid even when an
// error is returned, as long as the run got past validation.
func Run(ctx context.Context, inv Invocation, opts Options) (res Result, err error) {
	opts.normalize()
	if err := inv.validate(); err != nil {
		return Result{}, fmt.Errorf("invalid invocation: %w", err)
	}
	if inv.WorkerID == "" {
		inv.WorkerID = ulid.Make().String()
	}
	res = Result{UID: inv.WorkerID}
	log := opts.Logger.With().Str("run_id", inv.RunID).Str("worker_id", inv.WorkerID).Logger()

	ctx, span := tracing.StartWorkerSpan(ctx, opts.Engine.Tracer, inv.TraceContext, inv.RunID, inv.WorkerID)
	defer func() { tracing.EndSpan(span, err) }()

	s := inv.Script
	if err := s.LoadPayloads(inv.BaseDir); err != nil {
		return res, err
	}
	if err := s.Validate(opts.Registry); err != nil {
		return res, err
	}

	t := opts.Transport
	if t == nil {
		opened, err := transport.Open(ctx, inv.Destination, transport.Options{MaxMessageBytes: inv.MaxMessageBytes})
		if err != nil {
			return res, fmt.Errorf("open transport: %w", err)
		}
		defer opened.Close()
		t = opened
	}

	var m *metrics.Worker
	if opts.Metrics != nil {
		var err error
		if m, err = metrics.NewWorker(opts.Metrics, inv.WorkerID); err != nil {
			return res, fmt.Errorf("register metrics: %w", err)
		}
	}

	intermediate, aggregate := stats.New(), stats.New()
	engOpts := opts.Engine
	if engOpts.BaseDir == "" {
		engOpts.BaseDir = inv.BaseDir
	}
	r, err := runner.New(s, runner.Options{
		Registry:      opts.Registry,
		Engine:        engOpts,
		Stats:         []*stats.Stats{intermediate, aggregate},
		Metrics:       m,
		Logger:        log,
		DrainInterval: opts.DrainInterval,
	})
	if err != nil {
		return res, err
	}
	defer func() {
		if err := r.Close(); err != nil {
			log.Warn().Err(err).Msg("close engines")
		}
	}()

	pub := &publisher{
		transport: t,
		runID:     inv.RunID,
		workerID:  inv.WorkerID,
		maxBytes:  inv.MaxMessageBytes,
		metrics:   m,
		log:       log,
	}
	if pub.maxBytes <= 0 {
		pub.maxBytes = transport.DefaultMaxMessageBytes
	}

	period := s.Config.StatsPeriod()
	if opts.StatsInterval > 0 {
		period = opts.StatsInterval
	}

	log.Info().Int("phases", len(s.Config.Phases)).Int("scenarios", len(s.Scenarios)).
		Dur("stats_interval", period).Msg("worker started")

	stop := make(chan struct{})
	var ticks sync.WaitGroup
	ticks.Add(1)
	go func() {
		defer ticks.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				pub.intermediate(ctx, intermediate.Flush(), r.PendingRequests())
			}
		}
	}()

	events := phases.New(s.Config.Phases, opts.Scheduler).Run(ctx)
	runErr := r.Run(ctx, events)
	close(stop)
	ticks.Wait()
	if runErr != nil {
		log.Warn().Err(runErr).Msg("run interrupted, publishing what was collected")
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.PublishTimeout)
	defer cancel()

	pub.intermediate(pubCtx, intermediate.Flush(), r.PendingRequests())
	res.IntermediateCount = pub.intermediates

	final := aggregate.Report()
	final.PendingRequests = r.PendingRequests()
	if err := pub.final(pubCtx, final); err != nil {
		return res, errors.Join(runErr, err)
	}

	log.Info().Int("intermediate_count", res.IntermediateCount).
		Int64("requests_completed", final.RequestsCompleted).
		Int64("scenarios_completed", final.ScenariosCompleted).
		Msg("worker finished")
	return res, runErr
}

type publisher struct {
	transport transport.Transport
	runID     string
	workerID  string
	maxBytes  int
	metrics   *metrics.Worker
	log       zerolog.Logger

	intermediates int
}

// intermediate publishes r unless nothing was recorded in the window.
// Publish failures are logged; the next window carries on.
func (p *publisher) intermediate(ctx context.Context, r stats.Report, pending int64) {
	if r.Empty() {
		return
	}
	r.PendingRequests = pending
	bodies, err := encodeIntermediate(p.runID, p.workerID, r, p.maxBytes)
	if err != nil {
		p.log.Error().Err(err).Msg("encode intermediate report")
		return
	}
	for _, body := range bodies {
		if err := p.transport.Publish(ctx, body); err != nil {
			p.log.Error().Err(err).Msg("publish intermediate report")
			continue
		}
		p.intermediates++
		p.metrics.Published(TypeIntermediate)
	}
	p.log.Debug().Int64("requests_completed", r.RequestsCompleted).Int("messages", len(bodies)).
		Msg("intermediate report published")
}

func (p *publisher) final(ctx context.Context, r stats.Report) error {
	body, err := encodeFinal(p.runID, p.workerID, r)
	if err == nil {
		err = p.transport.Publish(ctx, body)
	}
	if err == nil {
		p.metrics.Published(TypeFinal)
		return nil
	}
	err = fmt.Errorf("publish final report: %w", err)
	p.log.Error().Err(err).Msg("sending fallback final report")

	fallback, ferr := encodeFallback(p.runID, p.workerID)
	if ferr == nil {
		ferr = p.transport.Publish(ctx, fallback)
	}
	if ferr != nil {
		p.log.Error().Err(ferr).Msg("publish fallback final report")
		return errors.Join(err, fmt.Errorf("publish fallback: %w", ferr))
	}
	p.metrics.Published(TypeFinal)
	return err
}
