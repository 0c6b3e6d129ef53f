// Package coordinator fans a load script out to N independent workers and
// consolidates the reports they publish to a shared transport.
//
// Delivery is at-least-once and unordered. Every message is applied at most
// once by transport id, messages of other runs are skipped without being
// deleted, and the run is complete once a final report has arrived from
// every worker. Latency percentiles are computed once over the union of raw
// samples from all applied reports, never by combining per-worker
// percentiles.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/torosent/crankswarm/internal/script"
	"github.com/torosent/crankswarm/internal/stats"
	"github.com/torosent/crankswarm/internal/tracing"
	"github.com/torosent/crankswarm/internal/transport"
	"github.com/torosent/crankswarm/internal/worker"
)

// ErrIncomplete is returned when finals are still missing after every
// invocation returned and the drain timeout expired.
var ErrIncomplete = errors.New("coordinator: final reports missing")

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPollBatch    = 10
	DefaultGrace        = 2 * time.Second
	DefaultDrainTimeout = 30 * time.Second
)

// Options configure a Coordinator.
type Options struct {
	Workers   int
	Invoker   Invoker
	Transport transport.Transport // polled for reports

	PollInterval time.Duration
	PollBatch    int
	Grace        time.Duration // polling continues this long after the last final
	DrainTimeout time.Duration

	// ExpectedRequests drives progress reporting; zero disables it.
	ExpectedRequests int64
	Progress         func(Progress)
	Logger           zerolog.Logger
	// Tracer opens the run span handed to every worker; nil uses the
	// global provider.
	Tracer trace.Tracer
}

func (o *Options) normalize() {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollBatch <= 0 {
		o.PollBatch = DefaultPollBatch
	}
	if o.Grace < 0 {
		o.Grace = 0
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
}

// Coordinator runs distributed load tests.
type Coordinator struct {
	opts Options
}

// New validates opts and returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	opts.normalize()
	switch {
	case opts.Workers < 1:
		return nil, fmt.Errorf("workers must be at least 1, got %d", opts.Workers)
	case opts.Invoker == nil:
		return nil, errors.New("an invoker is required")
	case opts.Transport == nil:
		return nil, errors.New("a transport is required")
	}
	return &Coordinator{opts: opts}, nil
}

// Plan is one distributed run.
type Plan struct {
	Script          *script.Script
	RunID           string // generated when empty
	Destination     string // handed to workers
	BaseDir         string
	MaxMessageBytes int
}

// InvocationResult records how one worker invocation returned.
type InvocationResult struct {
	WorkerID string        `json:"workerId"`
	Result   worker.Result `json:"result"`
	Err      string        `json:"error,omitempty"`
}

// WorkerSummary is the final report of one worker.
type WorkerSummary struct {
	WorkerID string       `json:"workerId"`
	Fallback bool         `json:"fallback,omitempty"`
	Reports  int          `json:"reports"`
	Stats    stats.Report `json:"stats"`
}

// Report is the consolidated outcome of a run.
type Report struct {
	RunID       string             `json:"runId"`
	Workers     int                `json:"workers"`
	Finals      int                `json:"finals"`
	Incomplete  bool               `json:"incomplete,omitempty"`
	Duration    time.Duration      `json:"duration"`
	Stats       stats.Report       `json:"stats"`
	PerWorker   []WorkerSummary    `json:"perWorker"`
	Invocations []InvocationResult `json:"invocations"`
}

// FailedInvocations counts invocations that returned an error.
func (r *Report) FailedInvocations() int {
	n := 0
	for _, inv := range r.Invocations {
		if inv.Err != "" {
			n++
		}
	}
	return n
}

// Run invokes the workers and collects their reports. The returned Report is
// non-nil whenever collection started, including on ErrIncomplete and on
// cancellation.
func (c *Coordinator) Run(ctx context.Context, plan Plan) (report *Report, err error) {
	if plan.Script == nil {
		return nil, errors.New("a script is required")
	}
	// Workers share the script; file payloads are read once, here.
	if err := plan.Script.LoadPayloads(plan.BaseDir); err != nil {
		return nil, err
	}
	runID := plan.RunID
	if runID == "" {
		runID = ulid.Make().String()
	}
	log := c.opts.Logger.With().Str("run_id", runID).Logger()
	start := time.Now()

	ctx, span := tracing.StartRunSpan(ctx, c.opts.Tracer, runID, c.opts.Workers)
	defer func() { tracing.EndSpan(span, err) }()
	carrier := tracing.Carrier(ctx)

	col := newCollector(runID, c.opts.ExpectedRequests, c.opts.Progress, log)
	invocations := make([]InvocationResult, c.opts.Workers)
	for i := range invocations {
		invocations[i].WorkerID = ulid.Make().String()
	}

	log.Info().Int("workers", c.opts.Workers).Str("destination", plan.Destination).Msg("invoking workers")

	var g errgroup.Group
	for i := range invocations {
		slot := &invocations[i]
		g.Go(func() error {
			res, err := c.opts.Invoker.Invoke(ctx, worker.Invocation{
				Script:          plan.Script,
				RunID:           runID,
				WorkerID:        slot.WorkerID,
				Destination:     plan.Destination,
				BaseDir:         plan.BaseDir,
				MaxMessageBytes: plan.MaxMessageBytes,
				TraceContext:    carrier,
			})
			slot.Result = res
			if err != nil {
				slot.Err = err.Error()
				log.Error().Err(err).Str("worker_id", slot.WorkerID).Msg("worker invocation failed")
			} else {
				log.Debug().Str("worker_id", slot.WorkerID).Int("intermediate_count", res.IntermediateCount).
					Msg("worker invocation returned")
			}
			return nil
		})
	}

	invoked := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(invoked)
	}()

	err = c.collect(ctx, col, invoked, log)
	if ctx.Err() == nil {
		select {
		case <-invoked:
		case <-ctx.Done():
		case <-time.After(c.opts.DrainTimeout):
			log.Warn().Dur("drain_timeout", c.opts.DrainTimeout).
				Msg("worker invocations still running, reporting without their results")
		}
	}

	report = &Report{
		RunID:      runID,
		Workers:    c.opts.Workers,
		Finals:     col.finalCount(),
		Incomplete: col.finalCount() < c.opts.Workers,
		Duration:   time.Since(start),
		Stats:      col.merger.Report(),
		PerWorker:  col.workers(),
	}
	select {
	case <-invoked:
		report.Invocations = invocations
	default:
	}
	log.Info().Int("finals", report.Finals).Dur("duration", report.Duration).
		Int64("requests_completed", report.Stats.RequestsCompleted).Msg("run finished")
	return report, err
}

// collect polls until every final is in and the grace period has passed,
// until the drain timeout expires after the last invocation returned, or
// until ctx is done.
func (c *Coordinator) collect(ctx context.Context, col *collector, invoked <-chan struct{}, log zerolog.Logger) error {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	var graceC, drainC <-chan time.Time
	for {
		if err := c.poll(ctx, col, log); err != nil {
			return err
		}
		if graceC == nil && col.finalCount() >= c.opts.Workers {
			log.Debug().Dur("grace", c.opts.Grace).Msg("all final reports received")
			graceC = time.After(c.opts.Grace)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-graceC:
			return c.poll(ctx, col, log)
		case <-invoked:
			invoked = nil
			if graceC == nil {
				drainC = time.After(c.opts.DrainTimeout)
			}
		case <-drainC:
			if err := c.poll(ctx, col, log); err != nil {
				return err
			}
			if col.finalCount() >= c.opts.Workers {
				return nil
			}
			return fmt.Errorf("%w: %d of %d after %s", ErrIncomplete, col.finalCount(), c.opts.Workers, c.opts.DrainTimeout)
		case <-ticker.C:
		}
	}
}

// poll receives batches until the transport has nothing new to offer.
func (c *Coordinator) poll(ctx context.Context, col *collector, log zerolog.Logger) error {
	for {
		applied := 0
		msgs, err := c.opts.Transport.Receive(ctx, c.opts.PollBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			log.Warn().Err(err).Msg("receive failed")
			return nil
		}
		for _, m := range msgs {
			switch col.handle(m.ID, m.Body) {
			case deliveryApplied:
				applied++
				fallthrough
			case deliveryDuplicate:
				if err := c.opts.Transport.Delete(ctx, m.ID); err != nil {
					log.Warn().Err(err).Str("message_id", m.ID).Msg("delete failed")
				}
			}
		}
		if len(msgs) < c.opts.PollBatch || applied == 0 {
			return nil
		}
	}
}
