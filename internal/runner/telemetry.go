package runner

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/crankswarm/internal/metrics"
	"github.com/torosent/crankswarm/internal/stats"
)

// telemetry is the engine.Sink of a runner. Every event reaches every
// accumulator, so the intermediate and aggregate stats never diverge.
type telemetry struct {
	accumulators []*stats.Stats
	metrics      *metrics.Worker
	pending      *atomic.Int64
	log          zerolog.Logger
}

func (t *telemetry) Request() {
	t.pending.Add(1)
	for _, s := range t.accumulators {
		s.NewRequest()
	}
	t.metrics.Request()
}

func (t *telemetry) Response(latency time.Duration, code int, uid string) {
	t.pending.Add(-1)
	entry := stats.Entry{
		TimestampMs: time.Now().UnixMilli(),
		UID:         uid,
		LatencyNs:   latency.Nanoseconds(),
		Code:        code,
	}
	for _, s := range t.accumulators {
		s.CompletedRequest()
		s.AddLatency(latency)
		s.AddCode(code)
		s.AddEntry(entry)
	}
	t.metrics.Response(latency, code)
}

func (t *telemetry) Error(kind string) {
	for _, s := range t.accumulators {
		s.AddError(kind)
	}
	t.metrics.Error(kind)
}

func (t *telemetry) Match(passed bool, detail string) {
	for _, s := range t.accumulators {
		s.AddMatch(passed)
	}
	t.metrics.Match(passed)
	if !passed {
		t.log.Debug().Str("detail", detail).Msg("match failed")
	}
}

func (t *telemetry) scenarioStarted() {
	for _, s := range t.accumulators {
		s.NewScenario()
	}
	t.metrics.ScenarioStarted()
}

func (t *telemetry) scenarioCompleted(elapsed time.Duration) {
	for _, s := range t.accumulators {
		s.CompletedScenario()
		s.AddScenarioLatency(elapsed)
	}
	t.metrics.ScenarioFinished(metrics.OutcomeCompleted)
}

func (t *telemetry) scenarioFailed() {
	for _, s := range t.accumulators {
		s.FailedScenario()
	}
	t.metrics.ScenarioFinished(metrics.OutcomeFailed)
}
