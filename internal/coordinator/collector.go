package coordinator

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/torosent/crankswarm/internal/stats"
	"github.com/torosent/crankswarm/internal/worker"
)

// Progress is reported each time the completed request count crosses a
// new tenth of the expected total.
type Progress struct {
	Completed int64
	Expected  int64
	Percent   int
}

// delivery is what the collector decided about one transport message.
type delivery int

const (
	deliveryApplied delivery = iota
	deliveryDuplicate
	deliveryForeign
	deliveryMalformed
)

// collector holds the per-run delivery state. It is owned by the poll loop
// and not safe for concurrent use.
type collector struct {
	runID    string
	expected int64
	progress func(Progress)
	log      zerolog.Logger

	seen      map[string]struct{}
	finals    map[string]worker.Envelope
	reports   map[string]int
	merger    *stats.Merger
	completed int64
	step      int
}

func newCollector(runID string, expected int64, progress func(Progress), log zerolog.Logger) *collector {
	return &collector{
		runID:    runID,
		expected: expected,
		progress: progress,
		log:      log,
		seen:     make(map[string]struct{}),
		finals:   make(map[string]worker.Envelope),
		reports:  make(map[string]int),
		merger:   stats.NewMerger(),
	}
}

// handle applies the message with the given transport id at most once.
// Messages of other runs are left alone.
func (c *collector) handle(id string, body []byte) delivery {
	if _, ok := c.seen[id]; ok {
		return deliveryDuplicate
	}
	env, err := worker.DecodeEnvelope(body)
	if err != nil {
		c.seen[id] = struct{}{}
		c.log.Warn().Err(err).Str("message_id", id).Msg("skipping malformed message")
		return deliveryMalformed
	}
	if env.RunID != c.runID {
		return deliveryForeign
	}
	c.seen[id] = struct{}{}
	c.apply(env)
	return deliveryApplied
}

func (c *collector) apply(env worker.Envelope) {
	c.reports[env.WorkerID]++
	c.merger.AddSamples(env.Stats.Latencies)

	switch env.Type {
	case worker.TypeIntermediate:
		c.advance(env.Stats.RequestsCompleted)
	case worker.TypeFinal:
		if _, ok := c.finals[env.WorkerID]; ok {
			c.log.Warn().Str("worker_id", env.WorkerID).Msg("ignoring second final report")
			return
		}
		c.finals[env.WorkerID] = env
		c.merger.AddTotals(env.Stats)
		c.log.Debug().Str("worker_id", env.WorkerID).Bool("fallback", env.Fallback).
			Int("finals", len(c.finals)).Msg("final report received")
	}
}

func (c *collector) advance(n int64) {
	c.completed += n
	if c.expected <= 0 || c.progress == nil {
		return
	}
	step := int(c.completed * 10 / c.expected)
	if step > 10 {
		step = 10
	}
	if step > c.step {
		c.step = step
		c.progress(Progress{Completed: c.completed, Expected: c.expected, Percent: step * 10})
	}
}

func (c *collector) finalCount() int {
	return len(c.finals)
}

// workers summarizes every worker that sent a final, ordered by id.
func (c *collector) workers() []WorkerSummary {
	out := make([]WorkerSummary, 0, len(c.finals))
	for id, env := range c.finals {
		out = append(out, WorkerSummary{
			WorkerID: id,
			Fallback: env.Fallback,
			Reports:  c.reports[id],
			Stats:    env.Stats,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}
