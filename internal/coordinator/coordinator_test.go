package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torosent/crankswarm/internal/script"
	"github.com/torosent/crankswarm/internal/stats"
	"github.com/torosent/crankswarm/internal/transport"
	"github.com/torosent/crankswarm/internal/worker"
)

func testScript(t *testing.T, target string, arrivals int) *script.Script {
	t.Helper()
	s, err := script.Parse([]byte(fmt.Sprintf(`
config:
  target: %s
  phases: [{duration: 1, arrivalCount: %d}]
scenarios:
  - flow: [{get: {url: /}}]
`, target, arrivals)))
	require.NoError(t, err)
	return s
}

func testOptions(tr transport.Transport, workers int, inv Invoker) Options {
	return Options{
		Workers:      workers,
		Invoker:      inv,
		Transport:    tr,
		PollInterval: 10 * time.Millisecond,
		Grace:        20 * time.Millisecond,
		DrainTimeout: 200 * time.Millisecond,
		Logger:       zerolog.Nop(),
	}
}

func publish(t *testing.T, tr transport.Transport, env worker.Envelope) {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, tr.Publish(context.Background(), body))
}

func run(t *testing.T, opts Options, s *script.Script) (*Report, error) {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.Run(ctx, Plan{Script: s, RunID: "run-1"})
}

// scripted returns an invoker that publishes, for the i-th invocation, what
// build(i, inv) returns.
func scripted(t *testing.T, tr transport.Transport, build func(i int, inv worker.Invocation) []worker.Envelope) Invoker {
	var n atomic.Int32
	return InvokerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Result, error) {
		i := int(n.Add(1)) - 1
		envs := build(i, inv)
		intermediates := 0
		for _, env := range envs {
			publish(t, tr, env)
			if env.Type == worker.TypeIntermediate {
				intermediates++
			}
		}
		return worker.Result{IntermediateCount: intermediates, UID: inv.WorkerID}, nil
	})
}

func final(inv worker.Invocation, r stats.Report) worker.Envelope {
	return worker.Envelope{RunID: inv.RunID, WorkerID: inv.WorkerID, Type: worker.TypeFinal, Stats: r}
}

func intermediate(inv worker.Invocation, r stats.Report) worker.Envelope {
	return worker.Envelope{RunID: inv.RunID, WorkerID: inv.WorkerID, Type: worker.TypeIntermediate, Stats: r}
}

func TestCoordinatorSumsFinals(t *testing.T) {
	tr := transport.NewMemory(transport.Options{})
	completed := []int64{10, 20, 30}
	inv := scripted(t, tr, func(i int, inv worker.Invocation) []worker.Envelope {
		r := stats.Report{
			RequestsCompleted:  completed[i],
			ScenariosCompleted: 1,
			Codes:              map[int]int64{200: completed[i] - 1, 500: 1},
			Errors:             map[string]int64{"ETIMEDOUT": 1},
		}
		return []worker.Envelope{final(inv, r)}
	})

	report, err := run(t, testOptions(tr, 3, inv), testScript(t, "http://localhost", 1))
	require.NoError(t, err)

	assert.Equal(t, "run-1", report.RunID)
	assert.Equal(t, 3, report.Finals)
	assert.False(t, report.Incomplete)
	assert.Equal(t, int64(60), report.Stats.RequestsCompleted)
	assert.Equal(t, int64(3), report.Stats.ScenariosCompleted)
	assert.Equal(t, map[int]int64{200: 57, 500: 3}, report.Stats.Codes)
	assert.Equal(t, map[string]int64{"ETIMEDOUT": 3}, report.Stats.Errors)
	require.Len(t, report.PerWorker, 3)
	require.Len(t, report.Invocations, 3)
	assert.Zero(t, report.FailedInvocations())
	assert.Zero(t, tr.Len(), "applied messages are deleted")
}

func TestCoordinatorPercentilesOverSampleUnion(t *testing.T) {
	tr := transport.NewMemory(transport.Options{})
	// One fast worker with many samples, one slow worker with few.
	fast := make([]int64, 90)
	for i := range fast {
		fast[i] = int64(i+1) * int64(time.Millisecond)
	}
	slow := []int64{
		int64(900 * time.Millisecond), int64(950 * time.Millisecond),
		int64(990 * time.Millisecond), int64(999 * time.Millisecond),
	}
	samples := [][]int64{fast, slow}
	inv := scripted(t, tr, func(i int, inv worker.Invocation) []worker.Envelope {
		s := samples[i]
		return []worker.Envelope{
			intermediate(inv, stats.Report{RequestsCompleted: int64(len(s)), Latencies: s}),
			final(inv, stats.Report{RequestsCompleted: int64(len(s))}),
		}
	})

	report, err := run(t, testOptions(tr, 2, inv), testScript(t, "http://localhost", 1))
	require.NoError(t, err)

	union := append(append([]int64(nil), fast...), slow...)
	sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })
	assert.Equal(t, stats.Summarize(union), report.Stats.Latency)
	assert.Len(t, report.Stats.Latencies, len(union))
	assert.InDelta(t, 90.0, report.Stats.Latency.P95, 0.01)
	assert.InDelta(t, 999.0, report.Stats.Latency.P99, 0.01)
}

// noDelete redelivers every message forever.
type noDelete struct {
	transport.Transport
}

func (noDelete) Delete(context.Context, string) error { return nil }

func TestCoordinatorAppliesRedeliveredMessagesOnce(t *testing.T) {
	mem := transport.NewMemory(transport.Options{VisibilityTimeout: time.Millisecond})
	tr := noDelete{mem}
	inv := scripted(t, mem, func(i int, inv worker.Invocation) []worker.Envelope {
		return []worker.Envelope{
			intermediate(inv, stats.Report{RequestsCompleted: 5, Latencies: []int64{1, 2, 3, 4, 5}}),
			final(inv, stats.Report{RequestsCompleted: 5, Codes: map[int]int64{200: 5}}),
		}
	})
	opts := testOptions(tr, 2, inv)
	opts.Grace = 100 * time.Millisecond

	report, err := run(t, opts, testScript(t, "http://localhost", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(10), report.Stats.RequestsCompleted)
	assert.Equal(t, map[int]int64{200: 10}, report.Stats.Codes)
	assert.Len(t, report.Stats.Latencies, 10)
	for _, w := range report.PerWorker {
		assert.Equal(t, 2, w.Reports)
	}
}

// failingDelete rejects every delete and counts the attempts.
type failingDelete struct {
	transport.Transport
	deletes *atomic.Int32
}

func (f failingDelete) Delete(context.Context, string) error {
	f.deletes.Add(1)
	return errors.New("receipt expired")
}

func TestCoordinatorProgressesWhenDeleteFails(t *testing.T) {
	mem := transport.NewMemory(transport.Options{VisibilityTimeout: time.Millisecond})
	tr := failingDelete{Transport: mem, deletes: &atomic.Int32{}}
	inv := scripted(t, mem, func(i int, inv worker.Invocation) []worker.Envelope {
		return []worker.Envelope{
			intermediate(inv, stats.Report{RequestsCompleted: 4, Latencies: []int64{10, 20, 30, 40}}),
			final(inv, stats.Report{RequestsCompleted: 4, Codes: map[int]int64{200: 4}}),
		}
	})
	opts := testOptions(tr, 3, inv)
	opts.Grace = 100 * time.Millisecond

	report, err := run(t, opts, testScript(t, "http://localhost", 1))
	require.NoError(t, err)
	assert.Positive(t, tr.deletes.Load())
	assert.Equal(t, 3, report.Finals)
	assert.Equal(t, int64(12), report.Stats.RequestsCompleted)
	assert.Equal(t, map[int]int64{200: 12}, report.Stats.Codes)
	assert.Len(t, report.Stats.Latencies, 12)
	for _, w := range report.PerWorker {
		assert.Equal(t, 2, w.Reports)
	}
}

func TestCoordinatorDoesNotWaitForHungInvocation(t *testing.T) {
	tr := transport.NewMemory(transport.Options{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	inv := InvokerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Result, error) {
		publish(t, tr, final(inv, stats.Report{RequestsCompleted: 6}))
		<-release
		return worker.Result{UID: inv.WorkerID}, nil
	})
	opts := testOptions(tr, 1, inv)

	start := time.Now()
	report, err := run(t, opts, testScript(t, "http://localhost", 1))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, report.Finals)
	assert.Equal(t, int64(6), report.Stats.RequestsCompleted)
	assert.Nil(t, report.Invocations)
}

func TestCoordinatorCountsOneFinalPerWorker(t *testing.T) {
	tr := transport.NewMemory(transport.Options{})
	inv := scripted(t, tr, func(i int, inv worker.Invocation) []worker.Envelope {
		f := final(inv, stats.Report{RequestsCompleted: 7})
		return []worker.Envelope{f, f}
	})
	opts := testOptions(tr, 2, inv)

	report, err := run(t, opts, testScript(t, "http://localhost", 1))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Finals)
	assert.Equal(t, int64(14), report.Stats.RequestsCompleted)
}

func TestCoordinatorLeavesOtherRunsAlone(t *testing.T) {
	tr := transport.NewMemory(transport.Options{})
	publish(t, tr, worker.Envelope{RunID: "other-run", WorkerID: "x", Type: worker.TypeFinal,
		Stats: stats.Report{RequestsCompleted: 1000}})
	require.NoError(t, tr.Publish(context.Background(), []byte("not a report")))

	inv := scripted(t, tr, func(i int, inv worker.Invocation) []worker.Envelope {
		return []worker.Envelope{final(inv, stats.Report{RequestsCompleted: 3})}
	})

	report, err := run(t, testOptions(tr, 1, inv), testScript(t, "http://localhost", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.Stats.RequestsCompleted)
	assert.Equal(t, 1, report.Finals)
	assert.Equal(t, 2, tr.Len(), "foreign and malformed messages stay on the transport")
}

func TestCoordinatorIncomplete(t *testing.T) {
	tr := transport.NewMemory(transport.Options{})
	inv := scripted(t, tr, func(i int, inv worker.Invocation) []worker.Envelope {
		if i == 0 {
			return []worker.Envelope{final(inv, stats.Report{RequestsCompleted: 4})}
		}
		return nil
	})

	report, err := run(t, testOptions(tr, 2, inv), testScript(t, "http://localhost", 1))
	require.ErrorIs(t, err, ErrIncomplete)
	require.NotNil(t, report)
	assert.True(t, report.Incomplete)
	assert.Equal(t, 1, report.Finals)
	assert.Equal(t, int64(4), report.Stats.RequestsCompleted)
	assert.Len(t, report.Invocations, 2)
}

func TestCoordinatorFallbackFinalCounts(t *testing.T) {
	tr := transport.NewMemory(transport.Options{})
	inv := InvokerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Result, error) {
		publish(t, tr, worker.Envelope{RunID: inv.RunID, WorkerID: inv.WorkerID, Type: worker.TypeFinal, Fallback: true})
		return worker.Result{UID: inv.WorkerID}, errors.New("publish final report: too large")
	})

	report, err := run(t, testOptions(tr, 1, inv), testScript(t, "http://localhost", 1))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Finals)
	assert.Equal(t, 1, report.FailedInvocations())
	require.Len(t, report.PerWorker, 1)
	assert.True(t, report.PerWorker[0].Fallback)
}

func TestCoordinatorProgressThresholds(t *testing.T) {
	tr := transport.NewMemory(transport.Options{})
	inv := scripted(t, tr, func(i int, inv worker.Invocation) []worker.Envelope {
		var envs []worker.Envelope
		for _, n := range []int64{5, 10, 30, 60} {
			envs = append(envs, intermediate(inv, stats.Report{RequestsCompleted: n}))
		}
		return append(envs, final(inv, stats.Report{RequestsCompleted: 105}))
	})

	var mu sync.Mutex
	var seen []int
	opts := testOptions(tr, 1, inv)
	opts.ExpectedRequests = 100
	opts.Progress = func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, p.Percent)
	}

	_, err := run(t, opts, testScript(t, "http://localhost", 1))
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{10, 40, 100}, seen)
}

func TestCoordinatorCancel(t *testing.T) {
	tr := transport.NewMemory(transport.Options{})
	inv := InvokerFunc(func(ctx context.Context, inv worker.Invocation) (worker.Result, error) {
		<-ctx.Done()
		return worker.Result{}, ctx.Err()
	})
	c, err := New(testOptions(tr, 2, inv))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report, err := c.Run(ctx, Plan{Script: testScript(t, "http://localhost", 1)})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, report)
	assert.NotEmpty(t, report.RunID)
	assert.True(t, report.Incomplete)
}

func TestNewValidatesOptions(t *testing.T) {
	tr := transport.NewMemory(transport.Options{})
	inv := InvokerFunc(func(context.Context, worker.Invocation) (worker.Result, error) { return worker.Result{}, nil })

	_, err := New(Options{Workers: 0, Invoker: inv, Transport: tr})
	assert.Error(t, err)
	_, err = New(Options{Workers: 1, Transport: tr})
	assert.Error(t, err)
	_, err = New(Options{Workers: 1, Invoker: inv})
	assert.Error(t, err)

	c, err := New(Options{Workers: 1, Invoker: inv, Transport: tr})
	require.NoError(t, err)
	_, err = c.Run(context.Background(), Plan{})
	assert.Error(t, err)
}

func TestCoordinatorWithLocalWorkers(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := transport.NewMemory(transport.Options{})
	local := &LocalInvoker{Transport: tr, Options: worker.Options{
		DrainInterval: 10 * time.Millisecond,
		StatsInterval: 100 * time.Millisecond,
		Logger:        zerolog.Nop(),
	}}
	opts := testOptions(tr, 3, local)
	opts.DrainTimeout = 5 * time.Second

	report, err := run(t, opts, testScript(t, srv.URL, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(6), hits.Load())
	assert.Equal(t, int64(6), report.Stats.RequestsCompleted)
	assert.Equal(t, map[int]int64{204: 6}, report.Stats.Codes)
	assert.Len(t, report.Stats.Latencies, 6)
	assert.NotZero(t, report.Stats.ScenarioDuration.Max)

	require.Len(t, report.PerWorker, 3)
	uids := map[string]bool{}
	for _, inv := range report.Invocations {
		assert.Empty(t, inv.Err)
		assert.Equal(t, inv.WorkerID, inv.Result.UID)
		uids[inv.Result.UID] = true
	}
	for _, w := range report.PerWorker {
		assert.True(t, uids[w.WorkerID])
		assert.Equal(t, int64(2), w.Stats.RequestsCompleted)
	}
}
