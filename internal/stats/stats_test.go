package stats

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccumulatorCounters(t *testing.T) {
	s := New()
	s.NewScenario()
	s.NewScenario()
	s.CompletedScenario()
	s.FailedScenario()
	s.NewRequest()
	s.NewRequest()
	s.CompletedRequest()
	s.AddCode(200)
	s.AddCode(200)
	s.AddCode(503)
	s.AddError("ECONNREFUSED")
	s.AddMatch(true)
	s.AddMatch(false)
	s.AddMatch(true)
	s.AddEntry(Entry{TimestampMs: 1, UID: "u", LatencyNs: 5, Code: 200})

	r := s.Report()
	assert.EqualValues(t, 2, r.ScenariosCreated)
	assert.EqualValues(t, 1, r.ScenariosCompleted)
	assert.EqualValues(t, 1, r.ScenariosFailed)
	assert.EqualValues(t, 2, r.RequestsStarted)
	assert.EqualValues(t, 1, r.RequestsCompleted)
	assert.Equal(t, map[int]int64{200: 2, 503: 1}, r.Codes)
	assert.Equal(t, map[string]int64{"ECONNREFUSED": 1}, r.Errors)
	assert.Equal(t, Matches{Passed: 2, Failed: 1}, r.Matches)
	assert.Len(t, r.Entries, 1)
	assert.EqualValues(t, 1, r.ErrorCount())
	assert.False(t, r.Empty())
}

func TestNearestRankPercentiles(t *testing.T) {
	s := New()
	for i := 100; i >= 1; i-- {
		s.AddLatency(time.Duration(i) * time.Millisecond)
	}
	r := s.Report()
	assert.Equal(t, Summary{Min: 1, Max: 100, Median: 50, P95: 95, P99: 99}, r.Latency)
	assert.Len(t, r.Latencies, 100)
	assert.EqualValues(t, time.Millisecond, r.Latencies[0], "samples are sorted")
}

func TestPercentileEdgeCases(t *testing.T) {
	assert.Zero(t, Percentile(nil, 95))
	assert.EqualValues(t, 7, Percentile([]int64{7}, 0))
	assert.EqualValues(t, 7, Percentile([]int64{7}, 100))
	assert.EqualValues(t, 2, Percentile([]int64{1, 2, 3, 4}, 50))
	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestMergedPercentileIsNotAverageOfPercentiles(t *testing.T) {
	fast := New()
	for i := 0; i < 100; i++ {
		fast.AddLatency(time.Millisecond)
	}
	slow := New()
	for i := 0; i < 20; i++ {
		slow.AddLatency(time.Second)
	}
	a, b := fast.Report(), slow.Report()

	averaged := (a.Latency.P95 + b.Latency.P95) / 2
	merged := Combine(a, b)

	assert.Equal(t, 1000.0, merged.Latency.P95)
	assert.Equal(t, 500.5, averaged)
	assert.Greater(t, (merged.Latency.P95-averaged)/merged.Latency.P95, 0.05)
	assert.Len(t, merged.Latencies, 120)
}

func TestResetOnlyClearsCaller(t *testing.T) {
	intermediate, aggregate := New(), New()
	for _, s := range []*Stats{intermediate, aggregate} {
		s.NewRequest()
		s.AddLatency(3 * time.Millisecond)
		s.AddCode(200)
		s.AddScenarioLatency(10 * time.Millisecond)
	}
	intermediate.Reset()

	ri, ra := intermediate.Report(), aggregate.Report()
	assert.True(t, ri.Empty())
	assert.Nil(t, ri.ScenarioHistogram)
	assert.EqualValues(t, 1, ra.RequestsStarted)
	assert.Len(t, ra.Latencies, 1)
	assert.NotNil(t, ra.ScenarioHistogram)
}

func TestFlushReportsThenResets(t *testing.T) {
	s := New()
	s.NewRequest()
	s.CompletedRequest()
	s.AddLatency(4 * time.Millisecond)

	r := s.Flush()
	assert.EqualValues(t, 1, r.RequestsCompleted)
	assert.Len(t, r.Latencies, 1)
	assert.True(t, s.Report().Empty())
}

func TestReportIsASnapshot(t *testing.T) {
	s := New()
	s.AddLatency(time.Millisecond)
	s.AddCode(200)
	r := s.Report()
	s.AddLatency(2 * time.Millisecond)
	s.AddCode(200)
	assert.Len(t, r.Latencies, 1)
	assert.EqualValues(t, 1, r.Codes[200])
}

func TestStrippedDropsRawSamples(t *testing.T) {
	s := New()
	s.AddLatency(time.Millisecond)
	s.AddEntry(Entry{UID: "x"})
	s.AddScenarioLatency(time.Second)
	r := s.Report().Stripped()
	assert.Nil(t, r.Latencies)
	assert.Nil(t, r.Entries)
	assert.NotNil(t, r.ScenarioHistogram)
	assert.Equal(t, 1.0, r.Latency.Max, "summary survives stripping")
}

func TestEntryEncodesAsTuple(t *testing.T) {
	raw, err := json.Marshal(Entry{TimestampMs: 1700000000000, UID: "abc", LatencyNs: 1500, Code: 201})
	require.NoError(t, err)
	assert.JSONEq(t, `[1700000000000, "abc", 1500, 201]`, string(raw))

	var e Entry
	require.NoError(t, json.Unmarshal(raw, &e))
	assert.Equal(t, "abc", e.UID)
	assert.Equal(t, 201, e.Code)

	assert.Error(t, json.Unmarshal([]byte(`[1, "x"]`), &e))
}

func TestMergerSumsTotalsAndHistograms(t *testing.T) {
	workers := []int64{10, 20, 30}
	m := NewMerger()
	for _, n := range workers {
		s := New()
		for i := int64(0); i < n; i++ {
			s.NewRequest()
			s.CompletedRequest()
			s.AddCode(200)
			s.AddScenarioLatency(time.Duration(n) * time.Millisecond)
		}
		s.AddError("ETIMEDOUT")
		m.AddTotals(s.Report().Stripped())
	}
	r := m.Report()
	assert.EqualValues(t, 60, r.RequestsCompleted)
	assert.Equal(t, map[int]int64{200: 60}, r.Codes)
	assert.Equal(t, map[string]int64{"ETIMEDOUT": 3}, r.Errors)
	assert.InDelta(t, 30.0, r.ScenarioDuration.Max, 0.5)
	assert.InDelta(t, 10.0, r.ScenarioDuration.Min, 0.5)
	assert.Empty(t, r.Latencies)
}

func TestReportJSONRoundTripKeepsHistogram(t *testing.T) {
	s := New()
	s.AddScenarioLatency(40 * time.Millisecond)
	s.AddCode(200)
	raw, err := json.Marshal(s.Report().Stripped())
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.EqualValues(t, 1, decoded.Codes[200])
	merged := Combine(decoded)
	assert.InDelta(t, 40.0, merged.ScenarioDuration.Median, 0.5)
}

func TestConcurrentRecording(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.NewRequest()
				s.AddLatency(time.Millisecond)
				s.AddCode(200)
			}
		}()
	}
	wg.Wait()
	r := s.Report()
	assert.EqualValues(t, 5000, r.RequestsStarted)
	assert.Len(t, r.Latencies, 5000)
	assert.EqualValues(t, 5000, r.Codes[200])
}
