package stats

import (
	"sort"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Merger consolidates reports from many workers. Counters and histograms are
// summed and latency percentiles are recomputed once over the union of all
// raw samples handed to it.
type Merger struct {
	totals    Report
	latencies []int64
	scenarios *hdrhistogram.Histogram
}

// NewMerger returns an empty merger.
func NewMerger() *Merger {
	return &Merger{scenarios: newScenarioHistogram()}
}

// AddSamples adds raw latency samples to the union.
func (m *Merger) AddSamples(latencies []int64) {
	m.latencies = append(m.latencies, latencies...)
}

// AddTotals sums the counters, histograms and match counts of r. Raw samples
// in r are ignored; pass them to AddSamples.
func (m *Merger) AddTotals(r Report) {
	t := &m.totals
	t.ScenariosCreated += r.ScenariosCreated
	t.ScenariosCompleted += r.ScenariosCompleted
	t.ScenariosFailed += r.ScenariosFailed
	t.RequestsStarted += r.RequestsStarted
	t.RequestsCompleted += r.RequestsCompleted
	t.PendingRequests += r.PendingRequests
	t.Matches.Passed += r.Matches.Passed
	t.Matches.Failed += r.Matches.Failed

	for code, n := range r.Codes {
		if t.Codes == nil {
			t.Codes = make(map[int]int64)
		}
		t.Codes[code] += n
	}
	for kind, n := range r.Errors {
		if t.Errors == nil {
			t.Errors = make(map[string]int64)
		}
		t.Errors[kind] += n
	}
	if r.ScenarioHistogram != nil {
		m.scenarios.Merge(hdrhistogram.Import(r.ScenarioHistogram))
	}
}

// Report returns the consolidated report.
func (m *Merger) Report() Report {
	r := m.totals
	r.Timestamp = time.Now().UTC()

	latencies := append([]int64(nil), m.latencies...)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	r.Latency = Summarize(latencies)
	r.Latencies = latencies

	r.ScenarioDuration = summarizeHistogram(m.scenarios)
	if m.scenarios.TotalCount() > 0 {
		r.ScenarioHistogram = m.scenarios.Export()
	}
	return r
}

// Combine merges complete reports, samples included.
func Combine(reports ...Report) Report {
	m := NewMerger()
	for _, r := range reports {
		m.AddTotals(r)
		m.AddSamples(r.Latencies)
	}
	return m.Report()
}
