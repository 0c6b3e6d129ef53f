package stats

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Entry is one retained response sample.
type Entry struct {
	TimestampMs int64
	UID         string
	LatencyNs   int64
	Code        int
}

// MarshalJSON encodes the entry as a [timestampMs, uid, latencyNs, code] tuple.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.TimestampMs, e.UID, e.LatencyNs, e.Code})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return err
	}
	if len(tuple) != 4 {
		return fmt.Errorf("entry has %d elements, want 4", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &e.TimestampMs); err != nil {
		return fmt.Errorf("entry timestamp: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &e.UID); err != nil {
		return fmt.Errorf("entry uid: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &e.LatencyNs); err != nil {
		return fmt.Errorf("entry latency: %w", err)
	}
	if err := json.Unmarshal(tuple[3], &e.Code); err != nil {
		return fmt.Errorf("entry code: %w", err)
	}
	return nil
}

// Summary holds latency percentiles in milliseconds.
type Summary struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
}

// Matches counts capture/match outcomes.
type Matches struct {
	Passed int64 `json:"passed"`
	Failed int64 `json:"failed"`
}

// Report is a point-in-time snapshot of an accumulator.
type Report struct {
	Timestamp          time.Time              `json:"timestamp"`
	ScenariosCreated   int64                  `json:"scenariosCreated"`
	ScenariosCompleted int64                  `json:"scenariosCompleted"`
	ScenariosFailed    int64                  `json:"scenariosFailed"`
	RequestsStarted    int64                  `json:"requestsStarted"`
	RequestsCompleted  int64                  `json:"requestsCompleted"`
	PendingRequests    int64                  `json:"pendingRequests"`
	Latency            Summary                `json:"latency"`
	ScenarioDuration   Summary                `json:"scenarioDuration"`
	Codes              map[int]int64          `json:"codes,omitempty"`
	Errors             map[string]int64       `json:"errors,omitempty"`
	Matches            Matches                `json:"matches"`
	Latencies          []int64                `json:"latencies,omitempty"`
	Entries            []Entry                `json:"entries,omitempty"`
	ScenarioHistogram  *hdrhistogram.Snapshot `json:"scenarioHistogram,omitempty"`
}

// Stripped returns a copy of the report without raw samples, for transports
// with a message size ceiling.
func (r Report) Stripped() Report {
	r.Latencies = nil
	r.Entries = nil
	return r
}

// Empty reports whether nothing has been recorded.
func (r Report) Empty() bool {
	return r.ScenariosCreated == 0 && r.ScenariosCompleted == 0 && r.ScenariosFailed == 0 &&
		r.RequestsStarted == 0 && r.RequestsCompleted == 0 &&
		len(r.Codes) == 0 && len(r.Errors) == 0 && len(r.Latencies) == 0 &&
		r.Matches == Matches{}
}

// ErrorCount sums the error histogram.
func (r Report) ErrorCount() int64 {
	var n int64
	for _, c := range r.Errors {
		n += c
	}
	return n
}

// Percentile returns the nearest-rank p-th percentile of sorted samples,
// or zero when there are none.
func Percentile(sorted []int64, p float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

// Summarize computes a Summary over sorted nanosecond samples.
func Summarize(sorted []int64) Summary {
	if len(sorted) == 0 {
		return Summary{}
	}
	return Summary{
		Min:    nsToMs(sorted[0]),
		Max:    nsToMs(sorted[len(sorted)-1]),
		Median: nsToMs(Percentile(sorted, 50)),
		P95:    nsToMs(Percentile(sorted, 95)),
		P99:    nsToMs(Percentile(sorted, 99)),
	}
}

func summarizeHistogram(h *hdrhistogram.Histogram) Summary {
	if h == nil || h.TotalCount() == 0 {
		return Summary{}
	}
	return Summary{
		Min:    usToMs(h.Min()),
		Max:    usToMs(h.Max()),
		Median: usToMs(h.ValueAtQuantile(50)),
		P95:    usToMs(h.ValueAtQuantile(95)),
		P99:    usToMs(h.ValueAtQuantile(99)),
	}
}

func nsToMs(ns int64) float64 {
	return math.Round(float64(ns)/1e4) / 100
}

func usToMs(us int64) float64 {
	return math.Round(float64(us)/10) / 100
}
