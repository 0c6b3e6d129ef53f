package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Scenario durations are tracked from 1µs up to one hour with 2 significant
// figures, which keeps an exported snapshot to a few kilobytes.
const (
	histLowestUs  = 1
	histHighestUs = 3_600_000_000
	histSigFigs   = 2
)

// Stats accumulates telemetry for one reporting window. It is safe for
// concurrent use.
type Stats struct {
	mu sync.Mutex

	scenariosCreated   int64
	scenariosCompleted int64
	scenariosFailed    int64
	requestsStarted    int64
	requestsCompleted  int64

	latencies []int64
	entries   []Entry
	codes     map[int]int64
	errors    map[string]int64
	matches   Matches
	scenarios *hdrhistogram.Histogram
}

// New returns an empty accumulator.
func New() *Stats {
	return &Stats{
		codes:     make(map[int]int64),
		errors:    make(map[string]int64),
		scenarios: newScenarioHistogram(),
	}
}

func newScenarioHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(histLowestUs, histHighestUs, histSigFigs)
}

func (s *Stats) NewScenario() {
	s.mu.Lock()
	s.scenariosCreated++
	s.mu.Unlock()
}

func (s *Stats) CompletedScenario() {
	s.mu.Lock()
	s.scenariosCompleted++
	s.mu.Unlock()
}

// FailedScenario records a scenario aborted by a step error.
func (s *Stats) FailedScenario() {
	s.mu.Lock()
	s.scenariosFailed++
	s.mu.Unlock()
}

// AddScenarioLatency records how long a scenario instance ran.
func (s *Stats) AddScenarioLatency(d time.Duration) {
	us := d.Microseconds()
	if us < histLowestUs {
		us = histLowestUs
	}
	if us > histHighestUs {
		us = histHighestUs
	}
	s.mu.Lock()
	_ = s.scenarios.RecordValue(us)
	s.mu.Unlock()
}

func (s *Stats) NewRequest() {
	s.mu.Lock()
	s.requestsStarted++
	s.mu.Unlock()
}

func (s *Stats) CompletedRequest() {
	s.mu.Lock()
	s.requestsCompleted++
	s.mu.Unlock()
}

// AddLatency records the time between sending a request and receiving its
// response.
func (s *Stats) AddLatency(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, int64(d))
	s.mu.Unlock()
}

func (s *Stats) AddCode(code int) {
	s.mu.Lock()
	s.codes[code]++
	s.mu.Unlock()
}

// AddError counts one error of the given kind.
func (s *Stats) AddError(kind string) {
	s.mu.Lock()
	s.errors[kind]++
	s.mu.Unlock()
}

func (s *Stats) AddMatch(passed bool) {
	s.mu.Lock()
	if passed {
		s.matches.Passed++
	} else {
		s.matches.Failed++
	}
	s.mu.Unlock()
}

func (s *Stats) AddEntry(e Entry) {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
}

// Report returns a snapshot with percentiles computed over the samples
// recorded so far. The accumulator is left untouched.
func (s *Stats) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report()
}

// Flush returns a snapshot and resets the accumulator in one step, so no
// event falls between the two.
func (s *Stats) Flush() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.report()
	s.reset()
	return r
}

func (s *Stats) report() Report {
	latencies := append([]int64(nil), s.latencies...)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	r := Report{
		Timestamp:          time.Now().UTC(),
		ScenariosCreated:   s.scenariosCreated,
		ScenariosCompleted: s.scenariosCompleted,
		ScenariosFailed:    s.scenariosFailed,
		RequestsStarted:    s.requestsStarted,
		RequestsCompleted:  s.requestsCompleted,
		Latency:            Summarize(latencies),
		ScenarioDuration:   summarizeHistogram(s.scenarios),
		Matches:            s.matches,
		Latencies:          latencies,
		Entries:            append([]Entry(nil), s.entries...),
	}
	if len(s.codes) > 0 {
		r.Codes = make(map[int]int64, len(s.codes))
		for k, v := range s.codes {
			r.Codes[k] = v
		}
	}
	if len(s.errors) > 0 {
		r.Errors = make(map[string]int64, len(s.errors))
		for k, v := range s.errors {
			r.Errors[k] = v
		}
	}
	if s.scenarios.TotalCount() > 0 {
		r.ScenarioHistogram = s.scenarios.Export()
	}
	return r
}

// Reset clears this accumulator only.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

func (s *Stats) reset() {
	s.scenariosCreated = 0
	s.scenariosCompleted = 0
	s.scenariosFailed = 0
	s.requestsStarted = 0
	s.requestsCompleted = 0
	s.latencies = nil
	s.entries = nil
	s.codes = make(map[int]int64)
	s.errors = make(map[string]int64)
	s.matches = Matches{}
	s.scenarios.Reset()
}
