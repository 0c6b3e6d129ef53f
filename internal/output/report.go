package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/torosent/crankswarm/internal/coordinator"
	"github.com/torosent/crankswarm/internal/stats"
	"github.com/torosent/crankswarm/internal/threshold"
)

// PrintReport outputs a human-readable summary of a consolidated run.
func PrintReport(w io.Writer, r *coordinator.Report, results []threshold.Result, cs *ColorScheme) {
	if cs == nil {
		cs = NoColorScheme()
	}
	s := r.Stats
	row := func(label, format string, args ...any) {
		fmt.Fprintf(w, "%s %s\n", cs.Label.Sprintf("%-19s", label+":"), fmt.Sprintf(format, args...))
	}

	fmt.Fprintln(w)
	cs.Title.Fprintln(w, "--- Load Test Results ---")
	row("Run", "%s", r.RunID)
	workers := fmt.Sprintf("%d (%d final reports)", r.Workers, r.Finals)
	if r.Incomplete {
		workers += " " + cs.Warn.Sprint("incomplete")
	}
	row("Workers", "%s", workers)
	row("Duration", "%s", r.Duration.Round(time.Millisecond))
	row("Scenarios", "created %d, completed %d, failed %s",
		s.ScenariosCreated, s.ScenariosCompleted, colorCount(cs, s.ScenariosFailed))
	row("Requests", "completed %s, started %d, pending %d",
		cs.Value.Sprint(s.RequestsCompleted), s.RequestsStarted, s.PendingRequests)
	if secs := r.Duration.Seconds(); secs > 0 {
		row("Requests/sec", "%.2f", float64(s.RequestsCompleted)/secs)
	}

	fmt.Fprintln(w)
	cs.Highlight.Fprintln(w, "Latency (ms):")
	writeSummary(w, s.Latency, cs)
	if s.ScenarioHistogram != nil {
		cs.Highlight.Fprintln(w, "Scenario duration (ms):")
		writeSummary(w, s.ScenarioDuration, cs)
	}

	if len(s.Codes) > 0 {
		fmt.Fprintln(w)
		cs.Highlight.Fprintln(w, "Codes:")
		for _, c := range SortedCodes(s.Codes) {
			fmt.Fprintf(w, "  %s: %d\n", cs.status(c.Code).Sprint(c.Code), c.Count)
		}
	}
	if len(s.Errors) > 0 {
		fmt.Fprintln(w)
		cs.Highlight.Fprintln(w, "Errors:")
		for _, e := range SortedErrors(s.Errors) {
			fmt.Fprintf(w, "  %s: %d\n", cs.Error.Sprint(e.Kind), e.Count)
		}
	}
	if s.Matches != (stats.Matches{}) {
		fmt.Fprintln(w)
		row("Matches", "passed %d, failed %s", s.Matches.Passed, colorCount(cs, s.Matches.Failed))
	}

	if len(r.PerWorker) > 0 {
		fmt.Fprintln(w)
		cs.Highlight.Fprintln(w, "Workers:")
		for _, ws := range r.PerWorker {
			line := fmt.Sprintf("  - %s: requests=%d, scenarios=%d, failed=%d, errors=%d, reports=%d",
				ws.WorkerID, ws.Stats.RequestsCompleted, ws.Stats.ScenariosCompleted,
				ws.Stats.ScenariosFailed, ws.Stats.ErrorCount(), ws.Reports)
			if ws.Fallback {
				line += " " + cs.Warn.Sprint("(fallback)")
			}
			fmt.Fprintln(w, line)
		}
	}
	for _, inv := range r.Invocations {
		if inv.Err != "" {
			fmt.Fprintf(w, "  %s %s: %s\n", cs.Error.Sprint("✗"), inv.WorkerID, inv.Err)
		}
	}

	if len(results) > 0 {
		fmt.Fprintln(w)
		cs.Highlight.Fprintln(w, "Thresholds:")
		for _, res := range results {
			c := cs.Success
			if !res.Pass {
				c = cs.Error
			}
			fmt.Fprintf(w, "  %s\n", c.Sprint(res.Message))
		}
	}
}

func writeSummary(w io.Writer, s stats.Summary, cs *ColorScheme) {
	fmt.Fprintf(w, "  Min: %s  Max: %s  Median: %s  P95: %s  P99: %s\n",
		cs.Value.Sprintf("%.2f", s.Min), cs.Value.Sprintf("%.2f", s.Max), cs.Value.Sprintf("%.2f", s.Median),
		cs.Value.Sprintf("%.2f", s.P95), cs.Value.Sprintf("%.2f", s.P99))
}

func colorCount(cs *ColorScheme, n int64) string {
	if n == 0 {
		return strconv.FormatInt(n, 10)
	}
	return cs.Error.Sprint(n)
}

// CodeCount is one row of the code histogram.
type CodeCount struct {
	Code  int
	Count int64
}

// SortedCodes orders the code histogram by count, then by code.
func SortedCodes(codes map[int]int64) []CodeCount {
	rows := make([]CodeCount, 0, len(codes))
	for code, n := range codes {
		rows = append(rows, CodeCount{Code: code, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Code < rows[j].Code
	})
	return rows
}

// ErrorCount is one row of the error histogram.
type ErrorCount struct {
	Kind  string
	Count int64
}

// SortedErrors orders the error histogram by count, then by kind.
func SortedErrors(errs map[string]int64) []ErrorCount {
	rows := make([]ErrorCount, 0, len(errs))
	for kind, n := range errs {
		rows = append(rows, ErrorCount{Kind: kind, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Kind < rows[j].Kind
	})
	return rows
}

type jsonReport struct {
	*coordinator.Report
	DurationSeconds float64            `json:"durationSeconds"`
	Thresholds      []threshold.Result `json:"thresholds,omitempty"`
}

// PrintJSONReport outputs the report as indented JSON. Raw samples and the
// scenario histogram are left out.
func PrintJSONReport(w io.Writer, r *coordinator.Report, results []threshold.Result) error {
	out := *r
	out.Stats = out.Stats.Stripped()
	out.Stats.ScenarioHistogram = nil
	out.PerWorker = make([]coordinator.WorkerSummary, len(r.PerWorker))
	for i, ws := range r.PerWorker {
		ws.Stats = ws.Stats.Stripped()
		ws.Stats.ScenarioHistogram = nil
		out.PerWorker[i] = ws
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(jsonReport{Report: &out, DurationSeconds: r.Duration.Seconds(), Thresholds: results})
}
