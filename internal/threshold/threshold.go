// Package threshold evaluates pass/fail assertions such as
// "latency:p95 < 500" against a consolidated run report.
package threshold

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/torosent/crankswarm/internal/stats"
)

// Threshold represents a performance assertion that can pass or fail.
type Threshold struct {
	Metric    string  // e.g. "latency", "errors"
	Aggregate string  // e.g. "p95", "rate"
	Operator  string  // "<", "<=", ">", ">=", "=="
	Value     float64 // the threshold value to compare against
	Raw       string  // original string for display
}

// Result represents the outcome of evaluating a threshold.
type Result struct {
	Threshold Threshold `json:"-"`
	Raw       string    `json:"threshold"`
	Actual    float64   `json:"actual"`
	Pass      bool      `json:"pass"`
	Message   string    `json:"message"`
}

// aggregates lists the aggregates each metric supports. Latencies are in
// milliseconds, rates are fractions except requests:rate which is per second.
var aggregates = map[string][]string{
	"latency":           {"min", "max", "median", "p50", "p95", "p99"},
	"scenario_duration": {"min", "max", "median", "p50", "p95", "p99"},
	"errors":            {"count", "rate"},
	"requests":          {"count", "rate", "started", "pending"},
	"scenarios":         {"created", "completed", "failed", "rate"},
	"matches":           {"passed", "failed"},
}

var pattern = regexp.MustCompile(`^([a-z_]+):([a-z0-9]+)\s*([<>=]+)\s*([0-9.]+)$`)

// Evaluator evaluates thresholds against a report.
type Evaluator struct {
	thresholds []Threshold
}

// NewEvaluator creates a new threshold evaluator.
func NewEvaluator(thresholds []Threshold) *Evaluator {
	return &Evaluator{thresholds: thresholds}
}

// Evaluate checks all thresholds against r, which covered elapsed.
func (e *Evaluator) Evaluate(r stats.Report, elapsed time.Duration) []Result {
	if len(e.thresholds) == 0 {
		return nil
	}
	results := make([]Result, 0, len(e.thresholds))
	for _, t := range e.thresholds {
		results = append(results, evaluateOne(t, r, elapsed))
	}
	return results
}

// Passed reports whether every result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Pass {
			return false
		}
	}
	return true
}

func evaluateOne(t Threshold, r stats.Report, elapsed time.Duration) Result {
	actual, err := extract(t, r, elapsed)
	if err != nil {
		return Result{Threshold: t, Raw: t.Raw, Message: fmt.Sprintf("error: %v", err)}
	}
	pass := compareValues(actual, t.Operator, t.Value)
	status := "✓"
	if !pass {
		status = "✗"
	}
	return Result{
		Threshold: t,
		Raw:       t.Raw,
		Actual:    actual,
		Pass:      pass,
		Message:   fmt.Sprintf("%s %s: %.2f %s %.2f", status, t.Raw, actual, t.Operator, t.Value),
	}
}

// Parse parses a threshold of the form "metric:aggregate operator value".
func Parse(s string) (Threshold, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Threshold{}, fmt.Errorf("empty threshold string")
	}
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return Threshold{}, fmt.Errorf("invalid threshold format: %q (expected metric:aggregate operator value, e.g. 'latency:p95 < 500')", s)
	}
	metric, aggregate, operator := m[1], m[2], m[3]
	value, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return Threshold{}, fmt.Errorf("invalid threshold value %q: %v", m[4], err)
	}

	supported, ok := aggregates[metric]
	if !ok {
		return Threshold{}, fmt.Errorf("unsupported metric: %q (supported: %s)", metric, strings.Join(metricNames(), ", "))
	}
	if !contains(supported, aggregate) {
		return Threshold{}, fmt.Errorf("unsupported aggregate %q for %s (supported: %s)", aggregate, metric, strings.Join(supported, ", "))
	}
	if !contains([]string{"<", "<=", ">", ">=", "=="}, operator) {
		return Threshold{}, fmt.Errorf("unsupported operator: %q (supported: <, <=, >, >=, ==)", operator)
	}
	return Threshold{Metric: metric, Aggregate: aggregate, Operator: operator, Value: value, Raw: s}, nil
}

// ParseMultiple parses every threshold and reports all failures at once.
func ParseMultiple(thresholds []string) ([]Threshold, error) {
	if len(thresholds) == 0 {
		return nil, nil
	}
	result := make([]Threshold, 0, len(thresholds))
	var errs []string
	for i, s := range thresholds {
		t, err := Parse(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("threshold[%d]: %v", i, err))
			continue
		}
		result = append(result, t)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("threshold parsing errors: %s", strings.Join(errs, "; "))
	}
	return result, nil
}

func metricNames() []string {
	names := make([]string, 0, len(aggregates))
	for name := range aggregates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func extract(t Threshold, r stats.Report, elapsed time.Duration) (float64, error) {
	switch t.Metric {
	case "latency":
		return summaryValue(t.Aggregate, r.Latency)
	case "scenario_duration":
		return summaryValue(t.Aggregate, r.ScenarioDuration)
	case "errors":
		errs := r.ErrorCount()
		if t.Aggregate == "count" {
			return float64(errs), nil
		}
		return ratio(errs, r.RequestsCompleted+errs), nil
	case "requests":
		switch t.Aggregate {
		case "count":
			return float64(r.RequestsCompleted), nil
		case "started":
			return float64(r.RequestsStarted), nil
		case "pending":
			return float64(r.PendingRequests), nil
		}
		if elapsed <= 0 {
			return 0, nil
		}
		return float64(r.RequestsCompleted) / elapsed.Seconds(), nil
	case "scenarios":
		switch t.Aggregate {
		case "created":
			return float64(r.ScenariosCreated), nil
		case "completed":
			return float64(r.ScenariosCompleted), nil
		case "failed":
			return float64(r.ScenariosFailed), nil
		}
		return ratio(r.ScenariosFailed, r.ScenariosCompleted+r.ScenariosFailed), nil
	case "matches":
		if t.Aggregate == "passed" {
			return float64(r.Matches.Passed), nil
		}
		return float64(r.Matches.Failed), nil
	}
	return 0, fmt.Errorf("unknown metric: %s", t.Metric)
}

func summaryValue(aggregate string, s stats.Summary) (float64, error) {
	switch aggregate {
	case "min":
		return s.Min, nil
	case "max":
		return s.Max, nil
	case "median", "p50":
		return s.Median, nil
	case "p95":
		return s.P95, nil
	case "p99":
		return s.P99, nil
	}
	return 0, fmt.Errorf("unsupported aggregate %q", aggregate)
}

func ratio(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total)
}

func compareValues(actual float64, operator string, expected float64) bool {
	const epsilon = 1e-9
	switch operator {
	case "<":
		return actual < expected
	case "<=":
		return actual <= expected || math.Abs(actual-expected) < epsilon
	case ">":
		return actual > expected
	case ">=":
		return actual >= expected || math.Abs(actual-expected) < epsilon
	case "==":
		return math.Abs(actual-expected) < epsilon
	default:
		return false
	}
}
