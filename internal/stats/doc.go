// Package stats accumulates scenario telemetry into percentile reports.
//
// A worker keeps two independent accumulators fed by the same events: an
// intermediate one, reset after every reporting interval, and an aggregate
// one that lives for the whole run. Reports carry raw latency samples so a
// coordinator can recompute percentiles over the union of every worker's
// samples; percentiles of percentiles are never averaged.
//
// Percentiles use the nearest-rank method: for n sorted samples the p-th
// percentile is the sample at 1-based rank ceil(p/100 * n).
//
// Scenario durations are tracked in an HDR histogram whose snapshot travels
// with the report, so they merge exactly at histogram resolution even when
// raw samples are stripped.
package stats
