// Package metrics exports worker liveness and telemetry as Prometheus
// metrics.
//
// A [Worker] is optional everywhere it is accepted: every method is a no-op
// on a nil receiver, so callers never branch on whether metrics are enabled.
//
//	reg := prometheus.NewRegistry()
//	m, err := metrics.NewWorker(reg, workerID)
//	go metrics.Serve(ctx, ":9464", reg, logger)
//
// Metric names carry the crankswarm_ prefix and a worker label so that
// several in-process workers can share one registry.
package metrics
