// Package runner executes scenario instances for one worker.
//
// A [Runner] consumes the arrival stream of a phase scheduler. Every arrival
// draws a scenario from the weighted picker, seeds a fresh
// [engine.RunContext] and runs the scenario's compiled pipeline in its own
// goroutine. Pipelines are compiled lazily, once per scenario, from three
// kinds of steps:
//   - think: a delay in seconds
//   - loop: a nested pipeline repeated count times; a missing or negative
//     count runs zero iterations
//   - protocol actions, compiled by the engine the scenario names
//
// # Liveness
//
// Two counters gate shutdown. pendingScenarios counts launched instances that
// have not finished and pendingRequests counts actions sent without a
// response. After the scheduler's done event the runner polls until
// pendingScenarios reaches zero; requests still pending at that point are
// logged and dropped.
//
// # Telemetry
//
// Engines report request, response, error and match events through a sink
// that fans out to every [stats.Stats] accumulator handed to the runner and
// to optional Prometheus metrics.
package runner
