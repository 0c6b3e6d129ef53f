// Package engine defines the protocol engine capability used by the
// scenario runner and ships the built-in engines.
//
// An [Engine] turns the protocol actions of a scenario flow into [Step]
// functions, once per scenario, and wraps the composed flow into a
// [Scenario] that prepares per-instance resources (an HTTP client with its
// own cookie jar, a WebSocket connection) before the first step runs.
// Think delays and loops are not engine concerns: the runner compiles them
// and hands every action it meets to the scenario's engine.
//
// # Telemetry
//
// Engines report through a [Sink] using four events:
//
//   - Request, just before a request is written
//   - Response, with latency, status code and the instance uid
//   - Error, with a stable error kind (see [ErrorKind]); the scenario aborts
//   - Match, after a match assertion was evaluated
//
// A failed strict match ends the scenario with [ErrEndScenario], which the
// runner treats as a normal completion.
//
// # Registry
//
// Engines are resolved by name from a static [Registry]. [Default] knows
// "http", "ws" and "grpc"; an unknown name is rejected when the script is
// validated, never on the first arrival.
//
// # Templating
//
// String arguments are rendered against the instance variables with
// [Render]: `{{ name }}` substitutes a variable, `{{ name|fallback }}`
// supplies a default, and the fixed functions `$randomNumber(min,max)` and
// `$randomString(len)` generate values. Nothing else is evaluated.
package engine
