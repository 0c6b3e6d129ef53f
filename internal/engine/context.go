package engine

import (
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/crankswarm/internal/variables"
)

// RunContext is the mutable state of one scenario instance. It is owned by
// the goroutine running the instance and released with Close.
type RunContext struct {
	UID      string
	Scenario string
	Vars     variables.Store

	values  map[string]any
	closers []io.Closer
	pending atomic.Int64
}

// NewRunContext creates the state for a fresh scenario instance.
func NewRunContext(uid, scenario string, vars variables.Store) *RunContext {
	if vars == nil {
		vars = variables.NewStore()
	}
	return &RunContext{
		UID:      uid,
		Scenario: scenario,
		Vars:     vars,
		values:   make(map[string]any),
	}
}

// Set stores an engine-owned value, such as a client or connection.
func (rc *RunContext) Set(key string, value any) {
	rc.values[key] = value
}

// Value returns an engine-owned value.
func (rc *RunContext) Value(key string) any {
	return rc.values[key]
}

// OnClose registers a resource released when the instance terminates.
func (rc *RunContext) OnClose(c io.Closer) {
	rc.closers = append(rc.closers, c)
}

// Pending returns the number of requests this instance started that have
// not produced a response.
func (rc *RunContext) Pending() int64 {
	return rc.pending.Load()
}

// Close releases registered resources in reverse order.
func (rc *RunContext) Close() error {
	var errs []error
	for i := len(rc.closers) - 1; i >= 0; i-- {
		if err := rc.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rc.closers = nil
	return errors.Join(errs...)
}

func (rc *RunContext) startRequest(sink Sink) {
	rc.pending.Add(1)
	sink.Request()
}

func (rc *RunContext) finishRequest(sink Sink, latency time.Duration, code int) {
	rc.pending.Add(-1)
	sink.Response(latency, code, rc.UID)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
