package runner

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/crankswarm/internal/engine"
	"github.com/torosent/crankswarm/internal/metrics"
	"github.com/torosent/crankswarm/internal/picker"
	"github.com/torosent/crankswarm/internal/stats"
)

// DefaultDrainInterval is how often the runner checks for finished
// scenarios after the last arrival.
const DefaultDrainInterval = 500 * time.Millisecond

// Options configure the Runner.
type Options struct {
	Registry      *engine.Registry // engine factories (defaults to engine.Default())
	Engine        engine.Options   // tracing and file resolution for engines; Logger is taken from Options.Logger
	Stats         []*stats.Stats   // accumulators fed by telemetry
	Metrics       *metrics.Worker  // optional
	Logger        zerolog.Logger
	DrainInterval time.Duration
	Picker        *picker.Picker // optional injection for tests
}

func (o *Options) normalize() {
	if o.Registry == nil {
		o.Registry = engine.Default()
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = DefaultDrainInterval
	}
	o.Engine.Logger = o.Logger
}
