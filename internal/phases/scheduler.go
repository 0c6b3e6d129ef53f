// Package phases turns a list of phase specs into a strictly sequential
// stream of timed arrival events.
//
// Phases run one after another: phase i+1 starts only once phase i has
// finished generating arrivals and its duration has elapsed. For every phase
// the stream carries EventPhaseStarted, one EventArrival per virtual user and
// EventPhaseCompleted, and a single EventDone closes the run.
//
// Phase kinds:
//   - pause: no arrivals for the phase length
//   - arrivalCount: exactly count arrivals spaced duration/count apart
//   - arrivalRate: arrivals at rate per second for duration, spaced uniformly
//     or with exponential gaps in poisson mode
//   - ramp (arrivalRate with rampTo): one-second sub-steps whose rate is
//     interpolated linearly, see script.RampRates
package phases

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/torosent/crankswarm/internal/script"
)

// EventKind identifies an Event.
type EventKind int

const (
	EventPhaseStarted EventKind = iota
	EventArrival
	EventPhaseCompleted
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventPhaseStarted:
		return "phaseStarted"
	case EventArrival:
		return "arrival"
	case EventPhaseCompleted:
		return "phaseCompleted"
	case EventDone:
		return "done"
	default:
		return "unknown"
	}
}

// Event is one element of the scheduler stream. Phase is unset for EventDone.
type Event struct {
	Kind  EventKind
	Phase script.PhaseSpec
	At    time.Time
}

// Options tunes the scheduler.
type Options struct {
	// Buffer is the capacity of the event channel.
	Buffer int
	// RandomSeed seeds the poisson sampler. Zero uses the clock.
	RandomSeed int64
	// PoissonSampler overrides the unit-mean exponential sampler.
	PoissonSampler func() float64
}

const defaultBuffer = 256

// Scheduler runs phases in order and publishes their events.
type Scheduler struct {
	phases []script.PhaseSpec
	opts   Options
}

// New creates a scheduler over phases. Phases are expected to be validated.
func New(phases []script.PhaseSpec, opts Options) *Scheduler {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	return &Scheduler{phases: phases, opts: opts}
}

// Run starts the scheduler and returns its event stream. The channel has a
// single consumer and is closed after EventDone, or early when ctx is
// cancelled, in which case EventDone is not sent.
func (s *Scheduler) Run(ctx context.Context) <-chan Event {
	events := make(chan Event, s.opts.Buffer)
	go func() {
		defer close(events)
		for _, phase := range s.phases {
			if err := s.runPhase(ctx, phase, events); err != nil {
				return
			}
		}
		emit(ctx, events, Event{Kind: EventDone})
	}()
	return events
}

func (s *Scheduler) runPhase(ctx context.Context, phase script.PhaseSpec, events chan<- Event) error {
	if !emit(ctx, events, Event{Kind: EventPhaseStarted, Phase: phase}) {
		return ctx.Err()
	}

	var err error
	switch phase.Kind() {
	case script.PhaseKindPause:
		err = sleep(ctx, phase.Length())
	case script.PhaseKindArrivalCount:
		length := phase.Length()
		count := *phase.ArrivalCount
		interval := length / time.Duration(count)
		rps := float64(time.Second) / float64(interval)
		err = s.uniform(ctx, phase, rps, count, length, events)
	case script.PhaseKindArrivalRate:
		length := phase.Length()
		if phase.Mode == script.ArrivalModePoisson {
			err = s.poisson(ctx, phase, *phase.ArrivalRate, length, events)
		} else {
			count := int(math.Round(*phase.ArrivalRate * length.Seconds()))
			err = s.uniform(ctx, phase, *phase.ArrivalRate, count, length, events)
		}
	case script.PhaseKindRamp:
		for _, rps := range script.RampRates(*phase.ArrivalRate, *phase.RampTo, int(phase.Duration)) {
			if err = s.uniform(ctx, phase, rps, int(math.Round(rps)), time.Second, events); err != nil {
				break
			}
		}
	default:
		err = errors.New("unknown phase kind")
	}
	if err != nil {
		return err
	}

	if !emit(ctx, events, Event{Kind: EventPhaseCompleted, Phase: phase}) {
		return ctx.Err()
	}
	return nil
}

// uniform emits count arrivals rps apart, then waits out the rest of length.
func (s *Scheduler) uniform(ctx context.Context, phase script.PhaseSpec, rps float64, count int, length time.Duration, events chan<- Event) error {
	end := time.Now().Add(length)
	if count > 0 && rps > 0 {
		ctrl := newArrivalProcess(script.ArrivalModeUniform, rps, s.opts)
		for i := 0; i < count; i++ {
			if err := ctrl.Wait(ctx); err != nil {
				return err
			}
			if !emit(ctx, events, Event{Kind: EventArrival, Phase: phase}) {
				return ctx.Err()
			}
		}
	}
	return sleep(ctx, time.Until(end))
}

// poisson emits arrivals separated by exponential gaps with mean 1/rps until
// length has elapsed.
func (s *Scheduler) poisson(ctx context.Context, phase script.PhaseSpec, rps float64, length time.Duration, events chan<- Event) error {
	end := time.Now().Add(length)
	window, cancel := context.WithDeadline(ctx, end)
	defer cancel()

	ctrl := newArrivalProcess(script.ArrivalModePoisson, rps, s.opts)
	for {
		if err := ctrl.Wait(window); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			break
		}
		if !time.Now().Before(end) {
			break
		}
		if !emit(ctx, events, Event{Kind: EventArrival, Phase: phase}) {
			return ctx.Err()
		}
	}
	return sleep(ctx, time.Until(end))
}

func emit(ctx context.Context, events chan<- Event, ev Event) bool {
	ev.At = time.Now()
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
