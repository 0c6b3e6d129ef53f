package phases

import (
	"context"
	"testing"
	"time"

	"github.com/torosent/crankswarm/internal/script"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("scheduler did not finish")
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestArrivalCountSpacing(t *testing.T) {
	phase := script.PhaseSpec{Duration: 1, ArrivalCount: intp(5)}
	events := collect(t, New([]script.PhaseSpec{phase}, Options{}).Run(context.Background()))

	if len(events) != 8 {
		t.Fatalf("got %d events (%v), want 8", len(events), kinds(events))
	}
	if events[0].Kind != EventPhaseStarted || events[6].Kind != EventPhaseCompleted || events[7].Kind != EventDone {
		t.Fatalf("unexpected event order: %v", kinds(events))
	}

	arrivals := events[1:6]
	for i, ev := range arrivals {
		if ev.Kind != EventArrival {
			t.Fatalf("event %d kind = %v, want arrival", i+1, ev.Kind)
		}
		if i == 0 {
			continue
		}
		gap := ev.At.Sub(arrivals[i-1].At)
		if gap < 150*time.Millisecond || gap > 260*time.Millisecond {
			t.Errorf("gap %d = %v, want about 200ms", i, gap)
		}
	}

	if elapsed := events[6].At.Sub(events[0].At); elapsed < 950*time.Millisecond {
		t.Errorf("phase completed after %v, want the full second", elapsed)
	}
}

func TestPhasesRunSequentially(t *testing.T) {
	phases := []script.PhaseSpec{
		{Index: 0, Duration: 0.2, ArrivalCount: intp(2)},
		{Index: 1, Pause: f64(0.1)},
		{Index: 2, Duration: 0.2, ArrivalRate: f64(10)},
	}
	events := collect(t, New(phases, Options{}).Run(context.Background()))

	want := []EventKind{
		EventPhaseStarted, EventArrival, EventArrival, EventPhaseCompleted,
		EventPhaseStarted, EventPhaseCompleted,
		EventPhaseStarted, EventArrival, EventArrival, EventPhaseCompleted,
		EventDone,
	}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	if events[4].Phase.Index != 1 || events[9].Phase.Index != 2 {
		t.Errorf("phase indexes not carried on events")
	}
	if pause := events[5].At.Sub(events[4].At); pause < 100*time.Millisecond {
		t.Errorf("pause lasted %v, want at least 100ms", pause)
	}
}

func TestRampSubSteps(t *testing.T) {
	phase := script.PhaseSpec{Duration: 2, ArrivalRate: f64(1), RampTo: f64(3)}
	events := collect(t, New([]script.PhaseSpec{phase}, Options{}).Run(context.Background()))

	start := events[0].At
	var first, second int
	for _, ev := range events {
		if ev.Kind != EventArrival {
			continue
		}
		if ev.At.Sub(start) < 900*time.Millisecond {
			first++
		} else {
			second++
		}
	}
	if first != 1 || second != 3 {
		t.Errorf("arrivals per second = [%d %d], want [1 3]", first, second)
	}
}

func TestPoissonUsesSampledGaps(t *testing.T) {
	phase := script.PhaseSpec{Duration: 0.5, ArrivalRate: f64(10), Mode: script.ArrivalModePoisson}
	opts := Options{PoissonSampler: func() float64 { return 1 }}
	events := collect(t, New([]script.PhaseSpec{phase}, opts).Run(context.Background()))

	arrivals := 0
	for _, ev := range events {
		if ev.Kind == EventArrival {
			arrivals++
		}
	}
	if arrivals != 4 {
		t.Errorf("arrivals = %d, want 4 (gaps of 100ms inside 500ms)", arrivals)
	}
	if events[len(events)-1].Kind != EventDone {
		t.Errorf("last event = %v, want done", events[len(events)-1].Kind)
	}
}

func TestCancelClosesWithoutDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := New([]script.PhaseSpec{{Pause: f64(30)}}, Options{}).Run(ctx)

	first := <-ch
	if first.Kind != EventPhaseStarted {
		t.Fatalf("first event = %v, want phaseStarted", first.Kind)
	}
	cancel()

	for ev := range ch {
		if ev.Kind == EventDone {
			t.Fatal("done must not be sent after cancellation")
		}
	}
}

func TestPoissonDelayScalesWithRate(t *testing.T) {
	p := newArrivalProcess(script.ArrivalModePoisson, 4, Options{PoissonSampler: func() float64 { return 2 }}).(*poissonArrival)
	if got := p.nextDelay(); got != 500*time.Millisecond {
		t.Errorf("nextDelay() = %v, want 500ms", got)
	}
	p.rate = 0
	if got := p.nextDelay(); got != 0 {
		t.Errorf("nextDelay() at zero rate = %v, want 0", got)
	}
}
