package phases

import (
	"context"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/torosent/crankswarm/internal/script"
)

// arrivalProcess paces the arrivals of one phase, or one ramp sub-step.
// Each process is driven by a single goroutine.
type arrivalProcess interface {
	Wait(ctx context.Context) error
}

func newArrivalProcess(mode script.ArrivalMode, rps float64, opt Options) arrivalProcess {
	if mode == script.ArrivalModePoisson {
		sample := opt.PoissonSampler
		if sample == nil {
			seed := opt.RandomSeed
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			sample = rand.New(rand.NewSource(seed)).ExpFloat64
		}
		return &poissonArrival{rate: math.Max(rps, 0), sample: sample}
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	// A burst of one releases the first arrival at once and the rest at
	// fixed 1/rps intervals.
	return &uniformArrival{limiter: rate.NewLimiter(limit, 1)}
}

type uniformArrival struct {
	limiter *rate.Limiter
}

func (u *uniformArrival) Wait(ctx context.Context) error {
	return u.limiter.Wait(ctx)
}

// poissonArrival waits exponentially distributed gaps with mean 1/rate.
type poissonArrival struct {
	rate   float64
	sample func() float64
}

func (p *poissonArrival) Wait(ctx context.Context) error {
	return sleep(ctx, p.nextDelay())
}

func (p *poissonArrival) nextDelay() time.Duration {
	if p.rate <= 0 {
		return 0
	}
	delay := float64(time.Second) * p.sample() / p.rate
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
