package retry

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a minimum interval between consecutive broker calls.
// Thread-safe.
type Pacer struct {
	limiter *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPacer creates a pacer. A zero interval disables pacing.
func NewPacer(minInterval time.Duration) *Pacer {
	p := &Pacer{
		now:   time.Now,
		sleep: SleepContext,
	}
	if minInterval > 0 {
		p.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return p
}

// Wait blocks until minInterval has passed since the previous call.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.limiter == nil {
		return nil
	}
	now := p.now()
	r := p.limiter.ReserveN(now, 1)
	if wait := r.DelayFrom(now); wait > 0 {
		if err := p.sleep(ctx, wait); err != nil {
			r.CancelAt(p.now())
			return err
		}
	}
	return nil
}
