package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alpha_rebalancer/internal/market"

	"github.com/rs/zerolog"
)

// ErrExhausted is returned once every attempt has failed with a retryable error.
var ErrExhausted = errors.New("retries exhausted")

// Policy is the bounded-retry rule shared by every outbound broker call.
type Policy struct {
	MaxRetries  int           // retries after the first attempt
	Delay       time.Duration // base delay, scaled by Backoff
	CallTimeout time.Duration // per-call deadline, zero for none

	Backoff   func(base time.Duration, attempt int) time.Duration
	Retryable func(err error) bool
	Sleep     func(ctx context.Context, d time.Duration) error
	Pacer     *Pacer
	Log       zerolog.Logger
}

// LinearBackoff waits base × attempt before retry number attempt.
func LinearBackoff(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt)
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails with a non-retryable error, or
// MaxRetries retries have been spent. fn receives the 1-based attempt number
// and a context bounded by CallTimeout.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context, attempt int) error) error {
	backoff := p.Backoff
	if backoff == nil {
		backoff = LinearBackoff
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = market.IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if p.Pacer != nil {
			if err := p.Pacer.Wait(ctx); err != nil {
				return err
			}
		}

		lastErr = p.attempt(ctx, attempt, fn)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := backoff(p.Delay, attempt)
		p.Log.Warn().Err(lastErr).Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("Retrying")
		if err := sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return &ExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
}

func (p Policy) attempt(ctx context.Context, attempt int, fn func(ctx context.Context, attempt int) error) error {
	if p.CallTimeout <= 0 {
		return fn(ctx, attempt)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	return fn(callCtx, attempt)
}

// ExhaustedError carries the last failure after all attempts were spent.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %v after %d attempts: %v", e.Op, ErrExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhausted, e.Err} }
