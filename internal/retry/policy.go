// Package retry provides a small exponential-backoff retry policy that callers
// pass into components instead of hard-coding sleep loops.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy describes how often and how patiently an operation is retried.
// Delay before attempt n (n >= 1, zero-based attempt index) is
// BaseDelay * Multiplier^(n-1), capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Retryable decides whether err warrants another attempt. A nil predicate
	// retries every error.
	Retryable func(error) bool

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Default returns 3 attempts starting at 500ms, doubling, capped at 10s.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
	}
}

// WithRetryable returns a copy of p using pred as the retry predicate.
func (p Policy) WithRetryable(pred func(error) bool) Policy {
	p.Retryable = pred
	return p
}

// Delay returns the backoff before the given zero-based retry index.
func (p Policy) Delay(retry int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 0; i < retry; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. The returned int is the number of attempts
// made. The last error from fn is returned unwrapped so callers can classify
// it.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, p.Delay(attempt-1)); serr != nil {
				return attempt, errors.Join(err, serr)
			}
		}
		err = fn(ctx, attempt)
		if err == nil {
			return attempt + 1, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return attempt + 1, err
		}
		if ctx.Err() != nil {
			return attempt + 1, err
		}
	}
	return attempts, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retry: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
