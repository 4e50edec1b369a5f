package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordingPolicy(p Policy) (Policy, *[]time.Duration) {
	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return p, &slept
}

func TestDelayGrowsAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 3 * time.Second}
	assert.Equal(t, 500*time.Millisecond, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 3*time.Second, p.Delay(3))
	assert.Equal(t, 3*time.Second, p.Delay(10))
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	p, slept := recordingPolicy(Default())
	calls := 0
	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("timeout")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *slept)
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("reverted")
	p, slept := recordingPolicy(Default().WithRetryable(func(err error) bool {
		return !errors.Is(err, fatal)
	}))

	calls := 0
	attempts, err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDoExhaustsBudget(t *testing.T) {
	p, _ := recordingPolicy(Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, Multiplier: 2})
	last := errors.New("attempt 4")
	calls := 0
	attempts, err := p.Do(context.Background(), func(_ context.Context, attempt int) error {
		calls++
		if attempt == 3 {
			return last
		}
		return errors.New("earlier")
	})

	assert.Equal(t, last, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, calls)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, Multiplier: 2}

	calls := 0
	_, err := p.Do(ctx, func(context.Context, int) error {
		calls++
		cancel()
		return errors.New("rpc down")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
