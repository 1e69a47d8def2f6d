package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errBusy = errors.New("busy")

func fast(opts ...Option) *Retrier {
	base := []Option{WithInitialDelay(time.Millisecond), WithMaxDelay(2 * time.Millisecond), WithJitter(0)}
	return New(append(base, opts...)...)
}

func TestDo_SucceedsAfterRetryableErrors(t *testing.T) {
	calls := 0
	err := fast(WithMaxAttempts(3)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errBusy)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsAtMaxAttemptsAndUnwraps(t *testing.T) {
	calls := 0
	err := fast(WithMaxAttempts(2)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Retryable(errBusy)
	})

	assert.Equal(t, 2, calls)
	assert.Same(t, errBusy, err)
}

func TestDo_NonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	plain := errors.New("validation")
	err := fast(WithMaxAttempts(5)).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return plain
	})

	assert.Equal(t, 1, calls)
	assert.Same(t, plain, err)
}

func TestDo_PermanentStops(t *testing.T) {
	calls := 0
	err := fast(WithMaxAttempts(5), WithRetryIf(func(error) bool { return true })).
		Do(context.Background(), func(ctx context.Context) error {
			calls++
			return Permanent(errBusy)
		})

	assert.Equal(t, 1, calls)
	assert.Same(t, errBusy, err)
}

func TestContentionRetrier_UsesPredicate(t *testing.T) {
	calls := 0
	retries := 0
	r := ContentionRetrier(4, func(err error) bool { return errors.Is(err, errBusy) }).
		With(WithInitialDelay(time.Millisecond), WithJitter(0), WithOnRetry(func(int, error, time.Duration) { retries++ }))

	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errBusy
	})

	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, retries)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fast().Do(ctx, func(ctx context.Context) error {
		t.Fatal("operation must not run")
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoWithData(t *testing.T) {
	calls := 0
	v, err := DoWithData(context.Background(), fast(), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, Retryable(errBusy)
		}
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCalculateDelay_Capped(t *testing.T) {
	r := New(WithInitialDelay(100*time.Millisecond), WithMaxDelay(300*time.Millisecond), WithJitter(0))

	assert.Equal(t, 100*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 200*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 300*time.Millisecond, r.calculateDelay(3))
	assert.Equal(t, 300*time.Millisecond, r.calculateDelay(8))
}

func TestStartupRetrier_RetriesPlainErrorsButNotCancellation(t *testing.T) {
	var delays []time.Duration
	r := StartupRetrier(func(_ int, _ error, d time.Duration) { delays = append(delays, d) }).
		With(WithInitialDelay(time.Millisecond), WithMaxDelay(time.Millisecond))

	calls := 0
	conn, err := DoWithData(context.Background(), r, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connection refused")
		}
		return "pool", nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "pool", conn)
	assert.Len(t, delays, 2)

	calls = 0
	err = r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}
