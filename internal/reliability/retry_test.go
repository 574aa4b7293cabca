package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedDelay(t *testing.T) {
	t.Run("returns the same delay for every attempt", func(t *testing.T) {
		fd := NewFixedDelay(500*time.Millisecond, 0)

		for attempt := 0; attempt < 5; attempt++ {
			assert.Equal(t, 500*time.Millisecond, fd.NextDelay(attempt))
		}
	})

	t.Run("zero max attempts retries forever", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, 0)

		shouldRetry, delay := fd.ShouldRetry(1000, errors.New("refused"))
		assert.True(t, shouldRetry)
		assert.Equal(t, time.Second, delay)
	})

	t.Run("respects max attempts", func(t *testing.T) {
		fd := NewFixedDelay(time.Second, 2)

		shouldRetry, _ := fd.ShouldRetry(1, errors.New("refused"))
		assert.True(t, shouldRetry)
		shouldRetry, delay := fd.ShouldRetry(2, errors.New("refused"))
		assert.False(t, shouldRetry)
		assert.Zero(t, delay)
	})

	t.Run("consults the error filter", func(t *testing.T) {
		permanent := errors.New("access refused")
		fd := NewFixedDelay(time.Second, 0)
		fd.Retryable = func(err error) bool { return !errors.Is(err, permanent) }

		shouldRetry, _ := fd.ShouldRetry(0, permanent)
		assert.False(t, shouldRetry)
		shouldRetry, _ = fd.ShouldRetry(0, errors.New("timeout"))
		assert.True(t, shouldRetry)
	})

	t.Run("delay can change while in use", func(t *testing.T) {
		fd := NewFixedDelay(5*time.Second, 0)
		fd.SetDelay(50 * time.Millisecond)

		assert.Equal(t, 50*time.Millisecond, fd.Delay())
		assert.Equal(t, 50*time.Millisecond, fd.NextDelay(3))
	})
}

func TestSleep(t *testing.T) {
	t.Run("waits the full delay", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, Sleep(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("returns early on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		start := time.Now()
		assert.ErrorIs(t, Sleep(ctx, time.Minute), context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls++
			if calls < 3 {
				return errors.New("refused")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		cause := errors.New("refused")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			return cause
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, NewFixedDelay(time.Millisecond, 0), func() error {
			calls++
			cancel()
			return errors.New("refused")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}
