package reliability

import (
	"context"
	"sync/atomic"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// NextDelay calculates the next retry delay
	NextDelay(attempt int) time.Duration
}

// FixedDelay waits the same interval before every attempt. The interval may
// be changed while the policy is in use.
type FixedDelay struct {
	delay atomic.Int64

	// MaxAttempts bounds ShouldRetry; zero means unlimited.
	MaxAttempts int
	// Retryable filters errors; nil retries every error.
	Retryable func(error) bool
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	f := &FixedDelay{MaxAttempts: maxRetries}
	f.delay.Store(int64(delay))
	return f
}

// SetDelay replaces the interval used from the next attempt on.
func (f *FixedDelay) SetDelay(delay time.Duration) {
	f.delay.Store(int64(delay))
}

// Delay returns the current interval
func (f *FixedDelay) Delay() time.Duration {
	return time.Duration(f.delay.Load())
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.MaxAttempts > 0 && attempt >= f.MaxAttempts {
		return false, 0
	}
	if f.Retryable != nil && !f.Retryable(err) {
		return false, 0
	}
	return true, f.Delay()
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay()
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 || ctx.Err() != nil {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry executes a function with retry logic
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		// Check context
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Execute function
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		// Check if we should retry
		shouldRetry, delay := policy.ShouldRetry(attempt+1, err)
		if !shouldRetry {
			return &RetryError{Attempts: attempt + 1, Err: lastErr}
		}

		// Wait before retry
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
}
