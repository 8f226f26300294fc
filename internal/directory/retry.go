package directory

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls Retry's backoff.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// A negative value retries until ctx ends.
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterFn    func(time.Duration) time.Duration
}

// minBackoff replaces a zero BaseBackoff so a failing fn never spins.
const minBackoff = 10 * time.Millisecond

// DefaultAcquirePolicy retries address acquisition forever.
var DefaultAcquirePolicy = RetryPolicy{
	MaxRetries:  -1,
	BaseBackoff: 500 * time.Millisecond,
	MaxBackoff:  30 * time.Second,
	JitterFn:    HalfJitter,
}

// HalfJitter returns a random duration in [0, d/2).
func HalfJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return 0
	}
	return rand.N(d / 2)
}

// Retry executes fn with retries, backoff, and cancellation support.
//
// fn must return nil on success.
// Any non-nil error is treated as retryable.
func Retry(
	ctx context.Context,
	policy RetryPolicy,
	fn func() error,
) error {

	var attempt int
	var backoff = policy.BaseBackoff
	if backoff <= 0 {
		backoff = minBackoff
	}

	for {
		err := fn()
		if err == nil {
			return nil
		}

		attempt++
		if policy.MaxRetries >= 0 && attempt > policy.MaxRetries {
			return err
		}

		delay := backoff
		if policy.JitterFn != nil {
			delay += policy.JitterFn(backoff)
		}
		if policy.MaxBackoff > 0 && delay > policy.MaxBackoff {
			delay = policy.MaxBackoff
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			if policy.MaxBackoff <= 0 || backoff < policy.MaxBackoff {
				backoff *= 2
			}
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
