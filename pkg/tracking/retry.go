package tracking

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultInsertAttempts = 3
	DefaultInsertInterval = 15 * time.Second
)

// RetryPolicy bounds how long Insert waits out lock contention: Attempts
// tries in total with a fixed Interval between them. There is no unbounded
// mode; exhaustion always surfaces as an error.
//
// On a local store each attempt may itself block for the driver busy timeout
// before failing, so the worst case is Attempts x busy timeout plus
// (Attempts-1) x Interval. See MaxLockWait.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// MaxLockWait is the longest Insert can block on a locked store when each
// attempt waits up to busy inside the driver.
func (p RetryPolicy) MaxLockWait(busy time.Duration) time.Duration {
	p = p.normalize()
	if busy < 0 {
		busy = 0
	}
	return time.Duration(p.Attempts)*busy + time.Duration(p.Attempts-1)*p.Interval
}

// DefaultRetryPolicy returns 3 attempts, 15s apart.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: DefaultInsertAttempts, Interval: DefaultInsertInterval}
}

func (p RetryPolicy) normalize() RetryPolicy {
	if p == (RetryPolicy{}) {
		return DefaultRetryPolicy()
	}
	if p.Attempts <= 0 {
		p.Attempts = DefaultInsertAttempts
	}
	if p.Interval < 0 {
		p.Interval = 0
	}
	return p
}

// retryOnLock runs f until it succeeds, fails with a non-lock error, or the
// policy runs out of attempts. It returns the number of attempts made.
func retryOnLock(ctx context.Context, p RetryPolicy, onRetry func(attempt int, err error), f func() error) (int, error) {
	var err error
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		err = f()
		if err == nil {
			return attempt, nil
		}
		if !isLockError(err) {
			return attempt, err
		}
		if attempt == p.Attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if p.Interval > 0 {
			timer := time.NewTimer(p.Interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, fmt.Errorf("%w: %w", ErrLockExhausted, ctx.Err())
			case <-timer.C:
			}
		}
	}
	return p.Attempts, fmt.Errorf("%w: %w", ErrLockExhausted, err)
}
