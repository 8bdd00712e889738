package util

import (
	"context"
	"time"
)

// Backoff is a bounded exponential retry schedule without jitter.
type Backoff struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

// Retry calls fn until it succeeds, retryable reports false, the attempts run
// out or ctx is done. It returns the last error from fn, or ctx.Err() when
// the context ends during a wait.
func Retry(ctx context.Context, b Backoff, retryable func(error) bool, fn func(attempt int) error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := b.Initial
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 && delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
			delay *= 2
			if b.Max > 0 && delay > b.Max {
				delay = b.Max
			}
		}
		if err = fn(attempt); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
