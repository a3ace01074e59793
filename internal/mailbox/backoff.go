package mailbox

import (
	"context"
	"time"
)

// backoffDelay returns the wait before retry attempt n (zero-based),
// doubling from base up to max.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	return delay
}

// retryWithBackoff runs fn up to attempts times, sleeping between tries.
// The last error is returned when every attempt fails; cancellation wins
// over further retries.
func retryWithBackoff(ctx context.Context, attempts int, base, max time.Duration, fn func() error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(backoffDelay(attempt, base, max)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
