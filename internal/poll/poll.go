// Package poll provides the single bounded poll-until primitive shared by the
// readiness probe, database connection retries, and container health waits.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
)

// Spec bounds one polling loop. Every suspension point in the lifecycle path
// goes through a Spec, so no wait is ever unbounded.
type Spec struct {
	MaxAttempts  int
	Interval     time.Duration
	InitialDelay time.Duration
}

// Until invokes fn up to MaxAttempts times, sleeping Interval between
// attempts, until fn returns nil. An optional InitialDelay precedes the first
// attempt. The last attempt's error is returned on exhaustion, and context
// cancellation aborts the loop immediately.
func Until(ctx context.Context, spec Spec, fn func(ctx context.Context) error) error {
	if spec.MaxAttempts < 1 {
		return fmt.Errorf("poll: max attempts must be positive, got %d", spec.MaxAttempts)
	}
	if spec.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(spec.InitialDelay):
		}
	}

	var lastErr error
	backoff := retry.WithMaxRetries(uint64(spec.MaxAttempts-1), retry.NewConstant(maxDuration(spec.Interval, time.Millisecond)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			lastErr = err
			return retry.RetryableError(err)
		}
		lastErr = nil
		return nil
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

func maxDuration(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}
