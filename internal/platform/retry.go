package platform

import (
	"context"
	"time"
)

// RetryPolicy is a bounded retry loop with exponential backoff. Only errors
// accepted by Retryable are retried; anything else returns immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retryable   func(error) bool
	// Sleep waits between attempts; nil uses a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy retries transient and rate-limit failures up to three
// attempts in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Retryable:   IsRetryable,
	}
}

// Backoff returns the wait after the given zero-based attempt: BaseDelay * 2^attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	return p.BaseDelay << uint(attempt)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. The last error is returned unchanged.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if !retryable(err) || attempt == maxAttempts-1 {
			return err
		}
		if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
			return err
		}
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
