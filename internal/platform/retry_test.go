package platform

import (
	"context"
	"errors"
	"testing"
	"time"
)

// recordSleep returns a Sleep func that records requested delays without waiting.
func recordSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for attempt, w := range want {
		if got := p.Backoff(attempt); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestRetryPolicyRetriesTransientThenSucceeds(t *testing.T) {
	var delays []time.Duration
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: recordSleep(&delays)}

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		if calls < 3 {
			return NewAPIError(Threads, 200, 2, "service temporarily unavailable", ErrTransientFailure)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Errorf("delays = %v, want [1s 2s]", delays)
	}
}

func TestRetryPolicyExhaustsAttempts(t *testing.T) {
	var delays []time.Duration
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: recordSleep(&delays)}

	calls := 0
	err := p.Do(context.Background(), func(context.Context, int) error {
		calls++
		return NewAPIError(Twitter, 429, 88, "rate limit exceeded", ErrRateLimited)
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Do() error = %v, want ErrRateLimited", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(delays) != 2 {
		t.Errorf("len(delays) = %d, want 2 (no sleep after the last attempt)", len(delays))
	}
}

func TestRetryPolicyPermanentErrorsReturnImmediately(t *testing.T) {
	for _, class := range []error{ErrPermanentRejection, ErrAuthExpired} {
		t.Run(class.Error(), func(t *testing.T) {
			var delays []time.Duration
			p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Sleep: recordSleep(&delays)}

			calls := 0
			err := p.Do(context.Background(), func(context.Context, int) error {
				calls++
				return NewAPIError(Facebook, 400, 100, "nope", class)
			})
			if !errors.Is(err, class) {
				t.Errorf("Do() error = %v, want %v", err, class)
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
			if len(delays) != 0 {
				t.Errorf("delays = %v, want none", delays)
			}
		})
	}
}

func TestRetryPolicyStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}
	calls := 0
	err := p.Do(ctx, func(context.Context, int) error {
		calls++
		return ErrTransientFailure
	})
	if !errors.Is(err, ErrTransientFailure) {
		t.Errorf("Do() error = %v, want the last attempt's error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicyAttemptNumbers(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }}
	var seen []int
	_ = p.Do(context.Background(), func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		return ErrTransientFailure
	})
	if len(seen) != 3 || seen[0] != 0 || seen[2] != 2 {
		t.Errorf("attempts = %v, want [0 1 2]", seen)
	}
}
