// state_janitor.go implements the StateJanitor background job, which deletes
// OAuth authorization states whose TTL has elapsed. Consumed states are
// removed by the callback itself; this only collects flows the owner
// abandoned before returning from the platform.
package jobs

import (
	"context"
	"log/slog"
	"time"
)

// ExpiredStates deletes authorization states that expired before now. It is
// implemented by repositories.OAuthStateRepository.
type ExpiredStates interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// StateJanitor periodically purges expired OAuth states.
type StateJanitor struct {
	states   ExpiredStates
	interval time.Duration
	clock    func() time.Time
	stopChan chan struct{}
}

// NewStateJanitor creates a janitor. A zero interval defaults to one hour.
func NewStateJanitor(states ExpiredStates, interval time.Duration) *StateJanitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &StateJanitor{
		states:   states,
		interval: interval,
		clock:    func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
}

// Start runs a purge immediately, then on every interval, until ctx is
// cancelled or Stop is called.
func (j *StateJanitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunOnce(ctx, j.clock())

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx, j.clock())
		case <-j.stopChan:
			slog.Info("oauth state janitor stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the loop to exit.
func (j *StateJanitor) Stop() {
	close(j.stopChan)
}

// RunOnce deletes the states that expired before now and returns how many
// were removed.
func (j *StateJanitor) RunOnce(ctx context.Context, now time.Time) int64 {
	n, err := j.states.DeleteExpired(ctx, now)
	if err != nil {
		slog.Error("failed to purge expired oauth states", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("purged expired oauth states", "count", n)
	}
	return n
}
