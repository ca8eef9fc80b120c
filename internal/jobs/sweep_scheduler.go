// sweep_scheduler.go implements the SweepScheduler background job, an
// optional in-process trigger for the publish sweep. Deployments that drive
// POST /sweep from an external cron leave publishing.sweep_interval at zero
// and never start it.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaypost/relaypost/internal/services"
)

// Sweeper runs one publish sweep. It is implemented by *services.Orchestrator.
type Sweeper interface {
	RunSweep(ctx context.Context, now time.Time) (services.SweepResult, error)
}

// SweepScheduler calls a Sweeper on a fixed interval.
type SweepScheduler struct {
	sweeper  Sweeper
	interval time.Duration
	clock    func() time.Time
	stopChan chan struct{}
}

// NewSweepScheduler creates a scheduler. A non-positive interval defaults to
// one minute.
func NewSweepScheduler(sweeper Sweeper, interval time.Duration) *SweepScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepScheduler{
		sweeper:  sweeper,
		interval: interval,
		clock:    func() time.Time { return time.Now().UTC() },
		stopChan: make(chan struct{}),
	}
}

// Start runs a sweep immediately and then on every tick until ctx is
// cancelled or Stop is called.
func (s *SweepScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("sweep scheduler started", "interval", s.interval)

	s.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.stopChan:
			slog.Info("sweep scheduler stopped")
			return
		case <-ctx.Done():
			slog.Info("sweep scheduler context cancelled")
			return
		}
	}
}

// Stop stops the scheduler loop.
func (s *SweepScheduler) Stop() {
	close(s.stopChan)
}

func (s *SweepScheduler) runOnce(ctx context.Context) {
	res, err := s.sweeper.RunSweep(ctx, s.clock())
	if err != nil {
		slog.Error("scheduled sweep failed", "error", err)
		return
	}
	if res.Processed > 0 {
		slog.Info("scheduled sweep finished", "processed", res.Processed, "succeeded", res.Succeeded, "failed", res.Failed)
	}
}
