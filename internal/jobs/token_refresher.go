// token_refresher.go implements the TokenRefresher background job, which
// periodically renews access tokens that are about to expire so that a sweep
// rarely has to refresh inline. Connections whose refresh is rejected are
// marked inactive by the broker and drop out of later scans.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/telemetry"
)

const refreshBatchSize = 100

// ExpiringConnections lists active connections expiring before a time. It is
// implemented by repositories.ConnectionRepository.
type ExpiringConnections interface {
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*models.Connection, error)
}

// Refresher renews one connection's token. It is implemented by
// *oauth.Broker.
type Refresher interface {
	Refresh(ctx context.Context, conn *models.Connection, now time.Time) (*models.Connection, error)
}

// TokenRefresher renews tokens that expire within margin of now.
type TokenRefresher struct {
	conns     ExpiringConnections
	refresher Refresher
	interval  time.Duration
	margin    time.Duration
	clock     func() time.Time
	stopChan  chan struct{}
}

// NewTokenRefresher creates a refresher. Zero durations default to a 30
// minute interval and a 24 hour margin.
func NewTokenRefresher(conns ExpiringConnections, refresher Refresher, interval, margin time.Duration) *TokenRefresher {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	if margin <= 0 {
		margin = 24 * time.Hour
	}
	return &TokenRefresher{
		conns:     conns,
		refresher: refresher,
		interval:  interval,
		margin:    margin,
		clock:     func() time.Time { return time.Now().UTC() },
		stopChan:  make(chan struct{}),
	}
}

// Start begins the refresh loop.
func (r *TokenRefresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("token refresher started", "interval", r.interval, "margin", r.margin)

	r.RunOnce(ctx, r.clock())

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx, r.clock())
		case <-r.stopChan:
			slog.Info("token refresher stopped")
			return
		case <-ctx.Done():
			slog.Info("token refresher context cancelled")
			return
		}
	}
}

// Stop stops the refresh loop.
func (r *TokenRefresher) Stop() {
	close(r.stopChan)
}

// RunOnce refreshes every connection expiring within the margin of now and
// returns how many were renewed and how many failed.
func (r *TokenRefresher) RunOnce(ctx context.Context, now time.Time) (refreshed, failed int) {
	conns, err := r.conns.ListExpiring(ctx, now.Add(r.margin), refreshBatchSize)
	if err != nil {
		slog.Error("token refresh: failed to list expiring connections", "error", err)
		return 0, 0
	}

	for _, conn := range conns {
		if ctx.Err() != nil {
			break
		}
		if _, err := r.refresher.Refresh(ctx, conn, now); err != nil {
			failed++
			result := "error"
			switch {
			case errors.Is(err, platform.ErrAuthExpired):
				result = "auth_expired"
			case errors.Is(err, platform.ErrRefreshUnsupported):
				result = "unsupported"
			}
			telemetry.TokenRefreshesTotal.WithLabelValues(conn.Platform, result).Inc()
			slog.Warn("token refresh failed",
				"connection_id", conn.ID, "platform", conn.Platform, "result", result, "error", err)
			continue
		}
		refreshed++
		telemetry.TokenRefreshesTotal.WithLabelValues(conn.Platform, "success").Inc()
	}

	if len(conns) > 0 {
		slog.Info("token refresh run completed", "refreshed", refreshed, "failed", failed)
	}
	return refreshed, failed
}
