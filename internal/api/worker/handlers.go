// Package worker implements the machine-facing endpoints: the publish sweep
// trigger and the pull/report contract used by browser-automation workers.
// Both authenticate with a shared secret rather than a session.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/middleware"
	"github.com/relaypost/relaypost/internal/queue"
	"github.com/relaypost/relaypost/internal/services"
)

// Queue is implemented by queue.Queue.
type Queue interface {
	Lease(ctx context.Context, limit int, now time.Time) ([]queue.LeasedJob, error)
	Report(ctx context.Context, out queue.Outcome, now time.Time) (*models.PublishJob, error)
}

// Sweeper is implemented by services.Orchestrator.
type Sweeper interface {
	RunSweep(ctx context.Context, now time.Time) (services.SweepResult, error)
}

// sweepTimeout bounds a sweep triggered over HTTP. The sweep runs on its own
// context so a scheduler that hangs up mid-sweep does not abandon claimed
// schedules half-dispatched.
const sweepTimeout = 5 * time.Minute

// Handlers serves /sweep and /jobs/pending, /jobs/report.
type Handlers struct {
	queue        Queue
	sweeper      Sweeper
	now          func() time.Time
	sweepTimeout time.Duration
}

// NewHandlers wires the machine endpoints.
func NewHandlers(q Queue, sweeper Sweeper) *Handlers {
	return &Handlers{
		queue:   q,
		sweeper:      sweeper,
		now:          func() time.Time { return time.Now().UTC() },
		sweepTimeout: sweepTimeout,
	}
}

// Sweep runs one publish sweep and reports how many items it dispatched.
// POST /sweep
func (h *Handlers) Sweep() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(context.Background(), h.sweepTimeout)
		defer cancel()

		res, err := h.sweeper.RunSweep(ctx, h.now())
		if err != nil {
			slog.Error("sweep failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Sweep failed"})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// Pending leases up to limit automation jobs. Each returned job carries its
// decrypted account credentials and must be reported before the lease ends.
// GET /jobs/pending?limit=N
func (h *Handlers) Pending() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}

		jobs, err := h.queue.Lease(c.Request.Context(), limit, h.now())
		if err != nil {
			slog.Error("failed to lease jobs", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to lease jobs"})
			return
		}
		// Credentials must not be cached by anything between us and the worker.
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusOK, gin.H{"jobs": jobs})
	}
}

// Report records a worker's outcome for a leased job.
// POST /jobs/report
func (h *Handlers) Report() gin.HandlerFunc {
	return func(c *gin.Context) {
		var out queue.Outcome
		if err := c.ShouldBindJSON(&out); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
			return
		}
		if out.JobID == uuid.Nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "job_id is required"})
			return
		}
		if out.LeaseToken == uuid.Nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lease_token is required"})
			return
		}

		meta := map[string]interface{}{"success": out.Success}
		if !out.Success && out.Error != "" {
			meta["error"] = out.Error
		}

		job, err := h.queue.Report(c.Request.Context(), out, h.now())
		switch {
		case err == nil:
			meta["status"] = job.Status
			middleware.SetAudit(c, "worker.report", "job", out.JobID.String(), meta)
			c.JSON(http.StatusOK, job)
		case errors.Is(err, queue.ErrJobNotFound):
			middleware.SetAudit(c, "worker.report", "job", out.JobID.String(), meta)
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, queue.ErrJobNotLeased):
			// Repeats after a worker restart land here and change nothing.
			middleware.SetAudit(c, "worker.report", "job", out.JobID.String(), meta)
			c.JSON(http.StatusConflict, gin.H{"error": "Job is not leased"})
		default:
			slog.Error("failed to record job outcome", "job_id", out.JobID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record outcome"})
		}
	}
}
