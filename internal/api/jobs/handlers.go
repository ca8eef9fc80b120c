// Package jobs implements the owner-facing handlers for one-off publish jobs
// and the automation accounts browser workers sign in with.
package jobs

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
	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/queue"
)

// JobService is implemented by queue.Queue.
type JobService interface {
	Create(ctx context.Context, ownerID uuid.UUID, in queue.CreateInput, now time.Time) (*models.PublishJob, error)
	Get(ctx context.Context, ownerID, id uuid.UUID) (*models.PublishJob, error)
	List(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*models.PublishJob, error)
	Enqueue(ctx context.Context, ownerID, id uuid.UUID, now time.Time) (*models.PublishJob, error)
}

// Handlers serves /api/v1/jobs and /api/v1/automation-accounts.
type Handlers struct {
	jobs     JobService
	accounts AccountStore
	vault    Sealer
	now      func() time.Time
}

// NewHandlers wires the job handlers.
func NewHandlers(jobs JobService, accounts AccountStore, vault Sealer) *Handlers {
	return &Handlers{
		jobs:     jobs,
		accounts: accounts,
		vault:    vault,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func requireOwner(c *gin.Context) (uuid.UUID, bool) {
	owner, ok := middleware.GetOwnerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
	}
	return owner, ok
}

func jobStatus(err error) int {
	switch {
	case errors.Is(err, queue.ErrJobNotFound), errors.Is(err, queue.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrNotEligible):
		return http.StatusConflict
	case errors.Is(err, queue.ErrInvalidMode),
		errors.Is(err, queue.ErrNoPlatforms),
		errors.Is(err, queue.ErrAccountRequired),
		errors.Is(err, queue.ErrAccountNotAllowed),
		errors.Is(err, queue.ErrAccountPlatformMismatch),
		errors.Is(err, platform.ErrUnknownPlatform),
		errors.Is(err, platform.ErrPermanentRejection):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJobError(c *gin.Context, op string, err error) {
	status := jobStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error("job request failed", "op", op, "error", err)
		c.JSON(status, gin.H{"error": fmt.Sprintf("Failed to %s job", op)})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// @Summary      Create publish job
// @Description  Creates a one-off job. API jobs are published by the next sweep once queued; automation jobs are leased by a worker.
// @Tags         Jobs
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  queue.CreateInput  true  "Job"
// @Success      201  {object}  models.PublishJob
// @Failure      400  {object}  map[string]interface{}  "Invalid job"
// @Failure      404  {object}  map[string]interface{}  "Automation account not found"
// @Router       /api/v1/jobs [post]
func (h *Handlers) Create() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		var in queue.CreateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
			return
		}
		job, err := h.jobs.Create(c.Request.Context(), owner, in, h.now())
		if err != nil {
			writeJobError(c, "create", err)
			return
		}
		if job.Status == models.JobStatusQueued {
			middleware.SetAudit(c, "job.enqueue", "job", job.ID.String(), map[string]interface{}{
				"mode":      job.Mode,
				"platforms": []string(job.Platforms),
			})
		}
		c.JSON(http.StatusCreated, job)
	}
}

// List returns the owner's jobs.
// GET /api/v1/jobs?status=&limit=&offset=
func (h *Handlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		status := c.Query("status")
		switch status {
		case "", models.JobStatusDraft, models.JobStatusQueued, models.JobStatusLeased,
			models.JobStatusPublished, models.JobStatusFailed:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown job status"})
			return
		}

		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit <= 0 || limit > 200 {
			limit = 50
		}
		offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
		if err != nil || offset < 0 {
			offset = 0
		}

		jobs, err := h.jobs.List(c.Request.Context(), owner, status, limit, offset)
		if err != nil {
			writeJobError(c, "list", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobs": jobs, "limit": limit, "offset": offset})
	}
}

// Get returns one job.
// GET /api/v1/jobs/:id
func (h *Handlers) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job id"})
			return
		}
		job, err := h.jobs.Get(c.Request.Context(), owner, id)
		if err != nil {
			writeJobError(c, "get", err)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// Enqueue makes a draft or failed job ready again with a fresh retry budget.
// POST /api/v1/jobs/:id/enqueue
func (h *Handlers) Enqueue() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid job id"})
			return
		}
		job, err := h.jobs.Enqueue(c.Request.Context(), owner, id, h.now())
		if err != nil {
			writeJobError(c, "enqueue", err)
			return
		}
		middleware.SetAudit(c, "job.enqueue", "job", job.ID.String(), map[string]interface{}{
			"mode":      job.Mode,
			"platforms": []string(job.Platforms),
		})
		c.JSON(http.StatusOK, job)
	}
}
