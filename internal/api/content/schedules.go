package content

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaypost/relaypost/internal/middleware"
	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/schedule"
)

func scheduleStatus(err error) int {
	switch {
	case errors.Is(err, schedule.ErrNotFound), errors.Is(err, schedule.ErrTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, schedule.ErrInvalidUnit),
		errors.Is(err, schedule.ErrInvalidInterval),
		errors.Is(err, schedule.ErrMissingStart),
		errors.Is(err, schedule.ErrInvalidWindow),
		errors.Is(err, schedule.ErrNoPlatforms),
		errors.Is(err, platform.ErrUnknownPlatform):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// @Summary      Create schedule
// @Description  Repeats a template every recurrence_interval hours or days from start_at until end_at.
// @Tags         Schedules
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  schedule.CreateInput  true  "Schedule"
// @Success      201  {object}  models.Schedule
// @Failure      400  {object}  map[string]interface{}  "Invalid recurrence or window"
// @Failure      404  {object}  map[string]interface{}  "Template not found"
// @Router       /api/v1/schedules [post]
func (h *Handlers) CreateSchedule() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		var in schedule.CreateInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
			return
		}
		s, err := h.schedules.Create(c.Request.Context(), owner, in, h.now())
		if err != nil {
			status := scheduleStatus(err)
			if status == http.StatusInternalServerError {
				slog.Error("failed to create schedule", "owner_id", owner, "error", err)
				c.JSON(status, gin.H{"error": "Failed to create schedule"})
				return
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		middleware.SetAudit(c, "schedule.create", "schedule", s.ID.String(), map[string]interface{}{
			"template_id": s.TemplateID.String(),
			"platforms":   []string(s.Platforms),
		})
		c.JSON(http.StatusCreated, s)
	}
}

// ListSchedules returns the owner's schedules, active or not.
// GET /api/v1/schedules
func (h *Handlers) ListSchedules() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		schedules, err := h.schedules.List(c.Request.Context(), owner)
		if err != nil {
			slog.Error("failed to list schedules", "owner_id", owner, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list schedules"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"schedules": schedules})
	}
}

// DeactivateSchedule stops future runs.
// POST /api/v1/schedules/:id/deactivate
func (h *Handlers) DeactivateSchedule() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		id, ok := pathID(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		if err := h.schedules.Deactivate(ctx, owner, id, h.now()); err != nil {
			if errors.Is(err, schedule.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
				return
			}
			slog.Error("failed to deactivate schedule", "schedule_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deactivate schedule"})
			return
		}
		middleware.SetAudit(c, "schedule.deactivate", "schedule", id.String(), nil)

		s, err := h.schedules.Get(ctx, owner, id)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"id": id, "active": false})
			return
		}
		c.JSON(http.StatusOK, s)
	}
}
