package content

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/db/repositories"
	"github.com/relaypost/relaypost/internal/platform"
)

// ListLogs returns the owner's publish history, newest first.
// GET /api/v1/logs?schedule_id=&job_id=&platform=&status=&limit=&offset=
func (h *Handlers) ListLogs() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}

		var filters repositories.LogFilters
		var err error
		if filters.ScheduleID, err = optionalUUID(c, "schedule_id"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if filters.JobID, err = optionalUUID(c, "job_id"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if p := c.Query("platform"); p != "" {
			if _, err := platform.ParseKind(p); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			filters.Platform = &p
		}
		if s := c.Query("status"); s != "" {
			if s != models.LogStatusSuccess && s != models.LogStatusFailure {
				c.JSON(http.StatusBadRequest, gin.H{"error": "status must be success or failure"})
				return
			}
			filters.Status = &s
		}

		limit, offset := page(c)
		logs, err := h.logs.ListByOwner(c.Request.Context(), owner, filters, limit, offset)
		if err != nil {
			slog.Error("failed to list publish logs", "owner_id", owner, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list logs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"logs":   logs,
			"limit":  limit,
			"offset": offset,
		})
	}
}
