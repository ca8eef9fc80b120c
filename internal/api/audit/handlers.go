// Package audit serves an owner's own audit trail: the connection, schedule
// and job changes made under their session, newest first.
package audit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/db/repositories"
	"github.com/relaypost/relaypost/internal/middleware"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Reader is implemented by repositories.AuditRepository.
type Reader interface {
	ListAuditLogs(ctx context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error)
	GetAuditLog(ctx context.Context, logID string) (*models.AuditLog, error)
}

// Handlers serves /api/v1/audit-logs.
type Handlers struct {
	logs Reader
}

// NewHandlers wires the audit handlers.
func NewHandlers(logs Reader) *Handlers {
	return &Handlers{logs: logs}
}

// List returns the caller's audit entries. Filters never widen past the
// caller's own user_id.
// GET /api/v1/audit-logs?action=&resource_type=&start_date=&end_date=&limit=&offset=
func (h *Handlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := middleware.GetOwnerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		uid := owner.String()
		filters := repositories.AuditFilters{UserID: &uid}
		if a := c.Query("action"); a != "" {
			filters.Action = &a
		}
		if rt := c.Query("resource_type"); rt != "" {
			filters.ResourceType = &rt
		}
		var err error
		if filters.StartDate, err = queryTime(c, "start_date"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start_date must be RFC 3339"})
			return
		}
		if filters.EndDate, err = queryTime(c, "end_date"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end_date must be RFC 3339"})
			return
		}
		if filters.StartDate != nil && filters.EndDate != nil && filters.EndDate.Before(*filters.StartDate) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end_date is before start_date"})
			return
		}

		limit, offset := page(c)
		logs, total, err := h.logs.ListAuditLogs(c.Request.Context(), filters, limit, offset)
		if err != nil {
			slog.Error("failed to list audit logs", "owner_id", owner, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list audit logs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"audit_logs": logs,
			"total":      total,
			"limit":      limit,
			"offset":     offset,
		})
	}
}

// Get returns one of the caller's audit entries. Entries of other users
// and system entries are reported as not found.
// GET /api/v1/audit-logs/:id
func (h *Handlers) Get() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := middleware.GetOwnerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}

		entry, err := h.logs.GetAuditLog(c.Request.Context(), c.Param("id"))
		if err != nil {
			slog.Error("failed to get audit log", "owner_id", owner, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get audit log"})
			return
		}
		if entry == nil || entry.UserID == nil || *entry.UserID != owner.String() {
			c.JSON(http.StatusNotFound, gin.H{"error": "Audit log not found"})
			return
		}
		c.JSON(http.StatusOK, entry)
	}
}

func queryTime(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func page(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	offset, err := strconv.Atoi(c.Query("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
