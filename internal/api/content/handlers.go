// Package content implements the owner-facing handlers for post content:
// reusable templates, recurring schedules over them, the publish history,
// and media uploads.
package content

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/db/repositories"
	"github.com/relaypost/relaypost/internal/middleware"
	"github.com/relaypost/relaypost/internal/schedule"
	"github.com/relaypost/relaypost/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// TemplateStore is implemented by repositories.TemplateRepository.
type TemplateStore interface {
	Create(ctx context.Context, t *models.ContentTemplate) error
	GetForOwner(ctx context.Context, ownerID, id uuid.UUID) (*models.ContentTemplate, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.ContentTemplate, error)
}

// ScheduleService is implemented by schedule.Engine.
type ScheduleService interface {
	Create(ctx context.Context, ownerID uuid.UUID, in schedule.CreateInput, now time.Time) (*models.Schedule, error)
	Deactivate(ctx context.Context, ownerID, id uuid.UUID, now time.Time) error
	List(ctx context.Context, ownerID uuid.UUID) ([]*models.Schedule, error)
	Get(ctx context.Context, ownerID, id uuid.UUID) (*models.Schedule, error)
}

// LogReader is implemented by repositories.PublishLogRepository.
type LogReader interface {
	ListByOwner(ctx context.Context, ownerID uuid.UUID, filters repositories.LogFilters, limit, offset int) ([]*models.PublishLog, error)
}

// Handlers serves templates, schedules, logs and media.
type Handlers struct {
	templates TemplateStore
	schedules ScheduleService
	logs      LogReader
	media     storage.Storage
	maxUpload int64
	now       func() time.Time
}

// NewHandlers wires the content handlers. media may be nil when no media
// store is configured; uploads then return 503.
func NewHandlers(templates TemplateStore, schedules ScheduleService, logs LogReader, media storage.Storage) *Handlers {
	return &Handlers{
		templates: templates,
		schedules: schedules,
		logs:      logs,
		media:     media,
		maxUpload: MaxUploadSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func requireOwner(c *gin.Context) (uuid.UUID, bool) {
	owner, ok := middleware.GetOwnerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
	}
	return owner, ok
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// page reads limit/offset query parameters.
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

// optionalUUID parses a query parameter that may be absent.
func optionalUUID(c *gin.Context, name string) (*uuid.UUID, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.New("invalid " + name)
	}
	return &id, nil
}
