// Package schedule owns recurring schedules: validating them, claiming the
// runs that are due, and advancing each one exactly once per run.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/platform"
)

var (
	ErrInvalidUnit      = errors.New("schedule: recurrence unit must be hours or days")
	ErrInvalidInterval  = errors.New("schedule: recurrence interval must be positive")
	ErrMissingStart     = errors.New("schedule: start_at is required")
	ErrInvalidWindow    = errors.New("schedule: end_at precedes start_at")
	ErrNoPlatforms      = errors.New("schedule: at least one platform is required")
	ErrTemplateNotFound = errors.New("schedule: template not found")
	ErrNotFound         = errors.New("schedule: not found")
	// ErrAlreadyAdvanced is returned when another sweep advanced the run first.
	ErrAlreadyAdvanced = errors.New("schedule: run already advanced")
)

const (
	DefaultClaimTTL  = 10 * time.Minute
	DefaultBatchSize = 100
)

// Store persists schedules.
type Store interface {
	Create(ctx context.Context, s *models.Schedule) error
	GetForOwner(ctx context.Context, ownerID, id uuid.UUID) (*models.Schedule, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Schedule, error)
	ClaimDue(ctx context.Context, now, claimUntil time.Time, limit int) ([]*models.Schedule, error)
	SaveAdvance(ctx context.Context, s *models.Schedule, prevNextRun, now time.Time) (bool, error)
	Deactivate(ctx context.Context, ownerID, id uuid.UUID, now time.Time) (bool, error)
}

// TemplateLookup resolves an owner's template.
type TemplateLookup interface {
	GetForOwner(ctx context.Context, ownerID, id uuid.UUID) (*models.ContentTemplate, error)
}

// Engine coordinates schedule state.
type Engine struct {
	store     Store
	templates TemplateLookup
	claimTTL  time.Duration
	batchSize int
}

// NewEngine creates an engine. Zero durations and sizes take the defaults.
func NewEngine(store Store, templates TemplateLookup, claimTTL time.Duration, batchSize int) *Engine {
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{store: store, templates: templates, claimTTL: claimTTL, batchSize: batchSize}
}

// IntervalMillis converts a recurrence to milliseconds.
func IntervalMillis(unit string, interval int) (int64, error) {
	if interval <= 0 {
		return 0, ErrInvalidInterval
	}
	switch unit {
	case models.RecurrenceHours:
		return int64(interval) * 3_600_000, nil
	case models.RecurrenceDays:
		return int64(interval) * 86_400_000, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidUnit, unit)
	}
}

// NextRun computes the schedule after one run. The next run is measured
// from the previous scheduled time, not from when the run happened, so late
// sweeps do not drift the cadence. The schedule deactivates once the next
// run would fall after end_at.
func NextRun(s models.Schedule) (models.Schedule, error) {
	ms, err := IntervalMillis(s.RecurrenceUnit, s.RecurrenceInterval)
	if err != nil {
		return s, err
	}
	s.NextRunAt = s.NextRunAt.Add(time.Duration(ms) * time.Millisecond)
	s.RunCount++
	if s.EndAt != nil && s.NextRunAt.After(*s.EndAt) {
		s.Active = false
	}
	return s, nil
}

// DueSchedules claims and returns active schedules whose next run is due.
// A claimed schedule is invisible to other sweeps until Advance releases it
// or the claim lapses.
func (e *Engine) DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	due, err := e.store.ClaimDue(ctx, now, now.Add(e.claimTTL), e.batchSize)
	if err != nil {
		return nil, fmt.Errorf("schedule: claim due: %w", err)
	}
	return due, nil
}

// Advance moves a dispatched schedule to its next run and releases the
// claim. It fails with ErrAlreadyAdvanced if the stored next run has moved.
func (e *Engine) Advance(ctx context.Context, s *models.Schedule, now time.Time) (*models.Schedule, error) {
	next, err := NextRun(*s)
	if err != nil {
		return nil, err
	}
	ok, err := e.store.SaveAdvance(ctx, &next, s.NextRunAt, now)
	if err != nil {
		return nil, fmt.Errorf("schedule: save advance: %w", err)
	}
	if !ok {
		return nil, ErrAlreadyAdvanced
	}
	next.LastRunAt = &now
	next.ClaimedUntil = nil
	next.UpdatedAt = now
	return &next, nil
}

// CreateInput describes a new schedule.
type CreateInput struct {
	TemplateID         uuid.UUID  `json:"template_id"`
	Platforms          []string   `json:"platforms"`
	RecurrenceUnit     string     `json:"recurrence_unit"`
	RecurrenceInterval int        `json:"recurrence_interval"`
	StartAt            time.Time  `json:"start_at"`
	EndAt              *time.Time `json:"end_at"`
}

// Create validates and stores a schedule whose first run is start_at.
func (e *Engine) Create(ctx context.Context, ownerID uuid.UUID, in CreateInput, now time.Time) (*models.Schedule, error) {
	if _, err := IntervalMillis(in.RecurrenceUnit, in.RecurrenceInterval); err != nil {
		return nil, err
	}
	if in.StartAt.IsZero() {
		return nil, ErrMissingStart
	}
	if in.EndAt != nil && in.EndAt.Before(in.StartAt) {
		return nil, ErrInvalidWindow
	}
	if len(in.Platforms) == 0 {
		return nil, ErrNoPlatforms
	}
	for _, p := range in.Platforms {
		if _, err := platform.ParseKind(p); err != nil {
			return nil, err
		}
	}
	tmpl, err := e.templates.GetForOwner(ctx, ownerID, in.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("schedule: load template: %w", err)
	}
	if tmpl == nil {
		return nil, ErrTemplateNotFound
	}

	s := &models.Schedule{
		ID:                 uuid.New(),
		OwnerID:            ownerID,
		TemplateID:         in.TemplateID,
		Platforms:          pq.StringArray(in.Platforms),
		RecurrenceUnit:     in.RecurrenceUnit,
		RecurrenceInterval: in.RecurrenceInterval,
		StartAt:            in.StartAt.UTC(),
		EndAt:              in.EndAt,
		NextRunAt:          in.StartAt.UTC(),
		Active:             true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("schedule: create: %w", err)
	}
	return s, nil
}

// Deactivate cancels a schedule. Runs already claimed still finish.
func (e *Engine) Deactivate(ctx context.Context, ownerID, id uuid.UUID, now time.Time) error {
	ok, err := e.store.Deactivate(ctx, ownerID, id, now)
	if err != nil {
		return fmt.Errorf("schedule: deactivate: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// List returns the owner's schedules.
func (e *Engine) List(ctx context.Context, ownerID uuid.UUID) ([]*models.Schedule, error) {
	return e.store.ListByOwner(ctx, ownerID)
}

// Get returns one of the owner's schedules.
func (e *Engine) Get(ctx context.Context, ownerID, id uuid.UUID) (*models.Schedule, error) {
	s, err := e.store.GetForOwner(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, ErrNotFound
	}
	return s, nil
}
