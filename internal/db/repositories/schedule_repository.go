// schedule_repository.go implements ScheduleRepository, including the sweep
// claim that keeps concurrent sweeps from dispatching the same run.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/relaypost/relaypost/internal/db/models"
)

// ScheduleRepository handles schedules queries
type ScheduleRepository struct {
	db *sqlx.DB
}

// NewScheduleRepository creates a new ScheduleRepository
func NewScheduleRepository(db *sqlx.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

const scheduleColumns = `id, owner_id, template_id, platforms, recurrence_unit, recurrence_interval,
	start_at, end_at, next_run_at, active, run_count, last_run_at, claimed_until,
	created_at, updated_at`

// Create inserts a schedule.
func (r *ScheduleRepository) Create(ctx context.Context, s *models.Schedule) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, owner_id, template_id, platforms, recurrence_unit, recurrence_interval,
			start_at, end_at, next_run_at, active, run_count, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.OwnerID, s.TemplateID, s.Platforms, s.RecurrenceUnit, s.RecurrenceInterval,
		s.StartAt, s.EndAt, s.NextRunAt, s.Active, s.RunCount, s.CreatedAt, s.UpdatedAt)
	return err
}

// GetForOwner returns the owner's schedule, or nil.
func (r *ScheduleRepository) GetForOwner(ctx context.Context, ownerID, id uuid.UUID) (*models.Schedule, error) {
	var s models.Schedule
	err := r.db.GetContext(ctx, &s,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListByOwner returns the owner's schedules ordered by next run.
func (r *ScheduleRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Schedule, error) {
	schedules := make([]*models.Schedule, 0)
	err := r.db.SelectContext(ctx, &schedules,
		`SELECT `+scheduleColumns+` FROM schedules WHERE owner_id = $1 ORDER BY next_run_at`, ownerID)
	return schedules, err
}

// ClaimDue marks up to limit due, unclaimed schedules as claimed until
// claimUntil and returns them. Rows locked by a concurrent claim are skipped.
func (r *ScheduleRepository) ClaimDue(ctx context.Context, now, claimUntil time.Time, limit int) ([]*models.Schedule, error) {
	schedules := make([]*models.Schedule, 0)
	err := r.db.SelectContext(ctx, &schedules, `
		UPDATE schedules SET claimed_until = $2
		WHERE id IN (
			SELECT id FROM schedules
			WHERE active
				AND next_run_at <= $1
				AND (end_at IS NULL OR end_at >= $1)
				AND (claimed_until IS NULL OR claimed_until < $1)
			ORDER BY next_run_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+scheduleColumns,
		now, claimUntil, limit)
	return schedules, err
}

// SaveAdvance persists an advanced schedule and releases its claim. The
// update only applies while next_run_at still equals prevNextRun, so a run is
// never advanced twice. A schedule deactivated while its run was dispatching
// stays inactive. It reports whether the row was updated.
func (r *ScheduleRepository) SaveAdvance(ctx context.Context, s *models.Schedule, prevNextRun, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET
			next_run_at = $2,
			run_count = $3,
			active = active AND $4,
			last_run_at = $5,
			claimed_until = NULL,
			updated_at = $5
		WHERE id = $1 AND next_run_at = $6`,
		s.ID, s.NextRunAt, s.RunCount, s.Active, now, prevNextRun)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Deactivate cancels the owner's schedule. It reports whether a row changed.
func (r *ScheduleRepository) Deactivate(ctx context.Context, ownerID, id uuid.UUID, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE schedules SET active = FALSE, claimed_until = NULL, updated_at = $3
		WHERE id = $1 AND owner_id = $2 AND active`,
		id, ownerID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
