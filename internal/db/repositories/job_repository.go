// job_repository.go implements JobRepository: publish job CRUD, the leasing
// query shared by the worker queue and the sweep, and outcome bookkeeping.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/relaypost/relaypost/internal/db/models"
)

// JobRepository handles publish_jobs queries
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new JobRepository
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

// LeaseExpiredError is recorded on a job whose lease ran out before its
// holder reported.
const LeaseExpiredError = "lease expired before an outcome was reported"

// JobOutcome is the result applied to a leased job.
type JobOutcome struct {
	// LeaseToken must match the job's current lease.
	LeaseToken     uuid.UUID
	Success        bool
	ExternalPostID *string
	Error          *string
	// Terminal fails the job whatever retries it has left.
	Terminal       bool
}

const jobColumns = `id, owner_id, mode, account_id, platforms, content_text, media_urls,
	followup_comment, status, retry_count, scheduled_at, leased_at, lease_expires_at,
	lease_token, external_post_id, error, created_at, updated_at`

// Create inserts a job.
func (r *JobRepository) Create(ctx context.Context, j *models.PublishJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO publish_jobs (
			id, owner_id, mode, account_id, platforms, content_text, media_urls,
			followup_comment, status, retry_count, scheduled_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		j.ID, j.OwnerID, j.Mode, j.AccountID, j.Platforms, j.ContentText, j.MediaURLs,
		j.FollowupComment, j.Status, j.RetryCount, j.ScheduledAt, j.CreatedAt, j.UpdatedAt)
	return err
}

// GetByID returns a job, or nil.
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PublishJob, error) {
	var j models.PublishJob
	err := r.db.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM publish_jobs WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetForOwner returns the owner's job, or nil.
func (r *JobRepository) GetForOwner(ctx context.Context, ownerID, id uuid.UUID) (*models.PublishJob, error) {
	var j models.PublishJob
	err := r.db.GetContext(ctx, &j,
		`SELECT `+jobColumns+` FROM publish_jobs WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListByOwner returns the owner's jobs, newest first, optionally filtered by status.
func (r *JobRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*models.PublishJob, error) {
	jobs := make([]*models.PublishJob, 0)
	if status == "" {
		err := r.db.SelectContext(ctx, &jobs,
			`SELECT `+jobColumns+` FROM publish_jobs WHERE owner_id = $1
			ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			ownerID, limit, offset)
		return jobs, err
	}
	err := r.db.SelectContext(ctx, &jobs,
		`SELECT `+jobColumns+` FROM publish_jobs WHERE owner_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
		ownerID, status, limit, offset)
	return jobs, err
}

// Enqueue moves the owner's draft, failed or queued job to queued with a
// fresh retry budget. It returns nil when the job is missing or ineligible.
func (r *JobRepository) Enqueue(ctx context.Context, ownerID, id uuid.UUID, now time.Time) (*models.PublishJob, error) {
	var j models.PublishJob
	err := r.db.GetContext(ctx, &j, `
		UPDATE publish_jobs SET
			status = 'queued',
			retry_count = 0,
			error = NULL,
			leased_at = NULL,
			lease_expires_at = NULL,
			lease_token = NULL,
			updated_at = $3
		WHERE id = $1 AND owner_id = $2 AND status IN ('draft', 'failed', 'queued')
		RETURNING `+jobColumns,
		id, ownerID, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Lease atomically moves up to limit ready jobs of the given mode to leased
// under a fresh lease token. A job is ready when it is queued and due, or
// leased with an expired lease, and has retries left. Taking over an expired
// lease consumes one retry; a job whose expired lease was its last retry is
// failed instead of leased. Rows locked by a concurrent lease are skipped.
func (r *JobRepository) Lease(ctx context.Context, mode string, limit int, now, leaseUntil time.Time, maxRetries int) ([]*models.PublishJob, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE publish_jobs SET
			status = 'failed',
			retry_count = retry_count + 1,
			error = $4,
			leased_at = NULL,
			lease_expires_at = NULL,
			lease_token = NULL,
			updated_at = $1
		WHERE mode = $2
			AND status = 'leased'
			AND lease_expires_at < $1
			AND retry_count + 1 >= $3`,
		now, mode, maxRetries, LeaseExpiredError); err != nil {
		return nil, fmt.Errorf("failed to expire exhausted leases: %w", err)
	}

	jobs := make([]*models.PublishJob, 0)
	err = tx.SelectContext(ctx, &jobs, `
		UPDATE publish_jobs SET
			retry_count = CASE WHEN status = 'leased' THEN retry_count + 1 ELSE retry_count END,
			error = CASE WHEN status = 'leased' THEN $7 ELSE error END,
			status = 'leased',
			leased_at = $1,
			lease_expires_at = $2,
			lease_token = $6,
			updated_at = $1
		WHERE id IN (
			SELECT id FROM publish_jobs
			WHERE mode = $3
				AND retry_count < $4
				AND (
					(status = 'queued' AND (scheduled_at IS NULL OR scheduled_at <= $1))
					OR (status = 'leased' AND lease_expires_at < $1)
				)
			ORDER BY COALESCE(scheduled_at, created_at)
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		now, leaseUntil, mode, maxRetries, limit, uuid.New(), LeaseExpiredError)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return jobs, nil
}

// Complete applies an outcome to a leased job and appends the log rows in
// one transaction. A failure consumes one retry and the job ends failed once
// retry_count reaches maxRetries, or at once for a terminal outcome. It
// returns nil, and writes nothing, when the job is not leased under
// outcome.LeaseToken.
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, outcome JobOutcome, maxRetries int, now time.Time, logs ...*models.PublishLog) (*models.PublishJob, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var j models.PublishJob
	if outcome.Success {
		err = tx.GetContext(ctx, &j, `
			UPDATE publish_jobs SET
				status = 'published',
				external_post_id = $2,
				error = NULL,
				leased_at = NULL,
				lease_expires_at = NULL,
				lease_token = NULL,
				updated_at = $3
			WHERE id = $1 AND status = 'leased' AND lease_token = $4
			RETURNING `+jobColumns,
			id, outcome.ExternalPostID, now, outcome.LeaseToken)
	} else {
		err = tx.GetContext(ctx, &j, `
			UPDATE publish_jobs SET
				retry_count = retry_count + 1,
				status = CASE WHEN $6::boolean OR retry_count + 1 >= $3 THEN 'failed' ELSE 'queued' END,
				error = $2,
				leased_at = NULL,
				lease_expires_at = NULL,
				lease_token = NULL,
				updated_at = $4
			WHERE id = $1 AND status = 'leased' AND lease_token = $5
			RETURNING `+jobColumns,
			id, outcome.Error, maxRetries, now, outcome.LeaseToken, outcome.Terminal)
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, l := range logs {
		if err := insertPublishLog(ctx, tx, l); err != nil {
			return nil, fmt.Errorf("failed to write publish log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &j, nil
}
