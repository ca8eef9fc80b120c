package repositories

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/relaypost/relaypost/internal/db/models"
)

// PublishLogRepository appends and reads publish_logs rows. Rows are never
// updated.
type PublishLogRepository struct {
	db *sqlx.DB
}

// NewPublishLogRepository creates a new PublishLogRepository
func NewPublishLogRepository(db *sqlx.DB) *PublishLogRepository {
	return &PublishLogRepository{db: db}
}

// LogFilters narrows ListByOwner.
type LogFilters struct {
	ScheduleID *uuid.UUID
	JobID      *uuid.UUID
	Platform   *string
	Status     *string
}

const publishLogColumns = `id, owner_id, schedule_id, job_id, platform, status, external_post_id, error, occurred_at`

func insertPublishLog(ctx context.Context, ex sqlx.ExecerContext, l *models.PublishLog) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO publish_logs (`+publishLogColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		l.ID, l.OwnerID, l.ScheduleID, l.JobID, l.Platform, l.Status, l.ExternalPostID, l.Error, l.OccurredAt)
	return err
}

// Create appends a log row.
func (r *PublishLogRepository) Create(ctx context.Context, l *models.PublishLog) error {
	return insertPublishLog(ctx, r.db, l)
}

// ListByOwner returns the owner's logs, newest first.
func (r *PublishLogRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, filters LogFilters, limit, offset int) ([]*models.PublishLog, error) {
	conds := []string{"owner_id = $1"}
	args := []interface{}{ownerID}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filters.ScheduleID != nil {
		add("schedule_id = $%d", *filters.ScheduleID)
	}
	if filters.JobID != nil {
		add("job_id = $%d", *filters.JobID)
	}
	if filters.Platform != nil {
		add("platform = $%d", *filters.Platform)
	}
	if filters.Status != nil {
		add("status = $%d", *filters.Status)
	}

	query := fmt.Sprintf(`SELECT %s FROM publish_logs WHERE %s ORDER BY occurred_at DESC LIMIT $%d OFFSET $%d`,
		publishLogColumns, strings.Join(conds, " AND "), len(args)+1, len(args)+2)

	logs := make([]*models.PublishLog, 0)
	err := r.db.SelectContext(ctx, &logs, query, append(args, limit, offset)...)
	return logs, err
}

// SucceededPosts returns, per platform, the external post id of the job's
// earliest success log. A platform present in the map must not be posted to
// again.
func (r *PublishLogRepository) SucceededPosts(ctx context.Context, jobID uuid.UUID) (map[string]string, error) {
	var rows []struct {
		Platform       string  `db:"platform"`
		ExternalPostID *string `db:"external_post_id"`
	}
	err := r.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (platform) platform, external_post_id
		FROM publish_logs
		WHERE job_id = $1 AND status = $2
		ORDER BY platform, occurred_at`,
		jobID, models.LogStatusSuccess)
	if err != nil {
		return nil, err
	}
	posts := make(map[string]string, len(rows))
	for _, row := range rows {
		id := ""
		if row.ExternalPostID != nil {
			id = *row.ExternalPostID
		}
		posts[row.Platform] = id
	}
	return posts, nil
}
