package repositories

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/relaypost/relaypost/internal/db/models"
)

// TemplateRepository handles content_templates queries
type TemplateRepository struct {
	db *sqlx.DB
}

// NewTemplateRepository creates a new TemplateRepository
func NewTemplateRepository(db *sqlx.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

const templateColumns = `id, owner_id, title, body, media_refs, target_platforms, followup_comment, created_at`

// Create inserts a template.
func (r *TemplateRepository) Create(ctx context.Context, t *models.ContentTemplate) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO content_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.OwnerID, t.Title, t.Body, t.MediaRefs, t.TargetPlatforms, t.FollowupComment, t.CreatedAt)
	return err
}

// GetByID returns a template regardless of owner, or nil.
func (r *TemplateRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ContentTemplate, error) {
	var t models.ContentTemplate
	err := r.db.GetContext(ctx, &t, `SELECT `+templateColumns+` FROM content_templates WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetForOwner returns the owner's template, or nil.
func (r *TemplateRepository) GetForOwner(ctx context.Context, ownerID, id uuid.UUID) (*models.ContentTemplate, error) {
	var t models.ContentTemplate
	err := r.db.GetContext(ctx, &t,
		`SELECT `+templateColumns+` FROM content_templates WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListByOwner returns the owner's templates, newest first.
func (r *TemplateRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.ContentTemplate, error) {
	templates := make([]*models.ContentTemplate, 0)
	err := r.db.SelectContext(ctx, &templates,
		`SELECT `+templateColumns+` FROM content_templates WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	return templates, err
}
