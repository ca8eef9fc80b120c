package repositories

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/relaypost/relaypost/internal/db/models"
)

// AutomationAccountRepository handles automation_accounts queries
type AutomationAccountRepository struct {
	db *sqlx.DB
}

// NewAutomationAccountRepository creates a new AutomationAccountRepository
func NewAutomationAccountRepository(db *sqlx.DB) *AutomationAccountRepository {
	return &AutomationAccountRepository{db: db}
}

const automationAccountColumns = `id, owner_id, platform, username, secret_ciphertext, created_at, updated_at`

// Create inserts an account. SecretCiphertext must already be sealed.
func (r *AutomationAccountRepository) Create(ctx context.Context, a *models.AutomationAccount) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_accounts (`+automationAccountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.OwnerID, a.Platform, a.Username, a.SecretCiphertext, a.CreatedAt, a.UpdatedAt)
	return err
}

// GetByID returns an account, or nil.
func (r *AutomationAccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.AutomationAccount, error) {
	var a models.AutomationAccount
	err := r.db.GetContext(ctx, &a,
		`SELECT `+automationAccountColumns+` FROM automation_accounts WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetForOwner returns the owner's account, or nil.
func (r *AutomationAccountRepository) GetForOwner(ctx context.Context, ownerID, id uuid.UUID) (*models.AutomationAccount, error) {
	a, err := r.GetByID(ctx, id)
	if err != nil || a == nil || a.OwnerID != ownerID {
		return nil, err
	}
	return a, nil
}

// ListByOwner returns the owner's accounts.
func (r *AutomationAccountRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.AutomationAccount, error) {
	accounts := make([]*models.AutomationAccount, 0)
	err := r.db.SelectContext(ctx, &accounts,
		`SELECT `+automationAccountColumns+` FROM automation_accounts WHERE owner_id = $1 ORDER BY platform, username`,
		ownerID)
	return accounts, err
}
