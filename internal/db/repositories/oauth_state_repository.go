package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/relaypost/relaypost/internal/db/models"
)

// OAuthStateRepository stores pending authorization states.
type OAuthStateRepository struct {
	db *sqlx.DB
}

// NewOAuthStateRepository creates a new OAuthStateRepository
func NewOAuthStateRepository(db *sqlx.DB) *OAuthStateRepository {
	return &OAuthStateRepository{db: db}
}

// Create persists a new state.
func (r *OAuthStateRepository) Create(ctx context.Context, s *models.OAuthState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO oauth_states (state_nonce, owner_id, platform, pkce_verifier, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.StateNonce, s.OwnerID, s.Platform, s.PKCEVerifier, s.CreatedAt, s.ExpiresAt)
	return err
}

// Consume deletes and returns the state matching all three keys. It returns
// nil when no such state exists. Expiry is left to the caller so an expired
// state is still removed.
func (r *OAuthStateRepository) Consume(ctx context.Context, nonce, platform string, ownerID uuid.UUID) (*models.OAuthState, error) {
	var s models.OAuthState
	err := r.db.GetContext(ctx, &s, `
		DELETE FROM oauth_states
		WHERE state_nonce = $1 AND platform = $2 AND owner_id = $3
		RETURNING state_nonce, owner_id, platform, pkce_verifier, created_at, expires_at`,
		nonce, platform, ownerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteExpired removes states that expired before now.
func (r *OAuthStateRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
