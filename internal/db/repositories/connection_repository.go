// connection_repository.go implements ConnectionRepository, which stores
// per-owner platform connections and their sealed OAuth tokens.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/relaypost/relaypost/internal/db/models"
)

// ConnectionRepository handles platform_connections queries
type ConnectionRepository struct {
	db *sqlx.DB
}

// NewConnectionRepository creates a new ConnectionRepository
func NewConnectionRepository(db *sqlx.DB) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionColumns = `id, owner_id, platform, access_token, refresh_token, expires_at,
	platform_account_id, username, display_name, avatar_url, active, last_error,
	created_at, updated_at`

// Upsert writes the connection for (owner, platform) in one statement. An
// existing row keeps its ID and is reactivated with the new tokens.
func (r *ConnectionRepository) Upsert(ctx context.Context, c *models.Connection) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	query := `
		INSERT INTO platform_connections (
			id, owner_id, platform, access_token, refresh_token, expires_at,
			platform_account_id, username, display_name, avatar_url, active,
			last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, NULL, $11, $11)
		ON CONFLICT (owner_id, platform) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			platform_account_id = EXCLUDED.platform_account_id,
			username = EXCLUDED.username,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url,
			active = TRUE,
			last_error = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + connectionColumns

	return r.db.QueryRowxContext(ctx, query,
		c.ID, c.OwnerID, c.Platform, c.AccessToken, c.RefreshToken, c.ExpiresAt,
		c.PlatformAccountID, c.Username, c.DisplayName, c.AvatarURL, c.UpdatedAt,
	).StructScan(c)
}

// Get returns the owner's connection for a platform, or nil if none exists.
func (r *ConnectionRepository) Get(ctx context.Context, ownerID uuid.UUID, platform string) (*models.Connection, error) {
	var c models.Connection
	err := r.db.GetContext(ctx, &c,
		`SELECT `+connectionColumns+` FROM platform_connections WHERE owner_id = $1 AND platform = $2`,
		ownerID, platform)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListByOwner returns every connection for an owner, active or not.
func (r *ConnectionRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Connection, error) {
	conns := make([]*models.Connection, 0)
	err := r.db.SelectContext(ctx, &conns,
		`SELECT `+connectionColumns+` FROM platform_connections WHERE owner_id = $1 ORDER BY platform`,
		ownerID)
	return conns, err
}

// ListActive returns the owner's active connections for the given platforms.
func (r *ConnectionRepository) ListActive(ctx context.Context, ownerID uuid.UUID, platforms []string) ([]*models.Connection, error) {
	conns := make([]*models.Connection, 0)
	err := r.db.SelectContext(ctx, &conns,
		`SELECT `+connectionColumns+` FROM platform_connections
		WHERE owner_id = $1 AND platform = ANY($2) AND active`,
		ownerID, pq.Array(platforms))
	return conns, err
}

// ListExpiring returns active connections whose token expires at or before
// the given time, soonest first.
func (r *ConnectionRepository) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*models.Connection, error) {
	conns := make([]*models.Connection, 0)
	err := r.db.SelectContext(ctx, &conns,
		`SELECT `+connectionColumns+` FROM platform_connections
		WHERE active AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`,
		before, limit)
	return conns, err
}

// UpdateTokens stores refreshed token material. A nil refresh token keeps the
// stored one.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, refreshToken *string, expiresAt *time.Time, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE platform_connections SET
			access_token = $2,
			refresh_token = COALESCE($3, refresh_token),
			expires_at = $4,
			last_error = NULL,
			updated_at = $5
		WHERE id = $1`,
		id, accessToken, refreshToken, expiresAt, now)
	return err
}

// MarkInactive disables a connection and records why, so the owner is asked
// to reconnect.
func (r *ConnectionRepository) MarkInactive(ctx context.Context, id uuid.UUID, lastError string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE platform_connections SET active = FALSE, last_error = $2, updated_at = $3
		WHERE id = $1`,
		id, lastError, now)
	return err
}

// Deactivate soft-disables the owner's connection for a platform. It reports
// whether an active connection was found.
func (r *ConnectionRepository) Deactivate(ctx context.Context, ownerID uuid.UUID, platform string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE platform_connections SET active = FALSE, updated_at = $3
		WHERE owner_id = $1 AND platform = $2 AND active`,
		ownerID, platform, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
