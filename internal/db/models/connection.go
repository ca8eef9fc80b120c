// Package models - connection.go defines the Connection model: an owner's
// stored OAuth credentials and profile snapshot for one platform.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection is an authorized link between an owner and a platform account.
// AccessToken and RefreshToken are vault-sealed ciphertext.
type Connection struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	OwnerID           uuid.UUID  `db:"owner_id" json:"owner_id"`
	Platform          string     `db:"platform" json:"platform"`
	AccessToken       string     `db:"access_token" json:"-"`
	RefreshToken      *string    `db:"refresh_token" json:"-"`
	ExpiresAt         *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	PlatformAccountID string     `db:"platform_account_id" json:"platform_account_id"`
	Username          string     `db:"username" json:"username"`
	DisplayName       string     `db:"display_name" json:"display_name"`
	AvatarURL         *string    `db:"avatar_url" json:"avatar_url,omitempty"`
	Active            bool       `db:"active" json:"active"`
	LastError         *string    `db:"last_error" json:"last_error,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Expired reports whether the access token has a known expiry at or before now.
func (c *Connection) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}
