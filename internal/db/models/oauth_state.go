package models

import (
	"time"

	"github.com/google/uuid"
)

// OAuthState is a pending authorization redirect. It is deleted on first use.
type OAuthState struct {
	StateNonce   string    `db:"state_nonce"`
	OwnerID      uuid.UUID `db:"owner_id"`
	Platform     string    `db:"platform"`
	PKCEVerifier *string   `db:"pkce_verifier"`
	CreatedAt    time.Time `db:"created_at"`
	ExpiresAt    time.Time `db:"expires_at"`
}
