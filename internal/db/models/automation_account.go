package models

import (
	"time"

	"github.com/google/uuid"
)

// AutomationAccount holds login credentials used by browser-automation workers.
type AutomationAccount struct {
	ID               uuid.UUID `db:"id" json:"id"`
	OwnerID          uuid.UUID `db:"owner_id" json:"owner_id"`
	Platform         string    `db:"platform" json:"platform"`
	Username         string    `db:"username" json:"username"`
	SecretCiphertext string    `db:"secret_ciphertext" json:"-"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}
