package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/middleware"
	"github.com/relaypost/relaypost/internal/platform"
)

// AccountStore is implemented by repositories.AutomationAccountRepository.
type AccountStore interface {
	Create(ctx context.Context, a *models.AutomationAccount) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.AutomationAccount, error)
}

// Sealer encrypts secrets at rest. It is implemented by crypto.Vault.
type Sealer interface {
	SealString(plaintext string) (string, error)
}

// CreateAccountRequest is the body of POST /api/v1/automation-accounts.
type CreateAccountRequest struct {
	Platform string `json:"platform" binding:"required"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// CreateAccount stores an automation login. The password is sealed before
// it reaches the database and is never returned.
// POST /api/v1/automation-accounts
func (h *Handlers) CreateAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		var req CreateAccountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
			return
		}
		kind, err := platform.ParseKind(req.Platform)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		sealed, err := h.vault.SealString(req.Password)
		if err != nil {
			slog.Error("failed to seal automation secret", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store account"})
			return
		}

		now := h.now()
		acct := &models.AutomationAccount{
			ID:               uuid.New(),
			OwnerID:          owner,
			Platform:         string(kind),
			Username:         strings.TrimSpace(req.Username),
			SecretCiphertext: sealed,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := h.accounts.Create(c.Request.Context(), acct); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				c.JSON(http.StatusConflict, gin.H{"error": "An account with this username already exists for the platform"})
				return
			}
			slog.Error("failed to create automation account", "owner_id", owner, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store account"})
			return
		}

		middleware.SetAudit(c, "automation_account.create", "automation_account", acct.ID.String(), map[string]interface{}{
			"platform": acct.Platform,
			"username": acct.Username,
		})
		c.JSON(http.StatusCreated, acct)
	}
}

// ListAccounts returns the owner's automation accounts without secrets.
// GET /api/v1/automation-accounts
func (h *Handlers) ListAccounts() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		accounts, err := h.accounts.ListByOwner(c.Request.Context(), owner)
		if err != nil {
			slog.Error("failed to list automation accounts", "owner_id", owner, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list accounts"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"accounts": accounts})
	}
}
