// Package connections implements the HTTP handlers that link, refresh and
// revoke an owner's platform accounts through the OAuth broker.
package connections

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/middleware"
	"github.com/relaypost/relaypost/internal/oauth"
	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/telemetry"
)

// Broker is the subset of oauth.Broker the handlers use.
type Broker interface {
	BeginAuthorization(ctx context.Context, ownerID uuid.UUID, kind platform.Kind, now time.Time) (string, error)
	CompleteAuthorization(ctx context.Context, ownerID uuid.UUID, kind platform.Kind, code, state string, now time.Time) (*models.Connection, error)
	Refresh(ctx context.Context, conn *models.Connection, now time.Time) (*models.Connection, error)
	Revoke(ctx context.Context, ownerID uuid.UUID, kind platform.Kind, now time.Time) error
	ListConnections(ctx context.Context, ownerID uuid.UUID) ([]*models.Connection, error)
	Connection(ctx context.Context, ownerID uuid.UUID, kind platform.Kind) (*models.Connection, error)
}

// Handlers serves /api/v1/connections.
type Handlers struct {
	broker Broker
	appURL string
	now    func() time.Time
}

// NewHandlers creates connection handlers. appURL is the front-end page
// the OAuth callback redirects to.
func NewHandlers(broker Broker, appURL string) *Handlers {
	return &Handlers{
		broker: broker,
		appURL: appURL,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func ownerAndKind(c *gin.Context) (uuid.UUID, platform.Kind, bool) {
	owner, ok := middleware.GetOwnerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return uuid.Nil, "", false
	}
	kind, err := platform.ParseKind(c.Param("platform"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return uuid.Nil, "", false
	}
	return owner, kind, true
}

// List returns the owner's connections. Token ciphertexts never leave the
// server; the model omits them from JSON.
// GET /api/v1/connections
func (h *Handlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := middleware.GetOwnerID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
			return
		}
		conns, err := h.broker.ListConnections(c.Request.Context(), owner)
		if err != nil {
			slog.Error("failed to list connections", "owner_id", owner, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list connections"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"connections": conns})
	}
}

// Authorize starts an OAuth flow and returns the platform's consent URL.
// GET /api/v1/connections/:platform/authorize
func (h *Handlers) Authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, kind, ok := ownerAndKind(c)
		if !ok {
			return
		}
		url, err := h.broker.BeginAuthorization(c.Request.Context(), owner, kind, h.now())
		if err != nil {
			if errors.Is(err, platform.ErrPlatformUnavailable) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Platform is not configured"})
				return
			}
			slog.Error("failed to begin authorization", "platform", kind, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start authorization"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"authorization_url": url})
	}
}

// Callback completes an OAuth flow and redirects the browser back to the
// app with ?connected= or ?error=.
// GET /api/v1/connections/:platform/callback
func (h *Handlers) Callback() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, kind, ok := ownerAndKind(c)
		if !ok {
			return
		}

		var (
			conn *models.Connection
			err  error
		)
		if denied := c.Query("error"); denied != "" {
			err = &oauth.TokenExchangeError{Platform: kind, Op: "authorize", Reason: denied}
		} else {
			conn, err = h.broker.CompleteAuthorization(c.Request.Context(), owner, kind, c.Query("code"), c.Query("state"), h.now())
		}

		if err != nil {
			telemetry.OAuthFlowsTotal.WithLabelValues(string(kind), flowResult(err)).Inc()
			slog.Warn("oauth callback failed", "platform", kind, "owner_id", owner, "error", err)
			c.Redirect(http.StatusFound, oauth.CompletionURL(h.appURL, kind, err))
			return
		}

		telemetry.OAuthFlowsTotal.WithLabelValues(string(kind), "success").Inc()
		middleware.SetAudit(c, "connection.connect", "connection", conn.ID.String(), map[string]interface{}{
			"platform":   string(kind),
			"account_id": conn.PlatformAccountID,
		})
		c.Redirect(http.StatusFound, oauth.CompletionURL(h.appURL, kind, nil))
	}
}

func flowResult(err error) string {
	var exch *oauth.TokenExchangeError
	switch {
	case errors.Is(err, oauth.ErrStateExpired):
		return "state_expired"
	case errors.Is(err, oauth.ErrStateMismatch):
		return "state_mismatch"
	case errors.As(err, &exch):
		return "exchange_failed"
	default:
		return "error"
	}
}

// Refresh renews a connection's access token on demand.
// POST /api/v1/connections/:platform/refresh
func (h *Handlers) Refresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, kind, ok := ownerAndKind(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		conn, err := h.broker.Connection(ctx, owner, kind)
		if err != nil {
			slog.Error("failed to load connection", "platform", kind, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load connection"})
			return
		}
		if conn == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Platform is not connected"})
			return
		}

		updated, err := h.broker.Refresh(ctx, conn, h.now())
		switch {
		case err == nil:
			c.JSON(http.StatusOK, gin.H{"connection": updated})
		case errors.Is(err, platform.ErrRefreshUnsupported):
			c.JSON(http.StatusConflict, gin.H{"error": "This platform's tokens do not expire"})
		case errors.Is(err, platform.ErrAuthExpired):
			c.JSON(http.StatusConflict, gin.H{"error": oauth.UserMessage(kind, err)})
		default:
			slog.Error("failed to refresh connection", "platform", kind, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": oauth.UserMessage(kind, err)})
		}
	}
}

// Revoke disconnects a platform.
// DELETE /api/v1/connections/:platform
func (h *Handlers) Revoke() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, kind, ok := ownerAndKind(c)
		if !ok {
			return
		}
		err := h.broker.Revoke(c.Request.Context(), owner, kind, h.now())
		if errors.Is(err, oauth.ErrNotConnected) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Platform is not connected"})
			return
		}
		if err != nil {
			slog.Error("failed to revoke connection", "platform", kind, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to revoke connection"})
			return
		}
		middleware.SetAudit(c, "connection.revoke", "connection", "", map[string]interface{}{
			"platform": string(kind),
		})
		c.Status(http.StatusNoContent)
	}
}
