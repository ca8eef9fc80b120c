// audit.go provides Gin middleware that records security-relevant actions to
// the audit log. Handlers mark the action with SetAudit once it has happened;
// requests that mark nothing are not recorded.
package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/safego"
)

const auditKey = "audit_event"

// AuditRecorder persists audit entries. It is implemented by
// repositories.AuditRepository.
type AuditRecorder interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type auditEvent struct {
	action       string
	resourceType string
	resourceID   string
	metadata     map[string]interface{}
}

// SetAudit marks the current request for an audit entry.
func SetAudit(c *gin.Context, action, resourceType, resourceID string, metadata map[string]interface{}) {
	c.Set(auditKey, &auditEvent{
		action:       action,
		resourceType: resourceType,
		resourceID:   resourceID,
		metadata:     metadata,
	})
}

// AuditMiddleware writes one audit entry per marked request. The write is
// asynchronous and never affects the response.
func AuditMiddleware(recorder AuditRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		v, ok := c.Get(auditKey)
		if !ok || recorder == nil {
			return
		}
		ev := v.(*auditEvent)

		ip := c.ClientIP()
		entry := &models.AuditLog{
			Action:    ev.action,
			IPAddress: &ip,
			CreatedAt: time.Now().UTC(),
		}
		if ev.resourceType != "" {
			rt := ev.resourceType
			entry.ResourceType = &rt
		}
		if ev.resourceID != "" {
			rid := ev.resourceID
			entry.ResourceID = &rid
		}
		if owner, ok := GetOwnerID(c); ok {
			uid := owner.String()
			entry.UserID = &uid
		}

		metadata := make(map[string]interface{}, len(ev.metadata)+2)
		for k, val := range ev.metadata {
			metadata[k] = val
		}
		if method, ok := c.Get(AuthMethodKey); ok {
			metadata["auth_method"] = method
		}
		metadata["status_code"] = c.Writer.Status()
		entry.Metadata = metadata

		safego.Go("audit-write", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := recorder.CreateAuditLog(ctx, entry); err != nil {
				slog.Error("failed to write audit log", "action", entry.Action, "error", err)
			}
		})
	}
}
