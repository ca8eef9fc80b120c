// Package models - audit_log.go defines the AuditLog model for recording
// security-relevant events: who did what to which resource, and from where.
package models

import "time"

// AuditLog represents an audit log entry for tracking user actions
type AuditLog struct {
	ID           string                 `json:"id"`
	UserID       *string                `json:"user_id,omitempty"`       // Nullable for system actions
	Action       string                 `json:"action"`                  // "connection.create", "schedule.delete", "job.enqueue"
	ResourceType *string                `json:"resource_type,omitempty"` // "connection", "schedule", "job", "automation_account"
	ResourceID   *string                `json:"resource_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"` // JSONB
	IPAddress    *string                `json:"ip_address,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
