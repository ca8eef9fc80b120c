package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Job modes. API jobs are dispatched by the sweep; automation jobs are leased
// by external workers.
const (
	JobModeAPI        = "api"
	JobModeAutomation = "automation"
)

// Job statuses.
const (
	JobStatusDraft     = "draft"
	JobStatusQueued    = "queued"
	JobStatusLeased    = "leased"
	JobStatusPublished = "published"
	JobStatusFailed    = "failed"
)

// PublishJob is a single publish request. Terminal states are published and failed.
type PublishJob struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	OwnerID         uuid.UUID      `db:"owner_id" json:"owner_id"`
	Mode            string         `db:"mode" json:"mode"`
	AccountID       *uuid.UUID     `db:"account_id" json:"account_id,omitempty"`
	Platforms       pq.StringArray `db:"platforms" json:"platforms"`
	ContentText     string         `db:"content_text" json:"content_text"`
	MediaURLs       pq.StringArray `db:"media_urls" json:"media_urls"`
	FollowupComment *string        `db:"followup_comment" json:"followup_comment,omitempty"`
	Status          string         `db:"status" json:"status"`
	RetryCount      int            `db:"retry_count" json:"retry_count"`
	ScheduledAt     *time.Time     `db:"scheduled_at" json:"scheduled_at,omitempty"`
	LeasedAt        *time.Time     `db:"leased_at" json:"leased_at,omitempty"`
	LeaseExpiresAt  *time.Time     `db:"lease_expires_at" json:"lease_expires_at,omitempty"`
	// LeaseToken identifies the current lease. Only its holder may complete the job.
	LeaseToken      *uuid.UUID     `db:"lease_token" json:"-"`
	ExternalPostID  *string        `db:"external_post_id" json:"external_post_id,omitempty"`
	Error           *string        `db:"error" json:"error,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the job can no longer change state.
func (j *PublishJob) Terminal() bool {
	return j.Status == JobStatusPublished || j.Status == JobStatusFailed
}
