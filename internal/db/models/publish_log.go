package models

import (
	"time"

	"github.com/google/uuid"
)

// Publish log outcomes.
const (
	LogStatusSuccess = "success"
	LogStatusFailure = "failure"
)

// PublishLog is an immutable record of one publish attempt against one
// platform. Exactly one of ScheduleID and JobID is set.
type PublishLog struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	OwnerID        uuid.UUID  `db:"owner_id" json:"owner_id"`
	ScheduleID     *uuid.UUID `db:"schedule_id" json:"schedule_id,omitempty"`
	JobID          *uuid.UUID `db:"job_id" json:"job_id,omitempty"`
	Platform       string     `db:"platform" json:"platform"`
	Status         string     `db:"status" json:"status"`
	ExternalPostID *string    `db:"external_post_id" json:"external_post_id,omitempty"`
	Error          *string    `db:"error" json:"error,omitempty"`
	OccurredAt     time.Time  `db:"occurred_at" json:"occurred_at"`
}
