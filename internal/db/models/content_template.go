package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ContentTemplate is reusable post content referenced by schedules.
type ContentTemplate struct {
	ID              uuid.UUID      `db:"id" json:"id"`
	OwnerID         uuid.UUID      `db:"owner_id" json:"owner_id"`
	Title           string         `db:"title" json:"title"`
	Body            string         `db:"body" json:"body"`
	MediaRefs       pq.StringArray `db:"media_refs" json:"media_refs"`
	TargetPlatforms pq.StringArray `db:"target_platforms" json:"target_platforms"`
	FollowupComment *string        `db:"followup_comment" json:"followup_comment,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"created_at"`
}
