package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Recurrence units accepted by schedules.
const (
	RecurrenceHours = "hours"
	RecurrenceDays  = "days"
)

// Schedule repeats a template on a fixed interval.
type Schedule struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	OwnerID            uuid.UUID      `db:"owner_id" json:"owner_id"`
	TemplateID         uuid.UUID      `db:"template_id" json:"template_id"`
	Platforms          pq.StringArray `db:"platforms" json:"platforms"`
	RecurrenceUnit     string         `db:"recurrence_unit" json:"recurrence_unit"`
	RecurrenceInterval int            `db:"recurrence_interval" json:"recurrence_interval"`
	StartAt            time.Time      `db:"start_at" json:"start_at"`
	EndAt              *time.Time     `db:"end_at" json:"end_at,omitempty"`
	NextRunAt          time.Time      `db:"next_run_at" json:"next_run_at"`
	Active             bool           `db:"active" json:"active"`
	RunCount           int            `db:"run_count" json:"run_count"`
	LastRunAt          *time.Time     `db:"last_run_at" json:"last_run_at,omitempty"`
	ClaimedUntil       *time.Time     `db:"claimed_until" json:"-"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
}

// Interval returns the recurrence period, or zero for an unknown unit.
func (s *Schedule) Interval() time.Duration {
	switch s.RecurrenceUnit {
	case RecurrenceHours:
		return time.Duration(s.RecurrenceInterval) * time.Hour
	case RecurrenceDays:
		return time.Duration(s.RecurrenceInterval) * 24 * time.Hour
	default:
		return 0
	}
}
