package models

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Connection.Expired
// ---------------------------------------------------------------------------

func TestConnection_Expired(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{"no expiry", nil, false},
		{"past", &past, true},
		{"exactly now", &now, true},
		{"future", &future, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Connection{ExpiresAt: tt.expiresAt}
			if got := c.Expired(now); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Schedule.Interval
// ---------------------------------------------------------------------------

func TestSchedule_Interval(t *testing.T) {
	tests := []struct {
		unit     string
		interval int
		want     time.Duration
	}{
		{RecurrenceHours, 6, 6 * time.Hour},
		{RecurrenceDays, 1, 24 * time.Hour},
		{RecurrenceDays, 7, 7 * 24 * time.Hour},
		{"weeks", 1, 0},
	}
	for _, tt := range tests {
		s := &Schedule{RecurrenceUnit: tt.unit, RecurrenceInterval: tt.interval}
		if got := s.Interval(); got != tt.want {
			t.Errorf("Interval(%s, %d) = %v, want %v", tt.unit, tt.interval, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// PublishJob.Terminal
// ---------------------------------------------------------------------------

func TestPublishJob_Terminal(t *testing.T) {
	for status, want := range map[string]bool{
		JobStatusDraft:     false,
		JobStatusQueued:    false,
		JobStatusLeased:    false,
		JobStatusPublished: true,
		JobStatusFailed:    true,
	} {
		j := &PublishJob{Status: status}
		if got := j.Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}
