// Package queue implements the publish job queue and the contract with
// external browser-automation workers: workers lease ready jobs, receive the
// decrypted account credentials with each lease, and report one outcome per
// job.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaypost/relaypost/internal/crypto"
	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/db/repositories"
	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/telemetry"
)

// MaxRetries bounds failed attempts per job. It is shared by the lease filter
// and the report bookkeeping so the two can never disagree.
const MaxRetries = 3

const (
	DefaultLeaseTTL = 15 * time.Minute
	DefaultMaxBatch = 50
)

var (
	ErrJobNotFound             = errors.New("queue: job not found")
	ErrJobNotLeased            = errors.New("queue: job is not leased")
	ErrNotEligible             = errors.New("queue: job cannot be enqueued from its current status")
	ErrInvalidMode             = errors.New("queue: mode must be api or automation")
	ErrNoPlatforms             = errors.New("queue: at least one platform is required")
	ErrAccountRequired         = errors.New("queue: automation jobs require an account")
	ErrAccountNotAllowed       = errors.New("queue: api jobs do not take an account")
	ErrAccountNotFound         = errors.New("queue: automation account not found")
	ErrAccountPlatformMismatch = errors.New("queue: automation jobs target exactly the account's platform")
)

// Store persists jobs. It is implemented by repositories.JobRepository.
type Store interface {
	Create(ctx context.Context, j *models.PublishJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PublishJob, error)
	GetForOwner(ctx context.Context, ownerID, id uuid.UUID) (*models.PublishJob, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*models.PublishJob, error)
	Enqueue(ctx context.Context, ownerID, id uuid.UUID, now time.Time) (*models.PublishJob, error)
	Lease(ctx context.Context, mode string, limit int, now, leaseUntil time.Time, maxRetries int) ([]*models.PublishJob, error)
	Complete(ctx context.Context, id uuid.UUID, outcome repositories.JobOutcome, maxRetries int, now time.Time, logs ...*models.PublishLog) (*models.PublishJob, error)
}

// AccountStore resolves automation accounts.
type AccountStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.AutomationAccount, error)
	GetForOwner(ctx context.Context, ownerID, id uuid.UUID) (*models.AutomationAccount, error)
}

// MediaResolver turns stored media refs into URLs a worker can fetch.
type MediaResolver interface {
	ResolveAll(ctx context.Context, refs []string) ([]string, error)
}

// Credentials are the plaintext login for an automation account. They exist
// only in a lease response.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LeasedJob is what a worker receives for one leased job.
type LeasedJob struct {
	ID             uuid.UUID        `json:"id"`
	LeaseToken     uuid.UUID        `json:"lease_token"`
	Platform       string           `json:"platform"`
	Content        platform.Content `json:"content"`
	Account        Credentials      `json:"account"`
	RetryCount     int              `json:"retry_count"`
	LeaseExpiresAt time.Time        `json:"lease_expires_at"`
}

// Outcome is a worker's report for one job. LeaseToken must echo the token
// of the lease the worker holds.
type Outcome struct {
	JobID          uuid.UUID `json:"job_id"`
	LeaseToken     uuid.UUID `json:"lease_token"`
	Success        bool      `json:"success"`
	ExternalPostID string    `json:"external_post_id,omitempty"`
	Error          string    `json:"error,omitempty"`
	// Permanent marks a failure that no retry can fix, such as a suspended
	// account. The job fails without consuming the rest of its retries.
	Permanent      bool      `json:"permanent,omitempty"`
}

// Options tunes a Queue. Zero values take the defaults.
type Options struct {
	LeaseTTL time.Duration
	MaxBatch int
	Media    MediaResolver
	Logger   *slog.Logger
}

// Queue hands automation jobs to workers and records their outcomes.
type Queue struct {
	jobs     Store
	accounts AccountStore
	vault    *crypto.Vault
	media    MediaResolver
	leaseTTL time.Duration
	maxBatch int
	logger   *slog.Logger
}

// New creates a Queue.
func New(jobs Store, accounts AccountStore, vault *crypto.Vault, opts Options) *Queue {
	q := &Queue{
		jobs:     jobs,
		accounts: accounts,
		vault:    vault,
		media:    opts.Media,
		leaseTTL: opts.LeaseTTL,
		maxBatch: opts.MaxBatch,
		logger:   opts.Logger,
	}
	if q.leaseTTL <= 0 {
		q.leaseTTL = DefaultLeaseTTL
	}
	if q.maxBatch <= 0 {
		q.maxBatch = DefaultMaxBatch
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	return q
}

// CreateInput describes a new job.
type CreateInput struct {
	Mode            string     `json:"mode"`
	Platforms       []string   `json:"platforms"`
	Text            string     `json:"text"`
	MediaURLs       []string   `json:"media_urls"`
	FollowupComment *string    `json:"followup_comment"`
	AccountID       *uuid.UUID `json:"account_id"`
	ScheduledAt     *time.Time `json:"scheduled_at"`
	// Enqueue creates the job queued instead of draft.
	Enqueue bool `json:"enqueue"`
}

// Create validates and stores a job for the owner.
func (q *Queue) Create(ctx context.Context, ownerID uuid.UUID, in CreateInput, now time.Time) (*models.PublishJob, error) {
	mode := in.Mode
	if mode == "" {
		mode = models.JobModeAPI
	}
	if mode != models.JobModeAPI && mode != models.JobModeAutomation {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, in.Mode)
	}

	platforms := in.Platforms
	if mode == models.JobModeAutomation {
		if in.AccountID == nil {
			return nil, ErrAccountRequired
		}
		acct, err := q.accounts.GetForOwner(ctx, ownerID, *in.AccountID)
		if err != nil {
			return nil, fmt.Errorf("failed to load automation account: %w", err)
		}
		if acct == nil {
			return nil, ErrAccountNotFound
		}
		if len(platforms) == 0 {
			platforms = []string{acct.Platform}
		}
		if len(platforms) != 1 || platforms[0] != acct.Platform {
			return nil, ErrAccountPlatformMismatch
		}
	} else if in.AccountID != nil {
		return nil, ErrAccountNotAllowed
	}
	if len(platforms) == 0 {
		return nil, ErrNoPlatforms
	}

	content := platform.Content{Text: in.Text, MediaURLs: in.MediaURLs}
	if in.FollowupComment != nil {
		content.FollowupComment = *in.FollowupComment
	}
	for _, name := range platforms {
		kind, err := platform.ParseKind(name)
		if err != nil {
			return nil, err
		}
		spec, err := platform.Lookup(kind)
		if err != nil {
			return nil, err
		}
		if err := spec.ValidateContent(content); err != nil {
			return nil, err
		}
	}

	status := models.JobStatusDraft
	if in.Enqueue {
		status = models.JobStatusQueued
	}
	media := in.MediaURLs
	if media == nil {
		media = []string{}
	}
	job := &models.PublishJob{
		ID:              uuid.New(),
		OwnerID:         ownerID,
		Mode:            mode,
		AccountID:       in.AccountID,
		Platforms:       pq.StringArray(platforms),
		ContentText:     in.Text,
		MediaURLs:       pq.StringArray(media),
		FollowupComment: in.FollowupComment,
		Status:          status,
		ScheduledAt:     in.ScheduledAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := q.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// Get returns the owner's job.
func (q *Queue) Get(ctx context.Context, ownerID, id uuid.UUID) (*models.PublishJob, error) {
	job, err := q.jobs.GetForOwner(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns the owner's jobs, optionally filtered by status.
func (q *Queue) List(ctx context.Context, ownerID uuid.UUID, status string, limit, offset int) ([]*models.PublishJob, error) {
	return q.jobs.ListByOwner(ctx, ownerID, status, limit, offset)
}

// Enqueue makes the owner's draft, failed or queued job ready with a fresh
// retry budget and no recorded error.
func (q *Queue) Enqueue(ctx context.Context, ownerID, id uuid.UUID, now time.Time) (*models.PublishJob, error) {
	job, err := q.jobs.Enqueue(ctx, ownerID, id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	if job != nil {
		return job, nil
	}
	existing, err := q.jobs.GetForOwner(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrJobNotFound
	}
	return nil, fmt.Errorf("%w: %s", ErrNotEligible, existing.Status)
}

// Lease claims up to limit ready automation jobs for a worker. Account
// credentials are decrypted here and nowhere else; a job whose credential
// cannot be opened is failed through Report and left out of the result.
func (q *Queue) Lease(ctx context.Context, limit int, now time.Time) ([]LeasedJob, error) {
	if limit <= 0 || limit > q.maxBatch {
		limit = q.maxBatch
	}

	jobs, err := q.jobs.Lease(ctx, models.JobModeAutomation, limit, now, now.Add(q.leaseTTL), MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to lease jobs: %w", err)
	}

	leased := make([]LeasedJob, 0, len(jobs))
	for _, job := range jobs {
		lj, err := q.prepare(ctx, job)
		if err != nil {
			q.logger.Error("failed to prepare leased job",
				"job_id", job.ID, "retry_count", job.RetryCount, "error", err)
			out := Outcome{JobID: job.ID, Error: err.Error()}
			if job.LeaseToken != nil {
				out.LeaseToken = *job.LeaseToken
			}
			if _, rerr := q.Report(ctx, out, now); rerr != nil {
				q.logger.Error("failed to report unpreparable job", "job_id", job.ID, "error", rerr)
			}
			continue
		}
		leased = append(leased, lj)
	}

	telemetry.JobsLeasedTotal.Add(float64(len(leased)))
	return leased, nil
}

func (q *Queue) prepare(ctx context.Context, job *models.PublishJob) (LeasedJob, error) {
	if job.AccountID == nil {
		return LeasedJob{}, ErrAccountRequired
	}
	acct, err := q.accounts.GetByID(ctx, *job.AccountID)
	if err != nil {
		return LeasedJob{}, fmt.Errorf("load account: %w", err)
	}
	if acct == nil {
		return LeasedJob{}, ErrAccountNotFound
	}
	password, err := q.vault.OpenString(acct.SecretCiphertext)
	if err != nil {
		return LeasedJob{}, err
	}

	media := []string(job.MediaURLs)
	if q.media != nil && len(media) > 0 {
		if media, err = q.media.ResolveAll(ctx, media); err != nil {
			return LeasedJob{}, fmt.Errorf("resolve media: %w", err)
		}
	}
	content := platform.Content{Text: job.ContentText, MediaURLs: media}
	if job.FollowupComment != nil {
		content.FollowupComment = *job.FollowupComment
	}

	lj := LeasedJob{
		ID:         job.ID,
		Platform:   acct.Platform,
		Content:    content,
		Account:    Credentials{Username: acct.Username, Password: password},
		RetryCount: job.RetryCount,
	}
	if job.LeaseExpiresAt != nil {
		lj.LeaseExpiresAt = *job.LeaseExpiresAt
	}
	if job.LeaseToken != nil {
		lj.LeaseToken = *job.LeaseToken
	}
	return lj, nil
}

// Report applies a worker's outcome to a leased job and appends its publish
// log. Reports for jobs that are not leased under out.LeaseToken return
// ErrJobNotLeased and change nothing. That covers repeats after a worker
// restart and late reports from a worker whose lease expired and was taken
// over.
func (q *Queue) Report(ctx context.Context, out Outcome, now time.Time) (*models.PublishJob, error) {
	job, err := q.jobs.GetByID(ctx, out.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	if job.Status != models.JobStatusLeased {
		return nil, fmt.Errorf("%w: status %s", ErrJobNotLeased, job.Status)
	}
	if job.LeaseToken == nil || *job.LeaseToken != out.LeaseToken {
		return nil, fmt.Errorf("%w: lease superseded", ErrJobNotLeased)
	}

	var (
		outcome = repositories.JobOutcome{LeaseToken: out.LeaseToken}
		entry   = &models.PublishLog{
			ID:         uuid.New(),
			OwnerID:    job.OwnerID,
			JobID:      &job.ID,
			OccurredAt: now,
		}
	)
	if len(job.Platforms) > 0 {
		entry.Platform = job.Platforms[0]
	}
	label := "success"
	if out.Success {
		outcome.Success = true
		outcome.ExternalPostID = nonEmpty(out.ExternalPostID)
		entry.Status = models.LogStatusSuccess
		entry.ExternalPostID = outcome.ExternalPostID
	} else {
		msg := out.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		outcome.Error = &msg
		outcome.Terminal = out.Permanent
		entry.Status = models.LogStatusFailure
		entry.Error = &msg
		label = "failure"
	}

	updated, err := q.jobs.Complete(ctx, job.ID, outcome, MaxRetries, now, entry)
	if err != nil {
		return nil, fmt.Errorf("failed to record outcome: %w", err)
	}
	if updated == nil {
		// Lost a race with another report or a lease takeover.
		return nil, ErrJobNotLeased
	}

	if updated.Status == models.JobStatusFailed {
		label = "exhausted"
	}
	telemetry.JobReportsTotal.WithLabelValues(label).Inc()
	q.logger.Info("job outcome recorded",
		"job_id", updated.ID, "status", updated.Status, "retry_count", updated.RetryCount)
	return updated, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
