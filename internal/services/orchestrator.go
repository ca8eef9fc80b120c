// Package services implements higher-level business logic that coordinates
// across repositories and external systems. The Orchestrator, for example,
// drives one publish sweep: it claims due schedules and one-off API jobs,
// resolves each owner's connection, dispatches through the platform adapter
// and records every attempt in the publish log.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/db/repositories"
	"github.com/relaypost/relaypost/internal/oauth"
	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/queue"
	"github.com/relaypost/relaypost/internal/ratelimit"
	"github.com/relaypost/relaypost/internal/schedule"
	"github.com/relaypost/relaypost/internal/telemetry"
)

const (
	DefaultConcurrency   = 4
	DefaultJobBatch      = 50
	DefaultJobLeaseTTL   = 10 * time.Minute
	errTemplateNotFound  = "content template not found"
	errMediaUnresolvable = "media could not be resolved"
)

// ScheduleSource hands out due schedules and advances them. It is
// implemented by *schedule.Engine.
type ScheduleSource interface {
	DueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error)
	Advance(ctx context.Context, s *models.Schedule, now time.Time) (*models.Schedule, error)
}

// TemplateStore loads templates by id.
type TemplateStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ContentTemplate, error)
}

// ConnectionStore resolves and disables connections.
type ConnectionStore interface {
	Get(ctx context.Context, ownerID uuid.UUID, platform string) (*models.Connection, error)
	MarkInactive(ctx context.Context, id uuid.UUID, lastError string, now time.Time) error
}

// TokenSource yields a usable plaintext access token. It is implemented by
// *oauth.Broker.
type TokenSource interface {
	AccessToken(ctx context.Context, conn *models.Connection, now time.Time) (string, error)
}

// Publisher sends content to a platform. It is implemented by
// *platform.Adapter.
type Publisher interface {
	Publish(ctx context.Context, kind platform.Kind, accessToken, accountID string, content platform.Content) (*platform.PublishResult, error)
}

// JobStore leases and completes one-off jobs.
type JobStore interface {
	Lease(ctx context.Context, mode string, limit int, now, leaseUntil time.Time, maxRetries int) ([]*models.PublishJob, error)
	Complete(ctx context.Context, id uuid.UUID, outcome repositories.JobOutcome, maxRetries int, now time.Time, logs ...*models.PublishLog) (*models.PublishJob, error)
}

// LogStore appends publish log entries.
type LogStore interface {
	Create(ctx context.Context, l *models.PublishLog) error
	SucceededPosts(ctx context.Context, jobID uuid.UUID) (map[string]string, error)
}

// Deps groups the collaborators of an Orchestrator.
type Deps struct {
	Schedules   ScheduleSource
	Templates   TemplateStore
	Connections ConnectionStore
	Tokens      TokenSource
	Publisher   Publisher
	Jobs        JobStore
	Logs        LogStore
	// Media resolves template and job media refs. Nil passes them through.
	Media   queue.MediaResolver
	Limiter ratelimit.Limiter
}

// Options tunes a sweep. Zero values take the defaults.
type Options struct {
	Concurrency int
	JobBatch    int
	JobLeaseTTL time.Duration
	Logger      *slog.Logger
}

// Orchestrator runs publish sweeps.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

// SweepResult summarises one sweep. Processed counts schedules and jobs;
// Succeeded and Failed count platform attempts.
type SweepResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type sweepCounters struct {
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
}

func (c *sweepCounters) result() SweepResult {
	return SweepResult{
		Processed: int(c.processed.Load()),
		Succeeded: int(c.succeeded.Load()),
		Failed:    int(c.failed.Load()),
	}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.JobBatch <= 0 {
		opts.JobBatch = DefaultJobBatch
	}
	if opts.JobLeaseTTL <= 0 {
		opts.JobLeaseTTL = DefaultJobLeaseTTL
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Unlimited{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{deps: deps, opts: opts, logger: logger.With("component", "orchestrator")}
}

// RunSweep dispatches every due schedule and due API job as of now.
// Automation jobs are left for external workers. Failures of individual
// items are logged and counted; an error is returned only when neither the
// schedules nor the jobs could be claimed.
func (o *Orchestrator) RunSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	defer func() { telemetry.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var counters sweepCounters

	schedules, schedErr := o.deps.Schedules.DueSchedules(ctx, now)
	if schedErr != nil {
		o.logger.Error("failed to claim due schedules", "error", schedErr)
	}
	jobs, jobErr := o.deps.Jobs.Lease(ctx, models.JobModeAPI, o.opts.JobBatch, now, now.Add(o.opts.JobLeaseTTL), queue.MaxRetries)
	if jobErr != nil {
		o.logger.Error("failed to lease api jobs", "error", jobErr)
	}
	if schedErr != nil && jobErr != nil {
		return SweepResult{}, fmt.Errorf("sweep: %w", errors.Join(schedErr, jobErr))
	}

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Concurrency)

	for _, s := range schedules {
		s := s
		g.Go(func() error {
			telemetry.SweepItemsTotal.WithLabelValues("schedule").Inc()
			counters.processed.Add(1)
			o.runSchedule(ctx, s, now, &counters)
			return nil
		})
	}
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			telemetry.SweepItemsTotal.WithLabelValues("job").Inc()
			counters.processed.Add(1)
			o.runJob(ctx, j, now, &counters)
			return nil
		})
	}
	_ = g.Wait()

	res := counters.result()
	o.logger.Info("sweep complete",
		"schedules", len(schedules),
		"jobs", len(jobs),
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"duration", time.Since(start),
	)
	return res, nil
}

func (o *Orchestrator) runSchedule(ctx context.Context, s *models.Schedule, now time.Time, counters *sweepCounters) {
	logger := o.logger.With("schedule_id", s.ID)
	scheduleID := s.ID

	content, reason := o.scheduleContent(ctx, s)
	for _, p := range s.Platforms {
		entry := &models.PublishLog{OwnerID: s.OwnerID, ScheduleID: &scheduleID, Platform: p}
		if reason != "" {
			o.record(ctx, entry, "", errors.New(reason), now, counters)
			continue
		}
		externalID, err := o.dispatch(ctx, s.OwnerID, p, content, now)
		o.record(ctx, entry, externalID, err, now, counters)
	}

	if _, err := o.deps.Schedules.Advance(ctx, s, now); err != nil {
		if errors.Is(err, schedule.ErrAlreadyAdvanced) {
			logger.Warn("schedule advanced by another sweep")
			return
		}
		logger.Error("failed to advance schedule", "error", err)
	}
}

// scheduleContent builds the post for a schedule. A non-empty reason means
// every platform fails with it.
func (o *Orchestrator) scheduleContent(ctx context.Context, s *models.Schedule) (platform.Content, string) {
	tmpl, err := o.deps.Templates.GetByID(ctx, s.TemplateID)
	if err != nil {
		o.logger.Error("failed to load template", "schedule_id", s.ID, "template_id", s.TemplateID, "error", err)
		return platform.Content{}, errTemplateNotFound
	}
	if tmpl == nil {
		return platform.Content{}, errTemplateNotFound
	}

	media, err := o.resolveMedia(ctx, tmpl.MediaRefs)
	if err != nil {
		o.logger.Error("failed to resolve template media", "schedule_id", s.ID, "error", err)
		return platform.Content{}, errMediaUnresolvable
	}

	content := platform.Content{Text: tmpl.Body, MediaURLs: media}
	if tmpl.FollowupComment != nil {
		content.FollowupComment = *tmpl.FollowupComment
	}
	return content, ""
}

func (o *Orchestrator) runJob(ctx context.Context, j *models.PublishJob, now time.Time, counters *sweepCounters) {
	logger := o.logger.With("job_id", j.ID)
	jobID := j.ID

	done, err := o.deps.Logs.SucceededPosts(ctx, j.ID)
	if err != nil {
		// Leave the lease to expire rather than risk a double post.
		logger.Error("failed to load prior attempts", "error", err)
		return
	}

	var content platform.Content
	media, mediaErr := o.resolveMedia(ctx, j.MediaURLs)
	if mediaErr != nil {
		logger.Error("failed to resolve job media", "error", mediaErr)
	} else {
		content = platform.Content{Text: j.ContentText, MediaURLs: media}
		if j.FollowupComment != nil {
			content.FollowupComment = *j.FollowupComment
		}
	}

	var (
		postIDs   []string
		failures  []string
		permanent = true
	)
	for _, p := range j.Platforms {
		if prior, ok := done[p]; ok {
			postIDs = append(postIDs, p+":"+prior)
			continue
		}
		entry := &models.PublishLog{OwnerID: j.OwnerID, JobID: &jobID, Platform: p}
		var externalID string
		var dispatchErr error
		if mediaErr != nil {
			dispatchErr = errors.New(errMediaUnresolvable)
		} else {
			externalID, dispatchErr = o.dispatch(ctx, j.OwnerID, p, content, now)
		}
		o.record(ctx, entry, externalID, dispatchErr, now, counters)
		if dispatchErr != nil {
			failures = append(failures, p+": "+dispatchErr.Error())
			permanent = permanent && isTerminal(dispatchErr)
			continue
		}
		postIDs = append(postIDs, p+":"+externalID)
	}

	outcome := repositories.JobOutcome{Success: len(failures) == 0}
	if j.LeaseToken != nil {
		outcome.LeaseToken = *j.LeaseToken
	}
	switch {
	case len(postIDs) == 1 && len(j.Platforms) == 1:
		id := strings.TrimPrefix(postIDs[0], j.Platforms[0]+":")
		outcome.ExternalPostID = &id
	case len(postIDs) > 0:
		ids := strings.Join(postIDs, ",")
		outcome.ExternalPostID = &ids
	}
	if len(failures) > 0 {
		msg := strings.Join(failures, "; ")
		outcome.Error = &msg
		outcome.Terminal = permanent
	}

	updated, err := o.deps.Jobs.Complete(ctx, j.ID, outcome, queue.MaxRetries, now)
	if err != nil {
		logger.Error("failed to record job outcome", "error", err)
		return
	}
	if updated == nil {
		logger.Warn("job lease lost before completion")
		return
	}
	logger.Info("job dispatched", "status", updated.Status, "retry_count", updated.RetryCount)
}

// dispatch publishes content to one platform on the owner's connection and
// returns the external post id.
func (o *Orchestrator) dispatch(ctx context.Context, ownerID uuid.UUID, name string, content platform.Content, now time.Time) (string, error) {
	kind, err := platform.ParseKind(name)
	if err != nil {
		return "", err
	}
	conn, err := o.deps.Connections.Get(ctx, ownerID, name)
	if err != nil {
		return "", fmt.Errorf("load connection: %w", err)
	}
	if conn == nil || !conn.Active {
		return "", oauth.ErrNotConnected
	}

	token, err := o.deps.Tokens.AccessToken(ctx, conn, now)
	if err != nil {
		return "", err
	}
	if err := o.deps.Limiter.Wait(ctx, name); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	res, err := o.deps.Publisher.Publish(ctx, kind, token, conn.PlatformAccountID, content)
	telemetry.PublishDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, platform.ErrAuthExpired) {
			if markErr := o.deps.Connections.MarkInactive(ctx, conn.ID, err.Error(), now); markErr != nil {
				o.logger.Error("failed to mark connection inactive", "connection_id", conn.ID, "error", markErr)
			}
		}
		return "", err
	}
	if res.FollowupErr != nil {
		o.logger.Warn("followup comment failed", "platform", name, "post_id", res.ExternalPostID, "error", res.FollowupErr)
	}
	return res.ExternalPostID, nil
}

// record finishes entry with the attempt's outcome, appends it to the
// publish log and updates the counters.
func (o *Orchestrator) record(ctx context.Context, entry *models.PublishLog, externalID string, err error, now time.Time, counters *sweepCounters) {
	entry.ID = uuid.New()
	entry.OccurredAt = now
	if err != nil {
		msg := err.Error()
		entry.Status = models.LogStatusFailure
		entry.Error = &msg
		counters.failed.Add(1)
		telemetry.PublishAttemptsTotal.WithLabelValues(entry.Platform, failureClass(err)).Inc()
		o.logger.Warn("publish failed", "platform", entry.Platform, "owner_id", entry.OwnerID, "error", err)
	} else {
		entry.Status = models.LogStatusSuccess
		entry.ExternalPostID = &externalID
		counters.succeeded.Add(1)
		telemetry.PublishAttemptsTotal.WithLabelValues(entry.Platform, "success").Inc()
	}
	if logErr := o.deps.Logs.Create(ctx, entry); logErr != nil {
		o.logger.Error("failed to write publish log", "platform", entry.Platform, "error", logErr)
	}
}

func (o *Orchestrator) resolveMedia(ctx context.Context, refs []string) ([]string, error) {
	if len(refs) == 0 || o.deps.Media == nil {
		return refs, nil
	}
	return o.deps.Media.ResolveAll(ctx, refs)
}

// isTerminal reports whether retrying the same content can never succeed:
// the platform refused it outright or does not exist. Auth, connection,
// media and infrastructure failures stay on the retry budget since an
// operator can fix them between attempts.
func isTerminal(err error) bool {
	if platform.IsRetryable(err) {
		return false
	}
	return errors.Is(err, platform.ErrPermanentRejection) || errors.Is(err, platform.ErrUnknownPlatform)
}

// failureClass maps an error onto the publish_attempts_total status label.
func failureClass(err error) string {
	switch {
	case errors.Is(err, platform.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, platform.ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, platform.ErrPermanentRejection):
		return "rejected"
	case errors.Is(err, platform.ErrTransientFailure):
		return "transient"
	case errors.Is(err, oauth.ErrNotConnected):
		return "not_connected"
	default:
		return "error"
	}
}
