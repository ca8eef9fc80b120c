package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/db/repositories"
	"github.com/relaypost/relaypost/internal/oauth"
	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/schedule"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type scheduleStore struct {
	mu        sync.Mutex
	schedules map[uuid.UUID]*models.Schedule
}

func (s *scheduleStore) Create(_ context.Context, sch *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sch
	s.schedules[sch.ID] = &cp
	return nil
}

func (s *scheduleStore) GetForOwner(_ context.Context, ownerID, id uuid.UUID) (*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok || sch.OwnerID != ownerID {
		return nil, nil
	}
	cp := *sch
	return &cp, nil
}

func (s *scheduleStore) ListByOwner(context.Context, uuid.UUID) ([]*models.Schedule, error) {
	return nil, nil
}

func (s *scheduleStore) ClaimDue(_ context.Context, now, claimUntil time.Time, limit int) ([]*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Schedule
	for _, sch := range s.schedules {
		if len(out) >= limit {
			break
		}
		if !sch.Active || sch.NextRunAt.After(now) {
			continue
		}
		if sch.EndAt != nil && sch.EndAt.Before(now) {
			continue
		}
		if sch.ClaimedUntil != nil && sch.ClaimedUntil.After(now) {
			continue
		}
		until := claimUntil
		sch.ClaimedUntil = &until
		cp := *sch
		out = append(out, &cp)
	}
	return out, nil
}

func (s *scheduleStore) SaveAdvance(_ context.Context, next *models.Schedule, prevNextRun, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.schedules[next.ID]
	if !ok || !cur.NextRunAt.Equal(prevNextRun) {
		return false, nil
	}
	cur.NextRunAt = next.NextRunAt
	cur.RunCount = next.RunCount
	cur.Active = cur.Active && next.Active
	cur.LastRunAt = &now
	cur.ClaimedUntil = nil
	return true, nil
}

func (s *scheduleStore) Deactivate(_ context.Context, ownerID, id uuid.UUID, _ time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[id]
	if !ok || sch.OwnerID != ownerID || !sch.Active {
		return false, nil
	}
	sch.Active = false
	sch.ClaimedUntil = nil
	return true, nil
}

func (s *scheduleStore) get(id uuid.UUID) models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.schedules[id]
}

type failingSchedules struct{}

func (failingSchedules) DueSchedules(context.Context, time.Time) ([]*models.Schedule, error) {
	return nil, errors.New("db down")
}

func (failingSchedules) Advance(context.Context, *models.Schedule, time.Time) (*models.Schedule, error) {
	return nil, errors.New("db down")
}

type templateStore map[uuid.UUID]*models.ContentTemplate

func (t templateStore) GetByID(_ context.Context, id uuid.UUID) (*models.ContentTemplate, error) {
	return t[id], nil
}

type connStore struct {
	mu       sync.Mutex
	conns    map[string]*models.Connection
	inactive map[uuid.UUID]string
}

func (c *connStore) Get(_ context.Context, ownerID uuid.UUID, name string) (*models.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[ownerID.String()+"/"+name]
	if !ok {
		return nil, nil
	}
	cp := *conn
	return &cp, nil
}

func (c *connStore) MarkInactive(_ context.Context, id uuid.UUID, lastError string, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inactive[id] = lastError
	for _, conn := range c.conns {
		if conn.ID == id {
			conn.Active = false
		}
	}
	return nil
}

type tokenSource struct{}

func (tokenSource) AccessToken(_ context.Context, conn *models.Connection, _ time.Time) (string, error) {
	return "token-" + conn.Platform, nil
}

type publishCall struct {
	kind      platform.Kind
	token     string
	accountID string
	content   platform.Content
}

type fakePublisher struct {
	mu    sync.Mutex
	fail  map[platform.Kind]error
	calls []publishCall
	// onPublish runs before each publish, outside the lock.
	onPublish func()
}

func (p *fakePublisher) Publish(_ context.Context, kind platform.Kind, token, accountID string, content platform.Content) (*platform.PublishResult, error) {
	if p.onPublish != nil {
		p.onPublish()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{kind: kind, token: token, accountID: accountID, content: content})
	if err := p.fail[kind]; err != nil {
		return nil, err
	}
	return &platform.PublishResult{ExternalPostID: "post-" + string(kind)}, nil
}

func (p *fakePublisher) kinds() []platform.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]platform.Kind, 0, len(p.calls))
	for _, c := range p.calls {
		out = append(out, c.kind)
	}
	return out
}

type completion struct {
	id      uuid.UUID
	outcome repositories.JobOutcome
}

type jobStore struct {
	mu        sync.Mutex
	jobs      []*models.PublishJob
	leaseErr  error
	modes     []string
	completed []completion
}

func (j *jobStore) Lease(_ context.Context, mode string, limit int, _, _ time.Time, _ int) ([]*models.PublishJob, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.modes = append(j.modes, mode)
	if j.leaseErr != nil {
		return nil, j.leaseErr
	}
	n := min(limit, len(j.jobs))
	out := j.jobs[:n]
	j.jobs = j.jobs[n:]
	return out, nil
}

func (j *jobStore) Complete(_ context.Context, id uuid.UUID, outcome repositories.JobOutcome, _ int, _ time.Time, _ ...*models.PublishLog) (*models.PublishJob, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed = append(j.completed, completion{id: id, outcome: outcome})
	status := models.JobStatusPublished
	switch {
	case outcome.Success:
	case outcome.Terminal:
		status = models.JobStatusFailed
	default:
		status = models.JobStatusQueued
	}
	return &models.PublishJob{ID: id, Status: status}, nil
}

type logStore struct {
	mu        sync.Mutex
	entries   []*models.PublishLog
	succeeded map[uuid.UUID]map[string]string
}

func (l *logStore) Create(_ context.Context, e *models.PublishLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *logStore) SucceededPosts(_ context.Context, jobID uuid.UUID) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.succeeded[jobID], nil
}

func (l *logStore) byPlatform() map[string]*models.PublishLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]*models.PublishLog, len(l.entries))
	for _, e := range l.entries {
		out[e.Platform] = e
	}
	return out
}

type prefixResolver struct{}

func (prefixResolver) ResolveAll(_ context.Context, refs []string) ([]string, error) {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = "https://cdn.example.com/" + r
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	owner     uuid.UUID
	schedules *scheduleStore
	templates templateStore
	conns     *connStore
	publisher *fakePublisher
	jobs      *jobStore
	logs      *logStore
	orch      *Orchestrator
}

func newHarness(t *testing.T, connected ...platform.Kind) *harness {
	t.Helper()
	h := &harness{
		owner:     uuid.New(),
		schedules: &scheduleStore{schedules: map[uuid.UUID]*models.Schedule{}},
		templates: templateStore{},
		conns:     &connStore{conns: map[string]*models.Connection{}, inactive: map[uuid.UUID]string{}},
		publisher: &fakePublisher{fail: map[platform.Kind]error{}},
		jobs:      &jobStore{},
		logs:      &logStore{succeeded: map[uuid.UUID]map[string]string{}},
	}
	for _, k := range connected {
		h.conns.conns[h.owner.String()+"/"+k.String()] = &models.Connection{
			ID:                uuid.New(),
			OwnerID:           h.owner,
			Platform:          k.String(),
			PlatformAccountID: "acct-" + k.String(),
			Active:            true,
		}
	}
	h.orch = NewOrchestrator(Deps{
		Schedules:   schedule.NewEngine(h.schedules, nil, 0, 0),
		Templates:   h.templates,
		Connections: h.conns,
		Tokens:      tokenSource{},
		Publisher:   h.publisher,
		Jobs:        h.jobs,
		Logs:        h.logs,
		Media:       prefixResolver{},
	}, Options{Concurrency: 2})
	return h
}

func (h *harness) addSchedule(start time.Time, platforms ...string) *models.Schedule {
	tmpl := &models.ContentTemplate{ID: uuid.New(), OwnerID: h.owner, Body: "weekly digest", MediaRefs: pq.StringArray{}}
	h.templates[tmpl.ID] = tmpl
	sch := &models.Schedule{
		ID:                 uuid.New(),
		OwnerID:            h.owner,
		TemplateID:         tmpl.ID,
		Platforms:          platforms,
		RecurrenceUnit:     models.RecurrenceHours,
		RecurrenceInterval: 6,
		StartAt:            start,
		NextRunAt:          start,
		Active:             true,
	}
	h.schedules.schedules[sch.ID] = sch
	return sch
}

var sweepStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

func TestRunSweep_DispatchesAndAdvancesSchedule(t *testing.T) {
	h := newHarness(t, platform.Twitter, platform.Threads)
	sch := h.addSchedule(sweepStart, "twitter", "threads")

	res, err := h.orch.RunSweep(context.Background(), sweepStart.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 1, Succeeded: 2, Failed: 0}, res)

	stored := h.schedules.get(sch.ID)
	assert.True(t, stored.NextRunAt.Equal(time.Date(2025, 1, 1, 6, 0, 0, 0, time.UTC)), "next_run_at = %s", stored.NextRunAt)
	assert.Equal(t, 1, stored.RunCount)
	assert.Nil(t, stored.ClaimedUntil)

	logs := h.logs.byPlatform()
	require.Len(t, logs, 2)
	for _, p := range []string{"twitter", "threads"} {
		entry := logs[p]
		require.NotNil(t, entry, p)
		assert.Equal(t, models.LogStatusSuccess, entry.Status)
		require.NotNil(t, entry.ScheduleID)
		assert.Equal(t, sch.ID, *entry.ScheduleID)
		assert.Nil(t, entry.JobID)
		require.NotNil(t, entry.ExternalPostID)
		assert.Equal(t, "post-"+p, *entry.ExternalPostID)
	}

	// Not due again until 06:00.
	res, err = h.orch.RunSweep(context.Background(), sweepStart.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Len(t, h.publisher.kinds(), 2)
}

func TestRunSweep_PassesConnectionAndResolvedMedia(t *testing.T) {
	h := newHarness(t, platform.Instagram)
	sch := h.addSchedule(sweepStart, "instagram")
	tmpl := h.templates[sch.TemplateID]
	tmpl.MediaRefs = pq.StringArray{"media/o/a.jpg"}
	followup := "link in bio"
	tmpl.FollowupComment = &followup

	_, err := h.orch.RunSweep(context.Background(), sweepStart)
	require.NoError(t, err)

	require.Len(t, h.publisher.calls, 1)
	call := h.publisher.calls[0]
	assert.Equal(t, "token-instagram", call.token)
	assert.Equal(t, "acct-instagram", call.accountID)
	assert.Equal(t, []string{"https://cdn.example.com/media/o/a.jpg"}, call.content.MediaURLs)
	assert.Equal(t, "weekly digest", call.content.Text)
	assert.Equal(t, "link in bio", call.content.FollowupComment)
}

func TestRunSweep_MissingConnectionDoesNotBlockSiblings(t *testing.T) {
	h := newHarness(t, platform.Threads)
	sch := h.addSchedule(sweepStart, "twitter", "threads")

	res, err := h.orch.RunSweep(context.Background(), sweepStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	logs := h.logs.byPlatform()
	assert.Equal(t, models.LogStatusFailure, logs["twitter"].Status)
	require.NotNil(t, logs["twitter"].Error)
	assert.Contains(t, *logs["twitter"].Error, "no active connection")
	assert.Equal(t, models.LogStatusSuccess, logs["threads"].Status)

	assert.Equal(t, []platform.Kind{platform.Threads}, h.publisher.kinds())
	assert.Equal(t, 1, h.schedules.get(sch.ID).RunCount, "advance happens regardless of failures")
}

func TestRunSweep_AuthExpiredDeactivatesConnection(t *testing.T) {
	h := newHarness(t, platform.Twitter)
	h.addSchedule(sweepStart, "twitter")
	h.publisher.fail[platform.Twitter] = platform.NewAPIError(platform.Twitter, 401, 89, "Invalid or expired token", platform.ErrAuthExpired)
	conn := h.conns.conns[h.owner.String()+"/twitter"]

	res, err := h.orch.RunSweep(context.Background(), sweepStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	assert.Contains(t, h.conns.inactive[conn.ID], "expired")
	assert.False(t, conn.Active)
}

func TestRunSweep_MissingTemplateFailsEveryPlatform(t *testing.T) {
	h := newHarness(t, platform.Twitter, platform.Facebook)
	sch := h.addSchedule(sweepStart, "twitter", "facebook")
	delete(h.templates, sch.TemplateID)

	res, err := h.orch.RunSweep(context.Background(), sweepStart)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Empty(t, h.publisher.kinds())
	for _, entry := range h.logs.byPlatform() {
		require.NotNil(t, entry.Error)
		assert.Equal(t, errTemplateNotFound, *entry.Error)
	}
	assert.Equal(t, 1, h.schedules.get(sch.ID).RunCount)
}

func TestRunSweep_CancelDuringDispatchSticks(t *testing.T) {
	h := newHarness(t, platform.Threads)
	sch := h.addSchedule(sweepStart, "threads")

	// The owner cancels while the post is in flight.
	h.publisher.onPublish = func() {
		ok, err := h.schedules.Deactivate(context.Background(), h.owner, sch.ID, sweepStart)
		assert.NoError(t, err)
		assert.True(t, ok)
	}

	res, err := h.orch.RunSweep(context.Background(), sweepStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	stored := h.schedules.get(sch.ID)
	assert.False(t, stored.Active, "advance must not resurrect a cancelled schedule")
	assert.Equal(t, 1, stored.RunCount)

	h.publisher.onPublish = nil
	res, err = h.orch.RunSweep(context.Background(), stored.NextRunAt)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Processed)
	assert.Len(t, h.publisher.kinds(), 1)
}

func TestRunSweep_ConcurrentSweepsDispatchOnce(t *testing.T) {
	h := newHarness(t, platform.Threads)
	for i := 0; i < 10; i++ {
		h.addSchedule(sweepStart, "threads")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.orch.RunSweep(context.Background(), sweepStart)
		}()
	}
	wg.Wait()

	assert.Len(t, h.publisher.kinds(), 10)
}

// ---------------------------------------------------------------------------
// One-off API jobs
// ---------------------------------------------------------------------------

func newJob(owner uuid.UUID, platforms ...string) *models.PublishJob {
	return &models.PublishJob{
		ID:          uuid.New(),
		OwnerID:     owner,
		Mode:        models.JobModeAPI,
		Platforms:   platforms,
		ContentText: "launch day",
		Status:      models.JobStatusLeased,
		LeaseToken:  ptr(uuid.New()),
	}
}

func ptr[T any](v T) *T { return &v }

func TestRunSweep_PublishesAPIJob(t *testing.T) {
	h := newHarness(t, platform.Twitter)
	job := newJob(h.owner, "twitter")
	h.jobs.jobs = []*models.PublishJob{job}

	res, err := h.orch.RunSweep(context.Background(), sweepStart)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 1, Succeeded: 1}, res)

	assert.Equal(t, []string{models.JobModeAPI}, h.jobs.modes)
	require.Len(t, h.jobs.completed, 1)
	done := h.jobs.completed[0]
	assert.Equal(t, job.ID, done.id)
	assert.Equal(t, *job.LeaseToken, done.outcome.LeaseToken, "completion must present the lease token")
	assert.True(t, done.outcome.Success)
	require.NotNil(t, done.outcome.ExternalPostID)
	assert.Equal(t, "post-twitter", *done.outcome.ExternalPostID)

	entry := h.logs.byPlatform()["twitter"]
	require.NotNil(t, entry.JobID)
	assert.Equal(t, job.ID, *entry.JobID)
	assert.Nil(t, entry.ScheduleID)
}

func TestRunSweep_APIJobSkipsPlatformsAlreadyPublished(t *testing.T) {
	h := newHarness(t, platform.Twitter, platform.Threads)
	job := newJob(h.owner, "twitter", "threads")
	h.jobs.jobs = []*models.PublishJob{job}
	h.logs.succeeded[job.ID] = map[string]string{"twitter": "post-twitter-earlier"}

	_, err := h.orch.RunSweep(context.Background(), sweepStart)
	require.NoError(t, err)

	assert.Equal(t, []platform.Kind{platform.Threads}, h.publisher.kinds())
	require.Len(t, h.jobs.completed, 1)
	assert.True(t, h.jobs.completed[0].outcome.Success)
	require.NotNil(t, h.jobs.completed[0].outcome.ExternalPostID)
	assert.Equal(t, "twitter:post-twitter-earlier,threads:post-threads", *h.jobs.completed[0].outcome.ExternalPostID,
		"ids from earlier attempts must not be lost")
}

func TestRunSweep_APIJobSinglePlatformRetryKeepsPriorID(t *testing.T) {
	h := newHarness(t, platform.Twitter)
	job := newJob(h.owner, "twitter")
	h.jobs.jobs = []*models.PublishJob{job}
	h.logs.succeeded[job.ID] = map[string]string{"twitter": "tw-1"}

	_, err := h.orch.RunSweep(context.Background(), sweepStart)
	require.NoError(t, err)

	assert.Empty(t, h.publisher.kinds())
	require.Len(t, h.jobs.completed, 1)
	outcome := h.jobs.completed[0].outcome
	assert.True(t, outcome.Success)
	require.NotNil(t, outcome.ExternalPostID)
	assert.Equal(t, "tw-1", *outcome.ExternalPostID)
}

func TestRunSweep_APIJobTerminalFailure(t *testing.T) {
	tests := []struct {
		name         string
		twitterErr   error
		threadsErr   error
		wantTerminal bool
	}{
		{"every platform rejects", platform.ErrTextTooLong, platform.NewAPIError(platform.Threads, 400, 0, "bad media", platform.ErrPermanentRejection), true},
		{"one rejection one outage", platform.ErrTextTooLong, platform.NewAPIError(platform.Threads, 503, 0, "", platform.ErrTransientFailure), false},
		{"auth expired stays retryable", platform.ErrTextTooLong, platform.ErrAuthExpired, false},
		{"rejection with partial success", platform.ErrTextTooLong, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, platform.Twitter, platform.Threads)
			h.jobs.jobs = []*models.PublishJob{newJob(h.owner, "twitter", "threads")}
			h.publisher.fail[platform.Twitter] = tt.twitterErr
			if tt.threadsErr != nil {
				h.publisher.fail[platform.Threads] = tt.threadsErr
			}

			_, err := h.orch.RunSweep(context.Background(), sweepStart)
			require.NoError(t, err)

			require.Len(t, h.jobs.completed, 1)
			outcome := h.jobs.completed[0].outcome
			assert.False(t, outcome.Success)
			assert.Equal(t, tt.wantTerminal, outcome.Terminal)
		})
	}
}

func TestRunSweep_APIJobPartialFailureIsRetried(t *testing.T) {
	h := newHarness(t, platform.Twitter, platform.Threads)
	job := newJob(h.owner, "twitter", "threads")
	h.jobs.jobs = []*models.PublishJob{job}
	h.publisher.fail[platform.Threads] = platform.NewAPIError(platform.Threads, 503, 0, "", platform.ErrTransientFailure)

	res, err := h.orch.RunSweep(context.Background(), sweepStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	require.Len(t, h.jobs.completed, 1)
	outcome := h.jobs.completed[0].outcome
	assert.False(t, outcome.Success)
	require.NotNil(t, outcome.Error)
	assert.Contains(t, *outcome.Error, "threads: ")

	logs := h.logs.byPlatform()
	assert.Equal(t, models.LogStatusSuccess, logs["twitter"].Status)
	assert.Equal(t, models.LogStatusFailure, logs["threads"].Status)
}

func TestRunSweep_ClaimFailuresAreIsolated(t *testing.T) {
	h := newHarness(t, platform.Twitter)
	h.orch.deps.Schedules = failingSchedules{}
	h.jobs.jobs = []*models.PublishJob{newJob(h.owner, "twitter")}

	res, err := h.orch.RunSweep(context.Background(), sweepStart)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	h.jobs.leaseErr = errors.New("db down")
	_, err = h.orch.RunSweep(context.Background(), sweepStart)
	assert.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{platform.ErrTextTooLong, true},
		{platform.NewAPIError(platform.Facebook, 400, 100, "invalid parameter", platform.ErrPermanentRejection), true},
		{platform.ErrUnknownPlatform, true},
		{platform.ErrRateLimited, false},
		{platform.ErrTransientFailure, false},
		{platform.ErrAuthExpired, false},
		{oauth.ErrNotConnected, false},
		{errors.New(errMediaUnresolvable), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isTerminal(tt.err), tt.err.Error())
	}
}

func TestFailureClass(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{platform.NewAPIError(platform.Twitter, 429, 88, "", platform.ErrRateLimited), "rate_limited"},
		{platform.ErrAuthExpired, "auth_expired"},
		{platform.ErrTextTooLong, "rejected"},
		{platform.ErrTransientFailure, "transient"},
		{oauth.ErrNotConnected, "not_connected"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureClass(tt.err), tt.err.Error())
	}
}
