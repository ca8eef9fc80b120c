package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/relaypost/relaypost/internal/db/models"
)

var publishLogCols = []string{"id", "owner_id", "schedule_id", "job_id", "platform", "status", "external_post_id", "error", "occurred_at"}

func newPublishLogRepo(t *testing.T) (*PublishLogRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewPublishLogRepository(db), mock
}

func TestPublishLogCreate(t *testing.T) {
	repo, mock := newPublishLogRepo(t)
	mock.ExpectExec("INSERT INTO publish_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	sid := uuid.New()
	l := &models.PublishLog{OwnerID: uuid.New(), ScheduleID: &sid, Platform: "threads", Status: models.LogStatusSuccess, OccurredAt: time.Now()}
	if err := repo.Create(context.Background(), l); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.ID == uuid.Nil {
		t.Error("Create should assign an ID")
	}
}

func TestPublishLogListByOwner_Filters(t *testing.T) {
	repo, mock := newPublishLogRepo(t)
	owner, job := uuid.New(), uuid.New()
	status := models.LogStatusFailure
	mock.ExpectQuery("SELECT .* FROM publish_logs WHERE owner_id = \\$1 AND job_id = \\$2 AND status = \\$3 ORDER BY occurred_at DESC LIMIT \\$4 OFFSET \\$5").
		WithArgs(owner, job, status, 50, 0).
		WillReturnRows(sqlmock.NewRows(publishLogCols).
			AddRow(uuid.New(), owner, nil, job, "twitter", "failure", nil, "rate limited", time.Now()))

	logs, err := repo.ListByOwner(context.Background(), owner, LogFilters{JobID: &job, Status: &status}, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 1 || logs[0].ScheduleID != nil || *logs[0].JobID != job {
		t.Errorf("logs = %+v", logs)
	}
	expectationsMet(t, mock)
}

func TestPublishLogSucceededPosts(t *testing.T) {
	repo, mock := newPublishLogRepo(t)
	job := uuid.New()
	mock.ExpectQuery("SELECT DISTINCT ON \\(platform\\) platform, external_post_id\\s+FROM publish_logs\\s+WHERE job_id = \\$1 AND status = \\$2").
		WithArgs(job, "success").
		WillReturnRows(sqlmock.NewRows([]string{"platform", "external_post_id"}).
			AddRow("facebook", "123_456").
			AddRow("threads", nil))

	posts, err := repo.SucceededPosts(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(posts) != 2 || posts["facebook"] != "123_456" {
		t.Errorf("posts = %v", posts)
	}
	if id, ok := posts["threads"]; !ok || id != "" {
		t.Errorf("threads = %q, %v; want present with empty id", id, ok)
	}
	expectationsMet(t, mock)
}
