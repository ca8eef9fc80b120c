package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/db/repositories"
	"github.com/relaypost/relaypost/internal/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testOwner = uuid.MustParse("44444444-4444-4444-4444-444444444444")

type fakeReader struct {
	entries    map[string]*models.AuditLog
	gotFilters repositories.AuditFilters
	gotLimit   int
	gotOffset  int
	err        error
}

func (f *fakeReader) ListAuditLogs(_ context.Context, filters repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	f.gotFilters, f.gotLimit, f.gotOffset = filters, limit, offset
	if f.err != nil {
		return nil, 0, f.err
	}
	out := []*models.AuditLog{}
	for _, e := range f.entries {
		if filters.UserID != nil && (e.UserID == nil || *e.UserID != *filters.UserID) {
			continue
		}
		out = append(out, e)
	}
	return out, len(out), nil
}

func (f *fakeReader) GetAuditLog(_ context.Context, id string) (*models.AuditLog, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.entries[id], nil
}

func strPtr(s string) *string { return &s }

func newReader() *fakeReader {
	mine, theirs := testOwner.String(), uuid.NewString()
	return &fakeReader{entries: map[string]*models.AuditLog{
		"a-1": {ID: "a-1", UserID: &mine, Action: "schedule.create", ResourceType: strPtr("schedule")},
		"a-2": {ID: "a-2", UserID: &theirs, Action: "job.enqueue"},
		"a-3": {ID: "a-3", Action: "worker.report"},
	}}
}

func newRouter(logs Reader, authenticated bool) *gin.Engine {
	h := NewHandlers(logs)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if authenticated {
			c.Set(middleware.OwnerIDKey, testOwner)
		}
		c.Next()
	})
	r.GET("/audit-logs", h.List())
	r.GET("/audit-logs/:id", h.Get())
	return r
}

func get(r *gin.Engine, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestList_ScopesToCaller(t *testing.T) {
	logs := newReader()
	r := newRouter(logs, true)

	w := get(r, "/audit-logs?action=schedule.create&resource_type=schedule&limit=10&offset=5")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if logs.gotFilters.UserID == nil || *logs.gotFilters.UserID != testOwner.String() {
		t.Errorf("user filter = %v, want caller", logs.gotFilters.UserID)
	}
	if logs.gotFilters.Action == nil || *logs.gotFilters.Action != "schedule.create" {
		t.Errorf("action filter = %v", logs.gotFilters.Action)
	}
	if logs.gotFilters.ResourceType == nil || *logs.gotFilters.ResourceType != "schedule" {
		t.Errorf("resource_type filter = %v", logs.gotFilters.ResourceType)
	}
	if logs.gotLimit != 10 || logs.gotOffset != 5 {
		t.Errorf("page = %d/%d, want 10/5", logs.gotLimit, logs.gotOffset)
	}

	var body struct {
		AuditLogs []models.AuditLog `json:"audit_logs"`
		Total     int               `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || len(body.AuditLogs) != 1 || body.AuditLogs[0].ID != "a-1" {
		t.Errorf("body = %+v", body)
	}
}

func TestList_DateRange(t *testing.T) {
	logs := newReader()
	r := newRouter(logs, true)

	w := get(r, "/audit-logs?start_date=2025-03-01T00:00:00Z&end_date=2025-03-02T00:00:00Z")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if logs.gotFilters.StartDate == nil || !logs.gotFilters.StartDate.Equal(want) {
		t.Errorf("start = %v, want %s", logs.gotFilters.StartDate, want)
	}

	tests := []struct {
		name  string
		query string
	}{
		{"bad start", "?start_date=yesterday"},
		{"bad end", "?end_date=2025-13-01"},
		{"inverted", "?start_date=2025-03-02T00:00:00Z&end_date=2025-03-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := get(r, "/audit-logs"+tt.query); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestList_Errors(t *testing.T) {
	if w := get(newRouter(newReader(), false), "/audit-logs"); w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}
	if w := get(newRouter(&fakeReader{err: errors.New("db down")}, true), "/audit-logs"); w.Code != http.StatusInternalServerError {
		t.Errorf("store error status = %d, want 500", w.Code)
	}
}

func TestGet(t *testing.T) {
	r := newRouter(newReader(), true)

	tests := []struct {
		id   string
		want int
	}{
		{"a-1", http.StatusOK},
		{"a-2", http.StatusNotFound},
		{"a-3", http.StatusNotFound},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := get(r, "/audit-logs/"+tt.id); w.Code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.id, w.Code, tt.want)
		}
	}

	if w := get(newRouter(&fakeReader{err: errors.New("db down")}, true), "/audit-logs/a-1"); w.Code != http.StatusInternalServerError {
		t.Errorf("store error status = %d, want 500", w.Code)
	}
}
