package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/relaypost/relaypost/internal/db/models"
)

var oauthStateCols = []string{"state_nonce", "owner_id", "platform", "pkce_verifier", "created_at", "expires_at"}

func newOAuthStateRepo(t *testing.T) (*OAuthStateRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewOAuthStateRepository(db), mock
}

func TestOAuthStateCreate(t *testing.T) {
	repo, mock := newOAuthStateRepo(t)
	mock.ExpectExec("INSERT INTO oauth_states").WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Now()
	err := repo.Create(context.Background(), &models.OAuthState{
		StateNonce: "nonce",
		OwnerID:    uuid.New(),
		Platform:   "twitter",
		CreatedAt:  now,
		ExpiresAt:  now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOAuthStateConsume_Found(t *testing.T) {
	repo, mock := newOAuthStateRepo(t)
	owner := uuid.New()
	now := time.Now()
	mock.ExpectQuery("DELETE FROM oauth_states.*RETURNING").
		WithArgs("nonce", "twitter", owner).
		WillReturnRows(sqlmock.NewRows(oauthStateCols).
			AddRow("nonce", owner, "twitter", "verifier", now, now.Add(10*time.Minute)))

	s, err := repo.Consume(context.Background(), "nonce", "twitter", owner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s == nil || s.PKCEVerifier == nil || *s.PKCEVerifier != "verifier" {
		t.Errorf("Consume = %+v", s)
	}
}

func TestOAuthStateConsume_Missing(t *testing.T) {
	repo, mock := newOAuthStateRepo(t)
	mock.ExpectQuery("DELETE FROM oauth_states").
		WillReturnRows(sqlmock.NewRows(oauthStateCols))

	s, err := repo.Consume(context.Background(), "nonce", "threads", uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != nil {
		t.Errorf("expected nil, got %+v", s)
	}
}

func TestOAuthStateDeleteExpired(t *testing.T) {
	repo, mock := newOAuthStateRepo(t)
	mock.ExpectExec("DELETE FROM oauth_states WHERE expires_at < \\$1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.DeleteExpired(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted = %d, want 3", n)
	}
}
