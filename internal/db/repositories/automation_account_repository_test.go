package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/relaypost/relaypost/internal/db/models"
)

var automationAccountCols = []string{"id", "owner_id", "platform", "username", "secret_ciphertext", "created_at", "updated_at"}

func newAutomationAccountRepo(t *testing.T) (*AutomationAccountRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	return NewAutomationAccountRepository(db), mock
}

func TestAutomationAccountCreate(t *testing.T) {
	repo, mock := newAutomationAccountRepo(t)
	mock.ExpectExec("INSERT INTO automation_accounts").WillReturnResult(sqlmock.NewResult(0, 1))

	a := &models.AutomationAccount{OwnerID: uuid.New(), Platform: "instagram", Username: "shop", SecretCiphertext: "sealed"}
	if err := repo.Create(context.Background(), a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAutomationAccountGetForOwner(t *testing.T) {
	id, owner := uuid.New(), uuid.New()
	row := func() *sqlmock.Rows {
		return sqlmock.NewRows(automationAccountCols).
			AddRow(id, owner, "instagram", "shop", "sealed", time.Now(), time.Now())
	}

	t.Run("owner matches", func(t *testing.T) {
		repo, mock := newAutomationAccountRepo(t)
		mock.ExpectQuery("SELECT .* FROM automation_accounts WHERE id = \\$1").WillReturnRows(row())

		a, err := repo.GetForOwner(context.Background(), owner, id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a == nil || a.Username != "shop" {
			t.Errorf("GetForOwner = %+v", a)
		}
	})

	t.Run("other owner", func(t *testing.T) {
		repo, mock := newAutomationAccountRepo(t)
		mock.ExpectQuery("SELECT .* FROM automation_accounts WHERE id = \\$1").WillReturnRows(row())

		a, err := repo.GetForOwner(context.Background(), uuid.New(), id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a != nil {
			t.Errorf("expected nil for another owner, got %+v", a)
		}
	})
}
