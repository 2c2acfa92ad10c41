package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

func newMockStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, opts...), mock
}

func TestStoreRefreshToken(t *testing.T) {
	s, mock := newMockStore(t)
	uid := uuid.New()
	token := []byte("opaque-token")

	mock.ExpectExec("insert into refresh_tokens").
		WithArgs(uid, token, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.RefreshTokens().StoreRefreshToken(context.Background(), uid, token, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("StoreRefreshToken: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestStoreRefreshTokenRejectsEmpty(t *testing.T) {
	s, _ := newMockStore(t)
	err := s.RefreshTokens().StoreRefreshToken(context.Background(), uuid.New(), nil, time.Now().Add(time.Hour))
	if err != workplace.ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestValidateAndConsumeRefreshTokenOnce(t *testing.T) {
	s, mock := newMockStore(t)
	uid := uuid.New()
	token := []byte("opaque-token")

	// First redemption deletes the row, the second finds nothing.
	mock.ExpectExec("delete from refresh_tokens").
		WithArgs(uid, token, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("delete from refresh_tokens").
		WithArgs(uid, token, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.RefreshTokens().ValidateAndConsumeRefreshToken(context.Background(), uid, token)
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if !ok {
		t.Fatalf("expected first redemption to succeed")
	}

	ok, err = s.RefreshTokens().ValidateAndConsumeRefreshToken(context.Background(), uid, token)
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if ok {
		t.Fatalf("expected second redemption to fail")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClearRefreshTokens(t *testing.T) {
	s, mock := newMockStore(t)
	uid := uuid.New()

	mock.ExpectExec("delete from refresh_tokens where uid").
		WithArgs(uid).
		WillReturnResult(sqlmock.NewResult(0, 3))

	if err := s.RefreshTokens().ClearRefreshTokens(context.Background(), uid); err != nil {
		t.Fatalf("ClearRefreshTokens: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
