package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

func withTestSecret(t *testing.T) {
	t.Helper()
	t.Setenv("VTAPI_AUTH_SECRET", "test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	withTestSecret(t)
	uid := uuid.New()

	token, err := GenerateToken(uid, "Jo Nguyen", 15*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	got, err := claims.UID()
	if err != nil {
		t.Fatalf("claims.UID: %v", err)
	}
	if got != uid {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.DisplayName != "Jo Nguyen" {
		t.Fatalf("unexpected display name: %s", claims.DisplayName)
	}
}

func TestParseAndValidateRejectsGarbage(t *testing.T) {
	withTestSecret(t)
	for _, token := range []string{"", "   ", "not-a-jwt", "aaa.bbb.ccc"} {
		if _, err := ParseAndValidate(token); err == nil {
			t.Fatalf("expected error for token %q", token)
		}
	}
}

func TestGenerateTokenRejectsExpiredTTL(t *testing.T) {
	withTestSecret(t)
	if _, err := GenerateToken(uuid.New(), "", 0); err == nil {
		t.Fatal("expected error for zero ttl")
	}
	if _, err := GenerateToken(uuid.Nil, "", time.Minute); err == nil {
		t.Fatal("expected error for nil uid")
	}
}

func TestContextHelpers(t *testing.T) {
	uid := uuid.New()
	ctx := ContextWithUser(context.Background(), uid, "  Jo  ")

	got, ok := UIDFromContext(ctx)
	if !ok || got != uid {
		t.Fatalf("unexpected uid: %s, ok=%v", got, ok)
	}
	if name := DisplayNameFromContext(ctx); name != "Jo" {
		t.Fatalf("unexpected display name: %q", name)
	}
	if _, ok := UIDFromContext(context.Background()); ok {
		t.Fatal("expected no uid on empty context")
	}
}

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := HashPassword("hunter2!")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := VerifyPassword(hash, "hunter2!"); err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if err := VerifyPassword(hash, "wrong"); err == nil {
		t.Fatal("expected mismatch error")
	}
}

// fakeRefreshTokens records stored tokens in memory with the same
// consume-once semantics the SQL repository provides.
type fakeRefreshTokens struct {
	stored map[string]time.Time
}

func newFakeRefreshTokens() *fakeRefreshTokens {
	return &fakeRefreshTokens{stored: make(map[string]time.Time)}
}

func (f *fakeRefreshTokens) StoreRefreshToken(_ context.Context, uid uuid.UUID, token []byte, expiresAt time.Time) error {
	if len(token) == 0 {
		return workplace.ErrInvalidInput
	}
	f.stored[uid.String()+"/"+string(token)] = expiresAt
	return nil
}

func (f *fakeRefreshTokens) ValidateAndConsumeRefreshToken(_ context.Context, uid uuid.UUID, token []byte) (bool, error) {
	key := uid.String() + "/" + string(token)
	expiry, ok := f.stored[key]
	if !ok || time.Now().After(expiry) {
		return false, nil
	}
	delete(f.stored, key)
	return true, nil
}

func (f *fakeRefreshTokens) ClearRefreshTokens(_ context.Context, uid uuid.UUID) error {
	prefix := uid.String() + "/"
	for k := range f.stored {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(f.stored, k)
		}
	}
	return nil
}

func TestTokenServiceRotation(t *testing.T) {
	withTestSecret(t)
	repo := newFakeRefreshTokens()
	svc := NewTokenService(repo, WithAccessTTL(time.Minute), WithRefreshTTL(time.Hour))
	uid := uuid.New()

	pair, err := svc.IssuePair(context.Background(), uid, "Jo")
	if err != nil {
		t.Fatalf("IssuePair: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	rotated, err := svc.Refresh(context.Background(), uid, pair.RefreshToken, "Jo")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("expected a new refresh token")
	}

	// The consumed token must not be redeemable again.
	if _, err := svc.Refresh(context.Background(), uid, pair.RefreshToken, "Jo"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken on replay, got %v", err)
	}

	if err := svc.Logout(context.Background(), uid); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.Refresh(context.Background(), uid, rotated.RefreshToken, "Jo"); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken after logout, got %v", err)
	}
}
