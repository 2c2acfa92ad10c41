package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 30 * 24 * time.Hour

	refreshTokenBytes = 32
)

// TokenPair is the result of a login or a refresh: a short-lived access JWT
// and an opaque one-time-use refresh token.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// TokenService issues access/refresh pairs and rotates refresh tokens through
// the persistent store. Refresh tokens are single-use: redeeming one deletes
// it and issues a replacement.
type TokenService struct {
	tokens     workplace.RefreshTokensRepository
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// TokenOption configures TokenService.
type TokenOption func(*TokenService)

// WithAccessTTL overrides the access token lifetime.
func WithAccessTTL(d time.Duration) TokenOption {
	return func(s *TokenService) {
		if d > 0 {
			s.accessTTL = d
		}
	}
}

// WithRefreshTTL overrides the refresh token lifetime.
func WithRefreshTTL(d time.Duration) TokenOption {
	return func(s *TokenService) {
		if d > 0 {
			s.refreshTTL = d
		}
	}
}

// NewTokenService constructs a TokenService backed by the given repository.
func NewTokenService(tokens workplace.RefreshTokensRepository, opts ...TokenOption) *TokenService {
	s := &TokenService{
		tokens:     tokens,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IssuePair creates a fresh access/refresh pair for the user and persists the
// refresh token.
func (s *TokenService) IssuePair(ctx context.Context, uid uuid.UUID, displayName string) (TokenPair, error) {
	access, err := GenerateToken(uid, displayName, s.accessTTL)
	if err != nil {
		return TokenPair{}, errors.Wrap(err, "generate access token")
	}

	raw := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return TokenPair{}, errors.Wrap(err, "generate refresh token")
	}

	now := s.now().UTC()
	refreshExpiry := now.Add(s.refreshTTL)
	if err := s.tokens.StoreRefreshToken(ctx, uid, raw, refreshExpiry); err != nil {
		return TokenPair{}, errors.Wrap(err, "store refresh token")
	}

	return TokenPair{
		AccessToken:      access,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshToken:     base64.RawURLEncoding.EncodeToString(raw),
		RefreshExpiresAt: refreshExpiry,
	}, nil
}

// Refresh redeems a refresh token and rotates it: the presented token is
// consumed atomically and a new pair issued. A token that was already
// redeemed, expired or never existed yields ErrInvalidToken.
func (s *TokenService) Refresh(ctx context.Context, uid uuid.UUID, refreshToken, displayName string) (TokenPair, error) {
	raw, err := base64.RawURLEncoding.DecodeString(refreshToken)
	if err != nil || len(raw) == 0 {
		return TokenPair{}, ErrInvalidToken
	}
	ok, err := s.tokens.ValidateAndConsumeRefreshToken(ctx, uid, raw)
	if err != nil {
		return TokenPair{}, errors.Wrap(err, "consume refresh token")
	}
	if !ok {
		return TokenPair{}, ErrInvalidToken
	}
	return s.IssuePair(ctx, uid, displayName)
}

// Logout revokes every refresh token the user holds.
func (s *TokenService) Logout(ctx context.Context, uid uuid.UUID) error {
	return s.tokens.ClearRefreshTokens(ctx, uid)
}
