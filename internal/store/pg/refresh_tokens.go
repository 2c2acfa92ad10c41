package pg

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

// RefreshTokensRepository persists opaque one-time-use refresh tokens.
type RefreshTokensRepository struct {
	s *Store
}

var _ workplace.RefreshTokensRepository = (*RefreshTokensRepository)(nil)

// StoreRefreshToken inserts a new token row for the user.
func (r *RefreshTokensRepository) StoreRefreshToken(ctx context.Context, uid uuid.UUID, token []byte, expiresAt time.Time) error {
	if len(token) == 0 {
		return workplace.ErrInvalidInput
	}
	_, err := r.s.db.ExecContext(ctx, `
		insert into refresh_tokens (uid, token, expires_at, created_at)
		values ($1, $2, $3, $4)
	`, uid, token, expiresAt.UTC(), r.s.now().UTC())
	if err != nil {
		return errors.Wrap(err, "store refresh token")
	}
	return nil
}

// ValidateAndConsumeRefreshToken deletes the matching unexpired row and
// reports whether one was deleted. The delete-and-check is a single statement
// so two concurrent redemptions can never both succeed.
func (r *RefreshTokensRepository) ValidateAndConsumeRefreshToken(ctx context.Context, uid uuid.UUID, token []byte) (bool, error) {
	res, err := r.s.db.ExecContext(ctx, `
		delete from refresh_tokens
		where uid = $1 and token = $2 and expires_at > $3
	`, uid, token, r.s.now().UTC())
	if err != nil {
		return false, errors.Wrap(err, "consume refresh token")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

// ClearRefreshTokens removes every token for the user, e.g. on logout or
// password change.
func (r *RefreshTokensRepository) ClearRefreshTokens(ctx context.Context, uid uuid.UUID) error {
	_, err := r.s.db.ExecContext(ctx, `delete from refresh_tokens where uid = $1`, uid)
	if err != nil {
		return errors.Wrap(err, "clear refresh tokens")
	}
	return nil
}
