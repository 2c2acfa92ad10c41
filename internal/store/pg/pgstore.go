package pg

import (
	"context"
	"crypto/rand"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

// Store owns the connection pool and hands out the repositories. Each
// repository method executes against the pool; mutating methods run their
// whole cascade inside one transaction.
type Store struct {
	db        *sql.DB
	permCache workplace.PermissionCache
	publish   func(MutationEvent)
	now       func() time.Time
}

var _ workplace.Store = (*Store)(nil)

// MutationEvent is emitted after a successful master mutation so subscribers
// (SSE clients, dashboards) see membership changes live.
type MutationEvent struct {
	Operation      string    `json:"operation"`
	UID            uuid.UUID `json:"uid"`
	OrganizationID uuid.UUID `json:"organization_id"`
	BuildingID     uuid.UUID `json:"building_id,omitempty"`
	Result         string    `json:"result"`
	Timestamp      time.Time `json:"timestamp"`
}

// Option configures Store.
type Option func(*Store)

// WithPermissionCache sets the cache invalidated after organization-level
// mutations.
func WithPermissionCache(pc workplace.PermissionCache) Option {
	return func(s *Store) { s.permCache = pc }
}

// WithMutationPublisher sets the hook called after successful mutations.
func WithMutationPublisher(fn func(MutationEvent)) Option {
	return func(s *Store) { s.publish = fn }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Open connects to PostgreSQL and returns a configured Store.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing pool. Used by tests with sqlmock.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) RefreshTokens() workplace.RefreshTokensRepository {
	return &RefreshTokensRepository{s: s}
}

func (s *Store) UserBuildings() workplace.UserBuildingsRepository {
	return &UserBuildingsRepository{s: s}
}

func (s *Store) UserOrganizations() workplace.UserOrganizationsRepository {
	return &UserOrganizationsRepository{s: s}
}

func (s *Store) UserLastUsedBuilding() workplace.UserLastUsedBuildingRepository {
	return &UserLastUsedBuildingRepository{s: s}
}

// buildingTimeZone loads the IANA zone configured on a building. Falls back
// to UTC when the stored name cannot be resolved. Every path that writes
// local-time columns resolves the zone through here.
func (s *Store) buildingTimeZone(ctx context.Context, q queryer, buildingID, organizationID uuid.UUID) (*time.Location, error) {
	var name string
	err := q.QueryRowContext(ctx, `
		select timezone from buildings
		where id = $1 and organization_id = $2
	`, buildingID, organizationID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workplace.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC, nil
	}
	return loc, nil
}

// Credentials is the subset of the users row the login flow needs.
type Credentials struct {
	UID          uuid.UUID
	PasswordHash string
	DisplayName  string
	Disabled     bool
}

// UserCredentials looks up the account by email for password verification.
func (s *Store) UserCredentials(ctx context.Context, email string) (Credentials, error) {
	var c Credentials
	err := s.db.QueryRowContext(ctx, `
		select uid, password_hash, display_name, disabled
		from users
		where lower(email) = lower($1)
	`, email).Scan(&c.UID, &c.PasswordHash, &c.DisplayName, &c.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, workplace.ErrNotFound
	}
	if err != nil {
		return Credentials{}, errors.Wrap(err, "load credentials")
	}
	return c, nil
}

// PostgreSQL error codes mapped to typed outcomes.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func pgErrCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// queryer is satisfied by *sql.DB and *sql.Tx so the shared write-path
// helpers work inside and outside transactions.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Advisory lock scopes. The scope participates in the key derivation so a
// (uid, buildingId) lock never collides with a (uid, organizationId) one.
const (
	lockScopeUserBuilding     = "user_building_join"
	lockScopeUserOrganization = "user_organization_join"
)

// lockKeys derives the two int32 keys pg_try_advisory_xact_lock expects from
// a scope name and an id pair.
func lockKeys(scope string, a, b uuid.UUID) (int32, int32) {
	h := fnv.New64a()
	h.Write([]byte(scope))
	h.Write(a[:])
	h.Write(b[:])
	sum := h.Sum64()
	return int32(sum >> 32), int32(sum & 0xffffffff)
}

// tryAdvisoryLock attempts a zero-wait exclusive lock scoped to the current
// transaction. A conflicting concurrent call fails fast instead of queuing;
// retry policy belongs to the caller.
func (s *Store) tryAdvisoryLock(ctx context.Context, tx queryer, scope string, a, b uuid.UUID) (bool, error) {
	k1, k2 := lockKeys(scope, a, b)
	var acquired bool
	if err := tx.QueryRowContext(ctx, `select pg_try_advisory_xact_lock($1, $2)`, k1, k2).Scan(&acquired); err != nil {
		return false, errors.Wrap(err, "acquire advisory lock")
	}
	return acquired, nil
}

// newConcurrencyKey returns the 8-byte token written to the user row on every
// mutation. Callers of remove operations echo the last value they saw.
func newConcurrencyKey() []byte {
	key := make([]byte, 8)
	_, _ = rand.Read(key)
	return key
}

// rotateConcurrencyKey regenerates the user's concurrency key inside the
// surrounding transaction and returns the new value.
func (s *Store) rotateConcurrencyKey(ctx context.Context, tx queryer, uid uuid.UUID) ([]byte, error) {
	key := newConcurrencyKey()
	res, err := tx.ExecContext(ctx, `
		update users set concurrency_key = $2, updated_at = now()
		where uid = $1
	`, uid, key)
	if err != nil {
		return nil, errors.Wrap(err, "rotate concurrency key")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if aff == 0 {
		return nil, workplace.ErrNotFound
	}
	return key, nil
}

func (s *Store) emit(evt MutationEvent) {
	if s.publish == nil {
		return
	}
	evt.Timestamp = s.now().UTC()
	s.publish(evt)
}

func (s *Store) invalidatePermissions(ctx context.Context, uid, organizationID uuid.UUID) {
	if s.permCache == nil {
		return
	}
	// Best effort: the mutation is committed; a failed invalidation only
	// delays cache refresh until TTL expiry.
	_ = s.permCache.InvalidateUserOrganizationPermissionCache(ctx, uid, organizationID)
}
