// Package permcache caches per-organization role lookups so the HTTP layer
// does not hit PostgreSQL on every authenticated request. The store
// invalidates entries after organization-level mutations.
package permcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

const defaultTTL = 5 * time.Minute

// ErrMiss is returned when no cached role exists for the pair.
var ErrMiss = errors.New("permcache: miss")

// Cache stores and invalidates cached organization roles. Implementations
// satisfy the store's invalidation hook.
type Cache interface {
	workplace.PermissionCache
	GetRole(ctx context.Context, uid, organizationID uuid.UUID) (workplace.UserOrganizationRole, error)
	SetRole(ctx context.Context, uid, organizationID uuid.UUID, role workplace.UserOrganizationRole) error
}

func key(uid, organizationID uuid.UUID) string {
	return fmt.Sprintf("vtapi:perm:%s:%s", organizationID, uid)
}

// Redis is a Redis-backed Cache shared across API instances.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ Cache = (*Redis)(nil)

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Open connects to Redis at addr and pings it.
func Open(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "ping redis")
	}
	return NewRedis(client, ttl), nil
}

func (c *Redis) GetRole(ctx context.Context, uid, organizationID uuid.UUID) (workplace.UserOrganizationRole, error) {
	val, err := c.client.Get(ctx, key(uid, organizationID)).Int()
	if errors.Is(err, redis.Nil) {
		return workplace.RoleNoAccess, ErrMiss
	}
	if err != nil {
		return workplace.RoleNoAccess, errors.Wrap(err, "get cached role")
	}
	role := workplace.UserOrganizationRole(val)
	if !role.Valid() {
		return workplace.RoleNoAccess, ErrMiss
	}
	return role, nil
}

func (c *Redis) SetRole(ctx context.Context, uid, organizationID uuid.UUID, role workplace.UserOrganizationRole) error {
	if err := c.client.Set(ctx, key(uid, organizationID), int(role), c.ttl).Err(); err != nil {
		return errors.Wrap(err, "set cached role")
	}
	return nil
}

// InvalidateUserOrganizationPermissionCache drops the cached role for the
// pair. Called by the store after organization-level mutations commit.
func (c *Redis) InvalidateUserOrganizationPermissionCache(ctx context.Context, uid, organizationID uuid.UUID) error {
	if err := c.client.Del(ctx, key(uid, organizationID)).Err(); err != nil {
		return errors.Wrap(err, "invalidate cached role")
	}
	return nil
}

// Memory is a process-local Cache used when Redis is not configured.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	role      workplace.UserOrganizationRole
	expiresAt time.Time
}

var _ Cache = (*Memory)(nil)

// NewMemory constructs an in-memory cache.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Memory{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *Memory) GetRole(_ context.Context, uid, organizationID uuid.UUID) (workplace.UserOrganizationRole, error) {
	c.mu.RLock()
	e, ok := c.entries[key(uid, organizationID)]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return workplace.RoleNoAccess, ErrMiss
	}
	return e.role, nil
}

func (c *Memory) SetRole(_ context.Context, uid, organizationID uuid.UUID, role workplace.UserOrganizationRole) error {
	c.mu.Lock()
	c.entries[key(uid, organizationID)] = memoryEntry{role: role, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *Memory) InvalidateUserOrganizationPermissionCache(_ context.Context, uid, organizationID uuid.UUID) error {
	c.mu.Lock()
	delete(c.entries, key(uid, organizationID))
	c.mu.Unlock()
	return nil
}

// Resolver combines a Cache with the authoritative store lookup: cache hit
// wins, a miss falls through to the repository and repopulates the cache.
type Resolver struct {
	cache Cache
	repo  workplace.UserOrganizationsRepository
}

// NewResolver constructs a Resolver. A nil cache degrades to direct lookups.
func NewResolver(cache Cache, repo workplace.UserOrganizationsRepository) *Resolver {
	return &Resolver{cache: cache, repo: repo}
}

// RoleForUserInOrganization resolves the user's role, consulting the cache
// first.
func (r *Resolver) RoleForUserInOrganization(ctx context.Context, uid, organizationID uuid.UUID) (workplace.UserOrganizationRole, error) {
	if r.cache != nil {
		if role, err := r.cache.GetRole(ctx, uid, organizationID); err == nil {
			return role, nil
		}
	}
	role, err := r.repo.GetRoleForUserInOrganization(ctx, uid, organizationID)
	if err != nil {
		return workplace.RoleNoAccess, err
	}
	if r.cache != nil {
		// Best effort: a failed repopulation only costs the next lookup.
		_ = r.cache.SetRole(ctx, uid, organizationID, role)
	}
	return role, nil
}
