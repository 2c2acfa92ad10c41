package permcache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := context.Background()
	uid, orgID := uuid.New(), uuid.New()

	_, err := c.GetRole(ctx, uid, orgID)
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.SetRole(ctx, uid, orgID, workplace.RoleAdmin))
	role, err := c.GetRole(ctx, uid, orgID)
	require.NoError(t, err)
	assert.Equal(t, workplace.RoleAdmin, role)

	require.NoError(t, c.InvalidateUserOrganizationPermissionCache(ctx, uid, orgID))
	_, err = c.GetRole(ctx, uid, orgID)
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemory(time.Minute)
	at := time.Date(2026, time.March, 14, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return at }
	ctx := context.Background()
	uid, orgID := uuid.New(), uuid.New()

	require.NoError(t, c.SetRole(ctx, uid, orgID, workplace.RoleUser))
	at = at.Add(2 * time.Minute)
	_, err := c.GetRole(ctx, uid, orgID)
	assert.ErrorIs(t, err, ErrMiss)
}

type fakeOrgRepo struct {
	role  workplace.UserOrganizationRole
	calls int
}

func (f *fakeOrgRepo) GetRoleForUserInOrganization(context.Context, uuid.UUID, uuid.UUID) (workplace.UserOrganizationRole, error) {
	f.calls++
	return f.role, nil
}

func (f *fakeOrgRepo) UpdateUserOrganizationNote(context.Context, uuid.UUID, uuid.UUID, string, workplace.Actor) (workplace.SqlQueryResult, error) {
	return workplace.SqlQueryOk, nil
}

func (f *fakeOrgRepo) MasterUpdateUserOrganization(context.Context, workplace.UpdateUserOrganizationParams) (workplace.UserManagementResult, error) {
	return workplace.UserManagementOk, nil
}

func (f *fakeOrgRepo) MasterAddUserToOrganization(context.Context, workplace.AddUserToOrganizationParams) (workplace.UserManagementResult, *workplace.UserProfile, error) {
	return workplace.UserManagementOk, nil, nil
}

func (f *fakeOrgRepo) MasterRemoveUserFromOrganization(context.Context, workplace.RemoveUserFromOrganizationParams) (workplace.UserManagementResult, error) {
	return workplace.UserManagementOk, nil
}

func TestResolverCachesLookups(t *testing.T) {
	repo := &fakeOrgRepo{role: workplace.RoleSuperAdmin}
	r := NewResolver(NewMemory(time.Minute), repo)
	ctx := context.Background()
	uid, orgID := uuid.New(), uuid.New()

	role, err := r.RoleForUserInOrganization(ctx, uid, orgID)
	require.NoError(t, err)
	assert.Equal(t, workplace.RoleSuperAdmin, role)
	assert.Equal(t, 1, repo.calls)

	// Second resolution is served from the cache.
	role, err = r.RoleForUserInOrganization(ctx, uid, orgID)
	require.NoError(t, err)
	assert.Equal(t, workplace.RoleSuperAdmin, role)
	assert.Equal(t, 1, repo.calls)
}

func TestResolverWithoutCache(t *testing.T) {
	repo := &fakeOrgRepo{role: workplace.RoleUser}
	r := NewResolver(nil, repo)

	role, err := r.RoleForUserInOrganization(context.Background(), uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, workplace.RoleUser, role)
	assert.Equal(t, 1, repo.calls)
}
