package workplace

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store groups the repositories the data layer exposes. Each repository opens
// its work on the shared pool; mutating methods run their whole cascade inside
// a single transaction.
type Store interface {
	RefreshTokens() RefreshTokensRepository
	UserBuildings() UserBuildingsRepository
	UserOrganizations() UserOrganizationsRepository
	UserLastUsedBuilding() UserLastUsedBuildingRepository
}

// RefreshTokensRepository persists one-time-use refresh tokens.
type RefreshTokensRepository interface {
	StoreRefreshToken(ctx context.Context, uid uuid.UUID, token []byte, expiresAt time.Time) error
	// ValidateAndConsumeRefreshToken atomically deletes the row matching
	// (uid, token) with an unexpired expiry and reports whether a row was
	// deleted. Expired, missing and mismatched tokens all return false.
	ValidateAndConsumeRefreshToken(ctx context.Context, uid uuid.UUID, token []byte) (bool, error)
	ClearRefreshTokens(ctx context.Context, uid uuid.UUID) error
}

// AddUserToBuildingParams carries the inputs of MasterAddUserToBuilding.
type AddUserToBuildingParams struct {
	UID            uuid.UUID
	OrganizationID uuid.UUID
	BuildingID     uuid.UUID

	FunctionID               uuid.UUID
	FirstAidOfficer          bool
	FireWarden               bool
	PeerSupportOfficer       bool
	AllowBookingDeskType     bool
	AllowBookingRestricted   bool
	AllowBookingAnyoneAnyday bool

	AssetTypeIDs      []uuid.UUID
	AdminFunctionIDs  []uuid.UUID
	AdminAssetTypeIDs []uuid.UUID

	Actor Actor
}

// UpdateUserBuildingParams carries the inputs of MasterUpdateUserBuilding.
// Grant slices are the desired end state; the repository reconciles them
// against the stored sets.
type UpdateUserBuildingParams = AddUserToBuildingParams

// RemoveUserFromBuildingParams carries the inputs of
// MasterRemoveUserFromBuilding. ConcurrencyKey must match the stored user row.
type RemoveUserFromBuildingParams struct {
	UID            uuid.UUID
	OrganizationID uuid.UUID
	BuildingID     uuid.UUID
	ConcurrencyKey []byte
	Actor          Actor
}

// UserBuildingsRepository owns the user-building join and its cascades.
type UserBuildingsRepository interface {
	MasterAddUserToBuilding(ctx context.Context, p AddUserToBuildingParams) (UserManagementResult, *UserProfile, error)
	MasterUpdateUserBuilding(ctx context.Context, p UpdateUserBuildingParams) (UserManagementResult, *UserProfile, error)
	MasterRemoveUserFromBuilding(ctx context.Context, p RemoveUserFromBuildingParams) (UserManagementResult, error)
}

// UserLastUsedBuildingRepository upserts the per-user last-used-building
// pointer, tracked separately per channel.
type UserLastUsedBuildingRepository interface {
	SetLastUsedBuilding(ctx context.Context, uid, buildingID uuid.UUID, channel LastUsedBuildingChannel) (SqlQueryResult, error)
	GetLastUsedBuilding(ctx context.Context, uid uuid.UUID, channel LastUsedBuildingChannel) (uuid.UUID, SqlQueryResult, error)
}

// UpdateUserOrganizationParams carries the inputs of
// MasterUpdateUserOrganization.
type UpdateUserOrganizationParams struct {
	UID            uuid.UUID
	OrganizationID uuid.UUID
	Role           UserOrganizationRole
	Note           string
	Contractor     bool
	Visitor        bool
	Disabled       bool
	Actor          Actor
}

// AddUserToOrganizationParams combines the organization join with the initial
// building join it always pairs with.
type AddUserToOrganizationParams struct {
	UID            uuid.UUID
	OrganizationID uuid.UUID
	Role           UserOrganizationRole
	Note           string
	Contractor     bool
	Visitor        bool

	Building AddUserToBuildingParams

	Actor Actor
}

// RemoveUserFromOrganizationParams carries the inputs of
// MasterRemoveUserFromOrganization.
type RemoveUserFromOrganizationParams struct {
	UID            uuid.UUID
	OrganizationID uuid.UUID
	ConcurrencyKey []byte
	Actor          Actor
}

// UserOrganizationsRepository owns the user-organization join and the
// organization-wide cascades.
type UserOrganizationsRepository interface {
	// GetRoleForUserInOrganization returns RoleNoAccess when the join or the
	// organization is absent or disabled. The only repository method that
	// honours cancellation mid-flight; mutations run to completion.
	GetRoleForUserInOrganization(ctx context.Context, uid, organizationID uuid.UUID) (UserOrganizationRole, error)
	UpdateUserOrganizationNote(ctx context.Context, uid, organizationID uuid.UUID, note string, actor Actor) (SqlQueryResult, error)
	MasterUpdateUserOrganization(ctx context.Context, p UpdateUserOrganizationParams) (UserManagementResult, error)
	MasterAddUserToOrganization(ctx context.Context, p AddUserToOrganizationParams) (UserManagementResult, *UserProfile, error)
	MasterRemoveUserFromOrganization(ctx context.Context, p RemoveUserFromOrganizationParams) (UserManagementResult, error)
}

// PermissionCache is notified after successful organization-level mutations so
// cached authorization decisions are refreshed for in-flight sessions.
type PermissionCache interface {
	InvalidateUserOrganizationPermissionCache(ctx context.Context, uid, organizationID uuid.UUID) error
}
