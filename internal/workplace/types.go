package workplace

import (
	"time"

	"github.com/google/uuid"
)

// EndOfTheWorld is the far-future sentinel marking a history slice as the
// currently active one.
var EndOfTheWorld = time.Date(9999, time.December, 31, 23, 59, 59, 999000000, time.UTC)

// TruncateToQuarterHour rounds t down to the nearest 15-minute boundary.
// History slices always close on these boundaries so reporting buckets line up.
func TruncateToQuarterHour(t time.Time) time.Time {
	return t.UTC().Truncate(15 * time.Minute)
}

// UserOrganizationRole is the role a user holds within an organization.
type UserOrganizationRole int

const (
	RoleNoAccess   UserOrganizationRole = 0
	RoleUser       UserOrganizationRole = 1
	RoleAdmin      UserOrganizationRole = 2
	RoleSuperAdmin UserOrganizationRole = 3
	RoleTablet     UserOrganizationRole = 4
)

func (r UserOrganizationRole) String() string {
	switch r {
	case RoleNoAccess:
		return "NoAccess"
	case RoleUser:
		return "User"
	case RoleAdmin:
		return "Admin"
	case RoleSuperAdmin:
		return "SuperAdmin"
	case RoleTablet:
		return "Tablet"
	default:
		return "Unknown"
	}
}

// Valid reports whether r is one of the defined roles.
func (r UserOrganizationRole) Valid() bool {
	return r >= RoleNoAccess && r <= RoleTablet
}

// User is an identity with profile fields. Soft-deleted via Disabled.
// ConcurrencyKey is a small fixed-length byte token regenerated by the store
// on every write to the user row; callers echo it back so stale client state
// is rejected.
type User struct {
	UID            uuid.UUID
	Email          string
	FirstName      string
	LastName       string
	DisplayName    string
	Disabled       bool
	ConcurrencyKey []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Organization is the tenant container.
type Organization struct {
	ID                       uuid.UUID
	Name                     string
	Disabled                 bool
	AutomaticUserInactivity  bool
	CheckInEnabled           bool
	WorkplaceAccessRequested bool
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// Building belongs to exactly one organization. Timezone is an IANA zone id
// used to compute local-time columns on history and cancellation rows.
type Building struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	Timezone       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserOrganizationJoin is a user's membership in an organization.
// Unique per (UID, OrganizationID).
type UserOrganizationJoin struct {
	UID            uuid.UUID
	OrganizationID uuid.UUID
	Role           UserOrganizationRole
	Note           string
	Contractor     bool
	Visitor        bool
	Disabled       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserBuildingJoin is a user's membership in a building.
// Unique per (UID, BuildingID).
type UserBuildingJoin struct {
	UID                      uuid.UUID
	BuildingID               uuid.UUID
	FunctionID               uuid.UUID
	FirstAidOfficer          bool
	FireWarden               bool
	PeerSupportOfficer       bool
	AllowBookingDeskType     bool
	AllowBookingRestricted   bool
	AllowBookingAnyoneAnyday bool
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// LogAction tags a log row with the kind of mutation it records.
type LogAction string

const (
	LogActionInsert LogAction = "Insert"
	LogActionUpdate LogAction = "Update"
	LogActionDelete LogAction = "Delete"
)

// Actor identifies the principal a mutation is attributed to.
type Actor struct {
	UID         uuid.UUID
	DisplayName string
	IPAddress   string
}

// LogEntry is one immutable audit record of a single mutation. CascadeFrom and
// CascadeLogID link dependent writes back to the log row of the mutation that
// triggered them.
type LogEntry struct {
	ID           string
	TableName    string
	EntityUID    uuid.UUID
	Action       LogAction
	OldValues    map[string]any
	NewValues    map[string]any
	Description  string
	Actor        Actor
	CascadeFrom  string
	CascadeLogID string
	CreatedAt    time.Time
}

// RefreshToken is an opaque one-time-use token bound to a user.
type RefreshToken struct {
	UID       uuid.UUID
	Token     []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

// PermanentSeat describes a permanently assigned desk or asset slot owned by a
// user in a building.
type PermanentSeat struct {
	ID         uuid.UUID
	BuildingID uuid.UUID
	Name       string
}

// UserBuildingAccess is the per-building portion of a rehydrated profile.
type UserBuildingAccess struct {
	Building          Building
	Join              UserBuildingJoin
	FunctionName      string
	PermanentDesk     *PermanentSeat
	PermanentAssets   []PermanentSeat
	AssetTypeIDs      []uuid.UUID
	AdminFunctionIDs  []uuid.UUID
	AdminAssetTypeIDs []uuid.UUID
	BookableDeskIDs   []uuid.UUID
	BookableRoomIDs   []uuid.UUID
}

// UserOrganizationAccess is the per-organization portion of a rehydrated
// profile.
type UserOrganizationAccess struct {
	Organization Organization
	Join         UserOrganizationJoin
	Buildings    []UserBuildingAccess
}

// UserProfile is the full snapshot returned to callers after successful
// master mutations: the user row plus every organization and building the
// user can reach, with bookable-resource ids and admin scopes resolved.
type UserProfile struct {
	User          User
	Organizations []UserOrganizationAccess
}

// LastUsedBuildingChannel distinguishes the web and mobile pointers.
type LastUsedBuildingChannel string

const (
	ChannelWeb    LastUsedBuildingChannel = "web"
	ChannelMobile LastUsedBuildingChannel = "mobile"
)
