package pg

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

// hydrateUserProfile rebuilds the full profile snapshot returned after master
// mutations: the user row, every organization and building membership, grant
// lists, permanent seats and the resources the user may book. Reads run
// outside the mutating transaction, after commit.
func (s *Store) hydrateUserProfile(ctx context.Context, q queryer, uid uuid.UUID) (*workplace.UserProfile, error) {
	var u workplace.User
	err := q.QueryRowContext(ctx, `
		select uid, email, first_name, last_name, display_name, disabled, concurrency_key,
		       created_at, updated_at
		from users
		where uid = $1
	`, uid).Scan(&u.UID, &u.Email, &u.FirstName, &u.LastName, &u.DisplayName, &u.Disabled,
		&u.ConcurrencyKey, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workplace.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load user")
	}

	orgs, err := s.loadOrganizationAccess(ctx, q, uid)
	if err != nil {
		return nil, err
	}
	buildings, err := s.loadBuildingAccess(ctx, q, uid)
	if err != nil {
		return nil, err
	}

	byOrg := make(map[uuid.UUID][]workplace.UserBuildingAccess)
	for _, b := range buildings {
		byOrg[b.Building.OrganizationID] = append(byOrg[b.Building.OrganizationID], b)
	}
	for i := range orgs {
		orgs[i].Buildings = byOrg[orgs[i].Organization.ID]
	}

	return &workplace.UserProfile{User: u, Organizations: orgs}, nil
}

func (s *Store) loadOrganizationAccess(ctx context.Context, q queryer, uid uuid.UUID) ([]workplace.UserOrganizationAccess, error) {
	rows, err := q.QueryContext(ctx, `
		select o.id, o.name, o.disabled, o.automatic_user_inactivity, o.check_in_enabled,
		       o.workplace_access_requested, o.created_at, o.updated_at,
		       j.role, j.note, j.contractor, j.visitor, j.disabled, j.created_at, j.updated_at
		from user_organization_join j
		join organizations o on o.id = j.organization_id
		where j.uid = $1
		order by o.name
	`, uid)
	if err != nil {
		return nil, errors.Wrap(err, "load organization joins")
	}
	defer rows.Close()

	var out []workplace.UserOrganizationAccess
	for rows.Next() {
		var a workplace.UserOrganizationAccess
		a.Join.UID = uid
		if err := rows.Scan(
			&a.Organization.ID, &a.Organization.Name, &a.Organization.Disabled,
			&a.Organization.AutomaticUserInactivity, &a.Organization.CheckInEnabled,
			&a.Organization.WorkplaceAccessRequested, &a.Organization.CreatedAt, &a.Organization.UpdatedAt,
			&a.Join.Role, &a.Join.Note, &a.Join.Contractor, &a.Join.Visitor, &a.Join.Disabled,
			&a.Join.CreatedAt, &a.Join.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan organization join")
		}
		a.Join.OrganizationID = a.Organization.ID
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) loadBuildingAccess(ctx context.Context, q queryer, uid uuid.UUID) ([]workplace.UserBuildingAccess, error) {
	rows, err := q.QueryContext(ctx, `
		select b.id, b.organization_id, b.name, b.timezone, b.created_at, b.updated_at,
		       j.function_id, coalesce(f.name, ''),
		       j.first_aid_officer, j.fire_warden, j.peer_support_officer,
		       j.allow_booking_desk_type, j.allow_booking_restricted, j.allow_booking_anyone_anyday,
		       j.created_at, j.updated_at
		from user_building_join j
		join buildings b on b.id = j.building_id
		left join functions f on f.id = j.function_id
		where j.uid = $1
		order by b.name
	`, uid)
	if err != nil {
		return nil, errors.Wrap(err, "load building joins")
	}
	defer rows.Close()

	var out []workplace.UserBuildingAccess
	for rows.Next() {
		var a workplace.UserBuildingAccess
		a.Join.UID = uid
		if err := rows.Scan(
			&a.Building.ID, &a.Building.OrganizationID, &a.Building.Name, &a.Building.Timezone,
			&a.Building.CreatedAt, &a.Building.UpdatedAt,
			&a.Join.FunctionID, &a.FunctionName,
			&a.Join.FirstAidOfficer, &a.Join.FireWarden, &a.Join.PeerSupportOfficer,
			&a.Join.AllowBookingDeskType, &a.Join.AllowBookingRestricted, &a.Join.AllowBookingAnyoneAnyday,
			&a.Join.CreatedAt, &a.Join.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan building join")
		}
		a.Join.BuildingID = a.Building.ID
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}

	grants, err := s.loadGrantIDs(ctx, q, uid)
	if err != nil {
		return nil, err
	}
	permDesks, permAssets, err := s.loadPermanentSeats(ctx, q, uid)
	if err != nil {
		return nil, err
	}

	for i := range out {
		bid := out[i].Building.ID
		out[i].AssetTypeIDs = grants["user_asset_types"][bid]
		out[i].AdminFunctionIDs = grants["user_admin_functions"][bid]
		out[i].AdminAssetTypeIDs = grants["user_admin_asset_types"][bid]
		out[i].PermanentDesk = permDesks[bid]
		out[i].PermanentAssets = permAssets[bid]

		desks, rooms, err := s.loadBookableResources(ctx, q, out[i].Building.ID, out[i].Join)
		if err != nil {
			return nil, err
		}
		out[i].BookableDeskIDs = desks
		out[i].BookableRoomIDs = rooms
	}
	return out, nil
}

// loadGrantIDs returns the user's grant ids for all buildings at once, keyed
// by table then building.
func (s *Store) loadGrantIDs(ctx context.Context, q queryer, uid uuid.UUID) (map[string]map[uuid.UUID][]uuid.UUID, error) {
	out := make(map[string]map[uuid.UUID][]uuid.UUID, len(grantTables))
	for _, g := range grantTables {
		rows, err := q.QueryContext(ctx, `
			select building_id, `+g.idCol+` from `+g.table+` where uid = $1
		`, uid)
		if err != nil {
			return nil, errors.Wrapf(err, "load %s", g.table)
		}
		byBuilding := make(map[uuid.UUID][]uuid.UUID)
		for rows.Next() {
			var buildingID, id uuid.UUID
			if err := rows.Scan(&buildingID, &id); err != nil {
				rows.Close()
				return nil, errors.Wrapf(err, "scan %s", g.table)
			}
			byBuilding[buildingID] = append(byBuilding[buildingID], id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		out[g.table] = byBuilding
	}
	return out, nil
}

func (s *Store) loadPermanentSeats(ctx context.Context, q queryer, uid uuid.UUID) (map[uuid.UUID]*workplace.PermanentSeat, map[uuid.UUID][]workplace.PermanentSeat, error) {
	desks := make(map[uuid.UUID]*workplace.PermanentSeat)
	rows, err := q.QueryContext(ctx, `
		select id, building_id, name from desks where permanent_owner_uid = $1
	`, uid)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load permanent desks")
	}
	for rows.Next() {
		var seat workplace.PermanentSeat
		if err := rows.Scan(&seat.ID, &seat.BuildingID, &seat.Name); err != nil {
			rows.Close()
			return nil, nil, errors.Wrap(err, "scan permanent desk")
		}
		if _, ok := desks[seat.BuildingID]; !ok {
			desks[seat.BuildingID] = &seat
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, err
	}
	rows.Close()

	assets := make(map[uuid.UUID][]workplace.PermanentSeat)
	rows, err = q.QueryContext(ctx, `
		select id, building_id, name from asset_slots where permanent_owner_uid = $1
	`, uid)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load permanent asset slots")
	}
	defer rows.Close()
	for rows.Next() {
		var seat workplace.PermanentSeat
		if err := rows.Scan(&seat.ID, &seat.BuildingID, &seat.Name); err != nil {
			return nil, nil, errors.Wrap(err, "scan permanent asset slot")
		}
		assets[seat.BuildingID] = append(assets[seat.BuildingID], seat)
	}
	return desks, assets, rows.Err()
}

// loadBookableResources resolves which desks and meeting rooms the join's
// booking flags allow. Restricted rooms are visible only with the restricted
// flag.
func (s *Store) loadBookableResources(ctx context.Context, q queryer, buildingID uuid.UUID, j workplace.UserBuildingJoin) ([]uuid.UUID, []uuid.UUID, error) {
	var deskIDs []uuid.UUID
	if j.AllowBookingDeskType {
		rows, err := q.QueryContext(ctx, `
			select id from desks where building_id = $1 and desk_type = 'flexible'
		`, buildingID)
		if err != nil {
			return nil, nil, errors.Wrap(err, "load bookable desks")
		}
		deskIDs, err = collectIDs(rows)
		if err != nil {
			return nil, nil, errors.Wrap(err, "collect bookable desk ids")
		}
	}

	rows, err := q.QueryContext(ctx, `
		select id from meeting_rooms
		where building_id = $1 and (not restricted or $2)
	`, buildingID, j.AllowBookingRestricted)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load bookable rooms")
	}
	roomIDs, err := collectIDs(rows)
	if err != nil {
		return nil, nil, errors.Wrap(err, "collect bookable room ids")
	}
	return deskIDs, roomIDs, nil
}
