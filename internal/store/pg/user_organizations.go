package pg

import (
	"bytes"
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/obs"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

// UserOrganizationsRepository owns the user-organization join and the
// organization-wide cascades: role changes, the paired initial building join
// on add, and the every-building removal cascade.
type UserOrganizationsRepository struct {
	s *Store
}

var _ workplace.UserOrganizationsRepository = (*UserOrganizationsRepository)(nil)

// GetRoleForUserInOrganization returns the stored role, or RoleNoAccess when
// the join or the organization is absent or disabled.
func (r *UserOrganizationsRepository) GetRoleForUserInOrganization(ctx context.Context, uid, organizationID uuid.UUID) (workplace.UserOrganizationRole, error) {
	var role workplace.UserOrganizationRole
	err := r.s.db.QueryRowContext(ctx, `
		select j.role
		from user_organization_join j
		join organizations o on o.id = j.organization_id
		where j.uid = $1 and j.organization_id = $2
		  and not j.disabled and not o.disabled
	`, uid, organizationID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return workplace.RoleNoAccess, nil
	}
	if err != nil {
		return workplace.RoleNoAccess, errors.Wrap(err, "get role")
	}
	return role, nil
}

// UpdateUserOrganizationNote updates only the admin note on the join,
// capturing the old value in the log.
func (r *UserOrganizationsRepository) UpdateUserOrganizationNote(ctx context.Context, uid, organizationID uuid.UUID, note string, actor workplace.Actor) (workplace.SqlQueryResult, error) {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return workplace.SqlQueryFailed, err
	}
	defer func() { _ = tx.Rollback() }()

	var oldNote string
	err = tx.QueryRowContext(ctx, `
		select note from user_organization_join
		where uid = $1 and organization_id = $2
		for update
	`, uid, organizationID).Scan(&oldNote)
	if errors.Is(err, sql.ErrNoRows) {
		return workplace.SqlQueryRecordDidNotExist, nil
	}
	if err != nil {
		return workplace.SqlQueryFailed, errors.Wrap(err, "load note")
	}

	if _, err := tx.ExecContext(ctx, `
		update user_organization_join
		set note = $3, updated_at = now()
		where uid = $1 and organization_id = $2
	`, uid, organizationID, note); err != nil {
		return workplace.SqlQueryFailed, errors.Wrap(err, "update note")
	}

	if _, err := r.s.appendLog(ctx, tx, workplace.LogEntry{
		TableName:   "user_organization_join",
		EntityUID:   uid,
		Action:      workplace.LogActionUpdate,
		OldValues:   map[string]any{"organization_id": organizationID.String(), "note": oldNote},
		NewValues:   map[string]any{"organization_id": organizationID.String(), "note": note},
		Description: "Updated user organization note",
		Actor:       actor,
	}); err != nil {
		return workplace.SqlQueryFailed, err
	}

	if err := tx.Commit(); err != nil {
		return workplace.SqlQueryFailed, err
	}
	return workplace.SqlQueryOk, nil
}

// MasterUpdateUserOrganization updates the join's role and flags, rolls the
// history slice and, when the change revokes the Admin role, deletes the
// user's admin grants in every building of the organization.
func (r *UserOrganizationsRepository) MasterUpdateUserOrganization(ctx context.Context, p workplace.UpdateUserOrganizationParams) (workplace.UserManagementResult, error) {
	start := r.s.now()
	res, err := r.masterUpdate(ctx, p)
	obs.ObserveRepoOp("MasterUpdateUserOrganization", res.String(), r.s.now().Sub(start))
	if err == nil && res == workplace.UserManagementOk {
		r.s.invalidatePermissions(ctx, p.UID, p.OrganizationID)
		r.s.emit(MutationEvent{
			Operation:      "MasterUpdateUserOrganization",
			UID:            p.UID,
			OrganizationID: p.OrganizationID,
			Result:         res.String(),
		})
	}
	return res, err
}

func (r *UserOrganizationsRepository) masterUpdate(ctx context.Context, p workplace.UpdateUserOrganizationParams) (workplace.UserManagementResult, error) {
	if !p.Role.Valid() {
		return workplace.UserManagementUnknownError, workplace.ErrInvalidInput
	}
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return workplace.UserManagementUnknownError, err
	}
	defer func() { _ = tx.Rollback() }()

	acquired, err := r.s.tryAdvisoryLock(ctx, tx, lockScopeUserOrganization, p.UID, p.OrganizationID)
	if err != nil {
		return workplace.UserManagementUnknownError, err
	}
	if !acquired {
		return workplace.UserManagementLockTimeout, nil
	}

	var old workplace.UserOrganizationJoin
	err = tx.QueryRowContext(ctx, `
		select uid, organization_id, role, note, contractor, visitor, disabled
		from user_organization_join
		where uid = $1 and organization_id = $2
		for update
	`, p.UID, p.OrganizationID).Scan(&old.UID, &old.OrganizationID, &old.Role,
		&old.Note, &old.Contractor, &old.Visitor, &old.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return workplace.UserDidNotExistInOrganization, nil
	}
	if err != nil {
		return workplace.UserManagementUnknownError, errors.Wrap(err, "load organization join")
	}

	if _, err := tx.ExecContext(ctx, `
		update user_organization_join
		set role = $3, note = $4, contractor = $5, visitor = $6, disabled = $7, updated_at = now()
		where uid = $1 and organization_id = $2
	`, p.UID, p.OrganizationID, int(p.Role), p.Note, p.Contractor, p.Visitor, p.Disabled); err != nil {
		return workplace.UserManagementUnknownError, errors.Wrap(err, "update organization join")
	}

	newValues := organizationJoinValues(workplace.UserOrganizationJoin{
		OrganizationID: p.OrganizationID,
		Role:           p.Role,
		Note:           p.Note,
		Contractor:     p.Contractor,
		Visitor:        p.Visitor,
		Disabled:       p.Disabled,
	})
	logID, err := r.s.appendLog(ctx, tx, workplace.LogEntry{
		TableName:   "user_organization_join",
		EntityUID:   p.UID,
		Action:      workplace.LogActionUpdate,
		OldValues:   organizationJoinValues(old),
		NewValues:   newValues,
		Description: "Updated user organization membership",
		Actor:       p.Actor,
	})
	if err != nil {
		return workplace.UserManagementUnknownError, err
	}

	w := r.s.newHistoryWindow(time.UTC)
	if err := r.s.closeJoinHistory(ctx, tx, "user_organization_join_histories", "organization_id", p.UID, p.OrganizationID, w, logID); err != nil {
		return workplace.UserManagementUnknownError, err
	}
	if err := r.s.openJoinHistory(ctx, tx, "user_organization_join_histories", "organization_id", p.UID, p.OrganizationID, newValues, w, logID); err != nil {
		return workplace.UserManagementUnknownError, err
	}

	if old.Role == workplace.RoleAdmin && p.Role != workplace.RoleAdmin {
		if err := r.revokeAdminGrants(ctx, tx, p.UID, p.OrganizationID, p.Actor, logID); err != nil {
			return workplace.UserManagementUnknownError, err
		}
	}

	if err := tx.Commit(); err != nil {
		return workplace.UserManagementUnknownError, err
	}
	return workplace.UserManagementOk, nil
}

// revokeAdminGrants deletes the user's admin-scoped grants in every building
// of the organization after the Admin role is revoked.
func (r *UserOrganizationsRepository) revokeAdminGrants(ctx context.Context, tx queryer, uid, organizationID uuid.UUID, actor workplace.Actor, cascadeLogID string) error {
	adminTables := []struct {
		table string
		idCol string
	}{
		{"user_admin_functions", "function_id"},
		{"user_admin_asset_types", "asset_type_id"},
	}
	for _, g := range adminTables {
		rows, err := tx.QueryContext(ctx, `
			delete from `+g.table+`
			where uid = $1
			  and building_id in (select id from buildings where organization_id = $2)
			returning building_id, `+g.idCol+`
		`, uid, organizationID)
		if err != nil {
			return errors.Wrapf(err, "revoke %s", g.table)
		}
		type pair struct{ buildingID, id uuid.UUID }
		var deleted []pair
		for rows.Next() {
			var p pair
			if err := rows.Scan(&p.buildingID, &p.id); err != nil {
				rows.Close()
				return errors.Wrapf(err, "scan %s", g.table)
			}
			deleted = append(deleted, p)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		entries := make([]workplace.LogEntry, 0, len(deleted))
		for _, d := range deleted {
			entries = append(entries, workplace.LogEntry{
				TableName: g.table,
				EntityUID: uid,
				Action:    workplace.LogActionDelete,
				OldValues: map[string]any{
					"building_id": d.buildingID.String(),
					g.idCol:       d.id.String(),
				},
				Description:  "Revoked admin grant after role change",
				Actor:        actor,
				CascadeFrom:  "user_organization_join",
				CascadeLogID: cascadeLogID,
			})
		}
		if err := r.s.appendLogs(ctx, tx, entries); err != nil {
			return err
		}
	}
	return nil
}

// MasterAddUserToOrganization inserts the organization join together with the
// initial building join it always pairs with, under advisory locks on both
// scopes.
func (r *UserOrganizationsRepository) MasterAddUserToOrganization(ctx context.Context, p workplace.AddUserToOrganizationParams) (workplace.UserManagementResult, *workplace.UserProfile, error) {
	start := r.s.now()
	res, profile, err := r.masterAdd(ctx, p)
	obs.ObserveRepoOp("MasterAddUserToOrganization", res.String(), r.s.now().Sub(start))
	if err == nil && res == workplace.UserManagementOk {
		r.s.invalidatePermissions(ctx, p.UID, p.OrganizationID)
		r.s.emit(MutationEvent{
			Operation:      "MasterAddUserToOrganization",
			UID:            p.UID,
			OrganizationID: p.OrganizationID,
			BuildingID:     p.Building.BuildingID,
			Result:         res.String(),
		})
	}
	return res, profile, err
}

func (r *UserOrganizationsRepository) masterAdd(ctx context.Context, p workplace.AddUserToOrganizationParams) (workplace.UserManagementResult, *workplace.UserProfile, error) {
	if !p.Role.Valid() {
		return workplace.UserManagementUnknownError, nil, workplace.ErrInvalidInput
	}
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ub := &UserBuildingsRepository{s: r.s}
	if res, err := ub.validateGrants(ctx, tx, p.Building); err != nil || res != workplace.UserManagementOk {
		return res, nil, err
	}

	acquired, err := r.s.tryAdvisoryLock(ctx, tx, lockScopeUserOrganization, p.UID, p.OrganizationID)
	if err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}
	if !acquired {
		return workplace.UserManagementLockTimeout, nil, nil
	}
	acquired, err = r.s.tryAdvisoryLock(ctx, tx, lockScopeUserBuilding, p.UID, p.Building.BuildingID)
	if err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}
	if !acquired {
		return workplace.UserManagementLockTimeout, nil, nil
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		select exists (select 1 from user_organization_join where uid = $1 and organization_id = $2)
	`, p.UID, p.OrganizationID).Scan(&exists); err != nil {
		return workplace.UserManagementUnknownError, nil, errors.Wrap(err, "check organization join")
	}
	if exists {
		return workplace.UserAlreadyExistsInOrganization, nil, nil
	}
	if err := tx.QueryRowContext(ctx, `
		select exists (select 1 from user_building_join where uid = $1 and building_id = $2)
	`, p.UID, p.Building.BuildingID).Scan(&exists); err != nil {
		return workplace.UserManagementUnknownError, nil, errors.Wrap(err, "check building join")
	}
	if exists {
		return workplace.UserAlreadyExistsInBuilding, nil, nil
	}

	now := r.s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		insert into user_organization_join
			(uid, organization_id, role, note, contractor, visitor, disabled, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, false, $7, $7)
	`, p.UID, p.OrganizationID, int(p.Role), p.Note, p.Contractor, p.Visitor, now); err != nil {
		switch pgErrCode(err) {
		case pgUniqueViolation:
			return workplace.UserAlreadyExistsInOrganization, nil, nil
		case pgForeignKeyViolation:
			return workplace.UserManagementUnknownError, nil, errors.Wrap(workplace.ErrInvalidInput, err.Error())
		}
		return workplace.UserManagementUnknownError, nil, errors.Wrap(err, "insert organization join")
	}

	orgValues := organizationJoinValues(workplace.UserOrganizationJoin{
		OrganizationID: p.OrganizationID,
		Role:           p.Role,
		Note:           p.Note,
		Contractor:     p.Contractor,
		Visitor:        p.Visitor,
	})
	orgLogID, err := r.s.appendLog(ctx, tx, workplace.LogEntry{
		TableName:   "user_organization_join",
		EntityUID:   p.UID,
		Action:      workplace.LogActionInsert,
		NewValues:   orgValues,
		Description: "Added user to organization",
		Actor:       p.Actor,
	})
	if err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	w := r.s.newHistoryWindow(time.UTC)
	if err := r.s.openJoinHistory(ctx, tx, "user_organization_join_histories", "organization_id", p.UID, p.OrganizationID, orgValues, w, orgLogID); err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	b := p.Building
	b.UID = p.UID
	b.OrganizationID = p.OrganizationID
	b.Actor = p.Actor
	if _, err := tx.ExecContext(ctx, `
		insert into user_building_join
			(uid, building_id, function_id, first_aid_officer, fire_warden, peer_support_officer,
			 allow_booking_desk_type, allow_booking_restricted, allow_booking_anyone_anyday,
			 created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, b.UID, b.BuildingID, b.FunctionID, b.FirstAidOfficer, b.FireWarden, b.PeerSupportOfficer,
		b.AllowBookingDeskType, b.AllowBookingRestricted, b.AllowBookingAnyoneAnyday, now); err != nil {
		switch pgErrCode(err) {
		case pgUniqueViolation:
			return workplace.UserAlreadyExistsInBuilding, nil, nil
		case pgForeignKeyViolation:
			return workplace.UserManagementUnknownError, nil, errors.Wrap(workplace.ErrInvalidInput, err.Error())
		}
		return workplace.UserManagementUnknownError, nil, errors.Wrap(err, "insert building join")
	}

	buildingValues := buildingJoinValues(joinFromParams(b), b.BuildingID)
	buildingLogID, err := r.s.appendLog(ctx, tx, workplace.LogEntry{
		TableName:    "user_building_join",
		EntityUID:    p.UID,
		Action:       workplace.LogActionInsert,
		NewValues:    buildingValues,
		Description:  "Added user to initial building",
		Actor:        p.Actor,
		CascadeFrom:  "user_organization_join",
		CascadeLogID: orgLogID,
	})
	if err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	loc := ub.buildingLocation(ctx, tx, b.BuildingID, p.OrganizationID)
	bw := r.s.newHistoryWindow(loc)
	if err := r.s.openJoinHistory(ctx, tx, "user_building_join_histories", "building_id", p.UID, b.BuildingID, buildingValues, bw, buildingLogID); err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}
	if err := ub.insertGrants(ctx, tx, b, "user_organization_join", orgLogID); err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	if err := tx.Commit(); err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	// Both joins are committed at this point. A failed read-back of the
	// profile must not report the mutation as failed.
	profile, err := r.s.hydrateUserProfile(ctx, r.s.db, p.UID)
	if err != nil {
		return workplace.UserManagementOk, nil, nil
	}
	return workplace.UserManagementOk, profile, nil
}

// MasterRemoveUserFromOrganization removes the organization join and runs the
// building removal cascade in every building of the organization the user
// belongs to. Requires a matching concurrency key.
func (r *UserOrganizationsRepository) MasterRemoveUserFromOrganization(ctx context.Context, p workplace.RemoveUserFromOrganizationParams) (workplace.UserManagementResult, error) {
	start := r.s.now()
	res, err := r.masterRemove(ctx, p)
	obs.ObserveRepoOp("MasterRemoveUserFromOrganization", res.String(), r.s.now().Sub(start))
	if err == nil && res == workplace.UserManagementOk {
		r.s.invalidatePermissions(ctx, p.UID, p.OrganizationID)
		r.s.emit(MutationEvent{
			Operation:      "MasterRemoveUserFromOrganization",
			UID:            p.UID,
			OrganizationID: p.OrganizationID,
			Result:         res.String(),
		})
	}
	return res, err
}

func (r *UserOrganizationsRepository) masterRemove(ctx context.Context, p workplace.RemoveUserFromOrganizationParams) (workplace.UserManagementResult, error) {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return workplace.UserManagementUnknownError, err
	}
	defer func() { _ = tx.Rollback() }()

	var storedKey []byte
	err = tx.QueryRowContext(ctx, `
		select concurrency_key from users where uid = $1 for update
	`, p.UID).Scan(&storedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return workplace.UserDidNotExist, nil
	}
	if err != nil {
		return workplace.UserManagementUnknownError, errors.Wrap(err, "load user")
	}
	if !bytes.Equal(storedKey, p.ConcurrencyKey) {
		return workplace.ConcurrencyKeyInvalid, nil
	}

	acquired, err := r.s.tryAdvisoryLock(ctx, tx, lockScopeUserOrganization, p.UID, p.OrganizationID)
	if err != nil {
		return workplace.UserManagementUnknownError, err
	}
	if !acquired {
		return workplace.UserManagementLockTimeout, nil
	}

	var old workplace.UserOrganizationJoin
	err = tx.QueryRowContext(ctx, `
		select uid, organization_id, role, note, contractor, visitor, disabled
		from user_organization_join
		where uid = $1 and organization_id = $2
		for update
	`, p.UID, p.OrganizationID).Scan(&old.UID, &old.OrganizationID, &old.Role,
		&old.Note, &old.Contractor, &old.Visitor, &old.Disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return workplace.UserDidNotExistInOrganization, nil
	}
	if err != nil {
		return workplace.UserManagementUnknownError, errors.Wrap(err, "load organization join")
	}

	// Snapshot every building in the organization before deleting anything.
	// Permanent seats and bookings can exist even where the join is already
	// gone, so the sweep cannot be limited to current memberships.
	type buildingRow struct {
		id       uuid.UUID
		timezone string
	}
	rows, err := tx.QueryContext(ctx, `
		select id, timezone
		from buildings
		where organization_id = $1
		order by name
	`, p.OrganizationID)
	if err != nil {
		return workplace.UserManagementUnknownError, errors.Wrap(err, "load organization buildings")
	}
	var buildings []buildingRow
	for rows.Next() {
		var b buildingRow
		if err := rows.Scan(&b.id, &b.timezone); err != nil {
			rows.Close()
			return workplace.UserManagementUnknownError, errors.Wrap(err, "scan organization building")
		}
		buildings = append(buildings, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return workplace.UserManagementUnknownError, err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `
		delete from user_organization_join where uid = $1 and organization_id = $2
	`, p.UID, p.OrganizationID); err != nil {
		return workplace.UserManagementUnknownError, errors.Wrap(err, "delete organization join")
	}

	orgLogID, err := r.s.appendLog(ctx, tx, workplace.LogEntry{
		TableName:   "user_organization_join",
		EntityUID:   p.UID,
		Action:      workplace.LogActionDelete,
		OldValues:   organizationJoinValues(old),
		Description: "Removed user from organization",
		Actor:       p.Actor,
	})
	if err != nil {
		return workplace.UserManagementUnknownError, err
	}

	w := r.s.newHistoryWindow(time.UTC)
	if err := r.s.closeJoinHistory(ctx, tx, "user_organization_join_histories", "organization_id", p.UID, p.OrganizationID, w, orgLogID); err != nil {
		return workplace.UserManagementUnknownError, err
	}

	for _, b := range buildings {
		loc, err := time.LoadLocation(b.timezone)
		if err != nil {
			loc = time.UTC
		}
		res, err := r.s.removeUserFromBuildingTx(ctx, tx, p.UID, p.OrganizationID, b.id, loc, p.Actor,
			"user_organization_join", orgLogID, cancelReasonRemovedFromOrganization)
		if err != nil {
			return workplace.UserManagementUnknownError, err
		}
		switch res {
		case workplace.UserManagementOk:
		case workplace.UserDidNotExistInBuilding:
			// No join here, but a permanent seat or booking may still
			// reference the user. Sweep those under the same cascade link.
			if err := r.s.releaseBuildingResources(ctx, tx, p.UID, b.id, loc, p.Actor,
				"user_organization_join", orgLogID, cancelReasonRemovedFromOrganization); err != nil {
				return workplace.UserManagementUnknownError, err
			}
		default:
			return res, nil
		}
	}

	if _, err := r.s.rotateConcurrencyKey(ctx, tx, p.UID); err != nil {
		return workplace.UserManagementUnknownError, err
	}
	if err := tx.Commit(); err != nil {
		return workplace.UserManagementUnknownError, err
	}
	return workplace.UserManagementOk, nil
}

func organizationJoinValues(j workplace.UserOrganizationJoin) map[string]any {
	return map[string]any{
		"organization_id": j.OrganizationID.String(),
		"role":            j.Role.String(),
		"note":            j.Note,
		"contractor":      j.Contractor,
		"visitor":         j.Visitor,
		"disabled":        j.Disabled,
	}
}
