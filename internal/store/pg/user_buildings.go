package pg

import (
	"bytes"
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/obs"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

// UserBuildingsRepository owns the user-building join, its grant tables and
// the removal cascade.
type UserBuildingsRepository struct {
	s *Store
}

var _ workplace.UserBuildingsRepository = (*UserBuildingsRepository)(nil)

// MasterAddUserToBuilding inserts the join row if absent, together with the
// supplied grants, history and log rows. Conflicting concurrent adds for the
// same (uid, buildingId) pair are serialized by a zero-wait advisory lock.
func (r *UserBuildingsRepository) MasterAddUserToBuilding(ctx context.Context, p workplace.AddUserToBuildingParams) (workplace.UserManagementResult, *workplace.UserProfile, error) {
	start := r.s.now()
	res, profile, err := r.masterAdd(ctx, p)
	obs.ObserveRepoOp("MasterAddUserToBuilding", res.String(), r.s.now().Sub(start))
	if err == nil && res == workplace.UserManagementOk {
		r.s.emit(MutationEvent{
			Operation:      "MasterAddUserToBuilding",
			UID:            p.UID,
			OrganizationID: p.OrganizationID,
			BuildingID:     p.BuildingID,
			Result:         res.String(),
		})
	}
	return res, profile, err
}

func (r *UserBuildingsRepository) masterAdd(ctx context.Context, p workplace.AddUserToBuildingParams) (workplace.UserManagementResult, *workplace.UserProfile, error) {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if res, err := r.validateGrants(ctx, tx, p); err != nil || res != workplace.UserManagementOk {
		return res, nil, err
	}

	acquired, err := r.s.tryAdvisoryLock(ctx, tx, lockScopeUserBuilding, p.UID, p.BuildingID)
	if err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}
	if !acquired {
		return workplace.UserManagementLockTimeout, nil, nil
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		select exists (select 1 from user_building_join where uid = $1 and building_id = $2)
	`, p.UID, p.BuildingID).Scan(&exists); err != nil {
		return workplace.UserManagementUnknownError, nil, errors.Wrap(err, "check building join")
	}
	if exists {
		return workplace.UserAlreadyExistsInBuilding, nil, nil
	}

	now := r.s.now().UTC()
	if _, err := tx.ExecContext(ctx, `
		insert into user_building_join
			(uid, building_id, function_id, first_aid_officer, fire_warden, peer_support_officer,
			 allow_booking_desk_type, allow_booking_restricted, allow_booking_anyone_anyday,
			 created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, p.UID, p.BuildingID, p.FunctionID, p.FirstAidOfficer, p.FireWarden, p.PeerSupportOfficer,
		p.AllowBookingDeskType, p.AllowBookingRestricted, p.AllowBookingAnyoneAnyday, now); err != nil {
		switch pgErrCode(err) {
		case pgUniqueViolation:
			return workplace.UserAlreadyExistsInBuilding, nil, nil
		case pgForeignKeyViolation:
			return workplace.UserManagementUnknownError, nil, errors.Wrap(workplace.ErrInvalidInput, err.Error())
		}
		return workplace.UserManagementUnknownError, nil, errors.Wrap(err, "insert building join")
	}

	newValues := buildingJoinValues(joinFromParams(p), p.BuildingID)
	logID, err := r.s.appendLog(ctx, tx, workplace.LogEntry{
		TableName:   "user_building_join",
		EntityUID:   p.UID,
		Action:      workplace.LogActionInsert,
		NewValues:   newValues,
		Description: "Added user to building",
		Actor:       p.Actor,
	})
	if err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	loc := r.buildingLocation(ctx, tx, p.BuildingID, p.OrganizationID)
	w := r.s.newHistoryWindow(loc)
	if err := r.s.openJoinHistory(ctx, tx, "user_building_join_histories", "building_id", p.UID, p.BuildingID, newValues, w, logID); err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	if err := r.insertGrants(ctx, tx, p, "user_building_join", logID); err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	if err := tx.Commit(); err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	// The join is committed at this point. A failed read-back of the profile
	// must not report the mutation as failed; callers get Ok with no profile.
	profile, err := r.s.hydrateUserProfile(ctx, r.s.db, p.UID)
	if err != nil {
		return workplace.UserManagementOk, nil, nil
	}
	return workplace.UserManagementOk, profile, nil
}

// MasterUpdateUserBuilding updates the join row capturing old values, rolls
// the history slice and reconciles the grant sets against the submitted
// lists, logging each side.
func (r *UserBuildingsRepository) MasterUpdateUserBuilding(ctx context.Context, p workplace.UpdateUserBuildingParams) (workplace.UserManagementResult, *workplace.UserProfile, error) {
	start := r.s.now()
	res, profile, err := r.masterUpdate(ctx, p)
	obs.ObserveRepoOp("MasterUpdateUserBuilding", res.String(), r.s.now().Sub(start))
	if err == nil && res == workplace.UserManagementOk {
		r.s.emit(MutationEvent{
			Operation:      "MasterUpdateUserBuilding",
			UID:            p.UID,
			OrganizationID: p.OrganizationID,
			BuildingID:     p.BuildingID,
			Result:         res.String(),
		})
	}
	return res, profile, err
}

func (r *UserBuildingsRepository) masterUpdate(ctx context.Context, p workplace.UpdateUserBuildingParams) (workplace.UserManagementResult, *workplace.UserProfile, error) {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if res, err := r.validateGrants(ctx, tx, p); err != nil || res != workplace.UserManagementOk {
		return res, nil, err
	}

	acquired, err := r.s.tryAdvisoryLock(ctx, tx, lockScopeUserBuilding, p.UID, p.BuildingID)
	if err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}
	if !acquired {
		return workplace.UserManagementLockTimeout, nil, nil
	}

	var old workplace.UserBuildingJoin
	err = tx.QueryRowContext(ctx, `
		select uid, building_id, function_id, first_aid_officer, fire_warden, peer_support_officer,
		       allow_booking_desk_type, allow_booking_restricted, allow_booking_anyone_anyday
		from user_building_join
		where uid = $1 and building_id = $2
		for update
	`, p.UID, p.BuildingID).Scan(&old.UID, &old.BuildingID, &old.FunctionID,
		&old.FirstAidOfficer, &old.FireWarden, &old.PeerSupportOfficer,
		&old.AllowBookingDeskType, &old.AllowBookingRestricted, &old.AllowBookingAnyoneAnyday)
	if errors.Is(err, sql.ErrNoRows) {
		return workplace.UserDidNotExistInBuilding, nil, nil
	}
	if err != nil {
		return workplace.UserManagementUnknownError, nil, errors.Wrap(err, "load building join")
	}

	if _, err := tx.ExecContext(ctx, `
		update user_building_join
		set function_id = $3, first_aid_officer = $4, fire_warden = $5, peer_support_officer = $6,
		    allow_booking_desk_type = $7, allow_booking_restricted = $8, allow_booking_anyone_anyday = $9,
		    updated_at = now()
		where uid = $1 and building_id = $2
	`, p.UID, p.BuildingID, p.FunctionID, p.FirstAidOfficer, p.FireWarden, p.PeerSupportOfficer,
		p.AllowBookingDeskType, p.AllowBookingRestricted, p.AllowBookingAnyoneAnyday); err != nil {
		return workplace.UserManagementUnknownError, nil, errors.Wrap(err, "update building join")
	}

	newValues := buildingJoinValues(joinFromParams(p), p.BuildingID)
	logID, err := r.s.appendLog(ctx, tx, workplace.LogEntry{
		TableName:   "user_building_join",
		EntityUID:   p.UID,
		Action:      workplace.LogActionUpdate,
		OldValues:   buildingJoinValues(old, p.BuildingID),
		NewValues:   newValues,
		Description: "Updated user building membership",
		Actor:       p.Actor,
	})
	if err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	loc := r.buildingLocation(ctx, tx, p.BuildingID, p.OrganizationID)
	w := r.s.newHistoryWindow(loc)
	if err := r.s.closeJoinHistory(ctx, tx, "user_building_join_histories", "building_id", p.UID, p.BuildingID, w, logID); err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}
	if err := r.s.openJoinHistory(ctx, tx, "user_building_join_histories", "building_id", p.UID, p.BuildingID, newValues, w, logID); err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	desired := map[string][]uuid.UUID{
		"user_asset_types":       p.AssetTypeIDs,
		"user_admin_functions":   p.AdminFunctionIDs,
		"user_admin_asset_types": p.AdminAssetTypeIDs,
	}
	for _, g := range grantTables {
		if err := r.reconcileGrants(ctx, tx, g.table, g.idCol, p.UID, p.BuildingID, desired[g.table], p.Actor, logID); err != nil {
			return workplace.UserManagementUnknownError, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return workplace.UserManagementUnknownError, nil, err
	}

	// Committed; a profile read-back failure does not fail the update.
	profile, err := r.s.hydrateUserProfile(ctx, r.s.db, p.UID)
	if err != nil {
		return workplace.UserManagementOk, nil, nil
	}
	return workplace.UserManagementOk, profile, nil
}

// MasterRemoveUserFromBuilding requires a matching concurrency key on the
// user row, then runs the full removal cascade.
func (r *UserBuildingsRepository) MasterRemoveUserFromBuilding(ctx context.Context, p workplace.RemoveUserFromBuildingParams) (workplace.UserManagementResult, error) {
	start := r.s.now()
	res, err := r.masterRemove(ctx, p)
	obs.ObserveRepoOp("MasterRemoveUserFromBuilding", res.String(), r.s.now().Sub(start))
	if err == nil && res == workplace.UserManagementOk {
		r.s.emit(MutationEvent{
			Operation:      "MasterRemoveUserFromBuilding",
			UID:            p.UID,
			OrganizationID: p.OrganizationID,
			BuildingID:     p.BuildingID,
			Result:         res.String(),
		})
	}
	return res, err
}

func (r *UserBuildingsRepository) masterRemove(ctx context.Context, p workplace.RemoveUserFromBuildingParams) (workplace.UserManagementResult, error) {
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

	loc := r.buildingLocation(ctx, tx, p.BuildingID, p.OrganizationID)
	res, err := r.s.removeUserFromBuildingTx(ctx, tx, p.UID, p.OrganizationID, p.BuildingID, loc, p.Actor, "", "", cancelReasonRemovedFromBuilding)
	if err != nil {
		return workplace.UserManagementUnknownError, err
	}
	if res != workplace.UserManagementOk {
		return res, nil
	}

	if _, err := r.s.rotateConcurrencyKey(ctx, tx, p.UID); err != nil {
		return workplace.UserManagementUnknownError, err
	}
	if err := tx.Commit(); err != nil {
		return workplace.UserManagementUnknownError, err
	}
	return workplace.UserManagementOk, nil
}

// validateGrants checks every supplied grant id belongs to the target
// building and organization. Runs before any write so a violation rolls back
// nothing.
func (r *UserBuildingsRepository) validateGrants(ctx context.Context, tx queryer, p workplace.AddUserToBuildingParams) (workplace.UserManagementResult, error) {
	checks := []struct {
		ids     []uuid.UUID
		table   string
		failure workplace.UserManagementResult
	}{
		{p.AssetTypeIDs, "asset_types", workplace.UserAssetTypesInvalid},
		{p.AdminFunctionIDs, "functions", workplace.UserAdminFunctionsInvalid},
		{p.AdminAssetTypeIDs, "asset_types", workplace.UserAdminAssetTypesInvalid},
	}
	for _, c := range checks {
		if len(c.ids) == 0 {
			continue
		}
		clause, next := inClause("id", 1, len(c.ids))
		args := append(idArgs(c.ids), p.BuildingID, p.OrganizationID)
		var count int
		err := tx.QueryRowContext(ctx, `
			select count(*) from `+c.table+`
			where `+clause+` and building_id = $`+strconv.Itoa(next)+` and organization_id = $`+strconv.Itoa(next+1)+`
		`, args...).Scan(&count)
		if err != nil {
			return workplace.UserManagementUnknownError, errors.Wrapf(err, "validate %s", c.table)
		}
		if count != len(c.ids) {
			return c.failure, nil
		}
	}
	return workplace.UserManagementOk, nil
}

// insertGrants batch-inserts the three grant tables and logs every row with a
// causal link to the join insert.
func (r *UserBuildingsRepository) insertGrants(ctx context.Context, tx queryer, p workplace.AddUserToBuildingParams, cascadeFrom, cascadeLogID string) error {
	sets := []struct {
		table string
		idCol string
		ids   []uuid.UUID
		desc  string
	}{
		{"user_asset_types", "asset_type_id", p.AssetTypeIDs, "Granted asset type visibility"},
		{"user_admin_functions", "function_id", p.AdminFunctionIDs, "Granted admin function"},
		{"user_admin_asset_types", "asset_type_id", p.AdminAssetTypeIDs, "Granted admin asset type"},
	}
	for _, g := range sets {
		if len(g.ids) == 0 {
			continue
		}
		rows := make([][]any, 0, len(g.ids))
		for _, id := range g.ids {
			rows = append(rows, []any{p.UID, p.BuildingID, id})
		}
		query, args := batchInsert(g.table, []string{"uid", "building_id", g.idCol}, rows)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "insert %s", g.table)
		}
		entries := make([]workplace.LogEntry, 0, len(g.ids))
		for _, id := range g.ids {
			entries = append(entries, workplace.LogEntry{
				TableName: g.table,
				EntityUID: p.UID,
				Action:    workplace.LogActionInsert,
				NewValues: map[string]any{
					"building_id": p.BuildingID.String(),
					g.idCol:       id.String(),
				},
				Description:  g.desc,
				Actor:        p.Actor,
				CascadeFrom:  cascadeFrom,
				CascadeLogID: cascadeLogID,
			})
		}
		if err := r.s.appendLogs(ctx, tx, entries); err != nil {
			return err
		}
	}
	return nil
}

// reconcileGrants brings a grant table to the desired set with set-difference
// deletes and inserts, logging each side.
func (r *UserBuildingsRepository) reconcileGrants(ctx context.Context, tx queryer, table, idCol string, uid, buildingID uuid.UUID, desired []uuid.UUID, actor workplace.Actor, cascadeLogID string) error {
	rows, err := tx.QueryContext(ctx, `
		select `+idCol+` from `+table+` where uid = $1 and building_id = $2
	`, uid, buildingID)
	if err != nil {
		return errors.Wrapf(err, "load %s", table)
	}
	current, err := collectIDs(rows)
	if err != nil {
		return errors.Wrapf(err, "collect %s ids", table)
	}

	currentSet := make(map[uuid.UUID]struct{}, len(current))
	for _, id := range current {
		currentSet[id] = struct{}{}
	}
	desiredSet := make(map[uuid.UUID]struct{}, len(desired))
	for _, id := range desired {
		desiredSet[id] = struct{}{}
	}

	var toDelete, toInsert []uuid.UUID
	for _, id := range current {
		if _, ok := desiredSet[id]; !ok {
			toDelete = append(toDelete, id)
		}
	}
	for _, id := range desired {
		if _, ok := currentSet[id]; !ok {
			toInsert = append(toInsert, id)
		}
	}

	if len(toDelete) > 0 {
		clause, next := inClause(idCol, 1, len(toDelete))
		args := append(idArgs(toDelete), uid, buildingID)
		if _, err := tx.ExecContext(ctx, `
			delete from `+table+`
			where `+clause+` and uid = $`+strconv.Itoa(next)+` and building_id = $`+strconv.Itoa(next+1)+`
		`, args...); err != nil {
			return errors.Wrapf(err, "delete %s", table)
		}
	}
	if len(toInsert) > 0 {
		batch := make([][]any, 0, len(toInsert))
		for _, id := range toInsert {
			batch = append(batch, []any{uid, buildingID, id})
		}
		query, args := batchInsert(table, []string{"uid", "building_id", idCol}, batch)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return errors.Wrapf(err, "insert %s", table)
		}
	}

	entries := make([]workplace.LogEntry, 0, len(toDelete)+len(toInsert))
	for _, id := range toDelete {
		entries = append(entries, workplace.LogEntry{
			TableName:    table,
			EntityUID:    uid,
			Action:       workplace.LogActionDelete,
			OldValues:    map[string]any{"building_id": buildingID.String(), idCol: id.String()},
			Description:  "Revoked grant during membership update",
			Actor:        actor,
			CascadeFrom:  "user_building_join",
			CascadeLogID: cascadeLogID,
		})
	}
	for _, id := range toInsert {
		entries = append(entries, workplace.LogEntry{
			TableName:    table,
			EntityUID:    uid,
			Action:       workplace.LogActionInsert,
			NewValues:    map[string]any{"building_id": buildingID.String(), idCol: id.String()},
			Description:  "Added grant during membership update",
			Actor:        actor,
			CascadeFrom:  "user_building_join",
			CascadeLogID: cascadeLogID,
		})
	}
	return r.s.appendLogs(ctx, tx, entries)
}

// buildingLocation resolves the building's zone inside the transaction,
// defaulting to UTC when the building is missing.
func (r *UserBuildingsRepository) buildingLocation(ctx context.Context, tx queryer, buildingID, organizationID uuid.UUID) *time.Location {
	loc, err := r.s.buildingTimeZone(ctx, tx, buildingID, organizationID)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}

func joinFromParams(p workplace.AddUserToBuildingParams) workplace.UserBuildingJoin {
	return workplace.UserBuildingJoin{
		UID:                      p.UID,
		BuildingID:               p.BuildingID,
		FunctionID:               p.FunctionID,
		FirstAidOfficer:          p.FirstAidOfficer,
		FireWarden:               p.FireWarden,
		PeerSupportOfficer:       p.PeerSupportOfficer,
		AllowBookingDeskType:     p.AllowBookingDeskType,
		AllowBookingRestricted:   p.AllowBookingRestricted,
		AllowBookingAnyoneAnyday: p.AllowBookingAnyoneAnyday,
	}
}
