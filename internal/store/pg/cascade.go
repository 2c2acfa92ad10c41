package pg

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

// Cancel reason codes recorded on truncated and cancelled bookings.
const (
	cancelReasonRemovedFromBuilding     = "user_removed_from_building"
	cancelReasonRemovedFromOrganization = "user_removed_from_organization"
)

// removeUserFromBuildingTx runs the building-level removal cascade inside an
// open transaction: end the join's history, delete grants, revert permanent
// seats, truncate in-progress bookings and cancel future ones. Every
// dependent write is logged with a causal link back to cascadeLogID (or to
// the join-deletion log row this function writes when cascadeLogID is empty).
func (s *Store) removeUserFromBuildingTx(ctx context.Context, tx queryer, uid, organizationID, buildingID uuid.UUID, loc *time.Location, actor workplace.Actor, cascadeFrom, cascadeLogID, cancelReason string) (workplace.UserManagementResult, error) {
	var join workplace.UserBuildingJoin
	err := tx.QueryRowContext(ctx, `
		select uid, building_id, function_id, first_aid_officer, fire_warden, peer_support_officer,
		       allow_booking_desk_type, allow_booking_restricted, allow_booking_anyone_anyday
		from user_building_join
		where uid = $1 and building_id = $2
		for update
	`, uid, buildingID).Scan(&join.UID, &join.BuildingID, &join.FunctionID,
		&join.FirstAidOfficer, &join.FireWarden, &join.PeerSupportOfficer,
		&join.AllowBookingDeskType, &join.AllowBookingRestricted, &join.AllowBookingAnyoneAnyday)
	if errors.Is(err, sql.ErrNoRows) {
		return workplace.UserDidNotExistInBuilding, nil
	}
	if err != nil {
		return workplace.UserManagementUnknownError, errors.Wrap(err, "load building join")
	}

	if _, err := tx.ExecContext(ctx, `
		delete from user_building_join where uid = $1 and building_id = $2
	`, uid, buildingID); err != nil {
		return workplace.UserManagementUnknownError, errors.Wrap(err, "delete building join")
	}

	logID, err := s.appendLog(ctx, tx, workplace.LogEntry{
		TableName:    "user_building_join",
		EntityUID:    uid,
		Action:       workplace.LogActionDelete,
		OldValues:    buildingJoinValues(join, buildingID),
		Description:  "Removed user from building",
		Actor:        actor,
		CascadeFrom:  cascadeFrom,
		CascadeLogID: cascadeLogID,
	})
	if err != nil {
		return workplace.UserManagementUnknownError, err
	}
	if cascadeLogID == "" {
		cascadeFrom = "user_building_join"
		cascadeLogID = logID
	}

	w := s.newHistoryWindow(loc)
	if err := s.closeJoinHistory(ctx, tx, "user_building_join_histories", "building_id", uid, buildingID, w, cascadeLogID); err != nil {
		return workplace.UserManagementUnknownError, err
	}

	if err := s.releaseBuildingResources(ctx, tx, uid, buildingID, loc, actor, cascadeFrom, cascadeLogID, cancelReason); err != nil {
		return workplace.UserManagementUnknownError, err
	}
	return workplace.UserManagementOk, nil
}

// Booking tables swept on removal. Each has the same uid, building_id,
// start/end and cancellation columns.
var bookingTables = []string{"desk_bookings", "meeting_room_bookings", "asset_slot_bookings"}

// releaseBuildingResources frees everything tied to the user in a building
// that exists independently of the join row: grants, permanent seats and
// bookings. The organization removal also runs this for buildings where the
// join is already gone, so a permanent seat or booking cannot outlive the
// user's membership anywhere in the organization.
func (s *Store) releaseBuildingResources(ctx context.Context, tx queryer, uid, buildingID uuid.UUID, loc *time.Location, actor workplace.Actor, cascadeFrom, cascadeLogID, cancelReason string) error {
	if err := s.deleteBuildingGrants(ctx, tx, uid, buildingID, actor, cascadeFrom, cascadeLogID); err != nil {
		return err
	}
	if err := s.revertPermanentDesks(ctx, tx, uid, buildingID, loc, actor, cascadeFrom, cascadeLogID); err != nil {
		return err
	}
	if err := s.revertPermanentAssetSlots(ctx, tx, uid, buildingID, loc, actor, cascadeFrom, cascadeLogID); err != nil {
		return err
	}
	for _, table := range bookingTables {
		if err := s.cancelBookings(ctx, tx, table, uid, buildingID, loc, actor, cascadeFrom, cascadeLogID, cancelReason); err != nil {
			return err
		}
	}
	return nil
}

// Grant tables reconciled or cascaded on membership changes.
var grantTables = []struct {
	table  string
	idCol  string
	reason string
}{
	{"user_asset_types", "asset_type_id", "Removed asset type visibility grant"},
	{"user_admin_functions", "function_id", "Removed admin function grant"},
	{"user_admin_asset_types", "asset_type_id", "Removed admin asset type grant"},
}

func (s *Store) deleteBuildingGrants(ctx context.Context, tx queryer, uid, buildingID uuid.UUID, actor workplace.Actor, cascadeFrom, cascadeLogID string) error {
	for _, g := range grantTables {
		rows, err := tx.QueryContext(ctx, `
			delete from `+g.table+`
			where uid = $1 and building_id = $2
			returning `+g.idCol+`
		`, uid, buildingID)
		if err != nil {
			return errors.Wrapf(err, "delete %s", g.table)
		}
		deleted, err := collectIDs(rows)
		if err != nil {
			return errors.Wrapf(err, "collect %s ids", g.table)
		}
		entries := make([]workplace.LogEntry, 0, len(deleted))
		for _, id := range deleted {
			entries = append(entries, workplace.LogEntry{
				TableName: g.table,
				EntityUID: uid,
				Action:    workplace.LogActionDelete,
				OldValues: map[string]any{
					"building_id": buildingID.String(),
					g.idCol:       id.String(),
				},
				Description:  g.reason,
				Actor:        actor,
				CascadeFrom:  cascadeFrom,
				CascadeLogID: cascadeLogID,
			})
		}
		if err := s.appendLogs(ctx, tx, entries); err != nil {
			return err
		}
	}
	return nil
}

// revertPermanentDesks turns every permanent desk the user owns in the
// building back into a flexible one, cancels its future availability rows and
// rolls its history slices.
func (s *Store) revertPermanentDesks(ctx context.Context, tx queryer, uid, buildingID uuid.UUID, loc *time.Location, actor workplace.Actor, cascadeFrom, cascadeLogID string) error {
	rows, err := tx.QueryContext(ctx, `
		update desks
		set desk_type = 'flexible', permanent_owner_uid = null, updated_at = now()
		where building_id = $1 and permanent_owner_uid = $2
		returning id
	`, buildingID, uid)
	if err != nil {
		return errors.Wrap(err, "revert permanent desks")
	}
	deskIDs, err := collectIDs(rows)
	if err != nil {
		return errors.Wrap(err, "collect desk ids")
	}
	if len(deskIDs) == 0 {
		return nil
	}

	entries := make([]workplace.LogEntry, 0, len(deskIDs))
	for _, deskID := range deskIDs {
		entries = append(entries, workplace.LogEntry{
			TableName:    "desks",
			EntityUID:    deskID,
			Action:       workplace.LogActionUpdate,
			OldValues:    map[string]any{"desk_type": "permanent", "permanent_owner_uid": uid.String()},
			NewValues:    map[string]any{"desk_type": "flexible", "permanent_owner_uid": nil},
			Description:  "Reverted permanent desk after owner lost building access",
			Actor:        actor,
			CascadeFrom:  cascadeFrom,
			CascadeLogID: cascadeLogID,
		})
	}
	if err := s.appendLogs(ctx, tx, entries); err != nil {
		return err
	}

	now := s.now().UTC()
	clause, next := inClause("desk_id", 1, len(deskIDs))
	args := idArgs(deskIDs)
	avail, err := tx.QueryContext(ctx, `
		update permanent_desk_availability
		set cancelled = true, cancelled_date_utc = $`+strconv.Itoa(next)+`, cancelled_by_uid = $`+strconv.Itoa(next+1)+`
		where `+clause+` and start_date_utc > $`+strconv.Itoa(next)+` and not cancelled
		returning id
	`, append(args, now, actor.UID)...)
	if err != nil {
		return errors.Wrap(err, "cancel permanent desk availability")
	}
	availIDs, err := collectIDs(avail)
	if err != nil {
		return errors.Wrap(err, "collect availability ids")
	}
	availEntries := make([]workplace.LogEntry, 0, len(availIDs))
	for _, id := range availIDs {
		availEntries = append(availEntries, workplace.LogEntry{
			TableName:    "permanent_desk_availability",
			EntityUID:    id,
			Action:       workplace.LogActionUpdate,
			NewValues:    map[string]any{"cancelled": true},
			Description:  "Cancelled future permanent desk availability",
			Actor:        actor,
			CascadeFrom:  cascadeFrom,
			CascadeLogID: cascadeLogID,
		})
	}
	if err := s.appendLogs(ctx, tx, availEntries); err != nil {
		return err
	}

	w := s.newHistoryWindow(loc)
	for _, deskID := range deskIDs {
		if err := s.closeEntityHistory(ctx, tx, "permanent_desk_histories", "desk_id", deskID, w, cascadeLogID); err != nil {
			return err
		}
		if err := s.closeEntityHistory(ctx, tx, "desk_histories", "desk_id", deskID, w, cascadeLogID); err != nil {
			return err
		}
		state := map[string]any{"desk_type": "flexible"}
		if err := s.openEntityHistory(ctx, tx, "desk_histories", "desk_id", deskID, state, w, cascadeLogID); err != nil {
			return err
		}
	}
	return nil
}

// revertPermanentAssetSlots mirrors revertPermanentDesks for asset slots.
func (s *Store) revertPermanentAssetSlots(ctx context.Context, tx queryer, uid, buildingID uuid.UUID, loc *time.Location, actor workplace.Actor, cascadeFrom, cascadeLogID string) error {
	rows, err := tx.QueryContext(ctx, `
		update asset_slots
		set slot_type = 'flexible', permanent_owner_uid = null, updated_at = now()
		where building_id = $1 and permanent_owner_uid = $2
		returning id
	`, buildingID, uid)
	if err != nil {
		return errors.Wrap(err, "revert permanent asset slots")
	}
	slotIDs, err := collectIDs(rows)
	if err != nil {
		return errors.Wrap(err, "collect asset slot ids")
	}
	if len(slotIDs) == 0 {
		return nil
	}

	entries := make([]workplace.LogEntry, 0, len(slotIDs))
	for _, slotID := range slotIDs {
		entries = append(entries, workplace.LogEntry{
			TableName:    "asset_slots",
			EntityUID:    slotID,
			Action:       workplace.LogActionUpdate,
			OldValues:    map[string]any{"slot_type": "permanent", "permanent_owner_uid": uid.String()},
			NewValues:    map[string]any{"slot_type": "flexible", "permanent_owner_uid": nil},
			Description:  "Reverted permanent asset slot after owner lost building access",
			Actor:        actor,
			CascadeFrom:  cascadeFrom,
			CascadeLogID: cascadeLogID,
		})
	}
	if err := s.appendLogs(ctx, tx, entries); err != nil {
		return err
	}

	now := s.now().UTC()
	clause, next := inClause("asset_slot_id", 1, len(slotIDs))
	args := idArgs(slotIDs)
	avail, err := tx.QueryContext(ctx, `
		update permanent_asset_slot_availability
		set cancelled = true, cancelled_date_utc = $`+strconv.Itoa(next)+`, cancelled_by_uid = $`+strconv.Itoa(next+1)+`
		where `+clause+` and start_date_utc > $`+strconv.Itoa(next)+` and not cancelled
		returning id
	`, append(args, now, actor.UID)...)
	if err != nil {
		return errors.Wrap(err, "cancel permanent asset slot availability")
	}
	availIDs, err := collectIDs(avail)
	if err != nil {
		return errors.Wrap(err, "collect availability ids")
	}
	availEntries := make([]workplace.LogEntry, 0, len(availIDs))
	for _, id := range availIDs {
		availEntries = append(availEntries, workplace.LogEntry{
			TableName:    "permanent_asset_slot_availability",
			EntityUID:    id,
			Action:       workplace.LogActionUpdate,
			NewValues:    map[string]any{"cancelled": true},
			Description:  "Cancelled future permanent asset slot availability",
			Actor:        actor,
			CascadeFrom:  cascadeFrom,
			CascadeLogID: cascadeLogID,
		})
	}
	if err := s.appendLogs(ctx, tx, availEntries); err != nil {
		return err
	}

	w := s.newHistoryWindow(loc)
	for _, slotID := range slotIDs {
		if err := s.closeEntityHistory(ctx, tx, "permanent_asset_slot_histories", "asset_slot_id", slotID, w, cascadeLogID); err != nil {
			return err
		}
		if err := s.closeEntityHistory(ctx, tx, "asset_slot_histories", "asset_slot_id", slotID, w, cascadeLogID); err != nil {
			return err
		}
		state := map[string]any{"slot_type": "flexible"}
		if err := s.openEntityHistory(ctx, tx, "asset_slot_histories", "asset_slot_id", slotID, state, w, cascadeLogID); err != nil {
			return err
		}
	}
	return nil
}

// cancelBookings truncates the user's in-progress bookings in the building to
// now and cancels the future ones, recording actor, local time and reason.
func (s *Store) cancelBookings(ctx context.Context, tx queryer, table string, uid, buildingID uuid.UUID, loc *time.Location, actor workplace.Actor, cascadeFrom, cascadeLogID, reason string) error {
	if loc == nil {
		loc = time.UTC
	}
	now := s.now().UTC()
	nowLocal := now.In(loc)

	truncated, err := tx.QueryContext(ctx, `
		update `+table+`
		set end_date_utc = $3, end_date_local = $4, truncated = true,
		    cancelled_by_uid = $5, cancel_reason = $6
		where uid = $1 and building_id = $2
		  and start_date_utc <= $3 and end_date_utc > $3 and not cancelled
		returning id
	`, uid, buildingID, now, nowLocal, actor.UID, reason)
	if err != nil {
		return errors.Wrapf(err, "truncate %s", table)
	}
	truncatedIDs, err := collectIDs(truncated)
	if err != nil {
		return errors.Wrapf(err, "collect truncated %s ids", table)
	}

	cancelled, err := tx.QueryContext(ctx, `
		update `+table+`
		set cancelled = true, cancelled_date_utc = $3, cancelled_date_local = $4,
		    cancelled_by_uid = $5, cancel_reason = $6
		where uid = $1 and building_id = $2
		  and start_date_utc > $3 and not cancelled
		returning id
	`, uid, buildingID, now, nowLocal, actor.UID, reason)
	if err != nil {
		return errors.Wrapf(err, "cancel %s", table)
	}
	cancelledIDs, err := collectIDs(cancelled)
	if err != nil {
		return errors.Wrapf(err, "collect cancelled %s ids", table)
	}

	entries := make([]workplace.LogEntry, 0, len(truncatedIDs)+len(cancelledIDs))
	for _, id := range truncatedIDs {
		entries = append(entries, workplace.LogEntry{
			TableName:    table,
			EntityUID:    id,
			Action:       workplace.LogActionUpdate,
			NewValues:    map[string]any{"truncated": true, "end_date_utc": now, "cancel_reason": reason},
			Description:  "Truncated in-progress booking",
			Actor:        actor,
			CascadeFrom:  cascadeFrom,
			CascadeLogID: cascadeLogID,
		})
	}
	for _, id := range cancelledIDs {
		entries = append(entries, workplace.LogEntry{
			TableName:    table,
			EntityUID:    id,
			Action:       workplace.LogActionUpdate,
			NewValues:    map[string]any{"cancelled": true, "cancel_reason": reason},
			Description:  "Cancelled future booking",
			Actor:        actor,
			CascadeFrom:  cascadeFrom,
			CascadeLogID: cascadeLogID,
		})
	}
	return s.appendLogs(ctx, tx, entries)
}

func buildingJoinValues(j workplace.UserBuildingJoin, buildingID uuid.UUID) map[string]any {
	return map[string]any{
		"building_id":                 buildingID.String(),
		"function_id":                 j.FunctionID.String(),
		"first_aid_officer":           j.FirstAidOfficer,
		"fire_warden":                 j.FireWarden,
		"peer_support_officer":        j.PeerSupportOfficer,
		"allow_booking_desk_type":     j.AllowBookingDeskType,
		"allow_booking_restricted":    j.AllowBookingRestricted,
		"allow_booking_anyone_anyday": j.AllowBookingAnyoneAnyday,
	}
}

func collectIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
