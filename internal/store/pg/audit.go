package pg

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/ids"
	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

// Tables with a companion _log table. appendLog refuses anything else so a
// typo cannot route audit rows into a nonexistent relation.
var loggedTables = map[string]struct{}{
	"users":                             {},
	"user_organization_join":            {},
	"user_building_join":                {},
	"user_asset_types":                  {},
	"user_admin_functions":              {},
	"user_admin_asset_types":            {},
	"desks":                             {},
	"asset_slots":                       {},
	"desk_bookings":                     {},
	"meeting_room_bookings":             {},
	"asset_slot_bookings":               {},
	"permanent_desk_availability":       {},
	"permanent_asset_slot_availability": {},
}

// appendLog is the single write path for audit rows: every mutating statement
// in this package funnels through it, so "one log row per mutation" cannot be
// violated by forgetting a call site.
func (s *Store) appendLog(ctx context.Context, tx queryer, e workplace.LogEntry) (string, error) {
	if _, ok := loggedTables[e.TableName]; !ok {
		return "", errors.Errorf("appendLog: unknown table %q", e.TableName)
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	oldJSON, err := marshalValues(e.OldValues)
	if err != nil {
		return "", errors.Wrap(err, "marshal old values")
	}
	newJSON, err := marshalValues(e.NewValues)
	if err != nil {
		return "", errors.Wrap(err, "marshal new values")
	}
	_, err = tx.ExecContext(ctx, `
		insert into `+e.TableName+`_log
			(id, entity_uid, action, old_values, new_values, description,
			 actor_uid, actor_name, actor_ip, cascade_from, cascade_log_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, nullif($10, ''), nullif($11, ''), $12)
	`, e.ID, e.EntityUID, string(e.Action), oldJSON, newJSON, e.Description,
		e.Actor.UID, e.Actor.DisplayName, e.Actor.IPAddress, e.CascadeFrom, e.CascadeLogID, e.CreatedAt)
	if err != nil {
		return "", errors.Wrapf(err, "append %s_log", e.TableName)
	}
	return e.ID, nil
}

// appendLogs writes a batch of causally related rows with pre-generated
// grouped ids, keeping them clustered and ordered in the index.
func (s *Store) appendLogs(ctx context.Context, tx queryer, entries []workplace.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := ids.NewBatch(len(entries))
	for i := range entries {
		entries[i].ID = batch[i]
		if _, err := s.appendLog(ctx, tx, entries[i]); err != nil {
			return err
		}
	}
	return nil
}

func marshalValues(values map[string]any) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return json.Marshal(values)
}

// historyWindow computes the boundary a mutation rolls history slices on: the
// active slice closes at now truncated to the 15-minute grid and the new
// slice opens at the same instant, in UTC and in the building's local zone.
type historyWindow struct {
	BoundaryUTC   time.Time
	BoundaryLocal time.Time
	SentinelUTC   time.Time
	SentinelLocal time.Time
}

func (s *Store) newHistoryWindow(loc *time.Location) historyWindow {
	if loc == nil {
		loc = time.UTC
	}
	boundary := workplace.TruncateToQuarterHour(s.now())
	return historyWindow{
		BoundaryUTC:   boundary,
		BoundaryLocal: boundary.In(loc),
		SentinelUTC:   workplace.EndOfTheWorld,
		SentinelLocal: workplace.EndOfTheWorld.In(loc),
	}
}

// closeEntityHistory ends the active slice for a single-keyed entity history
// table (desks, asset slots).
func (s *Store) closeEntityHistory(ctx context.Context, tx queryer, table, keyCol string, key uuid.UUID, w historyWindow, cascadeLogID string) error {
	_, err := tx.ExecContext(ctx, `
		update `+table+`
		set end_date_utc = $2, end_date_local = $3, cascade_log_id = coalesce(nullif($4, ''), cascade_log_id)
		where `+keyCol+` = $1 and end_date_utc = $5
	`, key, w.BoundaryUTC, w.BoundaryLocal, cascadeLogID, workplace.EndOfTheWorld)
	if err != nil {
		return errors.Wrapf(err, "close %s slice", table)
	}
	return nil
}

// openEntityHistory opens a fresh active slice for a single-keyed entity.
func (s *Store) openEntityHistory(ctx context.Context, tx queryer, table, keyCol string, key uuid.UUID, state map[string]any, w historyWindow, cascadeLogID string) error {
	snapshot, err := marshalValues(state)
	if err != nil {
		return errors.Wrap(err, "marshal history snapshot")
	}
	_, err = tx.ExecContext(ctx, `
		insert into `+table+`
			(id, `+keyCol+`, state,
			 start_date_utc, start_date_local, end_date_utc, end_date_local, cascade_log_id)
		values ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''))
	`, ids.New(), key, snapshot,
		w.BoundaryUTC, w.BoundaryLocal, w.SentinelUTC, w.SentinelLocal, cascadeLogID)
	if err != nil {
		return errors.Wrapf(err, "open %s slice", table)
	}
	return nil
}

// closeJoinHistory ends the single active slice for (uid, scope) in a join
// history table. Exactly one active slice exists per key; the update is a
// no-op when the join never existed.
func (s *Store) closeJoinHistory(ctx context.Context, tx queryer, table, scopeCol string, uid, scopeID uuid.UUID, w historyWindow, cascadeLogID string) error {
	_, err := tx.ExecContext(ctx, `
		update `+table+`
		set end_date_utc = $3, end_date_local = $4, cascade_log_id = coalesce(nullif($5, ''), cascade_log_id)
		where uid = $1 and `+scopeCol+` = $2 and end_date_utc = $6
	`, uid, scopeID, w.BoundaryUTC, w.BoundaryLocal, cascadeLogID, workplace.EndOfTheWorld)
	if err != nil {
		return errors.Wrapf(err, "close %s slice", table)
	}
	return nil
}

// openJoinHistory opens a fresh active slice carrying the join's new state as
// a jsonb snapshot.
func (s *Store) openJoinHistory(ctx context.Context, tx queryer, table, scopeCol string, uid, scopeID uuid.UUID, state map[string]any, w historyWindow, cascadeLogID string) error {
	snapshot, err := marshalValues(state)
	if err != nil {
		return errors.Wrap(err, "marshal history snapshot")
	}
	_, err = tx.ExecContext(ctx, `
		insert into `+table+`
			(id, uid, `+scopeCol+`, state,
			 start_date_utc, start_date_local, end_date_utc, end_date_local, cascade_log_id)
		values ($1, $2, $3, $4, $5, $6, $7, $8, nullif($9, ''))
	`, ids.New(), uid, scopeID, snapshot,
		w.BoundaryUTC, w.BoundaryLocal, w.SentinelUTC, w.SentinelLocal, cascadeLogID)
	if err != nil {
		return errors.Wrapf(err, "open %s slice", table)
	}
	return nil
}
