package pg

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

// UserLastUsedBuildingRepository maintains the per-user last-used-building
// pointer, kept separately for the web and mobile channels.
type UserLastUsedBuildingRepository struct {
	s *Store
}

var _ workplace.UserLastUsedBuildingRepository = (*UserLastUsedBuildingRepository)(nil)

// SetLastUsedBuilding inserts the pointer if absent, else updates it.
func (r *UserLastUsedBuildingRepository) SetLastUsedBuilding(ctx context.Context, uid, buildingID uuid.UUID, channel workplace.LastUsedBuildingChannel) (workplace.SqlQueryResult, error) {
	res, err := r.s.db.ExecContext(ctx, `
		insert into user_last_used_building (uid, channel, building_id, updated_at)
		values ($1, $2, $3, $4)
		on conflict (uid, channel) do update
		set building_id = excluded.building_id, updated_at = excluded.updated_at
	`, uid, string(channel), buildingID, r.s.now().UTC())
	if err != nil {
		return workplace.SqlQueryFailed, errors.Wrap(err, "set last used building")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return workplace.SqlQueryFailed, err
	}
	if aff == 0 {
		return workplace.SqlQueryFailed, nil
	}
	return workplace.SqlQueryOk, nil
}

// GetLastUsedBuilding returns the stored pointer for the channel.
func (r *UserLastUsedBuildingRepository) GetLastUsedBuilding(ctx context.Context, uid uuid.UUID, channel workplace.LastUsedBuildingChannel) (uuid.UUID, workplace.SqlQueryResult, error) {
	var buildingID uuid.UUID
	err := r.s.db.QueryRowContext(ctx, `
		select building_id from user_last_used_building
		where uid = $1 and channel = $2
	`, uid, string(channel)).Scan(&buildingID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, workplace.SqlQueryRecordDidNotExist, nil
	}
	if err != nil {
		return uuid.Nil, workplace.SqlQueryFailed, errors.Wrap(err, "get last used building")
	}
	return buildingID, workplace.SqlQueryOk, nil
}
