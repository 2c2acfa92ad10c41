package pg

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

func TestSetLastUsedBuilding(t *testing.T) {
	s, mock := newMockStore(t)
	uid, buildingID := uuid.New(), uuid.New()

	mock.ExpectExec("insert into user_last_used_building").
		WithArgs(uid, "web", buildingID, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := s.UserLastUsedBuilding().SetLastUsedBuilding(context.Background(), uid, buildingID, workplace.ChannelWeb)
	if err != nil {
		t.Fatalf("SetLastUsedBuilding: %v", err)
	}
	if res != workplace.SqlQueryOk {
		t.Fatalf("unexpected result: %v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetLastUsedBuilding(t *testing.T) {
	s, mock := newMockStore(t)
	uid, buildingID := uuid.New(), uuid.New()

	mock.ExpectQuery("select building_id from user_last_used_building").
		WithArgs(uid, "mobile").
		WillReturnRows(sqlmock.NewRows([]string{"building_id"}).AddRow(buildingID))

	got, res, err := s.UserLastUsedBuilding().GetLastUsedBuilding(context.Background(), uid, workplace.ChannelMobile)
	if err != nil {
		t.Fatalf("GetLastUsedBuilding: %v", err)
	}
	if res != workplace.SqlQueryOk || got != buildingID {
		t.Fatalf("unexpected result: %v %v", res, got)
	}
}

func TestGetLastUsedBuildingMissing(t *testing.T) {
	s, mock := newMockStore(t)
	uid := uuid.New()

	mock.ExpectQuery("select building_id from user_last_used_building").
		WithArgs(uid, "web").
		WillReturnError(sql.ErrNoRows)

	got, res, err := s.UserLastUsedBuilding().GetLastUsedBuilding(context.Background(), uid, workplace.ChannelWeb)
	if err != nil {
		t.Fatalf("GetLastUsedBuilding: %v", err)
	}
	if res != workplace.SqlQueryRecordDidNotExist || got != uuid.Nil {
		t.Fatalf("unexpected result: %v %v", res, got)
	}
}
