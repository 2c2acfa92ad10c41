package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/abdullahbinali3/visitor-tablet-api/internal/workplace"
)

func TestBuildingTimeZone(t *testing.T) {
	s, mock := newMockStore(t)
	buildingID, orgID := uuid.New(), uuid.New()

	mock.ExpectQuery("select timezone from buildings").
		WithArgs(buildingID, orgID).
		WillReturnRows(sqlmock.NewRows([]string{"timezone"}).AddRow("Australia/Sydney"))

	loc, err := s.buildingTimeZone(context.Background(), s.db, buildingID, orgID)
	if err != nil {
		t.Fatalf("buildingTimeZone: %v", err)
	}
	if loc.String() != "Australia/Sydney" {
		t.Fatalf("unexpected zone: %v", loc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBuildingTimeZoneUnknownName(t *testing.T) {
	s, mock := newMockStore(t)
	buildingID, orgID := uuid.New(), uuid.New()

	mock.ExpectQuery("select timezone from buildings").
		WithArgs(buildingID, orgID).
		WillReturnRows(sqlmock.NewRows([]string{"timezone"}).AddRow("Not/AZone"))

	loc, err := s.buildingTimeZone(context.Background(), s.db, buildingID, orgID)
	if err != nil {
		t.Fatalf("buildingTimeZone: %v", err)
	}
	if loc != time.UTC {
		t.Fatalf("expected UTC fallback, got %v", loc)
	}
}

func TestBuildingTimeZoneMissingBuilding(t *testing.T) {
	s, mock := newMockStore(t)
	buildingID, orgID := uuid.New(), uuid.New()

	mock.ExpectQuery("select timezone from buildings").
		WithArgs(buildingID, orgID).
		WillReturnError(sql.ErrNoRows)

	if _, err := s.buildingTimeZone(context.Background(), s.db, buildingID, orgID); !errors.Is(err, workplace.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
