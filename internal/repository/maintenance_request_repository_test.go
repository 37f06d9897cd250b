package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/maintenance-api/internal/models"
)

var requestRowColumns = []string{
	"id", "protocol_number", "title", "description", "requested_at", "deadline", "completed_at", "solution_details", "created_at", "updated_at",
	"current_maintenance_instance_id", "current_maintenance_instance_name",
	"created_by_id", "created_by_name",
	"assigned_to_id", "assigned_to_name",
	"facility_complex_id", "facility_complex_name",
	"building_id", "building_name",
	"space_id", "space_name",
	"system_id", "system_name",
	"service_type_id", "service_type_name",
	"diagnosis_id", "diagnosis_name",
	"requesting_unit_id", "requesting_unit_name",
	"cost_unit_id", "cost_unit_name",
}

func addRequestRow(rows *sqlmock.Rows, id int64, title string, now time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, "MNT-0001", title, nil, now, nil, nil, nil, now, now,
		int64(1), "Central Maintenance",
		int64(2), "Ana Requester",
		int64(3), "Tom Technician",
		nil, nil,
		int64(4), "Block A",
		int64(5), "Room 101",
		nil, nil,
		nil, nil,
		nil, nil,
		nil, nil,
		nil, nil,
	)
}

func expectChildQueries(mock sqlmock.Sqlmock, requestID int64, now time.Time) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM maintenance_request_statuses WHERE maintenance_request_id = ANY($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "description", "is_final", "order", "maintenance_request_id", "created_at"}).
			AddRow(int64(1), "PENDING", nil, false, 0, requestID, now.Add(-time.Hour)).
			AddRow(int64(2), "IN_PROGRESS", "started", false, 1, requestID, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM maintenance_timeline_events e LEFT JOIN users u")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "maintenance_request_id", "actor_id", "actor_name", "type", "description", "details", "transfer_from_instance_id", "transfer_to_instance_id", "occurred_at"}).
			AddRow(int64(9), requestID, int64(2), "Ana Requester", "CREATION", nil, []byte(`{"source":"web"}`), nil, nil, now))
	mock.ExpectQuery(regexp.QuoteMeta("FROM material_requests WHERE maintenance_request_id = ANY($1)")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "protocol_number", "description", "maintenance_request_id", "created_at"}).
			AddRow(int64(30), "MR-30", nil, requestID, now))
}

func TestMaintenanceRequestRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMaintenanceRequestRepository(db)

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`FROM maintenance_requests r JOIN maintenance_instances mi .* WHERE r\.id = \$1`).
		WillReturnRows(addRequestRow(sqlmock.NewRows(requestRowColumns), 10, "Leaking pipe", now))
	expectChildQueries(mock, 10, now)

	request, err := repo.FindByID(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "Leaking pipe", request.Title)
	require.NotNil(t, request.CurrentMaintenanceInstance)
	assert.Equal(t, "Central Maintenance", request.CurrentMaintenanceInstance.Name)
	require.NotNil(t, request.AssignedTo)
	assert.Equal(t, int64(3), request.AssignedTo.ID)
	assert.Nil(t, request.FacilityComplex)
	assert.Equal(t, int64(5), request.Space.ID)
	require.Len(t, request.Statuses, 2)
	assert.Equal(t, models.MaintenanceStatusInProgress, request.CurrentStatus().Status)
	require.Len(t, request.TimelineEvents, 1)
	assert.Equal(t, models.TimelineEventCreation, request.TimelineEvents[0].Type)
	require.Len(t, request.MaterialRequests, 1)
	assert.Equal(t, "MR-30", request.MaterialRequests[0].ProtocolNumber)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceRequestRepositoryFindByProtocolNotFound(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMaintenanceRequestRepository(db)

	mock.ExpectQuery(`FROM maintenance_requests r .* WHERE r\.protocol_number = \$1`).
		WillReturnRows(sqlmock.NewRows(requestRowColumns))

	_, err := repo.FindByProtocol(context.Background(), "MNT-404")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceRequestRepositoryList(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMaintenanceRequestRepository(db)

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	buildingID := int64(4)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM maintenance_requests r WHERE \(SELECT s\.status FROM maintenance_request_statuses s .*\) = \$1 AND r\.building_id = \$2 AND \(LOWER\(r\.title\) LIKE \$3 OR LOWER\(r\.protocol_number\) LIKE \$4\)`).
		WithArgs("IN_PROGRESS", buildingID, "%pipe%", "%pipe%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`FROM maintenance_requests r JOIN .* ORDER BY r\.deadline ASC, r\.id ASC`).
		WillReturnRows(addRequestRow(sqlmock.NewRows(requestRowColumns), 10, "Leaking pipe", now))
	expectChildQueries(mock, 10, now)

	requests, total, err := repo.List(context.Background(), models.MaintenanceRequestFilter{
		Status:     models.MaintenanceStatusInProgress,
		BuildingID: &buildingID,
		Search:     " Pipe ",
		SortBy:     "deadline",
		SortOrder:  "asc",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, requests, 1)
	assert.Len(t, requests[0].Statuses, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceRequestRepositoryListEmptySkipsChildren(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMaintenanceRequestRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM maintenance_requests r")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`FROM maintenance_requests r JOIN .* ORDER BY r\.created_at DESC`).
		WillReturnRows(sqlmock.NewRows(requestRowColumns))

	requests, total, err := repo.List(context.Background(), models.MaintenanceRequestFilter{SortBy: "password"})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, requests)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceRequestRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMaintenanceRequestRepository(db)

	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mutation := models.NewMaintenanceMutation(0)
	mutation.Scalars["title"] = "Broken window"
	mutation.Relations[models.RelationCurrentMaintenanceInstance] = models.RelationInstruction{Op: models.RelationOpConnect, ID: 1}
	mutation.Relations[models.RelationCreatedBy] = models.RelationInstruction{Op: models.RelationOpConnect, ID: 2}
	mutation.Status = &models.StatusUpsert{Status: models.MaintenanceStatusPending, CreatedAt: createdAt}
	mutation.TimelineEvents = []models.TimelineEventUpsert{{ActorID: 2, Type: models.TimelineEventCreation, OccurredAt: createdAt}}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO maintenance_requests \(created_by_id, current_maintenance_instance_id, title, created_at, updated_at\) VALUES .* RETURNING id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(55)))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (status, maintenance_request_id, created_at) DO UPDATE")).
		WithArgs("PENDING", nil, false, 0, int64(55), createdAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO maintenance_timeline_events (maintenance_request_id, actor_id")).
		WithArgs(int64(55), int64(2), "CREATION", nil, nil, nil, nil, createdAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	id, err := repo.Create(context.Background(), mutation)
	require.NoError(t, err)
	assert.Equal(t, int64(55), id)
	assert.Equal(t, int64(55), mutation.Status.RequestID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceRequestRepositoryApply(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMaintenanceRequestRepository(db)

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	mutation := models.NewMaintenanceMutation(10)
	mutation.Relations[models.RelationAssignedTo] = models.RelationInstruction{Op: models.RelationOpDisconnect}
	mutation.Relations[models.RelationSpace] = models.RelationInstruction{Op: models.RelationOpConnect, ID: 5}
	description := "x"
	mutation.Status = &models.StatusUpsert{Status: models.MaintenanceStatusInProgress, RequestID: 10, CreatedAt: now, Description: &description}
	mutation.TimelineEvents = []models.TimelineEventUpsert{
		{ActorID: 2, Type: models.TimelineEventComment, OccurredAt: now},
		{ID: 9, ActorID: 2, Type: models.TimelineEventStatusChange, OccurredAt: now},
	}
	protocol := "MR-30"
	mutation.MaterialRequests = []models.MaterialRequestRef{{ProtocolNumber: &protocol}}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE maintenance_requests SET assigned_to_id = \$1, space_id = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs(nil, int64(5), sqlmock.AnyArg(), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO maintenance_request_statuses")).
		WithArgs("IN_PROGRESS", "x", false, 0, int64(10), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO maintenance_timeline_events (maintenance_request_id,")).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE")).
		WithArgs(int64(9), int64(10), int64(2), "STATUS_CHANGE", nil, nil, nil, nil, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE material_requests SET maintenance_request_id = $1 WHERE protocol_number = $2")).
		WithArgs(int64(10), "MR-30").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Apply(context.Background(), mutation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceRequestRepositoryApplyMissingRequest(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMaintenanceRequestRepository(db)

	mutation := models.NewMaintenanceMutation(404)
	mutation.Scalars["title"] = "Nothing here"

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE maintenance_requests SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Apply(context.Background(), mutation)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceRequestRepositoryApplyRollsBackOnTimelineFailure(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMaintenanceRequestRepository(db)

	now := time.Now().UTC()
	mutation := models.NewMaintenanceMutation(10)
	mutation.TimelineEvents = []models.TimelineEventUpsert{
		{ActorID: 2, Type: models.TimelineEventComment, OccurredAt: now},
		{ID: 77, ActorID: 2, Type: models.TimelineEventComment, OccurredAt: now},
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE maintenance_requests SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO maintenance_timeline_events (maintenance_request_id,")).
		WillReturnResult(sqlmock.NewResult(3, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (id) DO UPDATE")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Apply(context.Background(), mutation)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimelineEventNotOwned))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceRequestRepositoryApplyUnknownMaterialRequest(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMaintenanceRequestRepository(db)

	materialID := int64(404)
	mutation := models.NewMaintenanceMutation(10)
	mutation.MaterialRequests = []models.MaterialRequestRef{{ID: &materialID}}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE maintenance_requests SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE material_requests SET maintenance_request_id = $1 WHERE id = $2")).
		WithArgs(int64(10), materialID).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Apply(context.Background(), mutation)
	assert.ErrorIs(t, err, ErrMaterialRequestNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceRequestRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMaintenanceRequestRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM maintenance_requests WHERE id = $1")).
		WithArgs(int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM maintenance_requests WHERE id = $1")).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Delete(context.Background(), 10))
	assert.ErrorIs(t, repo.Delete(context.Background(), 11), sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMaintenanceRequestRepositoryExists(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewMaintenanceRequestRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM maintenance_requests WHERE id = $1)")).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := repo.Exists(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}
