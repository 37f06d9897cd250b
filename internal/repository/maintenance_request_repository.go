package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/maintenance-api/internal/models"
)

var (
	// ErrMaterialRequestNotFound is returned when a referenced material
	// request does not exist.
	ErrMaterialRequestNotFound = errors.New("material request not found")
	// ErrTimelineEventNotOwned is returned when a timeline event id belongs
	// to another maintenance request.
	ErrTimelineEventNotOwned = errors.New("timeline event belongs to another maintenance request")
)

var requestSelectColumns = []string{
	"r.id", "r.protocol_number", "r.title", "r.description", "r.requested_at", "r.deadline",
	"r.completed_at", "r.solution_details", "r.created_at", "r.updated_at",
	"r.current_maintenance_instance_id", "mi.name AS current_maintenance_instance_name",
	"r.created_by_id", "cb.full_name AS created_by_name",
	"r.assigned_to_id", "au.full_name AS assigned_to_name",
	"r.facility_complex_id", "fc.name AS facility_complex_name",
	"r.building_id", "b.name AS building_name",
	"r.space_id", "sp.name AS space_name",
	"r.system_id", "sy.name AS system_name",
	"r.service_type_id", "st.name AS service_type_name",
	"r.diagnosis_id", "dg.name AS diagnosis_name",
	"r.requesting_unit_id", "ru.name AS requesting_unit_name",
	"r.cost_unit_id", "cu.name AS cost_unit_name",
}

var requestSortColumns = map[string]string{
	"created_at": "r.created_at",
	"createdAt":  "r.created_at",
	"updated_at": "r.updated_at",
	"updatedAt":  "r.updated_at",
	"deadline":   "r.deadline",
	"title":      "r.title",
}

const latestStatusSubquery = `(SELECT s.status FROM maintenance_request_statuses s WHERE s.maintenance_request_id = r.id ORDER BY s.created_at DESC, s.id DESC LIMIT 1)`

const upsertStatusQuery = `INSERT INTO maintenance_request_statuses (status, description, is_final, "order", maintenance_request_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (status, maintenance_request_id, created_at) DO UPDATE SET status = EXCLUDED.status, is_final = EXCLUDED.is_final, "order" = EXCLUDED."order"`

const insertTimelineEventQuery = `INSERT INTO maintenance_timeline_events (maintenance_request_id, actor_id, type, description, details, transfer_from_instance_id, transfer_to_instance_id, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const upsertTimelineEventQuery = `INSERT INTO maintenance_timeline_events (id, maintenance_request_id, actor_id, type, description, details, transfer_from_instance_id, transfer_to_instance_id, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE SET actor_id = EXCLUDED.actor_id, type = EXCLUDED.type, description = EXCLUDED.description, details = EXCLUDED.details,
transfer_from_instance_id = EXCLUDED.transfer_from_instance_id, transfer_to_instance_id = EXCLUDED.transfer_to_instance_id, occurred_at = EXCLUDED.occurred_at
WHERE maintenance_timeline_events.maintenance_request_id = EXCLUDED.maintenance_request_id`

// MaintenanceRequestRepository persists the maintenance request aggregate.
type MaintenanceRequestRepository struct {
	db *sqlx.DB
}

// NewMaintenanceRequestRepository constructs the repository.
func NewMaintenanceRequestRepository(db *sqlx.DB) *MaintenanceRequestRepository {
	return &MaintenanceRequestRepository{db: db}
}

type requestRow struct {
	ID              int64      `db:"id"`
	ProtocolNumber  *string    `db:"protocol_number"`
	Title           string     `db:"title"`
	Description     *string    `db:"description"`
	RequestedAt     *time.Time `db:"requested_at"`
	Deadline        *time.Time `db:"deadline"`
	CompletedAt     *time.Time `db:"completed_at"`
	SolutionDetails *string    `db:"solution_details"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`

	CurrentMaintenanceInstanceID   int64   `db:"current_maintenance_instance_id"`
	CurrentMaintenanceInstanceName *string `db:"current_maintenance_instance_name"`
	CreatedByID                    int64   `db:"created_by_id"`
	CreatedByName                  *string `db:"created_by_name"`
	AssignedToID                   *int64  `db:"assigned_to_id"`
	AssignedToName                 *string `db:"assigned_to_name"`
	FacilityComplexID              *int64  `db:"facility_complex_id"`
	FacilityComplexName            *string `db:"facility_complex_name"`
	BuildingID                     *int64  `db:"building_id"`
	BuildingName                   *string `db:"building_name"`
	SpaceID                        *int64  `db:"space_id"`
	SpaceName                      *string `db:"space_name"`
	SystemID                       *int64  `db:"system_id"`
	SystemName                     *string `db:"system_name"`
	ServiceTypeID                  *int64  `db:"service_type_id"`
	ServiceTypeName                *string `db:"service_type_name"`
	DiagnosisID                    *int64  `db:"diagnosis_id"`
	DiagnosisName                  *string `db:"diagnosis_name"`
	RequestingUnitID               *int64  `db:"requesting_unit_id"`
	RequestingUnitName             *string `db:"requesting_unit_name"`
	CostUnitID                     *int64  `db:"cost_unit_id"`
	CostUnitName                   *string `db:"cost_unit_name"`
}

func relationRef(id *int64, name *string) *models.RelationRef {
	if id == nil {
		return nil
	}
	ref := &models.RelationRef{ID: *id}
	if name != nil {
		ref.Name = *name
	}
	return ref
}

func (row requestRow) toModel() models.MaintenanceRequest {
	instanceID, creatorID := row.CurrentMaintenanceInstanceID, row.CreatedByID
	return models.MaintenanceRequest{
		ID:                         row.ID,
		ProtocolNumber:             row.ProtocolNumber,
		Title:                      row.Title,
		Description:                row.Description,
		RequestedAt:                row.RequestedAt,
		Deadline:                   row.Deadline,
		CompletedAt:                row.CompletedAt,
		SolutionDetails:            row.SolutionDetails,
		CurrentMaintenanceInstance: relationRef(&instanceID, row.CurrentMaintenanceInstanceName),
		CreatedBy:                  relationRef(&creatorID, row.CreatedByName),
		AssignedTo:                 relationRef(row.AssignedToID, row.AssignedToName),
		FacilityComplex:            relationRef(row.FacilityComplexID, row.FacilityComplexName),
		Building:                   relationRef(row.BuildingID, row.BuildingName),
		Space:                      relationRef(row.SpaceID, row.SpaceName),
		System:                     relationRef(row.SystemID, row.SystemName),
		ServiceType:                relationRef(row.ServiceTypeID, row.ServiceTypeName),
		Diagnosis:                  relationRef(row.DiagnosisID, row.DiagnosisName),
		RequestingUnit:             relationRef(row.RequestingUnitID, row.RequestingUnitName),
		CostUnit:                   relationRef(row.CostUnitID, row.CostUnitName),
		Statuses:                   []models.MaintenanceRequestStatus{},
		TimelineEvents:             []models.MaintenanceTimelineEvent{},
		MaterialRequests:           []models.MaterialRequest{},
		CreatedAt:                  row.CreatedAt,
		UpdatedAt:                  row.UpdatedAt,
	}
}

func newRequestSelect() *sqlbuilder.SelectBuilder {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(requestSelectColumns...)
	sb.From("maintenance_requests r")
	sb.Join("maintenance_instances mi", "mi.id = r.current_maintenance_instance_id")
	sb.Join("users cb", "cb.id = r.created_by_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "users au", "au.id = r.assigned_to_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "facility_complexes fc", "fc.id = r.facility_complex_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "buildings b", "b.id = r.building_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "spaces sp", "sp.id = r.space_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "systems sy", "sy.id = r.system_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "service_types st", "st.id = r.service_type_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "diagnoses dg", "dg.id = r.diagnosis_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "org_units ru", "ru.id = r.requesting_unit_id")
	sb.JoinWithOption(sqlbuilder.LeftJoin, "org_units cu", "cu.id = r.cost_unit_id")
	return sb
}

// Exists reports whether a maintenance request with id exists.
func (r *MaintenanceRequestRepository) Exists(ctx context.Context, id int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM maintenance_requests WHERE id = $1)`
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, id); err != nil {
		return false, fmt.Errorf("check maintenance request: %w", err)
	}
	return exists, nil
}

// FindByID loads a request with its relations. sql.ErrNoRows is returned
// when the request does not exist.
func (r *MaintenanceRequestRepository) FindByID(ctx context.Context, id int64) (*models.MaintenanceRequest, error) {
	sb := newRequestSelect()
	sb.Where(sb.Equal("r.id", id))
	return r.findOne(ctx, sb, "find maintenance request")
}

// FindByProtocol loads a request by its protocol number.
func (r *MaintenanceRequestRepository) FindByProtocol(ctx context.Context, protocol string) (*models.MaintenanceRequest, error) {
	sb := newRequestSelect()
	sb.Where(sb.Equal("r.protocol_number", protocol))
	return r.findOne(ctx, sb, "find maintenance request by protocol")
}

func (r *MaintenanceRequestRepository) findOne(ctx context.Context, sb *sqlbuilder.SelectBuilder, op string) (*models.MaintenanceRequest, error) {
	sb.Limit(1)
	query, args := sb.Build()

	var row requestRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	requests := []models.MaintenanceRequest{row.toModel()}
	if err := r.loadChildren(ctx, requests); err != nil {
		return nil, err
	}
	return &requests[0], nil
}

// List returns a page of requests matching filter together with the total
// number of matches.
func (r *MaintenanceRequestRepository) List(ctx context.Context, filter models.MaintenanceRequestFilter) ([]models.MaintenanceRequest, int, error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	where := func(sb *sqlbuilder.SelectBuilder) []string {
		var conditions []string
		if filter.Status != "" {
			conditions = append(conditions, fmt.Sprintf("%s = %s", latestStatusSubquery, sb.Var(string(filter.Status))))
		}
		if filter.AssignedToID != nil {
			conditions = append(conditions, sb.Equal("r.assigned_to_id", *filter.AssignedToID))
		}
		if filter.BuildingID != nil {
			conditions = append(conditions, sb.Equal("r.building_id", *filter.BuildingID))
		}
		if filter.CreatedByID != nil {
			conditions = append(conditions, sb.Equal("r.created_by_id", *filter.CreatedByID))
		}
		if search := strings.TrimSpace(filter.Search); search != "" {
			pattern := "%" + strings.ToLower(search) + "%"
			conditions = append(conditions, sb.Or(
				sb.Like("LOWER(r.title)", pattern),
				sb.Like("LOWER(r.protocol_number)", pattern),
			))
		}
		return conditions
	}

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From("maintenance_requests r")
	if conditions := where(countSb); len(conditions) > 0 {
		countSb.Where(conditions...)
	}
	countQuery, countArgs := countSb.Build()

	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("count maintenance requests: %w", err)
	}

	sortBy, ok := requestSortColumns[filter.SortBy]
	if !ok {
		sortBy = "r.created_at"
	}
	sortOrder := strings.ToUpper(filter.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	sb := newRequestSelect()
	if conditions := where(sb); len(conditions) > 0 {
		sb.Where(conditions...)
	}
	sb.OrderBy(fmt.Sprintf("%s %s", sortBy, sortOrder), "r.id "+sortOrder)
	sb.Limit(pageSize).Offset((page - 1) * pageSize)
	query, args := sb.Build()

	var rows []requestRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list maintenance requests: %w", err)
	}

	requests := make([]models.MaintenanceRequest, 0, len(rows))
	for _, row := range rows {
		requests = append(requests, row.toModel())
	}
	if err := r.loadChildren(ctx, requests); err != nil {
		return nil, 0, err
	}
	return requests, total, nil
}

func (r *MaintenanceRequestRepository) loadChildren(ctx context.Context, requests []models.MaintenanceRequest) error {
	if len(requests) == 0 {
		return nil
	}
	ids := make([]int64, len(requests))
	index := make(map[int64]int, len(requests))
	for i := range requests {
		ids[i] = requests[i].ID
		index[requests[i].ID] = i
	}

	const statusQuery = `SELECT id, status, description, is_final, "order", maintenance_request_id, created_at FROM maintenance_request_statuses WHERE maintenance_request_id = ANY($1) ORDER BY created_at ASC, id ASC`
	var statuses []models.MaintenanceRequestStatus
	if err := r.db.SelectContext(ctx, &statuses, statusQuery, pq.Array(ids)); err != nil {
		return fmt.Errorf("load maintenance request statuses: %w", err)
	}
	for _, status := range statuses {
		i := index[status.MaintenanceRequestID]
		requests[i].Statuses = append(requests[i].Statuses, status)
	}

	const timelineQuery = `SELECT e.id, e.maintenance_request_id, e.actor_id, u.full_name AS actor_name, e.type, e.description, e.details, e.transfer_from_instance_id, e.transfer_to_instance_id, e.occurred_at FROM maintenance_timeline_events e LEFT JOIN users u ON u.id = e.actor_id WHERE e.maintenance_request_id = ANY($1) ORDER BY e.occurred_at ASC, e.id ASC`
	var events []models.MaintenanceTimelineEvent
	if err := r.db.SelectContext(ctx, &events, timelineQuery, pq.Array(ids)); err != nil {
		return fmt.Errorf("load maintenance timeline events: %w", err)
	}
	for _, event := range events {
		i := index[event.MaintenanceRequestID]
		requests[i].TimelineEvents = append(requests[i].TimelineEvents, event)
	}

	const materialQuery = `SELECT id, protocol_number, description, maintenance_request_id, created_at FROM material_requests WHERE maintenance_request_id = ANY($1) ORDER BY id ASC`
	var materials []models.MaterialRequest
	if err := r.db.SelectContext(ctx, &materials, materialQuery, pq.Array(ids)); err != nil {
		return fmt.Errorf("load material requests: %w", err)
	}
	for _, material := range materials {
		if material.MaintenanceRequestID == nil {
			continue
		}
		i := index[*material.MaintenanceRequestID]
		requests[i].MaterialRequests = append(requests[i].MaterialRequests, material)
	}
	return nil
}

// Create inserts a new request and applies its child writes in a single
// transaction. It returns the generated id.
func (r *MaintenanceRequestRepository) Create(ctx context.Context, mutation *models.MaintenanceMutation) (id int64, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin maintenance request transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	columns, values := mutationColumns(mutation)
	columns = append(columns, "created_at", "updated_at")
	values = append(values, now, now)

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("maintenance_requests")
	ib.Cols(columns...)
	ib.Values(values...)
	query, args := ib.Build()
	query += " RETURNING id"

	if err = tx.QueryRowxContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert maintenance request: %w", err)
	}

	mutation.RequestID = id
	if mutation.Status != nil {
		mutation.Status.RequestID = id
	}
	if err = applyChildren(ctx, tx, mutation); err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit maintenance request: %w", err)
	}
	return id, nil
}

// Apply writes the descriptor for an existing request atomically. A missing
// request yields sql.ErrNoRows.
func (r *MaintenanceRequestRepository) Apply(ctx context.Context, mutation *models.MaintenanceMutation) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin maintenance request transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	columns, values := mutationColumns(mutation)
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("maintenance_requests")
	sets := make([]string, 0, len(columns)+1)
	for i, column := range columns {
		sets = append(sets, ub.Assign(column, values[i]))
	}
	sets = append(sets, ub.Assign("updated_at", time.Now().UTC()))
	ub.Set(sets...)
	ub.Where(ub.Equal("id", mutation.RequestID))
	query, args := ub.Build()

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update maintenance request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update maintenance request rows: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}

	if err = applyChildren(ctx, tx, mutation); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit maintenance request: %w", err)
	}
	return nil
}

// Delete removes a request. Status history and timeline rows cascade;
// material requests are detached.
func (r *MaintenanceRequestRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM maintenance_requests WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete maintenance request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete maintenance request rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// mutationColumns flattens scalar and relation writes into sorted column
// and value slices.
func mutationColumns(mutation *models.MaintenanceMutation) ([]string, []interface{}) {
	assignments := make(map[string]interface{}, len(mutation.Scalars)+len(mutation.Relations))
	for column, value := range mutation.Scalars {
		assignments[column] = value
	}
	for field, instruction := range mutation.Relations {
		column := field.Column()
		if column == "" {
			continue
		}
		switch instruction.Op {
		case models.RelationOpConnect:
			assignments[column] = instruction.ID
		case models.RelationOpDisconnect:
			assignments[column] = nil
		}
	}

	columns := make([]string, 0, len(assignments))
	for column := range assignments {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	values := make([]interface{}, len(columns))
	for i, column := range columns {
		values[i] = assignments[column]
	}
	return columns, values
}

func applyChildren(ctx context.Context, tx *sqlx.Tx, mutation *models.MaintenanceMutation) error {
	if status := mutation.Status; status != nil {
		if _, err := tx.ExecContext(ctx, upsertStatusQuery,
			status.Status, status.Description, status.IsFinal, status.Order, mutation.RequestID, status.CreatedAt,
		); err != nil {
			return fmt.Errorf("upsert maintenance request status: %w", err)
		}
	}

	for i, event := range mutation.TimelineEvents {
		if err := upsertTimelineEvent(ctx, tx, mutation.RequestID, event); err != nil {
			return fmt.Errorf("timeline event %d: %w", i, err)
		}
	}

	for _, ref := range mutation.MaterialRequests {
		if err := connectMaterialRequest(ctx, tx, mutation.RequestID, ref); err != nil {
			return err
		}
	}
	return nil
}

func upsertTimelineEvent(ctx context.Context, tx *sqlx.Tx, requestID int64, event models.TimelineEventUpsert) error {
	var details interface{}
	if event.Details != nil {
		details = string(*event.Details)
	}

	if event.ID == 0 {
		if _, err := tx.ExecContext(ctx, insertTimelineEventQuery,
			requestID, event.ActorID, event.Type, event.Description, details,
			event.TransferFromInstanceID, event.TransferToInstanceID, event.OccurredAt,
		); err != nil {
			return fmt.Errorf("insert timeline event: %w", err)
		}
		return nil
	}

	result, err := tx.ExecContext(ctx, upsertTimelineEventQuery,
		event.ID, requestID, event.ActorID, event.Type, event.Description, details,
		event.TransferFromInstanceID, event.TransferToInstanceID, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("upsert timeline event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("upsert timeline event rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("timeline event %d: %w", event.ID, ErrTimelineEventNotOwned)
	}
	return nil
}

func connectMaterialRequest(ctx context.Context, tx *sqlx.Tx, requestID int64, ref models.MaterialRequestRef) error {
	var (
		result sql.Result
		err    error
		label  string
	)
	switch {
	case ref.ID != nil:
		label = fmt.Sprintf("id %d", *ref.ID)
		result, err = tx.ExecContext(ctx, `UPDATE material_requests SET maintenance_request_id = $1 WHERE id = $2`, requestID, *ref.ID)
	case ref.ProtocolNumber != nil:
		label = fmt.Sprintf("protocol %s", *ref.ProtocolNumber)
		result, err = tx.ExecContext(ctx, `UPDATE material_requests SET maintenance_request_id = $1 WHERE protocol_number = $2`, requestID, *ref.ProtocolNumber)
	default:
		return ErrMaterialRequestNotFound
	}
	if err != nil {
		return fmt.Errorf("connect material request %s: %w", label, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("connect material request %s: %w", label, err)
	}
	if affected == 0 {
		return fmt.Errorf("material request %s: %w", label, ErrMaterialRequestNotFound)
	}
	return nil
}
