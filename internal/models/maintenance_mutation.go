package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// RelationField names a single-valued relation of the maintenance request.
type RelationField string

const (
	RelationCurrentMaintenanceInstance RelationField = "currentMaintenanceInstance"
	RelationCreatedBy                  RelationField = "createdBy"
	RelationAssignedTo                 RelationField = "assignedTo"
	RelationFacilityComplex            RelationField = "facilityComplex"
	RelationBuilding                   RelationField = "building"
	RelationSpace                      RelationField = "space"
	RelationSystem                     RelationField = "system"
	RelationServiceType                RelationField = "serviceType"
	RelationDiagnosis                  RelationField = "diagnosis"
	RelationRequestingUnit             RelationField = "requestingUnit"
	RelationCostUnit                   RelationField = "costUnit"
)

var relationColumns = map[RelationField]string{
	RelationCurrentMaintenanceInstance: "current_maintenance_instance_id",
	RelationCreatedBy:                  "created_by_id",
	RelationAssignedTo:                 "assigned_to_id",
	RelationFacilityComplex:            "facility_complex_id",
	RelationBuilding:                   "building_id",
	RelationSpace:                      "space_id",
	RelationSystem:                     "system_id",
	RelationServiceType:                "service_type_id",
	RelationDiagnosis:                  "diagnosis_id",
	RelationRequestingUnit:             "requesting_unit_id",
	RelationCostUnit:                   "cost_unit_id",
}

// Column returns the foreign key column backing the relation.
func (f RelationField) Column() string {
	return relationColumns[f]
}

// Mandatory reports whether the relation is non-nullable.
func (f RelationField) Mandatory() bool {
	return f == RelationCurrentMaintenanceInstance || f == RelationCreatedBy
}

// RelationOp is the mutation applied to a relation.
type RelationOp string

const (
	RelationOpConnect    RelationOp = "connect"
	RelationOpDisconnect RelationOp = "disconnect"
)

// RelationInstruction connects a relation to ID or disconnects it.
type RelationInstruction struct {
	Op RelationOp `json:"op"`
	ID int64      `json:"id,omitempty"`
}

// StatusUpsert keys a status history write by (Status, RequestID, CreatedAt).
// Description is only written when the row is created.
type StatusUpsert struct {
	Status      MaintenanceStatus `json:"status"`
	RequestID   int64             `json:"requestId"`
	CreatedAt   time.Time         `json:"createdAt"`
	Description *string           `json:"description,omitempty"`
	IsFinal     bool              `json:"isFinal"`
	Order       int               `json:"order"`
}

// TimelineEventUpsert writes one timeline event. ID 0 means no existing row
// and always takes the insert path.
type TimelineEventUpsert struct {
	ID                     int64             `json:"id"`
	ActorID                int64             `json:"actorId"`
	Type                   TimelineEventType `json:"type"`
	Description            *string           `json:"description,omitempty"`
	Details                *types.JSONText   `json:"details,omitempty"`
	TransferFromInstanceID *int64            `json:"transferFromInstanceId,omitempty"`
	TransferToInstanceID   *int64            `json:"transferToInstanceId,omitempty"`
	OccurredAt             time.Time         `json:"occurredAt"`
}

// MaterialRequestRef resolves a material request by id or protocol number.
type MaterialRequestRef struct {
	ID             *int64  `json:"id,omitempty"`
	ProtocolNumber *string `json:"protocolNumber,omitempty"`
}

// MaintenanceMutation is the merged set of writes for a single create or
// update call. It is applied atomically by the repository.
type MaintenanceMutation struct {
	RequestID        int64                                 `json:"requestId"`
	Scalars          map[string]interface{}                `json:"scalars,omitempty"`
	Relations        map[RelationField]RelationInstruction `json:"relations,omitempty"`
	Status           *StatusUpsert                         `json:"status,omitempty"`
	TimelineEvents   []TimelineEventUpsert                 `json:"timelineEvents,omitempty"`
	MaterialRequests []MaterialRequestRef                  `json:"materialRequests,omitempty"`
}

// NewMaintenanceMutation returns an empty descriptor for the request.
func NewMaintenanceMutation(requestID int64) *MaintenanceMutation {
	return &MaintenanceMutation{
		RequestID: requestID,
		Scalars:   make(map[string]interface{}),
		Relations: make(map[RelationField]RelationInstruction),
	}
}

// Empty reports whether the descriptor carries no writes.
func (m *MaintenanceMutation) Empty() bool {
	return m == nil || (len(m.Scalars) == 0 && len(m.Relations) == 0 && m.Status == nil &&
		len(m.TimelineEvents) == 0 && len(m.MaterialRequests) == 0)
}
