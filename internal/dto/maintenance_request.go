package dto

import (
	"encoding/json"
	"time"

	"github.com/noah-isme/maintenance-api/internal/models"
)

// RelationPayload references a related row by id.
type RelationPayload struct {
	ID *int64 `json:"id"`
}

// Relation is a single-valued relation field: absent leaves the link
// untouched, null disconnects, an object with an id connects.
type Relation = Nullable[RelationPayload]

// ConnectTo builds a relation field that connects to id.
func ConnectTo(id int64) Relation {
	return Of(RelationPayload{ID: &id})
}

// Disconnect builds an explicit null relation field.
func Disconnect() Relation {
	return Null[RelationPayload]()
}

// StatusPayload carries a status transition.
type StatusPayload struct {
	Status      models.MaintenanceStatus `json:"status"`
	Description *string                  `json:"description"`
	IsFinal     bool                     `json:"isFinal"`
	Order       int                      `json:"order"`
	CreatedAt   *time.Time               `json:"createdAt"`
}

// TimelineEventPayload carries one timeline event write.
type TimelineEventPayload struct {
	ID                     *int64                   `json:"id"`
	ActorID                int64                    `json:"actorId"`
	Type                   models.TimelineEventType `json:"type"`
	Description            *string                  `json:"description"`
	Details                json.RawMessage          `json:"details"`
	TransferFromInstanceID *int64                   `json:"transferFromInstanceId"`
	TransferToInstanceID   *int64                   `json:"transferToInstanceId"`
	OccurredAt             *time.Time               `json:"occurredAt"`
}

// MaterialRequestPayload references a material request by id or protocol.
type MaterialRequestPayload struct {
	ID             *int64  `json:"id"`
	ProtocolNumber *string `json:"protocolNumber"`
}

// MaintenanceRequestPayload is the create/update body. Every field is
// optional at the transport level; create-time requirements are checked by
// the service.
type MaintenanceRequestPayload struct {
	ProtocolNumber  Nullable[string]    `json:"protocolNumber"`
	Title           *string             `json:"title" validate:"omitempty,min=3,max=255"`
	Description     Nullable[string]    `json:"description"`
	RequestedAt     Nullable[time.Time] `json:"requestedAt"`
	Deadline        Nullable[time.Time] `json:"deadline"`
	CompletedAt     Nullable[time.Time] `json:"completedAt"`
	SolutionDetails Nullable[string]    `json:"solutionDetails"`

	CurrentMaintenanceInstance Relation `json:"currentMaintenanceInstance"`
	CreatedBy                  Relation `json:"createdBy"`
	AssignedTo                 Relation `json:"assignedTo"`
	FacilityComplex            Relation `json:"facilityComplex"`
	Building                   Relation `json:"building"`
	Space                      Relation `json:"space"`
	System                     Relation `json:"system"`
	ServiceType                Relation `json:"serviceType"`
	Diagnosis                  Relation `json:"diagnosis"`
	RequestingUnit             Relation `json:"requestingUnit"`
	CostUnit                   Relation `json:"costUnit"`

	Statuses         Nullable[StatusPayload]  `json:"statuses"`
	TimelineEvents   []TimelineEventPayload   `json:"timelineEvents" validate:"omitempty,max=100"`
	MaterialRequests []MaterialRequestPayload `json:"materialRequests" validate:"omitempty,max=100"`
}

// MaintenanceRequestQuery mirrors supported listing filters.
type MaintenanceRequestQuery struct {
	Status       string `form:"status"`
	AssignedToID *int64 `form:"assignedToId"`
	BuildingID   *int64 `form:"buildingId"`
	CreatedByID  *int64 `form:"createdById"`
	Search       string `form:"search"`
	Page         int    `form:"page"`
	PageSize     int    `form:"pageSize"`
	SortBy       string `form:"sortBy"`
	SortOrder    string `form:"sortOrder"`
}

// Filter converts the query into a repository filter.
func (q MaintenanceRequestQuery) Filter() models.MaintenanceRequestFilter {
	return models.MaintenanceRequestFilter{
		Status:       models.MaintenanceStatus(q.Status),
		AssignedToID: q.AssignedToID,
		BuildingID:   q.BuildingID,
		CreatedByID:  q.CreatedByID,
		Search:       q.Search,
		Page:         q.Page,
		PageSize:     q.PageSize,
		SortBy:       q.SortBy,
		SortOrder:    q.SortOrder,
	}
}
