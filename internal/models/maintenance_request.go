package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// MaintenanceStatus enumerates the workflow states of a maintenance request.
type MaintenanceStatus string

const (
	MaintenanceStatusPending     MaintenanceStatus = "PENDING"
	MaintenanceStatusScheduled   MaintenanceStatus = "SCHEDULED"
	MaintenanceStatusInProgress  MaintenanceStatus = "IN_PROGRESS"
	MaintenanceStatusOnHold      MaintenanceStatus = "ON_HOLD"
	MaintenanceStatusCompleted   MaintenanceStatus = "COMPLETED"
	MaintenanceStatusCancelled   MaintenanceStatus = "CANCELLED"
	MaintenanceStatusTransferred MaintenanceStatus = "TRANSFERRED"
)

// Valid reports whether the status is a known enum value.
func (s MaintenanceStatus) Valid() bool {
	switch s {
	case MaintenanceStatusPending,
		MaintenanceStatusScheduled,
		MaintenanceStatusInProgress,
		MaintenanceStatusOnHold,
		MaintenanceStatusCompleted,
		MaintenanceStatusCancelled,
		MaintenanceStatusTransferred:
		return true
	}
	return false
}

// TimelineEventType classifies narrative entries on a request timeline.
type TimelineEventType string

const (
	TimelineEventCreation        TimelineEventType = "CREATION"
	TimelineEventStatusChange    TimelineEventType = "STATUS_CHANGE"
	TimelineEventAssignment      TimelineEventType = "ASSIGNMENT"
	TimelineEventComment         TimelineEventType = "COMMENT"
	TimelineEventTransfer        TimelineEventType = "TRANSFER"
	TimelineEventMaterialRequest TimelineEventType = "MATERIAL_REQUEST"
	TimelineEventOther           TimelineEventType = "OTHER"
)

// Valid reports whether the event type is a known enum value.
func (t TimelineEventType) Valid() bool {
	switch t {
	case TimelineEventCreation,
		TimelineEventStatusChange,
		TimelineEventAssignment,
		TimelineEventComment,
		TimelineEventTransfer,
		TimelineEventMaterialRequest,
		TimelineEventOther:
		return true
	}
	return false
}

// RelationRef is the eager-loaded summary of a referenced row.
type RelationRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// MaintenanceRequest is the aggregate root of the maintenance workflow.
type MaintenanceRequest struct {
	ID              int64      `json:"id"`
	ProtocolNumber  *string    `json:"protocolNumber,omitempty"`
	Title           string     `json:"title"`
	Description     *string    `json:"description,omitempty"`
	RequestedAt     *time.Time `json:"requestedAt,omitempty"`
	Deadline        *time.Time `json:"deadline,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	SolutionDetails *string    `json:"solutionDetails,omitempty"`

	CurrentMaintenanceInstance *RelationRef `json:"currentMaintenanceInstance"`
	CreatedBy                  *RelationRef `json:"createdBy"`
	AssignedTo                 *RelationRef `json:"assignedTo"`
	FacilityComplex            *RelationRef `json:"facilityComplex"`
	Building                   *RelationRef `json:"building"`
	Space                      *RelationRef `json:"space"`
	System                     *RelationRef `json:"system"`
	ServiceType                *RelationRef `json:"serviceType"`
	Diagnosis                  *RelationRef `json:"diagnosis"`
	RequestingUnit             *RelationRef `json:"requestingUnit"`
	CostUnit                   *RelationRef `json:"costUnit"`

	Statuses         []MaintenanceRequestStatus `json:"statuses"`
	TimelineEvents   []MaintenanceTimelineEvent `json:"timelineEvents"`
	MaterialRequests []MaterialRequest          `json:"materialRequests"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CurrentStatus returns the most recent status entry, if any.
func (r *MaintenanceRequest) CurrentStatus() *MaintenanceRequestStatus {
	if r == nil || len(r.Statuses) == 0 {
		return nil
	}
	latest := &r.Statuses[0]
	for i := range r.Statuses {
		if r.Statuses[i].CreatedAt.After(latest.CreatedAt) {
			latest = &r.Statuses[i]
		}
	}
	return latest
}

// MaintenanceRequestStatus is an append-only history entry. The triple
// (status, maintenance_request_id, created_at) is unique.
type MaintenanceRequestStatus struct {
	ID                   int64             `db:"id" json:"id"`
	Status               MaintenanceStatus `db:"status" json:"status"`
	Description          *string           `db:"description" json:"description,omitempty"`
	IsFinal              bool              `db:"is_final" json:"isFinal"`
	Order                int               `db:"order" json:"order"`
	MaintenanceRequestID int64             `db:"maintenance_request_id" json:"maintenanceRequestId"`
	CreatedAt            time.Time         `db:"created_at" json:"createdAt"`
}

// MaintenanceTimelineEvent is a narrative entry scoped to one request.
type MaintenanceTimelineEvent struct {
	ID                     int64             `db:"id" json:"id"`
	MaintenanceRequestID   int64             `db:"maintenance_request_id" json:"maintenanceRequestId"`
	ActorID                int64             `db:"actor_id" json:"actorId"`
	ActorName              *string           `db:"actor_name" json:"actorName,omitempty"`
	Type                   TimelineEventType `db:"type" json:"type"`
	Description            *string           `db:"description" json:"description,omitempty"`
	Details                *types.JSONText   `db:"details" json:"details,omitempty"`
	TransferFromInstanceID *int64            `db:"transfer_from_instance_id" json:"transferFromInstanceId,omitempty"`
	TransferToInstanceID   *int64            `db:"transfer_to_instance_id" json:"transferToInstanceId,omitempty"`
	OccurredAt             time.Time         `db:"occurred_at" json:"occurredAt"`
}

// MaterialRequest is linked to a maintenance request by connection only.
type MaterialRequest struct {
	ID                   int64     `db:"id" json:"id"`
	ProtocolNumber       string    `db:"protocol_number" json:"protocolNumber"`
	Description          *string   `db:"description" json:"description,omitempty"`
	MaintenanceRequestID *int64    `db:"maintenance_request_id" json:"maintenanceRequestId,omitempty"`
	CreatedAt            time.Time `db:"created_at" json:"createdAt"`
}

// MaintenanceRequestFilter constrains listing queries.
type MaintenanceRequestFilter struct {
	Status       MaintenanceStatus
	AssignedToID *int64
	BuildingID   *int64
	CreatedByID  *int64
	Search       string
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}
