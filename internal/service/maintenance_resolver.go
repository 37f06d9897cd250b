package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
	"go.uber.org/zap"

	"github.com/noah-isme/maintenance-api/internal/dto"
	"github.com/noah-isme/maintenance-api/internal/models"
	appErrors "github.com/noah-isme/maintenance-api/pkg/errors"
)

// Diagnostics receives non-fatal findings from the resolver. *zap.Logger
// satisfies it.
type Diagnostics interface {
	Warn(msg string, fields ...zap.Field)
}

// ResolveOptions carries the inputs of ResolveMaintenanceMutation that are
// not part of the payload.
type ResolveOptions struct {
	// Now stamps status entries and timeline events that carry no timestamp.
	Now time.Time
	// ActorID is used for timeline events that do not name an actor.
	ActorID     int64
	Diagnostics Diagnostics
}

type relationBinding struct {
	field models.RelationField
	value func(p *dto.MaintenanceRequestPayload) dto.Relation
}

var relationBindings = []relationBinding{
	{models.RelationCurrentMaintenanceInstance, func(p *dto.MaintenanceRequestPayload) dto.Relation { return p.CurrentMaintenanceInstance }},
	{models.RelationCreatedBy, func(p *dto.MaintenanceRequestPayload) dto.Relation { return p.CreatedBy }},
	{models.RelationAssignedTo, func(p *dto.MaintenanceRequestPayload) dto.Relation { return p.AssignedTo }},
	{models.RelationFacilityComplex, func(p *dto.MaintenanceRequestPayload) dto.Relation { return p.FacilityComplex }},
	{models.RelationBuilding, func(p *dto.MaintenanceRequestPayload) dto.Relation { return p.Building }},
	{models.RelationSpace, func(p *dto.MaintenanceRequestPayload) dto.Relation { return p.Space }},
	{models.RelationSystem, func(p *dto.MaintenanceRequestPayload) dto.Relation { return p.System }},
	{models.RelationServiceType, func(p *dto.MaintenanceRequestPayload) dto.Relation { return p.ServiceType }},
	{models.RelationDiagnosis, func(p *dto.MaintenanceRequestPayload) dto.Relation { return p.Diagnosis }},
	{models.RelationRequestingUnit, func(p *dto.MaintenanceRequestPayload) dto.Relation { return p.RequestingUnit }},
	{models.RelationCostUnit, func(p *dto.MaintenanceRequestPayload) dto.Relation { return p.CostUnit }},
}

// ResolveMaintenanceMutation translates a partial payload into the merged
// mutation descriptor for requestID. It performs no I/O. On error no
// descriptor is returned.
func ResolveMaintenanceMutation(requestID int64, payload dto.MaintenanceRequestPayload, opts ResolveOptions) (*models.MaintenanceMutation, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = zap.NewNop()
	}

	// References are checked up front so a bad entry never yields a
	// partially built descriptor.
	materials, err := resolveMaterialRequests(payload.MaterialRequests)
	if err != nil {
		return nil, err
	}

	mutation := models.NewMaintenanceMutation(requestID)
	resolveScalars(mutation, &payload)

	for _, binding := range relationBindings {
		instruction, ok, err := resolveRelation(binding.field, binding.value(&payload))
		if err != nil {
			return nil, err
		}
		if !ok {
			if binding.value(&payload).Set && binding.field.Mandatory() {
				opts.Diagnostics.Warn("ignoring attempt to null a mandatory relation",
					zap.String("field", string(binding.field)),
					zap.Int64("maintenance_request_id", requestID),
				)
			}
			continue
		}
		mutation.Relations[binding.field] = instruction
	}

	status, err := resolveStatus(requestID, payload.Statuses, opts)
	if err != nil {
		return nil, err
	}
	mutation.Status = status

	events, err := resolveTimelineEvents(payload.TimelineEvents, opts)
	if err != nil {
		return nil, err
	}
	mutation.TimelineEvents = events
	mutation.MaterialRequests = materials

	return mutation, nil
}

// resolveRelation maps one relation field onto an instruction. ok is false
// when nothing should be written for the field.
func resolveRelation(field models.RelationField, rel dto.Relation) (models.RelationInstruction, bool, error) {
	switch {
	case !rel.Set:
		return models.RelationInstruction{}, false, nil
	case rel.Null:
		if field.Mandatory() {
			return models.RelationInstruction{}, false, nil
		}
		return models.RelationInstruction{Op: models.RelationOpDisconnect}, true, nil
	case rel.Value.ID == nil || *rel.Value.ID <= 0:
		return models.RelationInstruction{}, false, appErrors.Clone(appErrors.ErrInvalidRelationReference,
			fmt.Sprintf("%s: relation reference requires an id", field))
	default:
		return models.RelationInstruction{Op: models.RelationOpConnect, ID: *rel.Value.ID}, true, nil
	}
}

func resolveStatus(requestID int64, field dto.Nullable[dto.StatusPayload], opts ResolveOptions) (*models.StatusUpsert, error) {
	if !field.Set {
		return nil, nil
	}
	if field.Null {
		opts.Diagnostics.Warn("ignoring attempt to null the request status",
			zap.String("field", "statuses"),
			zap.Int64("maintenance_request_id", requestID),
		)
		return nil, nil
	}
	payload := field.Value
	status := models.MaintenanceStatus(strings.ToUpper(strings.TrimSpace(string(payload.Status))))
	if status == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "statuses: status is required")
	}
	if !status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("statuses: unsupported status %q", payload.Status))
	}
	createdAt := opts.Now
	if payload.CreatedAt != nil && !payload.CreatedAt.IsZero() {
		createdAt = payload.CreatedAt.UTC()
	}
	return &models.StatusUpsert{
		Status:      status,
		RequestID:   requestID,
		CreatedAt:   createdAt,
		Description: payload.Description,
		IsFinal:     payload.IsFinal,
		Order:       payload.Order,
	}, nil
}

func resolveTimelineEvents(entries []dto.TimelineEventPayload, opts ResolveOptions) ([]models.TimelineEventUpsert, error) {
	if entries == nil {
		return nil, nil
	}
	events := make([]models.TimelineEventUpsert, 0, len(entries))
	for i, entry := range entries {
		event := models.TimelineEventUpsert{
			ActorID:                entry.ActorID,
			Type:                   models.TimelineEventType(strings.ToUpper(strings.TrimSpace(string(entry.Type)))),
			Description:            entry.Description,
			TransferFromInstanceID: entry.TransferFromInstanceID,
			TransferToInstanceID:   entry.TransferToInstanceID,
			OccurredAt:             opts.Now,
		}
		if entry.ID != nil {
			event.ID = *entry.ID
		}
		if event.ActorID == 0 {
			event.ActorID = opts.ActorID
		}
		if event.Type == "" {
			event.Type = models.TimelineEventOther
		}
		if !event.Type.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("timelineEvents[%d]: unsupported type %q", i, entry.Type))
		}
		if entry.OccurredAt != nil && !entry.OccurredAt.IsZero() {
			event.OccurredAt = entry.OccurredAt.UTC()
		}
		if len(entry.Details) > 0 && string(entry.Details) != "null" {
			details := types.JSONText(append([]byte(nil), entry.Details...))
			event.Details = &details
		}
		events = append(events, event)
	}
	return events, nil
}

func resolveMaterialRequests(entries []dto.MaterialRequestPayload) ([]models.MaterialRequestRef, error) {
	if entries == nil {
		return nil, nil
	}
	refs := make([]models.MaterialRequestRef, 0, len(entries))
	for i, entry := range entries {
		switch {
		case entry.ID != nil && *entry.ID > 0:
			id := *entry.ID
			refs = append(refs, models.MaterialRequestRef{ID: &id})
		case entry.ProtocolNumber != nil && strings.TrimSpace(*entry.ProtocolNumber) != "":
			protocol := strings.TrimSpace(*entry.ProtocolNumber)
			refs = append(refs, models.MaterialRequestRef{ProtocolNumber: &protocol})
		default:
			return nil, appErrors.Clone(appErrors.ErrUnresolvableReference,
				fmt.Sprintf("materialRequests[%d]: an id or protocolNumber is required", i))
		}
	}
	return refs, nil
}

func resolveScalars(mutation *models.MaintenanceMutation, payload *dto.MaintenanceRequestPayload) {
	if payload.Title != nil {
		mutation.Scalars["title"] = strings.TrimSpace(*payload.Title)
	}
	setNullableString(mutation, "protocol_number", payload.ProtocolNumber)
	setNullableString(mutation, "description", payload.Description)
	setNullableString(mutation, "solution_details", payload.SolutionDetails)
	setNullableTime(mutation, "requested_at", payload.RequestedAt)
	setNullableTime(mutation, "deadline", payload.Deadline)
	setNullableTime(mutation, "completed_at", payload.CompletedAt)
}

func setNullableString(mutation *models.MaintenanceMutation, column string, value dto.Nullable[string]) {
	if !value.Set {
		return
	}
	if value.Null {
		mutation.Scalars[column] = nil
		return
	}
	mutation.Scalars[column] = strings.TrimSpace(value.Value)
}

func setNullableTime(mutation *models.MaintenanceMutation, column string, value dto.Nullable[time.Time]) {
	if !value.Set {
		return
	}
	if value.Null {
		mutation.Scalars[column] = nil
		return
	}
	mutation.Scalars[column] = value.Value.UTC()
}
