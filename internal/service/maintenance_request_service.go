package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/maintenance-api/internal/dto"
	"github.com/noah-isme/maintenance-api/internal/models"
	"github.com/noah-isme/maintenance-api/internal/repository"
	"github.com/noah-isme/maintenance-api/pkg/database"
	appErrors "github.com/noah-isme/maintenance-api/pkg/errors"
	"github.com/noah-isme/maintenance-api/pkg/export"
)

const (
	maintenanceResource       = "maintenance_request"
	maintenanceCacheKeyFormat = "maintenance:request:%d"
	maintenanceCachePattern   = "maintenance:request:*"
)

// MaintenanceRequestStore is the persistence gateway for the aggregate.
type MaintenanceRequestStore interface {
	Exists(ctx context.Context, id int64) (bool, error)
	FindByID(ctx context.Context, id int64) (*models.MaintenanceRequest, error)
	FindByProtocol(ctx context.Context, protocol string) (*models.MaintenanceRequest, error)
	List(ctx context.Context, filter models.MaintenanceRequestFilter) ([]models.MaintenanceRequest, int, error)
	Create(ctx context.Context, mutation *models.MaintenanceMutation) (int64, error)
	Apply(ctx context.Context, mutation *models.MaintenanceMutation) error
	Delete(ctx context.Context, id int64) error
}

// AuditRecorder accepts audit entries without failing the caller.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// Actor identifies the authenticated caller of a write.
type Actor struct {
	ID        int64
	Role      models.UserRole
	IPAddress string
	UserAgent string
}

// MaintenanceRequestService implements the maintenance request use cases.
type MaintenanceRequestService struct {
	store     MaintenanceRequestStore
	validator *validator.Validate
	logger    *zap.Logger
	cache     *CacheService
	cacheTTL  time.Duration
	metrics   *MetricsService
	audit     AuditRecorder
	now       func() time.Time

	defaultPageSize int
	exportMaxRows   int
}

// MaintenanceServiceOption configures optional collaborators.
type MaintenanceServiceOption func(*MaintenanceRequestService)

// WithMaintenanceCache enables the read-through cache for Show.
func WithMaintenanceCache(cache *CacheService, ttl time.Duration) MaintenanceServiceOption {
	return func(s *MaintenanceRequestService) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// WithMaintenanceMetrics records repository timings and mutation outcomes.
func WithMaintenanceMetrics(metrics *MetricsService) MaintenanceServiceOption {
	return func(s *MaintenanceRequestService) {
		s.metrics = metrics
	}
}

// WithMaintenanceAudit records create, update and delete operations.
func WithMaintenanceAudit(audit AuditRecorder) MaintenanceServiceOption {
	return func(s *MaintenanceRequestService) {
		if audit != nil {
			s.audit = audit
		}
	}
}

// WithMaintenanceClock overrides the time source.
func WithMaintenanceClock(now func() time.Time) MaintenanceServiceOption {
	return func(s *MaintenanceRequestService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMaintenanceLimits sets the default page size and the export row cap.
func WithMaintenanceLimits(defaultPageSize, exportMaxRows int) MaintenanceServiceOption {
	return func(s *MaintenanceRequestService) {
		if defaultPageSize > 0 {
			s.defaultPageSize = defaultPageSize
		}
		if exportMaxRows > 0 {
			s.exportMaxRows = exportMaxRows
		}
	}
}

type noopAudit struct{}

func (noopAudit) Record(context.Context, AuditEntry) {}

// NewMaintenanceRequestService constructs the service.
func NewMaintenanceRequestService(store MaintenanceRequestStore, validate *validator.Validate, logger *zap.Logger, opts ...MaintenanceServiceOption) *MaintenanceRequestService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &MaintenanceRequestService{
		store:           store,
		validator:       validate,
		logger:          logger,
		audit:           noopAudit{},
		now:             func() time.Time { return time.Now().UTC() },
		defaultPageSize: 20,
		exportMaxRows:   1000,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create validates the payload, persists the request with its initial
// status and creation event, and returns the stored aggregate.
func (s *MaintenanceRequestService) Create(ctx context.Context, payload dto.MaintenanceRequestPayload, actor Actor) (*models.MaintenanceRequest, error) {
	if err := s.validate(payload); err != nil {
		return nil, err
	}
	if payload.Title == nil || strings.TrimSpace(*payload.Title) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "title is required")
	}

	now := s.now()
	mutation, err := ResolveMaintenanceMutation(0, payload, s.resolveOptions(actor, now))
	if err != nil {
		return nil, err
	}

	for field, instruction := range mutation.Relations {
		if instruction.Op == models.RelationOpDisconnect {
			delete(mutation.Relations, field)
		}
	}
	if _, ok := mutation.Relations[models.RelationCreatedBy]; !ok && actor.ID > 0 {
		mutation.Relations[models.RelationCreatedBy] = models.RelationInstruction{Op: models.RelationOpConnect, ID: actor.ID}
	}
	creator, ok := mutation.Relations[models.RelationCreatedBy]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "createdBy is required")
	}
	if _, ok := mutation.Relations[models.RelationCurrentMaintenanceInstance]; !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "currentMaintenanceInstance is required")
	}
	if _, ok := mutation.Scalars["requested_at"]; !ok {
		mutation.Scalars["requested_at"] = now
	}
	if mutation.Status == nil {
		mutation.Status = &models.StatusUpsert{Status: models.MaintenanceStatusPending, CreatedAt: now}
	}
	description := "Maintenance request created"
	creation := models.TimelineEventUpsert{
		ActorID:     creator.ID,
		Type:        models.TimelineEventCreation,
		Description: &description,
		OccurredAt:  now,
	}
	mutation.TimelineEvents = append([]models.TimelineEventUpsert{creation}, mutation.TimelineEvents...)

	start := time.Now()
	id, err := s.store.Create(ctx, mutation)
	s.metrics.ObserveDBQuery("maintenance_request_create", time.Since(start))
	s.metrics.RecordMutation("create", err)
	if err != nil {
		return nil, s.persistenceError("create", 0, payload, err)
	}

	request, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheRequest(ctx, request)
	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.ID,
		Action:     models.AuditActionMaintenanceCreate,
		Resource:   maintenanceResource,
		ResourceID: id,
		After:      request,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
	})
	return request, nil
}

// Update applies a partial payload to an existing request in one
// transaction. Validation happens before any write.
func (s *MaintenanceRequestService) Update(ctx context.Context, id int64, payload dto.MaintenanceRequestPayload, actor Actor) (*models.MaintenanceRequest, error) {
	if id <= 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "invalid maintenance request id")
	}
	if err := s.validate(payload); err != nil {
		return nil, err
	}
	if payload.Title != nil && strings.TrimSpace(*payload.Title) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "title cannot be blank")
	}

	mutation, err := ResolveMaintenanceMutation(id, payload, s.resolveOptions(actor, s.now()))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	exists, err := s.store.Exists(ctx, id)
	s.metrics.ObserveDBQuery("maintenance_request_exists", time.Since(start))
	if err != nil {
		return nil, s.persistenceError("exists", id, nil, err)
	}
	if !exists {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "maintenance request not found")
	}

	if mutation.Empty() {
		return s.load(ctx, id)
	}

	start = time.Now()
	err = s.store.Apply(ctx, mutation)
	s.metrics.ObserveDBQuery("maintenance_request_update", time.Since(start))
	s.metrics.RecordMutation("update", err)
	if err != nil {
		return nil, s.persistenceError("update", id, payload, err)
	}

	s.evict(ctx, id)
	request, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheRequest(ctx, request)
	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.ID,
		Action:     models.AuditActionMaintenanceUpdate,
		Resource:   maintenanceResource,
		ResourceID: id,
		Before:     mutation,
		After:      request,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
	})
	return request, nil
}

// Show returns the request with its relations. The boolean reports a cache
// hit.
func (s *MaintenanceRequestService) Show(ctx context.Context, id int64) (*models.MaintenanceRequest, bool, error) {
	if id <= 0 {
		return nil, false, appErrors.Clone(appErrors.ErrValidation, "invalid maintenance request id")
	}
	key := maintenanceCacheKey(id)
	var cached models.MaintenanceRequest
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached, true, nil
	}

	request, err := s.load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	s.cacheRequest(ctx, request)
	return request, false, nil
}

// FindByProtocol returns the request carrying protocol, or nil when there
// is none.
func (s *MaintenanceRequestService) FindByProtocol(ctx context.Context, protocol string) (*models.MaintenanceRequest, error) {
	protocol = strings.TrimSpace(protocol)
	if protocol == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "protocol number is required")
	}
	start := time.Now()
	request, err := s.store.FindByProtocol(ctx, protocol)
	s.metrics.ObserveDBQuery("maintenance_request_find_by_protocol", time.Since(start))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, s.persistenceError("find_by_protocol", 0, protocol, err)
	}
	return request, nil
}

// Delete removes a request permanently.
func (s *MaintenanceRequestService) Delete(ctx context.Context, id int64, actor Actor) error {
	if id <= 0 {
		return appErrors.Clone(appErrors.ErrValidation, "invalid maintenance request id")
	}
	start := time.Now()
	err := s.store.Delete(ctx, id)
	s.metrics.ObserveDBQuery("maintenance_request_delete", time.Since(start))
	s.metrics.RecordMutation("delete", err)
	if err != nil {
		return s.persistenceError("delete", id, nil, err)
	}
	s.evict(ctx, id)
	s.audit.Record(ctx, AuditEntry{
		ActorID:    actor.ID,
		Action:     models.AuditActionMaintenanceDelete,
		Resource:   maintenanceResource,
		ResourceID: id,
		IPAddress:  actor.IPAddress,
		UserAgent:  actor.UserAgent,
	})
	return nil
}

// List returns a page of requests and pagination metadata.
func (s *MaintenanceRequestService) List(ctx context.Context, filter models.MaintenanceRequestFilter) ([]models.MaintenanceRequest, *models.Pagination, error) {
	filter, err := s.normalizeFilter(filter)
	if err != nil {
		return nil, nil, err
	}
	start := time.Now()
	requests, total, err := s.store.List(ctx, filter)
	s.metrics.ObserveDBQuery("maintenance_request_list", time.Since(start))
	if err != nil {
		return nil, nil, s.persistenceError("list", 0, filter, err)
	}
	return requests, &models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total}, nil
}

// Export renders the requests matching filter. It returns the document,
// its format and a suggested file name.
func (s *MaintenanceRequestService) Export(ctx context.Context, filter models.MaintenanceRequestFilter, rawFormat string) ([]byte, export.Format, string, error) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, "", "", appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	renderer, err := export.RendererFor(format)
	if err != nil {
		return nil, "", "", appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	filter, err = s.normalizeFilter(filter)
	if err != nil {
		return nil, "", "", err
	}
	filter.Page = 1
	filter.PageSize = 100

	var rows []models.MaintenanceRequest
	for len(rows) < s.exportMaxRows {
		start := time.Now()
		page, total, err := s.store.List(ctx, filter)
		s.metrics.ObserveDBQuery("maintenance_request_export", time.Since(start))
		if err != nil {
			return nil, "", "", s.persistenceError("export", 0, filter, err)
		}
		rows = append(rows, page...)
		if len(page) < filter.PageSize || len(rows) >= total {
			break
		}
		filter.Page++
	}
	if len(rows) > s.exportMaxRows {
		rows = rows[:s.exportMaxRows]
	}

	content, err := renderer.Render(maintenanceDataset(rows))
	if err != nil {
		return nil, "", "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render export")
	}
	filename := fmt.Sprintf("maintenance-requests-%s%s", s.now().Format("20060102-150405"), format.Extension())
	return content, format, filename, nil
}

func (s *MaintenanceRequestService) normalizeFilter(filter models.MaintenanceRequestFilter) (models.MaintenanceRequestFilter, error) {
	if filter.Status != "" {
		filter.Status = models.MaintenanceStatus(strings.ToUpper(strings.TrimSpace(string(filter.Status))))
		if !filter.Status.Valid() {
			return filter, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported status %q", filter.Status))
		}
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize <= 0 {
		filter.PageSize = s.defaultPageSize
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}
	return filter, nil
}

func (s *MaintenanceRequestService) validate(payload dto.MaintenanceRequestPayload) error {
	if err := s.validator.Struct(payload); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid maintenance request payload")
	}
	return nil
}

func (s *MaintenanceRequestService) resolveOptions(actor Actor, now time.Time) ResolveOptions {
	return ResolveOptions{Now: now, ActorID: actor.ID, Diagnostics: s.logger}
}

func (s *MaintenanceRequestService) load(ctx context.Context, id int64) (*models.MaintenanceRequest, error) {
	start := time.Now()
	request, err := s.store.FindByID(ctx, id)
	s.metrics.ObserveDBQuery("maintenance_request_find", time.Since(start))
	if err != nil {
		return nil, s.persistenceError("find", id, nil, err)
	}
	return request, nil
}

func (s *MaintenanceRequestService) cacheRequest(ctx context.Context, request *models.MaintenanceRequest) {
	if request == nil {
		return
	}
	_ = s.cache.Set(ctx, maintenanceCacheKey(request.ID), request, s.cacheTTL)
}

func (s *MaintenanceRequestService) evict(ctx context.Context, id int64) {
	_ = s.cache.Delete(ctx, maintenanceCacheKey(id))
}

// PurgeCache drops every cached aggregate. Run after schema migrations since
// cached payloads may no longer match the stored shape.
func (s *MaintenanceRequestService) PurgeCache(ctx context.Context) error {
	return s.cache.Invalidate(ctx, maintenanceCachePattern)
}

// persistenceError maps gateway failures onto the service error taxonomy.
// Unexpected failures are logged with the operation, id and payload.
func (s *MaintenanceRequestService) persistenceError(op string, id int64, payload interface{}, err error) error {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return appErrors.Clone(appErrors.ErrNotFound, "maintenance request not found")
	case errors.Is(err, repository.ErrMaterialRequestNotFound):
		return appErrors.Wrap(err, appErrors.ErrUnresolvableReference.Code, appErrors.ErrUnresolvableReference.Status, err.Error())
	case errors.Is(err, repository.ErrTimelineEventNotOwned):
		return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, err.Error())
	case database.IsUniqueViolation(err):
		return appErrors.Wrap(err, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status, conflictMessage(database.Constraint(err)))
	case database.IsForeignKeyViolation(err):
		return appErrors.Wrap(err, appErrors.ErrNotFound.Code, appErrors.ErrNotFound.Status, "referenced record does not exist")
	case database.IsNotNullViolation(err):
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "required field is missing")
	}

	s.logger.Error("maintenance request persistence failure",
		zap.String("operation", op),
		zap.Int64("maintenance_request_id", id),
		zap.Any("payload", payload),
		zap.Error(err),
	)
	return appErrors.Wrap(err, appErrors.ErrPersistence.Code, appErrors.ErrPersistence.Status, fmt.Sprintf("failed to %s maintenance request", strings.ReplaceAll(op, "_", " ")))
}

func conflictMessage(constraint string) string {
	if strings.Contains(constraint, "protocol_number") {
		return "protocol number already in use"
	}
	if strings.Contains(constraint, "statuses") {
		return "status entry already exists"
	}
	return "maintenance request conflicts with an existing record"
}

func maintenanceCacheKey(id int64) string {
	return fmt.Sprintf(maintenanceCacheKeyFormat, id)
}

var maintenanceExportHeaders = []string{"ID", "Protocol", "Title", "Status", "Instance", "Requested By", "Assigned To", "Building", "Space", "Requested At", "Deadline"}

func maintenanceDataset(requests []models.MaintenanceRequest) export.Dataset {
	rows := make([]map[string]string, 0, len(requests))
	for i := range requests {
		request := &requests[i]
		row := map[string]string{
			"ID":           strconv.FormatInt(request.ID, 10),
			"Protocol":     deref(request.ProtocolNumber),
			"Title":        request.Title,
			"Instance":     refName(request.CurrentMaintenanceInstance),
			"Requested By": refName(request.CreatedBy),
			"Assigned To":  refName(request.AssignedTo),
			"Building":     refName(request.Building),
			"Space":        refName(request.Space),
			"Requested At": formatTimestamp(request.RequestedAt),
			"Deadline":     formatTimestamp(request.Deadline),
		}
		if status := request.CurrentStatus(); status != nil {
			row["Status"] = string(status.Status)
		}
		rows = append(rows, row)
	}
	return export.Dataset{Title: "Maintenance Requests", Headers: maintenanceExportHeaders, Rows: rows}
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func refName(ref *models.RelationRef) string {
	if ref == nil {
		return ""
	}
	if ref.Name != "" {
		return ref.Name
	}
	return strconv.FormatInt(ref.ID, 10)
}

func formatTimestamp(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return ts.UTC().Format("2006-01-02 15:04")
}
