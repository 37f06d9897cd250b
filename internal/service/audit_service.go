package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/maintenance-api/internal/models"
	"github.com/noah-isme/maintenance-api/pkg/jobs"
)

const auditJobType = "audit_log"

// AuditStore persists audit rows.
type AuditStore interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuditEntry describes one auditable action.
type AuditEntry struct {
	ActorID    int64
	Action     string
	Resource   string
	ResourceID int64
	Before     interface{}
	After      interface{}
	IPAddress  string
	UserAgent  string
}

// AuditService writes audit logs off the request path through a job queue.
// Without a running queue entries are written synchronously.
type AuditService struct {
	store   AuditStore
	queue   *jobs.Queue
	metrics *MetricsService
	logger  *zap.Logger
	timeout time.Duration
}

// NewAuditService wires the store to a worker queue sized by cfg.
func NewAuditService(store AuditStore, metrics *MetricsService, cfg jobs.QueueConfig, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &AuditService{store: store, metrics: metrics, logger: logger, timeout: 5 * time.Second}
	cfg.Logger = logger
	cfg.OnDrop = func(job jobs.Job, err error) {
		svc.metrics.RecordAuditDropped()
	}
	svc.queue = jobs.NewQueue("audit", svc.handle, cfg)
	return svc
}

// Start launches the audit workers.
func (s *AuditService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop flushes buffered entries and stops the workers.
func (s *AuditService) Stop() {
	s.queue.Stop()
}

// Record builds the audit row and hands it to the queue. It never fails the
// caller; problems are logged and counted.
func (s *AuditService) Record(ctx context.Context, entry AuditEntry) {
	if s == nil || s.store == nil {
		return
	}
	log := s.buildLog(entry)

	if s.queue != nil && s.queue.Running() {
		err := s.queue.TryEnqueue(jobs.Job{ID: log.ID, Type: auditJobType, Payload: log})
		if err == nil {
			return
		}
		s.logger.Warn("audit queue unavailable, writing inline", zap.String("action", entry.Action), zap.Error(err))
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()
	if err := s.store.CreateAuditLog(writeCtx, log); err != nil {
		s.logger.Error("write audit log", zap.String("action", entry.Action), zap.Error(err))
		s.metrics.RecordAuditDropped()
	}
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	log, ok := job.Payload.(*models.AuditLog)
	if !ok {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.CreateAuditLog(writeCtx, log)
}

func (s *AuditService) buildLog(entry AuditEntry) *models.AuditLog {
	log := &models.AuditLog{
		ID:        uuid.NewString(),
		Action:    entry.Action,
		Resource:  entry.Resource,
		IPAddress: entry.IPAddress,
		UserAgent: entry.UserAgent,
		CreatedAt: time.Now().UTC(),
	}
	if entry.ActorID > 0 {
		actor := entry.ActorID
		log.UserID = &actor
	}
	if entry.ResourceID > 0 {
		resourceID := strconv.FormatInt(entry.ResourceID, 10)
		log.ResourceID = &resourceID
	}
	log.OldValues = s.encode(entry.Before)
	log.NewValues = s.encode(entry.After)
	return log
}

func (s *AuditService) encode(value interface{}) []byte {
	if value == nil {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn("encode audit values", zap.Error(err))
		return nil
	}
	if string(raw) == "null" {
		return nil
	}
	return raw
}
