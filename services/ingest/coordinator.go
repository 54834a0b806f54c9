// Package ingest is the single write path for audit events.
//
// Submit makes the event durable first. Only after the store commits does it
// hand the event to the indexing queue and the live broadcaster, and neither of
// those can fail or slow the call.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/upb/audit-pipeline/internal/observability"
	"github.com/upb/audit-pipeline/models"
	"github.com/upb/audit-pipeline/repositories"
	"github.com/upb/audit-pipeline/services"
	"github.com/upb/audit-pipeline/services/broadcast"
	"github.com/upb/audit-pipeline/services/queue"
	"github.com/upb/audit-pipeline/utils"
	"go.uber.org/zap"
)

// SubmitRequest is one event as handed in by a caller
type SubmitRequest struct {
	TenantID     string          `json:"tenant_id" validate:"required,tenantid"`
	OccurredAt   *time.Time      `json:"occurred_at,omitempty"`
	Actor        models.Actor    `json:"actor"`
	Action       string          `json:"action" validate:"required,max=100"`
	ResourceType string          `json:"resource_type,omitempty" validate:"max=100"`
	ResourceID   string          `json:"resource_id,omitempty" validate:"max=255"`
	Severity     models.Severity `json:"severity,omitempty" validate:"omitempty,oneof=info warning error critical"`
	Message      string          `json:"message,omitempty" validate:"max=4096"`
	IPAddress    string          `json:"ip_address,omitempty" validate:"omitempty,ip"`
	UserAgent    string          `json:"user_agent,omitempty" validate:"max=1024"`
	Payload      map[string]any  `json:"payload,omitempty"`
	BeforeState  map[string]any  `json:"before_state,omitempty"`
	AfterState   map[string]any  `json:"after_state,omitempty"`
}

// Config holds configuration for the Coordinator
type Config struct {
	MaxPayloadBytes int
	StoreTimeout    time.Duration
	DispatchBuffer  int
	DispatchWorkers int
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes: 64 * 1024,
		StoreTimeout:    5 * time.Second,
		DispatchBuffer:  10000,
		DispatchWorkers: 4,
	}
}

// Coordinator validates, stores and fans out submitted events
type Coordinator struct {
	events      repositories.EventRepository
	broadcaster broadcast.Broadcaster
	dispatcher  *dispatcher
	metrics     *observability.Metrics
	logger      *zap.Logger
	cfg         Config
	now         func() time.Time

	clockMu      sync.Mutex
	lastIngested time.Time
}

// NewCoordinator creates a Coordinator. Call Start to run the dispatch workers.
func NewCoordinator(events repositories.EventRepository, q queue.Queue, broadcaster broadcast.Broadcaster, metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Coordinator {
	d := DefaultConfig()
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = d.MaxPayloadBytes
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = d.StoreTimeout
	}
	if cfg.DispatchBuffer <= 0 {
		cfg.DispatchBuffer = d.DispatchBuffer
	}
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = d.DispatchWorkers
	}

	logger = logger.Named("ingest")

	return &Coordinator{
		events:      events,
		broadcaster: broadcaster,
		dispatcher:  newDispatcher(q, metrics, logger, cfg.DispatchBuffer, cfg.DispatchWorkers),
		metrics:     metrics,
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
	}
}

// Start starts the dispatch workers
func (c *Coordinator) Start() error {
	return c.dispatcher.start()
}

// Stop flushes pending indexing tasks to the queue and stops the workers
func (c *Coordinator) Stop(timeout time.Duration) error {
	return c.dispatcher.stop(timeout)
}

// Submit durably stores one event and returns the committed row
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*models.AuditEvent, error) {
	event, err := c.prepare(req)
	if err != nil {
		c.metrics.IncIngestFailure(string(services.GetErrorType(err)))
		return nil, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.cfg.StoreTimeout)
	committed, err := c.events.Append(storeCtx, event)
	storeErr := storeCtx.Err()
	cancel()

	if err != nil {
		err = classifyStoreError(err, storeErr)
		c.metrics.IncIngestFailure(string(services.GetErrorType(err)))
		c.logger.Warn("failed to store audit event",
			zap.String("tenant_id", event.TenantID),
			zap.String("event_id", event.ID.String()),
			zap.String("action", event.Action),
			zap.Error(err))
		return nil, err
	}

	c.metrics.IncIngested(string(committed.Severity))

	c.dispatcher.dispatch(queue.NewIndexTask(committed))
	if c.broadcaster != nil {
		c.broadcaster.Publish(committed)
	}

	c.logger.Debug("audit event stored",
		zap.String("tenant_id", committed.TenantID),
		zap.String("event_id", committed.ID.String()),
		zap.String("action", committed.Action))

	return committed, nil
}

// prepare validates req and builds the event to store. It has no side effects.
func (c *Coordinator) prepare(req SubmitRequest) (*models.AuditEvent, error) {
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, toValidationError(err)
	}
	if req.OccurredAt != nil && req.OccurredAt.IsZero() {
		return nil, services.NewValidationError("Validation failed",
			map[string]string{"occurred_at": "occurred_at must not be the zero time"})
	}

	size, err := models.EncodedSize(req.Payload, req.BeforeState, req.AfterState)
	if err != nil {
		return nil, services.NewValidationError("payload is not JSON encodable",
			map[string]string{"payload": err.Error()})
	}
	if size > c.cfg.MaxPayloadBytes {
		return nil, services.NewDomainError(services.ErrorTypePayloadTooLarge,
			fmt.Sprintf("payload is %d bytes, limit is %d", size, c.cfg.MaxPayloadBytes), nil).
			WithDetail("size_bytes", size).
			WithDetail("max_bytes", c.cfg.MaxPayloadBytes)
	}

	event := models.NewAuditEvent(req.TenantID, req.Action).
		WithActor(req.Actor).
		WithResource(req.ResourceType, req.ResourceID).
		WithPayload(req.Payload).
		WithRequest(req.IPAddress, req.UserAgent)
	event.Message = req.Message
	event.BeforeState = req.BeforeState
	event.AfterState = req.AfterState
	if req.Severity != "" {
		event.Severity = req.Severity
	}

	event.IngestedAt = c.nextIngestedAt()
	if req.OccurredAt != nil {
		event.OccurredAt = req.OccurredAt.UTC().Truncate(time.Microsecond)
	} else {
		event.OccurredAt = event.IngestedAt
	}

	return event, nil
}

// nextIngestedAt returns a strictly increasing timestamp at the store's microsecond precision
func (c *Coordinator) nextIngestedAt() time.Time {
	c.clockMu.Lock()
	defer c.clockMu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.lastIngested) {
		t = c.lastIngested.Add(time.Microsecond)
	}
	c.lastIngested = t
	return t
}

func toValidationError(err error) error {
	fields := utils.GetValidationFields(err)
	if fields == nil {
		fields = map[string]string{"request": err.Error()}
	}
	return services.NewValidationError("Validation failed", fields)
}

// classifyStoreError maps an Append failure onto the ingestion error types
func classifyStoreError(err, ctxErr error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctxErr, context.DeadlineExceeded) {
		return services.NewDomainError(services.ErrorTypeStoreTimeout, "event store write timed out", err)
	}
	if services.GetErrorType(err) != "" {
		return err
	}
	return services.NewDomainError(services.ErrorTypeStoreUnavailable, "event store unavailable", err)
}

// Stats represents coordinator statistics
type Stats struct {
	Started         bool `json:"started"`
	DispatchBuffer  int  `json:"dispatch_buffer"`
	PendingTasks    int  `json:"pending_tasks"`
	DispatchWorkers int  `json:"dispatch_workers"`
}

// GetStats returns statistics about the coordinator
func (c *Coordinator) GetStats() Stats {
	started, pending := c.dispatcher.stats()
	return Stats{
		Started:         started,
		DispatchBuffer:  c.cfg.DispatchBuffer,
		PendingTasks:    pending,
		DispatchWorkers: c.cfg.DispatchWorkers,
	}
}
