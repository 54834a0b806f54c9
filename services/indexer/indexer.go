// Package indexer drains the indexing queue into the search backend.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/audit-pipeline/internal/observability"
	"github.com/upb/audit-pipeline/repositories"
	"github.com/upb/audit-pipeline/services"
	"github.com/upb/audit-pipeline/services/queue"
	"github.com/upb/audit-pipeline/services/search"
	"go.uber.org/zap"
)

// Config holds configuration for the Indexer
type Config struct {
	Workers       int           // Number of concurrent dequeue loops
	BatchSize     int           // Deliveries taken per dequeue
	FetchTimeout  time.Duration // Bound on each store read
	UpsertTimeout time.Duration // Bound on each search write, retries included
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Workers:       2,
		BatchSize:     10,
		FetchTimeout:  5 * time.Second,
		UpsertTimeout: 30 * time.Second,
	}
}

// Indexer re-reads queued events from the store and upserts them into search
type Indexer struct {
	events  repositories.EventReader
	queue   queue.Queue
	backend search.Backend
	metrics *observability.Metrics
	logger  *zap.Logger
	cfg     Config

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex

	indexed    atomic.Int64
	missing    atomic.Int64
	retried    atomic.Int64
	mismatched atomic.Int64
}

// New creates an Indexer. Call Start to begin draining the queue.
func New(events repositories.EventReader, q queue.Queue, backend search.Backend, metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Indexer {
	d := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = d.FetchTimeout
	}
	if cfg.UpsertTimeout <= 0 {
		cfg.UpsertTimeout = d.UpsertTimeout
	}

	return &Indexer{
		events:  events,
		queue:   q,
		backend: backend,
		metrics: metrics,
		logger:  logger.Named("indexer"),
		cfg:     cfg,
	}
}

// Start launches the worker goroutines
func (i *Indexer) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.started {
		return fmt.Errorf("indexer already started")
	}

	ctx, i.cancel = context.WithCancel(ctx)
	for n := 0; n < i.cfg.Workers; n++ {
		i.wg.Add(1)
		go i.worker(ctx, n)
	}

	i.started = true
	i.logger.Info("started indexer",
		zap.Int("worker_count", i.cfg.Workers),
		zap.Int("batch_size", i.cfg.BatchSize))

	return nil
}

// Stop cancels the workers and waits for in-progress batches.
// Unacked deliveries are redelivered by the queue.
func (i *Indexer) Stop(timeout time.Duration) error {
	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		return fmt.Errorf("indexer not started")
	}
	i.started = false
	i.cancel()
	i.mu.Unlock()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		i.logger.Info("indexer stopped gracefully")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("indexer stop timeout after %v", timeout)
	}
}

func (i *Indexer) worker(ctx context.Context, id int) {
	defer i.wg.Done()

	i.logger.Debug("indexer worker started", zap.Int("worker_id", id))

	for ctx.Err() == nil {
		if _, err := i.ProcessBatch(ctx); err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				break
			}
			i.logger.Warn("dequeue failed", zap.Int("worker_id", id), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}

	i.logger.Debug("indexer worker stopped", zap.Int("worker_id", id))
}

// ProcessBatch dequeues one batch and settles its deliveries.
// It returns how many deliveries were settled. Once ctx is done the rest of
// the batch is left unsettled and comes back without spending an attempt.
func (i *Indexer) ProcessBatch(ctx context.Context) (int, error) {
	deliveries, err := i.queue.Dequeue(ctx, i.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, d := range deliveries {
		if ctx.Err() != nil {
			break
		}
		outcome, cause := i.index(ctx, d.Task)
		if outcome != observability.OutcomeIndexed && ctx.Err() != nil {
			break
		}
		i.settle(context.WithoutCancel(ctx), d, outcome, cause)
		settled++
	}

	if left := len(deliveries) - settled; left > 0 {
		i.logger.Debug("leaving deliveries for redelivery", zap.Int("count", left))
	}
	return settled, nil
}

// index returns the outcome for task and, for failures, the cause passed to Nack
func (i *Indexer) index(ctx context.Context, task queue.Task) (string, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, i.cfg.FetchTimeout)
	event, err := i.events.GetByID(fetchCtx, task.TenantID, task.EventID)
	cancel()
	if err != nil {
		if services.IsNotFoundError(err) {
			return observability.OutcomeMissing, nil
		}
		return observability.OutcomeRetry, services.WrapError(services.ErrorTypeIndexingFailure, "failed to fetch event", err)
	}

	if event.TenantID != task.TenantID {
		return observability.OutcomeTenantMismatch, services.NewTenantMismatchError(task.TenantID, event.TenantID)
	}

	upsertCtx, cancel := context.WithTimeout(ctx, i.cfg.UpsertTimeout)
	defer cancel()

	if err := i.backend.Upsert(upsertCtx, search.NewDocument(event)); err != nil {
		return observability.OutcomeRetry, services.WrapError(services.ErrorTypeIndexingFailure, "failed to upsert document", err)
	}
	return observability.OutcomeIndexed, nil
}

func (i *Indexer) settle(ctx context.Context, d queue.Delivery, outcome string, cause error) {
	i.metrics.IncIndexingOutcome(outcome)

	fields := []zap.Field{
		zap.String("event_id", d.Task.EventID.String()),
		zap.String("tenant_id", d.Task.TenantID),
		zap.Int("attempts", d.Task.Attempts),
	}

	var err error
	switch outcome {
	case observability.OutcomeIndexed:
		i.indexed.Add(1)
		err = i.queue.Ack(ctx, d.Handle)
	case observability.OutcomeMissing:
		i.missing.Add(1)
		i.logger.Debug("event no longer in store, skipping", fields...)
		err = i.queue.Ack(ctx, d.Handle)
	case observability.OutcomeTenantMismatch:
		i.mismatched.Add(1)
		i.logger.Error("tenant mismatch on indexing task", append(fields,
			zap.Any("details", services.GetErrorDetails(cause)))...)
		err = i.queue.Nack(ctx, d.Handle, cause)
	default:
		i.retried.Add(1)
		i.logger.Warn("indexing failed, task will be retried", append(fields, zap.Error(cause))...)
		err = i.queue.Nack(ctx, d.Handle, cause)
	}

	if err != nil {
		i.logger.Warn("failed to settle delivery", append(fields, zap.Error(err))...)
	}
}

// Stats represents indexer statistics
type Stats struct {
	Started    bool  `json:"started"`
	Workers    int   `json:"workers"`
	Indexed    int64 `json:"indexed"`
	Missing    int64 `json:"missing"`
	Retried    int64 `json:"retried"`
	Mismatched int64 `json:"tenant_mismatches"`
}

// GetStats returns statistics about the indexer
func (i *Indexer) GetStats() Stats {
	i.mu.Lock()
	started := i.started
	i.mu.Unlock()

	return Stats{
		Started:    started,
		Workers:    i.cfg.Workers,
		Indexed:    i.indexed.Load(),
		Missing:    i.missing.Load(),
		Retried:    i.retried.Load(),
		Mismatched: i.mismatched.Load(),
	}
}
