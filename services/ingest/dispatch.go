package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/upb/audit-pipeline/internal/observability"
	"github.com/upb/audit-pipeline/services/queue"
	"go.uber.org/zap"
)

const enqueueTimeout = 5 * time.Second

// dispatcher hands indexing tasks to the queue off the request path
type dispatcher struct {
	queue       queue.Queue
	metrics     *observability.Metrics
	logger      *zap.Logger
	taskChan    chan queue.Task
	workerCount int
	bufferSize  int
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc

	// mu guards started and stopped so no send races the close in stop
	mu      sync.RWMutex
	started bool
	stopped bool
}

func newDispatcher(q queue.Queue, metrics *observability.Metrics, logger *zap.Logger, bufferSize, workerCount int) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())

	return &dispatcher{
		queue:       q,
		metrics:     metrics,
		logger:      logger,
		taskChan:    make(chan queue.Task, bufferSize),
		workerCount: workerCount,
		bufferSize:  bufferSize,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (d *dispatcher) start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	if d.stopped {
		return fmt.Errorf("dispatcher already stopped")
	}

	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}

	d.started = true
	d.logger.Info("started index dispatcher",
		zap.Int("worker_count", d.workerCount),
		zap.Int("buffer_size", d.bufferSize))

	return nil
}

// stop drains buffered tasks into the queue, giving up after timeout
func (d *dispatcher) stop(timeout time.Duration) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not running")
	}
	d.stopped = true
	d.logger.Info("stopping index dispatcher", zap.Int("pending_tasks", len(d.taskChan)))
	close(d.taskChan)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("index dispatcher stopped gracefully")
		d.cancel()
		return nil
	case <-time.After(timeout):
		d.cancel()
		return fmt.Errorf("index dispatcher stop timeout after %v", timeout)
	}
}

// dispatch never blocks. A full buffer or a stopped dispatcher drops the task.
func (d *dispatcher) dispatch(task queue.Task) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.drop(task, "dispatcher stopped")
		return false
	}

	select {
	case d.taskChan <- task:
		return true
	default:
		d.drop(task, "dispatch buffer full")
		return false
	}
}

func (d *dispatcher) drop(task queue.Task, reason string) {
	d.metrics.IncEnqueueDropped()
	d.logger.Warn("dropping indexing task",
		zap.String("reason", reason),
		zap.String("event_id", task.EventID.String()),
		zap.String("tenant_id", task.TenantID))
}

func (d *dispatcher) worker(id int) {
	defer d.wg.Done()

	d.logger.Debug("dispatch worker started", zap.Int("worker_id", id))

	for task := range d.taskChan {
		if err := d.enqueue(task); err != nil {
			d.metrics.IncEnqueueDropped()
			d.logger.Warn("failed to enqueue indexing task",
				zap.Int("worker_id", id),
				zap.String("event_id", task.EventID.String()),
				zap.String("tenant_id", task.TenantID),
				zap.Error(err))
		}
	}

	d.logger.Debug("dispatch worker stopped", zap.Int("worker_id", id))
}

func (d *dispatcher) enqueue(task queue.Task) error {
	ctx, cancel := context.WithTimeout(d.ctx, enqueueTimeout)
	defer cancel()

	return d.queue.Enqueue(ctx, task)
}

func (d *dispatcher) stats() (started bool, pending int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.started && !d.stopped, len(d.taskChan)
}
