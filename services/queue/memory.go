package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/audit-pipeline/internal/observability"
	"go.uber.org/zap"
)

type delayedTask struct {
	task Task
	due  time.Time
}

type leasedTask struct {
	task     Task
	deadline time.Time
}

// MemoryQueue is an in-process queue with visibility leases.
// A delivery that is neither acked nor nacked before its lease expires is
// redelivered with one more attempt, as if its consumer had crashed.
type MemoryQueue struct {
	cfg     Config
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	ready    []Task
	delayed  []delayedTask
	inflight map[Handle]leasedTask
	dead     []DeadLetter
	closed   bool
	notify   chan struct{}
}

// NewMemoryQueue creates an in-memory queue
func NewMemoryQueue(cfg Config, logger *zap.Logger, metrics *observability.Metrics) *MemoryQueue {
	return &MemoryQueue{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
		inflight: make(map[Handle]leasedTask),
		notify:   make(chan struct{}, 1),
	}
}

// Enqueue adds a task to the ready list
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if task.Type == "" {
		task.Type = TaskTypeIndexEvent
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now().UTC()
	}
	q.ready = append(q.ready, task)
	q.signal()
	return nil
}

// Dequeue returns up to batchSize ready tasks, waiting up to PollWait for the first one
func (q *MemoryQueue) Dequeue(ctx context.Context, batchSize int) ([]Delivery, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	deadline := q.now().Add(q.cfg.PollWait)

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}

		now := q.now()
		q.promote(now)

		if len(q.ready) > 0 {
			n := min(batchSize, len(q.ready))
			deliveries := make([]Delivery, 0, n)
			for _, task := range q.ready[:n] {
				handle := Handle(uuid.NewString())
				q.inflight[handle] = leasedTask{task: task, deadline: now.Add(q.cfg.VisibilityTimeout)}
				deliveries = append(deliveries, Delivery{Task: task, Handle: handle})
			}
			q.ready = q.ready[n:]
			q.mu.Unlock()
			return deliveries, nil
		}

		wait := deadline.Sub(now)
		if next, ok := q.nextDue(); ok && next.Sub(now) < wait {
			wait = next.Sub(now)
		}
		q.mu.Unlock()

		if wait <= 0 {
			if !q.now().Before(deadline) {
				return []Delivery{}, nil
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack removes an in-flight delivery
func (q *MemoryQueue) Ack(ctx context.Context, handle Handle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[handle]; !ok {
		return ErrUnknownHandle
	}
	delete(q.inflight, handle)
	return nil
}

// Nack schedules a redelivery with backoff, or dead-letters the task once attempts are exhausted
func (q *MemoryQueue) Nack(ctx context.Context, handle Handle, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	leased, ok := q.inflight[handle]
	if !ok {
		return ErrUnknownHandle
	}
	delete(q.inflight, handle)

	q.retryLocked(leased.task, causeString(cause), q.now())
	return nil
}

// DeadLetters returns a copy of the dead-letter list
func (q *MemoryQueue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Stats reports queue depth
func (q *MemoryQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Stats{
		Driver:       "memory",
		Ready:        len(q.ready),
		Delayed:      len(q.delayed),
		InFlight:     len(q.inflight),
		DeadLettered: int64(len(q.dead)),
	}
}

// Close stops the queue and wakes any waiting consumer
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.signal()
	return nil
}

// promote moves due delayed tasks and expired leases back to ready. Caller holds mu.
func (q *MemoryQueue) promote(now time.Time) {
	for handle, leased := range q.inflight {
		if !now.Before(leased.deadline) {
			delete(q.inflight, handle)
			q.logger.Warn("delivery lease expired",
				zap.String("event_id", leased.task.EventID.String()),
				zap.String("tenant_id", leased.task.TenantID),
				zap.Int("attempts", leased.task.Attempts))
			q.retryLocked(leased.task, "visibility timeout expired", now)
		}
	}

	remaining := q.delayed[:0]
	for _, d := range q.delayed {
		if !d.due.After(now) {
			q.ready = append(q.ready, d.task)
		} else {
			remaining = append(remaining, d)
		}
	}
	q.delayed = remaining
}

// retryLocked bumps attempts and either delays or dead-letters the task. Caller holds mu.
func (q *MemoryQueue) retryLocked(task Task, cause string, now time.Time) {
	task.Attempts++
	task.LastError = cause

	if q.cfg.Exhausted(task.Attempts) {
		q.dead = append(q.dead, DeadLetter{Task: task, Error: cause, At: now.UTC()})
		q.metrics.IncDeadLettered()
		q.logger.Error("indexing task dead-lettered",
			zap.String("event_id", task.EventID.String()),
			zap.String("tenant_id", task.TenantID),
			zap.Int("attempts", task.Attempts),
			zap.String("error", cause))
		return
	}

	delay := q.cfg.Backoff(task.Attempts)
	q.delayed = append(q.delayed, delayedTask{task: task, due: now.Add(delay)})
	q.logger.Warn("indexing task scheduled for retry",
		zap.String("event_id", task.EventID.String()),
		zap.Int("attempts", task.Attempts),
		zap.Duration("delay", delay),
		zap.String("error", cause))
	q.signal()
}

// nextDue returns the earliest delayed due time or lease deadline. Caller holds mu.
func (q *MemoryQueue) nextDue() (time.Time, bool) {
	var next time.Time
	found := false
	for _, d := range q.delayed {
		if !found || d.due.Before(next) {
			next, found = d.due, true
		}
	}
	for _, l := range q.inflight {
		if !found || l.deadline.Before(next) {
			next, found = l.deadline, true
		}
	}
	return next, found
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
