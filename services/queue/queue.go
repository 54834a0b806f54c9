// Package queue carries indexing tasks from ingestion to the search indexer.
//
// Delivery is at-least-once. A task that is nacked is redelivered after an
// exponential backoff until it reaches MaxAttempts, at which point it is moved
// to a dead-letter destination instead.
package queue

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/upb/audit-pipeline/models"
)

// TaskTypeIndexEvent is the only task type carried today
const TaskTypeIndexEvent = "INDEX_EVENT"

var (
	// ErrClosed is returned by operations on a closed queue
	ErrClosed = errors.New("queue closed")
	// ErrUnknownHandle is returned when acking or nacking a handle that is not in flight
	ErrUnknownHandle = errors.New("unknown or expired delivery handle")
)

// Task references an event that must be (re)indexed.
// It carries no event fields; the indexer re-fetches the event from the store.
type Task struct {
	Type       string    `json:"task_type"`
	EventID    uuid.UUID `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// NewIndexTask builds the task for a freshly stored event
func NewIndexTask(event *models.AuditEvent) Task {
	return Task{
		Type:       TaskTypeIndexEvent,
		EventID:    event.ID,
		TenantID:   event.TenantID,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Handle identifies exactly one delivery of a task
type Handle string

// Delivery is a task handed to a consumer together with its ack handle
type Delivery struct {
	Task   Task
	Handle Handle
}

// DeadLetter is a task that exhausted its attempts
type DeadLetter struct {
	Task  Task      `json:"task"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Stats is a point-in-time view of queue depth
type Stats struct {
	Driver       string `json:"driver"`
	Ready        int    `json:"ready"`
	Delayed      int    `json:"delayed"`
	InFlight     int    `json:"in_flight"`
	DeadLettered int64  `json:"dead_lettered"`
}

// Queue is the durable hand-off between ingestion and indexing
type Queue interface {
	// Enqueue adds a task
	Enqueue(ctx context.Context, task Task) error

	// Dequeue returns up to batchSize deliveries, waiting at most PollWait for the first one.
	// An empty result with a nil error means nothing was ready.
	Dequeue(ctx context.Context, batchSize int) ([]Delivery, error)

	// Ack marks a delivery as done
	Ack(ctx context.Context, handle Handle) error

	// Nack increments the attempt counter and schedules a redelivery, or dead-letters the task
	Nack(ctx context.Context, handle Handle, cause error) error

	// Stats reports queue depth
	Stats() Stats

	// Close releases resources
	Close() error
}

// Config holds retry and polling behaviour shared by all queue drivers
type Config struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	VisibilityTimeout time.Duration
	PollWait          time.Duration
}

// DefaultConfig returns the standard retry settings
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialDelay:      500 * time.Millisecond,
		MaxDelay:          30 * time.Second,
		Multiplier:        2.0,
		VisibilityTimeout: 30 * time.Second,
		PollWait:          time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.PollWait <= 0 {
		c.PollWait = d.PollWait
	}
	return c
}

// Exhausted reports whether a task with the given attempt count must be dead-lettered
func (c Config) Exhausted(attempts int) bool {
	return attempts >= c.MaxAttempts
}

// Backoff returns the redelivery delay after the given attempt (1-based), with ±25% jitter
func (c Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempts-1))
	if delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}

	jitter := delay * 0.25 * (rand.Float64()*2 - 1)
	delay += jitter

	return time.Duration(delay)
}

func causeString(cause error) string {
	if cause == nil {
		return "nacked"
	}
	return cause.Error()
}
