package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/upb/audit-pipeline/models"
)

// EventFilter narrows a tenant's events. Zero values match everything.
type EventFilter struct {
	Action       string          `json:"action,omitempty" validate:"omitempty,max=100"`
	ResourceType string          `json:"resource_type,omitempty" validate:"omitempty,max=100"`
	ResourceID   string          `json:"resource_id,omitempty" validate:"omitempty,max=255"`
	ActorUserID  string          `json:"user_id,omitempty" validate:"omitempty,max=255"`
	Severity     models.Severity `json:"severity,omitempty" validate:"omitempty,oneof=info warning error critical"`
	Start        *time.Time      `json:"start,omitempty"` // inclusive, on occurred_at
	End          *time.Time      `json:"end,omitempty"`   // exclusive, on occurred_at
}

// Page selects one keyset page of a query
type Page struct {
	Cursor     string
	Limit      int
	Descending bool
}

// EventPage is one page of query results
type EventPage struct {
	Events     []*models.AuditEvent `json:"events"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// EventReader is the read side of the event store
type EventReader interface {
	// Query returns one page of a tenant's events ordered by (occurred_at, ingested_at, id)
	Query(ctx context.Context, tenantID string, filter EventFilter, page Page) (*EventPage, error)

	// GetByID retrieves a single event owned by tenantID
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.AuditEvent, error)

	// Count returns the number of a tenant's events matching filter
	Count(ctx context.Context, tenantID string, filter EventFilter) (int64, error)
}

// EventRepository is the append-only event store handed to ingestion and readers
type EventRepository interface {
	EventReader

	// Append durably stores a new event and returns the committed row
	Append(ctx context.Context, event *models.AuditEvent) (*models.AuditEvent, error)
}

// RetentionStore exposes bulk eviction. Only the retention manager receives it.
type RetentionStore interface {
	// ListTenants returns every tenant that currently holds events
	ListTenants(ctx context.Context) ([]string, error)

	// DeleteBefore removes a tenant's events with occurred_at < cutoff
	DeleteBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)

	// Compact compresses storage chunks whose range lies between newerThan and olderThan
	Compact(ctx context.Context, olderThan, newerThan time.Time) (int, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Events    EventRepository
	Retention RetentionStore
}
