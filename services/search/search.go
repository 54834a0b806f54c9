// Package search holds the secondary full-text index over audit events.
// The event store stays the source of truth; documents here are derived and
// can always be rebuilt by re-indexing.
package search

import (
	"context"
	"encoding/json"
	"time"

	"github.com/upb/audit-pipeline/models"
)

const (
	// DefaultLimit is the page size when a search does not specify one
	DefaultLimit = 50
	// MaxLimit bounds a single search page
	MaxLimit = 1000
)

// Document is the indexed form of an audit event
type Document struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	IngestedAt   time.Time      `json:"ingested_at"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	UserName     string         `json:"user_name,omitempty"`
	UserRole     string         `json:"user_role,omitempty"`
	Severity     string         `json:"severity"`
	Message      string         `json:"message,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	PayloadText  string         `json:"payload_text,omitempty"`
}

// NewDocument derives the search document from an event. The result depends only on the event's fields.
func NewDocument(e *models.AuditEvent) Document {
	doc := Document{
		ID:           e.ID.String(),
		TenantID:     e.TenantID,
		OccurredAt:   e.OccurredAt.UTC(),
		IngestedAt:   e.IngestedAt.UTC(),
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		UserID:       e.Actor.UserID,
		UserName:     e.Actor.UserName,
		UserRole:     e.Actor.UserRole,
		Severity:     string(e.Severity),
		Message:      e.Message,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		Payload:      e.Payload,
	}
	if len(e.Payload) > 0 {
		// encoding/json sorts map keys, so the text is stable
		if b, err := json.Marshal(e.Payload); err == nil {
			doc.PayloadText = string(b)
		}
	}
	return doc
}

// Query describes a tenant-scoped search
type Query struct {
	Text         string
	Action       string
	ResourceType string
	ResourceID   string
	UserID       string
	Severity     string
	Start        *time.Time
	End          *time.Time
	Page         int
	Limit        int
}

func (q Query) normalized() Query {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	return q
}

// Result is one page of search hits, newest first
type Result struct {
	Total int64      `json:"total"`
	Page  int        `json:"page"`
	Limit int        `json:"limit"`
	Hits  []Document `json:"hits"`
}

// Backend is a search index keyed by event id
type Backend interface {
	// EnsureIndex creates the index and its mapping when missing
	EnsureIndex(ctx context.Context) error

	// Upsert writes doc under doc.ID. Writing the same document twice leaves one document.
	Upsert(ctx context.Context, doc Document) error

	// Search returns matching documents of tenantID only
	Search(ctx context.Context, tenantID string, q Query) (*Result, error)

	// Delete removes a tenant's documents that occurred before the cutoff
	Delete(ctx context.Context, tenantID string, before time.Time) (int64, error)
}
