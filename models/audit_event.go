package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity classifies how important an audit event is
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Actor identifies who performed the audited action.
// The values are opaque and never checked against an identity system.
type Actor struct {
	UserID   string `json:"user_id,omitempty" db:"actor_user_id" validate:"max=255"`
	UserName string `json:"user_name,omitempty" db:"actor_user_name" validate:"max=255"`
	UserRole string `json:"user_role,omitempty" db:"actor_user_role" validate:"max=50"`
}

// AuditEvent is one immutable audit record owned by a single tenant
type AuditEvent struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	TenantID     string         `json:"tenant_id" db:"tenant_id"`
	OccurredAt   time.Time      `json:"occurred_at" db:"occurred_at"`
	IngestedAt   time.Time      `json:"ingested_at" db:"ingested_at"`
	Actor        Actor          `json:"actor"`
	Action       string         `json:"action" db:"action"`
	ResourceType string         `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty" db:"resource_id"`
	Severity     Severity       `json:"severity" db:"severity"`
	Message      string         `json:"message,omitempty" db:"message"`
	IPAddress    string         `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    string         `json:"user_agent,omitempty" db:"user_agent"`
	Payload      map[string]any `json:"payload,omitempty" db:"payload"` // JSONB, schema-less
	BeforeState  map[string]any `json:"before_state,omitempty" db:"before_state"`
	AfterState   map[string]any `json:"after_state,omitempty" db:"after_state"`
}

// TableName returns the table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "audit_events"
}

// NewAuditEvent creates an event with a fresh id. IngestedAt is left for the store path to assign.
func NewAuditEvent(tenantID, action string) *AuditEvent {
	return &AuditEvent{
		ID:         uuid.New(),
		TenantID:   tenantID,
		Action:     action,
		Severity:   SeverityInfo,
		OccurredAt: time.Now().UTC(),
	}
}

// WithActor sets the actor identity
func (e *AuditEvent) WithActor(actor Actor) *AuditEvent {
	e.Actor = actor
	return e
}

// WithResource sets the resource classification
func (e *AuditEvent) WithResource(resourceType, resourceID string) *AuditEvent {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// WithPayload sets the schema-less payload
func (e *AuditEvent) WithPayload(payload map[string]any) *AuditEvent {
	e.Payload = payload
	return e
}

// WithMessage sets the human-readable description
func (e *AuditEvent) WithMessage(message string) *AuditEvent {
	e.Message = message
	return e
}

// WithRequest sets request origin metadata
func (e *AuditEvent) WithRequest(ipAddress, userAgent string) *AuditEvent {
	e.IPAddress = ipAddress
	e.UserAgent = userAgent
	return e
}

// PayloadSize returns the encoded size of every schema-less attribute the event carries
func (e *AuditEvent) PayloadSize() (int, error) {
	return EncodedSize(e.Payload, e.BeforeState, e.AfterState)
}

// Matches reports whether the event passes an action/resource_type filter.
// Empty filter values match anything.
func (e *AuditEvent) Matches(action, resourceType string) bool {
	if action != "" && e.Action != action {
		return false
	}
	if resourceType != "" && e.ResourceType != resourceType {
		return false
	}
	return true
}

// EncodedSize sums the JSON-encoded sizes of the given maps. Nil maps count as zero.
func EncodedSize(maps ...map[string]any) (int, error) {
	total := 0
	for _, m := range maps {
		if m == nil {
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			return 0, err
		}
		total += len(data)
	}
	return total, nil
}
