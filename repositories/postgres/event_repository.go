package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/upb/audit-pipeline/internal/pagination"
	"github.com/upb/audit-pipeline/models"
	"github.com/upb/audit-pipeline/repositories"
	"github.com/upb/audit-pipeline/services"
	"go.uber.org/zap"
)

const eventColumns = `id, tenant_id, occurred_at, ingested_at,
		       actor_user_id, actor_user_name, actor_user_role,
		       action, resource_type, resource_id, severity, message,
		       ip_address, user_agent, payload, before_state, after_state`

var keyset = &pagination.KeysetBuilder{
	OccurredColumn: "occurred_at",
	IngestedColumn: "ingested_at",
	IDColumn:       "id",
}

// EventRepository implements repositories.EventRepository and repositories.RetentionStore
type EventRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *DB, logger *zap.Logger) *EventRepository {
	return &EventRepository{
		db:     db,
		logger: logger,
	}
}

var (
	_ repositories.EventRepository = (*EventRepository)(nil)
	_ repositories.RetentionStore  = (*EventRepository)(nil)
)

// Append inserts a new event and returns the committed row
func (r *EventRepository) Append(ctx context.Context, event *models.AuditEvent) (*models.AuditEvent, error) {
	query := `
		INSERT INTO audit_events (` + eventColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING ` + eventColumns

	payload, err := encodeJSON(event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	before, err := encodeJSON(event.BeforeState)
	if err != nil {
		return nil, fmt.Errorf("failed to encode before_state: %w", err)
	}
	after, err := encodeJSON(event.AfterState)
	if err != nil {
		return nil, fmt.Errorf("failed to encode after_state: %w", err)
	}

	row := r.db.QueryRowContext(ctx, query,
		event.ID,
		event.TenantID,
		event.OccurredAt,
		event.IngestedAt,
		event.Actor.UserID,
		event.Actor.UserName,
		event.Actor.UserRole,
		event.Action,
		event.ResourceType,
		event.ResourceID,
		string(event.Severity),
		event.Message,
		event.IPAddress,
		event.UserAgent,
		payload,
		before,
		after,
	)

	stored, err := scanEvent(row)
	if err != nil {
		return nil, classifyError("insert audit event", err)
	}

	r.logger.Debug("audit event inserted",
		zap.String("id", stored.ID.String()),
		zap.String("tenant_id", stored.TenantID),
		zap.String("action", stored.Action))
	return stored, nil
}

// Query returns one keyset page of a tenant's events
func (r *EventRepository) Query(ctx context.Context, tenantID string, filter repositories.EventFilter, page repositories.Page) (*repositories.EventPage, error) {
	cursor, err := pagination.DecodeCursor(page.Cursor)
	if err != nil {
		return nil, services.NewValidationError("invalid cursor", map[string]string{"cursor": err.Error()})
	}
	limit := pagination.ClampLimit(page.Limit)

	conditions, args := buildFilter(tenantID, filter)
	if cond, cursorArgs := keyset.Condition(cursor, page.Descending, len(args)+1); cond != "" {
		conditions = append(conditions, cond)
		args = append(args, cursorArgs...)
	}
	args = append(args, limit+1)

	query := fmt.Sprintf(`
		SELECT %s
		FROM audit_events
		WHERE %s
		%s
		LIMIT $%d
	`, eventColumns, strings.Join(conditions, " AND "), keyset.OrderBy(page.Descending), len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*models.AuditEvent, 0, limit)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit event rows: %w", err)
	}

	result := &repositories.EventPage{Events: events}
	if len(events) > limit {
		result.Events = events[:limit]
		last := result.Events[limit-1]
		result.NextCursor = pagination.Cursor{
			OccurredAt: last.OccurredAt,
			IngestedAt: last.IngestedAt,
			ID:         last.ID,
		}.Encode()
	}

	return result, nil
}

// GetByID retrieves a single event owned by tenantID
func (r *EventRepository) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*models.AuditEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM audit_events
		WHERE tenant_id = $1 AND id = $2
	`

	event, err := scanEvent(r.db.QueryRowContext(ctx, query, tenantID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get audit event: %w", err)
	}

	return event, nil
}

// Count returns the number of a tenant's events matching filter
func (r *EventRepository) Count(ctx context.Context, tenantID string, filter repositories.EventFilter) (int64, error) {
	conditions, args := buildFilter(tenantID, filter)
	query := "SELECT COUNT(*) FROM audit_events WHERE " + strings.Join(conditions, " AND ")

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

// ListTenants returns every tenant that currently holds events
func (r *EventRepository) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM audit_events ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("failed to scan tenant id: %w", err)
		}
		tenants = append(tenants, tenantID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant rows: %w", err)
	}
	return tenants, nil
}

// DeleteBefore removes a tenant's events with occurred_at < cutoff
func (r *EventRepository) DeleteBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE tenant_id = $1 AND occurred_at < $2`,
		tenantID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit events for tenant %s: %w", tenantID, err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted row count: %w", err)
	}

	r.logger.Debug("audit events evicted",
		zap.String("tenant_id", tenantID),
		zap.Time("cutoff", cutoff),
		zap.Int64("rows", deleted))
	return deleted, nil
}

// Compact compresses hypertable chunks between newerThan and olderThan.
// Without TimescaleDB it does nothing.
func (r *EventRepository) Compact(ctx context.Context, olderThan, newerThan time.Time) (int, error) {
	if !r.db.Timescale() {
		return 0, nil
	}

	query := `
		SELECT COUNT(compress_chunk(c, if_not_compressed => TRUE))
		FROM show_chunks('audit_events', older_than => $1, newer_than => $2) c
	`

	var compressed int
	if err := r.db.QueryRowContext(ctx, query, olderThan, newerThan).Scan(&compressed); err != nil {
		return 0, fmt.Errorf("failed to compress chunks: %w", err)
	}
	return compressed, nil
}

// buildFilter returns WHERE conditions with tenant_id always bound as $1
func buildFilter(tenantID string, filter repositories.EventFilter) ([]string, []interface{}) {
	conditions := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}

	add := func(expr string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(expr, len(args)))
	}

	if filter.Action != "" {
		add("action = $%d", filter.Action)
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.ActorUserID != "" {
		add("actor_user_id = $%d", filter.ActorUserID)
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.Start != nil {
		add("occurred_at >= $%d", *filter.Start)
	}
	if filter.End != nil {
		add("occurred_at < $%d", *filter.End)
	}

	return conditions, args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*models.AuditEvent, error) {
	event := &models.AuditEvent{}
	var severity string
	var payload, before, after []byte

	err := row.Scan(
		&event.ID,
		&event.TenantID,
		&event.OccurredAt,
		&event.IngestedAt,
		&event.Actor.UserID,
		&event.Actor.UserName,
		&event.Actor.UserRole,
		&event.Action,
		&event.ResourceType,
		&event.ResourceID,
		&severity,
		&event.Message,
		&event.IPAddress,
		&event.UserAgent,
		&payload,
		&before,
		&after,
	)
	if err != nil {
		return nil, err
	}

	event.Severity = models.Severity(severity)
	event.OccurredAt = event.OccurredAt.UTC()
	event.IngestedAt = event.IngestedAt.UTC()

	if event.Payload, err = decodeJSON(payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if event.BeforeState, err = decodeJSON(before); err != nil {
		return nil, fmt.Errorf("failed to decode before_state: %w", err)
	}
	if event.AfterState, err = decodeJSON(after); err != nil {
		return nil, fmt.Errorf("failed to decode after_state: %w", err)
	}

	return event, nil
}

// encodeJSON returns a JSONB parameter, or nil (SQL NULL) for a nil map.
// lib/pq sends []byte as bytea, so the document goes over the wire as text.
func encodeJSON(m map[string]any) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// classifyError maps PostgreSQL integrity violations to ConstraintViolation
func classifyError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "23514", "23502", "22001":
			return services.NewDomainError(services.ErrorTypeConstraintViolation,
				fmt.Sprintf("failed to %s: %s", op, pqErr.Message), err).
				WithDetail("constraint", pqErr.Constraint).
				WithDetail("code", string(pqErr.Code))
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
