// Package pagination provides keyset pagination over audit events.
// A cursor encodes the (occurred_at, ingested_at, id) triple of the last row
// returned, so pages stay stable while new events are being appended.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLimit is the default page size if not specified
	DefaultLimit = 100
	// MaxLimit is the maximum allowed page size
	MaxLimit = 1000
)

// Cursor represents a stable pagination position
type Cursor struct {
	OccurredAt time.Time
	IngestedAt time.Time
	ID         uuid.UUID
}

// Encode serializes the cursor to an opaque string for clients.
// Format: base64("{occurred_at}|{ingested_at}|{id}") with RFC 3339 nanosecond timestamps.
func (c Cursor) Encode() string {
	raw := strings.Join([]string{
		c.OccurredAt.UTC().Format(time.RFC3339Nano),
		c.IngestedAt.UTC().Format(time.RFC3339Nano),
		c.ID.String(),
	}, "|")
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses an encoded cursor string.
// An empty string yields a nil cursor (first page).
func DecodeCursor(encoded string) (*Cursor, error) {
	if encoded == "" {
		return nil, nil
	}

	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.Split(string(data), "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid cursor format: expected 3 segments, got %d", len(parts))
	}

	occurredAt, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor occurred_at: %w", err)
	}
	ingestedAt, err := time.Parse(time.RFC3339Nano, parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor ingested_at: %w", err)
	}
	id, err := uuid.Parse(parts[2])
	if err != nil {
		return nil, fmt.Errorf("invalid cursor id: %w", err)
	}

	return &Cursor{OccurredAt: occurredAt, IngestedAt: ingestedAt, ID: id}, nil
}

// ClampLimit ensures limit is within valid bounds.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// KeysetBuilder constructs keyset pagination SQL fragments for a three-column sort key
type KeysetBuilder struct {
	OccurredColumn string
	IngestedColumn string
	IDColumn       string
}

// Condition returns a WHERE fragment selecting rows strictly after the cursor in
// the requested direction. Returns "" and nil args when cursor is nil.
// The placeholder style uses $N for PostgreSQL.
func (b *KeysetBuilder) Condition(cursor *Cursor, descending bool, startArgIdx int) (string, []interface{}) {
	if cursor == nil {
		return "", nil
	}

	op := ">"
	if descending {
		op = "<"
	}
	return fmt.Sprintf("(%s, %s, %s) %s ($%d, $%d, $%d)",
			b.OccurredColumn, b.IngestedColumn, b.IDColumn, op,
			startArgIdx, startArgIdx+1, startArgIdx+2),
		[]interface{}{cursor.OccurredAt, cursor.IngestedAt, cursor.ID}
}

// OrderBy returns the ORDER BY clause matching Condition
func (b *KeysetBuilder) OrderBy(descending bool) string {
	dir := "ASC"
	if descending {
		dir = "DESC"
	}
	return fmt.Sprintf("ORDER BY %s %s, %s %s, %s %s",
		b.OccurredColumn, dir, b.IngestedColumn, dir, b.IDColumn, dir)
}
