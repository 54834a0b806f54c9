package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryBackend keeps documents in a map. It is used in development and tests.
type MemoryBackend struct {
	mu   sync.RWMutex
	docs map[string]Document
}

// NewMemoryBackend creates an empty in-memory index
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{docs: make(map[string]Document)}
}

func (b *MemoryBackend) EnsureIndex(ctx context.Context) error {
	return nil
}

func (b *MemoryBackend) Upsert(ctx context.Context, doc Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.docs[doc.ID] = doc
	return nil
}

func (b *MemoryBackend) Search(ctx context.Context, tenantID string, q Query) (*Result, error) {
	q = q.normalized()

	b.mu.RLock()
	var matched []Document
	for _, doc := range b.docs {
		if doc.TenantID == tenantID && matches(doc, q) {
			matched = append(matched, doc)
		}
	}
	b.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].OccurredAt.After(matched[j].OccurredAt)
		}
		return matched[i].ID > matched[j].ID
	})

	result := &Result{Total: int64(len(matched)), Page: q.Page, Limit: q.Limit, Hits: []Document{}}
	from := (q.Page - 1) * q.Limit
	if from < len(matched) {
		to := min(from+q.Limit, len(matched))
		result.Hits = matched[from:to]
	}
	return result, nil
}

func (b *MemoryBackend) Delete(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var deleted int64
	for id, doc := range b.docs {
		if doc.TenantID == tenantID && doc.OccurredAt.Before(before) {
			delete(b.docs, id)
			deleted++
		}
	}
	return deleted, nil
}

// Get returns a document by id
func (b *MemoryBackend) Get(id string) (Document, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	doc, ok := b.docs[id]
	return doc, ok
}

// Len returns the number of stored documents
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.docs)
}

func matches(doc Document, q Query) bool {
	if q.Action != "" && doc.Action != q.Action {
		return false
	}
	if q.ResourceType != "" && doc.ResourceType != q.ResourceType {
		return false
	}
	if q.ResourceID != "" && doc.ResourceID != q.ResourceID {
		return false
	}
	if q.UserID != "" && doc.UserID != q.UserID {
		return false
	}
	if q.Severity != "" && doc.Severity != q.Severity {
		return false
	}
	if q.Start != nil && doc.OccurredAt.Before(*q.Start) {
		return false
	}
	if q.End != nil && !doc.OccurredAt.Before(*q.End) {
		return false
	}
	if q.Text != "" {
		text := strings.ToLower(q.Text)
		if !strings.Contains(strings.ToLower(doc.Message), text) &&
			!strings.Contains(strings.ToLower(doc.PayloadText), text) {
			return false
		}
	}
	return true
}
