// Package broadcast fans committed events out to live subscribers of the same tenant.
package broadcast

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/upb/audit-pipeline/internal/observability"
	"github.com/upb/audit-pipeline/models"
	"github.com/upb/audit-pipeline/services"
	"go.uber.org/zap"
)

// OverflowPolicy decides what happens when a subscriber's buffer is full
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy converts a config value, returning false for unknown policies
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch p := OverflowPolicy(s); p {
	case OverflowDropOldest, OverflowDisconnect:
		return p, true
	}
	return "", false
}

// ErrHubClosed is returned by Subscribe after Close
var ErrHubClosed = errors.New("broadcast hub closed")

// Broadcaster receives every committed event. Publish must never block.
type Broadcaster interface {
	Publish(event *models.AuditEvent)
}

// Config holds configuration for the Hub
type Config struct {
	Shards         int
	MaxConnections int
	BufferSize     int
	OverflowPolicy OverflowPolicy
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Shards:         32,
		MaxConnections: 100,
		BufferSize:     50,
		OverflowPolicy: OverflowDropOldest,
	}
}

type shard struct {
	mu      sync.RWMutex
	tenants map[string]map[uuid.UUID]*Subscription
}

// Hub is the in-process subscriber registry, sharded by tenant
type Hub struct {
	shards  []*shard
	count   atomic.Int64
	closed  atomic.Bool
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewHub creates a Hub with cfg.Shards independent shards
func NewHub(cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Hub {
	d := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = d.Shards
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = d.MaxConnections
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}
	if _, ok := ParseOverflowPolicy(string(cfg.OverflowPolicy)); !ok {
		cfg.OverflowPolicy = d.OverflowPolicy
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{tenants: make(map[string]map[uuid.UUID]*Subscription)}
	}

	return &Hub{
		shards:  shards,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.Named("broadcast"),
	}
}

func (h *Hub) shardFor(tenantID string) *shard {
	return h.shards[xxhash.Sum64String(tenantID)%uint64(len(h.shards))]
}

// Subscribe registers a subscriber for tenantID. Past MaxConnections it returns a CapacityExceeded error.
func (h *Hub) Subscribe(tenantID string, filter Filter) (*Subscription, error) {
	if h.closed.Load() {
		return nil, ErrHubClosed
	}
	if tenantID == "" {
		return nil, services.NewValidationError("tenant_id is required", map[string]string{"tenant_id": "required"})
	}

	limit := int64(h.cfg.MaxConnections)
	for {
		n := h.count.Load()
		if n >= limit {
			return nil, services.NewDomainError(services.ErrorTypeCapacityExceeded,
				fmt.Sprintf("live subscription limit of %d reached", limit), nil)
		}
		if h.count.CompareAndSwap(n, n+1) {
			break
		}
	}

	sub := newSubscription(tenantID, filter, h.cfg.BufferSize)

	s := h.shardFor(tenantID)
	s.mu.Lock()
	// Close flips closed before sweeping the shards
	if h.closed.Load() {
		s.mu.Unlock()
		h.count.Add(-1)
		return nil, ErrHubClosed
	}
	subs, ok := s.tenants[tenantID]
	if !ok {
		subs = make(map[uuid.UUID]*Subscription)
		s.tenants[tenantID] = subs
	}
	subs[sub.id] = sub
	s.mu.Unlock()

	h.metrics.SetSubscriptions(int(h.count.Load()))
	h.logger.Debug("subscriber added",
		zap.String("tenant_id", tenantID),
		zap.String("subscription_id", sub.id.String()))

	return sub, nil
}

// Publish delivers event to the matching subscribers of its tenant without blocking
func (h *Hub) Publish(event *models.AuditEvent) {
	if event == nil || h.closed.Load() {
		return
	}

	var slow []*Subscription

	s := h.shardFor(event.TenantID)
	s.mu.RLock()
	for _, sub := range s.tenants[event.TenantID] {
		if !sub.filter.Matches(event) {
			continue
		}
		switch sub.offer(event, h.cfg.OverflowPolicy) {
		case offerDroppedOldest:
			h.metrics.IncBroadcastDropped(observability.DropReasonOldest)
		case offerOverflow:
			if sub.closeWith(services.ErrSlowConsumer) {
				h.metrics.IncBroadcastDropped(observability.DropReasonSlowConsumer)
				slow = append(slow, sub)
			}
		}
	}
	s.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("disconnecting slow subscriber",
			zap.String("tenant_id", sub.tenantID),
			zap.String("subscription_id", sub.id.String()))
		h.remove(sub)
	}
}

// Unsubscribe removes sub and closes its channels. Pending events are not redelivered.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.remove(sub)
	sub.closeWith(nil)
}

func (h *Hub) remove(sub *Subscription) {
	s := h.shardFor(sub.tenantID)
	s.mu.Lock()
	subs := s.tenants[sub.tenantID]
	_, ok := subs[sub.id]
	if ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(s.tenants, sub.tenantID)
		}
	}
	s.mu.Unlock()

	if ok {
		h.metrics.SetSubscriptions(int(h.count.Add(-1)))
	}
}

// Close tears down every subscription. Later Subscribe calls fail.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}

	closed := 0
	for _, s := range h.shards {
		s.mu.Lock()
		for tenantID, subs := range s.tenants {
			for _, sub := range subs {
				sub.closeWith(nil)
				closed++
			}
			delete(s.tenants, tenantID)
		}
		s.mu.Unlock()
	}

	h.metrics.SetSubscriptions(int(h.count.Add(-int64(closed))))
	h.logger.Info("broadcast hub closed", zap.Int("subscriptions_closed", closed))
}

// SubscriberCount returns the live subscriptions of one tenant
func (h *Hub) SubscriberCount(tenantID string) int {
	s := h.shardFor(tenantID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants[tenantID])
}

// Stats represents hub statistics
type Stats struct {
	Subscriptions  int64          `json:"subscriptions"`
	MaxConnections int            `json:"max_connections"`
	BufferSize     int            `json:"buffer_size"`
	Shards         int            `json:"shards"`
	OverflowPolicy OverflowPolicy `json:"overflow_policy"`
}

// GetStats returns statistics about the hub
func (h *Hub) GetStats() Stats {
	return Stats{
		Subscriptions:  h.count.Load(),
		MaxConnections: h.cfg.MaxConnections,
		BufferSize:     h.cfg.BufferSize,
		Shards:         len(h.shards),
		OverflowPolicy: h.cfg.OverflowPolicy,
	}
}
