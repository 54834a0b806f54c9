package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/upb/audit-pipeline/models"
)

// Filter narrows a subscription. Empty fields match everything.
type Filter struct {
	Action       string `json:"action,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
}

// Matches reports whether e passes the filter
func (f Filter) Matches(e *models.AuditEvent) bool {
	return e.Matches(f.Action, f.ResourceType)
}

type offerResult int

const (
	offerDelivered offerResult = iota
	offerDroppedOldest
	offerOverflow
	offerClosed
)

// Subscription is one live consumer of a tenant's events
type Subscription struct {
	id       uuid.UUID
	tenantID string
	filter   Filter

	events chan *models.AuditEvent
	done   chan struct{}

	// mu serializes producers and close so no send races a close
	mu     sync.Mutex
	closed bool
	err    error

	dropped atomic.Int64
}

func newSubscription(tenantID string, filter Filter, bufferSize int) *Subscription {
	return &Subscription{
		id:       uuid.New(),
		tenantID: tenantID,
		filter:   filter,
		events:   make(chan *models.AuditEvent, bufferSize),
		done:     make(chan struct{}),
	}
}

func (s *Subscription) ID() uuid.UUID    { return s.id }
func (s *Subscription) TenantID() string { return s.tenantID }
func (s *Subscription) Filter() Filter   { return s.filter }

// Events yields events until the subscription is closed. Buffered events are still readable after close.
func (s *Subscription) Events() <-chan *models.AuditEvent {
	return s.events
}

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err is nil for a normal close and ErrSlowConsumer after a lagging disconnect
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns how many events were discarded for this subscriber
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// offer never blocks. Under drop_oldest a full buffer loses its oldest event.
func (s *Subscription) offer(e *models.AuditEvent, policy OverflowPolicy) offerResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return offerClosed
	}

	select {
	case s.events <- e:
		return offerDelivered
	default:
	}

	s.dropped.Add(1)
	if policy == OverflowDisconnect {
		return offerOverflow
	}

	select {
	case <-s.events:
	default:
	}
	select {
	case s.events <- e:
	default:
	}
	return offerDroppedOldest
}

// closeWith ends the subscription once. It reports whether this call closed it.
func (s *Subscription) closeWith(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	close(s.events)
	close(s.done)
	return true
}
