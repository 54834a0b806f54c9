package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	goredis "github.com/redis/go-redis/v9"
	"github.com/upb/audit-pipeline/internal/observability"
	"github.com/upb/audit-pipeline/models"
	"go.uber.org/zap"
)

// RelayConfig configures the Redis relay
type RelayConfig struct {
	ChannelPrefix string
	BufferSize    int
	// Backoff bounds for re-establishing the pattern subscription
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// NewRedisClient builds a client from a redis:// URL
func NewRedisClient(url string) (goredis.UniversalClient, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return goredis.NewClient(opts), nil
}

// RedisRelay fans events out across replicas. Publish writes to Redis and
// Run feeds every replica's local hub from a pattern subscription.
// Until the subscription is up, or when Redis rejects a publish, events are
// delivered to the local hub directly.
type RedisRelay struct {
	client  goredis.UniversalClient
	hub     *Hub
	prefix  string
	buf     chan *models.AuditEvent
	metrics *observability.Metrics
	logger  *zap.Logger
	retry   retrypolicy.RetryPolicy[*goredis.PubSub]

	subscribed atomic.Bool
	ready      chan struct{}
	readyOnce  sync.Once
}

// NewRedisRelay creates a relay that delivers into hub
func NewRedisRelay(client goredis.UniversalClient, hub *Hub, cfg RelayConfig, metrics *observability.Metrics, logger *zap.Logger) *RedisRelay {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "audit:events:"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 500 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = 30 * time.Second
	}

	logger = logger.Named("relay")
	retry := retrypolicy.NewBuilder[*goredis.PubSub]().
		WithBackoff(cfg.RetryInitial, cfg.RetryMax).
		WithMaxRetries(-1).
		WithJitterFactor(0.1).
		OnRetryScheduled(func(e failsafe.ExecutionScheduledEvent[*goredis.PubSub]) {
			logger.Warn("redis subscribe failed, retrying",
				zap.Int("attempts", e.Attempts()),
				zap.Duration("delay", e.Delay),
				zap.Error(e.LastError()))
		}).
		Build()

	return &RedisRelay{
		client:  client,
		hub:     hub,
		prefix:  cfg.ChannelPrefix,
		buf:     make(chan *models.AuditEvent, cfg.BufferSize),
		metrics: metrics,
		logger:  logger,
		retry:   retry,
		ready:   make(chan struct{}),
	}
}

// Publish queues event for Redis. A full buffer drops it.
func (r *RedisRelay) Publish(event *models.AuditEvent) {
	if event == nil {
		return
	}
	select {
	case r.buf <- event:
	default:
		r.metrics.IncBroadcastDropped(observability.DropReasonRelayFull)
		r.logger.Warn("relay buffer full, dropping event",
			zap.String("event_id", event.ID.String()),
			zap.String("tenant_id", event.TenantID))
	}
}

// Ready is closed once the pattern subscription is confirmed
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run publishes buffered events and relays subscribed ones until ctx ends.
// The subscription is retried with backoff for as long as Redis is unreachable.
func (r *RedisRelay) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.publishLoop(ctx)
	}()
	defer wg.Wait()

	psub, err := failsafe.With[*goredis.PubSub](r.retry).WithContext(ctx).Get(func() (*goredis.PubSub, error) {
		ps := r.client.PSubscribe(ctx, r.prefix+"*")
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		return ps, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to redis: %w", err)
	}
	defer psub.Close()

	r.subscribed.Store(true)
	defer r.subscribed.Store(false)
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("relay subscribed", zap.String("pattern", r.prefix+"*"))

	ch := psub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver(msg.Channel, msg.Payload)
		}
	}
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-r.buf:
			r.publish(ctx, event)
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context, event *models.AuditEvent) {
	local := !r.subscribed.Load()

	payload, err := json.Marshal(event)
	if err == nil {
		err = r.client.Publish(ctx, r.prefix+event.TenantID, payload).Err()
	}
	if err != nil {
		r.logger.Warn("failed to publish event to redis, delivering locally",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
		local = true
	}

	if local {
		r.hub.Publish(event)
	}
}

func (r *RedisRelay) deliver(channel, payload string) {
	var event models.AuditEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logger.Warn("invalid relay payload", zap.String("channel", channel), zap.Error(err))
		return
	}

	if tenantID := strings.TrimPrefix(channel, r.prefix); tenantID != event.TenantID {
		r.logger.Error("relay message tenant does not match channel",
			zap.String("channel_tenant", tenantID),
			zap.String("event_tenant", event.TenantID),
			zap.String("event_id", event.ID.String()))
		return
	}

	r.hub.Publish(&event)
}
