package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/upb/audit-pipeline/config"
	"github.com/upb/audit-pipeline/internal/observability"
	"github.com/upb/audit-pipeline/middleware"
	"github.com/upb/audit-pipeline/repositories"
	"github.com/upb/audit-pipeline/repositories/postgres"
	"github.com/upb/audit-pipeline/services/broadcast"
	"github.com/upb/audit-pipeline/services/indexer"
	"github.com/upb/audit-pipeline/services/ingest"
	"github.com/upb/audit-pipeline/services/queue"
	"github.com/upb/audit-pipeline/services/retention"
	"github.com/upb/audit-pipeline/services/search"
	"go.uber.org/zap"
)

// ensureIndexRetry is how often a failed search index bootstrap is retried
const ensureIndexRetry = 5 * time.Second

// HealthChecker is implemented by backends that can report their own reachability
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config   *config.Config
	DB       *postgres.DB
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory
	Repos       *repositories.Repositories

	// Pipeline backends
	Queue  queue.Queue
	Search search.Backend
	Hub    *broadcast.Hub
	Relay  *broadcast.RedisRelay // nil without REDIS_URL
	Redis  goredis.UniversalClient

	// Pipeline components
	Coordinator *ingest.Coordinator
	Indexer     *indexer.Indexer
	Retention   *retention.Manager

	// Auth
	AuthMiddleware *middleware.AuthMiddleware

	mu        sync.Mutex
	started   bool
	indexing  bool
	cancel    context.CancelFunc
	bg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewDependencies opens the event store and wires every pipeline component
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	factory, err := postgres.NewRepositoryFactory(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := factory.InitSchema(ctx); err != nil {
		_ = factory.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	deps, err := newDependencies(cfg, factory, logger)
	if err != nil {
		_ = factory.Close()
		return nil, err
	}

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// newDependencies wires everything downstream of the repository factory
func newDependencies(cfg *config.Config, factory *postgres.RepositoryFactory, logger *zap.Logger) (*Dependencies, error) {
	d := &Dependencies{
		Config:      cfg,
		Logger:      logger,
		RepoFactory: factory,
		DB:          factory.GetDB(),
		Repos:       factory.NewRepositories(),
	}

	d.initMetrics()

	if err := d.initQueue(); err != nil {
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	if err := d.initSearch(); err != nil {
		_ = d.Queue.Close()
		return nil, fmt.Errorf("failed to initialize search: %w", err)
	}

	if err := d.initBroadcast(); err != nil {
		_ = d.Queue.Close()
		return nil, fmt.Errorf("failed to initialize broadcast: %w", err)
	}

	d.initPipeline()

	if err := d.initAuth(); err != nil {
		d.closeBackends()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	return d, nil
}

func (d *Dependencies) initMetrics() {
	d.Registry = prometheus.NewRegistry()
	d.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.Metrics = observability.NewMetrics(d.Registry)
}

func (d *Dependencies) queueConfig() queue.Config {
	q := d.Config.Queue
	return queue.Config{
		MaxAttempts:       q.MaxAttempts,
		InitialDelay:      q.InitialDelay,
		MaxDelay:          q.MaxDelay,
		Multiplier:        q.Multiplier,
		VisibilityTimeout: q.VisibilityTimeout,
		PollWait:          q.PollWait,
	}
}

func (d *Dependencies) initQueue() error {
	logger := d.Logger.Named("queue")

	switch d.Config.Queue.Driver {
	case "kafka":
		q, err := queue.NewKafkaQueue(queue.KafkaConfig{
			Brokers: d.Config.Queue.KafkaBrokers,
			Topic:   d.Config.Queue.KafkaTopic,
			GroupID: d.Config.Queue.KafkaGroupID,
		}, d.queueConfig(), logger, d.Metrics)
		if err != nil {
			return err
		}
		d.Queue = q
	default:
		d.Queue = queue.NewMemoryQueue(d.queueConfig(), logger, d.Metrics)
	}

	d.Logger.Info("indexing queue initialized", zap.String("driver", d.Config.Queue.Driver))
	return nil
}

func (d *Dependencies) initSearch() error {
	switch d.Config.Search.Driver {
	case "opensearch":
		backend, err := search.NewOpenSearchBackend(search.OpenSearchConfig{
			URL:            d.Config.Search.URL,
			Username:       d.Config.Search.Username,
			Password:       d.Config.Search.Password,
			Index:          d.Config.Search.Index,
			RequestTimeout: d.Config.Search.RequestTimeout,
			MaxRetries:     d.Config.Search.MaxRetries,
		}, d.Logger)
		if err != nil {
			return err
		}
		d.Search = backend
	default:
		d.Search = search.NewMemoryBackend()
	}

	d.Logger.Info("search backend initialized", zap.String("driver", d.Config.Search.Driver))
	return nil
}

func (d *Dependencies) initBroadcast() error {
	policy, _ := broadcast.ParseOverflowPolicy(d.Config.Hub.OverflowPolicy)
	d.Hub = broadcast.NewHub(broadcast.Config{
		Shards:         d.Config.Hub.Shards,
		MaxConnections: d.Config.Hub.MaxConnections,
		BufferSize:     d.Config.Hub.BufferSize,
		OverflowPolicy: policy,
	}, d.Metrics, d.Logger)

	if d.Config.Hub.RedisURL == "" {
		return nil
	}

	client, err := broadcast.NewRedisClient(d.Config.Hub.RedisURL)
	if err != nil {
		return err
	}
	d.Redis = client
	d.Relay = broadcast.NewRedisRelay(client, d.Hub, broadcast.RelayConfig{
		ChannelPrefix: d.Config.Hub.ChannelPrefix,
		BufferSize:    d.Config.Hub.RelayBuffer,
	}, d.Metrics, d.Logger)

	d.Logger.Info("redis relay configured", zap.String("channel_prefix", d.Config.Hub.ChannelPrefix))
	return nil
}

// broadcaster is the relay when replicas share live events, otherwise the local hub
func (d *Dependencies) broadcaster() broadcast.Broadcaster {
	if d.Relay != nil {
		return d.Relay
	}
	return d.Hub
}

func (d *Dependencies) initPipeline() {
	d.Coordinator = ingest.NewCoordinator(d.Repos.Events, d.Queue, d.broadcaster(), d.Metrics, d.Logger, ingest.Config{
		MaxPayloadBytes: d.Config.Ingest.MaxPayloadBytes,
		StoreTimeout:    d.Config.Ingest.StoreTimeout,
		DispatchBuffer:  d.Config.Ingest.DispatchBuffer,
		DispatchWorkers: d.Config.Ingest.DispatchWorkers,
	})

	d.Indexer = indexer.New(d.Repos.Events, d.Queue, d.Search, d.Metrics, d.Logger, indexer.Config{
		Workers:       d.Config.Search.IndexerWorkers,
		BatchSize:     d.Config.Search.IndexerBatch,
		UpsertTimeout: d.Config.Search.UpsertTimeout,
	})

	d.Retention = retention.NewManager(d.Repos.Retention, d.Search, d.Metrics, d.Logger, retention.Config{
		Default: retention.Window{
			RetentionDays:           d.Config.Retention.RetentionDays,
			CompressionIntervalDays: d.Config.Retention.CompressionIntervalDays,
		},
		Interval:      d.Config.Retention.Interval,
		OverridesFile: d.Config.Retention.OverridesFile,
	})
}

func (d *Dependencies) initAuth() error {
	var validator middleware.TokenValidator
	switch auth := d.Config.Auth; {
	case auth.JWTSecret != "":
		v, err := middleware.NewHMACTokenValidator(auth.JWTSecret)
		if err != nil {
			return err
		}
		validator = v
	case auth.JWKSURL != "":
		v, err := middleware.NewJWKSTokenValidator(middleware.JWKSConfig{
			URL:      auth.JWKSURL,
			Issuer:   auth.Issuer,
			Audience: auth.Audience,
		})
		if err != nil {
			return err
		}
		validator = v
	}

	if validator == nil && !d.Config.Auth.TrustGatewayHeaders {
		d.Logger.Warn("no identity source configured, protected routes will return 401")
	}

	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Config.Auth.TrustGatewayHeaders, d.Logger.Named("auth"))
	d.Logger.Info("auth initialized",
		zap.Bool("jwt", validator != nil),
		zap.Bool("trust_gateway_headers", d.Config.Auth.TrustGatewayHeaders))
	return nil
}

// Start launches the background workers: dispatch, relay, indexer and retention
func (d *Dependencies) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errors.New("dependencies already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.Coordinator.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start ingestion: %w", err)
	}

	if d.Relay != nil {
		d.bg.Add(1)
		go func() {
			defer d.bg.Done()
			if err := d.Relay.Run(ctx); err != nil {
				d.Logger.Error("redis relay stopped", zap.Error(err))
			}
		}()
	}

	d.bg.Add(1)
	go func() {
		defer d.bg.Done()
		d.startIndexer(ctx)
	}()

	if err := d.Retention.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to start retention: %w", err)
	}

	d.started = true
	d.Logger.Info("pipeline started")
	return nil
}

// startIndexer bootstraps the search index and then starts the indexer.
// Until the index exists, tasks wait in the queue and ingestion is unaffected.
func (d *Dependencies) startIndexer(ctx context.Context) {
	ticker := time.NewTicker(ensureIndexRetry)
	defer ticker.Stop()

	for {
		err := d.Search.EnsureIndex(ctx)
		if err == nil {
			break
		}
		d.Logger.Warn("search index not ready, indexing deferred",
			zap.Duration("retry_in", ensureIndexRetry),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started || ctx.Err() != nil {
		return
	}
	if err := d.Indexer.Start(ctx); err != nil {
		d.Logger.Error("failed to start indexer", zap.Error(err))
		return
	}
	d.indexing = true
}

// HealthChecks returns the readiness checks of every external backend besides the database
func (d *Dependencies) HealthChecks() map[string]func(ctx context.Context) error {
	checks := make(map[string]func(ctx context.Context) error)
	if hc, ok := d.Queue.(HealthChecker); ok {
		checks["queue"] = hc.HealthCheck
	}
	if hc, ok := d.Search.(HealthChecker); ok {
		checks["search"] = hc.HealthCheck
	}
	if d.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return d.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// ComponentStats returns point-in-time statistics for the status endpoint
func (d *Dependencies) ComponentStats() map[string]func() interface{} {
	stats := map[string]func() interface{}{
		"ingest":  func() interface{} { return d.Coordinator.GetStats() },
		"queue":   func() interface{} { return d.Queue.Stats() },
		"indexer": func() interface{} { return d.Indexer.GetStats() },
		"hub":     func() interface{} { return d.Hub.GetStats() },
	}
	if d.DB != nil {
		stats["database"] = func() interface{} {
			s := d.DB.Stats()
			return map[string]int{
				"open_connections": s.OpenConnections,
				"in_use":           s.InUse,
				"idle":             s.Idle,
			}
		}
	}
	return stats
}

// Close gracefully shuts down all dependencies.
// Pending indexing tasks are flushed to the queue before the workers stop.
func (d *Dependencies) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		d.closeErr = d.close(ctx)
	})
	return d.closeErr
}

func (d *Dependencies) close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	var errs []error

	d.mu.Lock()
	started, indexing := d.started, d.indexing
	d.started, d.indexing = false, false
	d.mu.Unlock()

	if started {
		if err := d.Coordinator.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop ingestion: %w", err))
		}
		if indexing {
			if err := d.Indexer.Stop(timeout); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop indexer: %w", err))
			}
		}
		d.Retention.Stop()
	}

	d.Hub.Close()

	if d.cancel != nil {
		d.cancel()
	}
	d.bg.Wait()

	errs = append(errs, d.closeBackends()...)

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %w", errors.Join(errs...))
	}

	return nil
}

func (d *Dependencies) closeBackends() []error {
	var errs []error
	if d.Queue != nil {
		if err := d.Queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close queue: %w", err))
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}
	return errs
}
