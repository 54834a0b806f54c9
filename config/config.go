package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Ingest        IngestConfig
	Queue         QueueConfig
	Search        SearchConfig
	Hub           HubConfig
	Retention     RetentionConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	Timescale        bool // hypertable, compression and chunk compaction
}

// IngestConfig bounds the synchronous submit path
type IngestConfig struct {
	MaxPayloadBytes int
	StoreTimeout    time.Duration
	DispatchBuffer  int
	DispatchWorkers int
}

// QueueConfig selects and tunes the indexing queue
type QueueConfig struct {
	Driver            string // memory or kafka
	KafkaBrokers      []string
	KafkaTopic        string
	KafkaGroupID      string
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Multiplier        float64
	VisibilityTimeout time.Duration
	PollWait          time.Duration
}

// SearchConfig selects the search backend and indexer concurrency
type SearchConfig struct {
	Driver         string // memory or opensearch
	URL            string
	Username       string
	Password       string
	Index          string
	IndexerWorkers int
	IndexerBatch   int
	UpsertTimeout  time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
}

// HubConfig tunes the live broadcast hub
type HubConfig struct {
	MaxConnections int
	BufferSize     int
	OverflowPolicy string // drop_oldest or disconnect
	Shards         int
	RedisURL       string
	ChannelPrefix  string
	RelayBuffer    int
}

// RetentionConfig holds the global retention window and pass schedule
type RetentionConfig struct {
	RetentionDays           int
	CompressionIntervalDays int
	Interval                time.Duration
	OverridesFile           string
}

// AuthConfig controls how caller identity is resolved
type AuthConfig struct {
	TrustGatewayHeaders bool
	JWTSecret           string
	JWKSURL             string
	Issuer              string
	Audience            string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or text
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	env := getEnv("ENVIRONMENT", "development")
	cfg := &Config{
		Environment: env,
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: loadDatabaseConfig(),
		Ingest: IngestConfig{
			MaxPayloadBytes: getEnvAsInt("INGEST_MAX_PAYLOAD_BYTES", 64*1024),
			StoreTimeout:    getEnvAsDuration("INGEST_STORE_TIMEOUT", 5*time.Second),
			DispatchBuffer:  getEnvAsInt("INGEST_DISPATCH_BUFFER", 10000),
			DispatchWorkers: getEnvAsInt("INGEST_DISPATCH_WORKERS", 4),
		},
		Queue: QueueConfig{
			Driver:            getEnv("QUEUE_DRIVER", "memory"),
			KafkaBrokers:      getEnvAsList("KAFKA_BROKERS"),
			KafkaTopic:        getEnv("KAFKA_TOPIC", "audit-index-tasks"),
			KafkaGroupID:      getEnv("KAFKA_GROUP_ID", "audit-indexer"),
			MaxAttempts:       getEnvAsInt("QUEUE_MAX_ATTEMPTS", 5),
			InitialDelay:      getEnvAsDuration("QUEUE_INITIAL_DELAY", 500*time.Millisecond),
			MaxDelay:          getEnvAsDuration("QUEUE_MAX_DELAY", 30*time.Second),
			Multiplier:        getEnvAsFloat("QUEUE_MULTIPLIER", 2.0),
			VisibilityTimeout: getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 30*time.Second),
			PollWait:          getEnvAsDuration("QUEUE_POLL_WAIT", time.Second),
		},
		Search: SearchConfig{
			Driver:         getEnv("SEARCH_DRIVER", "memory"),
			URL:            getEnv("OPENSEARCH_URL", ""),
			Username:       getEnv("OPENSEARCH_USERNAME", ""),
			Password:       getEnv("OPENSEARCH_PASSWORD", ""),
			Index:          getEnv("OPENSEARCH_INDEX", "audit_events"),
			IndexerWorkers: getEnvAsInt("INDEXER_WORKERS", 2),
			IndexerBatch:   getEnvAsInt("INDEXER_BATCH_SIZE", 10),
			UpsertTimeout:  getEnvAsDuration("INDEXER_UPSERT_TIMEOUT", 30*time.Second),
			RequestTimeout: getEnvAsDuration("OPENSEARCH_TIMEOUT", 10*time.Second),
			MaxRetries:     getEnvAsInt("OPENSEARCH_MAX_RETRIES", 2),
		},
		Hub: HubConfig{
			MaxConnections: getEnvAsInt("HUB_MAX_CONNECTIONS", getEnvAsInt("WEBSOCKET_MAX_CONNECTIONS", 100)),
			BufferSize:     getEnvAsInt("HUB_BUFFER_SIZE", 50),
			OverflowPolicy: getEnv("HUB_OVERFLOW_POLICY", "drop_oldest"),
			Shards:         getEnvAsInt("HUB_SHARDS", 32),
			RedisURL:       getEnv("REDIS_URL", ""),
			ChannelPrefix:  getEnv("REDIS_CHANNEL_PREFIX", "audit:events:"),
			RelayBuffer:    getEnvAsInt("REDIS_RELAY_BUFFER", 1000),
		},
		Retention: RetentionConfig{
			RetentionDays:           getEnvAsInt("LOG_RETENTION_DAYS", 90),
			CompressionIntervalDays: getEnvAsInt("LOG_COMPRESSION_INTERVAL", 30),
			Interval:                getEnvAsDuration("RETENTION_INTERVAL", time.Hour),
			OverridesFile:           getEnv("RETENTION_OVERRIDES_FILE", ""),
		},
		Auth: AuthConfig{
			TrustGatewayHeaders: getEnvAsBool("AUTH_TRUST_GATEWAY_HEADERS", env != "production" && env != "prod"),
			JWTSecret:           getEnv("AUTH_JWT_SECRET", ""),
			JWKSURL:             getEnv("AUTH_JWKS_URL", ""),
			Issuer:              getEnv("AUTH_ISSUER", ""),
			Audience:            getEnv("AUTH_AUDIENCE", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	// Database validation (DATABASE_URL or DB_* vars)
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Ingest.MaxPayloadBytes <= 0 {
		return fmt.Errorf("ingest max payload bytes must be positive")
	}
	if c.Ingest.StoreTimeout <= 0 {
		return fmt.Errorf("ingest store timeout must be positive")
	}

	switch c.Queue.Driver {
	case "memory":
	case "kafka":
		if len(c.Queue.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for the kafka queue driver")
		}
	default:
		return fmt.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue max attempts must be at least 1")
	}

	switch c.Search.Driver {
	case "memory":
	case "opensearch":
		if c.Search.URL == "" {
			return fmt.Errorf("OPENSEARCH_URL is required for the opensearch search driver")
		}
	default:
		return fmt.Errorf("unknown search driver %q", c.Search.Driver)
	}

	if c.Hub.MaxConnections < 1 {
		return fmt.Errorf("hub max connections must be at least 1")
	}
	if c.Hub.BufferSize < 1 {
		return fmt.Errorf("hub buffer size must be at least 1")
	}
	if c.Hub.OverflowPolicy != "drop_oldest" && c.Hub.OverflowPolicy != "disconnect" {
		return fmt.Errorf("hub overflow policy must be drop_oldest or disconnect")
	}

	if c.Retention.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1")
	}
	if c.Retention.CompressionIntervalDays < 1 || c.Retention.CompressionIntervalDays > c.Retention.RetentionDays {
		return fmt.Errorf("compression interval must be between 1 and retention days (%d)", c.Retention.RetentionDays)
	}

	// Auth validation (an identity source is required in production)
	if c.Auth.JWTSecret != "" && c.Auth.JWKSURL != "" {
		return fmt.Errorf("AUTH_JWT_SECRET and AUTH_JWKS_URL are mutually exclusive")
	}
	if c.IsProduction() && !c.Auth.TrustGatewayHeaders && c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		return fmt.Errorf("AUTH_JWT_SECRET, AUTH_JWKS_URL or AUTH_TRUST_GATEWAY_HEADERS is required in production")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	timescale := getEnvAsBool("DB_TIMESCALE", true)
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			Timescale:        timescale,
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "audit"),
		Password:        getEnv("DB_PASSWORD", "audit_password"),
		Database:        getEnv("DB_NAME", "audit"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		Timescale:       timescale,
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping empty entries
func getEnvAsList(key string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
