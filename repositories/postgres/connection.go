package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/audit-pipeline/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger    *zap.Logger
	timescale bool
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()),
		zap.Bool("timescale", cfg.Timescale))

	return NewDBFromConn(db, cfg.Timescale, logger), nil
}

// NewDBFromConn wraps an already opened pool
func NewDBFromConn(db *sql.DB, timescale bool, logger *zap.Logger) *DB {
	return &DB{
		DB:        db,
		logger:    logger,
		timescale: timescale,
	}
}

// Timescale reports whether TimescaleDB features are enabled
func (db *DB) Timescale() bool {
	return db.timescale
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	// Check if we can query
	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

const eventSchema = `
	CREATE TABLE IF NOT EXISTS audit_events (
		id UUID NOT NULL,
		tenant_id VARCHAR(64) NOT NULL CHECK (tenant_id <> ''),
		occurred_at TIMESTAMPTZ NOT NULL,
		ingested_at TIMESTAMPTZ NOT NULL,
		actor_user_id VARCHAR(255) NOT NULL DEFAULT '',
		actor_user_name VARCHAR(255) NOT NULL DEFAULT '',
		actor_user_role VARCHAR(50) NOT NULL DEFAULT '',
		action VARCHAR(100) NOT NULL CHECK (action <> ''),
		resource_type VARCHAR(100) NOT NULL DEFAULT '',
		resource_id VARCHAR(255) NOT NULL DEFAULT '',
		severity VARCHAR(20) NOT NULL DEFAULT 'info',
		message TEXT NOT NULL DEFAULT '',
		ip_address VARCHAR(45) NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		payload JSONB,
		before_state JSONB,
		after_state JSONB,
		PRIMARY KEY (tenant_id, occurred_at, id)
	);

	CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_id_id ON audit_events(tenant_id, id);
	CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_action ON audit_events(tenant_id, action, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_resource ON audit_events(tenant_id, resource_type, occurred_at);
	CREATE INDEX IF NOT EXISTS idx_audit_events_tenant_actor ON audit_events(tenant_id, actor_user_id, occurred_at);
`

const timescaleSchema = `
	CREATE EXTENSION IF NOT EXISTS timescaledb;

	SELECT create_hypertable(
		'audit_events',
		'occurred_at',
		chunk_time_interval => INTERVAL '1 month',
		if_not_exists => TRUE
	);

	SELECT add_dimension(
		'audit_events',
		'tenant_id',
		number_partitions => 4,
		if_not_exists => TRUE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_events_unique_id ON audit_events(tenant_id, id, occurred_at);

	ALTER TABLE audit_events SET (
		timescaledb.compress = TRUE,
		timescaledb.compress_segmentby = 'tenant_id',
		timescaledb.compress_orderby = 'occurred_at DESC'
	);
`

// InitSchema initializes the audit_events table and, when enabled, the TimescaleDB hypertable
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, eventSchema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	if db.timescale {
		if _, err := db.ExecContext(ctx, timescaleSchema); err != nil {
			return fmt.Errorf("failed to initialize timescale schema: %w", err)
		}
	}

	db.logger.Info("database schema initialized successfully", zap.Bool("timescale", db.timescale))
	return nil
}
