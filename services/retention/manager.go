// Package retention evicts events that fell out of their tenant's retention
// window and compacts the storage chunks that remain.
package retention

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/upb/audit-pipeline/internal/observability"
	"github.com/upb/audit-pipeline/repositories"
	"github.com/upb/audit-pipeline/services"
	"go.uber.org/zap"
)

// Pruner removes search documents older than a cutoff. search.Backend satisfies it.
type Pruner interface {
	Delete(ctx context.Context, tenantID string, before time.Time) (int64, error)
}

// Config holds configuration for the Manager
type Config struct {
	Default       Window
	Interval      time.Duration
	OverridesFile string
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Default:  Window{RetentionDays: 90, CompressionIntervalDays: 30},
		Interval: time.Hour,
	}
}

// TenantResult is the outcome of one tenant within a pass
type TenantResult struct {
	TenantID      string    `json:"tenant_id"`
	Cutoff        time.Time `json:"cutoff"`
	RowsEvicted   int64     `json:"rows_evicted"`
	SearchDeleted int64     `json:"search_deleted"`
	Err           error     `json:"-"`
}

// PassReport summarises one retention pass
type PassReport struct {
	StartedAt       time.Time      `json:"started_at"`
	FinishedAt      time.Time      `json:"finished_at"`
	Tenants         []TenantResult `json:"tenants"`
	RowsEvicted     int64          `json:"rows_evicted"`
	ChunksCompacted int            `json:"chunks_compacted"`
	OverridesErr    error          `json:"-"`
	CompactErr      error          `json:"-"`
}

// Failures returns the tenants whose eviction failed
func (r PassReport) Failures() []TenantResult {
	var failed []TenantResult
	for _, t := range r.Tenants {
		if t.Err != nil {
			failed = append(failed, t)
		}
	}
	return failed
}

// Manager runs retention passes on a fixed interval
type Manager struct {
	store   repositories.RetentionStore
	pruner  Pruner
	metrics *observability.Metrics
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time

	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

// NewManager creates a Manager. pruner may be nil when search is not kept in step.
func NewManager(store repositories.RetentionStore, pruner Pruner, metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Manager {
	d := DefaultConfig()
	if cfg.Default.RetentionDays <= 0 {
		cfg.Default.RetentionDays = d.Default.RetentionDays
	}
	if cfg.Default.CompressionIntervalDays <= 0 {
		cfg.Default.CompressionIntervalDays = min(d.Default.CompressionIntervalDays, cfg.Default.RetentionDays)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}

	return &Manager{
		store:   store,
		pruner:  pruner,
		metrics: metrics,
		logger:  logger.Named("retention"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start runs a pass immediately and then every Interval until Stop or ctx is done
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("retention manager already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true

	m.wg.Add(1)
	go m.loop(ctx)

	m.logger.Info("started retention manager",
		zap.Duration("interval", m.cfg.Interval),
		zap.Int("retention_days", m.cfg.Default.RetentionDays),
		zap.Int("compression_interval_days", m.cfg.Default.CompressionIntervalDays),
		zap.String("overrides_file", m.cfg.OverridesFile))

	return nil
}

// Stop cancels the loop and waits for an in-progress pass to return
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("retention manager stopped")
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		m.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single pass. A failing tenant never stops the others.
func (m *Manager) RunOnce(ctx context.Context) PassReport {
	now := m.now().UTC()
	report := PassReport{StartedAt: now}

	overrides, err := LoadOverrides(m.cfg.OverridesFile, m.cfg.Default)
	if err != nil {
		report.OverridesErr = err
		overrides = map[string]Window{}
		m.logger.Error("failed to load retention overrides, using defaults for this pass",
			zap.String("overrides_file", m.cfg.OverridesFile),
			zap.Error(err))
	}

	tenants, err := m.tenants(ctx, overrides)
	if err != nil {
		m.metrics.IncRetentionFailure()
		m.logger.Error("failed to list tenants", zap.Error(err))
		tenants = sortedKeys(overrides)
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			break
		}
		result := m.evict(ctx, tenantID, m.windowFor(tenantID, overrides), now)
		report.RowsEvicted += result.RowsEvicted
		report.Tenants = append(report.Tenants, result)
	}

	if ctx.Err() == nil {
		report.ChunksCompacted, report.CompactErr = m.compact(ctx, overrides, now)
	}

	report.FinishedAt = m.now().UTC()
	m.metrics.SetRetentionLastRun(report.FinishedAt.Unix())
	m.logger.Info("retention pass complete",
		zap.Int("tenants", len(report.Tenants)),
		zap.Int("failed_tenants", len(report.Failures())),
		zap.Int64("rows_evicted", report.RowsEvicted),
		zap.Int("chunks_compacted", report.ChunksCompacted),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))

	return report
}

// tenants merges the store's tenants with those only named in overrides
func (m *Manager) tenants(ctx context.Context, overrides map[string]Window) ([]string, error) {
	stored, err := m.store.ListTenants(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(stored)+len(overrides))
	for _, t := range stored {
		seen[t] = struct{}{}
	}
	for t := range overrides {
		seen[t] = struct{}{}
	}

	all := make([]string, 0, len(seen))
	for t := range seen {
		all = append(all, t)
	}
	sort.Strings(all)
	return all, nil
}

func (m *Manager) windowFor(tenantID string, overrides map[string]Window) Window {
	if w, ok := overrides[tenantID]; ok {
		return w
	}
	return m.cfg.Default
}

func (m *Manager) evict(ctx context.Context, tenantID string, w Window, now time.Time) TenantResult {
	result := TenantResult{TenantID: tenantID, Cutoff: w.Cutoff(now)}

	deleted, err := m.store.DeleteBefore(ctx, tenantID, result.Cutoff)
	if err != nil {
		result.Err = services.NewDomainError(services.ErrorTypeRetentionFailure,
			"retention pass failed for tenant", err).
			WithDetail("tenant_id", tenantID)
		m.metrics.IncRetentionFailure()
		m.logger.Error("retention eviction failed",
			zap.String("tenant_id", tenantID),
			zap.Time("cutoff", result.Cutoff),
			zap.Error(err))
		return result
	}
	result.RowsEvicted = deleted
	m.metrics.AddRowsEvicted(deleted)

	if m.pruner != nil {
		removed, err := m.pruner.Delete(ctx, tenantID, result.Cutoff)
		if err != nil {
			m.logger.Warn("failed to prune search documents",
				zap.String("tenant_id", tenantID),
				zap.Time("cutoff", result.Cutoff),
				zap.Error(err))
		}
		result.SearchDeleted = removed
	}

	if deleted > 0 {
		m.logger.Info("evicted expired events",
			zap.String("tenant_id", tenantID),
			zap.Int64("rows", deleted),
			zap.Time("cutoff", result.Cutoff))
	}

	return result
}

// compact covers the band between the shortest compression interval and the longest retention
func (m *Manager) compact(ctx context.Context, overrides map[string]Window, now time.Time) (int, error) {
	shortest := m.cfg.Default.CompressionIntervalDays
	longest := m.cfg.Default.RetentionDays
	for _, w := range overrides {
		shortest = min(shortest, w.CompressionIntervalDays)
		longest = max(longest, w.RetentionDays)
	}

	olderThan := now.Add(-time.Duration(shortest) * day)
	newerThan := now.Add(-time.Duration(longest) * day)

	chunks, err := m.store.Compact(ctx, olderThan, newerThan)
	if err != nil {
		m.metrics.IncRetentionFailure()
		m.logger.Error("chunk compaction failed",
			zap.Time("older_than", olderThan),
			zap.Time("newer_than", newerThan),
			zap.Error(err))
		return 0, err
	}

	m.metrics.AddChunksCompacted(chunks)
	m.logger.Debug("compacted chunks",
		zap.Int("chunks", chunks),
		zap.Time("older_than", olderThan),
		zap.Time("newer_than", newerThan))

	return chunks, nil
}

func sortedKeys(overrides map[string]Window) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
