package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/audit-pipeline/internal/observability"
	"github.com/upb/audit-pipeline/models"
	"github.com/upb/audit-pipeline/services"
	"github.com/upb/audit-pipeline/services/search"
	"go.uber.org/zap"
)

var passTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeStore keeps occurred_at values per tenant
type fakeStore struct {
	mu         sync.Mutex
	events     map[string][]time.Time
	failTenant map[string]bool
	listErr    error
	compactErr error
	compacted  [][2]time.Time
	passes     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{events: map[string][]time.Time{}, failTenant: map[string]bool{}}
}

func (s *fakeStore) add(tenantID string, age time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[tenantID] = append(s.events[tenantID], passTime.Add(-age))
}

func (s *fakeStore) count(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[tenantID])
}

func (s *fakeStore) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.passes++
	if s.listErr != nil {
		return nil, s.listErr
	}
	var tenants []string
	for t := range s.events {
		tenants = append(tenants, t)
	}
	return tenants, nil
}

func (s *fakeStore) DeleteBefore(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failTenant[tenantID] {
		return 0, errors.New("lock timeout")
	}
	var kept []time.Time
	var deleted int64
	for _, at := range s.events[tenantID] {
		if at.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, at)
	}
	s.events[tenantID] = kept
	return deleted, nil
}

func (s *fakeStore) Compact(ctx context.Context, olderThan, newerThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.compacted = append(s.compacted, [2]time.Time{olderThan, newerThan})
	if s.compactErr != nil {
		return 0, s.compactErr
	}
	return 2, nil
}

type failingPruner struct{}

func (failingPruner) Delete(ctx context.Context, tenantID string, before time.Time) (int64, error) {
	return 0, errors.New("search cluster unavailable")
}

func newTestManager(store *fakeStore, pruner Pruner, metrics *observability.Metrics, cfg Config) *Manager {
	m := NewManager(store, pruner, metrics, zap.NewNop(), cfg)
	m.now = func() time.Time { return passTime }
	return m
}

func writeOverrides(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestManager_EvictsOnlyOutsideWindow(t *testing.T) {
	store := newFakeStore()
	store.add("tenant-a", 91*day)
	store.add("tenant-a", 89*day)
	store.add("tenant-a", time.Hour)

	backend := search.NewMemoryBackend()
	for _, age := range []time.Duration{91 * day, 89 * day} {
		e := models.NewAuditEvent("tenant-a", "login")
		e.OccurredAt = passTime.Add(-age)
		require.NoError(t, backend.Upsert(context.Background(), search.NewDocument(e)))
	}

	metrics := observability.NewNopMetrics()
	m := newTestManager(store, backend, metrics, Config{Default: Window{RetentionDays: 90, CompressionIntervalDays: 30}})

	report := m.RunOnce(context.Background())

	assert.Equal(t, 2, store.count("tenant-a"))
	assert.Equal(t, int64(1), report.RowsEvicted)
	require.Len(t, report.Tenants, 1)
	assert.Equal(t, passTime.Add(-90*day), report.Tenants[0].Cutoff)
	assert.Equal(t, int64(1), report.Tenants[0].SearchDeleted)
	assert.Equal(t, 1, backend.Len())
	assert.Empty(t, report.Failures())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RetentionRowsEvicted))
	assert.Equal(t, float64(passTime.Unix()), testutil.ToFloat64(metrics.RetentionLastRunUnix))
}

func TestManager_TenantFailureIsIsolated(t *testing.T) {
	store := newFakeStore()
	store.add("tenant-a", 100*day)
	store.add("tenant-b", 100*day)
	store.add("tenant-c", 100*day)
	store.failTenant["tenant-b"] = true

	metrics := observability.NewNopMetrics()
	m := newTestManager(store, nil, metrics, Config{})

	report := m.RunOnce(context.Background())

	assert.Zero(t, store.count("tenant-a"))
	assert.Equal(t, 1, store.count("tenant-b"))
	assert.Zero(t, store.count("tenant-c"))

	failed := report.Failures()
	require.Len(t, failed, 1)
	assert.Equal(t, "tenant-b", failed[0].TenantID)
	assert.True(t, services.IsRetentionFailureError(failed[0].Err))
	assert.Equal(t, "tenant-b", services.GetErrorDetails(failed[0].Err)["tenant_id"])

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RetentionFailures))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RetentionRowsEvicted))
	assert.Equal(t, 2, report.ChunksCompacted)
}

func TestManager_SearchPruneFailureIsBestEffort(t *testing.T) {
	store := newFakeStore()
	store.add("tenant-a", 100*day)

	m := newTestManager(store, failingPruner{}, nil, Config{})
	report := m.RunOnce(context.Background())

	assert.Zero(t, store.count("tenant-a"))
	assert.Empty(t, report.Failures())
}

func TestManager_OverridesAreReadEveryPass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention.yaml")
	writeOverrides(t, path, `
tenants:
  tenant-a:
    retention_days: 365
    compression_interval_days: 60
`)

	store := newFakeStore()
	store.add("tenant-a", 200*day)
	store.add("tenant-b", 200*day)

	m := newTestManager(store, nil, nil, Config{
		Default:       Window{RetentionDays: 90, CompressionIntervalDays: 30},
		OverridesFile: path,
	})

	report := m.RunOnce(context.Background())
	require.NoError(t, report.OverridesErr)
	assert.Equal(t, 1, store.count("tenant-a"))
	assert.Zero(t, store.count("tenant-b"))

	// compaction spans the shortest compression interval to the longest retention
	require.Len(t, store.compacted, 1)
	assert.Equal(t, passTime.Add(-30*day), store.compacted[0][0])
	assert.Equal(t, passTime.Add(-365*day), store.compacted[0][1])

	writeOverrides(t, path, `
tenants:
  tenant-a:
    retention_days: 180
`)

	report = m.RunOnce(context.Background())
	require.NoError(t, report.OverridesErr)
	assert.Zero(t, store.count("tenant-a"))
	assert.Equal(t, passTime.Add(-180*day), store.compacted[1][1])
}

func TestManager_UnreadableOverridesFallBackToDefaults(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "tenants: [not a map"},
		{"invalid window", "tenants:\n  tenant-a:\n    retention_days: 10\n    compression_interval_days: 20\n"},
		{"invalid tenant id", "tenants:\n  \"bad tenant\":\n    retention_days: 10\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "retention.yaml")
			writeOverrides(t, path, tt.content)

			store := newFakeStore()
			store.add("tenant-a", 95*day)

			m := newTestManager(store, nil, nil, Config{OverridesFile: path})
			report := m.RunOnce(context.Background())

			assert.Error(t, report.OverridesErr)
			assert.Zero(t, store.count("tenant-a"))
		})
	}

	t.Run("missing file", func(t *testing.T) {
		store := newFakeStore()
		store.add("tenant-a", 95*day)

		m := newTestManager(store, nil, nil, Config{OverridesFile: filepath.Join(t.TempDir(), "absent.yaml")})
		report := m.RunOnce(context.Background())

		assert.Error(t, report.OverridesErr)
		assert.Zero(t, store.count("tenant-a"))
	})
}

func TestManager_OverrideOnlyTenantIsVisited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention.yaml")
	writeOverrides(t, path, "tenants:\n  tenant-z:\n    retention_days: 7\n")

	store := newFakeStore()
	m := newTestManager(store, nil, nil, Config{OverridesFile: path})

	report := m.RunOnce(context.Background())
	require.Len(t, report.Tenants, 1)
	assert.Equal(t, "tenant-z", report.Tenants[0].TenantID)
	assert.Equal(t, passTime.Add(-7*day), report.Tenants[0].Cutoff)
}

func TestManager_ListAndCompactFailures(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("connection refused")
	store.compactErr = errors.New("compress_chunk failed")

	metrics := observability.NewNopMetrics()
	m := newTestManager(store, nil, metrics, Config{})

	report := m.RunOnce(context.Background())

	assert.Empty(t, report.Tenants)
	assert.Error(t, report.CompactErr)
	assert.Zero(t, report.ChunksCompacted)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RetentionFailures))
}

func TestManager_StartRunsImmediatelyAndStops(t *testing.T) {
	store := newFakeStore()
	m := newTestManager(store, nil, nil, Config{Interval: time.Hour})

	require.NoError(t, m.Start(context.Background()))
	assert.Error(t, m.Start(context.Background()))

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.passes == 1
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}

func TestLoadOverrides(t *testing.T) {
	def := Window{RetentionDays: 90, CompressionIntervalDays: 30}

	t.Run("empty path", func(t *testing.T) {
		windows, err := LoadOverrides("", def)
		require.NoError(t, err)
		assert.Empty(t, windows)
	})

	t.Run("inherits missing fields", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "retention.yaml")
		writeOverrides(t, path, `
tenants:
  long:
    retention_days: 400
  short:
    retention_days: 10
  compress:
    compression_interval_days: 5
`)

		windows, err := LoadOverrides(path, def)
		require.NoError(t, err)
		assert.Equal(t, Window{RetentionDays: 400, CompressionIntervalDays: 30}, windows["long"])
		assert.Equal(t, Window{RetentionDays: 10, CompressionIntervalDays: 10}, windows["short"])
		assert.Equal(t, Window{RetentionDays: 90, CompressionIntervalDays: 5}, windows["compress"])
	})
}

func TestWindow_Validate(t *testing.T) {
	tests := []struct {
		name    string
		window  Window
		wantErr bool
	}{
		{"valid", Window{RetentionDays: 90, CompressionIntervalDays: 30}, false},
		{"equal", Window{RetentionDays: 30, CompressionIntervalDays: 30}, false},
		{"zero retention", Window{RetentionDays: 0, CompressionIntervalDays: 0}, true},
		{"compression above retention", Window{RetentionDays: 10, CompressionIntervalDays: 11}, true},
		{"zero compression", Window{RetentionDays: 10}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.window.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
