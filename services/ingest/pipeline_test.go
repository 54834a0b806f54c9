package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/audit-pipeline/internal/observability"
	"github.com/upb/audit-pipeline/repositories"
	"github.com/upb/audit-pipeline/services/broadcast"
	"github.com/upb/audit-pipeline/services/indexer"
	"github.com/upb/audit-pipeline/services/queue"
	"github.com/upb/audit-pipeline/services/search"
	"go.uber.org/zap"
)

// switchableBackend fails every write while offline is set
type switchableBackend struct {
	*search.MemoryBackend
	offline atomic.Bool
}

func (b *switchableBackend) Upsert(ctx context.Context, doc search.Document) error {
	if b.offline.Load() {
		return errors.New("connection refused")
	}
	return b.MemoryBackend.Upsert(ctx, doc)
}

type pipeline struct {
	store       *memStore
	queue       *queue.MemoryQueue
	backend     *switchableBackend
	hub         *broadcast.Hub
	coordinator *Coordinator
	indexer     *indexer.Indexer
	metrics     *observability.Metrics
}

func newPipeline(t *testing.T, hubCfg broadcast.Config) *pipeline {
	t.Helper()

	metrics := observability.NewNopMetrics()
	logger := zap.NewNop()
	p := &pipeline{
		store: &memStore{},
		queue: queue.NewMemoryQueue(queue.Config{
			MaxAttempts:       50,
			InitialDelay:      5 * time.Millisecond,
			MaxDelay:          20 * time.Millisecond,
			Multiplier:        2,
			VisibilityTimeout: time.Minute,
			PollWait:          10 * time.Millisecond,
		}, logger, metrics),
		backend: &switchableBackend{MemoryBackend: search.NewMemoryBackend()},
		hub:     broadcast.NewHub(hubCfg, metrics, logger),
		metrics: metrics,
	}
	p.coordinator = NewCoordinator(p.store, p.queue, p.hub, metrics, logger, Config{})
	p.indexer = indexer.New(p.store, p.queue, p.backend, metrics, logger, indexer.Config{Workers: 2, BatchSize: 10})

	require.NoError(t, p.coordinator.Start())
	require.NoError(t, p.indexer.Start(context.Background()))
	t.Cleanup(func() {
		_ = p.coordinator.Stop(time.Second)
		_ = p.indexer.Stop(time.Second)
		p.hub.Close()
		_ = p.queue.Close()
	})

	return p
}

func (p *pipeline) searchFor(t *testing.T, tenantID, text string) *search.Result {
	t.Helper()
	result, err := p.backend.Search(context.Background(), tenantID, search.Query{Text: text})
	require.NoError(t, err)
	return result
}

func TestPipeline_SubmitThenQueryThenSearch(t *testing.T) {
	p := newPipeline(t, broadcast.DefaultConfig())

	req := loginRequest("tenant-a")
	req.Message = "password accepted"
	event, err := p.coordinator.Submit(context.Background(), req)
	require.NoError(t, err)

	// the store is authoritative as soon as Submit returns
	page, err := p.store.Query(context.Background(), "tenant-a", repositories.EventFilter{}, repositories.Page{})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, event.ID, page.Events[0].ID)

	assert.Eventually(t, func() bool {
		result := p.searchFor(t, "tenant-a", "password")
		return result.Total == 1 && result.Hits[0].ID == event.ID.String()
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, p.searchFor(t, "tenant-b", "").Total)
}

func TestPipeline_SearchCatchesUpAfterBackendOutage(t *testing.T) {
	p := newPipeline(t, broadcast.DefaultConfig())
	p.backend.offline.Store(true)

	event, err := p.coordinator.Submit(context.Background(), loginRequest("tenant-a"))
	require.NoError(t, err)

	_, err = p.store.GetByID(context.Background(), "tenant-a", event.ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(p.metrics.IndexingOutcomes.WithLabelValues(observability.OutcomeRetry)) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, p.backend.Len())

	p.backend.offline.Store(false)

	assert.Eventually(t, func() bool {
		_, ok := p.backend.Get(event.ID.String())
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, p.queue.DeadLetters())
}

func TestPipeline_LiveFeedIsTenantScoped(t *testing.T) {
	p := newPipeline(t, broadcast.DefaultConfig())

	subA, err := p.hub.Subscribe("tenant-a", broadcast.Filter{})
	require.NoError(t, err)
	subB, err := p.hub.Subscribe("tenant-b", broadcast.Filter{})
	require.NoError(t, err)

	eventA, err := p.coordinator.Submit(context.Background(), loginRequest("tenant-a"))
	require.NoError(t, err)

	select {
	case got := <-subA.Events():
		assert.Equal(t, eventA.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("tenant-a subscriber got nothing")
	}

	select {
	case got := <-subB.Events():
		t.Fatalf("tenant-b subscriber received %s", got.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPipeline_SlowSubscriberDoesNotSlowIngestion(t *testing.T) {
	hubCfg := broadcast.DefaultConfig()
	hubCfg.BufferSize = 50
	hubCfg.OverflowPolicy = broadcast.OverflowDropOldest
	p := newPipeline(t, hubCfg)

	// never read from
	slow, err := p.hub.Subscribe("tenant-a", broadcast.Filter{})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		req := loginRequest("tenant-a")
		req.Message = fmt.Sprintf("event %d", i)
		_, err := p.coordinator.Submit(context.Background(), req)
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 5*time.Second)
	assert.Equal(t, 1000, p.store.len())
	assert.Len(t, slow.Events(), 50)
	assert.Equal(t, int64(950), slow.Dropped())
	assert.Equal(t, 950.0, testutil.ToFloat64(p.metrics.BroadcastDropped.WithLabelValues(observability.DropReasonOldest)))

	// the buffered events are the newest ones
	var last string
	for len(slow.Events()) > 0 {
		last = (<-slow.Events()).Message
	}
	assert.Equal(t, "event 999", last)
}
