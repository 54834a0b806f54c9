package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "audit"

// Drop reasons for BroadcastDropped
const (
	DropReasonOldest       = "drop_oldest"
	DropReasonSlowConsumer = "slow_consumer"
	DropReasonRelayFull    = "relay_full"
)

// Indexing outcomes for IndexingOutcomes
const (
	OutcomeIndexed        = "indexed"
	OutcomeMissing        = "missing"
	OutcomeRetry          = "retry"
	OutcomeTenantMismatch = "tenant_mismatch"
)

// Metrics holds all Prometheus metrics for the pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsIngested       *prometheus.CounterVec
	IngestFailures       *prometheus.CounterVec
	EnqueueDropped       prometheus.Counter
	BroadcastDropped     *prometheus.CounterVec
	HubSubscriptions     prometheus.Gauge
	IndexingOutcomes     *prometheus.CounterVec
	IndexDeadLettered    prometheus.Counter
	RetentionRowsEvicted prometheus.Counter
	RetentionFailures    prometheus.Counter
	RetentionChunks      prometheus.Counter
	RetentionLastRunUnix prometheus.Gauge
}

// NewMetrics registers every collector on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Events durably stored, partitioned by severity.",
			},
			[]string{"severity"},
		),
		IngestFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "failures_total",
				Help:      "Rejected or failed submissions partitioned by error type.",
			},
			[]string{"type"},
		),
		EnqueueDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "enqueue_dropped_total",
				Help:      "Indexing tasks that could not be enqueued after the event was stored.",
			},
		),
		BroadcastDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "dropped_total",
				Help:      "Live broadcast deliveries dropped, partitioned by reason.",
			},
			[]string{"reason"},
		),
		HubSubscriptions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "broadcast",
				Name:      "subscriptions",
				Help:      "Currently open live subscriptions across all tenants.",
			},
		),
		IndexingOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "tasks_total",
				Help:      "Indexing task outcomes.",
			},
			[]string{"outcome"},
		),
		IndexDeadLettered: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "dead_lettered_total",
				Help:      "Indexing tasks moved to the dead-letter sink after exhausting attempts.",
			},
		),
		RetentionRowsEvicted: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retention",
				Name:      "rows_evicted_total",
				Help:      "Events deleted by retention passes.",
			},
		),
		RetentionFailures: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retention",
				Name:      "failures_total",
				Help:      "Per-tenant retention deletes that failed.",
			},
		),
		RetentionChunks: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retention",
				Name:      "chunks_compacted_total",
				Help:      "Storage chunks compacted after retention passes.",
			},
		),
		RetentionLastRunUnix: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "retention",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent retention pass.",
			},
		),
	}
}

// NewNopMetrics returns metrics backed by a private registry, for tests and tools
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) IncIngested(severity string) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(severity).Inc()
}

func (m *Metrics) IncIngestFailure(errType string) {
	if m == nil {
		return
	}
	m.IngestFailures.WithLabelValues(errType).Inc()
}

func (m *Metrics) IncEnqueueDropped() {
	if m == nil {
		return
	}
	m.EnqueueDropped.Inc()
}

func (m *Metrics) IncBroadcastDropped(reason string) {
	if m == nil {
		return
	}
	m.BroadcastDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.HubSubscriptions.Set(float64(n))
}

func (m *Metrics) IncIndexingOutcome(outcome string) {
	if m == nil {
		return
	}
	m.IndexingOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncDeadLettered() {
	if m == nil {
		return
	}
	m.IndexDeadLettered.Inc()
}

func (m *Metrics) AddRowsEvicted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionRowsEvicted.Add(float64(n))
}

func (m *Metrics) IncRetentionFailure() {
	if m == nil {
		return
	}
	m.RetentionFailures.Inc()
}

func (m *Metrics) AddChunksCompacted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionChunks.Add(float64(n))
}

func (m *Metrics) SetRetentionLastRun(unix int64) {
	if m == nil {
		return
	}
	m.RetentionLastRunUnix.Set(float64(unix))
}
