package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for Percolator.
type Metrics struct {
	// --- Snapshot processing ---
	SnapshotsProcessed      *prometheus.CounterVec
	SnapshotProcessDuration prometheus.Histogram
	SnapshotSequence        prometheus.Gauge
	SnapshotSizeBytes       *prometheus.GaugeVec
	EventsEmitted           *prometheus.CounterVec
	SlotGaps                *prometheus.CounterVec
	LastSlot                *prometheus.GaugeVec

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	IngestToApply  prometheus.Histogram
	FetchLag       prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	DedupDuplicates   *prometheus.CounterVec
	DedupLRUSize      prometheus.Gauge
	DedupLRUEvictions prometheus.Gauge

	// --- Market risk ---
	LiquidationCandidates *prometheus.GaugeVec
	LiquidationTriggered  *prometheus.CounterVec
	LiquidationCleared    *prometheus.CounterVec
	InsuranceBalance      *prometheus.GaugeVec
	OpenInterest          *prometheus.GaugeVec
	FundingRateBpsSlot    *prometheus.GaugeVec
	CrankStale            *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten    prometheus.Counter
	PersistSnapshotsWritten prometheus.Counter
	PersistBatchSize        prometheus.Histogram
	PersistBatchDur         prometheus.Histogram
	PersistErrors           *prometheus.CounterVec
	PersistRetry            prometheus.Counter
	PersistLastSequence     prometheus.Gauge
	CheckpointsTaken        prometheus.Counter

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionErrors    *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
	WSClients     prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. Passing
// prometheus.DefaultRegisterer exposes them on the default /metrics handler;
// tests pass a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	processBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025,
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}
	dbBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	return &Metrics{
		SnapshotsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_snapshots_processed_total",
			Help: "Slab snapshots handled by the processor, by outcome",
		}, []string{"outcome"}),

		SnapshotProcessDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolator_snapshot_process_duration_seconds",
			Help:    "Time to decode, diff and hash one snapshot",
			Buckets: processBuckets,
		}),

		SnapshotSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_snapshot_sequence",
			Help: "Sequence number of the last processed snapshot",
		}),

		SnapshotSizeBytes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_snapshot_size_bytes",
			Help: "Size of the last processed slab snapshot",
		}, []string{"slab"}),

		EventsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_events_emitted_total",
			Help: "Events derived from snapshot diffs",
		}, []string{"event_type"}),

		SlotGaps: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_slot_gap_slots_total",
			Help: "Slots skipped between consecutive snapshots",
		}, []string{"slab"}),

		LastSlot: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_last_slot",
			Help: "Last accepted snapshot slot per slab",
		}, []string{"slab"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_ingest_messages_total",
			Help: "Snapshot messages received, by source and result",
		}, []string{"source", "result"}),

		IngestToApply: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolator_ingest_to_apply_seconds",
			Help:    "Message receive to processor completion",
			Buckets: processBuckets,
		}),

		FetchLag: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolator_fetch_lag_seconds",
			Help:    "Snapshot fetch time to processor completion",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_channel_utilization",
			Help: "Channel size divided by capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_publish_drops_total",
			Help: "Events that could not be published to NATS",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_persist_backpressure_total",
			Help: "Times the processor blocked on a full persist channel",
		}),

		DedupDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_dedup_duplicates_total",
			Help: "Duplicate snapshots detected, by tier",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_dedup_lru_size",
			Help: "Entries in the snapshot dedup LRU",
		}),

		DedupLRUEvictions: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_dedup_lru_evictions",
			Help: "Entries evicted from the snapshot dedup LRU since start",
		}),

		LiquidationCandidates: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_liquidation_candidates",
			Help: "Accounts below maintenance margin in the last snapshot",
		}, []string{"slab"}),

		LiquidationTriggered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_liquidation_triggered_total",
			Help: "Liquidation episodes started",
		}, []string{"slab"}),

		LiquidationCleared: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_liquidation_cleared_total",
			Help: "Liquidation episodes ended",
		}, []string{"slab"}),

		InsuranceBalance: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_insurance_balance",
			Help: "Insurance fund balance in collateral units",
		}, []string{"slab"}),

		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_open_interest",
			Help: "Total open interest in position units",
		}, []string{"slab"}),

		FundingRateBpsSlot: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_funding_rate_bps_per_slot",
			Help: "Current funding rate",
		}, []string{"slab"}),

		CrankStale: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "percolator_crank_stale",
			Help: "1 when the keeper crank is older than the staleness window",
		}, []string{"slab"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistSnapshotsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_persist_snapshots_written_total",
			Help: "Snapshot rows written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolator_persist_batch_size",
			Help:    "Outputs per persistence batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "percolator_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence batch",
			Buckets: dbBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_persist_last_sequence",
			Help: "Last snapshot sequence committed to Postgres",
		}),

		CheckpointsTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "percolator_checkpoints_taken_total",
			Help: "Market checkpoints saved",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percolator_projection_update_duration_seconds",
			Help:    "Time to apply one output to a projection",
			Buckets: dbBuckets,
		}, []string{"projection"}),

		ProjectionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_projection_errors_total",
			Help: "Projection update failures",
		}, []string{"projection"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_query_requests_total",
			Help: "Query API requests",
		}, []string{"method", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "percolator_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: dbBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "percolator_query_errors_total",
			Help: "Query API errors",
		}, []string{"method", "error_type"}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "percolator_ws_clients",
			Help: "Connected websocket subscribers",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
