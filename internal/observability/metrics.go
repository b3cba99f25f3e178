package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

// Metrics holds all Prometheus metrics for the IRMA ledger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreEntries        *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Reserve Ledger ---
	Redemptions          *prometheus.CounterVec
	RedeemedSupply       *prometheus.CounterVec
	MintedSupply         *prometheus.CounterVec
	AssetReserve         *prometheus.GaugeVec
	AssetCirculation     *prometheus.GaugeVec
	AssetMintPrice       *prometheus.GaugeVec
	AssetRedemptionPrice *prometheus.GaugeVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    prometheus.Counter
	PublishDrops       prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupTier2Errors      prometheus.Counter
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten  prometheus.Counter
	PersistEntriesWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Projection & Query API ---
	ProjectionUpdateDur prometheus.Histogram
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
}

// NewMetrics registers every metric on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_core_events_applied_total",
			Help: "Events accepted and applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_core_events_rejected_total",
			Help: "Events rejected (dedup, ordering, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "irma_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_core_entries_generated_total",
			Help: "Journal entries generated",
		}, []string{"entry_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "irma_core_sequence",
			Help: "Current global sequence number",
		}),

		Redemptions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_redemptions_total",
			Help: "Accepted redemptions by regime and path",
		}, []string{"regime", "path"}),

		RedeemedSupply: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_redeemed_supply_total",
			Help: "IRMA supply burned, by asset",
		}, []string{"asset"}),

		MintedSupply: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_minted_supply_total",
			Help: "IRMA supply issued, by asset",
		}, []string{"asset"}),

		AssetReserve: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "irma_asset_reserve",
			Help: "Reserve held per backing asset, native units",
		}, []string{"asset"}),

		AssetCirculation: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "irma_asset_circulation",
			Help: "IRMA in circulation per backing asset",
		}, []string{"asset"}),

		AssetMintPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "irma_asset_mint_price",
			Help: "Target mint price per backing asset",
		}, []string{"asset"}),

		AssetRedemptionPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "irma_asset_redemption_price",
			Help: "Reserve / circulation per backing asset",
		}, []string{"asset"}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "irma_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "irma_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "irma_channel_utilization",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "irma_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "irma_publish_drops_total",
			Help: "Outbound NATS publishes that failed",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_idempotency_duplicates_total",
			Help: "Duplicate events detected",
		}, []string{"tier"}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "irma_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_event_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_event_out_of_order_total",
			Help: "Out-of-order source events detected",
		}, []string{"partition"}),

		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_ingest_messages_total",
			Help: "Inbound messages by source and outcome",
		}, []string{"source", "outcome"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "irma_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistEntriesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "irma_persist_entries_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "irma_persist_batch_size",
			Help:    "Events per persistence flush",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "irma_persist_batch_duration_seconds",
			Help:    "Time to write one persistence flush",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"kind"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "irma_persist_retry_total",
			Help: "Persistence flush retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "irma_persist_last_sequence",
			Help: "Last sequence durably written",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "irma_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "irma_snapshot_duration_seconds",
			Help:    "Time to write a snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "irma_snapshot_size_bytes",
			Help: "Size of the latest snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "irma_snapshot_last_sequence",
			Help: "Sequence of the latest snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "irma_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		ProjectionUpdateDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "irma_projection_update_duration_seconds",
			Help:    "Time to update projections for one output",
			Buckets: prometheus.DefBuckets,
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "irma_query_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "code"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "irma_query_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
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

// SetAssetState publishes one asset's ledger values. Float conversion is for
// display only.
func (m *Metrics) SetAssetState(asset string, reserve, circulation uint64, mintPrice, redemptionPrice decimal.Decimal) {
	m.AssetReserve.WithLabelValues(asset).Set(float64(reserve))
	m.AssetCirculation.WithLabelValues(asset).Set(float64(circulation))
	m.AssetMintPrice.WithLabelValues(asset).Set(mintPrice.InexactFloat64())
	m.AssetRedemptionPrice.WithLabelValues(asset).Set(redemptionPrice.InexactFloat64())
}
