package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds every Prometheus instrument the pipeline exports. One instance
// is created per process and registered on a private registry so tests can
// construct as many as they need without collisions.
type Metrics struct {
	registry *prometheus.Registry

	// Connector / normalizer.
	RawMessages       *prometheus.CounterVec
	MalformedMessages *prometheus.CounterVec
	RecordsNormalized *prometheus.CounterVec
	RecordsRejected   *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	RateLimitWaits    *prometheus.CounterVec

	// Order-book manager.
	BookSyncState     *prometheus.GaugeVec
	BookResyncs       *prometheus.CounterVec
	BookStaleDiscards *prometheus.CounterVec
	BookEmits         *prometheus.CounterVec

	// Publisher.
	Published        *prometheus.CounterVec
	PublishRetries   *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	FallbackQueued   prometheus.Counter
	FallbackDropped  prometheus.Counter
	FallbackDepth    prometheus.Gauge
	PublishAckLag    prometheus.Histogram
	SubjectRejected  prometheus.Counter

	// Consumer / storage.
	BatchesInserted *prometheus.CounterVec
	RowsInserted    *prometheus.CounterVec
	InsertErrors    *prometheus.CounterVec
	InsertFallbacks prometheus.Counter
	SpoolWrites     *prometheus.CounterVec
	SpoolDrained    *prometheus.CounterVec
	SpoolBacklog    prometheus.Gauge
	ConsumerBacklog *prometheus.GaugeVec
	AcksCommitted   *prometheus.CounterVec

	// Replicator.
	ReplicationLag     *prometheus.GaugeVec
	WindowsCopied      *prometheus.CounterVec
	WindowRetries      *prometheus.CounterVec
	RowsReplicated     *prometheus.CounterVec
	HotRowsDeleted     *prometheus.CounterVec

	// Error accounting across all components.
	ErrorsByKind *prometheus.CounterVec
}

// NewMetrics constructs and registers the full instrument set for a process.
func NewMetrics(process string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	constLabels := prometheus.Labels{"process": process}

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name, Help: help, ConstLabels: constLabels,
		}, labels)
		registry.MustRegister(v)
		return v
	}
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Name: name, Help: help, ConstLabels: constLabels,
		})
		registry.MustRegister(c)
		return c
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name, Help: help, ConstLabels: constLabels,
		}, labels)
		registry.MustRegister(v)
		return v
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: name, Help: help, ConstLabels: constLabels,
		})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		registry: registry,

		RawMessages:       counterVec("raw_messages_total", "Raw exchange messages received.", "exchange", "market_type"),
		MalformedMessages: counterVec("malformed_messages_total", "Raw messages dropped as malformed.", "exchange"),
		RecordsNormalized: counterVec("records_normalized_total", "Canonical records produced by the normalizer.", "exchange", "data_type"),
		RecordsRejected:   counterVec("records_rejected_total", "Records rejected by schema validation.", "exchange", "data_type"),
		Reconnects:        counterVec("ws_reconnects_total", "WebSocket reconnect attempts.", "exchange"),
		RateLimitWaits:    counterVec("rate_limit_waits_total", "Requests delayed by the token bucket.", "exchange"),

		BookSyncState:     gaugeVec("orderbook_sync_state", "Order-book state machine position (0 unsynced .. 3 synced).", "exchange", "symbol"),
		BookResyncs:       counterVec("orderbook_resync_total", "Order-book re-synchronisations forced by gaps or checksum mismatches.", "exchange", "symbol"),
		BookStaleDiscards: counterVec("orderbook_stale_discards_total", "Buffered updates discarded as stale.", "exchange", "symbol"),
		BookEmits:         counterVec("orderbook_emits_total", "Order-book snapshots emitted downstream.", "exchange", "symbol"),

		Published:       counterVec("published_total", "Messages acknowledged by JetStream.", "data_type"),
		PublishRetries:  counterVec("publish_retries_total", "Publish attempts beyond the first.", "data_type"),
		PublishFailures: counterVec("publish_failures_total", "Publishes exhausted after all retries.", "data_type"),
		FallbackQueued:  counter("publish_fallback_queued_total", "Records diverted to the fallback queue."),
		FallbackDropped: counter("publish_fallback_dropped_total", "Oldest records dropped on fallback queue overflow."),
		FallbackDepth:   gauge("publish_fallback_depth", "Current fallback queue depth."),
		PublishAckLag: func() prometheus.Histogram {
			h := prometheus.NewHistogram(prometheus.HistogramOpts{
				Name: "publish_ack_seconds", Help: "Publish-to-ack latency.", ConstLabels: constLabels,
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
			})
			registry.MustRegister(h)
			return h
		}(),
		SubjectRejected: counter("publish_subject_rejected_total", "Records whose coordinates produced no canonical subject."),

		BatchesInserted: counterVec("batches_inserted_total", "Batches persisted into ClickHouse.", "table"),
		RowsInserted:    counterVec("rows_inserted_total", "Rows persisted into ClickHouse.", "table"),
		InsertErrors:    counterVec("insert_errors_total", "Failed ClickHouse insert attempts.", "table"),
		InsertFallbacks: counter("insert_http_fallbacks_total", "Inserts that fell back from native to HTTP."),
		SpoolWrites:     counterVec("spool_writes_total", "Batches written to the local spool.", "table"),
		SpoolDrained:    counterVec("spool_drained_total", "Spooled batches re-inserted after recovery.", "table"),
		SpoolBacklog:    gauge("spool_backlog_batches", "Spooled batches awaiting drain."),
		ConsumerBacklog: gaugeVec("consumer_pending_messages", "JetStream pending messages per durable consumer.", "data_type"),
		AcksCommitted:   counterVec("acks_committed_total", "JetStream messages acknowledged after persistence.", "data_type"),

		ReplicationLag: gaugeVec("replication_lag_seconds", "Age of the oldest unreplicated window per table.", "table"),
		WindowsCopied:  counterVec("replication_windows_total", "Windows copied hot to cold.", "table"),
		WindowRetries:  counterVec("replication_window_retries_total", "Window copies retried after failure.", "table"),
		RowsReplicated: counterVec("replication_rows_total", "Rows copied hot to cold.", "table"),
		HotRowsDeleted: counterVec("replication_hot_deletes_total", "Hot rows deleted after successful copy.", "table"),

		ErrorsByKind: counterVec("errors_total", "Errors by kind and component.", "kind", "component"),
	}
	return m
}

// Registry exposes the process registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
