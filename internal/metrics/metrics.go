package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ParserMetrics contains metrics for report parsing
type ParserMetrics struct {
	ParsedReportsTotal   *prometheus.CounterVec
	ParseFailuresTotal   *prometheus.CounterVec
	ParseDurationSeconds *prometheus.HistogramVec
	ReportSizeBytes      prometheus.Histogram
}

// WatcherMetrics contains metrics for the mailbox watcher
type WatcherMetrics struct {
	ConnectionAttemptsTotal *prometheus.CounterVec
	MessagesProcessedTotal  *prometheus.CounterVec
	ReconcileErrorsTotal    prometheus.Counter
	BatchSizeMessages       prometheus.Histogram
	LastFetchTimestamp      prometheus.Gauge
}

// EnrichmentMetrics contains metrics for the enrichment cache
type EnrichmentMetrics struct {
	LookupsTotal *prometheus.CounterVec
	CacheHits    *prometheus.CounterVec
}

// NewParserMetrics creates new parser metrics
func NewParserMetrics() *ParserMetrics {
	m := &ParserMetrics{
		ParsedReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmarcwatch_parser_reports_total",
				Help: "Total number of reports parsed",
			},
			[]string{"type", "source"},
		),
		ParseFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmarcwatch_parser_failures_total",
				Help: "Total number of parsing failures",
			},
			[]string{"type", "source", "reason"},
		),
		ParseDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dmarcwatch_parser_duration_seconds",
				Help:    "Time spent parsing reports",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"type", "source"},
		),
		ReportSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dmarcwatch_parser_report_size_bytes",
				Help:    "Size of parsed reports in bytes",
				Buckets: []float64{1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
			},
		),
	}

	mustRegister(
		m.ParsedReportsTotal,
		m.ParseFailuresTotal,
		m.ParseDurationSeconds,
		m.ReportSizeBytes,
	)

	return m
}

// NewWatcherMetrics creates new mailbox watcher metrics
func NewWatcherMetrics() *WatcherMetrics {
	m := &WatcherMetrics{
		ConnectionAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmarcwatch_mailbox_connections_total",
				Help: "Total number of mailbox connection attempts",
			},
			[]string{"status"},
		),
		MessagesProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmarcwatch_mailbox_messages_total",
				Help: "Total number of mailbox messages reaching a terminal outcome",
			},
			[]string{"outcome"},
		),
		ReconcileErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dmarcwatch_mailbox_reconcile_errors_total",
				Help: "Total number of per-message move/delete errors during reconciliation",
			},
		),
		BatchSizeMessages: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dmarcwatch_mailbox_batch_size_messages",
				Help:    "Number of messages discovered per fetch cycle",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
			},
		),
		LastFetchTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dmarcwatch_mailbox_last_fetch_timestamp_seconds",
				Help: "Timestamp of the last fetch cycle",
			},
		),
	}

	mustRegister(
		m.ConnectionAttemptsTotal,
		m.MessagesProcessedTotal,
		m.ReconcileErrorsTotal,
		m.BatchSizeMessages,
		m.LastFetchTimestamp,
	)

	return m
}

// NewEnrichmentMetrics creates new enrichment cache metrics
func NewEnrichmentMetrics() *EnrichmentMetrics {
	m := &EnrichmentMetrics{
		LookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmarcwatch_enrichment_lookups_total",
				Help: "Total number of underlying enrichment lookups",
			},
			[]string{"kind", "status"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmarcwatch_enrichment_cache_hits_total",
				Help: "Total number of enrichment cache hits",
			},
			[]string{"kind"},
		),
	}

	mustRegister(m.LookupsTotal, m.CacheHits)

	return m
}

// mustRegister registers collectors, tolerating duplicates so tests can
// construct metrics more than once per process.
func mustRegister(collectors ...prometheus.Collector) {
	registry := prometheus.DefaultRegisterer
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

// RecordParseSuccess records a successful parse
func (m *ParserMetrics) RecordParseSuccess(reportType, source string, duration float64, size int) {
	m.ParsedReportsTotal.WithLabelValues(reportType, source).Inc()
	m.ParseDurationSeconds.WithLabelValues(reportType, source).Observe(duration)
	m.ReportSizeBytes.Observe(float64(size))
}

// RecordParseFailure records a parse failure
func (m *ParserMetrics) RecordParseFailure(reportType, source, reason string, duration float64, size int) {
	m.ParseFailuresTotal.WithLabelValues(reportType, source, reason).Inc()
	m.ParseDurationSeconds.WithLabelValues(reportType, source).Observe(duration)
	m.ReportSizeBytes.Observe(float64(size))
}

// RecordConnection records a mailbox connection attempt
func (m *WatcherMetrics) RecordConnection(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.ConnectionAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordOutcome records a message reaching a terminal outcome
func (m *WatcherMetrics) RecordOutcome(outcome string) {
	m.MessagesProcessedTotal.WithLabelValues(outcome).Inc()
}

// RecordBatch records the size of a discovered batch
func (m *WatcherMetrics) RecordBatch(size int) {
	m.BatchSizeMessages.Observe(float64(size))
	m.LastFetchTimestamp.SetToCurrentTime()
}

// RecordLookup records an underlying enrichment lookup
func (m *EnrichmentMetrics) RecordLookup(kind string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.LookupsTotal.WithLabelValues(kind, status).Inc()
}

// RecordCacheHit records an enrichment cache hit
func (m *EnrichmentMetrics) RecordCacheHit(kind string) {
	m.CacheHits.WithLabelValues(kind).Inc()
}
