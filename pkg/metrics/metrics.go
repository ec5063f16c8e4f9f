package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ledger appends by outcome.
	LedgerAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_appends_total",
			Help: "Activity events appended, by outcome",
		},
		[]string{"outcome"}, // ok, no_partition, invalid, error
	)

	LedgerAppendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_append_duration_seconds",
			Help:    "Activity event append latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
		},
		[]string{"backend"},
	)

	LedgerQueryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_query_duration_seconds",
			Help:    "Activity event query latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"backend"},
	)

	TenantViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_tenant_violations_total",
			Help: "Cross-tenant access attempts rejected",
		},
		[]string{"operation"},
	)

	PartitionsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledger_partitions",
			Help: "Partitions in the catalog by lifecycle state",
		},
		[]string{"state"},
	)

	LifecycleRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_lifecycle_runs_total",
			Help: "Partition lifecycle runs by result",
		},
		[]string{"result"}, // ok, partial, skipped
	)

	LifecycleFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_lifecycle_failures_total",
			Help: "Partition transition failures by step",
		},
		[]string{"step"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_deliveries_total",
			Help: "Notification delivery attempts by channel and result",
		},
		[]string{"channel", "result"}, // delivered, retry, failed, expired, cancelled
	)

	DeliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_delivery_duration_seconds",
			Help:    "Single delivery attempt latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"channel"},
	)

	TriggerDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_trigger_dropped_total",
			Help: "Notification requests dropped or failed in the ingestion trigger",
		},
		[]string{"trigger", "reason"},
	)

	Alerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_alerts_total",
			Help: "Operational alerts raised",
		},
		[]string{"kind"},
	)

	AnalyticsRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analytics_runs_total",
			Help: "Analytics aggregation runs by result",
		},
		[]string{"result"},
	)

	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	SlowQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Statements slower than the configured threshold",
		},
	)

	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow statements in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)
)

// RecordAppend counts one append and observes its latency.
func RecordAppend(backend, outcome string, duration time.Duration) {
	LedgerAppends.WithLabelValues(outcome).Inc()
	LedgerAppendLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordQuery observes a ledger query.
func RecordQuery(backend string, duration time.Duration) {
	LedgerQueryLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// IncrementTenantViolation counts a rejected cross-tenant access.
func IncrementTenantViolation(operation string) {
	TenantViolations.WithLabelValues(operation).Inc()
}

// SetPartitionCounts replaces the per-state partition gauge.
func SetPartitionCounts(counts map[string]int) {
	for _, state := range []string{"planned", "active", "archived", "dropped"} {
		PartitionsByState.WithLabelValues(state).Set(float64(counts[state]))
	}
}

// IncrementLifecycleRun counts one lifecycle run.
func IncrementLifecycleRun(result string) {
	LifecycleRuns.WithLabelValues(result).Inc()
}

// IncrementLifecycleFailure counts one failed partition step.
func IncrementLifecycleFailure(step string) {
	LifecycleFailures.WithLabelValues(step).Inc()
}

// RecordDelivery counts one delivery attempt and observes its latency.
func RecordDelivery(channel, result string, duration time.Duration) {
	Deliveries.WithLabelValues(channel, result).Inc()
	if duration > 0 {
		DeliveryLatency.WithLabelValues(channel).Observe(duration.Seconds())
	}
}

// IncrementTriggerDrop counts a notification request that never reached the dispatcher.
func IncrementTriggerDrop(trigger, reason string) {
	TriggerDrops.WithLabelValues(trigger, reason).Inc()
}

// IncrementAlert counts an operational alert.
func IncrementAlert(kind string) {
	Alerts.WithLabelValues(kind).Inc()
}

// IncrementAnalyticsRun counts one aggregation run.
func IncrementAnalyticsRun(result string) {
	AnalyticsRuns.WithLabelValues(result).Inc()
}

// RecordMQConsumeLatency observes MQ handler latency.
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordHTTPRequestDuration observes one HTTP request.
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementSlowQuery records one slow statement.
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueries.Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}
