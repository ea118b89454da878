// Package metrics provides Prometheus metrics for the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	// Operation metrics
	OperationsProcessed *prometheus.CounterVec // by type and outcome
	OperationsSkipped   prometheus.Counter
	DeadLetters         *prometheus.CounterVec
	Conflicts           prometheus.Counter

	// Batch metrics
	BatchesCommitted    prometheus.Counter
	BatchCommitDuration prometheus.Histogram
	LastCommittedBatch  prometheus.Gauge

	// Platform API metrics
	APIRequests       *prometheus.CounterVec // by result class
	RetryAttempts     *prometheus.CounterVec
	RateLimitWaits    prometheus.Histogram
	EffectiveRate     prometheus.Gauge

	// Media metrics
	MediaUploaded     prometheus.Counter
	MediaFailed       prometheus.Counter
	MediaPollDuration prometheus.Histogram

	// Pipeline metrics
	InFlightOperations prometheus.Gauge
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "catalog_sync"
	}

	m := &Metrics{
		OperationsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_processed_total",
				Help:      "Total change operations processed",
			},
			[]string{"type", "outcome"},
		),
		OperationsSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_skipped_total",
				Help:      "Operations skipped (content hash unchanged or policy)",
			},
		),
		DeadLetters: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dead_letters_total",
				Help:      "Operations routed to the dead-letter ledger",
			},
			[]string{"type"},
		),
		Conflicts: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_total",
				Help:      "SKUs flagged for manual review due to remote drift",
			},
		),
		BatchesCommitted: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "batches_committed_total",
				Help:      "Sync batches committed to the shadow store",
			},
		),
		BatchCommitDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "batch_commit_duration_seconds",
				Help:      "Time to commit a batch transaction",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		LastCommittedBatch: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_committed_batch",
				Help:      "Highest committed batch number",
			},
		),
		APIRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Outbound platform API requests by result",
			},
			[]string{"result"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Retry attempts by operation type",
			},
			[]string{"type"},
		),
		RateLimitWaits: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rate_limit_wait_seconds",
				Help:      "Time spent waiting on the rate limiter",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
		EffectiveRate: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "effective_rate_per_second",
				Help:      "Current adaptive request rate",
			},
		),
		MediaUploaded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "media_uploaded_total",
				Help:      "Media assets uploaded and attached",
			},
		),
		MediaFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "media_failed_total",
				Help:      "Media assets dead-lettered",
			},
		),
		MediaPollDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "media_poll_duration_seconds",
				Help:      "Time from upload to READY status",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		InFlightOperations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_operations",
				Help:      "Operations currently being applied by workers",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance, or nil if not initialized.
func Get() *Metrics {
	return defaultMetrics
}

// Serve starts the metrics HTTP server on the given address.
// Blocks; run in a goroutine.
func Serve(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(address, mux)
}
