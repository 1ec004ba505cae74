package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconcile metrics
	reconcilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ire_reconciles_total",
			Help: "Total number of reconciled raw-record events",
		},
		[]string{"source", "match_type"},
	)

	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ire_reconcile_duration_seconds",
			Help:    "Reconcile duration in seconds, locks included",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"source"},
	)

	reconcileRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ire_reconcile_retries_total",
			Help: "Total number of unique-violation retries across all reconciles",
		},
	)

	reconcileErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ire_reconcile_errors_total",
			Help: "Total number of reconcile failures by error kind",
		},
		[]string{"kind"},
	)

	lockTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ire_lock_timeouts_total",
			Help: "Total number of identity-lock acquisition timeouts",
		},
	)

	mergesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ire_merges_total",
			Help: "Total number of canonical merges",
		},
	)

	deadLettersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ire_dead_letters_total",
			Help: "Total number of raw records dead-lettered as invalid",
		},
	)

	backlogSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ire_backlog_size",
			Help: "Number of staged raw records awaiting reconciliation",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ire_queue_depth",
			Help: "Number of events waiting in the worker queue",
		},
	)

	// Database metrics
	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ire_db_connections_active",
			Help: "Number of acquired database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Engine metric helpers ---

// RecordReconcile records a terminal reconcile outcome.
func RecordReconcile(source, matchType string, duration time.Duration) {
	reconcilesTotal.WithLabelValues(source, matchType).Inc()
	reconcileDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordRetry records one unique-violation retry.
func RecordRetry() {
	reconcileRetriesTotal.Inc()
}

// RecordError records a reconcile failure by error kind.
func RecordError(kind string) {
	reconcileErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordLockTimeout records an identity-lock acquisition timeout.
func RecordLockTimeout() {
	lockTimeoutsTotal.Inc()
}

// RecordMerge records a canonical merge.
func RecordMerge() {
	mergesTotal.Inc()
}

// RecordDeadLetter records an invalid raw record routed to triage.
func RecordDeadLetter() {
	deadLettersTotal.Inc()
}

// SetBacklogSize records the current unprocessed staging backlog.
func SetBacklogSize(n int) {
	backlogSize.Set(float64(n))
}

// SetQueueDepth records the current worker queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetDBConnections records acquired database connections.
func SetDBConnections(n int32) {
	dbConnectionsActive.Set(float64(n))
}
