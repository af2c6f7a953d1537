package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Store metrics
	StoreOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certstore_store_operations_total",
			Help: "Total number of store operations by backend, operation and result",
		},
		[]string{"backend", "operation", "result"},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "certstore_store_operation_duration_seconds",
			Help:    "Store operation duration in seconds, including retries and write gate wait",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	StoreRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certstore_store_retries_total",
			Help: "Total number of retried engine calls after a transient failure",
		},
		[]string{"backend", "operation"},
	)

	StoreDecodeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certstore_store_decode_failures_total",
			Help: "Total number of stored documents that could not be decoded",
		},
		[]string{"backend"},
	)

	StoreVersionConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certstore_store_version_conflicts_total",
			Help: "Total number of stale writes detected by the version check",
		},
		[]string{"backend", "policy"},
	)

	// Write gate metrics
	WriteGateWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "certstore_write_gate_wait_seconds",
			Help:    "Time spent waiting for the write gate in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
	)

	WriteGateTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "certstore_write_gate_timeouts_total",
			Help: "Total number of mutating operations rejected because the write gate was busy",
		},
	)

	// Content and upkeep metrics
	DocumentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "certstore_documents_total",
			Help: "Number of managed certificates in the store",
		},
		[]string{"backend"},
	)

	MaintenanceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certstore_maintenance_runs_total",
			Help: "Total number of maintenance runs by result",
		},
		[]string{"backend", "result"},
	)

	BackupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "certstore_backups_total",
			Help: "Total number of backups by result",
		},
		[]string{"backend", "result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(StoreOperationsTotal)
	prometheus.MustRegister(StoreOperationDuration)
	prometheus.MustRegister(StoreRetriesTotal)
	prometheus.MustRegister(StoreDecodeFailuresTotal)
	prometheus.MustRegister(StoreVersionConflictsTotal)
	prometheus.MustRegister(WriteGateWait)
	prometheus.MustRegister(WriteGateTimeoutsTotal)
	prometheus.MustRegister(DocumentsTotal)
	prometheus.MustRegister(MaintenanceRunsTotal)
	prometheus.MustRegister(BackupsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result converts an error into a metric label value
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on a histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on a labelled histogram
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
