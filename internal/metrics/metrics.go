// Package metrics provides Prometheus metrics for the model sync daemon.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync cycle metrics
	syncCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_sync_cycles_total",
			Help: "Total number of sync cycles by outcome",
		},
		[]string{"category", "result"},
	)

	syncCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelsync_sync_cycle_duration_seconds",
			Help:    "Duration of one sync cycle in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"category"},
	)

	manifestEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelsync_manifest_entries",
			Help: "Number of entries in the persisted manifest",
		},
		[]string{"category"},
	)

	// Download metrics
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_downloads_total",
			Help: "Total number of model downloads",
		},
		[]string{"category", "status"},
	)

	downloadBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_download_bytes_total",
			Help: "Total bytes written to the local cache",
		},
		[]string{"category"},
	)

	retryExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_retry_exhausted_total",
			Help: "Keys that exhausted their retry budget in a cycle",
		},
		[]string{"category"},
	)

	// Eviction and disk metrics
	evictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_evictions_total",
			Help: "Eviction attempts by selection strategy",
		},
		[]string{"category", "strategy"},
	)

	diskFreeGiB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modelsync_disk_free_gib",
			Help: "Free space on the cache filesystem in GiB at the last budget check",
		},
	)

	// Remote object store metrics
	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelsync_remote_operation_duration_seconds",
			Help:    "Remote object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_remote_operations_total",
			Help: "Total remote object store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	// Admin API metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_http_requests_total",
			Help: "Total number of admin API requests",
		},
		[]string{"method", "path", "status"},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelsync_events_total",
			Help: "Total sync events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordSyncCycle records the outcome of one sync cycle.
func RecordSyncCycle(category, result string, duration time.Duration) {
	syncCyclesTotal.WithLabelValues(category, result).Inc()
	syncCycleDuration.WithLabelValues(category).Observe(duration.Seconds())
}

// SetManifestEntries sets the persisted manifest size for a category.
func SetManifestEntries(category string, count int) {
	manifestEntries.WithLabelValues(category).Set(float64(count))
}

// RecordDownload records a download attempt.
func RecordDownload(category string, bytes int64, success bool) {
	downloadsTotal.WithLabelValues(category, status(success)).Inc()
	if success {
		downloadBytesTotal.WithLabelValues(category).Add(float64(bytes))
	}
}

// RecordRetryExhausted records a key that could not be synced this cycle.
func RecordRetryExhausted(category string) {
	retryExhaustedTotal.WithLabelValues(category).Inc()
}

// RecordEviction records an eviction attempt. strategy is "min_ref",
// "zero_ref" or "none".
func RecordEviction(category, strategy string) {
	evictionsTotal.WithLabelValues(category, strategy).Inc()
}

// SetDiskFree sets the last observed free space.
func SetDiskFree(gib float64) {
	diskFreeGiB.Set(gib)
}

// RecordRemoteOperation records a remote object store operation.
func RecordRemoteOperation(backend, operation string, duration time.Duration, success bool) {
	remoteOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	remoteOperationsTotal.WithLabelValues(backend, operation, status(success)).Inc()
}

// RecordEvent records a sync event publication.
func RecordEvent(eventType string) {
	eventsTotal.WithLabelValues(eventType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Requests are labelled by route pattern to keep cardinality bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
	})
}
