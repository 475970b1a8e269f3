// Package metrics provides Prometheus metrics for boxfs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Remote store metrics
	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxfs_remote_operations_total",
			Help: "Total remote store operations",
		},
		[]string{"operation", "status"},
	)

	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boxfs_remote_operation_duration_seconds",
			Help:    "Remote store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Content transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boxfs_bytes_downloaded_total",
			Help: "Total bytes downloaded into the local cache",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "boxfs_bytes_uploaded_total",
			Help: "Total bytes uploaded or overwritten on close",
		},
	)

	// Session metrics
	openSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boxfs_open_sessions",
			Help: "Number of currently open file sessions",
		},
	)

	// Cache metrics
	cacheFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boxfs_cache_files",
			Help: "Number of files in the local cache directory",
		},
	)

	cacheBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "boxfs_cache_bytes",
			Help: "Bytes held in the local cache directory",
		},
	)

	// Resolver metrics
	resolveDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "boxfs_resolve_depth",
			Help:    "Number of remote folder fetches per path resolution",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 12, 16},
		},
	)

	listingCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxfs_listing_cache_lookups_total",
			Help: "Folder listing cache lookups",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRemoteOperation records a remote store call.
func RecordRemoteOperation(operation string, duration time.Duration, success bool) {
	remoteOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	remoteOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordDownload records bytes pulled into the cache.
func RecordDownload(bytes int64) {
	bytesDownloaded.Add(float64(bytes))
}

// RecordUpload records bytes pushed to the remote store.
func RecordUpload(bytes int64) {
	bytesUploaded.Add(float64(bytes))
}

// SetOpenSessions sets the open session gauge.
func SetOpenSessions(n int) {
	openSessions.Set(float64(n))
}

// SetCacheStats sets the cache gauges.
func SetCacheStats(files int, bytes int64) {
	cacheFiles.Set(float64(files))
	cacheBytes.Set(float64(bytes))
}

// RecordResolve records how many folder fetches a resolution took.
func RecordResolve(depth int) {
	resolveDepth.Observe(float64(depth))
}

// RecordListingCache records a listing cache hit or miss.
func RecordListingCache(hit bool) {
	result := "hit"
	if !hit {
		result = "miss"
	}
	listingCacheLookups.WithLabelValues(result).Inc()
}
