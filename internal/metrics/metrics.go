// Package metrics provides Prometheus metrics for the TeleVault server.
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
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "televault_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "televault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Upload metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "televault_uploads_total",
			Help: "Total number of upload attempts",
		},
		[]string{"transport", "status"},
	)

	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "televault_upload_bytes_total",
			Help: "Total bytes uploaded to the relay backend",
		},
	)

	dedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "televault_dedup_hits_total",
			Help: "Uploads resolved from the index without a network call",
		},
	)

	rateLimitRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "televault_rate_limit_retries_total",
			Help: "Light-transport uploads retried after a rate-limit signal",
		},
	)

	// Download / streaming metrics
	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "televault_downloads_total",
			Help: "Total number of range reads served",
		},
		[]string{"transport", "status"},
	)

	downloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "televault_download_bytes_total",
			Help: "Total bytes served from range reads",
		},
	)

	blockFetchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "televault_block_fetches_total",
			Help: "Fixed-size blocks fetched over the heavy transport",
		},
	)

	// Cache metrics
	cacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "televault_cache_hits_total",
			Help: "Cache hits by tier",
		},
		[]string{"tier"},
	)

	cacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "televault_cache_misses_total",
			Help: "Cache misses",
		},
	)

	cacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "televault_cache_evictions_total",
			Help: "Cache evictions by tier",
		},
		[]string{"tier"},
	)

	cacheResidentBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "televault_cache_resident_bytes",
			Help: "Bytes currently resident in the cache by tier",
		},
		[]string{"tier"},
	)

	// Namespace metrics
	namespaceSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "televault_namespace_nodes",
			Help: "Number of nodes in the current namespace snapshot",
		},
	)

	namespaceRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "televault_namespace_rebuild_duration_seconds",
			Help:    "Time to rebuild the namespace snapshot from the index",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RecordUpload records an upload attempt over the given transport.
func RecordUpload(transport string, bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(transport, status).Inc()
	if success {
		uploadBytes.Add(float64(bytes))
	}
}

// RecordDedupHit records an upload satisfied from the index.
func RecordDedupHit() {
	dedupHitsTotal.Inc()
}

// RecordRateLimitRetry records a single delayed retry after a rate limit.
func RecordRateLimitRetry() {
	rateLimitRetriesTotal.Inc()
}

// RecordDownload records a range read served over the given transport.
func RecordDownload(transport string, bytes int64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	downloadsTotal.WithLabelValues(transport, status).Inc()
	if bytes > 0 {
		downloadBytes.Add(float64(bytes))
	}
}

// RecordBlockFetch records one heavy-transport block fetch.
func RecordBlockFetch() {
	blockFetchesTotal.Inc()
}

// RecordCacheHit records a cache hit on the given tier ("memory" or "disk").
func RecordCacheHit(tier string) {
	cacheHitsTotal.WithLabelValues(tier).Inc()
}

// RecordCacheMiss records a cache miss.
func RecordCacheMiss() {
	cacheMissesTotal.Inc()
}

// RecordCacheEviction records an eviction from the given tier.
func RecordCacheEviction(tier string) {
	cacheEvictionsTotal.WithLabelValues(tier).Inc()
}

// SetCacheResidentBytes sets the resident byte gauge for a tier.
func SetCacheResidentBytes(tier string, bytes int64) {
	cacheResidentBytes.WithLabelValues(tier).Set(float64(bytes))
}

// RecordNamespaceRebuild records a completed namespace rebuild.
func RecordNamespaceRebuild(nodes int, duration time.Duration) {
	namespaceSize.Set(float64(nodes))
	namespaceRebuildDuration.Observe(duration.Seconds())
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		path := r.URL.Path
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
