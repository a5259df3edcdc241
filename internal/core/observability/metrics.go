// Package observability holds the process-wide Prometheus collectors used by
// the caches, the version manager and the HTTP surface.
package observability

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	buildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_version_info",
			Help: "Version of the running binary (value is always 1).",
		},
		[]string{"version"},
	)

	cacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_results_total",
			Help: "Cache lookups by cache and outcome.",
		},
		[]string{"cache", "outcome"},
	)

	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Entries removed from a cache by reason.",
		},
		[]string{"cache", "reason"},
	)

	cacheOpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Cache persistence operations by result.",
		},
		[]string{"op", "result"},
	)

	cacheOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cache_store_operation_duration_seconds",
			Help:    "Latency of cache persistence operations.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		},
		[]string{"op"},
	)

	tileCacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tile_cache_bytes",
		Help: "Bytes currently held by the tile cache.",
	})

	tileCacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tile_cache_entries",
		Help: "Tiles currently indexed by the tile cache.",
	})

	tileDownloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_downloads_total",
			Help: "Tile downloads by result.",
		},
		[]string{"result"},
	)

	versionChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataset_version_checks_total",
			Help: "Dataset version checks by outcome.",
		},
		[]string{"outcome"},
	)

	datasetInstalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dataset_installs_total",
			Help: "Dataset install attempts by result.",
		},
		[]string{"result"},
	)

	facadeFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facade_fallbacks_total",
			Help: "Requests served by bypassing the cache after a cache-layer fault.",
		},
		[]string{"op"},
	)

	invalidationEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invalidation_events_total",
			Help: "Cross-node invalidation events by op and result.",
		},
		[]string{"op", "result"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		buildInfo, cacheResults, cacheEvictions, cacheOpTotal, cacheOpDuration,
		tileCacheBytes, tileCacheEntries, tileDownloads, versionChecks,
		datasetInstalls, facadeFallbacks, invalidationEvents,
	}
}

// Init additionally registers all collectors on reg (e.g. a private
// registry served by the metrics provider). Safe to call more than once.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func IncCacheResult(cache, outcome string) {
	cacheResults.WithLabelValues(cache, outcome).Inc()
}

func AddCacheEvictions(cache, reason string, n int) {
	if n <= 0 {
		return
	}
	cacheEvictions.WithLabelValues(cache, reason).Add(float64(n))
}

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	cacheOpTotal.WithLabelValues(op, result).Inc()
	cacheOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func SetTileCacheSize(bytes int64, entries int) {
	tileCacheBytes.Set(float64(bytes))
	tileCacheEntries.Set(float64(entries))
}

func IncTileDownload(result string) {
	tileDownloads.WithLabelValues(result).Inc()
}

func IncVersionCheck(outcome string) {
	versionChecks.WithLabelValues(outcome).Inc()
}

func IncDatasetInstall(result string) {
	datasetInstalls.WithLabelValues(result).Inc()
}

func IncFacadeFallback(op string) {
	facadeFallbacks.WithLabelValues(op).Inc()
}

func IncInvalidationEvent(op, result string) {
	invalidationEvents.WithLabelValues(op, result).Inc()
}

func ExposeBuildInfo(version string) {
	if version == "" {
		version = "dev"
	}
	buildInfo.WithLabelValues(version).Set(1)
}
