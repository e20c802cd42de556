// Package metrics holds the Prometheus collectors of the coordination layer.
//
// Collectors are grouped in a Metrics value constructed against an explicit
// registerer instead of package-level promauto globals, so several isolated
// instances (tests, multi-tenant processes) can coexist.
//
// Rate limiter:
//   - coord_ratelimit_checks_total{algorithm,result} (Counter): decisions by
//     algorithm (sliding_window, token_bucket) and result (allowed, rejected,
//     blocked, degraded)
//   - coord_ratelimit_blocks_total (Counter): block records issued
//   - coord_ratelimit_check_duration_seconds{algorithm} (Histogram)
//
// Sessions:
//   - coord_sessions_created_total (Counter)
//   - coord_sessions_destroyed_total{reason} (Counter): logout, evicted,
//     expired, revoked
//   - coord_session_lookups_total{result} (Counter): hit, miss, expired, error
//
// Response cache:
//   - coord_cache_hits_total / coord_cache_misses_total (Counter)
//   - coord_cache_not_modified_total (Counter): 304 replies from the cache
//   - coord_cache_errors_total{operation} (Counter)
//   - coord_cache_stored_bytes_total (Counter)
//   - coord_cache_skipped_total{reason} (Counter): too_large, status
//
// Invalidation:
//   - coord_invalidation_events_total{result} (Counter): published, dropped,
//     dispatched, failed
//   - coord_invalidation_keys_deleted_total (Counter)
//
// Upstream fetches:
//   - coord_upstream_requests_total{result} (Counter): HTTP status code,
//     network_error, budget_exhausted, cache_hit, revalidated
//   - coord_upstream_request_duration_seconds (Histogram)
//   - coord_upstream_retries_total{error_class} (Counter)
//   - coord_upstream_retry_exhausted_total{error_class} (Counter)
//
// Store:
//   - coord_store_degraded_total{component} (Counter): fail-open decisions
//
// Example queries:
//
//	# Cache hit rate
//	sum(rate(coord_cache_hits_total[5m])) /
//	(sum(rate(coord_cache_hits_total[5m])) + sum(rate(coord_cache_misses_total[5m])))
//
//	# Share of degraded rate-limit decisions
//	rate(coord_store_degraded_total{component="ratelimit"}[5m])
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "coord"

// Metrics groups all collectors.
type Metrics struct {
	RateLimitChecks   *prometheus.CounterVec
	RateLimitBlocks   prometheus.Counter
	RateLimitDuration *prometheus.HistogramVec

	SessionsCreated   prometheus.Counter
	SessionsDestroyed *prometheus.CounterVec
	SessionLookups    *prometheus.CounterVec

	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheNotModified prometheus.Counter
	CacheErrors      *prometheus.CounterVec
	CacheStoredBytes prometheus.Counter
	CacheSkipped     *prometheus.CounterVec

	InvalidationEvents      *prometheus.CounterVec
	InvalidationKeysDeleted prometheus.Counter

	UpstreamRequests       *prometheus.CounterVec
	UpstreamDuration       prometheus.Histogram
	UpstreamRetries        *prometheus.CounterVec
	UpstreamRetryExhausted *prometheus.CounterVec

	StoreDegraded *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors, which is what unit tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		RateLimitChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ratelimit_checks_total",
			Help:      "Rate limit decisions by algorithm and result",
		}, []string{"algorithm", "result"}),
		RateLimitBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "ratelimit_blocks_total",
			Help:      "Block records issued after a rejected window check",
		}),
		RateLimitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "ratelimit_check_duration_seconds",
			Help:      "Rate limit check latency including the store round-trip",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.1, 0.25},
		}, []string{"algorithm"}),

		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created",
		}),
		SessionsDestroyed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "sessions_destroyed_total",
			Help:      "Sessions destroyed by reason",
		}, []string{"reason"}),
		SessionLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_lookups_total",
			Help:      "Session lookups by result",
		}, []string{"result"}),

		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_hits_total",
			Help:      "Response cache hits",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_misses_total",
			Help:      "Response cache misses",
		}),
		CacheNotModified: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_not_modified_total",
			Help:      "304 Not Modified replies served from cached validators",
		}),
		CacheErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_errors_total",
			Help:      "Response cache store errors by operation",
		}, []string{"operation"}),
		CacheStoredBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_stored_bytes_total",
			Help:      "Bytes written to the response cache",
		}),
		CacheSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "cache_skipped_total",
			Help:      "Responses not stored by reason",
		}, []string{"reason"}),

		InvalidationEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "invalidation_events_total",
			Help:      "Invalidation events by result",
		}, []string{"result"}),
		InvalidationKeysDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "invalidation_keys_deleted_total",
			Help:      "Cache keys deleted by invalidation",
		}),

		UpstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream fetches by result",
		}, []string{"result"}),
		UpstreamDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream fetch duration including retries",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		}),
		UpstreamRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "upstream_retries_total",
			Help:      "Upstream retry attempts by error class",
		}, []string{"error_class"}),
		UpstreamRetryExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "upstream_retry_exhausted_total",
			Help:      "Upstream fetches that ran out of retry attempts by error class",
		}, []string{"error_class"}),

		StoreDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "store_degraded_total",
			Help:      "Decisions taken without the store (fail-open) by component",
		}, []string{"component"}),
	}
}

// OrNew returns m, or unregistered collectors when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return New(nil)
}
