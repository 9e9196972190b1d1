// Package observability provides Prometheus metrics, health/readiness
// endpoints, structured logging, and OpenTelemetry tracing for the gateway.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus counters and atomic counters for fast-path
// access in the request hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	allowed      int64
	limited      int64
	authDenied   int64
	authErrors   int64
	storeErrors  int64
	failOpen     int64
	auditDropped int64
	cacheHits    int64
	cacheMisses  int64

	// Prometheus counters for scraping.
	promAllowed      prometheus.Counter
	promLimited      prometheus.Counter
	promAuthDenied   prometheus.Counter
	promAuthErrors   prometheus.Counter
	promStoreErrors  prometheus.Counter
	promFailOpen     prometheus.Counter
	promAuditDropped prometheus.Counter
	promCacheHits    prometheus.Counter
	promCacheMisses  prometheus.Counter

	// Prometheus histograms.
	PromRequestDuration *prometheus.HistogramVec

	// Upstream latency per destination class. Destinations are a fixed,
	// two-element set, so a label is safe from cardinality explosions.
	PromUpstreamDuration *prometheus.HistogramVec

	// Rate limit remaining distribution (histogram, not per-key gauge,
	// which would have unbounded cardinality from IP keys).
	PromRLRemaining prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promAllowed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wagateway",
			Name:      "requests_allowed_total",
			Help:      "Total number of requests that passed rate limiting.",
		}),
		promLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wagateway",
			Name:      "requests_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promAuthDenied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wagateway",
			Name:      "auth_denied_total",
			Help:      "Total number of requests denied by token validation.",
		}),
		promAuthErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wagateway",
			Name:      "auth_errors_total",
			Help:      "Total number of credential store errors during validation.",
		}),
		promStoreErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wagateway",
			Name:      "counter_store_errors_total",
			Help:      "Total number of counter store (Redis) errors.",
		}),
		promFailOpen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wagateway",
			Name:      "ratelimit_fail_open_total",
			Help:      "Total number of requests admitted because the counter store was unavailable.",
		}),
		promAuditDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wagateway",
			Name:      "audit_dropped_total",
			Help:      "Total number of audit records dropped due to a full buffer.",
		}),
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wagateway",
			Name:      "token_cache_hits_total",
			Help:      "Total number of token validation cache hits.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wagateway",
			Name:      "token_cache_misses_total",
			Help:      "Total number of token validation cache misses.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wagateway",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromUpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wagateway",
			Name:      "upstream_duration_seconds",
			Help:      "Upstream call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"destination"}),
		PromRLRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wagateway",
			Name:      "ratelimit_remaining",
			Help:      "Distribution of remaining quota across rate-limit checks.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
	}

	return m
}

// IncAllowed increments the allowed requests counter.
func (m *Metrics) IncAllowed() {
	atomic.AddInt64(&m.allowed, 1)
	m.promAllowed.Inc()
}

// IncLimited increments the rate-limited requests counter.
func (m *Metrics) IncLimited() {
	atomic.AddInt64(&m.limited, 1)
	m.promLimited.Inc()
}

// IncAuthDenied increments the validation-denied counter.
func (m *Metrics) IncAuthDenied() {
	atomic.AddInt64(&m.authDenied, 1)
	m.promAuthDenied.Inc()
}

// IncAuthErrors increments the credential store error counter.
func (m *Metrics) IncAuthErrors() {
	atomic.AddInt64(&m.authErrors, 1)
	m.promAuthErrors.Inc()
}

// IncStoreErrors increments the counter store error counter.
func (m *Metrics) IncStoreErrors() {
	atomic.AddInt64(&m.storeErrors, 1)
	m.promStoreErrors.Inc()
}

// IncFailOpen increments the fail-open admission counter.
func (m *Metrics) IncFailOpen() {
	atomic.AddInt64(&m.failOpen, 1)
	m.promFailOpen.Inc()
}

// IncAuditDropped increments the dropped audit record counter.
func (m *Metrics) IncAuditDropped() {
	atomic.AddInt64(&m.auditDropped, 1)
	m.promAuditDropped.Inc()
}

// IncCacheHits increments the token cache hit counter.
func (m *Metrics) IncCacheHits() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMisses increments the token cache miss counter.
func (m *Metrics) IncCacheMisses() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// ObserveRemaining records the remaining quota as a histogram observation.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRLRemaining.Observe(float64(remaining))
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters.
type MetricsSnapshot struct {
	Allowed      int64
	Limited      int64
	AuthDenied   int64
	AuthErrors   int64
	StoreErrors  int64
	FailOpen     int64
	AuditDropped int64
	CacheHits    int64
	CacheMisses  int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Allowed:      atomic.LoadInt64(&m.allowed),
		Limited:      atomic.LoadInt64(&m.limited),
		AuthDenied:   atomic.LoadInt64(&m.authDenied),
		AuthErrors:   atomic.LoadInt64(&m.authErrors),
		StoreErrors:  atomic.LoadInt64(&m.storeErrors),
		FailOpen:     atomic.LoadInt64(&m.failOpen),
		AuditDropped: atomic.LoadInt64(&m.auditDropped),
		CacheHits:    atomic.LoadInt64(&m.cacheHits),
		CacheMisses:  atomic.LoadInt64(&m.cacheMisses),
	}
}
