package service

import (
	"net/http"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/maintenance-api/internal/models"
)

// MetricsService owns the Prometheus registry and keeps running totals for
// the JSON summary endpoint.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Histogram
	cacheWrite      prometheus.Histogram
	cacheHitRatio   prometheus.Gauge
	cacheLookups    *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	mutations       *prometheus.CounterVec
	auditDropped    prometheus.Counter

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	dbQueryCount         uint64
	dbQueryDurationTotal uint64
	mutationOK           uint64
	mutationFailed       uint64
	auditDroppedCount    uint64
}

// NewMetricsService registers the service collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	m := &MetricsService{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		cacheLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cache_latency_seconds",
			Help:    "Latency for cache lookups",
			Buckets: prometheus.DefBuckets,
		}),
		cacheWrite: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cache_write_seconds",
			Help:    "Latency for cache writes",
			Buckets: prometheus.DefBuckets,
		}),
		cacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cache_hit_ratio",
			Help: "Ratio of cache hits to total cache lookups",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache lookups partitioned by result",
		}, []string{"result"}),
		dbQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of repository calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"query"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maintenance_request_mutations_total",
			Help: "Maintenance request writes partitioned by operation and outcome",
		}, []string{"operation", "outcome"}),
		auditDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_dropped_total",
			Help: "Audit events that could not be persisted",
		}),
	}

	registry.MustRegister(
		m.requestDuration,
		m.requestTotal,
		m.cacheLatency,
		m.cacheWrite,
		m.cacheHitRatio,
		m.cacheLookups,
		m.dbQueryDuration,
		m.mutations,
		m.auditDropped,
		collectors.NewGoCollector(),
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request latency and count.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := strconv.Itoa(status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records a cache lookup and refreshes the hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.Observe(duration.Seconds())
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheLookups.WithLabelValues("miss").Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	total := hits + atomic.LoadUint64(&m.cacheMissCount)
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveCacheWrite tracks the duration of cache writes.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheWrite.Observe(duration.Seconds())
}

// ObserveDBQuery records repository call timing under label.
func (m *MetricsService) ObserveDBQuery(label string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dbQueryDuration.WithLabelValues(label).Observe(duration.Seconds())
	atomic.AddUint64(&m.dbQueryCount, 1)
	atomic.AddUint64(&m.dbQueryDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordMutation counts a create, update or delete attempt.
func (m *MetricsService) RecordMutation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		atomic.AddUint64(&m.mutationFailed, 1)
	} else {
		atomic.AddUint64(&m.mutationOK, 1)
	}
	m.mutations.WithLabelValues(operation, outcome).Inc()
}

// RecordAuditDropped counts an audit event that was given up on.
func (m *MetricsService) RecordAuditDropped() {
	if m == nil {
		return
	}
	m.auditDropped.Inc()
	atomic.AddUint64(&m.auditDroppedCount, 1)
}

// Snapshot returns the running totals.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	dbCount := atomic.LoadUint64(&m.dbQueryCount)

	snapshot := models.SystemMetrics{
		CacheHits:        hits,
		CacheMisses:      misses,
		RequestsTotal:    requests,
		DBQueryCount:     dbCount,
		MutationsApplied: atomic.LoadUint64(&m.mutationOK),
		MutationsFailed:  atomic.LoadUint64(&m.mutationFailed),
		AuditDropped:     atomic.LoadUint64(&m.auditDroppedCount),
		Goroutines:       runtime.NumGoroutine(),
		GeneratedAt:      time.Now().UTC(),
	}
	if hits+misses > 0 {
		snapshot.CacheHitRatio = float64(hits) / float64(hits+misses)
	}
	if requests > 0 {
		snapshot.AverageRequestDurationMs = float64(atomic.LoadUint64(&m.requestDurationTotal)) / float64(requests) / float64(time.Millisecond)
	}
	if dbCount > 0 {
		snapshot.AverageDBQueryDurationMs = float64(atomic.LoadUint64(&m.dbQueryDurationTotal)) / float64(dbCount) / float64(time.Millisecond)
	}
	return snapshot
}
