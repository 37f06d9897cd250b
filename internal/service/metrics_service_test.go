package service

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsServiceCounters(t *testing.T) {
	m := NewMetricsService()

	m.ObserveHTTPRequest(http.MethodGet, "/maintenance-requests/:id", http.StatusOK, 20*time.Millisecond)
	m.ObserveHTTPRequest(http.MethodGet, "/maintenance-requests/:id", http.StatusOK, 40*time.Millisecond)
	m.RecordCacheOperation(true, time.Millisecond)
	m.RecordCacheOperation(false, time.Millisecond)
	m.RecordCacheOperation(true, time.Millisecond)
	m.ObserveDBQuery("maintenance_request_find", 10*time.Millisecond)
	m.RecordMutation("update", nil)
	m.RecordMutation("update", errors.New("boom"))
	m.RecordAuditDropped()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.requestTotal.WithLabelValues(http.MethodGet, "/maintenance-requests/:id", "200")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.InDelta(t, 2.0/3.0, testutil.ToFloat64(m.cacheHitRatio), 0.0001)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.mutations.WithLabelValues("update", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.auditDropped))

	snapshot := m.Snapshot()
	assert.Equal(t, uint64(2), snapshot.RequestsTotal)
	assert.InDelta(t, 30.0, snapshot.AverageRequestDurationMs, 0.001)
	assert.Equal(t, uint64(2), snapshot.CacheHits)
	assert.Equal(t, uint64(1), snapshot.CacheMisses)
	assert.Equal(t, uint64(1), snapshot.DBQueryCount)
	assert.Equal(t, uint64(1), snapshot.MutationsApplied)
	assert.Equal(t, uint64(1), snapshot.MutationsFailed)
	assert.Equal(t, uint64(1), snapshot.AuditDropped)
}

func TestMetricsServiceHandlerExposesRegistry(t *testing.T) {
	m := NewMetricsService()
	m.RecordMutation("create", nil)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `maintenance_request_mutations_total{operation="create",outcome="ok"} 1`)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var m *MetricsService
	assert.NotPanics(t, func() {
		m.ObserveHTTPRequest(http.MethodGet, "/", http.StatusOK, time.Millisecond)
		m.RecordCacheOperation(true, time.Millisecond)
		m.ObserveCacheWrite(time.Millisecond)
		m.ObserveDBQuery("q", time.Millisecond)
		m.RecordMutation("create", nil)
		m.RecordAuditDropped()
	})
	assert.Zero(t, m.Snapshot().RequestsTotal)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
