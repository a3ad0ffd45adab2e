package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs every instrument backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newInstruments(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds an int64 gauge by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordHTTP_SharedMetrics(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/api/pdf-proxy?url=x", nil)
	r = InjectTags(r)
	SetRoute(r, "pdf-proxy")
	SetCacheResult(r, CacheNA)

	RecordHTTP(context.Background(), r, http.StatusOK, 1024, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "clockwork_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "route", "pdf-proxy"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))

	bytesDps := findCounter(rm, "clockwork_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 1024, bytesDps[0].Value)

	histDps := findHistogram(rm, "clockwork_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)

	// Shared metrics must NOT include endpoint attribute
	_, hasEndpoint := dps[0].Attributes.Value(attribute.Key("endpoint"))
	require.False(t, hasEndpoint)
}

func TestRecordHTTP_DetailMetricWithEndpoint(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/viewer/abc/blob", nil)
	r = InjectTags(r)
	SetRoute(r, "viewer")
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "blob")

	RecordHTTP(context.Background(), r, http.StatusOK, 4096, 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "clockwork_http_requests_by_endpoint_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "viewer"))
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "blob"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)

	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, 1*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "clockwork_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "route", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "bypass"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))

	require.Empty(t, findCounter(rm, "clockwork_http_requests_by_endpoint_total"))
}

func TestRecordHTTP_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	r = InjectTags(r)

	// Should not panic
	RecordHTTP(context.Background(), r, http.StatusOK, 0, 1*time.Millisecond)
	RecordBlobCacheLookup(context.Background(), CacheHit)
	RecordViewerTransition(context.Background(), "embed", "displayed")
}

func TestRecordBlobCacheMetrics(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordBlobCacheLookup(ctx, CacheMiss)
	RecordBlobCacheLookup(ctx, CacheHit)
	RecordBlobCacheLookup(ctx, CacheHit)
	RecordBlobCacheEviction(ctx, "expired", 2)
	RecordBlobCacheEviction(ctx, "released", 0)
	UpdateBlobCacheState(ctx, 3, 9000)
	RecordBlobCacheSweep(ctx, 2*time.Millisecond)

	rm := collectMetrics(t, reader)

	lookups := findCounter(rm, "clockwork_blobcache_lookups_total")
	require.Len(t, lookups, 2)
	for _, dp := range lookups {
		if hasAttr(dp.Attributes, "result", "hit") {
			require.EqualValues(t, 2, dp.Value)
		} else {
			require.True(t, hasAttr(dp.Attributes, "result", "miss"))
			require.EqualValues(t, 1, dp.Value)
		}
	}

	evictions := findCounter(rm, "clockwork_blobcache_evictions_total")
	require.Len(t, evictions, 1, "zero-count evictions are not recorded")
	require.True(t, hasAttr(evictions[0].Attributes, "reason", "expired"))
	require.EqualValues(t, 2, evictions[0].Value)

	entries := findGauge(rm, "clockwork_blobcache_entries")
	require.Len(t, entries, 1)
	require.EqualValues(t, 3, entries[0].Value)

	bytes := findGauge(rm, "clockwork_blobcache_bytes")
	require.Len(t, bytes, 1)
	require.EqualValues(t, 9000, bytes[0].Value)

	sweeps := findHistogram(rm, "clockwork_blobcache_sweep_duration_seconds")
	require.Len(t, sweeps, 1)
	require.Equal(t, uint64(1), sweeps[0].Count)
}

func TestRecordViewerTransition(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordViewerTransition(context.Background(), "object", "failed")

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "clockwork_viewer_transitions_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "strategy", "object"))
	require.True(t, hasAttr(dps[0].Attributes, "state", "failed"))
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	w := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{303, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{502, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}
