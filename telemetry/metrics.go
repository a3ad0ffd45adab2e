package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/clockwork-earth/clockwork"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal           metric.Int64Counter
	responseBytesTotal      metric.Int64Counter
	requestDuration         metric.Float64Histogram
	requestsByEndpointTotal metric.Int64Counter

	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	// Blob cache metrics
	blobCacheLookupsTotal   metric.Int64Counter
	blobCacheEvictionsTotal metric.Int64Counter
	blobCacheBytes          metric.Int64Gauge
	blobCacheEntries        metric.Int64Gauge
	blobCacheSweepDuration  metric.Float64Histogram

	// Viewer metrics
	viewerTransitionsTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "clockwork"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newInstruments(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newInstruments creates every instrument on the given meter.
func newInstruments(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"clockwork_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"clockwork_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"clockwork_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}

	if m.requestsByEndpointTotal, err = meter.Int64Counter(
		"clockwork_http_requests_by_endpoint_total",
		metric.WithDescription("Total number of HTTP requests by endpoint (detail metric)"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchDuration, err = meter.Float64Histogram(
		"clockwork_upstream_fetch_duration_seconds",
		metric.WithDescription("Duration of upstream document fetches"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchTotal, err = meter.Int64Counter(
		"clockwork_upstream_fetch_total",
		metric.WithDescription("Total number of upstream document fetches"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.upstreamFetchBytesTotal, err = meter.Int64Counter(
		"clockwork_upstream_fetch_bytes_total",
		metric.WithDescription("Total bytes fetched from upstream"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"clockwork_backend_request_duration_seconds",
		metric.WithDescription("Duration of storage backend operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"clockwork_backend_requests_total",
		metric.WithDescription("Total number of storage backend operations"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"clockwork_backend_bytes_total",
		metric.WithDescription("Total bytes written to the storage backend"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.blobCacheLookupsTotal, err = meter.Int64Counter(
		"clockwork_blobcache_lookups_total",
		metric.WithDescription("Blob cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.blobCacheEvictionsTotal, err = meter.Int64Counter(
		"clockwork_blobcache_evictions_total",
		metric.WithDescription("Blob cache entries released, by reason"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.blobCacheBytes, err = meter.Int64Gauge(
		"clockwork_blobcache_bytes",
		metric.WithDescription("Bytes held by live blob cache entries"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.blobCacheEntries, err = meter.Int64Gauge(
		"clockwork_blobcache_entries",
		metric.WithDescription("Number of live blob cache entries"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.blobCacheSweepDuration, err = meter.Float64Histogram(
		"clockwork_blobcache_sweep_duration_seconds",
		metric.WithDescription("Duration of a blob cache expiry sweep"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.viewerTransitionsTotal, err = meter.Int64Counter(
		"clockwork_viewer_transitions_total",
		metric.WithDescription("Document viewer state transitions by strategy and target state"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Route and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	route := "unknown"
	cacheResult := string(CacheBypass)
	endpoint := ""
	if tags != nil {
		if tags.Route != "" {
			route = tags.Route
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
		endpoint = tags.Endpoint
	}

	statusClass := StatusClass(status)

	// Shared metrics: low cardinality {route, status_class, cache_result}
	sharedAttrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(sharedAttrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(sharedAttrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(sharedAttrs...))

	if endpoint != "" {
		detailAttrs := []attribute.KeyValue{
			attribute.String("route", route),
			attribute.String("endpoint", endpoint),
			attribute.String("status_class", statusClass),
			attribute.String("cache_result", cacheResult),
		}
		globalMetrics.requestsByEndpointTotal.Add(ctx, 1, metric.WithAttributes(detailAttrs...))
	}
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records an upstream fetch request.
// source names the caller ("pdf", "html", "blobcache").
func RecordUpstreamFetch(ctx context.Context, source string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordBlobCacheLookup records a blob cache lookup with its result.
func RecordBlobCacheLookup(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blobCacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
}

// RecordBlobCacheEviction records released blob cache entries.
// reason is "expired", "released", "replaced" or "closed".
func RecordBlobCacheEviction(ctx context.Context, reason string, count int) {
	if globalMetrics == nil || count == 0 {
		return
	}
	globalMetrics.blobCacheEvictionsTotal.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

// UpdateBlobCacheState records the current size of the blob cache.
func UpdateBlobCacheState(ctx context.Context, entries int, bytes int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blobCacheEntries.Record(ctx, int64(entries))
	globalMetrics.blobCacheBytes.Record(ctx, bytes)
}

// RecordBlobCacheSweep records the duration of one expiry sweep.
func RecordBlobCacheSweep(ctx context.Context, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.blobCacheSweepDuration.Record(ctx, duration.Seconds())
}

// RecordViewerTransition records a viewer moving into state using strategy.
func RecordViewerTransition(ctx context.Context, strategy, state string) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("strategy", strategy),
		attribute.String("state", state),
	}
	globalMetrics.viewerTransitionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
