package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// MetricOpts describes a metric instrument
type MetricOpts struct {
	Name        string
	Description string
	Unit        string
}

var (
	metricsMu     sync.Mutex
	meterProvider *sdkmetric.MeterProvider
	promRegistry  *prometheus.Registry
)

// InitMetrics wires the OpenTelemetry metric SDK to a Prometheus registry.
// Instruments created afterwards are scrapeable through MetricsHandler().
func InitMetrics(serviceName string) error {
	metricsMu.Lock()
	defer metricsMu.Unlock()

	if meterProvider != nil {
		return nil
	}

	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
		otelprom.WithoutScopeInfo(),
	)
	if err != nil {
		return fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create metrics resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)

	otel.SetMeterProvider(provider)
	meterProvider = provider
	promRegistry = registry
	return nil
}

// ShutdownMetrics flushes and stops the meter provider
func ShutdownMetrics(ctx context.Context) error {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if meterProvider == nil {
		return nil
	}
	err := meterProvider.Shutdown(ctx)
	meterProvider = nil
	promRegistry = nil
	return err
}

// MetricsHandler returns the HTTP handler for the Prometheus scrape endpoint
func MetricsHandler() http.Handler {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if promRegistry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
}

func meter() metric.Meter {
	return otel.Meter("saga-orchestrator")
}

// Counter is a monotonically increasing counter
type Counter struct {
	inner metric.Int64Counter
}

// NewCounter creates a new counter instrument
func NewCounter(opts MetricOpts) (*Counter, error) {
	c, err := meter().Int64Counter(opts.Name,
		metric.WithDescription(opts.Description),
		metric.WithUnit(opts.Unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", opts.Name, err)
	}
	return &Counter{inner: c}, nil
}

// Inc increments the counter by one
func (c *Counter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	c.inner.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Add increments the counter by the given value
func (c *Counter) Add(ctx context.Context, value int64, attrs ...attribute.KeyValue) {
	c.inner.Add(ctx, value, metric.WithAttributes(attrs...))
}

// Histogram records a distribution of values
type Histogram struct {
	inner metric.Float64Histogram
}

// NewHistogram creates a histogram with default buckets
func NewHistogram(opts MetricOpts) (*Histogram, error) {
	h, err := meter().Float64Histogram(opts.Name,
		metric.WithDescription(opts.Description),
		metric.WithUnit(opts.Unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", opts.Name, err)
	}
	return &Histogram{inner: h}, nil
}

// NewHistogramWithBuckets creates a histogram with explicit bucket boundaries
func NewHistogramWithBuckets(opts MetricOpts, buckets []float64) (*Histogram, error) {
	h, err := meter().Float64Histogram(opts.Name,
		metric.WithDescription(opts.Description),
		metric.WithUnit(opts.Unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", opts.Name, err)
	}
	return &Histogram{inner: h}, nil
}

// Record records a value into the histogram
func (h *Histogram) Record(ctx context.Context, value float64, attrs ...attribute.KeyValue) {
	h.inner.Record(ctx, value, metric.WithAttributes(attrs...))
}

// UpDownCounter tracks a value that can go up and down (gauge-like)
type UpDownCounter struct {
	inner metric.Int64UpDownCounter
}

// NewUpDownCounter creates a new up-down counter instrument
func NewUpDownCounter(opts MetricOpts) (*UpDownCounter, error) {
	c, err := meter().Int64UpDownCounter(opts.Name,
		metric.WithDescription(opts.Description),
		metric.WithUnit(opts.Unit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create up-down counter %s: %w", opts.Name, err)
	}
	return &UpDownCounter{inner: c}, nil
}

// Inc increments by one
func (u *UpDownCounter) Inc(ctx context.Context, attrs ...attribute.KeyValue) {
	u.inner.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Dec decrements by one
func (u *UpDownCounter) Dec(ctx context.Context, attrs ...attribute.KeyValue) {
	u.inner.Add(ctx, -1, metric.WithAttributes(attrs...))
}

// Add adds the given delta
func (u *UpDownCounter) Add(ctx context.Context, delta int64, attrs ...attribute.KeyValue) {
	u.inner.Add(ctx, delta, metric.WithAttributes(attrs...))
}
