// Package telemetry provides OpenTelemetry metrics for the sync engine.
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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/client-sync"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName for resource attributes.
	ServiceName string

	// ServiceVersion of the embedding application.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the engine's metric instruments.
type Metrics struct {
	refreshesTotal        metric.Int64Counter
	refreshDuration       metric.Float64Histogram
	coalescedTotal        metric.Int64Counter
	togglesTotal          metric.Int64Counter
	rollbacksTotal        metric.Int64Counter
	confirmAttemptsTotal  metric.Int64Counter
	scheduleSuppressTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the metrics system. Returns a shutdown function to
// call on application exit. Safe to call more than once; only the first call
// initializes.
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
		cfg.ServiceName = "client-sync"
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

	// Still collect when no exporter is configured.
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

	meter := mp.Meter(meterName)

	refreshesTotal, err := meter.Int64Counter(
		"client_sync_refreshes_total",
		metric.WithDescription("Total entitlement refreshes by trigger and result"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return err
	}

	refreshDuration, err := meter.Float64Histogram(
		"client_sync_refresh_duration_seconds",
		metric.WithDescription("Entitlement refresh duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	coalescedTotal, err := meter.Int64Counter(
		"client_sync_coalesced_requests_total",
		metric.WithDescription("Requests that joined an already in-flight call"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	togglesTotal, err := meter.Int64Counter(
		"client_sync_toggles_total",
		metric.WithDescription("Saved-item toggle operations by result"),
		metric.WithUnit("{toggle}"),
	)
	if err != nil {
		return err
	}

	rollbacksTotal, err := meter.Int64Counter(
		"client_sync_rollbacks_total",
		metric.WithDescription("Optimistic mutations rolled back after server rejection"),
		metric.WithUnit("{rollback}"),
	)
	if err != nil {
		return err
	}

	confirmAttemptsTotal, err := meter.Int64Counter(
		"client_sync_confirmation_attempts_total",
		metric.WithDescription("Payment confirmation attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	scheduleSuppressTotal, err := meter.Int64Counter(
		"client_sync_schedule_suppressed_total",
		metric.WithDescription("Scheduled refreshes suppressed by exempt route or rate limit"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		refreshesTotal:        refreshesTotal,
		refreshDuration:       refreshDuration,
		coalescedTotal:        coalescedTotal,
		togglesTotal:          togglesTotal,
		rollbacksTotal:        rollbacksTotal,
		confirmAttemptsTotal:  confirmAttemptsTotal,
		scheduleSuppressTotal: scheduleSuppressTotal,
		meterProvider:         mp,
		promHandler:           promHandler,
	}

	return nil
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

// PrometheusHandler returns the /metrics handler, or nil if Prometheus
// export is not enabled.
func PrometheusHandler() http.Handler {
	if globalMetrics == nil {
		return nil
	}
	return globalMetrics.promHandler
}

// RecordRefresh records a completed entitlement refresh.
func RecordRefresh(ctx context.Context, trigger, result string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("trigger", trigger),
		attribute.String("result", result),
	)
	globalMetrics.refreshesTotal.Add(ctx, 1, attrs)
	globalMetrics.refreshDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCoalesced records a request that was merged into an in-flight call.
func RecordCoalesced(ctx context.Context, operation string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.coalescedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordToggle records a toggle operation outcome.
func RecordToggle(ctx context.Context, result string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.togglesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordRollback records a rolled-back optimistic mutation.
func RecordRollback(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.rollbacksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordConfirmationAttempt records a payment confirmation attempt.
func RecordConfirmationAttempt(ctx context.Context, outcome string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.confirmAttemptsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordSuppressed records a refresh suppressed before execution.
func RecordSuppressed(ctx context.Context, cause string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.scheduleSuppressTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("cause", cause),
	))
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
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
