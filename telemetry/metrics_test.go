package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader so
// tests can collect recorded values directly.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	refreshesTotal, err := meter.Int64Counter("client_sync_refreshes_total")
	require.NoError(t, err)

	refreshDuration, err := meter.Float64Histogram("client_sync_refresh_duration_seconds")
	require.NoError(t, err)

	coalescedTotal, err := meter.Int64Counter("client_sync_coalesced_requests_total")
	require.NoError(t, err)

	togglesTotal, err := meter.Int64Counter("client_sync_toggles_total")
	require.NoError(t, err)

	rollbacksTotal, err := meter.Int64Counter("client_sync_rollbacks_total")
	require.NoError(t, err)

	confirmAttemptsTotal, err := meter.Int64Counter("client_sync_confirmation_attempts_total")
	require.NoError(t, err)

	scheduleSuppressTotal, err := meter.Int64Counter("client_sync_schedule_suppressed_total")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		refreshesTotal:        refreshesTotal,
		refreshDuration:       refreshDuration,
		coalescedTotal:        coalescedTotal,
		togglesTotal:          togglesTotal,
		rollbacksTotal:        rollbacksTotal,
		confirmAttemptsTotal:  confirmAttemptsTotal,
		scheduleSuppressTotal: scheduleSuppressTotal,
		meterProvider:         mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findMetric locates a metric by name in the collected data.
func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func sumValue(t *testing.T, m metricdata.Metrics, want attribute.Set) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		if want.Len() == 0 || dp.Attributes.Equals(&want) {
			total += dp.Value
		}
	}
	return total
}

func TestRecordRefresh(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordRefresh(context.Background(), "scheduled", "success", 120*time.Millisecond)
	RecordRefresh(context.Background(), "forced", "success", 80*time.Millisecond)
	RecordRefresh(context.Background(), "scheduled", "error", 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	m, found := findMetric(rm, "client_sync_refreshes_total")
	require.True(t, found)
	require.Equal(t, int64(3), sumValue(t, m, *attribute.EmptySet()))
	require.Equal(t, int64(1), sumValue(t, m, attribute.NewSet(
		attribute.String("trigger", "forced"),
		attribute.String("result", "success"),
	)))

	h, found := findMetric(rm, "client_sync_refresh_duration_seconds")
	require.True(t, found)
	hist, ok := h.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	require.Equal(t, uint64(3), count)
}

func TestRecordToggleAndRollback(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordToggle(context.Background(), "applied")
	RecordToggle(context.Background(), "rejected")
	RecordRollback(context.Background(), "limit_reached")

	rm := collectMetrics(t, reader)

	m, found := findMetric(rm, "client_sync_toggles_total")
	require.True(t, found)
	require.Equal(t, int64(2), sumValue(t, m, *attribute.EmptySet()))

	m, found = findMetric(rm, "client_sync_rollbacks_total")
	require.True(t, found)
	require.Equal(t, int64(1), sumValue(t, m, attribute.NewSet(
		attribute.String("reason", "limit_reached"),
	)))
}

func TestRecordConfirmationAttempt(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordConfirmationAttempt(context.Background(), "transient")
	RecordConfirmationAttempt(context.Background(), "confirmed")

	rm := collectMetrics(t, reader)
	m, found := findMetric(rm, "client_sync_confirmation_attempts_total")
	require.True(t, found)
	require.Equal(t, int64(2), sumValue(t, m, *attribute.EmptySet()))
}

func TestRecordSuppressed(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordSuppressed(context.Background(), "exempt_route")
	RecordSuppressed(context.Background(), "rate_limited")

	rm := collectMetrics(t, reader)
	m, found := findMetric(rm, "client_sync_schedule_suppressed_total")
	require.True(t, found)
	require.Equal(t, int64(2), sumValue(t, m, *attribute.EmptySet()))
}

func TestRecordFunctionsNilSafe(t *testing.T) {
	globalMetrics = nil

	RecordRefresh(context.Background(), "scheduled", "success", time.Second)
	RecordCoalesced(context.Background(), "entitlement")
	RecordToggle(context.Background(), "applied")
	RecordRollback(context.Background(), "network_error")
	RecordConfirmationAttempt(context.Background(), "confirmed")
	RecordSuppressed(context.Background(), "rate_limited")
}

func TestPrometheusHandlerNilWhenUninitialised(t *testing.T) {
	globalMetrics = nil
	require.Nil(t, PrometheusHandler())
}
