package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) []metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	return rm.ScopeMetrics[0].Metrics
}

func findMetric(t *testing.T, metrics []metricdata.Metrics, name string) metricdata.Metrics {
	t.Helper()
	for _, m := range metrics {
		if m.Name == name {
			return m
		}
	}
	t.Fatalf("metric %q not recorded", name)
	return metricdata.Metrics{}
}

func TestClueMetricsRecordGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := &ClueMetrics{meter: provider.Meter("test")}

	m.RecordGauge("orchestra.sessions.active", 2, "kind", "analytics")
	m.RecordGauge("orchestra.sessions.active", 3, "kind", "analytics")

	got := findMetric(t, collect(t, reader), "orchestra.sessions.active")
	gauge, ok := got.Data.(metricdata.Gauge[float64])
	require.True(t, ok, "expected a gauge aggregation, got %T", got.Data)
	require.Len(t, gauge.DataPoints, 1)
	require.Equal(t, 3.0, gauge.DataPoints[0].Value, "gauges keep the last value, not a sum")
	require.True(t, gauge.DataPoints[0].Attributes.HasValue("kind"))
}

func TestClueMetricsIncCounter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := &ClueMetrics{meter: provider.Meter("test")}

	m.IncCounter("orchestra.cycles.completed", 1, "kind", "analytics")
	m.IncCounter("orchestra.cycles.completed", 1, "kind", "analytics")

	got := findMetric(t, collect(t, reader), "orchestra.cycles.completed")
	sum, ok := got.Data.(metricdata.Sum[float64])
	require.True(t, ok, "expected a sum aggregation, got %T", got.Data)
	require.Len(t, sum.DataPoints, 1)
	require.Equal(t, 2.0, sum.DataPoints[0].Value)
}

func TestClueMetricsRecordTimer(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := &ClueMetrics{meter: provider.Meter("test")}

	m.RecordTimer("orchestra.cycle.duration", 250*time.Millisecond)

	got := findMetric(t, collect(t, reader), "orchestra.cycle.duration")
	hist, ok := got.Data.(metricdata.Histogram[float64])
	require.True(t, ok, "expected a histogram aggregation, got %T", got.Data)
	require.Len(t, hist.DataPoints, 1)
	require.Equal(t, 0.25, hist.DataPoints[0].Sum)
}
