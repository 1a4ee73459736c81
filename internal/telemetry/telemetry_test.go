package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := New(provider.Meter(MeterName))
	require.NoError(t, err)
	return m, reader
}

func sumOf(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestMetrics_Commit(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	s := Scope{Period: "03-2025", Class: "NFe"}

	m.Commit(ctx, s, 5, 5, 3, 2)
	m.Commit(ctx, s, 2, 2, 0, 2)

	assert.Equal(t, int64(7), sumOf(t, reader, "fiscalsync.documents.fetched"))
	assert.Equal(t, int64(3), sumOf(t, reader, "fiscalsync.documents.mirrored"))
	assert.Equal(t, int64(4), sumOf(t, reader, "fiscalsync.documents.already_ledgered"))
}

func TestMetrics_FailureCarriesKind(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.Failure(context.Background(), Scope{Period: "03-2025", Class: "CTe"}, "TRANSPORT_FAILURE")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var found bool
	for _, metric := range rm.ScopeMetrics[0].Metrics {
		if metric.Name != "fiscalsync.failures" {
			continue
		}
		sum := metric.Data.(metricdata.Sum[int64])
		require.Len(t, sum.DataPoints, 1)
		kind, ok := sum.DataPoints[0].Attributes.Value(attribute.Key("kind"))
		require.True(t, ok)
		assert.Equal(t, "TRANSPORT_FAILURE", kind.AsString())
		found = true
	}
	assert.True(t, found)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Commit(context.Background(), Scope{}, 1, 1, 1, 1)
		m.Failure(context.Background(), Scope{}, "x")
		m.Suppressed(context.Background(), Scope{})
	})
}
