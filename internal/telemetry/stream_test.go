package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/coachpo/bookstream/internal/schema"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "aggregation is %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestStreamMetricsRecords(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewStreamMetrics(mp.Meter("bookstream"), "bitfinex2")
	require.NoError(t, err)

	m.FrameReceived("data")
	m.FrameReceived("heartbeat")
	m.FrameDropped("unknown_channel")
	m.BookUpdate("BTC/USD", "snapshot")
	m.BookUpdate("BTC/USD", "delta")
	m.TradeReceived("BTC/USD")
	m.RecordSettled("subscribe", schema.KindOrderBook, 42*time.Millisecond, nil)
	m.RecordSettled("subscribe", schema.KindTrades, time.Second, errors.New("timeout"))
	m.ChannelsChanged(2)
	m.ChannelsChanged(-1)
	m.Reconnected()
	m.EventDropped()

	got := collect(t, reader)
	require.Equal(t, int64(2), sumOf(t, got[MetricFramesReceived]))
	require.Equal(t, int64(1), sumOf(t, got[MetricFramesDropped]))
	require.Equal(t, int64(2), sumOf(t, got[MetricBookUpdates]))
	require.Equal(t, int64(1), sumOf(t, got[MetricTrades]))
	require.Equal(t, int64(1), sumOf(t, got[MetricActiveChannels]))
	require.Equal(t, int64(1), sumOf(t, got[MetricReconnects]))
	require.Equal(t, int64(1), sumOf(t, got[MetricEventsDropped]))

	hist, ok := got[MetricSubscribeLatency].(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	require.Equal(t, uint64(2), count)
}

func TestNilStreamMetricsIsSafe(t *testing.T) {
	var m *StreamMetrics
	m.FrameReceived("data")
	m.FrameDropped("malformed")
	m.BookUpdate("BTC/USD", "delta")
	m.TradeReceived("BTC/USD")
	m.RecordSettled("subscribe", schema.KindTrades, time.Millisecond, nil)
	m.ChannelsChanged(1)
	m.Reconnected()
	m.EventDropped()
}

func TestDisabledProviderUsesGlobalMeter(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.False(t, p.Enabled())
	require.NotNil(t, p.Meter("bookstream"))
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
