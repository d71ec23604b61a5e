package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/bookstream/internal/schema"
)

// StreamMetrics holds the instruments of one connector. A nil *StreamMetrics
// records nothing.
type StreamMetrics struct {
	exchange attribute.KeyValue

	framesReceived   metric.Int64Counter
	framesDropped    metric.Int64Counter
	bookUpdates      metric.Int64Counter
	trades           metric.Int64Counter
	subscribeLatency metric.Float64Histogram
	activeChannels   metric.Int64UpDownCounter
	reconnects       metric.Int64Counter
	eventsDropped    metric.Int64Counter
}

// NewStreamMetrics registers the stream instruments on meter.
func NewStreamMetrics(meter metric.Meter, exchange string) (*StreamMetrics, error) {
	m := &StreamMetrics{exchange: AttrExchange.String(exchange)}
	var err error
	if m.framesReceived, err = meter.Int64Counter(MetricFramesReceived,
		metric.WithDescription("Inbound frames by class"),
		metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if m.framesDropped, err = meter.Int64Counter(MetricFramesDropped,
		metric.WithDescription("Inbound frames dropped without emission"),
		metric.WithUnit("{frame}")); err != nil {
		return nil, err
	}
	if m.bookUpdates, err = meter.Int64Counter(MetricBookUpdates,
		metric.WithDescription("Book snapshots and deltas applied"),
		metric.WithUnit("{update}")); err != nil {
		return nil, err
	}
	if m.trades, err = meter.Int64Counter(MetricTrades,
		metric.WithDescription("Public trades emitted"),
		metric.WithUnit("{trade}")); err != nil {
		return nil, err
	}
	if m.subscribeLatency, err = meter.Float64Histogram(MetricSubscribeLatency,
		metric.WithDescription("Time from request to venue acknowledgment"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if m.activeChannels, err = meter.Int64UpDownCounter(MetricActiveChannels,
		metric.WithDescription("Channels currently bound on the connection"),
		metric.WithUnit("{channel}")); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter(MetricReconnects,
		metric.WithDescription("Successful reconnects after the first dial"),
		metric.WithUnit("{connection}")); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = meter.Int64Counter(MetricEventsDropped,
		metric.WithDescription("Events evicted from a full consumer buffer"),
		metric.WithUnit("{event}")); err != nil {
		return nil, err
	}
	return m, nil
}

// FrameReceived counts an inbound frame of the given class.
func (m *StreamMetrics) FrameReceived(frame string) {
	if m == nil {
		return
	}
	m.framesReceived.Add(context.Background(), 1, metric.WithAttributes(m.exchange, AttrFrame.String(frame)))
}

// FrameDropped counts a frame dropped for reason.
func (m *StreamMetrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.Add(context.Background(), 1, metric.WithAttributes(m.exchange, AttrReason.String(reason)))
}

// BookUpdate counts an applied snapshot or delta.
func (m *StreamMetrics) BookUpdate(symbol schema.Symbol, mode string) {
	if m == nil {
		return
	}
	m.bookUpdates.Add(context.Background(), 1, metric.WithAttributes(
		m.exchange,
		AttrSymbol.String(string(symbol)),
		AttrMode.String(mode),
	))
}

// TradeReceived counts an emitted trade.
func (m *StreamMetrics) TradeReceived(schema.Symbol) {
	if m == nil {
		return
	}
	m.trades.Add(context.Background(), 1, metric.WithAttributes(m.exchange))
}

// RecordSettled observes the latency of a settled subscribe or unsubscribe.
func (m *StreamMetrics) RecordSettled(op string, kind schema.Kind, latency time.Duration, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.subscribeLatency.Record(context.Background(), float64(latency)/float64(time.Millisecond), metric.WithAttributes(
		m.exchange,
		AttrOperation.String(op),
		AttrKind.String(string(kind)),
		AttrResult.String(result),
	))
}

// ChannelsChanged moves the active channel gauge by delta.
func (m *StreamMetrics) ChannelsChanged(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.activeChannels.Add(context.Background(), int64(delta), metric.WithAttributes(m.exchange))
}

// Reconnected counts a reconnect.
func (m *StreamMetrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1, metric.WithAttributes(m.exchange))
}

// EventDropped counts an event evicted from the consumer buffer.
func (m *StreamMetrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Add(context.Background(), 1, metric.WithAttributes(m.exchange))
}
