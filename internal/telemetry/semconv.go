package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to stream instruments.
const (
	AttrExchange    = attribute.Key("exchange")
	AttrSymbol      = attribute.Key("symbol")
	AttrKind        = attribute.Key("kind")
	AttrFrame       = attribute.Key("frame")
	AttrReason      = attribute.Key("reason")
	AttrMode        = attribute.Key("mode")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
	AttrEnvironment = attribute.Key("environment")
)

// Instrument names.
const (
	MetricFramesReceived   = "bookstream_frames_received"
	MetricFramesDropped    = "bookstream_frames_dropped"
	MetricBookUpdates      = "bookstream_book_updates"
	MetricTrades           = "bookstream_trades"
	MetricSubscribeLatency = "bookstream_subscribe_latency"
	MetricActiveChannels   = "bookstream_active_channels"
	MetricReconnects       = "bookstream_reconnects"
	MetricEventsDropped    = "bookstream_events_dropped"
)

// Result values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)
