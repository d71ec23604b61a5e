// Package shared holds the wire contract and helpers common to the venue dialects.
package shared

import (
	json "github.com/goccy/go-json"

	"github.com/coachpo/bookstream/internal/schema"
)

// Dialect supplies the venue-specific wire mapping for the shared stream engine.
type Dialect interface {
	// Name labels logs, metrics and errors.
	Name() string
	// VenueSymbol maps a canonical symbol to the id used in subscribe requests.
	VenueSymbol(symbol schema.Symbol) (string, error)
	// CanonicalSymbol maps a symbol echoed in venue frames back to the canonical form.
	CanonicalSymbol(venueSymbol string) (schema.Symbol, bool)
	// SubscribeRequest builds the outbound subscribe frame.
	SubscribeRequest(symbol schema.Symbol, kind schema.Kind, depth int) (any, error)
	// UnsubscribeRequest builds the outbound unsubscribe frame.
	UnsubscribeRequest(chanID int64) any
	// ParseTrade normalizes one trade tuple.
	ParseTrade(fields []json.RawMessage) (schema.Trade, error)
}

// UnsubscribeRequest is the unsubscribe frame shared by both API versions.
type UnsubscribeRequest struct {
	Event  string `json:"event"`
	ChanID int64  `json:"chanId"`
}

// NewUnsubscribe builds an unsubscribe frame for chanID.
func NewUnsubscribe(chanID int64) UnsubscribeRequest {
	return UnsubscribeRequest{Event: "unsubscribe", ChanID: chanID}
}

// TradesRequest subscribes to a public trades channel.
type TradesRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
}

// NewTradesSubscribe builds a trades subscribe frame for a venue symbol.
func NewTradesSubscribe(venueSymbol string) TradesRequest {
	return TradesRequest{Event: "subscribe", Channel: schema.KindTrades.Channel(), Symbol: venueSymbol}
}

// ClampLength returns depth when it is one of allowed, otherwise fallback.
func ClampLength(depth int, fallback int, allowed ...int) int {
	for _, a := range allowed {
		if depth == a {
			return depth
		}
	}
	return fallback
}
