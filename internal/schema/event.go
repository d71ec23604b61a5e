package schema

import (
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// EventType enumerates the events delivered to downstream consumers.
type EventType string

const (
	// EventOrderBook carries a freshly materialized book view.
	EventOrderBook EventType = "orderbook"
	// EventTrade carries a normalized public trade.
	EventTrade EventType = "trade"
	// EventSubscribed reports an acknowledged subscription.
	EventSubscribed EventType = "subscribed"
	// EventUnsubscribed reports an acknowledged unsubscription.
	EventUnsubscribed EventType = "unsubscribed"
	// EventInfo relays venue info frames.
	EventInfo EventType = "info"
	// EventWarning reports a dropped frame; the connection is unaffected.
	EventWarning EventType = "warning"
	// EventError reports a venue error frame.
	EventError EventType = "error"
)

// Event is a single emission from the engine.
type Event struct {
	Type      EventType     `json:"type"`
	Symbol    Symbol        `json:"symbol,omitempty"`
	Kind      Kind          `json:"kind,omitempty"`
	ChannelID int64         `json:"chan_id,omitempty"`
	Book      *BookSnapshot `json:"book,omitempty"`
	Trade     *Trade        `json:"trade,omitempty"`
	Info      *Info         `json:"info,omitempty"`
	Err       error         `json:"-"`
	EmitTS    time.Time     `json:"emit_ts"`
}

// Level is a materialized (price, size) pair. It encodes as a two-element array.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// MarshalJSON renders the level as [price, size].
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]json.Number{
		json.Number(l.Price.String()),
		json.Number(l.Size.String()),
	})
}

// BookSnapshot is a sorted, depth-limited copy of a symbol's order book.
type BookSnapshot struct {
	Symbol    Symbol    `json:"symbol"`
	Bids      []Level   `json:"bids"`
	Asks      []Level   `json:"asks"`
	Timestamp time.Time `json:"timestamp"`
}

// BestBid returns the highest bid when present.
func (b BookSnapshot) BestBid() (Level, bool) {
	if len(b.Bids) == 0 {
		return Level{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask when present.
func (b BookSnapshot) BestAsk() (Level, bool) {
	if len(b.Asks) == 0 {
		return Level{}, false
	}
	return b.Asks[0], true
}

// TradeSide captures the aggressor direction of a trade.
type TradeSide string

const (
	// TradeSideBuy indicates buyer-initiated fills.
	TradeSideBuy TradeSide = "buy"
	// TradeSideSell indicates seller-initiated fills.
	TradeSideSell TradeSide = "sell"
)

// Trade represents a normalized public trade. Amount is always non-negative.
type Trade struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      TradeSide       `json:"side"`
}

// Info carries the code and message of a venue info frame.
type Info struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"msg,omitempty"`
	Version int    `json:"version,omitempty"`
}

// String renders the info frame for logs.
func (i Info) String() string {
	if i.Code == 0 {
		return "version=" + strconv.Itoa(i.Version)
	}
	return strconv.Itoa(i.Code) + ": " + i.Message
}
