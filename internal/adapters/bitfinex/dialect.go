// Package bitfinex is the v1-flavoured dialect: lowercase pair ids and 25/100
// book lengths.
package bitfinex

import (
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bookstream/errs"
	"github.com/coachpo/bookstream/internal/adapters/shared"
	"github.com/coachpo/bookstream/internal/market"
	"github.com/coachpo/bookstream/internal/schema"
)

const (
	identifier    = "bitfinex"
	tradingPrefix = "t"
	defaultLength = 25
	defaultPrec   = "P0"
	defaultFreq   = "F0"
)

const (
	// DefaultWSURL is the public stream endpoint.
	DefaultWSURL = "wss://api.bitfinex.com/ws/2"
	// DefaultRESTURL is the public REST endpoint used for the pair list.
	DefaultRESTURL = "https://api.bitfinex.com"
)

var allowedLengths = []int{25, 100}

// Config captures the book channel parameters.
type Config struct {
	Precision string
	Frequency string
}

// BookRequest is the v1 book subscribe frame; len travels as a number.
type BookRequest struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Symbol  string `json:"symbol"`
	Prec    string `json:"prec"`
	Freq    string `json:"freq"`
	Len     int    `json:"len"`
}

// Dialect maps canonical symbols to lowercase pair ids.
type Dialect struct {
	catalog *market.Catalog
	cfg     Config
}

// New constructs the dialect over catalog.
func New(catalog *market.Catalog, cfg Config) *Dialect {
	if catalog == nil {
		catalog = market.NewCatalog()
	}
	return &Dialect{catalog: catalog, cfg: cfg.withDefaults()}
}

func (c Config) withDefaults() Config {
	out := c
	out.Precision = strings.ToUpper(strings.TrimSpace(out.Precision))
	if out.Precision == "" {
		out.Precision = defaultPrec
	}
	out.Frequency = strings.ToUpper(strings.TrimSpace(out.Frequency))
	if out.Frequency == "" {
		out.Frequency = defaultFreq
	}
	return out
}

// Name implements shared.Dialect.
func (d *Dialect) Name() string { return identifier }

// VenueSymbol returns the lowercase pair, e.g. btcusd.
func (d *Dialect) VenueSymbol(symbol schema.Symbol) (string, error) {
	m, ok := d.catalog.BySymbol(symbol)
	if !ok {
		return "", errs.New(identifier, errs.CodeInvalid,
			errs.WithMessage("symbol not in catalog"),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol),
			errs.WithVenueField("symbol", string(symbol)))
	}
	return strings.ToLower(m.Pair), nil
}

// CanonicalSymbol accepts tBTCUSD, BTCUSD or btcusd.
func (d *Dialect) CanonicalSymbol(venueSymbol string) (schema.Symbol, bool) {
	s := strings.TrimSpace(venueSymbol)
	if m, ok := d.catalog.ByPair(s); ok {
		return m.Symbol, true
	}
	if strings.HasPrefix(s, tradingPrefix) {
		if m, ok := d.catalog.ByPair(s[len(tradingPrefix):]); ok {
			return m.Symbol, true
		}
	}
	return "", false
}

// SubscribeRequest builds a book or trades subscribe frame.
func (d *Dialect) SubscribeRequest(symbol schema.Symbol, kind schema.Kind, depth int) (any, error) {
	venueSymbol, err := d.VenueSymbol(symbol)
	if err != nil {
		return nil, err
	}
	switch kind {
	case schema.KindOrderBook:
		return BookRequest{
			Event:   "subscribe",
			Channel: kind.Channel(),
			Symbol:  venueSymbol,
			Prec:    d.cfg.Precision,
			Freq:    d.cfg.Frequency,
			Len:     shared.ClampLength(depth, defaultLength, allowedLengths...),
		}, nil
	case schema.KindTrades:
		return shared.NewTradesSubscribe(venueSymbol), nil
	default:
		return nil, errs.New(identifier, errs.CodeInvalid, errs.WithMessage("unsupported stream kind "+string(kind)))
	}
}

// UnsubscribeRequest implements shared.Dialect.
func (d *Dialect) UnsubscribeRequest(chanID int64) any {
	return shared.NewUnsubscribe(chanID)
}

// ParseTrade implements shared.Dialect.
func (d *Dialect) ParseTrade(fields []json.RawMessage) (schema.Trade, error) {
	return shared.ParseTradeTuple(identifier, fields)
}

var _ shared.Dialect = (*Dialect)(nil)
