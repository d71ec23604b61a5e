// Package market holds the symbol metadata the venue dialects map against.
package market

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/bookstream/errs"
	"github.com/coachpo/bookstream/internal/schema"
)

// Market describes one tradable pair.
type Market struct {
	Symbol schema.Symbol
	Base   string
	Quote  string
	// Pair is the venue pair without any prefix, e.g. BTCUSD or TESTBTC:TESTUSD.
	Pair string
}

// ParsePair derives a market from a venue pair such as "btcusd" or "DUSK:USD".
func ParsePair(pair string) (Market, error) {
	p := strings.ToUpper(strings.TrimSpace(pair))
	var base, quote string
	switch {
	case strings.Contains(p, ":"):
		base, quote, _ = strings.Cut(p, ":")
	case len(p) == 6:
		base, quote = p[:3], p[3:]
	default:
		return Market{}, errs.New("market", errs.CodeInvalid,
			errs.WithMessage("cannot split pair "+pair),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	if base == "" || quote == "" {
		return Market{}, errs.New("market", errs.CodeInvalid,
			errs.WithMessage("pair has empty leg: "+pair),
			errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	return Market{
		Symbol: schema.Symbol(base + "/" + quote),
		Base:   base,
		Quote:  quote,
		Pair:   p,
	}, nil
}

// FromSymbol derives a market from a canonical BASE/QUOTE symbol.
func FromSymbol(symbol schema.Symbol) (Market, error) {
	if err := schema.ValidateSymbol(symbol); err != nil {
		return Market{}, err
	}
	base, quote := symbol.Base(), symbol.Quote()
	pair := base + quote
	if len(base) != 3 || len(quote) != 3 {
		pair = base + ":" + quote
	}
	return Market{Symbol: symbol, Base: base, Quote: quote, Pair: pair}, nil
}

// Catalog indexes markets by canonical symbol and venue pair.
type Catalog struct {
	mu       sync.RWMutex
	bySymbol map[schema.Symbol]Market
	byPair   map[string]Market
}

// NewCatalog constructs a catalog seeded with markets.
func NewCatalog(markets ...Market) *Catalog {
	c := &Catalog{
		mu:       sync.RWMutex{},
		bySymbol: make(map[schema.Symbol]Market, len(markets)),
		byPair:   make(map[string]Market, len(markets)),
	}
	c.Add(markets...)
	return c
}

// CatalogFromSymbols builds a catalog from canonical symbols.
func CatalogFromSymbols(symbols ...schema.Symbol) (*Catalog, error) {
	markets := make([]Market, 0, len(symbols))
	for _, sym := range symbols {
		m, err := FromSymbol(sym)
		if err != nil {
			return nil, fmt.Errorf("catalog symbol %q: %w", sym, err)
		}
		markets = append(markets, m)
	}
	return NewCatalog(markets...), nil
}

// Add inserts or replaces markets.
func (c *Catalog) Add(markets ...Market) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range markets {
		if m.Symbol == "" || m.Pair == "" {
			continue
		}
		c.bySymbol[m.Symbol] = m
		c.byPair[strings.ToUpper(m.Pair)] = m
	}
}

// BySymbol returns the market for a canonical symbol.
func (c *Catalog) BySymbol(symbol schema.Symbol) (Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.bySymbol[symbol]
	return m, ok
}

// ByPair returns the market for a venue pair, case-insensitively.
func (c *Catalog) ByPair(pair string) (Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.byPair[strings.ToUpper(strings.TrimSpace(pair))]
	return m, ok
}

// Symbols lists the catalog's canonical symbols, sorted.
func (c *Catalog) Symbols() []schema.Symbol {
	c.mu.RLock()
	out := make([]schema.Symbol, 0, len(c.bySymbol))
	for sym := range c.bySymbol {
		out = append(out, sym)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of markets.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bySymbol)
}
