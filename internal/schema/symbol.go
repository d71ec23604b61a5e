// Package schema defines the canonical types emitted by the stream engine.
package schema

import (
	"strings"

	"github.com/coachpo/bookstream/errs"
)

// Symbol is the canonical BASE/QUOTE market identifier.
type Symbol string

// Kind identifies the stream carried by a channel.
type Kind string

const (
	// KindOrderBook identifies aggregated order book channels.
	KindOrderBook Kind = "orderbook"
	// KindTrades identifies public trade channels.
	KindTrades Kind = "trades"
)

// String returns the symbol as a plain string.
func (s Symbol) String() string { return string(s) }

// Base returns the base leg of the symbol, or the empty string when malformed.
func (s Symbol) Base() string {
	base, _, ok := strings.Cut(string(s), "/")
	if !ok {
		return ""
	}
	return base
}

// Quote returns the quote leg of the symbol, or the empty string when malformed.
func (s Symbol) Quote() string {
	_, quote, ok := strings.Cut(string(s), "/")
	if !ok {
		return ""
	}
	return quote
}

// ValidateSymbol verifies the canonical BASE/QUOTE representation.
func ValidateSymbol(symbol Symbol) error {
	raw := strings.TrimSpace(string(symbol))
	if raw == "" {
		return errs.New("schema/symbol", errs.CodeInvalid, errs.WithMessage("symbol required"), errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	parts := strings.Split(raw, "/")
	if len(parts) != 2 {
		return errs.New("schema/symbol", errs.CodeInvalid, errs.WithMessage("symbol requires BASE/QUOTE"), errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	for _, part := range parts {
		if part == "" {
			return errs.New("schema/symbol", errs.CodeInvalid, errs.WithMessage("symbol contains empty leg"), errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
		}
		if strings.ToUpper(part) != part {
			return errs.New("schema/symbol", errs.CodeInvalid, errs.WithMessage("symbol must be uppercase"), errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
		}
	}
	return nil
}

// ParseKind maps textual kinds, including venue channel names, to a Kind.
func ParseKind(raw string) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "orderbook", "book", "ob":
		return KindOrderBook, true
	case "trades", "trade":
		return KindTrades, true
	default:
		return "", false
	}
}

// Channel returns the venue channel name for the kind.
func (k Kind) Channel() string {
	switch k {
	case KindOrderBook:
		return "book"
	case KindTrades:
		return "trades"
	default:
		return string(k)
	}
}
