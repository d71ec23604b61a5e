// Package book maintains per-symbol order books from venue snapshots and deltas.
package book

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/coachpo/bookstream/internal/schema"
)

// PriceLevel is a resting price level. Size is a magnitude; the side is implied
// by the Side holding it.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Count int64
}

// Side maps exact prices to levels for one side of one book.
// It is not safe for concurrent use; State guards it.
type Side struct {
	levels map[string]PriceLevel
}

func newSide() *Side {
	return &Side{levels: make(map[string]PriceLevel)}
}

// key canonicalises a price so that 100, 100.0 and 1e2 address the same level.
func key(price decimal.Decimal) string {
	return price.String()
}

// Upsert stores the level, replacing any level at the same price.
// A zero count removes the level instead.
func (s *Side) Upsert(price, size decimal.Decimal, count int64) {
	if count <= 0 {
		s.Delete(price)
		return
	}
	s.levels[key(price)] = PriceLevel{Price: price, Size: size.Abs(), Count: count}
}

// Delete removes the level at price. It reports whether a level was present.
func (s *Side) Delete(price decimal.Decimal) bool {
	k := key(price)
	if _, ok := s.levels[k]; !ok {
		return false
	}
	delete(s.levels, k)
	return true
}

// Get returns the level stored at price.
func (s *Side) Get(price decimal.Decimal) (PriceLevel, bool) {
	lvl, ok := s.levels[key(price)]
	return lvl, ok
}

// Len returns the number of stored levels.
func (s *Side) Len() int { return len(s.levels) }

func (s *Side) clear() {
	for k := range s.levels {
		delete(s.levels, k)
	}
}

// Levels returns the side sorted best-first, truncated to limit when limit > 0.
func (s *Side) Levels(descending bool, limit int) []schema.Level {
	if len(s.levels) == 0 {
		return []schema.Level{}
	}
	sorted := make([]PriceLevel, 0, len(s.levels))
	for _, lvl := range s.levels {
		sorted = append(sorted, lvl)
	}
	sort.Slice(sorted, func(i, j int) bool {
		cmp := sorted[i].Price.Cmp(sorted[j].Price)
		if descending {
			return cmp > 0
		}
		return cmp < 0
	})
	n := len(sorted)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]schema.Level, n)
	for i := 0; i < n; i++ {
		out[i] = schema.Level{Price: sorted[i].Price, Size: sorted[i].Size}
	}
	return out
}
