package book

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/bookstream/internal/schema"
)

// State is the book of one symbol. All methods are safe for concurrent use;
// each State carries its own lock so unrelated symbols never contend.
type State struct {
	mu         sync.Mutex
	symbol     schema.Symbol
	bids       *Side
	asks       *Side
	depth      int
	synced     bool
	lastUpdate time.Time
}

// NewState constructs an empty book limited to depth levels per side (<=0 keeps full depth).
func NewState(symbol schema.Symbol, depth int) *State {
	return &State{
		mu:         sync.Mutex{},
		symbol:     symbol,
		bids:       newSide(),
		asks:       newSide(),
		depth:      depth,
		synced:     false,
		lastUpdate: time.Time{},
	}
}

// Symbol returns the symbol the book belongs to.
func (s *State) Symbol() schema.Symbol { return s.symbol }

// Depth returns the configured depth limit.
func (s *State) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth
}

// SetDepth changes the depth limit applied by Materialize.
func (s *State) SetDepth(depth int) {
	s.mu.Lock()
	s.depth = depth
	s.mu.Unlock()
}

// Synced reports whether a snapshot has been applied since the last reset.
func (s *State) Synced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// LastUpdate returns the timestamp of the most recent applied change.
func (s *State) LastUpdate() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUpdate
}

// ApplySnapshot replaces both sides with records and marks the book synced.
func (s *State) ApplySnapshot(records []Record, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bids.clear()
	s.asks.clear()
	for _, rec := range records {
		if rec.Count > 0 {
			s.applyLocked(rec)
		}
	}
	s.synced = true
	s.touchLocked(ts)
}

// ApplyDelta merges a single record. It returns false, leaving state untouched,
// while the book awaits its first snapshot.
func (s *State) ApplyDelta(rec Record, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.synced {
		return false
	}
	s.applyLocked(rec)
	s.touchLocked(ts)
	return true
}

// ApplyDeltaBatch merges records in order under a single lock acquisition.
func (s *State) ApplyDeltaBatch(records []Record, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.synced {
		return false
	}
	for _, rec := range records {
		s.applyLocked(rec)
	}
	s.touchLocked(ts)
	return true
}

// applyLocked is last-write-wins per price, so redelivered records converge.
func (s *State) applyLocked(rec Record) {
	side := s.sideForLocked(rec)
	if side == nil {
		return
	}
	if rec.Count > 0 {
		side.Upsert(rec.Price, rec.Amount.Abs(), rec.Count)
		return
	}
	side.Delete(rec.Price)
}

// sideForLocked picks the side implied by the amount sign. A zero amount names no
// side, so such records are skipped rather than filed as asks.
func (s *State) sideForLocked(rec Record) *Side {
	switch rec.Amount.Sign() {
	case 1:
		return s.bids
	case -1:
		return s.asks
	default:
		return nil
	}
}

func (s *State) touchLocked(ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	s.lastUpdate = ts
}

// Reset discards both sides; the book stays unsynced until the next snapshot.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bids.clear()
	s.asks.clear()
	s.synced = false
}

// Materialize returns a sorted copy of the book. depth <= 0 applies the configured
// limit; a larger depth is capped by it.
func (s *State) Materialize(depth int) schema.BookSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if depth <= 0 || (s.depth > 0 && depth > s.depth) {
		depth = s.depth
	}
	return schema.BookSnapshot{
		Symbol:    s.symbol,
		Bids:      s.bids.Levels(true, depth),
		Asks:      s.asks.Levels(false, depth),
		Timestamp: s.lastUpdate,
	}
}

// Level returns the bid or ask level stored at price, mainly for inspection.
func (s *State) Level(bid bool, price decimal.Decimal) (PriceLevel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bid {
		return s.bids.Get(price)
	}
	return s.asks.Get(price)
}

// Len returns the number of levels on each side.
func (s *State) Len() (bids, asks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bids.Len(), s.asks.Len()
}
