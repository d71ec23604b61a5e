package book

import (
	"sort"
	"sync"

	"github.com/coachpo/bookstream/internal/schema"
)

// Store owns the books of one connection. The store lock only guards the map;
// applies and reads take the per-symbol State lock.
type Store struct {
	mu    sync.RWMutex
	books map[schema.Symbol]*State
}

// NewStore constructs an empty book store.
func NewStore() *Store {
	return &Store{
		mu:    sync.RWMutex{},
		books: make(map[schema.Symbol]*State),
	}
}

// Ensure returns the book for symbol, creating it with depth when absent.
func (s *Store) Ensure(symbol schema.Symbol, depth int) *State {
	s.mu.RLock()
	st, ok := s.books[symbol]
	s.mu.RUnlock()
	if ok {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok = s.books[symbol]; ok {
		return st
	}
	st = NewState(symbol, depth)
	s.books[symbol] = st
	return st
}

// Get returns the book for symbol.
func (s *Store) Get(symbol schema.Symbol) (*State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.books[symbol]
	return st, ok
}

// Drop removes the book for symbol.
func (s *Store) Drop(symbol schema.Symbol) {
	s.mu.Lock()
	delete(s.books, symbol)
	s.mu.Unlock()
}

// ResetAll discards the contents of every book, keeping the entries.
func (s *Store) ResetAll() {
	s.mu.RLock()
	states := make([]*State, 0, len(s.books))
	for _, st := range s.books {
		states = append(states, st)
	}
	s.mu.RUnlock()
	for _, st := range states {
		st.Reset()
	}
}

// Symbols lists the symbols with a book, sorted.
func (s *Store) Symbols() []schema.Symbol {
	s.mu.RLock()
	out := make([]schema.Symbol, 0, len(s.books))
	for sym := range s.books {
		out = append(out, sym)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
