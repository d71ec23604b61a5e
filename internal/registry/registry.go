// Package registry maps connection-scoped channel ids to subscribed streams.
package registry

import (
	"strconv"
	"sync"

	"github.com/coachpo/bookstream/errs"
	"github.com/coachpo/bookstream/internal/schema"
)

// Binding is the (symbol, kind) pair a channel id carries.
type Binding struct {
	Symbol schema.Symbol
	Kind   schema.Kind
}

type streamKey struct {
	symbol schema.Symbol
	kind   schema.Kind
}

// Registry is a bidirectional chanId <-> (symbol, kind) lookup for one connection.
// It holds no stream state of its own and is cleared on every disconnect.
type Registry struct {
	exchange string

	mu       sync.RWMutex
	channels map[int64]Binding
	streams  map[streamKey]int64
}

// New constructs an empty registry; exchange labels the errors it returns.
func New(exchange string) *Registry {
	return &Registry{
		exchange: exchange,
		mu:       sync.RWMutex{},
		channels: make(map[int64]Binding),
		streams:  make(map[streamKey]int64),
	}
}

// Register binds chanID to (symbol, kind).
//
// Binding a chanID that is live for a different stream fails with DuplicateChannel.
// Re-registering an identical binding succeeds. When the stream is already bound
// to another chanID, the stale id is released.
func (r *Registry) Register(chanID int64, symbol schema.Symbol, kind schema.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.channels[chanID]; ok {
		if existing.Symbol == symbol && existing.Kind == kind {
			return nil
		}
		return errs.New(r.exchange, errs.CodeDuplicateChannel,
			errs.WithMessage("channel already bound to another stream"),
			errs.WithVenueField("chanId", strconv.FormatInt(chanID, 10)),
			errs.WithVenueField("bound", string(existing.Symbol)+"/"+string(existing.Kind)),
			errs.WithVenueField("requested", string(symbol)+"/"+string(kind)))
	}
	sk := streamKey{symbol: symbol, kind: kind}
	if stale, ok := r.streams[sk]; ok {
		delete(r.channels, stale)
	}
	r.channels[chanID] = Binding{Symbol: symbol, Kind: kind}
	r.streams[sk] = chanID
	return nil
}

// Resolve returns the binding for chanID or an UnknownChannel error.
func (r *Registry) Resolve(chanID int64) (Binding, error) {
	r.mu.RLock()
	b, ok := r.channels[chanID]
	r.mu.RUnlock()
	if !ok {
		return Binding{}, errs.New(r.exchange, errs.CodeUnknownChannel,
			errs.WithMessage("no stream registered for channel"),
			errs.WithVenueField("chanId", strconv.FormatInt(chanID, 10)))
	}
	return b, nil
}

// Lookup returns the chanID currently bound to (symbol, kind).
func (r *Registry) Lookup(symbol schema.Symbol, kind schema.Kind) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.streams[streamKey{symbol: symbol, kind: kind}]
	return id, ok
}

// Unregister removes chanID. Removing an absent id is a no-op.
func (r *Registry) Unregister(chanID int64) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.channels[chanID]
	if !ok {
		return Binding{}, false
	}
	delete(r.channels, chanID)
	sk := streamKey{symbol: b.Symbol, kind: b.Kind}
	if r.streams[sk] == chanID {
		delete(r.streams, sk)
	}
	return b, true
}

// Clear drops every binding.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.channels = make(map[int64]Binding)
	r.streams = make(map[streamKey]int64)
	r.mu.Unlock()
}

// Len returns the number of live channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
