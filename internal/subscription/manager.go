// Package subscription drives the per-stream subscribe/unsubscribe lifecycle.
package subscription

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/coachpo/bookstream/errs"
	"github.com/coachpo/bookstream/internal/adapters/shared"
	"github.com/coachpo/bookstream/internal/observability"
	"github.com/coachpo/bookstream/internal/registry"
	"github.com/coachpo/bookstream/internal/schema"
)

// DefaultTimeout applies when neither the request nor the manager sets one.
const DefaultTimeout = 10 * time.Second

// State is the lifecycle position of one (symbol, kind) subscription.
type State int

const (
	// Unsubscribed is the initial and terminal state.
	Unsubscribed State = iota
	// PendingSubscribe awaits the venue's subscribed acknowledgment.
	PendingSubscribe
	// Active has a registered channel id.
	Active
	// PendingUnsubscribe awaits the venue's unsubscribed acknowledgment.
	PendingUnsubscribe
	// Failed follows a timeout or venue error; it accepts a new subscribe.
	Failed
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case PendingSubscribe:
		return "pending-subscribe"
	case Active:
		return "active"
	case PendingUnsubscribe:
		return "pending-unsubscribe"
	case Failed:
		return "failed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Sender queues an outbound frame without blocking on the network.
type Sender interface {
	Send(payload any) error
}

// Recorder receives settlement measurements; telemetry implements it.
type Recorder interface {
	RecordSettled(op string, kind schema.Kind, latency time.Duration, err error)
}

// Options tune a single subscribe or unsubscribe.
type Options struct {
	Depth   int
	Timeout time.Duration
}

// Config wires a Manager.
type Config struct {
	Dialect        shared.Dialect
	Registry       *registry.Registry
	Sender         Sender
	DefaultTimeout time.Duration
	Logger         observability.Logger
	Recorder       Recorder
}

// Ack describes a settled subscribe.
type Ack struct {
	Symbol  schema.Symbol
	Kind    schema.Kind
	ChanID  int64
	Depth   int
	Latency time.Duration
}

// Status is a point-in-time view of one subscription.
type Status struct {
	Symbol schema.Symbol
	Kind   schema.Kind
	State  State
	ChanID int64
	Depth  int
}

type key struct {
	symbol schema.Symbol
	kind   schema.Kind
}

type entry struct {
	mu      sync.Mutex
	state   State
	chanID  int64
	depth   int
	pending *Pending
	timer   *time.Timer
	gen     uint64
	started time.Time
}

// Manager owns every subscription of one connection. Each entry has its own
// lock; the manager lock only guards the entry map.
type Manager struct {
	dialect  shared.Dialect
	registry *registry.Registry
	sender   Sender
	timeout  time.Duration
	logger   observability.Logger
	recorder Recorder
	exchange string

	mu      sync.RWMutex
	entries map[key]*entry
}

// NewManager constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dialect == nil {
		return nil, fmt.Errorf("subscription manager: dialect required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("subscription manager: registry required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("subscription manager: sender required")
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Manager{
		dialect:  cfg.Dialect,
		registry: cfg.Registry,
		sender:   cfg.Sender,
		timeout:  timeout,
		logger:   observability.OrDefault(cfg.Logger),
		recorder: cfg.Recorder,
		exchange: cfg.Dialect.Name(),
		mu:       sync.RWMutex{},
		entries:  make(map[key]*entry),
	}, nil
}

func (m *Manager) entry(symbol schema.Symbol, kind schema.Kind) *entry {
	k := key{symbol: symbol, kind: kind}
	m.mu.RLock()
	e, ok := m.entries[k]
	m.mu.RUnlock()
	if ok {
		return e
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok = m.entries[k]; ok {
		return e
	}
	e = &entry{state: Unsubscribed}
	m.entries[k] = e
	return e
}

func (m *Manager) lookup(symbol schema.Symbol, kind schema.Kind) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key{symbol: symbol, kind: kind}]
	return e, ok
}

func (m *Manager) timeoutOr(d time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return m.timeout
}

// Subscribe queues a subscribe request and returns its pending handle.
func (m *Manager) Subscribe(ctx context.Context, symbol schema.Symbol, kind schema.Kind, opts Options) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := m.entry(symbol, kind)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case PendingSubscribe, Active, PendingUnsubscribe:
		return nil, errs.New(m.exchange, errs.CodeAlreadySubscribing,
			errs.WithMessage("subscription is "+e.state.String()),
			errs.WithVenueField("symbol", string(symbol)),
			errs.WithVenueField("kind", string(kind)))
	}

	req, err := m.dialect.SubscribeRequest(symbol, kind, opts.Depth)
	if err != nil {
		return nil, fmt.Errorf("build subscribe request: %w", err)
	}
	if err := m.sender.Send(req); err != nil {
		return nil, fmt.Errorf("queue subscribe request: %w", err)
	}

	p := newPending(OpSubscribe, symbol, kind)
	e.gen++
	gen := e.gen
	e.state = PendingSubscribe
	e.depth = opts.Depth
	e.chanID = 0
	e.pending = p
	e.started = time.Now()
	e.timer = time.AfterFunc(m.timeoutOr(opts.Timeout), func() { m.expire(symbol, kind, gen) })

	m.logger.Debug("subscribe queued",
		observability.F("symbol", symbol),
		observability.F("kind", kind),
		observability.F("request_id", p.ID()))
	return p, nil
}

// Unsubscribe queues an unsubscribe for an active subscription.
func (m *Manager) Unsubscribe(ctx context.Context, symbol schema.Symbol, kind schema.Kind, opts Options) (*Pending, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := m.lookup(symbol, kind)
	if !ok {
		return nil, m.notSubscribed(symbol, kind, Unsubscribed)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Active {
		return nil, m.notSubscribed(symbol, kind, e.state)
	}
	if err := m.sender.Send(m.dialect.UnsubscribeRequest(e.chanID)); err != nil {
		return nil, fmt.Errorf("queue unsubscribe request: %w", err)
	}

	p := newPending(OpUnsubscribe, symbol, kind)
	e.gen++
	gen := e.gen
	e.state = PendingUnsubscribe
	e.pending = p
	e.started = time.Now()
	e.timer = time.AfterFunc(m.timeoutOr(opts.Timeout), func() { m.expire(symbol, kind, gen) })

	m.logger.Debug("unsubscribe queued",
		observability.F("symbol", symbol),
		observability.F("kind", kind),
		observability.F("chanId", e.chanID),
		observability.F("request_id", p.ID()))
	return p, nil
}

func (m *Manager) notSubscribed(symbol schema.Symbol, kind schema.Kind, state State) error {
	return errs.New(m.exchange, errs.CodeNotSubscribed,
		errs.WithMessage("subscription is "+state.String()),
		errs.WithVenueField("symbol", string(symbol)),
		errs.WithVenueField("kind", string(kind)))
}

// HandleSubscribed binds chanID after a subscribed acknowledgment for venueSymbol
// and settles the pending request. Acknowledgments nobody is waiting for are
// returned as warnings and the orphan channel is released at the venue.
func (m *Manager) HandleSubscribed(venueSymbol string, kind schema.Kind, chanID int64) (Ack, error) {
	symbol, ok := m.dialect.CanonicalSymbol(venueSymbol)
	if !ok {
		m.releaseOrphan(chanID)
		return Ack{}, m.unsolicited(schema.Symbol(venueSymbol), kind, chanID)
	}
	e, ok := m.lookup(symbol, kind)
	if !ok {
		m.releaseOrphan(chanID)
		return Ack{}, m.unsolicited(symbol, kind, chanID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != PendingSubscribe {
		if e.state == Active && e.chanID == chanID {
			return Ack{Symbol: symbol, Kind: kind, ChanID: chanID, Depth: e.depth}, nil
		}
		m.releaseOrphan(chanID)
		return Ack{}, m.unsolicited(symbol, kind, chanID)
	}

	latency := time.Since(e.started)
	if err := m.registry.Register(chanID, symbol, kind); err != nil {
		m.settleLocked(e, Failed, 0, err, latency)
		return Ack{}, err
	}
	m.settleLocked(e, Active, chanID, nil, latency)
	return Ack{Symbol: symbol, Kind: kind, ChanID: chanID, Depth: e.depth, Latency: latency}, nil
}

func (m *Manager) releaseOrphan(chanID int64) {
	if chanID <= 0 {
		return
	}
	if err := m.sender.Send(m.dialect.UnsubscribeRequest(chanID)); err != nil {
		m.logger.Debug("release orphan channel", observability.F("chanId", chanID), observability.Err(err))
	}
}

func (m *Manager) unsolicited(symbol schema.Symbol, kind schema.Kind, chanID int64) error {
	return errs.New(m.exchange, errs.CodeUnknownChannel,
		errs.WithMessage("acknowledgment without pending subscription"),
		errs.WithVenueField("symbol", string(symbol)),
		errs.WithVenueField("kind", string(kind)),
		errs.WithVenueField("chanId", strconv.FormatInt(chanID, 10)))
}

// HandleUnsubscribed releases chanID after an unsubscribed acknowledgment.
func (m *Manager) HandleUnsubscribed(chanID int64) (registry.Binding, error) {
	b, err := m.registry.Resolve(chanID)
	if err != nil {
		return registry.Binding{}, err
	}
	m.registry.Unregister(chanID)
	e, ok := m.lookup(b.Symbol, b.Kind)
	if !ok {
		return b, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.chanID != chanID {
		return b, nil
	}
	m.settleLocked(e, Unsubscribed, 0, nil, time.Since(e.started))
	return b, nil
}

// HandleError settles a pending request rejected by a venue error frame that
// names venueSymbol. It returns the canonical symbol and whether a pending
// request matched.
func (m *Manager) HandleError(venueSymbol string, kind schema.Kind, code, msg string) (schema.Symbol, bool) {
	symbol, ok := m.dialect.CanonicalSymbol(venueSymbol)
	if !ok {
		return "", false
	}
	return symbol, m.reject(symbol, kind, code, msg)
}

// HandleChannelError settles the pending request of the subscription bound to
// chanID. Unsubscribe errors carry only the channel id.
func (m *Manager) HandleChannelError(chanID int64, code, msg string) (registry.Binding, bool) {
	b, ok := m.lookupChannel(chanID)
	if !ok {
		return registry.Binding{}, false
	}
	return b, m.reject(b.Symbol, b.Kind, code, msg)
}

func (m *Manager) lookupChannel(chanID int64) (registry.Binding, bool) {
	b, err := m.registry.Resolve(chanID)
	if err != nil {
		return registry.Binding{}, false
	}
	return b, true
}

func (m *Manager) reject(symbol schema.Symbol, kind schema.Kind, code, msg string) bool {
	e, ok := m.lookup(symbol, kind)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != PendingSubscribe && e.state != PendingUnsubscribe {
		return false
	}
	op := OpSubscribe
	if e.state == PendingUnsubscribe {
		op = OpUnsubscribe
	}
	err := errs.New(m.exchange, errs.CodeSubscribeRejected,
		errs.WithMessage(string(op)+" rejected by venue"),
		errs.WithRawCode(code),
		errs.WithRawMessage(msg),
		errs.WithVenueField("symbol", string(symbol)),
		errs.WithVenueField("kind", string(kind)))
	if op == OpUnsubscribe {
		// The venue keeps streaming on the channel, so the binding stays live.
		m.settleLocked(e, Active, e.chanID, err, time.Since(e.started))
		return true
	}
	m.settleLocked(e, Failed, 0, err, time.Since(e.started))
	return true
}

// expire fires from the request timer; a stale generation means the request it
// was armed for has already settled.
func (m *Manager) expire(symbol schema.Symbol, kind schema.Kind, gen uint64) {
	e, ok := m.lookup(symbol, kind)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return
	}
	var code errs.Code
	switch e.state {
	case PendingSubscribe:
		code = errs.CodeSubscribeTimeout
	case PendingUnsubscribe:
		code = errs.CodeUnsubscribeTimeout
	default:
		return
	}
	err := errs.New(m.exchange, code,
		errs.WithMessage("no acknowledgment within timeout"),
		errs.WithVenueField("symbol", string(symbol)),
		errs.WithVenueField("kind", string(kind)))
	m.logger.Warn("subscription request timed out",
		observability.F("symbol", symbol),
		observability.F("kind", kind),
		observability.Err(err))
	m.settleLocked(e, Failed, e.chanID, err, time.Since(e.started))
}

// settleLocked moves e to next and resolves the pending request, if any.
func (m *Manager) settleLocked(e *entry, next State, chanID int64, err error, latency time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.state = next
	e.chanID = chanID
	p := e.pending
	e.pending = nil
	if p == nil {
		return
	}
	if p.resolve(chanID, err) && m.recorder != nil {
		m.recorder.RecordSettled(string(p.op), p.kind, latency, err)
	}
}

// Reset returns every subscription to Unsubscribed, rejects pending requests with
// ConnectionLost and clears the registry. Nothing is resubscribed.
func (m *Manager) Reset() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		e.gen++
		var err error
		if e.pending != nil {
			err = errs.New(m.exchange, errs.CodeConnectionLost,
				errs.WithMessage("connection lost before acknowledgment"),
				errs.WithVenueField("symbol", string(e.pending.symbol)),
				errs.WithVenueField("kind", string(e.pending.kind)))
		}
		m.settleLocked(e, Unsubscribed, 0, err, time.Since(e.started))
		e.mu.Unlock()
	}
	m.registry.Clear()
}

// State returns the lifecycle state of (symbol, kind).
func (m *Manager) State(symbol schema.Symbol, kind schema.Kind) State {
	e, ok := m.lookup(symbol, kind)
	if !ok {
		return Unsubscribed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Depth returns the depth requested for (symbol, kind).
func (m *Manager) Depth(symbol schema.Symbol, kind schema.Kind) int {
	e, ok := m.lookup(symbol, kind)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.depth
}

// Snapshot lists every known subscription, sorted by symbol then kind.
func (m *Manager) Snapshot() []Status {
	m.mu.RLock()
	keys := make([]key, 0, len(m.entries))
	entries := make([]*entry, 0, len(m.entries))
	for k, e := range m.entries {
		keys = append(keys, k)
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(keys))
	for i, e := range entries {
		e.mu.Lock()
		out = append(out, Status{
			Symbol: keys[i].symbol,
			Kind:   keys[i].kind,
			State:  e.state,
			ChanID: e.chanID,
			Depth:  e.depth,
		})
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol == out[j].Symbol {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
