// Package dispatcher classifies inbound frames and routes them to the book,
// trade and subscription paths of one connection.
package dispatcher

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/bookstream/errs"
	"github.com/coachpo/bookstream/internal/adapters/shared"
	"github.com/coachpo/bookstream/internal/book"
	"github.com/coachpo/bookstream/internal/observability"
	"github.com/coachpo/bookstream/internal/registry"
	"github.com/coachpo/bookstream/internal/schema"
	"github.com/coachpo/bookstream/internal/subscription"
)

// Emitter receives every event the dispatcher produces. Emit must not block.
type Emitter interface {
	Emit(evt schema.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(evt schema.Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(evt schema.Event) { f(evt) }

// Metrics observes frame handling. telemetry.StreamMetrics implements it.
type Metrics interface {
	FrameReceived(frame string)
	FrameDropped(reason string)
	BookUpdate(symbol schema.Symbol, mode string)
	TradeReceived(symbol schema.Symbol)
}

type nopMetrics struct{}

func (nopMetrics) FrameReceived(string)             {}
func (nopMetrics) FrameDropped(string)              {}
func (nopMetrics) BookUpdate(schema.Symbol, string) {}
func (nopMetrics) TradeReceived(schema.Symbol)      {}

// Book update modes.
const (
	ModeSnapshot = "snapshot"
	ModeDelta    = "delta"
)

// Config wires a Dispatcher.
type Config struct {
	Dialect       shared.Dialect
	Books         *book.Store
	Registry      *registry.Registry
	Subscriptions *subscription.Manager
	Emitter       Emitter
	Metrics       Metrics
	Logger        observability.Logger
	// DefaultDepth bounds books whose subscribe did not request a depth.
	DefaultDepth int
	Clock        func() time.Time
}

// Dispatcher is the single ingress for inbound frames. Dispatch is called
// sequentially by the transport read loop and performs no blocking I/O.
type Dispatcher struct {
	dialect  shared.Dialect
	books    *book.Store
	registry *registry.Registry
	subs     *subscription.Manager
	emitter  Emitter
	metrics  Metrics
	logger   observability.Logger
	depth    int
	clock    func() time.Time
	exchange string

	mu     sync.Mutex
	warned map[schema.Symbol]bool
}

// New constructs a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	switch {
	case cfg.Dialect == nil:
		return nil, fmt.Errorf("dispatcher: dialect required")
	case cfg.Books == nil:
		return nil, fmt.Errorf("dispatcher: book store required")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("dispatcher: registry required")
	case cfg.Subscriptions == nil:
		return nil, fmt.Errorf("dispatcher: subscription manager required")
	case cfg.Emitter == nil:
		return nil, fmt.Errorf("dispatcher: emitter required")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Dispatcher{
		dialect:  cfg.Dialect,
		books:    cfg.Books,
		registry: cfg.Registry,
		subs:     cfg.Subscriptions,
		emitter:  cfg.Emitter,
		metrics:  metrics,
		logger:   observability.OrDefault(cfg.Logger),
		depth:    cfg.DefaultDepth,
		clock:    clock,
		exchange: cfg.Dialect.Name(),
		mu:       sync.Mutex{},
		warned:   make(map[schema.Symbol]bool),
	}, nil
}

// Dispatch classifies one frame and routes it. Problems are emitted as warning
// or error events; the connection is never torn down from here.
func (d *Dispatcher) Dispatch(frame []byte) {
	switch firstByte(frame) {
	case objectMark:
		d.metrics.FrameReceived(FrameControl)
		d.dispatchControl(frame)
	case arrayMark:
		d.dispatchData(frame)
	default:
		d.drop(DropMalformed, malformed("frame is neither object nor array", nil))
	}
}

// Desync discards every book; each awaits its next snapshot.
func (d *Dispatcher) Desync() {
	d.books.ResetAll()
	d.mu.Lock()
	clear(d.warned)
	d.mu.Unlock()
}

func (d *Dispatcher) dispatchControl(frame []byte) {
	var msg controlFrame
	if err := json.Unmarshal(frame, &msg); err != nil {
		d.drop(DropMalformed, malformed("undecodable control frame", err))
		return
	}
	switch msg.Event {
	case "subscribed":
		d.onSubscribed(msg)
	case "unsubscribed":
		d.onUnsubscribed(msg)
	case "error":
		d.onError(msg)
	case "info":
		d.onInfo(msg)
	case "pong", "conf":
	case "":
		d.drop(DropMalformed, malformed("control frame without event", nil))
	default:
		d.drop(DropMalformed, malformed("unsupported event "+strconv.Quote(msg.Event), nil))
	}
}

func (d *Dispatcher) onSubscribed(msg controlFrame) {
	kind, ok := schema.ParseKind(msg.Channel)
	if !ok {
		d.drop(DropMalformed, malformed("subscribed to unsupported channel "+strconv.Quote(msg.Channel), nil))
		return
	}
	ack, err := d.subs.HandleSubscribed(msg.venueSymbol(), kind, msg.ChanID)
	if err != nil {
		if errs.Warning(err) {
			d.warn(err)
			return
		}
		d.emit(schema.Event{Type: schema.EventError, Kind: kind, ChannelID: msg.ChanID, Err: err})
		return
	}
	if kind == schema.KindOrderBook {
		depth := ack.Depth
		if depth <= 0 {
			depth = d.depth
		}
		// A fresh ack means any book we held is stale.
		state := d.books.Ensure(ack.Symbol, depth)
		state.Reset()
		state.SetDepth(depth)
		d.clearWarned(ack.Symbol)
	}
	d.logger.Info("subscribed",
		observability.F("symbol", ack.Symbol),
		observability.F("kind", kind),
		observability.F("chanId", ack.ChanID))
	d.emit(schema.Event{Type: schema.EventSubscribed, Symbol: ack.Symbol, Kind: kind, ChannelID: ack.ChanID})
}

func (d *Dispatcher) onUnsubscribed(msg controlFrame) {
	b, err := d.subs.HandleUnsubscribed(msg.ChanID)
	if err != nil {
		d.drop(DropUnknownChannel, err)
		return
	}
	if b.Kind == schema.KindOrderBook {
		d.books.Drop(b.Symbol)
		d.clearWarned(b.Symbol)
	}
	d.logger.Info("unsubscribed",
		observability.F("symbol", b.Symbol),
		observability.F("kind", b.Kind),
		observability.F("chanId", msg.ChanID))
	d.emit(schema.Event{Type: schema.EventUnsubscribed, Symbol: b.Symbol, Kind: b.Kind, ChannelID: msg.ChanID})
}

func (d *Dispatcher) onError(msg controlFrame) {
	code := msg.code()
	evt := schema.Event{Type: schema.EventError, ChannelID: msg.ChanID}
	matched := false
	if msg.ChanID > 0 {
		var b registry.Binding
		b, matched = d.subs.HandleChannelError(msg.ChanID, code, msg.Msg)
		evt.Symbol, evt.Kind = b.Symbol, b.Kind
	} else if kind, ok := schema.ParseKind(msg.Channel); ok {
		evt.Kind = kind
		evt.Symbol, matched = d.subs.HandleError(msg.venueSymbol(), kind, code, msg.Msg)
	}
	opts := []errs.Option{
		errs.WithMessage("venue error"),
		errs.WithRawCode(code),
		errs.WithRawMessage(msg.Msg),
	}
	if evt.Symbol != "" {
		opts = append(opts, errs.WithVenueField("symbol", string(evt.Symbol)))
	}
	if !matched {
		opts = append(opts, errs.WithVenueField("pending", "false"))
	}
	evt.Err = errs.New(d.exchange, errs.CodeSubscribeRejected, opts...)
	d.logger.Warn("venue error",
		observability.F("code", code),
		observability.F("msg", msg.Msg),
		observability.F("matched", matched))
	d.emit(evt)
}

func (d *Dispatcher) onInfo(msg controlFrame) {
	code, _ := strconv.Atoi(msg.code())
	info := schema.Info{Code: code, Message: msg.Msg, Version: msg.Version}
	switch info.Code {
	case InfoReconnect, InfoMaintenanceDone:
		d.logger.Warn("venue requested resync; books reset", observability.F("code", info.Code))
		d.Desync()
	}
	d.emit(schema.Event{Type: schema.EventInfo, Info: &info})
}

func (d *Dispatcher) dispatchData(frame []byte) {
	var items []json.RawMessage
	if err := json.Unmarshal(frame, &items); err != nil {
		d.drop(DropMalformed, malformed("undecodable data frame", err))
		return
	}
	if len(items) < 2 {
		d.drop(DropMalformed, malformed("data frame too short", nil))
		return
	}
	chanID, err := parseChanID(items[0])
	if err != nil {
		d.drop(DropMalformed, err)
		return
	}
	if tag, ok := parseString(items[1]); ok && tag == heartbeat {
		d.metrics.FrameReceived(FrameHeartbeat)
		return
	}
	d.metrics.FrameReceived(FrameData)

	b, err := d.registry.Resolve(chanID)
	if err != nil {
		d.drop(DropUnknownChannel, err)
		return
	}
	switch b.Kind {
	case schema.KindOrderBook:
		d.dispatchBook(b.Symbol, chanID, items[1:])
	case schema.KindTrades:
		d.dispatchTrades(b.Symbol, chanID, items[1:])
	default:
		d.drop(DropMalformed, malformed("channel bound to unsupported kind "+string(b.Kind), nil))
	}
}

func (d *Dispatcher) dispatchBook(symbol schema.Symbol, chanID int64, body []json.RawMessage) {
	if tag, ok := parseString(body[0]); ok {
		if tag == checksum {
			d.metrics.FrameDropped(DropIgnored)
			return
		}
		d.drop(DropMalformed, malformed("unexpected book tag "+strconv.Quote(tag), nil))
		return
	}
	var inner []json.RawMessage
	if err := json.Unmarshal(body[0], &inner); err != nil {
		d.drop(DropMalformed, malformed("book payload is not an array", err))
		return
	}
	now := d.clock()
	state := d.books.Ensure(symbol, d.depth)

	if isArrayOfArrays(inner) {
		records, err := book.ParseRecords(body[0])
		if err != nil {
			d.drop(DropMalformed, err)
			return
		}
		state.ApplySnapshot(records, now)
		d.clearWarned(symbol)
		d.metrics.BookUpdate(symbol, ModeSnapshot)
		d.emitBook(symbol, chanID, state)
		return
	}

	rec, err := book.ParseRecord(body[0])
	if err != nil {
		d.drop(DropMalformed, err)
		return
	}
	if !state.ApplyDelta(rec, now) {
		d.metrics.FrameDropped(DropUnsynced)
		if d.markWarned(symbol) {
			d.warn(errs.New(d.exchange, errs.CodeMalformedFrame,
				errs.WithMessage("delta before snapshot dropped"),
				errs.WithVenueField("symbol", string(symbol)),
				errs.WithVenueField("chanId", strconv.FormatInt(chanID, 10))))
		}
		return
	}
	d.metrics.BookUpdate(symbol, ModeDelta)
	d.emitBook(symbol, chanID, state)
}

func (d *Dispatcher) emitBook(symbol schema.Symbol, chanID int64, state *book.State) {
	snap := state.Materialize(0)
	d.emit(schema.Event{
		Type:      schema.EventOrderBook,
		Symbol:    symbol,
		Kind:      schema.KindOrderBook,
		ChannelID: chanID,
		Book:      &snap,
	})
}

func (d *Dispatcher) dispatchTrades(symbol schema.Symbol, chanID int64, body []json.RawMessage) {
	if tag, ok := parseString(body[0]); ok {
		switch tag {
		case tradeExec:
			if len(body) < 2 {
				d.drop(DropMalformed, malformed("trade execution without tuple", nil))
				return
			}
			d.emitTuple(symbol, chanID, body[1])
		case tradeUpd:
			d.metrics.FrameDropped(DropIgnored)
		default:
			d.drop(DropMalformed, malformed("unexpected trades tag "+strconv.Quote(tag), nil))
		}
		return
	}

	var inner []json.RawMessage
	if err := json.Unmarshal(body[0], &inner); err != nil {
		d.drop(DropMalformed, malformed("trades payload is not an array", err))
		return
	}
	if !isArrayOfArrays(inner) {
		d.emitFields(symbol, chanID, inner)
		return
	}

	trades := make([]schema.Trade, 0, len(inner))
	for _, raw := range inner {
		var fields []json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			d.drop(DropMalformed, malformed("trade tuple is not an array", err))
			continue
		}
		trade, err := d.dialect.ParseTrade(fields)
		if err != nil {
			d.drop(DropMalformed, err)
			continue
		}
		trades = append(trades, trade)
	}
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})
	for i := range trades {
		d.emitTrade(symbol, chanID, trades[i])
	}
}

func (d *Dispatcher) emitTuple(symbol schema.Symbol, chanID int64, raw json.RawMessage) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		d.drop(DropMalformed, malformed("trade tuple is not an array", err))
		return
	}
	d.emitFields(symbol, chanID, fields)
}

func (d *Dispatcher) emitFields(symbol schema.Symbol, chanID int64, fields []json.RawMessage) {
	trade, err := d.dialect.ParseTrade(fields)
	if err != nil {
		d.drop(DropMalformed, err)
		return
	}
	d.emitTrade(symbol, chanID, trade)
}

func (d *Dispatcher) emitTrade(symbol schema.Symbol, chanID int64, trade schema.Trade) {
	d.metrics.TradeReceived(symbol)
	d.emit(schema.Event{
		Type:      schema.EventTrade,
		Symbol:    symbol,
		Kind:      schema.KindTrades,
		ChannelID: chanID,
		Trade:     &trade,
	})
}

func (d *Dispatcher) drop(reason string, err error) {
	d.metrics.FrameDropped(reason)
	d.warn(err)
}

func (d *Dispatcher) warn(err error) {
	d.logger.Debug("frame dropped", observability.Err(err))
	evt := schema.Event{Type: schema.EventWarning, Err: err}
	var e *errs.E
	if errors.As(err, &e) {
		evt.Symbol = schema.Symbol(e.VenueMetadata["symbol"])
	}
	d.emit(evt)
}

func (d *Dispatcher) emit(evt schema.Event) {
	if evt.EmitTS.IsZero() {
		evt.EmitTS = d.clock()
	}
	d.emitter.Emit(evt)
}

func (d *Dispatcher) markWarned(symbol schema.Symbol) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.warned[symbol] {
		return false
	}
	d.warned[symbol] = true
	return true
}

func (d *Dispatcher) clearWarned(symbol schema.Symbol) {
	d.mu.Lock()
	delete(d.warned, symbol)
	d.mu.Unlock()
}
