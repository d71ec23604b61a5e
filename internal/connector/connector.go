// Package connector assembles one venue connection: transport, dispatcher,
// subscription state machine and book store behind a single handle.
package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/bookstream/internal/adapters/shared"
	"github.com/coachpo/bookstream/internal/book"
	"github.com/coachpo/bookstream/internal/dispatcher"
	"github.com/coachpo/bookstream/internal/market"
	"github.com/coachpo/bookstream/internal/observability"
	"github.com/coachpo/bookstream/internal/registry"
	"github.com/coachpo/bookstream/internal/schema"
	"github.com/coachpo/bookstream/internal/subscription"
	"github.com/coachpo/bookstream/internal/telemetry"
	"github.com/coachpo/bookstream/internal/transport"
)

const (
	defaultEventBuffer    = 1024
	defaultDepth          = 25
	defaultFanOut         = 4
	defaultRequestTimeout = subscription.DefaultTimeout
)

// Options configures a Connector.
type Options struct {
	Dialect        shared.Dialect
	Catalog        *market.Catalog
	URL            string
	RequestTimeout time.Duration
	// DefaultDepth bounds books subscribed without an explicit depth.
	DefaultDepth int
	// EventBuffer is the capacity of Events(); the oldest event is evicted when full.
	EventBuffer int
	// FanOut caps concurrent requests in SubscribeAll.
	FanOut int

	PingInterval         time.Duration
	ControlRate          float64
	MaxReconnectInterval time.Duration

	Logger  observability.Logger
	Metrics *telemetry.StreamMetrics
}

// Target names one stream for SubscribeAll.
type Target struct {
	Symbol schema.Symbol
	Kind   schema.Kind
	Depth  int
}

// SubscribeOption adjusts a single subscribe request.
type SubscribeOption func(*subscription.Options)

// WithDepth requests a book depth.
func WithDepth(depth int) SubscribeOption {
	return func(o *subscription.Options) { o.Depth = depth }
}

// WithTimeout overrides the acknowledgment timeout.
func WithTimeout(timeout time.Duration) SubscribeOption {
	return func(o *subscription.Options) { o.Timeout = timeout }
}

// Connector streams order books and trades from one venue connection.
type Connector struct {
	opts     Options
	logger   observability.Logger
	metrics  *telemetry.StreamMetrics
	catalog  *market.Catalog
	registry *registry.Registry
	books    *book.Store
	subs     *subscription.Manager
	dispatch *dispatcher.Dispatcher
	conn     *transport.Manager

	events    chan schema.Event
	channels  atomic.Int64
	closeOnce sync.Once
}

// New wires a Connector. Nothing is dialed until Start.
func New(opts Options) (*Connector, error) {
	if opts.Dialect == nil {
		return nil, fmt.Errorf("connector: dialect required")
	}
	if opts.Catalog == nil {
		return nil, fmt.Errorf("connector: catalog required")
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("connector: url required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.DefaultDepth <= 0 {
		opts.DefaultDepth = defaultDepth
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.FanOut <= 0 {
		opts.FanOut = defaultFanOut
	}

	c := &Connector{
		opts:     opts,
		logger:   observability.OrDefault(opts.Logger),
		metrics:  opts.Metrics,
		catalog:  opts.Catalog,
		registry: registry.New(opts.Dialect.Name()),
		books:    book.NewStore(),
		events:   make(chan schema.Event, opts.EventBuffer),
	}

	conn, err := transport.NewManager(transport.Config{
		URL:                  opts.URL,
		PingInterval:         opts.PingInterval,
		ControlRate:          opts.ControlRate,
		MaxReconnectInterval: opts.MaxReconnectInterval,
		StartTimeout:         opts.RequestTimeout,
		Handler:              func(frame []byte) { c.dispatch.Dispatch(frame) },
		OnConnect:            c.onConnect,
		OnDisconnect:         c.onDisconnect,
		Logger:               c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.conn = conn

	var recorder subscription.Recorder
	if opts.Metrics != nil {
		recorder = opts.Metrics
	}
	subs, err := subscription.NewManager(subscription.Config{
		Dialect:        opts.Dialect,
		Registry:       c.registry,
		Sender:         conn,
		DefaultTimeout: opts.RequestTimeout,
		Logger:         c.logger,
		Recorder:       recorder,
	})
	if err != nil {
		return nil, err
	}
	c.subs = subs

	var metrics dispatcher.Metrics
	if opts.Metrics != nil {
		metrics = opts.Metrics
	}
	d, err := dispatcher.New(dispatcher.Config{
		Dialect:       opts.Dialect,
		Books:         c.books,
		Registry:      c.registry,
		Subscriptions: subs,
		Emitter:       dispatcher.EmitterFunc(c.emit),
		Metrics:       metrics,
		Logger:        c.logger,
		DefaultDepth:  opts.DefaultDepth,
	})
	if err != nil {
		return nil, err
	}
	c.dispatch = d
	return c, nil
}

// Start dials the venue and returns once the first connection is live.
func (c *Connector) Start(ctx context.Context) error {
	if err := c.conn.Start(ctx); err != nil {
		return err
	}
	c.logger.Info("connector started",
		observability.F("exchange", c.opts.Dialect.Name()),
		observability.F("url", c.opts.URL))
	return nil
}

// Close tears the connection down and closes Events.
func (c *Connector) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.subs.Reset()
		c.syncChannels()
		close(c.events)
	})
}

// Subscribe requests a stream and waits for the venue acknowledgment, the request
// timeout or the end of ctx.
func (c *Connector) Subscribe(ctx context.Context, symbol schema.Symbol, kind schema.Kind, opts ...SubscribeOption) error {
	if err := schema.ValidateSymbol(symbol); err != nil {
		return err
	}
	if _, ok := c.catalog.BySymbol(symbol); !ok {
		return fmt.Errorf("connector: unknown market %s", symbol)
	}
	var o subscription.Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	p, err := c.subs.Subscribe(ctx, symbol, kind, o)
	if err != nil {
		return err
	}
	return p.Wait(ctx)
}

// Unsubscribe releases a stream and waits for the acknowledgment.
func (c *Connector) Unsubscribe(ctx context.Context, symbol schema.Symbol, kind schema.Kind) error {
	p, err := c.subs.Unsubscribe(ctx, symbol, kind, subscription.Options{})
	if err != nil {
		return err
	}
	return p.Wait(ctx)
}

// SubscribeAll subscribes every target with bounded concurrency. All targets are
// attempted; failures are joined into one error.
func (c *Connector) SubscribeAll(ctx context.Context, targets []Target) error {
	if len(targets) == 0 {
		return nil
	}
	workers := c.opts.FanOut
	if workers > len(targets) {
		workers = len(targets)
	}
	var mu sync.Mutex
	var failures []error
	p := pool.New().WithMaxGoroutines(workers)
	for _, target := range targets {
		t := target
		p.Go(func() {
			if err := c.Subscribe(ctx, t.Symbol, t.Kind, WithDepth(t.Depth)); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("%s %s: %w", t.Symbol, t.Kind, err))
				mu.Unlock()
			}
		})
	}
	p.Wait()
	return observability.AggregateErrors(c.logger, "subscribe all", failures,
		observability.F("exchange", c.opts.Dialect.Name()),
		observability.F("targets", len(targets)))
}

// Book returns the current view of symbol's book limited to depth levels per
// side. It reports false while the book awaits its snapshot.
func (c *Connector) Book(symbol schema.Symbol, depth int) (schema.BookSnapshot, bool) {
	state, ok := c.books.Get(symbol)
	if !ok || !state.Synced() {
		return schema.BookSnapshot{}, false
	}
	return state.Materialize(depth), true
}

// Events delivers every emitted event. It is closed by Close.
func (c *Connector) Events() <-chan schema.Event { return c.events }

// Errors delivers transport failures.
func (c *Connector) Errors() <-chan error { return c.conn.Errors() }

// State reports the lifecycle state of (symbol, kind).
func (c *Connector) State(symbol schema.Symbol, kind schema.Kind) subscription.State {
	return c.subs.State(symbol, kind)
}

// Subscriptions lists every known subscription.
func (c *Connector) Subscriptions() []subscription.Status { return c.subs.Snapshot() }

// Connected reports whether the connection is live.
func (c *Connector) Connected() bool { return c.conn.Connected() }

func (c *Connector) emit(evt schema.Event) {
	switch evt.Type {
	case schema.EventSubscribed, schema.EventUnsubscribed:
		c.syncChannels()
	}
	select {
	case c.events <- evt:
		return
	default:
	}
	// Full: evict the oldest event.
	select {
	case <-c.events:
		c.metrics.EventDropped()
	default:
	}
	select {
	case c.events <- evt:
	default:
		c.metrics.EventDropped()
	}
}

// syncChannels moves the active channel gauge to the registry size.
func (c *Connector) syncChannels() {
	n := int64(c.registry.Len())
	if prev := c.channels.Swap(n); prev != n {
		c.metrics.ChannelsChanged(int(n - prev))
	}
}

func (c *Connector) onConnect(attempt int) {
	if attempt > 1 {
		c.metrics.Reconnected()
		c.logger.Info("reconnected", observability.F("attempt", attempt))
	}
}

// onDisconnect forgets every channel; subscriptions are not replayed.
func (c *Connector) onDisconnect(err error) {
	c.logger.Warn("connection lost", observability.Err(err),
		observability.F("channels", c.registry.Len()))
	c.subs.Reset()
	c.dispatch.Desync()
	c.syncChannels()
}
