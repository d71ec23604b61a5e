// Package transport maintains the single WebSocket connection a connector
// streams over: reconnects, keepalive pings and paced outbound writes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/coachpo/bookstream/internal/observability"
)

const (
	defaultPingInterval         = 20 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultMaxReconnectInterval = 20 * time.Second
	defaultStartTimeout         = 10 * time.Second
	defaultControlRate          = 10
	defaultReadLimit            = 2 * 1024 * 1024
	errorBuffer                 = 16
)

// ErrNotConnected is returned by Send while no connection is live.
var ErrNotConnected = errors.New("transport: not connected")

// Config tunes a Manager. Zero values take the defaults above.
type Config struct {
	URL                  string
	PingInterval         time.Duration
	WriteTimeout         time.Duration
	MaxReconnectInterval time.Duration
	StartTimeout         time.Duration
	// ControlRate caps outbound frames per second.
	ControlRate float64
	ReadLimit   int64

	// Handler receives every inbound text frame, in order, on the read goroutine.
	Handler func(frame []byte)
	// OnConnect runs after each successful dial; attempt counts from 1.
	OnConnect func(attempt int)
	// OnDisconnect runs after the connection's goroutines have stopped and
	// before the next dial.
	OnDisconnect func(err error)

	Logger observability.Logger
}

type pingRequest struct {
	Event string `json:"event"`
	CID   int64  `json:"cid"`
}

// Manager owns the connection lifecycle.
type Manager struct {
	cfg     Config
	logger  observability.Logger
	limiter *rate.Limiter
	outbox  *outbox
	errs    chan error

	ctx    context.Context
	cancel context.CancelFunc
	loops  conc.WaitGroup

	conn   *websocket.Conn
	connMu sync.RWMutex

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
	attempts  atomic.Int64
	pingID    atomic.Int64
}

// NewManager validates cfg and builds an idle Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: url required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("transport: handler required")
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.ControlRate <= 0 {
		cfg.ControlRate = defaultControlRate
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	return &Manager{
		cfg:     cfg,
		logger:  observability.OrDefault(cfg.Logger),
		limiter: rate.NewLimiter(rate.Limit(cfg.ControlRate), 1),
		outbox:  newOutbox(),
		errs:    make(chan error, errorBuffer),
		ready:   make(chan struct{}),
	}, nil
}

// Start launches the connect loop and blocks until the first connection is up,
// the start timeout elapses or ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	if m.ctx != nil {
		return fmt.Errorf("transport: already started")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.loops.Go(func() {
		if err := m.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
			m.reportError(fmt.Errorf("transport: %w", err))
		}
	})

	select {
	case <-m.ready:
		return nil
	case <-time.After(m.cfg.StartTimeout):
		m.Close()
		return fmt.Errorf("transport: timeout waiting for connection to %s", m.cfg.URL)
	case <-ctx.Done():
		m.Close()
		return fmt.Errorf("transport: context done: %w", ctx.Err())
	}
}

// Close stops the connect loop and waits for it to exit.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.cancel == nil {
			return
		}
		m.cancel()
		m.connMu.Lock()
		if m.conn != nil {
			_ = m.conn.Close(websocket.StatusNormalClosure, "shutdown")
		}
		m.connMu.Unlock()
		m.loops.Wait()
	})
}

// Send encodes payload and queues it for the writer. Frames queued for a
// connection that drops before writing them are discarded.
func (m *Manager) Send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	return m.outbox.push(data)
}

// Connected reports whether a connection is live.
func (m *Manager) Connected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.conn != nil
}

// Errors delivers transport failures. Reports are dropped while the buffer is full.
func (m *Manager) Errors() <-chan error { return m.errs }

func (m *Manager) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = m.cfg.MaxReconnectInterval

	for {
		select {
		case <-m.ctx.Done():
			return context.Canceled
		default:
		}

		conn, _, err := websocket.Dial(m.ctx, m.cfg.URL, nil)
		if err != nil {
			m.reportError(fmt.Errorf("dial %s: %w", m.cfg.URL, err))
			if !m.sleep(backoffCfg) {
				return context.Canceled
			}
			continue
		}
		conn.SetReadLimit(m.cfg.ReadLimit)

		m.connMu.Lock()
		m.conn = conn
		m.connMu.Unlock()
		m.outbox.open()
		backoffCfg.Reset()

		attempt := int(m.attempts.Add(1))
		m.logger.Info("websocket connected", observability.F("url", m.cfg.URL), observability.F("attempt", attempt))
		if m.cfg.OnConnect != nil {
			m.cfg.OnConnect(attempt)
		}
		m.readyOnce.Do(func() { close(m.ready) })

		connErr := m.serve(conn)

		m.connMu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")

		if lost := m.outbox.discard(); lost > 0 {
			m.logger.Warn("discarded queued frames", observability.F("count", lost))
		}
		if connErr != nil {
			m.reportError(fmt.Errorf("websocket connection: %w", connErr))
		}
		m.logger.Warn("websocket disconnected", observability.Err(connErr))
		if m.cfg.OnDisconnect != nil {
			m.cfg.OnDisconnect(connErr)
		}

		if !m.sleep(backoffCfg) {
			return context.Canceled
		}
	}
}

// serve runs the read, write and ping loops of one connection and returns the
// first meaningful error once all three have stopped.
func (m *Manager) serve(conn *websocket.Conn) error {
	connCtx, connCancel := context.WithCancel(m.ctx)
	errCh := make(chan error, 3)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- m.readLoop(connCtx, conn) })
	wg.Go(func() { errCh <- m.writeLoop(connCtx, conn) })
	wg.Go(func() { errCh <- m.pingLoop(connCtx, conn) })

	firstErr := <-errCh
	connCancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
	wg.Wait()
	close(errCh)

	aggregated := firstErr
	for e := range errCh {
		if aggregated == nil || isShutdown(aggregated) {
			aggregated = e
		}
	}
	if aggregated == nil || isShutdown(aggregated) {
		return nil
	}
	return aggregated
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (m *Manager) sleep(b *backoff.ExponentialBackOff) bool {
	wait := b.NextBackOff()
	if wait == backoff.Stop {
		wait = m.cfg.MaxReconnectInterval
	}
	select {
	case <-m.ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		if typ != websocket.MessageText || len(data) == 0 {
			continue
		}
		m.cfg.Handler(data)
	}
}

func (m *Manager) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		for {
			frame, ok := m.outbox.pop()
			if !ok {
				break
			}
			if err := m.limiter.Wait(ctx); err != nil {
				return context.Canceled
			}
			if err := m.write(ctx, conn, frame); err != nil {
				return err
			}
		}
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-m.outbox.signal:
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			data, err := json.Marshal(pingRequest{Event: "ping", CID: m.pingID.Add(1)})
			if err != nil {
				return fmt.Errorf("marshal ping: %w", err)
			}
			if err := m.write(ctx, conn, data); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

func (m *Manager) write(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	m.logger.Debug("transport error", observability.Err(err))
	select {
	case m.errs <- err:
	default:
	}
}
