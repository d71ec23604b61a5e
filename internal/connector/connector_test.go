package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/bookstream/errs"
	"github.com/coachpo/bookstream/internal/adapters/bitfinex2"
	"github.com/coachpo/bookstream/internal/market"
	"github.com/coachpo/bookstream/internal/schema"
	"github.com/coachpo/bookstream/internal/subscription"
)

// scriptedVenue answers subscribe and unsubscribe requests the way the v2 API
// does, followed by a canned snapshot for each new channel.
type scriptedVenue struct {
	server *httptest.Server

	mu       sync.Mutex
	nextChan int
	conns    []*websocket.Conn
	reject   map[string]bool
	silent   map[string]bool
	requests []map[string]any
}

func newScriptedVenue(t *testing.T) *scriptedVenue {
	t.Helper()
	v := &scriptedVenue{nextChan: 10, reject: map[string]bool{}, silent: map[string]bool{}}
	v.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		v.mu.Lock()
		v.conns = append(v.conns, conn)
		v.mu.Unlock()
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var req map[string]any
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			for _, reply := range v.answer(req) {
				if err := conn.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(v.server.Close)
	return v
}

func (v *scriptedVenue) answer(req map[string]any) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests = append(v.requests, req)
	event, _ := req["event"].(string)
	switch event {
	case "ping":
		return []string{fmt.Sprintf(`{"event":"pong","cid":%v}`, req["cid"])}
	case "unsubscribe":
		return []string{fmt.Sprintf(`{"event":"unsubscribed","status":"OK","chanId":%v}`, req["chanId"])}
	case "subscribe":
	default:
		return nil
	}
	channel, _ := req["channel"].(string)
	symbol, _ := req["symbol"].(string)
	if v.silent[symbol] {
		return nil
	}
	if v.reject[symbol] {
		return []string{fmt.Sprintf(`{"event":"error","msg":"symbol: invalid","code":10300,"channel":%q,"symbol":%q}`, channel, symbol)}
	}
	v.nextChan++
	id := v.nextChan
	ack := fmt.Sprintf(`{"event":"subscribed","channel":%q,"chanId":%d,"symbol":%q,"pair":%q}`,
		channel, id, symbol, strings.TrimPrefix(symbol, "t"))
	switch channel {
	case "book":
		return []string{ack, fmt.Sprintf(`[%d,[[100,1,2],[99,2,1.5],[101,1,-1],[102,3,-4]]]`, id)}
	case "trades":
		return []string{
			ack,
			fmt.Sprintf(`[%d,[[2,2000,-0.25,101],[1,1000,0.5,100]]]`, id),
			fmt.Sprintf(`[%d,"te",[3,3000,1,102]]`, id),
		}
	}
	return []string{ack}
}

func (v *scriptedVenue) url() string {
	return "ws" + strings.TrimPrefix(v.server.URL, "http")
}

func (v *scriptedVenue) drop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, conn := range v.conns {
		_ = conn.Close(websocket.StatusGoingAway, "maintenance")
	}
	v.conns = nil
}

func (v *scriptedVenue) sent(event string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, req := range v.requests {
		if req["event"] == event {
			n++
		}
	}
	return n
}

func newConnector(t *testing.T, url string) *Connector {
	t.Helper()
	cat, err := market.CatalogFromSymbols("BTC/USD", "ETH/USD")
	require.NoError(t, err)
	c, err := New(Options{
		Dialect:              bitfinex2.New(cat, bitfinex2.Config{}),
		Catalog:              cat,
		URL:                  url,
		RequestTimeout:       2 * time.Second,
		MaxReconnectInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func started(t *testing.T, v *scriptedVenue) *Connector {
	t.Helper()
	c := newConnector(t, v.url())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(c.Close)
	return c
}

func collectTrades(t *testing.T, c *Connector, n int) []schema.Trade {
	t.Helper()
	var out []schema.Trade
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case evt := <-c.Events():
			if evt.Type == schema.EventTrade {
				out = append(out, *evt.Trade)
			}
		case <-deadline:
			t.Fatalf("timed out after %d of %d trades", len(out), n)
		}
	}
	return out
}

func TestSubscribeAllStreamsBooksAndTrades(t *testing.T) {
	v := newScriptedVenue(t)
	c := started(t, v)

	err := c.SubscribeAll(context.Background(), []Target{
		{Symbol: "BTC/USD", Kind: schema.KindOrderBook, Depth: 25},
		{Symbol: "BTC/USD", Kind: schema.KindTrades},
	})
	require.NoError(t, err)
	require.Equal(t, subscription.Active, c.State("BTC/USD", schema.KindOrderBook))
	require.Equal(t, subscription.Active, c.State("BTC/USD", schema.KindTrades))

	require.Eventually(t, func() bool {
		_, ok := c.Book("BTC/USD", 0)
		return ok
	}, 3*time.Second, 10*time.Millisecond)
	view, ok := c.Book("BTC/USD", 1)
	require.True(t, ok)
	require.Len(t, view.Bids, 1)
	require.Len(t, view.Asks, 1)
	require.Equal(t, "100", view.Bids[0].Price.String())
	require.Equal(t, "101", view.Asks[0].Price.String())
	require.Equal(t, "1", view.Asks[0].Size.String())

	trades := collectTrades(t, c, 3)
	require.Equal(t, []string{"1", "2", "3"}, []string{trades[0].ID, trades[1].ID, trades[2].ID})
	require.Equal(t, schema.TradeSideSell, trades[1].Side)
	require.Len(t, c.Subscriptions(), 2)
}

func TestSubscribeRejectedByVenue(t *testing.T) {
	v := newScriptedVenue(t)
	v.reject["tETHUSD"] = true
	c := started(t, v)

	err := c.Subscribe(context.Background(), "ETH/USD", schema.KindOrderBook)
	require.ErrorIs(t, err, errs.ErrSubscribeRejected)
	require.Equal(t, subscription.Failed, c.State("ETH/USD", schema.KindOrderBook))
}

func TestSubscribeUnknownMarketIsNotSent(t *testing.T) {
	v := newScriptedVenue(t)
	c := started(t, v)

	require.Error(t, c.Subscribe(context.Background(), "LTC/USD", schema.KindTrades))
	require.Error(t, c.Subscribe(context.Background(), "LTCUSD", schema.KindTrades))
	require.Zero(t, v.sent("subscribe"))
}

func TestSubscribeTimesOut(t *testing.T) {
	v := newScriptedVenue(t)
	v.silent["tBTCUSD"] = true
	c := started(t, v)

	err := c.Subscribe(context.Background(), "BTC/USD", schema.KindTrades, WithTimeout(100*time.Millisecond))
	require.ErrorIs(t, err, errs.ErrSubscribeTimeout)
	require.Equal(t, subscription.Failed, c.State("BTC/USD", schema.KindTrades))
}

func TestSubscribeAllAggregatesFailures(t *testing.T) {
	v := newScriptedVenue(t)
	v.reject["tETHUSD"] = true
	c := started(t, v)

	err := c.SubscribeAll(context.Background(), []Target{
		{Symbol: "BTC/USD", Kind: schema.KindTrades},
		{Symbol: "ETH/USD", Kind: schema.KindTrades},
		{Symbol: "ETH/USD", Kind: schema.KindOrderBook},
	})
	require.Error(t, err)
	require.ErrorIs(t, err, errs.ErrSubscribeRejected)
	require.Contains(t, err.Error(), "ETH/USD trades")
	require.Contains(t, err.Error(), "ETH/USD orderbook")
	require.Equal(t, subscription.Active, c.State("BTC/USD", schema.KindTrades))
}

func TestUnsubscribeDropsBook(t *testing.T) {
	v := newScriptedVenue(t)
	c := started(t, v)

	require.NoError(t, c.Subscribe(context.Background(), "BTC/USD", schema.KindOrderBook, WithDepth(25)))
	require.Eventually(t, func() bool {
		_, ok := c.Book("BTC/USD", 0)
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Unsubscribe(context.Background(), "BTC/USD", schema.KindOrderBook))
	require.Equal(t, subscription.Unsubscribed, c.State("BTC/USD", schema.KindOrderBook))
	_, ok := c.Book("BTC/USD", 0)
	require.False(t, ok)
}

func TestDisconnectResetsWithoutReplay(t *testing.T) {
	v := newScriptedVenue(t)
	c := started(t, v)

	require.NoError(t, c.Subscribe(context.Background(), "BTC/USD", schema.KindOrderBook))
	require.Eventually(t, func() bool {
		_, ok := c.Book("BTC/USD", 0)
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	v.drop()
	require.Eventually(t, func() bool {
		return c.State("BTC/USD", schema.KindOrderBook) == subscription.Unsubscribed
	}, 3*time.Second, 10*time.Millisecond)
	_, ok := c.Book("BTC/USD", 0)
	require.False(t, ok)

	require.Eventually(t, c.Connected, 3*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, v.sent("subscribe"))
}

func TestEventsEvictOldestWhenFull(t *testing.T) {
	cat, err := market.CatalogFromSymbols("BTC/USD")
	require.NoError(t, err)
	c, err := New(Options{
		Dialect:     bitfinex2.New(cat, bitfinex2.Config{}),
		Catalog:     cat,
		URL:         "ws://127.0.0.1:1",
		EventBuffer: 2,
	})
	require.NoError(t, err)

	for code := 1; code <= 3; code++ {
		c.emit(schema.Event{Type: schema.EventInfo, Info: &schema.Info{Code: code}})
	}
	first := <-c.Events()
	second := <-c.Events()
	require.Equal(t, 2, first.Info.Code)
	require.Equal(t, 3, second.Info.Code)

	c.Close()
	_, open := <-c.Events()
	require.False(t, open)
}

func TestNewValidates(t *testing.T) {
	cat := market.NewCatalog()
	dialect := bitfinex2.New(cat, bitfinex2.Config{})
	_, err := New(Options{Catalog: cat, URL: "ws://x"})
	require.Error(t, err)
	_, err = New(Options{Dialect: dialect, URL: "ws://x"})
	require.Error(t, err)
	_, err = New(Options{Dialect: dialect, Catalog: cat})
	require.Error(t, err)
}
