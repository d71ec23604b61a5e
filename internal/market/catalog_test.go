package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bookstream/internal/schema"
)

func TestParsePair(t *testing.T) {
	tests := []struct {
		pair    string
		symbol  schema.Symbol
		venue   string
		wantErr bool
	}{
		{pair: "btcusd", symbol: "BTC/USD", venue: "BTCUSD"},
		{pair: "ETHBTC", symbol: "ETH/BTC", venue: "ETHBTC"},
		{pair: "testbtc:testusd", symbol: "TESTBTC/TESTUSD", venue: "TESTBTC:TESTUSD"},
		{pair: "btc", wantErr: true},
		{pair: ":usd", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.pair, func(t *testing.T) {
			m, err := ParsePair(tt.pair)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.symbol, m.Symbol)
			require.Equal(t, tt.venue, m.Pair)
		})
	}
}

func TestCatalogLookups(t *testing.T) {
	cat, err := CatalogFromSymbols("BTC/USD", "DUSK/USDT")
	require.NoError(t, err)

	m, ok := cat.ByPair("btcusd")
	require.True(t, ok)
	require.Equal(t, schema.Symbol("BTC/USD"), m.Symbol)

	m, ok = cat.BySymbol("DUSK/USDT")
	require.True(t, ok)
	require.Equal(t, "DUSK:USDT", m.Pair)

	require.Equal(t, []schema.Symbol{"BTC/USD", "DUSK/USDT"}, cat.Symbols())

	_, err = CatalogFromSymbols("btc-usd")
	require.Error(t, err)
}

func TestFetchParsesPairList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/symbols" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`["btcusd","ethusd","x"]`))
	}))
	defer srv.Close()

	markets, err := Fetch(context.Background(), srv.Client(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, markets, 2)
	require.Equal(t, schema.Symbol("ETH/USD"), markets[1].Symbol)
}

func TestFetchReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.Client(), srv.URL)
	require.ErrorContains(t, err, "status 503")
}
