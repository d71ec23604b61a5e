package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bookstream/internal/adapters/bitfinex"
	"github.com/coachpo/bookstream/internal/adapters/bitfinex2"
	"github.com/coachpo/bookstream/internal/config"
	"github.com/coachpo/bookstream/internal/connector"
	"github.com/coachpo/bookstream/internal/observability"
	"github.com/coachpo/bookstream/internal/schema"
)

func TestTargetsFromConfigExpandsKinds(t *testing.T) {
	cfg := config.Default()
	cfg.Book.Depth = 100
	cfg.Subscriptions = []config.SubscriptionConfig{
		{Symbol: "BTC/USD", Kinds: []string{"orderbook", "trades"}},
		{Symbol: "ETH/USD", Kinds: []string{"book"}},
	}
	targets, err := targetsFromConfig(cfg)
	require.NoError(t, err)
	require.Equal(t, []connector.Target{
		{Symbol: "BTC/USD", Kind: schema.KindOrderBook, Depth: 100},
		{Symbol: "BTC/USD", Kind: schema.KindTrades},
		{Symbol: "ETH/USD", Kind: schema.KindOrderBook, Depth: 100},
	}, targets)
}

func TestTargetsFromConfigRejectsUnknownKind(t *testing.T) {
	cfg := config.Default()
	cfg.Subscriptions = []config.SubscriptionConfig{{Symbol: "BTC/USD", Kinds: []string{"candles"}}}
	_, err := targetsFromConfig(cfg)
	require.Error(t, err)
}

func TestBuildCatalogWithoutFetch(t *testing.T) {
	targets := []connector.Target{
		{Symbol: "BTC/USD", Kind: schema.KindOrderBook},
		{Symbol: "BTC/USD", Kind: schema.KindTrades},
		{Symbol: "ETH/USD", Kind: schema.KindTrades},
	}
	catalog, err := buildCatalog(context.Background(), config.Default(), targets, false, observability.Nop())
	require.NoError(t, err)
	require.Equal(t, 2, catalog.Len())
	m, ok := catalog.ByPair("ETHUSD")
	require.True(t, ok)
	require.Equal(t, schema.Symbol("ETH/USD"), m.Symbol)
}

func TestNewDialectFollowsConfig(t *testing.T) {
	targets := []connector.Target{{Symbol: "BTC/USD", Kind: schema.KindTrades}}
	catalog, err := buildCatalog(context.Background(), config.Default(), targets, false, observability.Nop())
	require.NoError(t, err)

	cfg := config.Default()
	_, ok := newDialect(cfg, catalog).(*bitfinex2.Dialect)
	require.True(t, ok)

	cfg.Venue.Dialect = config.DialectV1
	_, ok = newDialect(cfg, catalog).(*bitfinex.Dialect)
	require.True(t, ok)
}

func TestLoadEnvFileToleratesMissingFile(t *testing.T) {
	require.NoError(t, loadEnvFile(""))
	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("BOOKSTREAM_TEST_VALUE=present\n"), 0o600))
	t.Setenv("BOOKSTREAM_TEST_VALUE", "")
	require.NoError(t, os.Unsetenv("BOOKSTREAM_TEST_VALUE"))
	require.NoError(t, loadEnvFile(path))
	require.Equal(t, "present", os.Getenv("BOOKSTREAM_TEST_VALUE"))
}
