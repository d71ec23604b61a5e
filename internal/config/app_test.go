package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bookstream.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("BOOKSTREAM_CONFIG", "")
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadOrDefaultWithoutFile(t *testing.T) {
	t.Setenv("BOOKSTREAM_CONFIG", "")
	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault failed: %v", err)
	}
	if cfg.Venue.Dialect != DialectV2 {
		t.Fatalf("expected default dialect %s, got %s", DialectV2, cfg.Venue.Dialect)
	}
	if cfg.Venue.RequestTimeout != 10*time.Second {
		t.Fatalf("expected 10s request timeout, got %s", cfg.Venue.RequestTimeout)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: STAGING
venue:
  dialect: Bitfinex
  wsUrl: wss://api.bitfinex.com/ws/1
  requestTimeout: 3s
book:
  depth: 100
  precision: p1
subscriptions:
  - symbol: btc/usd
    kinds: [OrderBook, trades]
log:
  level: DEBUG
  format: text
  maxSizeMB: 5
`)
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected environment %s, got %s", EnvStaging, cfg.Environment)
	}
	if cfg.Venue.Dialect != DialectV1 {
		t.Fatalf("expected dialect %s, got %s", DialectV1, cfg.Venue.Dialect)
	}
	if cfg.Venue.RequestTimeout != 3*time.Second {
		t.Fatalf("expected 3s request timeout, got %s", cfg.Venue.RequestTimeout)
	}
	if cfg.Venue.ControlRate != 10 {
		t.Fatalf("expected default control rate to survive, got %v", cfg.Venue.ControlRate)
	}
	if cfg.Book.Depth != 100 || cfg.Book.Precision != "P1" || cfg.Book.Frequency != "F0" {
		t.Fatalf("unexpected book config %+v", cfg.Book)
	}
	if len(cfg.Subscriptions) != 1 || cfg.Subscriptions[0].Symbol != "BTC/USD" {
		t.Fatalf("unexpected subscriptions %+v", cfg.Subscriptions)
	}
	if cfg.Subscriptions[0].Kinds[0] != "orderbook" {
		t.Fatalf("expected normalised kind, got %q", cfg.Subscriptions[0].Kinds[0])
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Fatalf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Log.MaxSizeMB != 5 || cfg.Log.MaxAgeDays != 7 {
		t.Fatalf("expected log rotation 5MB/7d, got %+v", cfg.Log)
	}
}

func TestLoadUsesEnvCandidate(t *testing.T) {
	path := writeConfig(t, "venue:\n  dialect: bitfinex\n")
	t.Setenv("BOOKSTREAM_CONFIG", path)
	cfg, err := Load(context.Background(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Venue.Dialect != DialectV1 {
		t.Fatalf("expected dialect from BOOKSTREAM_CONFIG file, got %s", cfg.Venue.Dialect)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, "book:\n  depth: 25\n")
	t.Setenv("BOOKSTREAM_DEPTH", "250")
	t.Setenv("BOOKSTREAM_WS_URL", "ws://localhost:9000")
	t.Setenv("BOOKSTREAM_REQUEST_TIMEOUT", "750ms")
	t.Setenv("BOOKSTREAM_OTEL_ENABLED", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Book.Depth != 250 {
		t.Fatalf("expected env depth 250, got %d", cfg.Book.Depth)
	}
	if cfg.Venue.WSURL != "ws://localhost:9000" {
		t.Fatalf("expected env ws url, got %s", cfg.Venue.WSURL)
	}
	if cfg.Venue.RequestTimeout != 750*time.Millisecond {
		t.Fatalf("expected env request timeout, got %s", cfg.Venue.RequestTimeout)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.OTLPEndpoint != "collector:4318" {
		t.Fatalf("unexpected telemetry config %+v", cfg.Telemetry)
	}
}

func TestEnvRejectsBadValues(t *testing.T) {
	path := writeConfig(t, "environment: dev\n")
	t.Setenv("BOOKSTREAM_DEPTH", "deep")
	if _, err := Load(context.Background(), path); err == nil {
		t.Fatalf("expected error for non-numeric depth")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"environment":  func(c *AppConfig) { c.Environment = "qa" },
		"dialect":      func(c *AppConfig) { c.Venue.Dialect = "kraken" },
		"ws url":       func(c *AppConfig) { c.Venue.WSURL = "" },
		"timeout":      func(c *AppConfig) { c.Venue.RequestTimeout = 0 },
		"depth":        func(c *AppConfig) { c.Book.Depth = -1 },
		"event buffer": func(c *AppConfig) { c.EventBuffer = 0 },
		"symbol":       func(c *AppConfig) { c.Subscriptions = []SubscriptionConfig{{Symbol: "BTCUSD", Kinds: []string{"trades"}}} },
		"kind":         func(c *AppConfig) { c.Subscriptions = []SubscriptionConfig{{Symbol: "BTC/USD", Kinds: []string{"candles"}}} },
		"log format":   func(c *AppConfig) { c.Log.Format = "xml" },
		"log size":     func(c *AppConfig) { c.Log.MaxSizeMB = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := cfg.Validate(context.Background()); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestApplyOptionsDoesNotMutateBase(t *testing.T) {
	base := Default()
	base.Subscriptions = []SubscriptionConfig{{Symbol: "BTC/USD", Kinds: []string{"orderbook"}}}

	cfg := Apply(base,
		WithDialect("BITFINEX"),
		WithDepth(100),
		WithRequestTimeout(time.Second),
		WithSubscription("ETH/USD", "trades"),
		WithLogLevel("WARN"),
		nil,
	)
	if cfg.Venue.Dialect != DialectV1 || cfg.Book.Depth != 100 || cfg.Venue.RequestTimeout != time.Second {
		t.Fatalf("options not applied: %+v", cfg)
	}
	if len(cfg.Subscriptions) != 2 || len(base.Subscriptions) != 1 {
		t.Fatalf("expected base subscriptions untouched, got %d/%d", len(cfg.Subscriptions), len(base.Subscriptions))
	}
	cfg.Subscriptions[0].Kinds[0] = "trades"
	if base.Subscriptions[0].Kinds[0] != "orderbook" {
		t.Fatalf("clone shares kinds slice")
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("expected warn level, got %s", cfg.Log.Level)
	}
}
