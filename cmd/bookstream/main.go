// Command bookstream streams order books and trades from Bitfinex and logs them.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/coachpo/bookstream/internal/adapters/bitfinex"
	"github.com/coachpo/bookstream/internal/adapters/bitfinex2"
	"github.com/coachpo/bookstream/internal/adapters/shared"
	"github.com/coachpo/bookstream/internal/config"
	"github.com/coachpo/bookstream/internal/connector"
	"github.com/coachpo/bookstream/internal/market"
	"github.com/coachpo/bookstream/internal/observability"
	"github.com/coachpo/bookstream/internal/schema"
	"github.com/coachpo/bookstream/internal/telemetry"
)

const (
	shutdownTimeout     = 10 * time.Second
	catalogFetchTimeout = 10 * time.Second
	meterName           = "github.com/coachpo/bookstream"
)

type flags struct {
	configPath    string
	envFile       string
	fetchMarkets  bool
	printInterval time.Duration
}

func main() {
	f := parseFlags()
	if err := loadEnvFile(f.envFile); err != nil {
		fmt.Fprintf(os.Stderr, "load env file: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, f); err != nil {
		fmt.Fprintf(os.Stderr, "bookstream: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", fmt.Sprintf("Path to configuration file (default: %s)", config.DefaultPath))
	flag.StringVar(&f.envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	flag.BoolVar(&f.fetchMarkets, "fetch-markets", false, "Load the market catalog from the venue REST API")
	flag.DurationVar(&f.printInterval, "print-interval", 5*time.Second, "Interval between top-of-book log lines; 0 disables")
	flag.Parse()
	return f
}

// loadEnvFile applies a dotenv file; a missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func run(ctx context.Context, f flags) error {
	cfg, err := config.LoadOrDefault(ctx, f.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogrus(observability.LogConfig{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		Component:  "bookstream",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	observability.SetLogger(logger)
	logger.Info("configuration loaded",
		observability.F("environment", cfg.Environment),
		observability.F("dialect", cfg.Venue.Dialect),
		observability.F("subscriptions", len(cfg.Subscriptions)))

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.Insecure,
		MetricInterval: cfg.Telemetry.MetricInterval,
		ServiceName:    cfg.Telemetry.ServiceName,
		Environment:    string(cfg.Environment),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer shutdownTelemetry(logger, provider)

	targets, err := targetsFromConfig(cfg)
	if err != nil {
		return err
	}
	catalog, err := buildCatalog(ctx, cfg, targets, f.fetchMarkets, logger)
	if err != nil {
		return err
	}
	dialect := newDialect(cfg, catalog)

	metrics, err := telemetry.NewStreamMetrics(provider.Meter(meterName), dialect.Name())
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	conn, err := connector.New(connector.Options{
		Dialect:              dialect,
		Catalog:              catalog,
		URL:                  cfg.Venue.WSURL,
		RequestTimeout:       cfg.Venue.RequestTimeout,
		DefaultDepth:         cfg.Book.Depth,
		EventBuffer:          cfg.EventBuffer,
		PingInterval:         cfg.Venue.PingInterval,
		ControlRate:          cfg.Venue.ControlRate,
		MaxReconnectInterval: cfg.Venue.ReconnectMaxInterval,
		Logger:               logger.WithComponent("connector"),
		Metrics:              metrics,
	})
	if err != nil {
		return fmt.Errorf("build connector: %w", err)
	}
	if err := conn.Start(ctx); err != nil {
		return fmt.Errorf("start connector: %w", err)
	}
	defer conn.Close()

	if err := conn.SubscribeAll(ctx, targets); err != nil {
		logger.Warn("some subscriptions failed", observability.Err(err))
	}

	consume(ctx, conn, targets, f.printInterval, logger)
	logger.Info("shutdown signal received")
	return nil
}

func shutdownTelemetry(logger observability.Logger, provider *telemetry.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		logger.Warn("telemetry shutdown", observability.Err(err))
	}
}

// targetsFromConfig expands the configured subscriptions into stream targets.
func targetsFromConfig(cfg config.AppConfig) ([]connector.Target, error) {
	var targets []connector.Target
	for _, sub := range cfg.Subscriptions {
		symbol := schema.Symbol(sub.Symbol)
		if err := schema.ValidateSymbol(symbol); err != nil {
			return nil, fmt.Errorf("subscription %q: %w", sub.Symbol, err)
		}
		for _, raw := range sub.Kinds {
			kind, ok := schema.ParseKind(raw)
			if !ok {
				return nil, fmt.Errorf("subscription %q: unsupported kind %q", sub.Symbol, raw)
			}
			target := connector.Target{Symbol: symbol, Kind: kind}
			if kind == schema.KindOrderBook {
				target.Depth = cfg.Book.Depth
			}
			targets = append(targets, target)
		}
	}
	return targets, nil
}

// buildCatalog derives markets from the targets, optionally merged with the
// venue's published pair list.
func buildCatalog(ctx context.Context, cfg config.AppConfig, targets []connector.Target, fetch bool, logger observability.Logger) (*market.Catalog, error) {
	symbols := make([]schema.Symbol, 0, len(targets))
	for _, t := range targets {
		symbols = append(symbols, t.Symbol)
	}
	catalog, err := market.CatalogFromSymbols(symbols...)
	if err != nil {
		return nil, fmt.Errorf("build catalog: %w", err)
	}
	if !fetch {
		return catalog, nil
	}
	fetchCtx, cancel := context.WithTimeout(ctx, catalogFetchTimeout)
	defer cancel()
	markets, err := market.Fetch(fetchCtx, &http.Client{Timeout: catalogFetchTimeout}, cfg.Venue.RESTURL)
	if err != nil {
		logger.Warn("market catalog fetch failed; using configured symbols", observability.Err(err))
		return catalog, nil
	}
	catalog.Add(markets...)
	logger.Info("market catalog loaded", observability.F("markets", catalog.Len()))
	return catalog, nil
}

func newDialect(cfg config.AppConfig, catalog *market.Catalog) shared.Dialect {
	if cfg.Venue.Dialect == config.DialectV1 {
		return bitfinex.New(catalog, bitfinex.Config{
			Precision: cfg.Book.Precision,
			Frequency: cfg.Book.Frequency,
		})
	}
	return bitfinex2.New(catalog, bitfinex2.Config{
		Precision: cfg.Book.Precision,
		Frequency: cfg.Book.Frequency,
	})
}

// consume logs events until ctx ends or the connector closes its stream.
func consume(ctx context.Context, conn *connector.Connector, targets []connector.Target, interval time.Duration, logger observability.Logger) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-conn.Errors():
			logger.Warn("transport error", observability.Err(err))
		case evt, ok := <-conn.Events():
			if !ok {
				return
			}
			logEvent(logger, evt)
		case <-tick:
			logTopOfBook(logger, conn, targets)
		}
	}
}

func logEvent(logger observability.Logger, evt schema.Event) {
	switch evt.Type {
	case schema.EventTrade:
		logger.Info("trade",
			observability.F("symbol", evt.Symbol),
			observability.F("side", evt.Trade.Side),
			observability.F("price", evt.Trade.Price.String()),
			observability.F("amount", evt.Trade.Amount.String()))
	case schema.EventOrderBook:
		logger.Debug("book update",
			observability.F("symbol", evt.Symbol),
			observability.F("bids", len(evt.Book.Bids)),
			observability.F("asks", len(evt.Book.Asks)))
	case schema.EventInfo:
		logger.Info("venue info", observability.F("info", evt.Info.String()))
	case schema.EventWarning:
		logger.Debug("frame dropped", observability.F("symbol", evt.Symbol), observability.Err(evt.Err))
	case schema.EventError:
		logger.Warn("venue error", observability.F("symbol", evt.Symbol), observability.Err(evt.Err))
	default:
		logger.Info(string(evt.Type),
			observability.F("symbol", evt.Symbol),
			observability.F("kind", evt.Kind),
			observability.F("chanId", evt.ChannelID))
	}
}

func logTopOfBook(logger observability.Logger, conn *connector.Connector, targets []connector.Target) {
	for _, t := range targets {
		if t.Kind != schema.KindOrderBook {
			continue
		}
		view, ok := conn.Book(t.Symbol, 1)
		if !ok {
			continue
		}
		fields := []observability.Field{observability.F("symbol", t.Symbol)}
		if bid, ok := view.BestBid(); ok {
			fields = append(fields, observability.F("bid", bid.Price.String()), observability.F("bid_size", bid.Size.String()))
		}
		if ask, ok := view.BestAsk(); ok {
			fields = append(fields, observability.F("ask", ask.Price.String()), observability.F("ask_size", ask.Size.String()))
		}
		logger.Info("top of book", fields...)
	}
}
