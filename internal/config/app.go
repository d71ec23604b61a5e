// Package config loads bookstream's YAML configuration with environment overrides.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the last config file candidate.
const DefaultPath = "config/bookstream.yaml"

// VenueConfig locates the venue and tunes the connection.
type VenueConfig struct {
	Dialect              Dialect       `yaml:"dialect"`
	WSURL                string        `yaml:"wsUrl"`
	RESTURL              string        `yaml:"restUrl"`
	RequestTimeout       time.Duration `yaml:"requestTimeout"`
	ReconnectMaxInterval time.Duration `yaml:"reconnectMaxInterval"`
	ControlRate          float64       `yaml:"controlRate"`
	PingInterval         time.Duration `yaml:"pingInterval"`
}

// BookConfig sets the book channel parameters.
type BookConfig struct {
	Depth     int    `yaml:"depth"`
	Precision string `yaml:"precision"`
	Frequency string `yaml:"frequency"`
}

// SubscriptionConfig lists the streams to open for one symbol at startup.
type SubscriptionConfig struct {
	Symbol string   `yaml:"symbol"`
	Kinds  []string `yaml:"kinds"`
}

// LogConfig configures the logrus backend.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	Insecure       bool          `yaml:"insecure"`
	MetricInterval time.Duration `yaml:"metricInterval"`
	ServiceName    string        `yaml:"serviceName"`
}

// AppConfig is the complete bookstream configuration.
type AppConfig struct {
	Environment   Environment          `yaml:"environment"`
	Venue         VenueConfig          `yaml:"venue"`
	Book          BookConfig           `yaml:"book"`
	EventBuffer   int                  `yaml:"eventBuffer"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Log           LogConfig            `yaml:"log"`
	Telemetry     TelemetryConfig      `yaml:"telemetry"`
}

// Default returns the configuration used when no file overrides it.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Venue: VenueConfig{
			Dialect:              DialectV2,
			WSURL:                "wss://api.bitfinex.com/ws/2",
			RESTURL:              "https://api.bitfinex.com",
			RequestTimeout:       10 * time.Second,
			ReconnectMaxInterval: 20 * time.Second,
			ControlRate:          10,
			PingInterval:         20 * time.Second,
		},
		Book: BookConfig{
			Depth:     25,
			Precision: "P0",
			Frequency: "F0",
		},
		EventBuffer:   1024,
		Subscriptions: nil,
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			File:       "",
			MaxAgeDays: 7,
			MaxSizeMB:  100,
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			OTLPEndpoint:   "localhost:4318",
			Insecure:       true,
			MetricInterval: 30 * time.Second,
			ServiceName:    "bookstream",
		},
	}
}

// Load builds the configuration with precedence defaults, YAML, environment.
// The YAML file must exist; see LoadOrDefault.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	cfg := Default()
	if err := cfg.loadYAML(ctx, configPath); err != nil {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", err)
	}
	return cfg.finish(ctx)
}

// LoadOrDefault behaves like Load but falls back to defaults when no config file exists.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg := Default()
	if err := cfg.loadYAML(ctx, configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load yaml config: %w", err)
	}
	return cfg.finish(ctx)
}

func (c *AppConfig) finish(ctx context.Context) (AppConfig, error) {
	if err := c.ApplyEnv(); err != nil {
		return AppConfig{}, fmt.Errorf("apply env: %w", err)
	}
	c.normalise()
	if err := c.Validate(ctx); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return *c, nil
}

func (c *AppConfig) loadYAML(ctx context.Context, path string) error {
	_ = ctx
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	// Unmarshalling over the defaults keeps every key the file omits.
	if err := yaml.Unmarshal(bytes, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from BOOKSTREAM_* variables.
func (c *AppConfig) ApplyEnv() error {
	if v := env("BOOKSTREAM_ENV"); v != "" {
		c.Environment = Environment(v)
	}
	if v := env("BOOKSTREAM_DIALECT"); v != "" {
		c.Venue.Dialect = Dialect(v)
	}
	if v := env("BOOKSTREAM_WS_URL"); v != "" {
		c.Venue.WSURL = v
	}
	if v := env("BOOKSTREAM_REST_URL"); v != "" {
		c.Venue.RESTURL = v
	}
	if v := env("BOOKSTREAM_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("BOOKSTREAM_REQUEST_TIMEOUT: %w", err)
		}
		c.Venue.RequestTimeout = d
	}
	if v := env("BOOKSTREAM_DEPTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BOOKSTREAM_DEPTH: %w", err)
		}
		c.Book.Depth = n
	}
	if v := env("BOOKSTREAM_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := env("BOOKSTREAM_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := env("BOOKSTREAM_LOG_FILE"); v != "" {
		c.Log.File = v
	}
	if v := env("BOOKSTREAM_OTEL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BOOKSTREAM_OTEL_ENABLED: %w", err)
		}
		c.Telemetry.Enabled = b
	}
	if v := env("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	return nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(normalize(string(c.Environment)))
	c.Venue.Dialect = Dialect(normalize(string(c.Venue.Dialect)))
	c.Venue.WSURL = strings.TrimSpace(c.Venue.WSURL)
	c.Venue.RESTURL = strings.TrimRight(strings.TrimSpace(c.Venue.RESTURL), "/")
	c.Book.Precision = strings.ToUpper(strings.TrimSpace(c.Book.Precision))
	c.Book.Frequency = strings.ToUpper(strings.TrimSpace(c.Book.Frequency))
	c.Log.Level = normalize(c.Log.Level)
	c.Log.Format = normalize(c.Log.Format)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	for i := range c.Subscriptions {
		c.Subscriptions[i].Symbol = strings.ToUpper(strings.TrimSpace(c.Subscriptions[i].Symbol))
		for j, kind := range c.Subscriptions[i].Kinds {
			c.Subscriptions[i].Kinds[j] = normalize(kind)
		}
	}
}

// Validate performs semantic validation on the configuration.
func (c *AppConfig) Validate(ctx context.Context) error {
	_ = ctx

	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("invalid environment: %s", c.Environment)
	}

	switch c.Venue.Dialect {
	case DialectV1, DialectV2:
	default:
		return fmt.Errorf("venue dialect must be %s or %s, got %q", DialectV1, DialectV2, c.Venue.Dialect)
	}
	if c.Venue.WSURL == "" {
		return fmt.Errorf("venue wsUrl required")
	}
	if c.Venue.RequestTimeout <= 0 {
		return fmt.Errorf("venue requestTimeout must be >0")
	}
	if c.Venue.ReconnectMaxInterval <= 0 {
		c.Venue.ReconnectMaxInterval = 20 * time.Second
	}
	if c.Venue.ControlRate <= 0 {
		return fmt.Errorf("venue controlRate must be >0")
	}
	if c.Venue.PingInterval <= 0 {
		c.Venue.PingInterval = 20 * time.Second
	}

	if c.Book.Depth < 0 {
		return fmt.Errorf("book depth must be >=0")
	}
	if c.EventBuffer <= 0 {
		return fmt.Errorf("eventBuffer must be >0")
	}

	for i, sub := range c.Subscriptions {
		if sub.Symbol == "" {
			return fmt.Errorf("subscriptions[%d]: symbol required", i)
		}
		if !strings.Contains(sub.Symbol, "/") {
			return fmt.Errorf("subscriptions[%d]: symbol %q must be BASE/QUOTE", i, sub.Symbol)
		}
		if len(sub.Kinds) == 0 {
			return fmt.Errorf("subscriptions[%d]: at least one kind required", i)
		}
		for _, kind := range sub.Kinds {
			if kind != "orderbook" && kind != "trades" {
				return fmt.Errorf("subscriptions[%d]: unsupported kind %q", i, kind)
			}
		}
	}

	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.Log.Format)
	}
	if c.Log.MaxSizeMB < 0 {
		return fmt.Errorf("log maxSizeMB must be >= 0, got %d", c.Log.MaxSizeMB)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry otlpEndpoint required when enabled")
		}
		if c.Telemetry.MetricInterval <= 0 {
			c.Telemetry.MetricInterval = 30 * time.Second
		}
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "bookstream"
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	var (
		candidates []string
		seen       = make(map[string]struct{})
	)
	addCandidate := func(candidate string) {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			return
		}
		candidate = filepath.Clean(candidate)
		if _, ok := seen[candidate]; ok {
			return
		}
		seen[candidate] = struct{}{}
		candidates = append(candidates, candidate)
	}
	addCandidate(path)
	addCandidate(os.Getenv("BOOKSTREAM_CONFIG"))
	addCandidate(DefaultPath)

	var lastErr error
	for _, candidate := range candidates {
		file, err := os.Open(candidate) // #nosec G304 -- configuration paths are controlled by operators.
		if err == nil {
			return file, func() { _ = file.Close() }, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("open config: %w", err)
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = os.ErrNotExist
	}
	return nil, nil, fmt.Errorf("open config: %w", lastErr)
}
