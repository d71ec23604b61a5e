package config

import "time"

// Option mutates an AppConfig, typically from command-line flags.
type Option func(*AppConfig)

// Apply returns a copy of base with opts applied in order.
func Apply(base AppConfig, opts ...Option) AppConfig {
	cfg := base.clone()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment overrides the environment.
func WithEnvironment(env Environment) Option {
	return func(c *AppConfig) {
		c.Environment = Environment(normalize(string(env)))
	}
}

// WithDialect selects the venue dialect.
func WithDialect(d Dialect) Option {
	return func(c *AppConfig) {
		c.Venue.Dialect = Dialect(normalize(string(d)))
	}
}

// WithWSURL overrides the stream endpoint.
func WithWSURL(url string) Option {
	return func(c *AppConfig) {
		if url != "" {
			c.Venue.WSURL = url
		}
	}
}

// WithRequestTimeout overrides the subscribe/unsubscribe timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *AppConfig) {
		if d > 0 {
			c.Venue.RequestTimeout = d
		}
	}
}

// WithDepth overrides the book depth.
func WithDepth(depth int) Option {
	return func(c *AppConfig) {
		if depth > 0 {
			c.Book.Depth = depth
		}
	}
}

// WithSubscription appends a startup subscription.
func WithSubscription(symbol string, kinds ...string) Option {
	return func(c *AppConfig) {
		c.Subscriptions = append(c.Subscriptions, SubscriptionConfig{
			Symbol: symbol,
			Kinds:  append([]string(nil), kinds...),
		})
	}
}

// WithLogLevel overrides the log level.
func WithLogLevel(level string) Option {
	return func(c *AppConfig) {
		if level != "" {
			c.Log.Level = normalize(level)
		}
	}
}

func (c AppConfig) clone() AppConfig {
	out := c
	if c.Subscriptions != nil {
		out.Subscriptions = make([]SubscriptionConfig, len(c.Subscriptions))
		for i, sub := range c.Subscriptions {
			out.Subscriptions[i] = SubscriptionConfig{
				Symbol: sub.Symbol,
				Kinds:  append([]string(nil), sub.Kinds...),
			}
		}
	}
	return out
}
