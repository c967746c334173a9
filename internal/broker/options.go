package broker

import (
	"io"
	"log/slog"
	"time"

	"hookbridge/internal/broker/metrics"
	"hookbridge/internal/events"
)

// DefaultRefreshBuffer is how long before expiry a trust token is refreshed.
const DefaultRefreshBuffer = 5 * time.Minute

type brokerConfig struct {
	logger        *slog.Logger
	metrics       *metrics.Metrics
	events        events.Publisher
	refreshBuffer time.Duration
	now           func() time.Time
}

// Option configures a Broker.
type Option func(*brokerConfig)

// WithLogger injects a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *brokerConfig) {
		c.logger = logger
	}
}

// WithMetrics injects broker metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *brokerConfig) {
		c.metrics = m
	}
}

// WithEvents injects the ops event publisher.
func WithEvents(p events.Publisher) Option {
	return func(c *brokerConfig) {
		c.events = p
	}
}

// WithRefreshBuffer overrides how early trust tokens are refreshed.
func WithRefreshBuffer(d time.Duration) Option {
	return func(c *brokerConfig) {
		c.refreshBuffer = d
	}
}

// WithClock overrides the time source. Tests use this to push tokens toward expiry.
func WithClock(now func() time.Time) Option {
	return func(c *brokerConfig) {
		c.now = now
	}
}

func defaultConfig() *brokerConfig {
	return &brokerConfig{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		events:        events.Nop{},
		refreshBuffer: DefaultRefreshBuffer,
		now:           time.Now,
	}
}
