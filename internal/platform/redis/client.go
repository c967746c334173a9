package redis

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"hookbridge/internal/platform/config"
)

var (
	redisPoolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookbridge_redis_pool_hits_total",
		Help: "Number of times a connection was found in the pool",
	})
	redisPoolTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookbridge_redis_pool_timeouts_total",
		Help: "Number of times a connection was not obtained due to timeout",
	})
	redisPoolTotalConns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hookbridge_redis_pool_total_conns",
		Help: "Number of total connections in the pool",
	})
)

// Client wraps the go-redis client with health checking capabilities.
type Client struct {
	*redis.Client
	lastStats *redis.PoolStats
}

// New creates a new Redis client from the provided configuration.
// Returns nil if the address is empty (Redis not configured).
func New(cfg config.Redis) (*Client, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close() //nolint:errcheck // best-effort cleanup on init failure
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{Client: client}, nil
}

// Health checks if the Redis connection is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

// RecordPoolStats updates Prometheus metrics with current pool statistics.
// Call this periodically from a background goroutine.
func (c *Client) RecordPoolStats() {
	stats := c.PoolStats()

	redisPoolTotalConns.Set(float64(stats.TotalConns))

	if c.lastStats != nil {
		if stats.Hits > c.lastStats.Hits {
			redisPoolHits.Add(float64(stats.Hits - c.lastStats.Hits))
		}
		if stats.Timeouts > c.lastStats.Timeouts {
			redisPoolTimeouts.Add(float64(stats.Timeouts - c.lastStats.Timeouts))
		}
	} else {
		redisPoolHits.Add(float64(stats.Hits))
		redisPoolTimeouts.Add(float64(stats.Timeouts))
	}

	c.lastStats = stats
}
