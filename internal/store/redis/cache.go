// Package redis caches the latest candle per (symbol, timeframe) so sibling
// processes and dashboards can read market state without touching SQLite or
// the websocket feed. The cache is optional: a nil *Cache is a no-op.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	"footprintd/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const defaultLatestTTL = 30 * time.Minute

// Config configures the Redis cache.
type Config struct {
	Addr     string // e.g. "localhost:6379"; empty disables the cache
	Password string
	DB       int
}

// Cache writes latest-candle snapshots to Redis.
type Cache struct {
	client *goredis.Client
}

// New connects and pings the server. Returns (nil, nil) when Addr is empty:
// the cache is opt-in.
func New(cfg Config) (*Cache, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Cache{client: client}, nil
}

// Client returns the underlying Redis client for health checks. Nil-safe.
func (c *Cache) Client() *goredis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Run consumes pipeline events and keeps latest:{symbol}:{tf} current.
// Blocks until ctx is cancelled or events is closed. Nil-safe: a nil Cache
// drains the channel without writing.
func (c *Cache) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if c == nil || ev.Type != model.EventCandle {
				continue
			}
			c.writeCandle(ctx, ev.Candle)
		}
	}
}

func (c *Cache) writeCandle(ctx context.Context, candle model.Candle) {
	key := "latest:" + candle.Key()
	if err := c.client.Set(ctx, key, candle.JSON(), defaultLatestTTL).Err(); err != nil {
		log.Printf("[redis] set %s: %v", key, err)
	}
}

// Close releases the connection. Nil-safe.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}
