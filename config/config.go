// Package config loads application configuration from the environment, with
// optional .env overlay via godotenv.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"footprintd/internal/fixed"
)

const (
	minRetentionDays = 1
	maxRetentionDays = 30
)

// Config holds all application configuration loaded from environment
// variables.
type Config struct {
	// Binance. Credentials are optional: market data endpoints are public.
	BinanceAPIKey    string
	BinanceSecretKey string
	BinanceRESTURL   string // override for the feed simulator; empty = production
	BinanceStreamURL string // override for the feed simulator; empty = production

	// Subscription
	Symbols string // comma-separated, e.g. "BTCUSDT,ETHUSDT"

	// Timeframes (comma-separated seconds, e.g. "60,300,900")
	EnabledTFs string

	// Footprint price level size as a decimal string, e.g. "0.5".
	PriceStep string

	// Infrastructure
	SQLitePath    string
	RedisAddr     string // empty disables the Redis cache
	RedisPassword string
	ListenAddr    string // bridge + feed websocket server
	MetricsAddr   string
	LogLevel      string

	mu            sync.Mutex
	retentionDays int
}

// Load reads configuration from a .env file (if present) and the environment.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Printf("[config] loaded .env")
	}

	c := &Config{
		BinanceAPIKey:    getEnv("BINANCE_API_KEY", ""),
		BinanceSecretKey: getEnv("BINANCE_SECRET_KEY", ""),
		BinanceRESTURL:   getEnv("BINANCE_REST_URL", ""),
		BinanceStreamURL: getEnv("BINANCE_STREAM_URL", ""),

		Symbols:    getEnv("SYMBOLS", "BTCUSDT"),
		EnabledTFs: getEnv("ENABLED_TFS", "60,300,900"),
		PriceStep:  getEnv("PRICE_STEP", "0"),

		SQLitePath:    getEnv("SQLITE_PATH", "data/footprint.db"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}
	c.retentionDays = clampRetention(getEnvInt("RETENTION_DAYS", 7))
	return c
}

// ParseSymbols splits the symbol list, uppercased.
func (c *Config) ParseSymbols() []string {
	parts := strings.Split(c.Symbols, ",")
	syms := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			syms = append(syms, p)
		}
	}
	return syms
}

// ParseTFs parses EnabledTFs into timeframe durations in seconds, skipping
// invalid entries.
func (c *Config) ParseTFs() []int {
	parts := strings.Split(c.EnabledTFs, ",")
	tfs := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			log.Printf("[config] skipping invalid TF value: %q", p)
			continue
		}
		tfs = append(tfs, n)
	}
	return tfs
}

// ParsePriceStep parses the footprint level size; 0 means exact prices.
func (c *Config) ParsePriceStep() fixed.Price {
	step, err := fixed.PriceFromString(c.PriceStep)
	if err != nil || step < 0 {
		log.Printf("[config] invalid PRICE_STEP %q, using exact prices", c.PriceStep)
		return 0
	}
	return step
}

// RetentionDays returns the current retention window.
func (c *Config) RetentionDays() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retentionDays
}

// SetRetentionDays updates the retention window at runtime, clamped to the
// supported range, and returns the effective value.
func (c *Config) SetRetentionDays(days int) int {
	clamped := clampRetention(days)
	c.mu.Lock()
	c.retentionDays = clamped
	c.mu.Unlock()
	return clamped
}

func clampRetention(days int) int {
	if days < minRetentionDays {
		return minRetentionDays
	}
	if days > maxRetentionDays {
		return maxRetentionDays
	}
	return days
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
