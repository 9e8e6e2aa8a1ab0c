// Package logger sets up structured JSON logging with log/slog and provides
// small helpers for symbol-scoped loggers. The hot path keeps using the
// stdlib log package for terse component-tagged lines; slog carries the
// startup/shutdown and operational records.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// Init creates a JSON logger for the given service and installs it as the
// slog default.
func Init(service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	slog.SetDefault(logger)
	return logger
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForSymbol returns a child logger tagged with the market symbol, so
// per-symbol pipeline goroutines produce correlatable records.
func ForSymbol(base *slog.Logger, symbol string) *slog.Logger {
	return base.With(slog.String("symbol", symbol))
}
