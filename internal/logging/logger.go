// Package logging provides structured logging for go-process-shards.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a structured logger writing to stderr.
// Format is "json" or "text"; level is "debug", "info", "warn" or "error".
// verbose forces debug level.
func NewLogger(format, level string, verbose bool) *slog.Logger {
	logLevel := parseLevel(level)
	if verbose {
		logLevel = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}
	return slog.New(newHandler(os.Stderr, format, opts))
}

// NewLoggerWithWriter creates a logger that writes to w. Unknown formats
// fall back to text.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.ToLower(format) != "json" {
		format = "text"
	}
	return slog.New(newHandler(w, format, opts))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ForShard scopes logger to one shard. A zero pid is omitted.
func ForShard(logger *slog.Logger, shardID string, pid int) *slog.Logger {
	if pid == 0 {
		return logger.With("shard_id", shardID)
	}
	return logger.With("shard_id", shardID, "pid", pid)
}

func newHandler(w io.Writer, format string, opts *slog.HandlerOptions) slog.Handler {
	switch strings.ToLower(format) {
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
