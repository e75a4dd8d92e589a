// Package logging wires structured logging (log/slog) into a small, shared
// convention: a single process-wide logger built from the configured level,
// threaded through context.Context so deeply nested calls can log without
// every signature growing a logger parameter.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type contextKey struct{}

// NewLogger builds a slog.Logger writing JSON to stderr at the given level
// ("debug", "info", "warn", "error"; unrecognised or empty falls back to
// info).
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

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

// WithContext returns a context carrying logger, retrievable with FromContext.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext returns the logger stored by WithContext, or slog.Default()
// if none was attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
