package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init installs the default logger from LOG_LEVEL and LOG_FORMAT and returns
// it. fallback is the level used when LOG_LEVEL is unset: the server runs at
// info, the client commands only show errors.
func Init(fallback slog.Level) *slog.Logger {
	logger := New(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), fallback)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string, fallback slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level, fallback)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(l string, fallback slog.Level) slog.Level {
	switch strings.ToLower(l) {
	case "dev", "development", "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "production", "prod":
		return slog.LevelError
	default:
		return fallback
	}
}
