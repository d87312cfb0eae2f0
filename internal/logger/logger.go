// Package logger provides structured logging for tgwatch.
// It uses Go's slog package with configurable level and output format.
package logger

import (
	"log/slog"
	"os"
)

// NewLogger creates a new slog Logger with the specified level and format.
// If jsonOutput is true, logs are emitted as JSON, otherwise as text.
// The returned logger is also installed as the process default.
func NewLogger(levelStr string, jsonOutput bool) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
