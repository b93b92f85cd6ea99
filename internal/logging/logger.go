// Package logging builds the process logger and carries correlation values
// (session, workflow, step) through contexts.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format is the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds the logging configuration.
type Config struct {
	// Level is debug, info, warn or error. Default: info.
	Level string
	// LevelVar, when set, is used instead of Level so the level can change at runtime.
	LevelVar *slog.LevelVar
	// Format is json or text. Default: json.
	Format Format
	// Output defaults to os.Stderr; stdout is reserved for the MCP transport.
	Output    io.Writer
	AddSource bool
}

// New creates a correlation-aware structured logger.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var level slog.Leveler = ParseLevel(cfg.Level)
	if cfg.LevelVar != nil {
		level = cfg.LevelVar
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch Format(strings.ToLower(string(cfg.Format))) {
	case FormatText:
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(NewCorrelationHandler(handler))
}

// ParseLevel converts a level name to slog.Level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
