package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Level represents a log level.
type Level = slog.Level

// Log levels.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format represents the log output format.
type Format string

// Output formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level Level

	// Format is the output format (text or json).
	Format Format

	// Output is the writer to send logs to. Defaults to os.Stderr.
	Output io.Writer

	// File, when set, receives a copy of every record in the same format.
	File string

	// AddSource adds source file and line to log entries.
	AddSource bool
}

// DefaultConfig returns sensible defaults for logging.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: os.Stderr,
	}
}

// New creates a new slog.Logger with the given configuration.
// Config.File is ignored here; use Open when a log file is wanted.
func New(cfg Config) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	return slog.New(newHandler(cfg.Output, cfg))
}

// Open creates a logger like New and, when cfg.File is set, also appends every
// record to that file. The returned closer releases the file.
func Open(cfg Config) (*slog.Logger, io.Closer, error) {
	if cfg.File == "" {
		return New(cfg), io.NopCloser(nil), nil
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	h := &teeHandler{handlers: []slog.Handler{
		newHandler(cfg.Output, cfg),
		newHandler(f, cfg),
	}}
	return slog.New(h), f, nil
}

func newHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}
	if cfg.Format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Nop returns a no-op logger that discards all output.
// Use this when a logger is required but logging is disabled.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel parses a log level string, case-insensitively.
// Valid values: "debug", "info", "warn", "warning", "error".
// Returns LevelInfo if the string is not recognized.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// ParseFormat parses a log format string, case-insensitively.
// Returns FormatText if the string is not recognized.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}

// teeHandler fans a record out to several handlers.
type teeHandler struct {
	handlers []slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &teeHandler{handlers: handlers}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &teeHandler{handlers: handlers}
}
