// Package log holds the slog plumbing shared by the binary: context
// propagation, handler fan-out, scope filtering and the handler builder.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxLoggerKey struct{}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

// LoggerFromContext returns the logger stored in ctx, or slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// Config describes where records go.
type Config struct {
	Level  string
	JSON   bool
	Output io.Writer // defaults to os.Stderr

	// File enables a rotated log file next to the console output.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Scopes limits output to records logged under these group scopes.
	Scopes []string
}

// ParseLevel accepts the slog level names, case-insensitively. Empty means
// info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// NewHandler builds the console handler, the optional rotated file handler
// and any extra handlers into one. The returned closer releases the file.
func NewHandler(cfg Config, extra ...slog.Handler) (slog.Handler, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	handlers := []slog.Handler{newFormatHandler(out, cfg.JSON, opts)}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		// files are always JSON so they can be parsed back
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
		closer = file
	}
	handlers = append(handlers, extra...)

	var handler slog.Handler = NewMultiHandler(handlers...)
	handler = NewGroupFilterHandler(handler, cfg.Scopes)
	return handler, closer, nil
}

func newFormatHandler(w io.Writer, json bool, opts *slog.HandlerOptions) slog.Handler {
	if json {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
