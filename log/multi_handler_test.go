package log

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type failingHandler struct {
	recordingHandler
	err error
}

func (h *failingHandler) Handle(ctx context.Context, r slog.Record) error {
	_ = h.recordingHandler.Handle(ctx, r)
	return h.err
}

func TestMultiHandlerFansOutByLevel(t *testing.T) {
	t.Parallel()
	debug := &recordingHandler{level: slog.LevelDebug}
	warn := &recordingHandler{level: slog.LevelWarn}
	h := NewMultiHandler(debug, nil, warn)

	require.True(t, h.Enabled(context.Background(), slog.LevelDebug))
	require.NoError(t, h.Handle(context.Background(), record(slog.LevelInfo)))
	require.NoError(t, h.Handle(context.Background(), record(slog.LevelError)))

	require.Equal(t, 2, debug.count())
	require.Equal(t, 1, warn.count())

	h.WithGroup("cancelflow")
	require.Equal(t, []string{"cancelflow"}, debug.groups)
	require.Equal(t, []string{"cancelflow"}, warn.groups)
}

func TestMultiHandlerJoinsErrors(t *testing.T) {
	t.Parallel()
	errA, errB := errors.New("a"), errors.New("b")
	h := NewMultiHandler(&failingHandler{err: errA}, &recordingHandler{}, &failingHandler{err: errB})

	err := h.Handle(context.Background(), record(slog.LevelInfo))
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
}

func TestMultiHandlerSingleChild(t *testing.T) {
	t.Parallel()
	rec := &recordingHandler{}
	require.Same(t, rec, NewMultiHandler(nil, rec))
}

func TestNewHandlerWritesConsoleAndFile(t *testing.T) {
	t.Parallel()
	var console bytes.Buffer
	extra := &recordingHandler{level: slog.LevelDebug}
	path := filepath.Join(t.TempDir(), "logs", "perpsync.log")

	h, closer, err := NewHandler(Config{Level: "debug", JSON: true, Output: &console, File: path, MaxSizeMB: 1}, extra)
	require.NoError(t, err)

	slog.New(h).WithGroup("reconciler").Debug("applied", slog.String("kind", "on-trade"))
	require.NoError(t, closer.Close())

	require.Contains(t, console.String(), `"reconciler":{"kind":"on-trade"}`)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), `"msg":"applied"`)
	require.Equal(t, 1, extra.count())
}

func TestNewHandlerLevel(t *testing.T) {
	t.Parallel()
	var console bytes.Buffer
	h, _, err := NewHandler(Config{Level: "WARN", Output: &console})
	require.NoError(t, err)

	logger := slog.New(h)
	logger.Info("hidden")
	logger.Warn("shown")
	require.NotContains(t, console.String(), "hidden")
	require.Contains(t, console.String(), "shown")

	_, _, err = NewHandler(Config{Level: "loud"})
	require.ErrorContains(t, err, `unknown log level "loud"`)
}

func TestLoggerFromContext(t *testing.T) {
	t.Parallel()
	require.Same(t, slog.Default(), LoggerFromContext(context.Background()))

	logger := slog.New(slog.DiscardHandler)
	ctx := ContextWithLogger(context.Background(), logger)
	require.Same(t, logger, LoggerFromContext(ctx))
}
