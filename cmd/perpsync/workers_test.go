package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	rlog "github.com/perpsync/perpsync/log"
	"github.com/perpsync/perpsync/reconciler"
	"github.com/perpsync/perpsync/store"
)

func TestRefetchWorkersLogThroughContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ctx := rlog.ContextWithLogger(context.Background(), logger)

	rec := reconciler.New(store.New(), nil)
	var wg sync.WaitGroup
	startRefetchWorkers(ctx, rec, 2, &wg)
	rec.ShutDown()
	wg.Wait()

	out := buf.String()
	require.Contains(t, out, `"msg":"starting refetch workers"`)
	require.Contains(t, out, `"count":2`)
	require.Equal(t, 2, strings.Count(out, `"msg":"refetch worker stopped"`))
}
