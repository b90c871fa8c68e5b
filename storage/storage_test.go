package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perpsync/perpsync/pkg/sqllogger"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	st, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, st.Close())
	})
	return st
}

func TestCancelAttemptLifecycle(t *testing.T) {
	t.Parallel()

	st := newTestStorage(t)
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.RecordCancelStarted(ctx, CancelAttempt{
		ID:        "attempt-1",
		OrderID:   "0xorder1",
		Symbol:    "ETH-USD-USDC",
		Trader:    "0xaa",
		StartedAt: started,
	}))
	require.NoError(t, st.RecordCancelStarted(ctx, CancelAttempt{
		ID:        "attempt-2",
		OrderID:   "0xorder2",
		Symbol:    "BTC-USD-USDC",
		StartedAt: started.Add(time.Minute),
	}))

	attempts, err := st.ListCancelAttempts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, "attempt-2", attempts[0].ID)
	require.Equal(t, CancelPending, attempts[0].Outcome)
	require.Nil(t, attempts[0].FinishedAt)

	finished := started.Add(2 * time.Minute)
	require.NoError(t, st.RecordCancelFinished(ctx, "attempt-1", CancelResult{
		Outcome:    CancelConfirmed,
		TxHash:     "0xhash",
		FinishedAt: finished,
	}))
	require.NoError(t, st.RecordCancelFinished(ctx, "attempt-2", CancelResult{
		Outcome: CancelFailed,
		Error:   "perpsync: cancel payload has no digest",
	}))

	attempts, err = st.ListCancelAttempts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, attempts, 2)

	failed := attempts[0]
	require.Equal(t, CancelFailed, failed.Outcome)
	require.Equal(t, "perpsync: cancel payload has no digest", failed.Error)
	require.Empty(t, failed.TxHash)
	require.NotNil(t, failed.FinishedAt)

	confirmed := attempts[1]
	require.Equal(t, CancelConfirmed, confirmed.Outcome)
	require.Equal(t, "0xhash", confirmed.TxHash)
	require.Equal(t, "0xaa", confirmed.Trader)
	require.True(t, started.Equal(confirmed.StartedAt))
	require.True(t, finished.Equal(*confirmed.FinishedAt))

	attempts, err = st.ListCancelAttempts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
}

func TestRecordCancelFinishedUnknown(t *testing.T) {
	t.Parallel()

	st := newTestStorage(t)
	err := st.RecordCancelFinished(context.Background(), "missing", CancelResult{Outcome: CancelFailed})
	require.ErrorIs(t, err, ErrAttemptNotFound)
}

func TestRecordCancelStartedRequiresID(t *testing.T) {
	t.Parallel()

	st := newTestStorage(t)
	require.Error(t, st.RecordCancelStarted(context.Background(), CancelAttempt{OrderID: "x"}))
}

func TestRecordCancelStartedDuplicate(t *testing.T) {
	t.Parallel()

	st := newTestStorage(t)
	attempt := CancelAttempt{ID: "dup", OrderID: "x", Symbol: "ETH-USD-USDC", StartedAt: time.Now()}
	require.NoError(t, st.RecordCancelStarted(context.Background(), attempt))
	require.Error(t, st.RecordCancelStarted(context.Background(), attempt))
}

func TestSetLoggerLogsStatements(t *testing.T) {
	t.Parallel()

	st := newTestStorage(t)
	var buf bytes.Buffer
	st.SetLogger(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx := context.Background()
	require.NoError(t, st.RecordCancelStarted(ctx, CancelAttempt{ID: "a", OrderID: "o", Symbol: "ETH-USD-USDC", StartedAt: time.Now()}))
	attempts, err := st.ListCancelAttempts(ctx, 5)
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var exec struct {
		Msg     string `json:"msg"`
		Level   string `json:"level"`
		Storage struct {
			Query string `json:"query"`
		} `json:"storage"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &exec))
	require.Equal(t, "sql exec", exec.Msg)
	require.Equal(t, "DEBUG", exec.Level)
	require.Contains(t, exec.Storage.Query, "INSERT INTO cancel_attempts")
	require.Contains(t, lines[1], `"msg":"sql query"`)

	st.SetLogger(nil)
	buf.Reset()
	require.NoError(t, st.RecordCancelFinished(ctx, "a", CancelResult{Outcome: CancelConfirmed, TxHash: "0xhash"}))
	require.Empty(t, buf.String())
}

func TestLogSinkPersistsRecords(t *testing.T) {
	t.Parallel()

	st := newTestStorage(t)
	handler, err := sqllogger.New(st.LogSink(), sqllogger.WithLevel(slog.LevelDebug))
	require.NoError(t, err)

	logger := slog.New(handler).WithGroup("cancelflow").With(slog.String("order", "0xorder"))
	logger.Warn("cancellation failed", slog.String("error", "rpc down"))
	logger.Debug("cancel payload received")
	require.NoError(t, handler.Close(context.Background()))

	ctx := context.Background()
	rows, err := st.db.QueryContext(ctx, `SELECT level, scope, message, attrs FROM app_logs ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()

	type row struct {
		level, scope, message, attrs string
	}
	var got []row
	for rows.Next() {
		var r row
		require.NoError(t, rows.Scan(&r.level, &r.scope, &r.message, &r.attrs))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)

	require.Equal(t, "WARN", got[0].level)
	require.Equal(t, "cancelflow", got[0].scope)
	require.Equal(t, "cancellation failed", got[0].message)

	var attrs map[string]any
	require.NoError(t, json.Unmarshal([]byte(got[0].attrs), &attrs))
	group, ok := attrs["cancelflow"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "0xorder", group["order"])
	require.Equal(t, "rpc down", group["error"])

	require.Equal(t, "DEBUG", got[1].level)
}
