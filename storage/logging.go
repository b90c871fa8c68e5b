package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/perpsync/perpsync/storage/sqlcgen"
)

type loggingDB struct {
	inner  sqlcgen.DBTX
	logger *slog.Logger
}

func (l loggingDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := l.inner.ExecContext(ctx, query, args...)
	l.log(ctx, "sql exec", query, start, err)
	return res, err
}

func (l loggingDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := l.inner.QueryContext(ctx, query, args...)
	l.log(ctx, "sql query", query, start, err)
	return rows, err
}

func (l loggingDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := l.inner.QueryRowContext(ctx, query, args...)
	l.log(ctx, "sql query row", query, start, row.Err())
	return row
}

func (l loggingDB) PrepareContext(ctx context.Context, query string) (*sql.Stmt, error) {
	start := time.Now()
	stmt, err := l.inner.PrepareContext(ctx, query)
	l.log(ctx, "sql prepare", query, start, err)
	return stmt, err
}

func (l loggingDB) log(ctx context.Context, msg, query string, start time.Time, err error) {
	attrs := []slog.Attr{
		slog.String("query", query),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.logger.LogAttrs(ctx, slog.LevelDebug, msg, attrs...)
}
