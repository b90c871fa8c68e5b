package storage

import (
	"context"
	"fmt"

	"github.com/perpsync/perpsync/pkg/sqllogger"
	"github.com/perpsync/perpsync/storage/sqlcgen"
)

// LogSink returns a sqllogger.Sink writing batches into app_logs. Batches run
// in their own transaction outside the query logger, so persisted logs never
// log themselves.
func (s *Storage) LogSink() sqllogger.Sink {
	return func(ctx context.Context, batch []sqllogger.Entry) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin log batch: %w", err)
		}
		defer tx.Rollback()

		queries := sqlcgen.New(tx)
		for _, e := range batch {
			attrs := string(e.Attrs)
			if attrs == "" {
				attrs = "{}"
			}
			err := queries.InsertAppLogEntry(ctx, sqlcgen.InsertAppLogEntryParams{
				TimestampUtc:   e.Time.UTC().UnixMilli(),
				Level:          e.Level.String(),
				Scope:          stringPtr(e.Scope),
				Message:        e.Message,
				Attrs:          attrs,
				SourceFile:     stringPtr(e.File),
				SourceLine:     nullableInt64(e.Line),
				SourceFunction: stringPtr(e.Function),
			})
			if err != nil {
				return fmt.Errorf("insert log entry: %w", err)
			}
		}
		return tx.Commit()
	}
}

func stringPtr(val string) *string {
	if val == "" {
		return nil
	}
	return &val
}

func nullableInt64(v int) *int64 {
	if v <= 0 {
		return nil
	}
	out := int64(v)
	return &out
}
