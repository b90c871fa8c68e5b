package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/perpsync/perpsync/storage/sqlcgen"
)

//go:generate sqlc generate

//go:embed sqlc/schema.sql
var schemaDDL string

// Storage is the sqlite journal of cancellation attempts and application
// logs.
type Storage struct {
	db      *sql.DB
	queries *sqlcgen.Queries
	mu      sync.Mutex
}

// New opens the database at path, ":memory:" included, and applies the
// schema.
func New(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	return &Storage{
		db:      db,
		queries: sqlcgen.New(db),
	}, nil
}

// SetLogger logs every journal statement at debug level. A nil logger turns
// statement logging off.
func (s *Storage) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger == nil {
		s.queries = sqlcgen.New(s.db)
		return
	}
	s.queries = sqlcgen.New(loggingDB{inner: s.db, logger: logger.WithGroup("storage")})
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
