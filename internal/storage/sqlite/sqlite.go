package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/intercom/internal/storage"
)

//go:embed schema.sql
var schema string

// Compile-time interface checks.
var (
	_ storage.Store = (*Store)(nil)
	_ storage.Store = (*ResilientStore)(nil)
)

// tsLayout is fixed width so stored timestamps compare correctly as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Options tunes a Store. The zero value is usable.
type Options struct {
	Logger             *slog.Logger
	SlowQueryThreshold time.Duration
	Now                func() time.Time
}

type Store struct {
	db     dbHandle
	ql     *queryLogger
	now    func() time.Time
	logger *slog.Logger
}

// New opens (creating if needed) the database file at path.
func New(path string) (*Store, error) {
	return Open(path, Options{})
}

// NewInMemory opens a private in-memory database.
func NewInMemory() (*Store, error) {
	return Open(":memory:", Options{})
}

// Open opens the database at path (":memory:" for a private in-memory one)
// and applies the schema.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer, and every ":memory:" connection is its own
	// database, so the pool holds exactly one connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, opts), nil
}

func newStore(db *sql.DB, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sqlite")
	threshold := opts.SlowQueryThreshold
	if threshold <= 0 {
		threshold = defaultSlowQueryThreshold
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ql := &queryLogger{inner: db, logger: logger, threshold: threshold}
	return &Store{db: ql, ql: ql, now: now, logger: logger}
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithNow replaces the clock used for timestamps and expiry.
func (s *Store) WithNow(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.ql.inner.PingContext(ctx)
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// withTx runs fn in one transaction. Any error rolls back every statement.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	start := time.Now()
	defer func() { s.ql.observe(op, time.Since(start)) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Error("rollback failed", "op", op, "error", rbErr)
			}
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", op, err)
	}
	return nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTS(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTS(ns.String)
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
