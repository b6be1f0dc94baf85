package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/user/agentmem/internal/retry"
	"github.com/user/agentmem/internal/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Options configures the connection pool.
type Options struct {
	Path          string
	MaxOpenConns  int
	MaxIdleConns  int
	BusyTimeoutMS int
}

// DB is the SQLite store. All writes run in IMMEDIATE transactions so that
// read-then-write sequences (event append, scratchpad merge) are atomic.
type DB struct {
	conn     *sql.DB
	seqRetry *retry.Policy
	now      func() time.Time
}

// Open creates the database file if needed, configures the pool and applies
// pending migrations.
func Open(ctx context.Context, opts Options) (*DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("open store: empty path: %w", types.ErrInvalidInput)
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 4
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 2
	}
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_txlock=immediate",
		opts.Path, opts.BusyTimeoutMS)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(opts.MaxOpenConns)
	conn.SetMaxIdleConns(opts.MaxIdleConns)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w: %w", types.ErrStoreUnavailable, err)
	}

	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, conn, migrations)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &DB{conn: conn, seqRetry: retry.Sequence(), now: time.Now}, nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping checks store connectivity.
func (d *DB) Ping(ctx context.Context) error {
	if err := d.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w: %w", types.ErrStoreUnavailable, err)
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (d *DB) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(op+": begin", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(op+": commit", err)
	}
	return nil
}

func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	code := sqliteCode(err)
	if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	switch sqliteCode(err) & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// wrapErr classifies driver errors into the shared taxonomy.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if isBusy(err) || errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%s: %w: %w", op, types.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func toMS(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMS(n.Int64)
	return &t
}

func encodeJSON(v any, empty string) (string, error) {
	if v == nil {
		return empty, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

type rowScanner interface {
	Scan(dest ...any) error
}
