// Package db is the authoritative task store behind the API server.
//
// Three backends share one schema and one set of queries:
//   - sqlite (default): an embedded database file opened through
//     ncruces/go-sqlite3, in WAL mode for concurrent readers.
//   - postgres: any postgres:// or postgresql:// DSN, through the pgx stdlib driver.
//   - libsql: libsql:// URLs or libsql:<path>, through go-libsql (cgo builds only).
//
// Every write bumps the task's version. UpdateTask is a compare-and-swap on
// that version when the patch carries a base version.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	// ErrNotFound is returned when a task does not exist in the scope.
	ErrNotFound = errors.New("task not found")

	// ErrVersionConflict is returned when a write is based on a stale version.
	ErrVersionConflict = errors.New("task version conflict")

	// ErrLibSQLUnavailable is returned for libsql DSNs in builds without cgo.
	ErrLibSQLUnavailable = errors.New("libsql support requires a cgo build")
)

// Driver identifies the backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
	DriverLibSQL   Driver = "libsql"
)

// DB wraps the database connection.
type DB struct {
	conn   *sql.DB
	driver Driver
	dsn    string
}

// ParseDSN returns the backend for dsn and the data source name to hand to
// the database/sql driver.
func ParseDSN(dsn string) (Driver, string, error) {
	switch {
	case dsn == "":
		return "", "", fmt.Errorf("database DSN cannot be empty")
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DriverPostgres, dsn, nil
	case strings.HasPrefix(dsn, "libsql://"):
		return DriverLibSQL, dsn, nil
	case strings.HasPrefix(dsn, "libsql:"):
		return DriverLibSQL, "file:" + strings.TrimPrefix(dsn, "libsql:"), nil
	case strings.HasPrefix(dsn, "sqlite:"):
		return DriverSQLite, strings.TrimPrefix(dsn, "sqlite:"), nil
	default:
		return DriverSQLite, dsn, nil
	}
}

// Open connects to the database described by dsn and creates the schema.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(".stratboard/tasks.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(dsn string) (*DB, error) {
	return OpenContext(context.Background(), dsn)
}

// OpenContext is Open with context support.
func OpenContext(ctx context.Context, dsn string) (*DB, error) {
	driver, source, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	var conn *sql.DB
	switch driver {
	case DriverSQLite:
		conn, err = openSQLite(source)
	case DriverPostgres:
		conn, err = sql.Open("pgx", source)
	case DriverLibSQL:
		conn, err = openLibSQL(source)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, driver: driver, dsn: dsn}

	if driver == DriverSQLite {
		if err := db.applyPragmas(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	if err := db.InitSchemaContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	// Pragmas in the DSN apply to every pooled connection. Immediate
	// transactions keep read-then-write updates from deadlocking.
	return sql.Open("sqlite3", "file:"+path+"?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
}

func (db *DB) applyPragmas(ctx context.Context) error {
	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.ExecContext(ctx, p.stmt); err != nil {
			return fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}
	return nil
}

// Driver returns the backend in use.
func (db *DB) Driver() Driver { return db.driver }

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error { return db.conn.PingContext(ctx) }

// Close closes the database connection. For sqlite the WAL is checkpointed first.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.driver == DriverSQLite {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT NOT NULL,
		scope TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		priority INTEGER NOT NULL DEFAULT 2,
		tags TEXT NOT NULL DEFAULT '[]',
		due_at TEXT,
		completed_at TEXT,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(scope, created_at, id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_scope_status ON tasks(scope, status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(scope, due_at)`,
}

// InitSchema creates the schema if it doesn't exist. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to the backend's syntax.
func (db *DB) rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
