// ABOUTME: database/sql implementation of the Store interface
// ABOUTME: Supports modernc sqlite, mattn sqlite3 and pgx postgres with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder style and driver-specific setup.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// BindVar returns the placeholder for the n-th (1-based) argument.
func (d Dialect) BindVar(n int) string {
	if d == DialectPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// timeFormat is fixed-width so text comparison orders timestamps correctly.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// Options configure Open.
type Options struct {
	// Driver is one of "sqlite" (modernc, default), "sqlite3" (mattn/cgo) or "postgres".
	Driver string
	// DSN is a file path for the sqlite drivers or a connection string for postgres.
	DSN    string
	Logger *slog.Logger
}

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

var _ Store = (*SQLStore)(nil)

// Open connects to the configured database and creates the schema if needed.
// Parent directories are created for file-backed sqlite databases.
func Open(opts Options) (*SQLStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	driver, dialect, err := resolveDriver(opts.Driver)
	if err != nil {
		return nil, err
	}

	if dialect == DialectSQLite && opts.DSN != ":memory:" && !strings.HasPrefix(opts.DSN, "file:") {
		if err := os.MkdirAll(filepath.Dir(opts.DSN), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if dialect == DialectSQLite {
		// Per-connection pragmas below only hold with a single connection.
		db.SetMaxOpenConns(1)

		// Enable WAL mode for better concurrent performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling foreign keys: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	s := NewSQLStore(db, dialect, logger)
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("store initialized", "driver", driver)
	return s, nil
}

// NewSQLStore wraps an already opened database without touching the schema.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger}
}

func resolveDriver(name string) (driver string, dialect Dialect, err error) {
	switch strings.ToLower(name) {
	case "", "sqlite":
		return "sqlite", DialectSQLite, nil
	case "sqlite3":
		return "sqlite3", DialectSQLite, nil
	case "postgres", "postgresql", "pgx":
		return "pgx", DialectPostgres, nil
	}
	return "", "", fmt.Errorf("unsupported database driver %q", name)
}

// Dialect reports the SQL dialect in use.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// BindVar implements TemplateStore.
func (s *SQLStore) BindVar(n int) string { return s.dialect.BindVar(n) }

// rebind rewrites the '?' placeholders of the store's own queries for the dialect.
// Only used on fixed queries that never contain a literal question mark.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tools (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		kind              TEXT NOT NULL,
		body              TEXT NOT NULL,
		agent_description TEXT NOT NULL DEFAULT '',
		human_description TEXT NOT NULL DEFAULT '',
		is_active         INTEGER NOT NULL DEFAULT 1,
		created_by        TEXT NOT NULL DEFAULT '',
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tools_active_name ON tools(name) WHERE is_active = 1`,
	`CREATE TABLE IF NOT EXISTS tool_parameters (
		tool_id     TEXT NOT NULL REFERENCES tools(id) ON DELETE CASCADE,
		position    INTEGER NOT NULL,
		name        TEXT NOT NULL,
		param_type  TEXT NOT NULL,
		is_required INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (tool_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id           TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		role         TEXT NOT NULL,
		enabled      INTEGER NOT NULL DEFAULT 1,
		created_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS delegated_credentials (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		token_hash TEXT NOT NULL UNIQUE,
		can_use    INTEGER NOT NULL DEFAULT 1,
		deleted    INTEGER NOT NULL DEFAULT 0,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS quota_policies (
		id          TEXT PRIMARY KEY,
		scope       TEXT NOT NULL,
		scope_key   TEXT NOT NULL,
		period      TEXT NOT NULL DEFAULT 'DAILY',
		max_count   INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		updated_at  TEXT NOT NULL,
		UNIQUE (scope, scope_key),
		CHECK (scope IN ('TOKEN', 'USER', 'ROLE'))
	)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id             TEXT PRIMARY KEY,
		principal_key  TEXT NOT NULL,
		account_id     TEXT NOT NULL DEFAULT '',
		credential_ref TEXT NOT NULL DEFAULT '',
		role           TEXT NOT NULL DEFAULT '',
		tool_name      TEXT NOT NULL,
		arguments      TEXT NOT NULL DEFAULT '{}',
		outcome        TEXT NOT NULL,
		result         TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		CHECK (outcome IN ('success', 'failure', 'rejected'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_principal_created ON usage_records(principal_key, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_tool ON usage_records(tool_name)`,
}

// createSchema creates the database tables if they don't exist
func (s *SQLStore) createSchema() error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// runMigrations applies additive column migrations for databases created by
// older releases. Each entry is idempotent.
func (s *SQLStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{table: "usage_records", column: "role", apply: `ALTER TABLE usage_records ADD COLUMN role TEXT NOT NULL DEFAULT ''`},
		{table: "delegated_credentials", column: "created_by", apply: `ALTER TABLE delegated_credentials ADD COLUMN created_by TEXT NOT NULL DEFAULT ''`},
	}

	for _, m := range migrations {
		exists, err := s.columnExists(m.table, m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

func (s *SQLStore) columnExists(table, column string) (bool, error) {
	var query string
	if s.dialect == DialectPostgres {
		query = `SELECT 1 FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`
	} else {
		query = `SELECT 1 FROM pragma_table_info(?) WHERE name = ?`
	}
	var one int
	err := s.db.QueryRow(query, table, column).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	return true, nil
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	s.logger.Info("closing store")
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// withReadTx runs fn inside a read-only transaction that is always rolled
// back. Drivers that cannot enforce read-only mode still discard any writes.
func (s *SQLStore) withReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("beginning read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return fn(tx)
}

// isConstraintViolation checks for UNIQUE violations across the supported drivers
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed") ||
		strings.Contains(errStr, "SQLSTATE 23505")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
