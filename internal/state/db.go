// Package state provides the storage collaborator for foreman.
// The SQLite backend keeps project-local state in .foreman/state.db.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/foreman/pkg/models"
)

// Driver names accepted by Open.
const (
	// DriverModernc is the pure Go SQLite driver.
	DriverModernc = "sqlite"
	// DriverMattn is the cgo SQLite driver.
	DriverMattn = "sqlite3"
)

// DefaultMaxRetries bounds optimistic-concurrency retries on a lost CAS or a
// busy database.
const DefaultMaxRetries = 5

// DB wraps an SQLite database connection with foreman-specific operations.
//
// Every mutation runs in a transaction that re-checks the row version it read
// (UPDATE ... WHERE id = ? AND version = ?), so concurrent writers from other
// processes lose with ErrConflict instead of overwriting each other.
type DB struct {
	conn       *sql.DB
	path       string
	driver     string
	maxRetries int
	mu         sync.RWMutex
}

// Options configures Open.
type Options struct {
	Driver     string
	MaxRetries int
}

// GlobalDBPath returns the path to the global foreman database.
func GlobalDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "foreman", "foreman.db")
}

// ProjectDBPath returns the path to the project-local database.
func ProjectDBPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".foreman", "state.db")
}

// ResolveDBPath picks the database for a command run in dir: the state.db of
// the nearest enclosing project (a directory holding .foreman), or the global
// database when dir is outside any project.
func ResolveDBPath(dir string) string {
	if root, ok := FindProjectRoot(dir); ok {
		return ProjectDBPath(root)
	}
	return GlobalDBPath()
}

// FindProjectRoot walks up from dir to the first directory containing .foreman.
func FindProjectRoot(dir string) (string, bool) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, ".foreman")); err == nil && info.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// Open opens an SQLite database at the given path with the pure Go driver.
// It creates the parent directories if they don't exist.
func Open(path string) (*DB, error) {
	return OpenWithOptions(path, Options{Driver: DriverModernc})
}

// OpenWithOptions opens an SQLite database with an explicit driver.
// WAL mode is enabled for concurrent reads.
func OpenWithOptions(path string, opts Options) (*DB, error) {
	driver := opts.Driver
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open(driver, dsn(driver, path))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	db := &DB{
		conn:       conn,
		path:       path,
		driver:     driver,
		maxRetries: maxRetries,
	}

	return db, nil
}

func dsn(driver, path string) string {
	if driver == DriverMattn {
		return fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(5000)", path)
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Driver returns the SQL driver name in use.
func (db *DB) Driver() string {
	return db.driver
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	// Create schema version table
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	// Get current version
	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	// Apply migrations
	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Tasks},
		{2, migrationV2Budget},
		{3, migrationV3Hierarchy},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Migration SQL statements
const migrationV1Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'pending',
	claimed_by TEXT,
	claimed_at TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	tags TEXT NOT NULL DEFAULT '[]',
	payload BLOB,
	budget_node_id TEXT,
	cost TEXT NOT NULL DEFAULT '0',
	failure_reason TEXT,
	created_at TEXT NOT NULL,
	completed_at TEXT,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_claimed_by ON tasks(claimed_by);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
`

const migrationV2Budget = `
CREATE TABLE IF NOT EXISTS budget_nodes (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	total_budget TEXT NOT NULL DEFAULT '0',
	allocated_budget TEXT NOT NULL DEFAULT '0',
	used_budget TEXT NOT NULL DEFAULT '0',
	parent_id TEXT,
	is_root INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'active',
	warning_threshold REAL NOT NULL,
	critical_threshold REAL NOT NULL,
	created_at TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_budget_nodes_single_root ON budget_nodes(is_root) WHERE is_root = 1;
CREATE INDEX IF NOT EXISTS idx_budget_nodes_parent_id ON budget_nodes(parent_id);

CREATE TABLE IF NOT EXISTS budget_transactions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	node_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	description TEXT,
	type TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_budget_transactions_node_id ON budget_transactions(node_id);

CREATE TABLE IF NOT EXISTS budget_alerts (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	node_id TEXT NOT NULL,
	level TEXT NOT NULL,
	usage REAL NOT NULL,
	message TEXT,
	created_at TEXT NOT NULL,
	acknowledged INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_budget_alerts_node_id ON budget_alerts(node_id);
`

const migrationV3Hierarchy = `
CREATE TABLE IF NOT EXISTS coordinators (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL,
	name TEXT,
	parent_id TEXT,
	budget_node_id TEXT,
	budget_allocated TEXT NOT NULL DEFAULT '0',
	budget_used TEXT NOT NULL DEFAULT '0',
	status TEXT NOT NULL DEFAULT 'pending',
	progress REAL NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_coordinators_parent_id ON coordinators(parent_id);
CREATE INDEX IF NOT EXISTS idx_coordinators_type ON coordinators(type);

CREATE TABLE IF NOT EXISTS escalation_chains (
	coordinator_id TEXT PRIMARY KEY,
	levels TEXT NOT NULL,
	position INTEGER NOT NULL DEFAULT 0,
	expires_at TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS escalation_history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id TEXT NOT NULL,
	coordinator_id TEXT NOT NULL,
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	issue TEXT,
	level INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_escalation_history_coordinator_id ON escalation_history(coordinator_id);

CREATE TABLE IF NOT EXISTS escalation_queue (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	record_id TEXT NOT NULL,
	coordinator_id TEXT NOT NULL,
	from_id TEXT NOT NULL,
	to_id TEXT NOT NULL,
	issue TEXT,
	level INTEGER NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_escalation_queue_coordinator_id ON escalation_queue(coordinator_id);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	return db.TransactionContext(context.Background(), fn)
}

// TransactionContext runs fn within a transaction bound to ctx.
func (db *DB) TransactionContext(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// retry runs a transaction, retrying when the version check loses or the
// database is busy. Any other error is returned immediately.
func (db *DB) retry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt <= db.maxRetries; attempt++ {
		err = db.TransactionContext(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, models.ErrConflict) && !isBusy(err) {
			return err
		}
		delay := time.Duration(10<<uint(attempt)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isBusy checks if an error is a SQLite BUSY or LOCKED error from either driver.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// isUniqueViolation reports a UNIQUE constraint failure from either driver.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullableTime formats an optional time for storage.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullableString stores empty strings as NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
