// Package database implements the TaskClaw persistence collaborator on top of
// SQLite. Callers use the typed stores (sessions, turns, secrets,
// attachments); no other package issues SQL.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// schemaVersion is the latest schema version applied by Migrate.
const schemaVersion = 1

// ErrNotFound is returned by typed getters when no row matches.
var ErrNotFound = errors.New("record not found")

// SQLiteConfig holds SQLite connection options.
type SQLiteConfig struct {
	Path        string
	JournalMode string
	BusyTimeout int
}

// DB wraps the SQLite connection.
type DB struct {
	conn   *sql.DB
	config SQLiteConfig
}

// Open opens or creates the database and applies pending migrations.
func Open(ctx context.Context, config SQLiteConfig) (*DB, error) {
	if config.Path == "" {
		config.Path = "./data/taskclaw.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	if config.Path != ":memory:" {
		dir := filepath.Dir(config.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON",
		config.Path, config.JournalMode, config.BusyTimeout)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}
	if config.Path == ":memory:" {
		// Every pooled connection would get its own empty in-memory database.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	db := &DB{conn: conn, config: config}
	if err := db.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// CurrentVersion returns the applied schema version (0 when unmigrated).
func (db *DB) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := db.conn.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Migrate applies the schema. Statements are idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := db.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	if _, err := db.conn.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	_, err = db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (?, ?)",
		schemaVersion, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}

// HealthStatus describes database health for the status API.
type HealthStatus struct {
	Healthy       bool          `json:"healthy"`
	Latency       time.Duration `json:"latency"`
	Version       string        `json:"version"`
	SchemaVersion int           `json:"schema_version"`
	OpenConns     int           `json:"open_conns"`
	InUse         int           `json:"in_use"`
	Error         string        `json:"error,omitempty"`
}

// Health pings the database and reports pool statistics.
func (db *DB) Health(ctx context.Context) HealthStatus {
	start := time.Now()
	status := HealthStatus{}
	if err := db.conn.PingContext(ctx); err != nil {
		status.Error = err.Error()
		return status
	}
	status.Latency = time.Since(start)

	if err := db.conn.QueryRowContext(ctx, "SELECT sqlite_version()").Scan(&status.Version); err != nil {
		status.Version = "unknown"
	}
	status.SchemaVersion, _ = db.CurrentVersion(ctx)

	stats := db.conn.Stats()
	status.OpenConns = stats.OpenConnections
	status.InUse = stats.InUse
	status.Healthy = true
	return status
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

const sqliteSchema = `
-- One row per session ever created. A retired session keeps its row so ids
-- are never reused.
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	state            TEXT NOT NULL,
	message_count    INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	last_activity_at TEXT NOT NULL,
	retired_at       TEXT
);

-- At most one live (unretired) session per user.
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_live_user
	ON sessions(user_id) WHERE retired_at IS NULL;

CREATE TABLE IF NOT EXISTS turns (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id         TEXT NOT NULL REFERENCES sessions(id),
	user_id            TEXT NOT NULL,
	user_message       TEXT NOT NULL,
	assistant_response TEXT NOT NULL,
	is_error           INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id, id);

CREATE TABLE IF NOT EXISTS skill_secrets (
	user_id    TEXT NOT NULL,
	skill      TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	sealed     INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, skill, key)
);

CREATE TABLE IF NOT EXISTS attachments (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	session_id     TEXT NOT NULL,
	source_file_id TEXT NOT NULL,
	filename       TEXT NOT NULL,
	extension      TEXT NOT NULL,
	mime_type      TEXT NOT NULL,
	size           INTEGER NOT NULL,
	workspace_path TEXT NOT NULL,
	downloaded_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachments_downloaded ON attachments(downloaded_at);
CREATE INDEX IF NOT EXISTS idx_attachments_user ON attachments(user_id);
`
