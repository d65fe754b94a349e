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
	_ "github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL engine behind a DB.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ErrRateLimited is returned by ReserveDispatch when the window is full.
var ErrRateLimited = errors.New("rate limit reached")

// DB wraps the database connection. SQLite is the default; a postgres://
// DSN selects PostgreSQL through pgx.
type DB struct {
	conn    *sql.DB
	dialect Dialect
	dsn     string
	now     func() time.Time
}

// Open opens or creates the database identified by dsn: a SQLite file
// path, ":memory:", or a postgres:// URL.
func Open(dsn string) (*DB, error) {
	if isPostgresDSN(dsn) {
		return openPostgres(dsn)
	}
	return openSQLite(dsn)
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

func openSQLite(path string) (*DB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create directory %s: %w", dir, err)
			}
		}
	}

	// Immediate transactions take the write lock on BEGIN, so a
	// capacity check and its insert cannot interleave across processes.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	conn, err := sql.Open("sqlite3", path+sep+"_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	return &DB{conn: conn, dialect: SQLite, dsn: path, now: time.Now}, nil
}

func openPostgres(dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(8)
	conn.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{conn: conn, dialect: Postgres, dsn: dsn, now: time.Now}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Dialect reports which engine the DB talks to.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// SetClock overrides the time source used for bookkeeping timestamps.
func (d *DB) SetClock(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// rebind rewrites ? placeholders as $n for PostgreSQL.
func (d *DB) rebind(query string) string {
	if d.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (d *DB) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return d.conn.ExecContext(ctx, d.rebind(query), args...)
}

func (d *DB) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return d.conn.QueryContext(ctx, d.rebind(query), args...)
}

func (d *DB) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return d.conn.QueryRowContext(ctx, d.rebind(query), args...)
}

// tx is a transaction that rebinds placeholders for its dialect.
type tx struct {
	*sql.Tx
	d *DB
}

func (t *tx) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t *tx) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.QueryContext(ctx, t.d.rebind(query), args...)
}

func (t *tx) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.QueryRowContext(ctx, t.d.rebind(query), args...)
}

func (d *DB) begin(ctx context.Context) (*tx, error) {
	var opts *sql.TxOptions
	if d.dialect == Postgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead}
	}
	t, err := d.conn.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &tx{Tx: t, d: d}, nil
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (d *DB) withTx(ctx context.Context, fn func(*tx) error) error {
	t, err := d.begin(ctx)
	if err != nil {
		return err
	}
	defer t.Rollback()
	if err := fn(t); err != nil {
		return err
	}
	if err := t.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Timestamps are stored as fixed-width UTC text so they sort and compare
// lexically in both dialects.
const tsLayout = "2006-01-02T15:04:05.000000Z"

func formatTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    target_repo        TEXT NOT NULL,
    run_id             TEXT NOT NULL,
    run_number         INTEGER NOT NULL,
    timestamp          TEXT NOT NULL,
    fingerprints_known INTEGER NOT NULL,
    recorded_at        TEXT NOT NULL,
    PRIMARY KEY (target_repo, run_id)
);
CREATE INDEX IF NOT EXISTS idx_runs_repo_ts ON runs(target_repo, timestamp);

CREATE TABLE IF NOT EXISTS run_findings (
    target_repo TEXT NOT NULL,
    run_id      TEXT NOT NULL,
    position    INTEGER NOT NULL,
    fingerprint TEXT NOT NULL,
    tracking_id TEXT NOT NULL,
    rule_id     TEXT NOT NULL,
    severity    TEXT NOT NULL,
    family      TEXT NOT NULL,
    file        TEXT NOT NULL,
    start_line  INTEGER NOT NULL,
    message     TEXT NOT NULL,
    PRIMARY KEY (target_repo, run_id, position),
    FOREIGN KEY (target_repo, run_id) REFERENCES runs(target_repo, run_id)
);

CREATE TABLE IF NOT EXISTS findings (
    target_repo        TEXT NOT NULL,
    fingerprint        TEXT NOT NULL,
    rule_id            TEXT NOT NULL,
    severity           TEXT NOT NULL,
    family             TEXT NOT NULL,
    file               TEXT NOT NULL,
    start_line         INTEGER NOT NULL,
    raw_status         TEXT NOT NULL CHECK(raw_status IN ('new','recurring','fixed')),
    appearances        INTEGER NOT NULL,
    first_seen_run     INTEGER NOT NULL,
    first_seen_at      TEXT NOT NULL,
    last_seen_run      INTEGER NOT NULL,
    last_seen_at       TEXT NOT NULL,
    latest_tracking_id TEXT NOT NULL,
    fix_duration_hours DOUBLE PRECISION,
    PRIMARY KEY (target_repo, fingerprint)
);

CREATE TABLE IF NOT EXISTS sessions (
    session_id      TEXT PRIMARY KEY,
    status          TEXT NOT NULL,
    batch_id        TEXT NOT NULL,
    target_repo     TEXT NOT NULL,
    pr_url          TEXT NOT NULL,
    url             TEXT NOT NULL,
    created_at      TEXT NOT NULL,
    updated_at      TEXT NOT NULL,
    failure_counted INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_sessions_repo ON sessions(target_repo);

CREATE TABLE IF NOT EXISTS session_issues (
    session_id TEXT NOT NULL REFERENCES sessions(session_id),
    issue_id   TEXT NOT NULL,
    PRIMARY KEY (session_id, issue_id)
);

CREATE TABLE IF NOT EXISTS pull_requests (
    html_url    TEXT PRIMARY KEY,
    number      INTEGER NOT NULL,
    target_repo TEXT NOT NULL,
    state       TEXT NOT NULL,
    merged      INTEGER NOT NULL,
    session_id  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prs_repo ON pull_requests(target_repo);

CREATE TABLE IF NOT EXISTS pr_issues (
    html_url TEXT NOT NULL REFERENCES pull_requests(html_url),
    issue_id TEXT NOT NULL,
    PRIMARY KEY (html_url, issue_id)
);

CREATE TABLE IF NOT EXISTS dispatch_history (
    fingerprint          TEXT PRIMARY KEY,
    dispatch_count       INTEGER NOT NULL,
    last_dispatched_at   TEXT NOT NULL,
    last_session_id      TEXT NOT NULL,
    consecutive_failures INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_events (
    id            TEXT PRIMARY KEY,
    dispatched_at TEXT NOT NULL,
    session_id    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_ts ON rate_limit_events(dispatched_at);

CREATE TABLE IF NOT EXISTS scan_schedule (
    target_repo  TEXT PRIMARY KEY,
    last_scan_at TEXT NOT NULL,
    last_status  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS verified_fixes (
    target_repo TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    session_id  TEXT NOT NULL,
    pr_url      TEXT NOT NULL,
    verified_at TEXT NOT NULL,
    PRIMARY KEY (target_repo, fingerprint)
);

CREATE TABLE IF NOT EXISTS orchestrator_state (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// tables lists every table in drop order (children first).
var tables = []string{
	"orchestrator_state", "verified_fixes", "scan_schedule", "rate_limit_events",
	"dispatch_history", "pr_issues", "pull_requests", "session_issues", "sessions",
	"findings", "run_findings", "runs", "schema_version",
}

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	ctx := context.Background()
	var count int
	err := d.queryRow(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	return d.withTx(ctx, func(t *tx) error {
		for _, stmt := range splitStatements(schemaV1) {
			if _, err := t.exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema v1: %w", err)
			}
		}
		if _, err := t.exec(ctx, "INSERT INTO schema_version (version, applied_at) VALUES (1, ?)", formatTS(d.now())); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		return nil
	})
}

// splitStatements splits a schema script on semicolons; the pgx driver
// does not accept multiple statements with the extended protocol.
func splitStatements(script string) []string {
	var out []string
	for _, s := range strings.Split(script, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
