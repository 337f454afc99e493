// Package persistence is the durable SQLite store behind jobs, balances,
// pairing codes, site credentials, rate windows and the event relay.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "gs-v1-2026-10-01-orchestration"

	// v2 adds the cross-instance relay tables.
	schemaVersionV2  = 2
	schemaChecksumV2 = "gs-v2-2026-10-12-event-relay"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	DefaultLeaseDuration = 30 * time.Second
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientTokens = errors.New("insufficient tokens")
	ErrAlreadySettled     = errors.New("job already settled")
	ErrJobNotDone         = errors.New("job not done")
	ErrLeaseLost          = errors.New("job lease lost")
	ErrSiteClaimed        = errors.New("site claimed by another owner")
	ErrCodeTaken          = errors.New("pairing code already live")
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the store clock. Lease and window math use it.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".getsafe", "getsafe.db")
}

func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) nowMS() int64 {
	return s.now().UTC().UnixMilli()
}

// SchemaVersion reports the applied schema version and its checksum.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var v int
	var sum string
	err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&v, &sum)
	if err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return v, sum, nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, with exponential
// backoff and bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// inTx runs f in a transaction, retrying the whole unit on BUSY.
func (s *Store) inTx(ctx context.Context, name string, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin %s tx: %w", name, err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit %s tx: %w", name, err)
		}
		return nil
	})
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
	}
	if maxVersion != 0 {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existing != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existing, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	var statements []string
	if maxVersion < schemaVersionV1 {
		statements = append(statements, v1Statements...)
	}
	if maxVersion < schemaVersionV2 {
		statements = append(statements, v2Statements...)
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	for v := maxVersion + 1; v <= schemaVersionLatest; v++ {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, v, versionChecksums[v]); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// Timestamps are unix milliseconds so lease and window comparisons are
// integer math rather than string comparison of SQLite datetimes.
var v1Statements = []string{
	`CREATE TABLE IF NOT EXISTS teams (
		id TEXT PRIMARY KEY,
		tokens INTEGER NOT NULL DEFAULT 0 CHECK (tokens >= 0),
		updated_at_ms INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		team_id TEXT NOT NULL,
		site_url TEXT NOT NULL,
		hostname TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL CHECK (status IN ('connected', 'disconnected')),
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('scan', 'fix')),
		owner_id TEXT NOT NULL,
		team_id TEXT NOT NULL,
		site_id TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('queued', 'running', 'done', 'error')),
		spec_json TEXT NOT NULL DEFAULT '{}',
		result_ref TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		est_tokens INTEGER NOT NULL DEFAULT 0,
		settlement TEXT NOT NULL DEFAULT '' CHECK (settlement IN ('', 'accepted', 'canceled')),
		charged_tokens INTEGER NOT NULL DEFAULT 0,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at_ms INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL,
		started_at_ms INTEGER NOT NULL DEFAULT 0,
		finished_at_ms INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS job_events (
		event_id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		state_from TEXT NOT NULL DEFAULT '',
		state_to TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		trace_id TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS pairing_codes (
		code TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		team_id TEXT NOT NULL,
		claimed_url TEXT NOT NULL,
		claimed_host TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		expires_at_ms INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		used_at_ms INTEGER NOT NULL DEFAULT 0,
		used_by_site TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE TABLE IF NOT EXISTS site_credentials (
		site_id TEXT PRIMARY KEY REFERENCES sites(id) ON DELETE CASCADE,
		token_hash TEXT NOT NULL UNIQUE,
		scopes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('active', 'revoked')),
		wp_version TEXT NOT NULL DEFAULT '',
		plugin_version TEXT NOT NULL DEFAULT '',
		issued_at_ms INTEGER NOT NULL,
		last_verified_at_ms INTEGER NOT NULL DEFAULT 0,
		revoked_at_ms INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS rate_limit_windows (
		key TEXT PRIMARY KEY,
		window_ms INTEGER NOT NULL,
		max INTEGER NOT NULL,
		count INTEGER NOT NULL,
		reset_at_ms INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL DEFAULT '',
		subject TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, created_at_ms, id);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(status, lease_expires_at_ms);`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_site_kind ON jobs(site_id, kind, status, created_at_ms);`,
	`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, event_id);`,
	`CREATE INDEX IF NOT EXISTS idx_sites_owner ON sites(owner_id);`,
	`CREATE INDEX IF NOT EXISTS idx_pairing_expires ON pairing_codes(expires_at_ms);`,
	`CREATE INDEX IF NOT EXISTS idx_windows_reset ON rate_limit_windows(reset_at_ms);`,
}

var v2Statements = []string{
	`CREATE TABLE IF NOT EXISTS event_subjects (
		subject TEXT PRIMARY KEY,
		revision INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS event_relay (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		origin TEXT NOT NULL,
		subject TEXT NOT NULL,
		revision INTEGER NOT NULL,
		payload BLOB NOT NULL,
		created_at_ms INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_event_relay_created ON event_relay(created_at_ms);`,
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
