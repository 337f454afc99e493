package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/getsafe360/saas-app/internal/persistence"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openTestStore(t *testing.T, opts ...persistence.Option) (*persistence.Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "getsafe.db")
	store, err := persistence.Open(dbPath, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, dbPath
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "jobs", "job_events", "teams", "sites", "pairing_codes",
		"site_credentials", "rate_limit_windows", "audit_log", "event_subjects", "event_relay"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}

	v, sum, err := store.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 2 || !strings.HasPrefix(sum, "gs-v2-") {
		t.Fatalf("unexpected ledger entry v=%d checksum=%q", v, sum)
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.Grant(context.Background(), "team-1", 10); err != nil {
		t.Fatalf("grant: %v", err)
	}
	_ = store.Close()

	again, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	bal, err := again.Balance(context.Background(), "team-1")
	if err != nil || bal != 10 {
		t.Fatalf("expected balance 10 after reopen, got %d (%v)", bal, err)
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "getsafe.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');
	`); err != nil {
		t.Fatalf("seed future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=2;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_RateWindowFixedWindow(t *testing.T) {
	clock := newFakeClock()
	store, _ := openTestStore(t, persistence.WithClock(clock.Now))
	ctx := context.Background()

	var last persistence.Window
	for i := 1; i <= 31; i++ {
		w, err := store.HitWindow(ctx, "k", 30, time.Minute)
		if err != nil {
			t.Fatalf("hit %d: %v", i, err)
		}
		if w.Count != i {
			t.Fatalf("hit %d: expected count %d got %d", i, i, w.Count)
		}
		last = w
	}
	if !last.ResetAt.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("reset should stay anchored to first hit, got %s", last.ResetAt)
	}

	clock.Advance(time.Minute + time.Millisecond)
	w, err := store.HitWindow(ctx, "k", 30, time.Minute)
	if err != nil {
		t.Fatalf("hit after reset: %v", err)
	}
	if w.Count != 1 {
		t.Fatalf("expected fresh window count 1, got %d", w.Count)
	}

	clock.Advance(3 * time.Hour)
	n, err := store.PurgeWindows(ctx, clock.Now().Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged window, got %d (%v)", n, err)
	}
}

func TestStore_RelayAllocatesRevisionsPerSubject(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		rev, err := store.AppendRelay(ctx, "a", "site-x", func(rev int64) ([]byte, error) {
			return []byte{byte(rev)}, nil
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if rev != int64(i) {
			t.Fatalf("expected revision %d got %d", i, rev)
		}
	}
	rev, err := store.AppendRelay(ctx, "b", "site-y", func(int64) ([]byte, error) { return []byte("y"), nil })
	if err != nil || rev != 1 {
		t.Fatalf("expected independent revision 1 for site-y, got %d (%v)", rev, err)
	}

	rows, err := store.RelayAfter(ctx, 0, "b", 10)
	if err != nil {
		t.Fatalf("relay after: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows from origin a, got %d", len(rows))
	}
	head, _ := store.RelayHead(ctx)
	if head != 4 {
		t.Fatalf("expected head 4, got %d", head)
	}

	_, err = store.AppendRelay(ctx, "a", "site-x", func(int64) ([]byte, error) { return nil, errors.New("encode failed") })
	if err == nil {
		t.Fatalf("expected build error")
	}
	rev, _ = store.AppendRelay(ctx, "a", "site-x", func(int64) ([]byte, error) { return []byte("ok"), nil })
	if rev != 4 {
		t.Fatalf("failed build must not consume a revision, got %d", rev)
	}
}
