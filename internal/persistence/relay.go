package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type RelayRow struct {
	Seq       int64
	Origin    string
	Subject   string
	Revision  int64
	Payload   []byte
	CreatedAt time.Time
}

// AppendRelay allocates the next revision for subject and stores the payload
// built for that revision, both in one transaction.
func (s *Store) AppendRelay(ctx context.Context, origin, subject string, build func(revision int64) ([]byte, error)) (int64, error) {
	var rev int64
	err := s.inTx(ctx, "relay append", func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO event_subjects (subject, revision) VALUES (?, 1)
			ON CONFLICT(subject) DO UPDATE SET revision = event_subjects.revision + 1
			RETURNING revision;
		`, subject).Scan(&rev); err != nil {
			return fmt.Errorf("allocate revision: %w", err)
		}
		payload, err := build(rev)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO event_relay (origin, subject, revision, payload, created_at_ms) VALUES (?, ?, ?, ?, ?);
		`, origin, subject, rev, payload, s.nowMS()); err != nil {
			return fmt.Errorf("append relay row: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rev, nil
}

// RelayAfter lists rows after seq that other origins wrote, oldest first.
func (s *Store) RelayAfter(ctx context.Context, afterSeq int64, excludeOrigin string, limit int) ([]RelayRow, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, origin, subject, revision, payload, created_at_ms
		FROM event_relay WHERE seq > ? AND origin != ?
		ORDER BY seq ASC LIMIT ?;
	`, afterSeq, excludeOrigin, limit)
	if err != nil {
		return nil, fmt.Errorf("read relay: %w", err)
	}
	defer rows.Close()
	var out []RelayRow
	for rows.Next() {
		var r RelayRow
		var ms int64
		if err := rows.Scan(&r.Seq, &r.Origin, &r.Subject, &r.Revision, &r.Payload, &ms); err != nil {
			return nil, fmt.Errorf("scan relay row: %w", err)
		}
		r.CreatedAt = msToTime(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RelayHead returns the newest relay sequence number, 0 when empty.
func (s *Store) RelayHead(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM event_relay;`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("relay head: %w", err)
	}
	return seq, nil
}

func (s *Store) PruneRelay(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_relay WHERE created_at_ms < ?;`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune relay: %w", err)
	}
	return res.RowsAffected()
}
