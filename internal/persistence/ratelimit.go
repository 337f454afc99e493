package persistence

import (
	"context"
	"fmt"
	"time"
)

// Window is the state of one fixed rate-limit window after a hit.
type Window struct {
	Count   int
	ResetAt time.Time
}

// HitWindow counts one request against key in a single upsert. A missing or
// lapsed window restarts at count 1; a live one increments.
func (s *Store) HitWindow(ctx context.Context, key string, limit int, window time.Duration) (Window, error) {
	now := s.nowMS()
	windowMS := window.Milliseconds()
	var w Window
	var resetMS int64
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO rate_limit_windows (key, window_ms, max, count, reset_at_ms)
			VALUES (?1, ?2, ?3, 1, ?4 + ?2)
			ON CONFLICT(key) DO UPDATE SET
				count = CASE WHEN ?4 > rate_limit_windows.reset_at_ms THEN 1 ELSE rate_limit_windows.count + 1 END,
				reset_at_ms = CASE WHEN ?4 > rate_limit_windows.reset_at_ms THEN ?4 + ?2 ELSE rate_limit_windows.reset_at_ms END,
				window_ms = ?2,
				max = ?3
			RETURNING count, reset_at_ms;
		`, key, windowMS, limit, now).Scan(&w.Count, &resetMS)
	})
	if err != nil {
		return Window{}, fmt.Errorf("hit rate window: %w", err)
	}
	w.ResetAt = msToTime(resetMS)
	return w, nil
}

// PurgeWindows deletes windows whose reset passed before cutoff.
func (s *Store) PurgeWindows(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_windows WHERE reset_at_ms < ?;`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge rate windows: %w", err)
	}
	return res.RowsAffected()
}
