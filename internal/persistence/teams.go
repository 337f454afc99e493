package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Balance returns a team's remaining tokens. Unknown teams hold zero.
func (s *Store) Balance(ctx context.Context, teamID string) (int64, error) {
	var tokens int64
	err := s.db.QueryRowContext(ctx, `SELECT tokens FROM teams WHERE id = ?;`, teamID).Scan(&tokens)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance: %w", err)
	}
	return tokens, nil
}

// Grant adds tokens to a team, creating the row on first use.
func (s *Store) Grant(ctx context.Context, teamID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("grant amount must be non-negative")
	}
	var tokens int64
	err := retryOnBusy(ctx, 5, func() error {
		return s.db.QueryRowContext(ctx, `
			INSERT INTO teams (id, tokens, updated_at_ms) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET tokens = tokens + excluded.tokens, updated_at_ms = excluded.updated_at_ms
			RETURNING tokens;
		`, teamID, amount, s.nowMS()).Scan(&tokens)
	})
	if err != nil {
		return 0, fmt.Errorf("grant tokens: %w", err)
	}
	return tokens, nil
}

// Deduct is the conditional decrement: it succeeds only when the team holds
// at least amount tokens, and returns the remaining balance.
func (s *Store) Deduct(ctx context.Context, teamID string, amount int64) (int64, error) {
	var remaining int64
	err := s.inTx(ctx, "deduct", func(tx *sql.Tx) error {
		var err error
		remaining, err = s.deductTx(ctx, tx, teamID, amount)
		return err
	})
	return remaining, err
}

func (s *Store) deductTx(ctx context.Context, tx *sql.Tx, teamID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("deduct amount must be non-negative")
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE teams SET tokens = tokens - ?, updated_at_ms = ?
		WHERE id = ? AND tokens >= ?;
	`, amount, s.nowMS(), teamID, amount)
	if err != nil {
		return 0, fmt.Errorf("deduct tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("deduct rows affected: %w", err)
	}
	if n != 1 {
		return 0, ErrInsufficientTokens
	}
	var remaining int64
	if err := tx.QueryRowContext(ctx, `SELECT tokens FROM teams WHERE id = ?;`, teamID).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("read remaining: %w", err)
	}
	return remaining, nil
}

// SettleFix charges a finished fix job to its team and marks it accepted in
// one transaction. Either both happen or neither does.
func (s *Store) SettleFix(ctx context.Context, jobID string) (remaining int64, job *Job, err error) {
	err = s.inTx(ctx, "settle", func(tx *sql.Tx) error {
		var j Job
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
		if err := scanJob(row.Scan, &j); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read job for settle: %w", err)
		}
		if j.Settlement != SettlementNone {
			return ErrAlreadySettled
		}
		if j.Status != JobStatusDone {
			return ErrJobNotDone
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET settlement = ?, charged_tokens = est_tokens, updated_at_ms = ?
			WHERE id = ? AND settlement = '' AND status = ?;
		`, SettlementAccepted, s.nowMS(), jobID, JobStatusDone)
		if err != nil {
			return fmt.Errorf("mark settled: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrAlreadySettled
		}
		remaining, err = s.deductTx(ctx, tx, j.TeamID, j.EstTokens)
		if err != nil {
			return err
		}
		if err := s.appendJobEventTx(ctx, tx, jobID, j.Status, j.Status, "job.settled",
			fmt.Sprintf(`{"settlement":%q,"tokens":%d}`, SettlementAccepted, j.EstTokens)); err != nil {
			return err
		}
		j.Settlement = SettlementAccepted
		j.ChargedTokens = j.EstTokens
		job = &j
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return remaining, job, nil
}

// CancelFix marks a fix job canceled without charging. Canceling twice is a no-op.
func (s *Store) CancelFix(ctx context.Context, jobID string) (*Job, error) {
	err := s.inTx(ctx, "cancel", func(tx *sql.Tx) error {
		var settlement string
		var status JobStatus
		if err := tx.QueryRowContext(ctx, `SELECT settlement, status FROM jobs WHERE id = ?;`, jobID).Scan(&settlement, &status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read job for cancel: %w", err)
		}
		switch settlement {
		case SettlementAccepted:
			return ErrAlreadySettled
		case SettlementCanceled:
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET settlement = ?, updated_at_ms = ? WHERE id = ? AND settlement = '';
		`, SettlementCanceled, s.nowMS(), jobID); err != nil {
			return fmt.Errorf("mark canceled: %w", err)
		}
		return s.appendJobEventTx(ctx, tx, jobID, status, status, "job.canceled",
			fmt.Sprintf(`{"settlement":%q}`, SettlementCanceled))
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, jobID)
}
