package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrCodeConsumed = errors.New("pairing code consumed concurrently")

type PairingRecord struct {
	Code        string
	OwnerID     string
	TeamID      string
	ClaimedURL  string
	ClaimedHost string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Used        bool
	UsedAt      time.Time
	UsedBySite  string
}

// SiteGrant is what a successful redemption writes: the site row and the
// hash of its freshly minted token.
type SiteGrant struct {
	SiteID        string
	SiteURL       string
	Hostname      string
	TokenHash     string
	Scopes        string
	WPVersion     string
	PluginVersion string
}

// InsertPairingCode stores a new code. ErrCodeTaken means the code already
// exists and the caller should draw another.
func (s *Store) InsertPairingCode(ctx context.Context, rec PairingRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO pairing_codes (code, owner_id, team_id, claimed_url, claimed_host, created_at_ms, expires_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(code) DO NOTHING;
		`, rec.Code, rec.OwnerID, rec.TeamID, rec.ClaimedURL, rec.ClaimedHost, rec.CreatedAt.UTC().UnixMilli(), rec.ExpiresAt.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("insert pairing code: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("pairing rows affected: %w", err)
		}
		if n != 1 {
			return ErrCodeTaken
		}
		return nil
	})
}

func (s *Store) GetPairingCode(ctx context.Context, code string) (*PairingRecord, error) {
	return getPairingCode(ctx, s.db, code)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPairingCode(ctx context.Context, q queryRower, code string) (*PairingRecord, error) {
	var rec PairingRecord
	var created, expires, usedAt int64
	var used int
	err := q.QueryRowContext(ctx, `
		SELECT code, owner_id, team_id, claimed_url, claimed_host, created_at_ms, expires_at_ms, used, used_at_ms, used_by_site
		FROM pairing_codes WHERE code = ?;
	`, code).Scan(&rec.Code, &rec.OwnerID, &rec.TeamID, &rec.ClaimedURL, &rec.ClaimedHost, &created, &expires, &used, &usedAt, &rec.UsedBySite)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get pairing code: %w", err)
	}
	rec.CreatedAt = msToTime(created)
	rec.ExpiresAt = msToTime(expires)
	rec.Used = used != 0
	rec.UsedAt = msToTime(usedAt)
	return &rec, nil
}

// RedeemPairing consumes a code in one transaction. validate sees the stored
// record and either rejects it or returns the grant to persist; a rejection
// leaves the record untouched. On success the site is upserted for the
// record's owner, the credential is replaced and the code is marked used.
func (s *Store) RedeemPairing(ctx context.Context, code string, validate func(PairingRecord) (SiteGrant, error)) (*PairingRecord, error) {
	var out *PairingRecord
	err := s.inTx(ctx, "redeem", func(tx *sql.Tx) error {
		rec, err := getPairingCode(ctx, tx, code)
		if err != nil {
			return err
		}
		grant, err := validate(*rec)
		if err != nil {
			return err
		}
		now := s.nowMS()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO sites (id, owner_id, team_id, site_url, hostname, status, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				site_url = excluded.site_url,
				team_id = excluded.team_id,
				status = excluded.status,
				updated_at_ms = excluded.updated_at_ms
			WHERE sites.owner_id = excluded.owner_id;
		`, grant.SiteID, rec.OwnerID, rec.TeamID, grant.SiteURL, grant.Hostname, SiteConnected, now, now)
		if err != nil {
			return fmt.Errorf("upsert site: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrSiteClaimed
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO site_credentials (site_id, token_hash, scopes, status, wp_version, plugin_version, issued_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(site_id) DO UPDATE SET
				token_hash = excluded.token_hash,
				scopes = excluded.scopes,
				status = excluded.status,
				wp_version = excluded.wp_version,
				plugin_version = excluded.plugin_version,
				issued_at_ms = excluded.issued_at_ms,
				last_verified_at_ms = 0,
				revoked_at_ms = 0;
		`, grant.SiteID, grant.TokenHash, grant.Scopes, CredentialActive, grant.WPVersion, grant.PluginVersion, now); err != nil {
			return fmt.Errorf("upsert credential: %w", err)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE pairing_codes SET used = 1, used_at_ms = ?, used_by_site = ?
			WHERE code = ? AND used = 0;
		`, now, grant.SiteID, code)
		if err != nil {
			return fmt.Errorf("mark code used: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrCodeConsumed
		}
		rec.Used = true
		rec.UsedAt = msToTime(now)
		rec.UsedBySite = grant.SiteID
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgePairingCodes deletes codes that expired before cutoff.
func (s *Store) PurgePairingCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairing_codes WHERE expires_at_ms < ?;`, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge pairing codes: %w", err)
	}
	return res.RowsAffected()
}
