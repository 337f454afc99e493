package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	SiteConnected    = "connected"
	SiteDisconnected = "disconnected"

	CredentialActive  = "active"
	CredentialRevoked = "revoked"
)

type Site struct {
	ID        string    `json:"siteId"`
	OwnerID   string    `json:"ownerId"`
	TeamID    string    `json:"teamId"`
	SiteURL   string    `json:"siteUrl"`
	Hostname  string    `json:"hostname"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type SiteCredential struct {
	SiteID         string
	TokenHash      string
	Scopes         string
	Status         string
	WPVersion      string
	PluginVersion  string
	IssuedAt       time.Time
	LastVerifiedAt time.Time
	RevokedAt      time.Time
}

const siteColumns = `id, owner_id, team_id, site_url, hostname, status, created_at_ms, updated_at_ms`

func scanSite(scanFn func(dest ...any) error, site *Site) error {
	var createdMS, updatedMS int64
	if err := scanFn(&site.ID, &site.OwnerID, &site.TeamID, &site.SiteURL, &site.Hostname, &site.Status, &createdMS, &updatedMS); err != nil {
		return err
	}
	site.CreatedAt = msToTime(createdMS)
	site.UpdatedAt = msToTime(updatedMS)
	return nil
}

func (s *Store) GetSite(ctx context.Context, siteID string) (*Site, error) {
	var site Site
	row := s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = ?;`, siteID)
	if err := scanSite(row.Scan, &site); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get site: %w", err)
	}
	return &site, nil
}

func (s *Store) GetSiteByHost(ctx context.Context, hostname string) (*Site, error) {
	var site Site
	row := s.db.QueryRowContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE hostname = ?;`, hostname)
	if err := scanSite(row.Scan, &site); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get site by host: %w", err)
	}
	return &site, nil
}

func (s *Store) ListSites(ctx context.Context, ownerID string) ([]Site, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+siteColumns+` FROM sites WHERE owner_id = ? ORDER BY created_at_ms ASC, id ASC;`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()
	out := []Site{}
	for rows.Next() {
		var site Site
		if err := scanSite(rows.Scan, &site); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		out = append(out, site)
	}
	return out, rows.Err()
}

// SetSiteStatus updates a site owned by ownerID. ErrNotFound covers both a
// missing site and one owned by someone else.
func (s *Store) SetSiteStatus(ctx context.Context, ownerID, siteID, status string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sites SET status = ?, updated_at_ms = ? WHERE id = ? AND owner_id = ?;
	`, status, s.nowMS(), siteID, ownerID)
	if err != nil {
		return fmt.Errorf("set site status: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetCredential(ctx context.Context, siteID string) (*SiteCredential, error) {
	return s.credentialBy(ctx, "site_id", siteID)
}

func (s *Store) CredentialByTokenHash(ctx context.Context, tokenHash string) (*SiteCredential, error) {
	return s.credentialBy(ctx, "token_hash", tokenHash)
}

func (s *Store) credentialBy(ctx context.Context, column, value string) (*SiteCredential, error) {
	var c SiteCredential
	var issued, verified, revoked int64
	err := s.db.QueryRowContext(ctx, `
		SELECT site_id, token_hash, scopes, status, wp_version, plugin_version,
			issued_at_ms, last_verified_at_ms, revoked_at_ms
		FROM site_credentials WHERE `+column+` = ?;
	`, value).Scan(&c.SiteID, &c.TokenHash, &c.Scopes, &c.Status, &c.WPVersion, &c.PluginVersion, &issued, &verified, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.IssuedAt = msToTime(issued)
	c.LastVerifiedAt = msToTime(verified)
	c.RevokedAt = msToTime(revoked)
	return &c, nil
}

// TouchCredential records a successful token verification.
func (s *Store) TouchCredential(ctx context.Context, siteID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE site_credentials SET last_verified_at_ms = ? WHERE site_id = ? AND status = ?;
	`, s.nowMS(), siteID, CredentialActive)
	if err != nil {
		return fmt.Errorf("touch credential: %w", err)
	}
	return nil
}

// RevokeCredential revokes the site's credential and marks the site
// disconnected. The site must belong to ownerID.
func (s *Store) RevokeCredential(ctx context.Context, ownerID, siteID string) error {
	return s.inTx(ctx, "revoke", func(tx *sql.Tx) error {
		now := s.nowMS()
		res, err := tx.ExecContext(ctx, `
			UPDATE sites SET status = ?, updated_at_ms = ? WHERE id = ? AND owner_id = ?;
		`, SiteDisconnected, now, siteID, ownerID)
		if err != nil {
			return fmt.Errorf("disconnect site: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return ErrNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE site_credentials SET status = ?, revoked_at_ms = ? WHERE site_id = ? AND status = ?;
		`, CredentialRevoked, now, siteID, CredentialActive); err != nil {
			return fmt.Errorf("revoke credential: %w", err)
		}
		return nil
	})
}
