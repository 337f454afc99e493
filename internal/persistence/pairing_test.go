package persistence_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getsafe360/saas-app/internal/persistence"
)

func issueCode(t *testing.T, store *persistence.Store, code, owner, host string, now time.Time) {
	t.Helper()
	err := store.InsertPairingCode(context.Background(), persistence.PairingRecord{
		Code: code, OwnerID: owner, TeamID: "team-" + owner,
		ClaimedURL: "https://" + host, ClaimedHost: host,
		CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	})
	if err != nil {
		t.Fatalf("insert code: %v", err)
	}
}

func grantFor(host string) func(persistence.PairingRecord) (persistence.SiteGrant, error) {
	return func(rec persistence.PairingRecord) (persistence.SiteGrant, error) {
		return persistence.SiteGrant{
			SiteID: "id-" + host, SiteURL: "https://" + host, Hostname: host,
			TokenHash: "hash-" + rec.Code, Scopes: "ping,scan",
		}, nil
	}
}

func TestStore_PairingCodeCollision(t *testing.T) {
	store, _ := openTestStore(t)
	now := time.Now()
	issueCode(t, store, "123456", "u1", "a.com", now)
	err := store.InsertPairingCode(context.Background(), persistence.PairingRecord{
		Code: "123456", OwnerID: "u2", TeamID: "t2", ClaimedURL: "https://b.com", ClaimedHost: "b.com",
		CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	})
	if !errors.Is(err, persistence.ErrCodeTaken) {
		t.Fatalf("expected ErrCodeTaken, got %v", err)
	}
	rec, _ := store.GetPairingCode(context.Background(), "123456")
	if rec.OwnerID != "u1" {
		t.Fatalf("collision overwrote the live code")
	}
}

func TestStore_RedeemPairingWritesSiteAndCredential(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	issueCode(t, store, "000042", "u1", "a.com", time.Now())

	rec, err := store.RedeemPairing(ctx, "000042", grantFor("a.com"))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if !rec.Used || rec.UsedBySite != "id-a.com" {
		t.Fatalf("unexpected record %+v", rec)
	}

	site, err := store.GetSite(ctx, "id-a.com")
	if err != nil {
		t.Fatalf("get site: %v", err)
	}
	if site.OwnerID != "u1" || site.Status != persistence.SiteConnected {
		t.Fatalf("unexpected site %+v", site)
	}
	cred, err := store.CredentialByTokenHash(ctx, "hash-000042")
	if err != nil || cred.SiteID != "id-a.com" || cred.Status != persistence.CredentialActive {
		t.Fatalf("unexpected credential %+v (%v)", cred, err)
	}

	stored, _ := store.GetPairingCode(ctx, "000042")
	if !stored.Used {
		t.Fatalf("code must be marked used")
	}
	if _, err := store.RedeemPairing(ctx, "000042", grantFor("a.com")); !errors.Is(err, persistence.ErrCodeConsumed) {
		t.Fatalf("second redeem without validation must fail on the used guard, got %v", err)
	}
}

func TestStore_RedeemValidationFailureLeavesRecordUnused(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	issueCode(t, store, "111111", "u1", "a.com", time.Now())

	mismatch := errors.New("site_mismatch")
	_, err := store.RedeemPairing(ctx, "111111", func(persistence.PairingRecord) (persistence.SiteGrant, error) {
		return persistence.SiteGrant{}, mismatch
	})
	if !errors.Is(err, mismatch) {
		t.Fatalf("expected validation error, got %v", err)
	}
	rec, _ := store.GetPairingCode(ctx, "111111")
	if rec.Used {
		t.Fatalf("record must stay unused after a failed validation")
	}
	if _, err := store.RedeemPairing(ctx, "999999", grantFor("a.com")); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown code, got %v", err)
	}
}

func TestStore_RedeemForeignOwnerIsClaimed(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	issueCode(t, store, "222222", "u1", "a.com", time.Now())
	issueCode(t, store, "333333", "u2", "a.com", time.Now())

	if _, err := store.RedeemPairing(ctx, "222222", grantFor("a.com")); err != nil {
		t.Fatalf("first owner redeem: %v", err)
	}
	if _, err := store.RedeemPairing(ctx, "333333", grantFor("a.com")); !errors.Is(err, persistence.ErrSiteClaimed) {
		t.Fatalf("expected ErrSiteClaimed, got %v", err)
	}
	rec, _ := store.GetPairingCode(ctx, "333333")
	if rec.Used {
		t.Fatalf("claimed-site failure must leave the code unused")
	}
}

func TestStore_RevokeAndReissueCredential(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	issueCode(t, store, "444444", "u1", "a.com", time.Now())
	if _, err := store.RedeemPairing(ctx, "444444", grantFor("a.com")); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if err := store.RevokeCredential(ctx, "someone-else", "id-a.com"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("foreign revoke must be not found, got %v", err)
	}
	if err := store.RevokeCredential(ctx, "u1", "id-a.com"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	cred, _ := store.GetCredential(ctx, "id-a.com")
	if cred.Status != persistence.CredentialRevoked || cred.RevokedAt.IsZero() {
		t.Fatalf("expected revoked credential, got %+v", cred)
	}
	site, _ := store.GetSite(ctx, "id-a.com")
	if site.Status != persistence.SiteDisconnected {
		t.Fatalf("expected disconnected site, got %s", site.Status)
	}

	issueCode(t, store, "555555", "u1", "a.com", time.Now())
	if _, err := store.RedeemPairing(ctx, "555555", grantFor("a.com")); err != nil {
		t.Fatalf("re-pair: %v", err)
	}
	cred, _ = store.GetCredential(ctx, "id-a.com")
	if cred.Status != persistence.CredentialActive || cred.TokenHash != "hash-555555" {
		t.Fatalf("re-pair should replace the credential, got %+v", cred)
	}
	sites, _ := store.ListSites(ctx, "u1")
	if len(sites) != 1 || sites[0].Status != persistence.SiteConnected {
		t.Fatalf("unexpected sites %+v", sites)
	}
}

func TestStore_PurgePairingCodes(t *testing.T) {
	store, _ := openTestStore(t)
	old := time.Now().Add(-48 * time.Hour)
	issueCode(t, store, "666666", "u1", "a.com", old)
	issueCode(t, store, "777777", "u1", "a.com", time.Now())

	n, err := store.PurgePairingCodes(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged code, got %d (%v)", n, err)
	}
	if _, err := store.GetPairingCode(context.Background(), "666666"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected purged code gone, got %v", err)
	}
}
