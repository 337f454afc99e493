// Package pairing establishes trust between the platform and the connector
// plugin on a user's site. A session holder issues a short-lived 6-digit code;
// the plugin redeems it once and receives a site token whose hash is stored.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"regexp"
	"time"

	"github.com/getsafe360/saas-app/internal/audit"
	"github.com/getsafe360/saas-app/internal/bus"
	"github.com/getsafe360/saas-app/internal/otel"
	"github.com/getsafe360/saas-app/internal/persistence"
	"github.com/getsafe360/saas-app/internal/shared"
)

const (
	DefaultCodeTTL = 10 * time.Minute
	codeAttempts   = 5
	tokenBytes     = 32
	defaultScopes  = "ping,scan,fix"
)

// Check statuses.
const (
	StatusPending = "pending"
	StatusUsed    = "used"
	StatusExpired = "expired"
)

var (
	ErrInvalidCode     = shared.Validation("invalid_code")
	ErrCodeUsed        = shared.Validation("code_used")
	ErrCodeExpired     = shared.Validation("code_expired")
	ErrSiteMismatch    = shared.Validation("site_mismatch")
	ErrSiteNotAllowed  = shared.Validation("site_not_allowed")
	ErrSiteClaimed     = shared.NewError(shared.KindConflict, "site_claimed", "site is connected to another account")
	ErrPairingRequired = shared.NewError(shared.KindConflict, "pairing_required", "site must be paired again")
	ErrSiteNotFound    = shared.NewError(shared.KindNotFound, "site_not_found", "site not found")
	ErrInvalidToken    = shared.NewError(shared.KindUnauthenticated, "invalid_site_token", "invalid site token")
)

var codePattern = regexp.MustCompile(`^\d{6}$`)

// Store is the pairing surface of the durable store.
type Store interface {
	InsertPairingCode(ctx context.Context, rec persistence.PairingRecord) error
	GetPairingCode(ctx context.Context, code string) (*persistence.PairingRecord, error)
	RedeemPairing(ctx context.Context, code string, validate func(persistence.PairingRecord) (persistence.SiteGrant, error)) (*persistence.PairingRecord, error)
	GetSite(ctx context.Context, siteID string) (*persistence.Site, error)
	GetSiteByHost(ctx context.Context, hostname string) (*persistence.Site, error)
	SetSiteStatus(ctx context.Context, ownerID, siteID, status string) error
	GetCredential(ctx context.Context, siteID string) (*persistence.SiteCredential, error)
	CredentialByTokenHash(ctx context.Context, tokenHash string) (*persistence.SiteCredential, error)
	TouchCredential(ctx context.Context, siteID string) error
	RevokeCredential(ctx context.Context, ownerID, siteID string) error
}

// Publisher receives connection state changes for a site.
type Publisher interface {
	Publish(ctx context.Context, subject string, ev bus.Event) (bus.Event, error)
}

type Config struct {
	CodeTTL      time.Duration
	AllowedHosts *regexp.Regexp
	Prober       Prober
}

type Service struct {
	store   Store
	events  Publisher
	cfg     Config
	audit   *audit.Log
	metrics *otel.Metrics
	logger  *slog.Logger
	now     func() time.Time
	random  io.Reader
}

type Option func(*Service)

func WithAudit(a *audit.Log) Option { return func(s *Service) { s.audit = a } }

func WithMetrics(m *otel.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLogger(logger *slog.Logger) Option { return func(s *Service) { s.logger = logger } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithRandom replaces the code and token entropy source.
func WithRandom(r io.Reader) Option { return func(s *Service) { s.random = r } }

// New builds the service. events may be nil.
func New(store Store, events Publisher, cfg Config, opts ...Option) *Service {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	s := &Service{
		store:  store,
		events: events,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Issued struct {
	Code            string    `json:"pairCode"`
	ExpiresAt       time.Time `json:"expiresAt"`
	PluginDetected  bool      `json:"pluginDetected"`
	RecordedSiteURL string    `json:"recordedSiteUrl"`
	ExistingSiteID  string    `json:"existingSiteId,omitempty"`
}

// Issue mints a pairing code for claimedURL on behalf of owner.
func (s *Service) Issue(ctx context.Context, owner shared.Owner, claimedURL string) (*Issued, error) {
	normalized, host, err := NormalizeURL(claimedURL)
	if err != nil {
		return nil, err
	}
	if s.cfg.AllowedHosts != nil && !s.cfg.AllowedHosts.MatchString(host) {
		s.audit.Record(ctx, audit.Deny, "pairing.issue", "site_not_allowed", host)
		return nil, ErrSiteNotAllowed
	}

	out := &Issued{RecordedSiteURL: normalized}
	if site, err := s.store.GetSiteByHost(ctx, host); err == nil && site.OwnerID == owner.ID {
		out.ExistingSiteID = site.ID
	} else if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return nil, shared.Transient("lookup site", err)
	}

	now := s.now()
	rec := persistence.PairingRecord{
		OwnerID:     owner.ID,
		TeamID:      owner.TeamID,
		ClaimedURL:  normalized,
		ClaimedHost: host,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.CodeTTL),
	}
	for attempt := 0; ; attempt++ {
		if attempt == codeAttempts {
			return nil, shared.Transient("issue pairing code", fmt.Errorf("no free code after %d attempts", codeAttempts))
		}
		code, err := s.drawCode()
		if err != nil {
			return nil, shared.Transient("draw pairing code", err)
		}
		rec.Code = code
		err = s.store.InsertPairingCode(ctx, rec)
		if errors.Is(err, persistence.ErrCodeTaken) {
			continue
		}
		if err != nil {
			return nil, shared.Transient("store pairing code", err)
		}
		break
	}
	out.Code = rec.Code
	out.ExpiresAt = rec.ExpiresAt

	if s.cfg.Prober != nil {
		out.PluginDetected = s.cfg.Prober.Probe(ctx, normalized)
	}
	s.logger.Info("pairing code issued", "owner_id", owner.ID, "host", host, "plugin_detected", out.PluginDetected)
	return out, nil
}

// drawCode returns a uniform value in 000000-999999.
func (s *Service) drawCode() (string, error) {
	n, err := rand.Int(s.random, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

type RedeemRequest struct {
	Code          string `json:"pairCode"`
	SiteURL       string `json:"siteUrl"`
	WPVersion     string `json:"wpVersion,omitempty"`
	PluginVersion string `json:"pluginVersion,omitempty"`
}

type Redeemed struct {
	SiteID    string `json:"siteId"`
	SiteToken string `json:"siteToken"`
}

// Redeem consumes a code presented by the plugin. The plaintext token is
// returned once and never stored.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*Redeemed, error) {
	if !codePattern.MatchString(req.Code) {
		return nil, s.deny(ctx, ErrInvalidCode, req.Code)
	}
	presentedHost := HostOf(req.SiteURL)
	if presentedHost == "" {
		return nil, s.deny(ctx, ErrSiteMismatch, req.Code)
	}

	raw := make([]byte, tokenBytes)
	if _, err := io.ReadFull(s.random, raw); err != nil {
		return nil, shared.Transient("mint site token", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := s.now()
	rec, err := s.store.RedeemPairing(ctx, req.Code, func(rec persistence.PairingRecord) (persistence.SiteGrant, error) {
		switch {
		case rec.Used:
			return persistence.SiteGrant{}, ErrCodeUsed
		case !now.Before(rec.ExpiresAt):
			return persistence.SiteGrant{}, ErrCodeExpired
		case CanonicalHost(rec.ClaimedHost) != presentedHost:
			return persistence.SiteGrant{}, ErrSiteMismatch
		}
		return persistence.SiteGrant{
			SiteID:        SiteID(presentedHost),
			SiteURL:       rec.ClaimedURL,
			Hostname:      presentedHost,
			TokenHash:     HashToken(token),
			Scopes:        defaultScopes,
			WPVersion:     req.WPVersion,
			PluginVersion: req.PluginVersion,
		}, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrNotFound):
		return nil, s.deny(ctx, ErrInvalidCode, req.Code)
	case errors.Is(err, persistence.ErrCodeConsumed):
		return nil, s.deny(ctx, ErrCodeUsed, req.Code)
	case errors.Is(err, persistence.ErrSiteClaimed):
		return nil, s.deny(ctx, ErrSiteClaimed, req.Code)
	default:
		if e, ok := shared.AsError(err); ok {
			return nil, s.deny(ctx, e, req.Code)
		}
		return nil, shared.Transient("redeem pairing code", err)
	}

	s.metrics.Pairing(ctx, true, "")
	s.audit.Record(ctx, audit.Allow, "pairing.redeem", "site "+rec.UsedBySite, rec.OwnerID)
	s.logger.Info("site paired", "site_id", rec.UsedBySite, "owner_id", rec.OwnerID, "host", presentedHost)
	s.publish(ctx, rec.UsedBySite, bus.Event{Type: bus.TypeStatus, State: bus.StateConnecting, Platform: "wordpress"})
	return &Redeemed{SiteID: rec.UsedBySite, SiteToken: token}, nil
}

func (s *Service) deny(ctx context.Context, e *shared.Error, code string) error {
	s.metrics.Pairing(ctx, false, e.Code)
	s.audit.Record(ctx, audit.Deny, "pairing.redeem", e.Code, "code:"+code)
	return e
}

type CheckResult struct {
	Found       bool      `json:"found"`
	Used        bool      `json:"used"`
	Expired     bool      `json:"expired"`
	Status      string    `json:"status"`
	SiteID      string    `json:"siteId,omitempty"`
	DBConfirmed bool      `json:"dbConfirmed,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt,omitzero"`
	RemainingMS int64     `json:"remainingMs"`
}

// Check reports a code's state without revealing any token. An unknown code
// reads as expired so pollers stop.
func (s *Service) Check(ctx context.Context, code string) (*CheckResult, error) {
	if !codePattern.MatchString(code) {
		return nil, shared.Validation("pairCode_required")
	}
	rec, err := s.store.GetPairingCode(ctx, code)
	if errors.Is(err, persistence.ErrNotFound) {
		return &CheckResult{Expired: true, Status: StatusExpired}, nil
	}
	if err != nil {
		return nil, shared.Transient("read pairing code", err)
	}
	now := s.now()
	remaining := rec.ExpiresAt.Sub(now).Milliseconds()
	if remaining < 0 {
		remaining = 0
	}
	res := &CheckResult{Found: true, ExpiresAt: rec.ExpiresAt, RemainingMS: remaining}
	switch {
	case rec.Used:
		res.Used = true
		res.Status = StatusUsed
		res.SiteID = rec.UsedBySite
		if _, err := s.store.GetSite(ctx, rec.UsedBySite); err == nil {
			res.DBConfirmed = true
		}
	case !now.Before(rec.ExpiresAt):
		res.Expired = true
		res.Status = StatusExpired
		res.RemainingMS = 0
	default:
		res.Status = StatusPending
	}
	return res, nil
}

// VerifySiteToken resolves a bearer site token to its active credential.
func (s *Service) VerifySiteToken(ctx context.Context, token string) (*persistence.SiteCredential, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	cred, err := s.store.CredentialByTokenHash(ctx, HashToken(token))
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, shared.Transient("verify site token", err)
	}
	if cred.Status != persistence.CredentialActive {
		return nil, ErrInvalidToken
	}
	if err := s.store.TouchCredential(ctx, cred.SiteID); err != nil {
		s.logger.Warn("touch credential failed", "site_id", cred.SiteID, "error", err)
	}
	return cred, nil
}

// Disconnect revokes the site's credential. The plugin must pair again.
func (s *Service) Disconnect(ctx context.Context, owner shared.Owner, siteID string) (*persistence.Site, error) {
	err := s.store.RevokeCredential(ctx, owner.ID, siteID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrSiteNotFound
	}
	if err != nil {
		return nil, shared.Transient("disconnect site", err)
	}
	s.audit.Record(ctx, audit.Allow, "credential.revoke", "disconnect", siteID)
	s.publish(ctx, siteID, bus.Status(bus.StateDisconnected))
	return s.ownedSite(ctx, owner, siteID)
}

// Reconnect marks a site connected again. It needs a credential that was
// never revoked; otherwise the caller must pair again.
func (s *Service) Reconnect(ctx context.Context, owner shared.Owner, siteID string) (*persistence.Site, error) {
	site, err := s.ownedSite(ctx, owner, siteID)
	if err != nil {
		return nil, err
	}
	cred, err := s.store.GetCredential(ctx, siteID)
	if errors.Is(err, persistence.ErrNotFound) || (err == nil && cred.Status != persistence.CredentialActive) {
		return nil, ErrPairingRequired
	}
	if err != nil {
		return nil, shared.Transient("read credential", err)
	}
	if s.cfg.Prober != nil && !s.cfg.Prober.Probe(ctx, site.SiteURL) {
		s.logger.Info("reconnect probe found no plugin", "site_id", siteID)
	}
	if err := s.store.SetSiteStatus(ctx, owner.ID, siteID, persistence.SiteConnected); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, ErrSiteNotFound
		}
		return nil, shared.Transient("reconnect site", err)
	}
	s.publish(ctx, siteID, bus.Status(bus.StateConnecting))
	site.Status = persistence.SiteConnected
	return site, nil
}

func (s *Service) ownedSite(ctx context.Context, owner shared.Owner, siteID string) (*persistence.Site, error) {
	site, err := s.store.GetSite(ctx, siteID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrSiteNotFound
	}
	if err != nil {
		return nil, shared.Transient("read site", err)
	}
	if site.OwnerID != owner.ID {
		return nil, ErrSiteNotFound
	}
	return site, nil
}

func (s *Service) publish(ctx context.Context, siteID string, ev bus.Event) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Publish(ctx, siteID, ev); err != nil && !errors.Is(err, bus.ErrClosed) {
		s.logger.Warn("publish site event failed", "site_id", siteID, "error", err)
	}
}
