// Package ratelimit guards public endpoints with durable fixed windows.
// Counters are best-effort abuse deterrence, not an exact quota.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/getsafe360/saas-app/internal/config"
	"github.com/getsafe360/saas-app/internal/otel"
	"github.com/getsafe360/saas-app/internal/persistence"
	"github.com/getsafe360/saas-app/internal/shared"
)

// Policy names.
const (
	PairStart     = "pair-start"
	PairHandshake = "pair-handshake"
	PairCheck     = "pair-check"
	QuickTest     = "quick-test"
)

type Policy struct {
	Name   string
	Max    int
	Window time.Duration
}

// Windows is the durable counter store.
type Windows interface {
	HitWindow(ctx context.Context, key string, limit int, window time.Duration) (persistence.Window, error)
}

type Result struct {
	OK        bool      `json:"ok"`
	Count     int       `json:"count"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Key hashes a purpose and the identity parts into a storage key so that raw
// addresses and user ids never reach the windows table.
func Key(purpose string, parts ...string) string {
	sum := sha256.Sum256([]byte(purpose + ":" + strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])[:24]
}

type Limiter struct {
	windows  Windows
	policies map[string]Policy
	metrics  *otel.Metrics
	logger   *slog.Logger
}

func New(windows Windows, policies []Policy, metrics *otel.Metrics, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[string]Policy, len(policies))
	for _, p := range policies {
		m[p.Name] = p
	}
	return &Limiter{windows: windows, policies: m, metrics: metrics, logger: logger}
}

// PoliciesFromConfig maps the limits section onto named policies.
func PoliciesFromConfig(cfg config.LimitsConfig) []Policy {
	return []Policy{
		{Name: PairStart, Max: cfg.PairStart.Max, Window: cfg.PairStart.Window()},
		{Name: PairHandshake, Max: cfg.PairHandshake.Max, Window: cfg.PairHandshake.Window()},
		{Name: PairCheck, Max: cfg.PairCheck.Max, Window: cfg.PairCheck.Window()},
		{Name: QuickTest, Max: cfg.QuickTest.Max, Window: cfg.QuickTest.Window()},
	}
}

func (l *Limiter) Policy(name string) (Policy, bool) {
	p, ok := l.policies[name]
	return p, ok
}

// Check counts one request for key against max per window.
func (l *Limiter) Check(ctx context.Context, key string, max int, window time.Duration) (Result, error) {
	w, err := l.windows.HitWindow(ctx, key, max, window)
	if err != nil {
		return Result{}, shared.Transient("rate limit", err)
	}
	remaining := max - w.Count
	if remaining < 0 {
		remaining = 0
	}
	return Result{OK: w.Count <= max, Count: w.Count, Remaining: remaining, ResetAt: w.ResetAt}, nil
}

// Allow applies the named policy to the identity parts. A rejection is
// returned as a KindRateLimited error carrying remaining and resetAt.
func (l *Limiter) Allow(ctx context.Context, policy string, parts ...string) (Result, error) {
	p, ok := l.policies[policy]
	if !ok || p.Max <= 0 {
		return Result{OK: true}, nil
	}
	res, err := l.Check(ctx, Key(policy, parts...), p.Max, p.Window)
	if err != nil {
		return res, err
	}
	if !res.OK {
		l.metrics.Rejected(ctx, policy)
		l.logger.Info("rate limit exceeded", "policy", policy, "count", res.Count, "reset_at", res.ResetAt)
		return res, shared.NewError(shared.KindRateLimited, "rate_limited", "too many requests").
			With("remaining", 0).
			With("resetAt", res.ResetAt.UTC().Format(time.RFC3339))
	}
	return res, nil
}
