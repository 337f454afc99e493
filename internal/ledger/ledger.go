// Package ledger meters prepaid team tokens. Every decrement is a single
// conditional statement in the store, so concurrent charges against the same
// balance can never drive it negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/getsafe360/saas-app/internal/audit"
	"github.com/getsafe360/saas-app/internal/otel"
	"github.com/getsafe360/saas-app/internal/persistence"
	"github.com/getsafe360/saas-app/internal/pricing"
	"github.com/getsafe360/saas-app/internal/shared"
)

var (
	ErrInsufficientTokens = shared.NewError(shared.KindInsufficientFunds, "insufficient_tokens", "insufficient tokens")
	ErrAlreadySettled     = shared.NewError(shared.KindConflict, "already_settled", "fix already settled")
	ErrJobNotDone         = shared.NewError(shared.KindConflict, "job_not_done", "fix job is not done")
	ErrJobNotFound        = shared.NewError(shared.KindNotFound, "job_not_found", "job not found")
	ErrNotFixJob          = shared.NewError(shared.KindValidation, "not_a_fix_job", "job is not a fix job")
	ErrForbidden          = shared.NewError(shared.KindForbidden, "forbidden", "job belongs to another owner")
)

// Store is the balance and settlement surface of the durable store.
type Store interface {
	Balance(ctx context.Context, teamID string) (int64, error)
	Grant(ctx context.Context, teamID string, amount int64) (int64, error)
	Deduct(ctx context.Context, teamID string, amount int64) (int64, error)
	GetJob(ctx context.Context, jobID string) (*persistence.Job, error)
	SettleFix(ctx context.Context, jobID string) (int64, *persistence.Job, error)
	CancelFix(ctx context.Context, jobID string) (*persistence.Job, error)
}

type Ledger struct {
	store   Store
	prices  *pricing.Table
	audit   *audit.Log
	metrics *otel.Metrics
	logger  *slog.Logger
}

type Option func(*Ledger)

func WithAudit(a *audit.Log) Option { return func(l *Ledger) { l.audit = a } }

func WithMetrics(m *otel.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

func New(store Store, prices *pricing.Table, opts ...Option) *Ledger {
	if prices == nil {
		prices = pricing.NewTable(nil, pricing.DefaultCost)
	}
	l := &Ledger{store: store, prices: prices, logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Prices() *pricing.Table { return l.prices }

// EstimateCost prices a set of issue ids. reported carries per-issue
// estimates from the site's latest scan report.
func (l *Ledger) EstimateCost(issueIDs []string, reported map[string]int64) int64 {
	return l.prices.Estimate(issueIDs, reported)
}

func (l *Ledger) Balance(ctx context.Context, teamID string) (int64, error) {
	bal, err := l.store.Balance(ctx, teamID)
	if err != nil {
		return 0, shared.Transient("read balance", err)
	}
	return bal, nil
}

// Ensure reports ErrInsufficientTokens, with have and need attached, when
// the team cannot cover need. It reserves nothing.
func (l *Ledger) Ensure(ctx context.Context, teamID string, need int64) (int64, error) {
	have, err := l.Balance(ctx, teamID)
	if err != nil {
		return 0, err
	}
	if have < need {
		return have, ErrInsufficientTokens.With("have", have).With("need", need)
	}
	return have, nil
}

// CheckAndDeduct removes amount from the team's balance if and only if the
// balance covers it, returning what remains. Nothing changes on failure.
// Fix acceptance charges through Settle instead, which pairs the same
// conditional decrement with the settlement mark.
func (l *Ledger) CheckAndDeduct(ctx context.Context, teamID string, amount int64) (int64, error) {
	if teamID == "" || amount <= 0 {
		return 0, shared.Validation("teamId_and_positive_amount_required")
	}
	remaining, err := l.store.Deduct(ctx, teamID, amount)
	if errors.Is(err, persistence.ErrInsufficientTokens) {
		have := l.denied(ctx, "tokens.deduct", teamID, teamID)
		return 0, ErrInsufficientTokens.With("have", have).With("need", amount)
	}
	if err != nil {
		return 0, shared.Transient("deduct tokens", err)
	}
	l.charged(ctx, "tokens.deduct", strconv.FormatInt(amount, 10), teamID, amount, remaining)
	return remaining, nil
}

// charged meters and audits one committed decrement. Every path that spends
// tokens reports through here.
func (l *Ledger) charged(ctx context.Context, action, reason, teamID string, amount, remaining int64) {
	l.metrics.Deducted(ctx, amount)
	l.audit.Record(ctx, audit.Allow, action, reason, teamID)
	l.logger.Info("tokens deducted", "action", action, "team_id", teamID, "amount", amount, "balance", remaining)
}

// denied audits a refused decrement and returns the balance it ran into.
func (l *Ledger) denied(ctx context.Context, action, subject, teamID string) int64 {
	l.audit.Record(ctx, audit.Deny, action, "insufficient_tokens", subject)
	have, _ := l.store.Balance(ctx, teamID)
	return have
}

func (l *Ledger) Grant(ctx context.Context, teamID string, amount int64) (int64, error) {
	if teamID == "" || amount <= 0 {
		return 0, shared.Validation("teamId_and_positive_amount_required")
	}
	tokens, err := l.store.Grant(ctx, teamID, amount)
	if err != nil {
		return 0, shared.Transient("grant tokens", err)
	}
	l.audit.Record(ctx, audit.Allow, "tokens.grant", strconv.FormatInt(amount, 10), teamID)
	l.logger.Info("tokens granted", "team_id", teamID, "amount", amount, "balance", tokens)
	return tokens, nil
}

func (l *Ledger) ownedFix(ctx context.Context, owner shared.Owner, jobID string) (*persistence.Job, error) {
	if jobID == "" {
		return nil, shared.Validation("jobId_required")
	}
	job, err := l.store.GetJob(ctx, jobID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, shared.Transient("read job", err)
	}
	if job.OwnerID != owner.ID {
		return nil, ErrForbidden
	}
	if job.Kind != persistence.JobKindFix {
		return nil, ErrNotFixJob
	}
	return job, nil
}

// Settle charges an accepted fix once: the decrement and the settlement
// mark commit together or not at all.
func (l *Ledger) Settle(ctx context.Context, owner shared.Owner, jobID string) (int64, error) {
	if _, err := l.ownedFix(ctx, owner, jobID); err != nil {
		return 0, err
	}
	remaining, job, err := l.store.SettleFix(ctx, jobID)
	switch {
	case err == nil:
	case errors.Is(err, persistence.ErrNotFound):
		return 0, ErrJobNotFound
	case errors.Is(err, persistence.ErrAlreadySettled):
		return 0, ErrAlreadySettled
	case errors.Is(err, persistence.ErrJobNotDone):
		return 0, ErrJobNotDone
	case errors.Is(err, persistence.ErrInsufficientTokens):
		have := l.denied(ctx, "tokens.settle", jobID, owner.TeamID)
		// The fix already ran, so a shortfall here is a state conflict.
		return 0, shared.NewError(shared.KindConflict, "insufficient_tokens", "insufficient tokens").
			With("have", have)
	default:
		return 0, shared.Transient("settle fix", err)
	}
	l.charged(ctx, "tokens.settle", fmt.Sprintf("job=%s tokens=%d", jobID, job.ChargedTokens), job.TeamID, job.ChargedTokens, remaining)
	return remaining, nil
}

// Cancel declines a fix without charging. It is idempotent.
func (l *Ledger) Cancel(ctx context.Context, owner shared.Owner, jobID string) error {
	if _, err := l.ownedFix(ctx, owner, jobID); err != nil {
		return err
	}
	_, err := l.store.CancelFix(ctx, jobID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, persistence.ErrAlreadySettled):
		return ErrAlreadySettled
	case errors.Is(err, persistence.ErrNotFound):
		return ErrJobNotFound
	default:
		return shared.Transient("cancel fix", err)
	}
}
