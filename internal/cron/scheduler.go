// Package cron runs the maintenance sweep: failing jobs whose lease
// lapsed and deleting dead pairing codes, rate windows and relay rows.
// Expiry itself is lazy at read time; the sweep only reclaims rows.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as "@every 1m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

type LeaseExpirer interface {
	ExpireLeases(ctx context.Context) (int, error)
}

type Store interface {
	PurgePairingCodes(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeWindows(ctx context.Context, cutoff time.Time) (int64, error)
	PruneRelay(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Spec   string // defaults to "@every 1m"
	Jobs   LeaseExpirer
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time

	PairingRetention time.Duration // defaults to 24h
	WindowRetention  time.Duration // defaults to 1h
	RelayRetention   time.Duration // zero skips relay pruning
}

// SweepResult counts what one sweep reclaimed.
type SweepResult struct {
	ExpiredLeases int   `json:"expired_leases"`
	PairingCodes  int64 `json:"pairing_codes"`
	Windows       int64 `json:"windows"`
	RelayRows     int64 `json:"relay_rows"`
}

type Scheduler struct {
	cfg  Config
	cron *cronlib.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewScheduler validates the sweep spec and builds an idle scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Spec == "" {
		cfg.Spec = "@every 1m"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PairingRetention <= 0 {
		cfg.PairingRetention = 24 * time.Hour
	}
	if cfg.WindowRetention <= 0 {
		cfg.WindowRetention = time.Hour
	}
	if _, err := cronParser.Parse(cfg.Spec); err != nil {
		return nil, fmt.Errorf("parse sweep spec %q: %w", cfg.Spec, err)
	}
	s := &Scheduler{
		cfg: cfg,
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)),
		),
	}
	if _, err := s.cron.AddFunc(cfg.Spec, s.run); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return s, nil
}

// Start sweeps once immediately, then on every tick of the spec.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
	s.cron.Start()
	s.cfg.Logger.Info("maintenance scheduler started", "spec", s.cfg.Spec)
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	cancel()
	<-done.Done()
	s.wg.Wait()
	s.cfg.Logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	s.Sweep(ctx)
}

// Sweep performs one maintenance pass. Each step runs even if an earlier
// one fails.
func (s *Scheduler) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := s.cfg.Now()
	logger := s.cfg.Logger

	if s.cfg.Jobs != nil {
		n, err := s.cfg.Jobs.ExpireLeases(ctx)
		if err != nil {
			logger.Error("maintenance: expire leases failed", "error", err)
		}
		res.ExpiredLeases = n
	}
	if s.cfg.Store != nil {
		var err error
		if res.PairingCodes, err = s.cfg.Store.PurgePairingCodes(ctx, now.Add(-s.cfg.PairingRetention)); err != nil {
			logger.Error("maintenance: purge pairing codes failed", "error", err)
		}
		if res.Windows, err = s.cfg.Store.PurgeWindows(ctx, now.Add(-s.cfg.WindowRetention)); err != nil {
			logger.Error("maintenance: purge rate windows failed", "error", err)
		}
		if s.cfg.RelayRetention > 0 {
			if res.RelayRows, err = s.cfg.Store.PruneRelay(ctx, now.Add(-s.cfg.RelayRetention)); err != nil {
				logger.Error("maintenance: prune relay failed", "error", err)
			}
		}
	}

	if res != (SweepResult{}) {
		logger.Info("maintenance: sweep reclaimed rows",
			"expired_leases", res.ExpiredLeases,
			"pairing_codes", res.PairingCodes,
			"windows", res.Windows,
			"relay_rows", res.RelayRows,
		)
	}
	return res
}

// NextRunTime parses the spec and returns the next sweep time after the given time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
