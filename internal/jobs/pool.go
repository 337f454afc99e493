package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type PoolConfig struct {
	WorkerCount  int
	PollInterval time.Duration
}

type PoolStatus struct {
	WorkerCount int    `json:"worker_count"`
	ActiveJobs  int32  `json:"active_jobs"`
	LastError   string `json:"last_error,omitempty"`
}

// Pool drains the durable queue with a fixed set of workers. Request
// handlers only enqueue; the Engine is called from here.
type Pool struct {
	manager *Manager
	config  PoolConfig
	logger  *slog.Logger

	once sync.Once
	wg   sync.WaitGroup

	activeJobs atomic.Int32
	lastError  atomic.Pointer[string]
}

func NewPool(m *Manager, cfg PoolConfig) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Pool{manager: m, config: cfg, logger: m.logger}
}

// Start launches the workers. They stop claiming when ctx ends; a job
// already claimed runs to completion.
func (p *Pool) Start(ctx context.Context) {
	p.once.Do(func() {
		for i := 0; i < p.config.WorkerCount; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.worker(ctx)
			}()
		}
		p.logger.Info("job pool started", "workers", p.config.WorkerCount, "poll_interval", p.config.PollInterval)
	})
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

// Drain waits for in-flight jobs after the start context is canceled.
// It reports false when the timeout elapses first; those jobs keep their
// lease until it expires and maintenance fails them.
func (p *Pool) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("job pool drained cleanly")
		return true
	case <-time.After(timeout):
		p.logger.Warn("job pool drain timeout", "timeout", timeout, "active_jobs", p.activeJobs.Load())
		return false
	}
}

func (p *Pool) Status() PoolStatus {
	st := PoolStatus{
		WorkerCount: p.config.WorkerCount,
		ActiveJobs:  p.activeJobs.Load(),
	}
	if msg := p.lastError.Load(); msg != nil {
		st.LastError = *msg
	}
	return st
}

func (p *Pool) worker(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.manager.claimNext(ctx)
		if err != nil && ctx.Err() == nil {
			p.setLastError(fmt.Errorf("claim next job: %w", err))
		}
		if err != nil || job == nil {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}

		p.activeJobs.Add(1)
		final := p.manager.execute(context.WithoutCancel(ctx), job)
		p.activeJobs.Add(-1)
		if final != nil && final.ErrorMessage != "" {
			p.setLastError(fmt.Errorf("job %s: %s", final.ID, final.ErrorMessage))
		}
	}
}

func (p *Pool) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	p.lastError.Store(&msg)
}
