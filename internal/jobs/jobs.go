// Package jobs runs scan and fix jobs through their lifecycle:
// queued -> running -> done | error. Requesters create jobs; a single
// executor per job, chosen by the lease claim, calls the Engine and
// records the outcome.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/getsafe360/saas-app/internal/blobstore"
	"github.com/getsafe360/saas-app/internal/bus"
	"github.com/getsafe360/saas-app/internal/engine"
	"github.com/getsafe360/saas-app/internal/ledger"
	"github.com/getsafe360/saas-app/internal/otel"
	"github.com/getsafe360/saas-app/internal/persistence"
	"github.com/getsafe360/saas-app/internal/shared"
)

var (
	ErrJobNotFound  = shared.NewError(shared.KindNotFound, "job_not_found", "job not found")
	ErrSiteNotFound = shared.NewError(shared.KindNotFound, "site_not_found", "site not found")
	ErrForbidden    = shared.NewError(shared.KindForbidden, "forbidden", "not owned by caller")
	ErrNoRecentScan = shared.NewError(shared.KindConflict, "no_recent_scan", "site has no completed scan")
	ErrJobFailed    = shared.NewError(shared.KindConflict, "job_failed", "job finished with an error")
	ErrWrongKind    = shared.Validation("wrong_job_kind")
	errFixArgs      = shared.Validation("siteId_and_issueIds_required")
	errSiteRequired = shared.Validation("siteId_required")
)

type Store interface {
	CreateJob(ctx context.Context, in persistence.NewJob) (*persistence.Job, error)
	GetJob(ctx context.Context, jobID string) (*persistence.Job, error)
	ClaimJob(ctx context.Context, jobID, leaseOwner string, lease time.Duration) (*persistence.Job, error)
	ClaimNextJob(ctx context.Context, leaseOwner string, lease time.Duration) (*persistence.Job, error)
	HeartbeatLease(ctx context.Context, jobID, leaseOwner string, lease time.Duration) (bool, error)
	CompleteJob(ctx context.Context, jobID, leaseOwner, resultRef string) (*persistence.Job, error)
	FailJob(ctx context.Context, jobID, leaseOwner, errMsg string) (*persistence.Job, error)
	ExpireLeases(ctx context.Context) ([]persistence.Job, error)
	LatestScan(ctx context.Context, siteID string) (*persistence.Job, error)
	GetSite(ctx context.Context, siteID string) (*persistence.Site, error)
}

type Publisher interface {
	Publish(ctx context.Context, subjectID string, ev bus.Event) (bus.Event, error)
}

type Config struct {
	Events            Publisher
	Ledger            *ledger.Ledger
	InstanceID        string
	Lease             time.Duration
	HeartbeatInterval time.Duration
	JobTimeout        time.Duration
}

// Spec is the job input persisted in spec_json.
type Spec struct {
	SiteID     string   `json:"siteId"`
	SiteURL    string   `json:"siteUrl,omitempty"`
	Categories []string `json:"categories,omitempty"`
	IssueIDs   []string `json:"issueIds,omitempty"`
	EstTokens  int64    `json:"estTokens,omitempty"`
}

type Manager struct {
	store   Store
	engine  engine.Engine
	blobs   blobstore.Store
	config  Config
	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option { return func(m *Manager) { m.logger = logger } }

func WithMetrics(metrics *otel.Metrics) Option { return func(m *Manager) { m.metrics = metrics } }

func WithTracer(tracer trace.Tracer) Option { return func(m *Manager) { m.tracer = tracer } }

func New(store Store, eng engine.Engine, blobs blobstore.Store, cfg Config, opts ...Option) *Manager {
	if cfg.Lease <= 0 {
		cfg.Lease = persistence.DefaultLeaseDuration
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.Lease / 3
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	m := &Manager{
		store:  store,
		engine: eng,
		blobs:  blobs,
		config: cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.tracer = otel.Tracer(m.tracer)
	return m
}

func (m *Manager) ownedSite(ctx context.Context, owner shared.Owner, siteID string) (*persistence.Site, error) {
	site, err := m.store.GetSite(ctx, siteID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrSiteNotFound
	}
	if err != nil {
		return nil, shared.Transient("read site", err)
	}
	if site.OwnerID != owner.ID {
		return nil, ErrForbidden
	}
	return site, nil
}

// CreateJob records a queued job for a site the owner controls and
// announces it on the site's subject.
func (m *Manager) CreateJob(ctx context.Context, kind persistence.JobKind, owner shared.Owner, spec Spec) (*persistence.Job, error) {
	if spec.SiteID == "" {
		return nil, errSiteRequired
	}
	if kind != persistence.JobKindScan && kind != persistence.JobKindFix {
		return nil, ErrWrongKind
	}
	site, err := m.ownedSite(ctx, owner, spec.SiteID)
	if err != nil {
		return nil, err
	}
	spec.SiteURL = site.SiteURL
	if kind == persistence.JobKindScan {
		spec.Categories = engine.NormalizeCategories(spec.Categories)
	}
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode job spec: %w", err)
	}
	job, err := m.store.CreateJob(ctx, persistence.NewJob{
		Kind:      kind,
		OwnerID:   owner.ID,
		TeamID:    owner.TeamID,
		SiteID:    site.ID,
		SpecJSON:  string(raw),
		EstTokens: spec.EstTokens,
	})
	if err != nil {
		return nil, shared.Transient("create job", err)
	}
	m.logger.Info("job queued", "job_id", job.ID, "kind", kind, "site_id", site.ID, "owner_id", owner.ID, "trace_id", shared.TraceID(ctx))
	m.publish(ctx, job, queuedEvent(job))
	return job, nil
}

// StartFix prices the requested issues against the site's latest scan,
// checks the team can pay, and queues the fix. Nothing is charged here.
func (m *Manager) StartFix(ctx context.Context, owner shared.Owner, siteID string, issueIDs []string) (*persistence.Job, error) {
	if siteID == "" || len(issueIDs) == 0 {
		return nil, errFixArgs
	}
	if _, err := m.ownedSite(ctx, owner, siteID); err != nil {
		return nil, err
	}
	scan, err := m.store.LatestScan(ctx, siteID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrNoRecentScan
	}
	if err != nil {
		return nil, shared.Transient("read latest scan", err)
	}
	reported, err := m.reportedCosts(ctx, scan)
	if err != nil {
		return nil, err
	}
	if m.config.Ledger == nil {
		return nil, fmt.Errorf("fix jobs require a ledger")
	}
	est := m.config.Ledger.EstimateCost(issueIDs, reported)
	if _, err := m.config.Ledger.Ensure(ctx, owner.TeamID, est); err != nil {
		return nil, err
	}
	return m.CreateJob(ctx, persistence.JobKindFix, owner, Spec{SiteID: siteID, IssueIDs: issueIDs, EstTokens: est})
}

func (m *Manager) reportedCosts(ctx context.Context, scan *persistence.Job) (map[string]int64, error) {
	if scan.ResultRef == "" {
		return nil, nil
	}
	raw, err := m.blobs.Get(ctx, scan.ResultRef)
	if err != nil {
		return nil, shared.Transient("read scan report", err)
	}
	var report engine.Report
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, shared.Transient("decode scan report", err)
	}
	return report.IssueCosts(), nil
}

// Snapshot reads a job without any ownership check.
func (m *Manager) Snapshot(ctx context.Context, jobID string) (*persistence.Job, error) {
	if jobID == "" {
		return nil, shared.Validation("id_required")
	}
	job, err := m.store.GetJob(ctx, jobID)
	if errors.Is(err, persistence.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, shared.Transient("read job", err)
	}
	return job, nil
}

// Status is a pure read of a job the owner created.
func (m *Manager) Status(ctx context.Context, owner shared.Owner, jobID string) (*persistence.Job, error) {
	job, err := m.Snapshot(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != owner.ID {
		return nil, ErrForbidden
	}
	return job, nil
}

// Result returns the stored document of a done job. For queued or running
// jobs it returns the snapshot and a nil document.
func (m *Manager) Result(ctx context.Context, owner shared.Owner, jobID string) (*persistence.Job, json.RawMessage, error) {
	job, err := m.Status(ctx, owner, jobID)
	if err != nil {
		return nil, nil, err
	}
	switch job.Status {
	case persistence.JobStatusDone:
	case persistence.JobStatusError:
		return job, nil, ErrJobFailed.With("errorMessage", job.ErrorMessage)
	default:
		return job, nil, nil
	}
	raw, err := m.blobs.Get(ctx, job.ResultRef)
	if err != nil {
		return job, nil, shared.Transient("read job result", err)
	}
	return job, raw, nil
}

// Advance executes a queued job in the caller's goroutine. A job that is
// already running or finished, or that another executor wins, is returned
// as-is with no side effects.
func (m *Manager) Advance(ctx context.Context, jobID string) (*persistence.Job, error) {
	job, err := m.store.ClaimJob(ctx, jobID, m.leaseOwner(), m.config.Lease)
	if err != nil {
		return nil, shared.Transient("claim job", err)
	}
	if job == nil {
		return m.Snapshot(ctx, jobID)
	}
	return m.execute(ctx, job), nil
}

func (m *Manager) claimNext(ctx context.Context) (*persistence.Job, error) {
	return m.store.ClaimNextJob(ctx, m.leaseOwner(), m.config.Lease)
}

func (m *Manager) leaseOwner() string {
	return m.config.InstanceID + "/" + uuid.NewString()
}

// execute runs a claimed job to a terminal status and returns the final
// snapshot. The caller must hold the job's lease.
func (m *Manager) execute(ctx context.Context, job *persistence.Job) *persistence.Job {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
	}
	ctx = shared.WithJobID(shared.WithTraceID(ctx, traceID), job.ID)
	ctx, span := otel.StartSpan(ctx, m.tracer, "job.execute",
		otel.AttrJobID.String(job.ID),
		otel.AttrJobKind.String(string(job.Kind)),
		otel.AttrSiteID.String(job.SiteID),
		otel.AttrTeamID.String(job.TeamID),
	)
	logger := m.logger.With("job_id", job.ID, "kind", job.Kind, "site_id", job.SiteID, "trace_id", traceID)
	logger.Info("job running", "lease_owner", job.LeaseOwner)
	m.metrics.JobClaimed(ctx, string(job.Kind))
	m.publish(ctx, job, runningEvent(job))

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, m.config.JobTimeout)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		m.heartbeat(runCtx, cancel, job, logger)
	}()
	out, runErr := m.run(runCtx, job)
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		runErr = fmt.Errorf("job timeout exceeded: %w", runErr)
	}
	cancel()
	<-hbDone

	// Finish even if the caller is shutting down; the lease guards the write.
	finishCtx := context.WithoutCancel(ctx)
	var final *persistence.Job
	var err error
	if runErr != nil {
		logger.Warn("job failed", "error", runErr, "class", engine.ClassifyError(runErr))
		final, err = m.store.FailJob(finishCtx, job.ID, job.LeaseOwner, runErr.Error())
	} else {
		final, err = m.store.CompleteJob(finishCtx, job.ID, job.LeaseOwner, out.ref)
	}
	if err != nil {
		if errors.Is(err, persistence.ErrLeaseLost) {
			logger.Warn("job lease lost before finish")
			if out.written {
				if delErr := m.blobs.Delete(finishCtx, out.ref); delErr != nil {
					logger.Error("orphaned result not removed", "result_ref", out.ref, "error", delErr)
				}
			}
		} else {
			logger.Error("job finish failed", "error", err)
		}
		otel.EndSpan(span, err)
		snap, snapErr := m.store.GetJob(finishCtx, job.ID)
		if snapErr != nil {
			return job
		}
		return snap
	}

	m.metrics.JobFinished(finishCtx, string(final.Kind), string(final.Status), time.Since(started))
	if runErr != nil {
		m.publish(finishCtx, final, errorEvent(final.ErrorMessage))
	} else {
		logger.Info("job done", "result_ref", final.ResultRef, "duration_ms", time.Since(started).Milliseconds())
		m.publish(finishCtx, final, doneEvent(final, out))
	}
	otel.EndSpan(span, runErr)
	return final
}

type runOutput struct {
	ref     string
	written bool
	report  *engine.Report
	fix     *engine.FixResult
}

// errLeaseLost stops a run whose job was finished elsewhere, before its
// result is stored.
var errLeaseLost = errors.New("execution lease lost before result was stored")

func (m *Manager) run(ctx context.Context, job *persistence.Job) (runOutput, error) {
	var out runOutput
	var spec Spec
	if err := json.Unmarshal([]byte(job.SpecJSON), &spec); err != nil {
		return out, fmt.Errorf("decode job spec: %w", err)
	}
	if m.engine == nil {
		return out, fmt.Errorf("engine not configured")
	}

	started := time.Now()
	var doc any
	switch job.Kind {
	case persistence.JobKindScan:
		report, err := m.engine.Scan(ctx, engine.ScanRequest{
			JobID: job.ID, SiteID: job.SiteID, SiteURL: spec.SiteURL, Categories: spec.Categories,
		})
		m.metrics.ObserveEngine(ctx, string(job.Kind), time.Since(started))
		if err != nil {
			return out, err
		}
		out.report, out.ref, doc = report, blobstore.ReportKey(job.OwnerID, job.ID), report
	case persistence.JobKindFix:
		result, err := m.engine.Fix(ctx, engine.FixRequest{
			JobID: job.ID, SiteID: job.SiteID, SiteURL: spec.SiteURL, IssueIDs: spec.IssueIDs, EstTokens: job.EstTokens,
		})
		m.metrics.ObserveEngine(ctx, string(job.Kind), time.Since(started))
		if err != nil {
			return out, err
		}
		out.fix, out.ref, doc = result, blobstore.FixResultKey(job.OwnerID, job.ID), result
	default:
		return out, fmt.Errorf("unknown job kind %q", job.Kind)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return out, fmt.Errorf("encode result: %w", err)
	}
	// The lease must still be ours, or the result would outlive a job that
	// has already ended in error.
	held, err := m.store.HeartbeatLease(context.WithoutCancel(ctx), job.ID, job.LeaseOwner, m.config.Lease)
	if err != nil {
		return out, fmt.Errorf("confirm lease: %w", err)
	}
	if !held {
		return out, errLeaseLost
	}
	if err := m.blobs.Put(ctx, out.ref, raw); err != nil {
		return out, fmt.Errorf("store result: %w", err)
	}
	out.written = true
	return out, nil
}

// heartbeat extends the lease until ctx ends. Losing the lease cancels
// the run: another path has already finished the job.
func (m *Manager) heartbeat(ctx context.Context, cancel context.CancelFunc, job *persistence.Job, logger *slog.Logger) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.store.HeartbeatLease(context.WithoutCancel(ctx), job.ID, job.LeaseOwner, m.config.Lease)
			if err != nil {
				logger.Warn("lease heartbeat failed", "error", err)
				continue
			}
			if !ok {
				logger.Warn("lease heartbeat rejected")
				cancel()
				return
			}
		}
	}
}

// ExpireLeases fails running jobs whose executor stopped heartbeating and
// announces each on its site subject.
func (m *Manager) ExpireLeases(ctx context.Context) (int, error) {
	expired, err := m.store.ExpireLeases(ctx)
	if err != nil {
		return 0, err
	}
	for i := range expired {
		job := &expired[i]
		m.logger.Warn("job lease expired", "job_id", job.ID, "kind", job.Kind, "site_id", job.SiteID)
		m.metrics.JobFinished(ctx, string(job.Kind), string(job.Status), 0)
		m.publish(ctx, job, errorEvent(job.ErrorMessage))
	}
	return len(expired), nil
}

func (m *Manager) publish(ctx context.Context, job *persistence.Job, ev bus.Event) {
	if m.config.Events == nil {
		return
	}
	if _, err := m.config.Events.Publish(ctx, job.SiteID, ev); err != nil {
		m.logger.Warn("job event not published", "job_id", job.ID, "type", ev.Type, "state", ev.State, "error", err)
	}
}
