package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/getsafe360/saas-app/internal/shared"
	"github.com/google/uuid"
)

type JobKind string

const (
	JobKindScan JobKind = "scan"
	JobKindFix  JobKind = "fix"
)

type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusError   JobStatus = "error"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

const (
	SettlementNone     = ""
	SettlementAccepted = "accepted"
	SettlementCanceled = "canceled"
)

// LeaseExpiredMessage is recorded on jobs whose executor stopped heartbeating.
const LeaseExpiredMessage = "execution lease expired"

var allowedTransitions = map[JobStatus]map[JobStatus]struct{}{
	JobStatusQueued: {
		JobStatusRunning: {},
	},
	JobStatusRunning: {
		JobStatusDone:  {},
		JobStatusError: {},
	},
}

func canTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Job struct {
	ID             string
	Kind           JobKind
	OwnerID        string
	TeamID         string
	SiteID         string
	Status         JobStatus
	SpecJSON       string
	ResultRef      string
	ErrorMessage   string
	EstTokens      int64
	Settlement     string
	ChargedTokens  int64
	LeaseOwner     string
	LeaseExpiresAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	StartedAt      time.Time
	FinishedAt     time.Time
}

type JobEvent struct {
	EventID     int64
	JobID       string
	StateFrom   JobStatus
	StateTo     JobStatus
	EventType   string
	PayloadJSON string
	TraceID     string
	CreatedAt   time.Time
}

type NewJob struct {
	Kind      JobKind
	OwnerID   string
	TeamID    string
	SiteID    string
	SpecJSON  string
	EstTokens int64
}

const jobColumns = `id, kind, owner_id, team_id, site_id, status, spec_json, result_ref,
	error_message, est_tokens, settlement, charged_tokens, lease_owner, lease_expires_at_ms,
	created_at_ms, updated_at_ms, started_at_ms, finished_at_ms`

func scanJob(scanFn func(dest ...any) error, job *Job) error {
	var leaseMS, createdMS, updatedMS, startedMS, finishedMS int64
	if err := scanFn(
		&job.ID,
		&job.Kind,
		&job.OwnerID,
		&job.TeamID,
		&job.SiteID,
		&job.Status,
		&job.SpecJSON,
		&job.ResultRef,
		&job.ErrorMessage,
		&job.EstTokens,
		&job.Settlement,
		&job.ChargedTokens,
		&job.LeaseOwner,
		&leaseMS,
		&createdMS,
		&updatedMS,
		&startedMS,
		&finishedMS,
	); err != nil {
		return err
	}
	job.LeaseExpiresAt = msToTime(leaseMS)
	job.CreatedAt = msToTime(createdMS)
	job.UpdatedAt = msToTime(updatedMS)
	job.StartedAt = msToTime(startedMS)
	job.FinishedAt = msToTime(finishedMS)
	return nil
}

func (s *Store) appendJobEventTx(ctx context.Context, tx *sql.Tx, jobID string, from, to JobStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, state_from, state_to, event_type, payload_json, trace_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, jobID, string(from), string(to), eventType, payload, traceID, s.nowMS())
	if err != nil {
		return fmt.Errorf("insert job_event: %w", err)
	}
	return nil
}

// transitionJobTx moves a job from one of allowedFrom to `to`. It returns
// false without error when the job is missing or no longer in allowedFrom,
// which is how claim losers and stale lease holders observe the race.
func (s *Store) transitionJobTx(
	ctx context.Context,
	tx *sql.Tx,
	jobID string,
	allowedFrom []JobStatus,
	to JobStatus,
	leaseOwner string,
	eventType string,
	payload string,
	set string,
	args ...any,
) (bool, error) {
	var current JobStatus
	var currentOwner string
	if err := tx.QueryRowContext(ctx, `SELECT status, lease_owner FROM jobs WHERE id = ?;`, jobID).Scan(&current, &currentOwner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select job for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}
	if leaseOwner != "" && currentOwner != leaseOwner {
		return false, nil
	}

	q := `UPDATE jobs SET status = ?, updated_at_ms = ?`
	if set != "" {
		q += ", " + set
	}
	q += ` WHERE id = ? AND status = ?;`
	params := append([]any{to, s.nowMS()}, args...)
	params = append(params, jobID, current)
	res, err := tx.ExecContext(ctx, q, params...)
	if err != nil {
		return false, fmt.Errorf("update job transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendJobEventTx(ctx, tx, jobID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) CreateJob(ctx context.Context, in NewJob) (*Job, error) {
	if in.Kind != JobKindScan && in.Kind != JobKindFix {
		return nil, fmt.Errorf("invalid job kind %q", in.Kind)
	}
	if in.SpecJSON == "" {
		in.SpecJSON = "{}"
	}
	id := uuid.NewString()
	now := s.nowMS()
	err := s.inTx(ctx, "create job", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (id, kind, owner_id, team_id, site_id, status, spec_json, est_tokens, created_at_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, id, in.Kind, in.OwnerID, in.TeamID, in.SiteID, JobStatusQueued, in.SpecJSON, in.EstTokens, now, now); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return s.appendJobEventTx(ctx, tx, id, "", JobStatusQueued, "job.created", "")
	})
	if err != nil {
		return nil, err
	}
	return s.GetJob(ctx, id)
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?;`, jobID)
	if err := scanJob(row.Scan, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// ClaimJob moves a specific queued job to running under leaseOwner.
// It returns nil when the job is not queued anymore.
func (s *Store) ClaimJob(ctx context.Context, jobID, leaseOwner string, lease time.Duration) (*Job, error) {
	return s.claim(ctx, jobID, leaseOwner, lease)
}

// ClaimNextJob claims the oldest queued job, or returns nil when the queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context, leaseOwner string, lease time.Duration) (*Job, error) {
	return s.claim(ctx, "", leaseOwner, lease)
}

func (s *Store) claim(ctx context.Context, jobID, leaseOwner string, lease time.Duration) (*Job, error) {
	if leaseOwner == "" {
		return nil, fmt.Errorf("claim requires a lease owner")
	}
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	var claimed string
	err := s.inTx(ctx, "claim", func(tx *sql.Tx) error {
		claimed = ""
		id := jobID
		if id == "" {
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM jobs WHERE status = ?
				ORDER BY created_at_ms ASC, id ASC LIMIT 1;
			`, JobStatusQueued).Scan(&id)
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("select queued job: %w", err)
			}
		}
		now := s.nowMS()
		ok, err := s.transitionJobTx(ctx, tx, id,
			[]JobStatus{JobStatusQueued}, JobStatusRunning, "",
			"job.claimed", fmt.Sprintf(`{"lease_owner":%q}`, leaseOwner),
			"lease_owner = ?, lease_expires_at_ms = ?, started_at_ms = ?",
			leaseOwner, now+lease.Milliseconds(), now)
		if err != nil {
			return fmt.Errorf("claim transition: %w", err)
		}
		if ok {
			claimed = id
		}
		return nil
	})
	if err != nil || claimed == "" {
		return nil, err
	}
	return s.GetJob(ctx, claimed)
}

// HeartbeatLease extends a running job's lease; false means the lease was lost.
func (s *Store) HeartbeatLease(ctx context.Context, jobID, leaseOwner string, lease time.Duration) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at_ms = ?, updated_at_ms = ?
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, s.nowMS()+lease.Milliseconds(), s.nowMS(), jobID, leaseOwner, JobStatusRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// CompleteJob moves a running job held by leaseOwner to done.
// ErrLeaseLost means another path already finished it.
func (s *Store) CompleteJob(ctx context.Context, jobID, leaseOwner, resultRef string) (*Job, error) {
	return s.finish(ctx, jobID, leaseOwner, JobStatusDone, "job.done",
		"result_ref = ?, finished_at_ms = ?, lease_expires_at_ms = 0", resultRef)
}

func (s *Store) FailJob(ctx context.Context, jobID, leaseOwner, errMsg string) (*Job, error) {
	return s.finish(ctx, jobID, leaseOwner, JobStatusError, "job.error",
		"error_message = ?, finished_at_ms = ?, lease_expires_at_ms = 0", shared.Redact(errMsg))
}

func (s *Store) finish(ctx context.Context, jobID, leaseOwner string, to JobStatus, eventType, set, value string) (*Job, error) {
	if leaseOwner == "" {
		return nil, ErrLeaseLost
	}
	var ok bool
	err := s.inTx(ctx, eventType, func(tx *sql.Tx) error {
		var err error
		ok, err = s.transitionJobTx(ctx, tx, jobID,
			[]JobStatus{JobStatusRunning}, to, leaseOwner, eventType, "", set, value, s.nowMS())
		return err
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseLost
	}
	return s.GetJob(ctx, jobID)
}

// ExpireLeases fails running jobs whose lease has lapsed and returns them.
// Jobs are not requeued, so status stays monotonic.
func (s *Store) ExpireLeases(ctx context.Context) ([]Job, error) {
	var ids []string
	err := s.inTx(ctx, "expire leases", func(tx *sql.Tx) error {
		ids = ids[:0]
		now := s.nowMS()
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM jobs
			WHERE status = ? AND lease_expires_at_ms > 0 AND lease_expires_at_ms <= ?;
		`, JobStatusRunning, now)
		if err != nil {
			return fmt.Errorf("query expired leases: %w", err)
		}
		var candidates []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lease job: %w", err)
			}
			candidates = append(candidates, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate expired lease jobs: %w", err)
		}
		for _, id := range candidates {
			ok, err := s.transitionJobTx(ctx, tx, id,
				[]JobStatus{JobStatusRunning}, JobStatusError, "",
				"job.lease_expired", `{"reason":"lease_expired"}`,
				"error_message = ?, finished_at_ms = ?, lease_expires_at_ms = 0",
				LeaseExpiredMessage, now)
			if err != nil {
				return fmt.Errorf("expire lease transition: %w", err)
			}
			if ok {
				ids = append(ids, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, nil
}

// LatestScan returns the newest finished-successfully scan of a site.
func (s *Store) LatestScan(ctx context.Context, siteID string) (*Job, error) {
	var job Job
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE site_id = ? AND kind = ? AND status = ?
		ORDER BY finished_at_ms DESC, created_at_ms DESC LIMIT 1;`,
		siteID, JobKindScan, JobStatusDone)
	if err := scanJob(row.Scan, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("latest scan: %w", err)
	}
	return &job, nil
}

func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, job_id, state_from, state_to, event_type, payload_json, trace_id, created_at_ms
		FROM job_events WHERE job_id = ? ORDER BY event_id ASC;
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()
	var out []JobEvent
	for rows.Next() {
		var ev JobEvent
		var ms int64
		if err := rows.Scan(&ev.EventID, &ev.JobID, &ev.StateFrom, &ev.StateTo, &ev.EventType, &ev.PayloadJSON, &ev.TraceID, &ms); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.CreatedAt = msToTime(ms)
		out = append(out, ev)
	}
	return out, rows.Err()
}

type JobCounts struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Error   int `json:"error"`
}

func (s *Store) JobCounts(ctx context.Context) (JobCounts, error) {
	var c JobCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'done' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0)
		FROM jobs;
	`).Scan(&c.Queued, &c.Running, &c.Done, &c.Error)
	if err != nil {
		return c, fmt.Errorf("job counts: %w", err)
	}
	return c, nil
}

// ListJobs returns the newest jobs, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at_ms DESC LIMIT ?;`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		var job Job
		if err := scanJob(rows.Scan, &job); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
