package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/getsafe360/saas-app/internal/jobs"
	"github.com/getsafe360/saas-app/internal/persistence"
	"github.com/getsafe360/saas-app/internal/shared"
)

type scanRequest struct {
	SiteID     string   `json:"siteId"`
	Categories []string `json:"categories"`
}

type fixRequest struct {
	SiteID   string   `json:"siteId"`
	IssueIDs []string `json:"issueIds"`
}

type settleRequest struct {
	JobID string `json:"jobId"`
}

// jobView is the polling payload shared by scan and fix status.
type jobView struct {
	ID           string     `json:"id"`
	Kind         string     `json:"kind"`
	SiteID       string     `json:"siteId"`
	Status       string     `json:"status"`
	CostTokens   int64      `json:"costTokens,omitempty"`
	EstTokens    int64      `json:"estTokens,omitempty"`
	ResultRef    string     `json:"resultRef,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Settlement   string     `json:"settlement,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

func viewOf(job *persistence.Job) jobView {
	v := jobView{
		ID:           job.ID,
		Kind:         string(job.Kind),
		SiteID:       job.SiteID,
		Status:       string(job.Status),
		ResultRef:    job.ResultRef,
		ErrorMessage: job.ErrorMessage,
		Settlement:   job.Settlement,
		CreatedAt:    job.CreatedAt,
	}
	if job.Kind == persistence.JobKindFix {
		v.EstTokens = job.EstTokens
		v.CostTokens = job.ChargedTokens
	}
	if !job.FinishedAt.IsZero() {
		at := job.FinishedAt
		v.FinishedAt = &at
	}
	return v
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.cfg.Jobs.CreateJob(r.Context(), persistence.JobKindScan, ownerOf(r), jobs.Spec{
		SiteID:     req.SiteID,
		Categories: req.Categories,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "jobId": job.ID})
}

// jobStatus is a pure read; the worker pool owns execution.
func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request, kind persistence.JobKind) {
	job, err := s.cfg.Jobs.Status(r.Context(), ownerOf(r), r.URL.Query().Get("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job.Kind != kind {
		s.writeError(w, r, jobs.ErrWrongKind)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleScanStatus(w http.ResponseWriter, r *http.Request) {
	s.jobStatus(w, r, persistence.JobKindScan)
}

func (s *Server) handleFixStatus(w http.ResponseWriter, r *http.Request) {
	s.jobStatus(w, r, persistence.JobKindFix)
}

func (s *Server) handleScanResult(w http.ResponseWriter, r *http.Request) {
	job, doc, err := s.cfg.Jobs.Result(r.Context(), ownerOf(r), r.URL.Query().Get("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job.Kind != persistence.JobKindScan {
		s.writeError(w, r, jobs.ErrWrongKind)
		return
	}
	if doc == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"ok": false, "notReady": true, "id": job.ID, "status": job.Status,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": job.ID, "report": json.RawMessage(doc)})
}

func (s *Server) handleFixStart(w http.ResponseWriter, r *http.Request) {
	var req fixRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.cfg.Jobs.StartFix(r.Context(), ownerOf(r), req.SiteID, req.IssueIDs)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "fixJobId": job.ID, "estTokens": job.EstTokens})
}

func (s *Server) handleFixAccept(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	remaining, err := s.cfg.Ledger.Settle(r.Context(), ownerOf(r), req.JobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log(r).Info("fix accepted", "job_id", req.JobID, "remaining_tokens", remaining)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "remainingTokens": remaining})
}

func (s *Server) handleFixCancel(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Ledger.Cancel(r.Context(), ownerOf(r), req.JobID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTeamTokens(w http.ResponseWriter, r *http.Request) {
	owner := ownerOf(r)
	if owner.TeamID == "" {
		s.writeError(w, r, shared.Validation("team_required"))
		return
	}
	tokens, err := s.cfg.Ledger.Balance(r.Context(), owner.TeamID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "teamId": owner.TeamID, "tokens": tokens})
}
