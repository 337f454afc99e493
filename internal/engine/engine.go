// Package engine is the boundary to the external site analyzer. The
// orchestration layer only sees the Engine interface; the heuristics behind
// it live elsewhere.
package engine

import (
	"context"
	"slices"
)

// Categories scanned when a request names none.
var DefaultCategories = []string{"seo", "performance", "accessibility", "security"}

type ScanRequest struct {
	JobID      string   `json:"jobId"`
	SiteID     string   `json:"siteId"`
	SiteURL    string   `json:"siteUrl"`
	Categories []string `json:"categories"`
}

type Issue struct {
	ID           string `json:"id"`
	Category     string `json:"category"`
	Title        string `json:"title"`
	Severity     string `json:"severity"`
	Description  string `json:"description,omitempty"`
	Suggestion   string `json:"suggestion,omitempty"`
	FixAvailable bool   `json:"fixAvailable"`
	EstTokens    int64  `json:"estTokens"`
}

type Summary struct {
	Score          int            `json:"score"`
	Counts         map[string]int `json:"counts"`
	EstTotalTokens int64          `json:"estTotalTokens"`
}

// Report is the scan document stored under reports/{owner}/{job}.json.
type Report struct {
	SiteURL       string   `json:"siteUrl"`
	Summary       Summary  `json:"summary"`
	Issues        []Issue  `json:"issues"`
	PagesAnalyzed []string `json:"pagesAnalyzed"`
}

// IssueCosts returns the per-issue token estimates carried by the report.
func (r *Report) IssueCosts() map[string]int64 {
	if r == nil {
		return map[string]int64{}
	}
	out := make(map[string]int64, len(r.Issues))
	for _, is := range r.Issues {
		if is.EstTokens > 0 {
			out[is.ID] = is.EstTokens
		}
	}
	return out
}

type FixRequest struct {
	JobID     string   `json:"jobId"`
	SiteID    string   `json:"siteId"`
	SiteURL   string   `json:"siteUrl"`
	IssueIDs  []string `json:"issueIds"`
	EstTokens int64    `json:"estTokens"`
}

type FixSummary struct {
	Message       string `json:"message"`
	TokensCharged int64  `json:"tokensCharged"`
}

// FixResult is the document stored under fix-results/{owner}/{job}.json.
type FixResult struct {
	Applied []string   `json:"applied"`
	Summary FixSummary `json:"summary"`
}

// Engine runs scans and fixes. Implementations must be safe for concurrent
// use; a returned error is recorded on the job and never retried.
type Engine interface {
	Scan(ctx context.Context, req ScanRequest) (*Report, error)
	Fix(ctx context.Context, req FixRequest) (*FixResult, error)
}

// NormalizeCategories drops unknown or duplicate names. An empty result
// means every default category.
func NormalizeCategories(in []string) []string {
	var out []string
	for _, c := range in {
		if slices.Contains(DefaultCategories, c) && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return slices.Clone(DefaultCategories)
	}
	return out
}
