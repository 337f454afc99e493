package engine

import (
	"context"
	"fmt"
	"slices"
	"time"
)

var sampleIssues = []Issue{
	{
		ID:           "seo-meta-desc",
		Category:     "seo",
		Title:        "Missing or short meta description",
		Severity:     "medium",
		Description:  "Some pages are missing a meta description or it is too short.",
		Suggestion:   "Add a descriptive meta description (120-160 chars).",
		FixAvailable: true,
		EstTokens:    700,
	},
	{
		ID:           "perf-images",
		Category:     "performance",
		Title:        "Unoptimized images",
		Severity:     "high",
		Description:  "Large images increase load time.",
		Suggestion:   "Serve responsive images and compress assets.",
		FixAvailable: true,
		EstTokens:    2200,
	},
	{
		ID:           "a11y-contrast",
		Category:     "accessibility",
		Title:        "Insufficient color contrast",
		Severity:     "high",
		Description:  "Text and background colors fail WCAG contrast ratios.",
		Suggestion:   "Adjust colors to meet WCAG AA contrast.",
		FixAvailable: false,
		EstTokens:    1800,
	},
}

// Sample is a deterministic stand-in analyzer used when no engine URL is
// configured. Delay simulates analysis time and honors cancellation.
type Sample struct {
	Delay time.Duration
}

func (s Sample) wait(ctx context.Context) error {
	if s.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s Sample) Scan(ctx context.Context, req ScanRequest) (*Report, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if req.SiteURL == "" {
		return nil, fmt.Errorf("site url missing for job %s", req.JobID)
	}
	cats := NormalizeCategories(req.Categories)
	report := &Report{
		SiteURL: req.SiteURL,
		Summary: Summary{Score: 87, Counts: map[string]int{}},
		Issues:  []Issue{},
		PagesAnalyzed: []string{
			req.SiteURL,
			req.SiteURL + "/about",
			req.SiteURL + "/contact",
		},
	}
	for _, is := range sampleIssues {
		if !slices.Contains(cats, is.Category) {
			continue
		}
		report.Issues = append(report.Issues, is)
		report.Summary.Counts[is.Category]++
		report.Summary.EstTotalTokens += is.EstTokens
	}
	return report, nil
}

func (s Sample) Fix(ctx context.Context, req FixRequest) (*FixResult, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return &FixResult{
		Applied: slices.Clone(req.IssueIDs),
		Summary: FixSummary{
			Message:       "Fixes applied successfully.",
			TokensCharged: req.EstTokens,
		},
	}, nil
}
