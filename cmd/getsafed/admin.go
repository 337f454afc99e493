package main

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/getsafe360/saas-app/internal/audit"
	"github.com/getsafe360/saas-app/internal/config"
	"github.com/getsafe360/saas-app/internal/ledger"
	"github.com/getsafe360/saas-app/internal/pairing"
	"github.com/getsafe360/saas-app/internal/persistence"
	"github.com/getsafe360/saas-app/internal/pricing"
	"github.com/getsafe360/saas-app/internal/shared"
)

// openStore loads config and opens the database, applying migrations.
func (o *rootOptions) openStore() (config.Config, *persistence.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return cfg, nil, fmt.Errorf("config load: %w", err)
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, store, nil
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and print the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			version, checksum, err := store.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"db":       cfg.DBPath,
					"version":  version,
					"checksum": checksum,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema v%d (%s) at %s\n", version, checksum, cfg.DBPath)
			return nil
		},
	}
}

func newTokensCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Inspect, top up and debit team token balances",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "balance <team-id>",
		Short: "Print a team's token balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), opts, func(ctx context.Context, l *ledger.Ledger) error {
				balance, err := l.Balance(ctx, args[0])
				if err != nil {
					return err
				}
				return printBalance(cmd, opts, args[0], balance)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "grant <team-id> <amount>",
		Short: "Credit tokens to a team",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			return withLedger(cmd.Context(), opts, func(ctx context.Context, l *ledger.Ledger) error {
				balance, err := l.Grant(ctx, args[0], amount)
				if err != nil {
					return err
				}
				return printBalance(cmd, opts, args[0], balance)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "deduct <team-id> <amount>",
		Short: "Debit tokens from a team; refused when the balance cannot cover it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			return withLedger(cmd.Context(), opts, func(ctx context.Context, l *ledger.Ledger) error {
				balance, err := l.CheckAndDeduct(ctx, args[0], amount)
				if err != nil {
					return err
				}
				return printBalance(cmd, opts, args[0], balance)
			})
		},
	})

	return cmd
}

func withLedger(ctx context.Context, opts *rootOptions, fn func(context.Context, *ledger.Ledger) error) error {
	cfg, store, err := opts.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	auditLog, err := audit.Open(cfg.HomeDir, store.DB())
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()
	l := ledger.New(store, pricing.NewTable(cfg.Costs, cfg.DefaultCost), ledger.WithAudit(auditLog))
	return fn(ctx, l)
}

func printBalance(cmd *cobra.Command, opts *rootOptions, teamID string, balance int64) error {
	if opts.JSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{"teamId": teamID, "tokens": balance})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tokens\n", teamID, balance)
	return nil
}

func newPairCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Site pairing administration",
	}

	var ownerID, teamID string
	issue := &cobra.Command{
		Use:   "issue <site-url>",
		Short: "Mint a pairing code on behalf of an owner",
		Long: `Mint a six-digit pairing code for a site, as the dashboard's
"connect site" button would. The plugin probe is skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(ownerID) == "" {
				return fmt.Errorf("--owner is required")
			}
			cfg, store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			pairCfg := pairing.Config{CodeTTL: cfg.CodeTTL()}
			if cfg.Pairing.AllowedSiteHostRegex != "" {
				pairCfg.AllowedHosts = regexp.MustCompile(cfg.Pairing.AllowedSiteHostRegex)
			}
			svc := pairing.New(store, nil, pairCfg)
			issued, err := svc.Issue(cmd.Context(), shared.Owner{ID: ownerID, TeamID: teamID}, args[0])
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), issued)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pair code %s for %s (expires %s)\n",
				issued.Code, issued.RecordedSiteURL, issued.ExpiresAt.Format(time.RFC3339))
			if issued.ExistingSiteID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "site already paired as %s; redeeming rotates its token\n", issued.ExistingSiteID)
			}
			return nil
		},
	}
	issue.Flags().StringVar(&ownerID, "owner", "", "owner id the site will belong to")
	issue.Flags().StringVar(&teamID, "team", "", "team id billed for the site's fixes")
	cmd.AddCommand(issue)

	return cmd
}

// jobView is the CLI rendering of a job row.
type jobView struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	SiteID        string `json:"siteId"`
	TeamID        string `json:"teamId,omitempty"`
	Status        string `json:"status"`
	EstTokens     int64  `json:"estTokens,omitempty"`
	ChargedTokens int64  `json:"chargedTokens,omitempty"`
	Settlement    string `json:"settlement,omitempty"`
	ResultRef     string `json:"resultRef,omitempty"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
	LeaseOwner    string `json:"leaseOwner,omitempty"`
	CreatedAt     string `json:"createdAt"`
	FinishedAt    string `json:"finishedAt,omitempty"`
}

func newJobView(j persistence.Job) jobView {
	v := jobView{
		ID:            j.ID,
		Kind:          string(j.Kind),
		SiteID:        j.SiteID,
		TeamID:        j.TeamID,
		Status:        string(j.Status),
		EstTokens:     j.EstTokens,
		ChargedTokens: j.ChargedTokens,
		Settlement:    j.Settlement,
		ResultRef:     j.ResultRef,
		ErrorMessage:  j.ErrorMessage,
		LeaseOwner:    j.LeaseOwner,
		CreatedAt:     j.CreatedAt.UTC().Format(time.RFC3339),
	}
	if !j.FinishedAt.IsZero() {
		v.FinishedAt = j.FinishedAt.UTC().Format(time.RFC3339)
	}
	return v
}

func newJobsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect scan and fix jobs",
	}

	var status string
	var limit int
	statusCmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show one job, or queue counts and recent jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, store, err := opts.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if len(args) == 1 {
				job, err := store.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				view := newJobView(*job)
				if opts.JSON {
					return printJSON(out, view)
				}
				fmt.Fprintf(out, "%s %s site=%s status=%s", view.ID, view.Kind, view.SiteID, view.Status)
				if view.Settlement != "" {
					fmt.Fprintf(out, " settlement=%s", view.Settlement)
				}
				if view.ErrorMessage != "" {
					fmt.Fprintf(out, " error=%q", view.ErrorMessage)
				}
				fmt.Fprintln(out)
				return nil
			}

			counts, err := store.JobCounts(ctx)
			if err != nil {
				return err
			}
			recent, err := store.ListJobs(ctx, persistence.JobStatus(status), limit)
			if err != nil {
				return err
			}
			views := make([]jobView, 0, len(recent))
			for _, j := range recent {
				views = append(views, newJobView(j))
			}
			if opts.JSON {
				return printJSON(out, map[string]any{"counts": counts, "jobs": views})
			}
			fmt.Fprintf(out, "queued=%d running=%d done=%d error=%d\n", counts.Queued, counts.Running, counts.Done, counts.Error)
			for _, v := range views {
				fmt.Fprintf(out, "%s  %-4s  %-7s  %s  %s\n", v.CreatedAt, v.Kind, v.Status, v.ID, v.SiteID)
			}
			return nil
		},
	}
	statusCmd.Flags().StringVar(&status, "status", "", "filter recent jobs by status (queued|running|done|error)")
	statusCmd.Flags().IntVar(&limit, "limit", 20, "number of recent jobs to list")
	cmd.AddCommand(statusCmd)

	return cmd
}
