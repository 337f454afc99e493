package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/getsafe360/saas-app/internal/doctor"
)

func newDoctorCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
				// Keep going; the checks report what is missing.
			}

			diag := doctor.Run(cmd.Context(), &cfg, Version)
			out := cmd.OutOrStdout()

			if opts.JSON {
				if err := printJSON(out, diag); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "GetSafe Doctor Report (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					icon := "✅"
					switch res.Status {
					case "FAIL":
						icon = "❌"
					case "WARN":
						icon = "⚠️ "
					case "SKIP":
						icon = "⏩"
					}
					fmt.Fprintf(out, "%s %-12s: %s\n", icon, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "    %s\n", res.Detail)
					}
				}
			}

			if !diag.Healthy() {
				return &exitError{code: 1}
			}
			return nil
		},
	}
}
