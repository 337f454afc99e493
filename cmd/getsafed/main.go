package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/getsafe360/saas-app/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v1.0-dev"

// rootOptions holds the flags shared by every subcommand.
type rootOptions struct {
	Home string
	JSON bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if e, ok := err.(*exitError); !ok || e.err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "getsafed",
		Short: "GetSafe 360 backend: site pairing, scan and fix jobs, live progress",
		Long: `getsafed runs the GetSafe 360 HTTP API.

Without a subcommand it starts the server (same as "getsafed serve").
Configuration is read from $GETSAFE_HOME/config.yaml (default ~/.getsafe).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts, cmd.ErrOrStderr())
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Home, "home", "", "data directory (overrides $GETSAFE_HOME)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print machine-readable JSON")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newDoctorCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newTokensCommand(opts))
	cmd.AddCommand(newPairCommand(opts))
	cmd.AddCommand(newJobsCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "getsafed %s\n", Version)
		},
	}
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	if o.Home != "" {
		return config.LoadFrom(o.Home)
	}
	return config.Load()
}

// exitError carries a process exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if e, ok := err.(*exitError); ok {
		return e.code
	}
	return 1
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
