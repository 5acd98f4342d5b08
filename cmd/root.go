// Package cmd defines and implements the CLI commands for the hcmfetch
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logDir   string
	logLevel string
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hcmfetch",
		Short: "Bulk document retrieval from authenticated HRIS portals",
		Long: `hcmfetch walks the paginated document listing of an HRIS portal in a
browser session the operator authenticates by hand, then downloads every
discovered document with a pool of rate-limited workers. Progress is
tracked durably, so an interrupted run resumes without re-downloading.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is config/<system>.yaml)")
	cmd.PersistentFlags().StringVar(&logDir, "log-dir", "logs", "directory for run logs and the sqlite ledger")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")

	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute is the main entry point. Per-document failures never reach this
// error path; only setup failures exit non-zero.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
