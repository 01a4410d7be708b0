// Package main is the CLI entry point for warden.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "warden",
		Short: "Orchestrates security subsystems and correlates threat intelligence",
		Long: `warden boots the configured security subsystems in dependency order,
monitors their health, correlates incoming threat intelligence into campaigns
and accepts operator commands over HTTP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to config file (default: ./warden.yaml or /etc/warden/warden.yaml)")
	root.Version = fmt.Sprintf("%s (commit: %s)", version, commit)

	root.AddCommand(newRunCmd(), newAnalyzeCmd(), newReportCmd())
	return root
}
