// Package main provides the CLI entry point for gatewayd, the conversant
// multi-channel conversational gateway: ingress webhooks, a worker that
// runs the supervisor over inbound messages, and a dispatcher that
// delivers replies back out through the matching channel adapter.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "gatewayd",
		Short:        "conversant gateway: ingress, worker, and dispatcher processes",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildWorkerCmd(),
		buildDispatcherCmd(),
		buildDoctorCmd(),
	)

	return rootCmd
}
