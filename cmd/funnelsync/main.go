// Package main provides the CLI entry point for the funnelsync bridge.
//
// funnelsync links Telegram bot accounts to real-time clients: users connect
// bots through the admin API and see every message the bots receive over a
// WebSocket feed.
//
// # Basic Usage
//
// Start the server:
//
//	funnelsync serve --config funnelsync.yaml
//
// Manage database migrations:
//
//	funnelsync migrate up
//	funnelsync migrate status
//
// # Environment Variables
//
//   - FUNNELSYNC_CONFIG: Path to configuration file (default: funnelsync.yaml)
//
// Configuration files may reference other environment variables with ${NAME}.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
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
		Use:   "funnelsync",
		Short: "funnelsync - Telegram bot to real-time client bridge",
		Long: `funnelsync keeps Telegram bot connections alive for each user and relays
their messages to connected real-time clients.

Messages are persisted before they are shown, so reconnecting clients
replay what they missed.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
		buildConfigCmd(),
		buildTokenCmd(),
	)
	return rootCmd
}
