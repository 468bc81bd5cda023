// Package main provides the CLI entry point for modeldeck, a console for
// experimenting with models hosted on a model-serving backend.
//
// # Basic Usage
//
// Start the console API:
//
//	modeldeck serve --config modeldeck.yaml
//
// Stream one completion to the terminal:
//
//	modeldeck complete --model-id m1 "Once upon a time"
//
// Browse the backend:
//
//	modeldeck models list
//	modeldeck tasks list
//	modeldeck saved list m1
//
// # Environment Variables
//
//   - MODELDECK_CONFIG: Path to configuration file (default: modeldeck.yaml)
//   - Any ${VAR} referenced from the configuration file, e.g. the backend token
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
// Example build command:
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
// This is separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modeldeck",
		Short: "modeldeck - streaming experiment console for served models",
		Long: `modeldeck runs prompts against models on a model-serving backend and
streams their completions live.

The serve command exposes an HTTP API with a WebSocket feed of running
experiments; the other commands talk to the backend directly.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildCompleteCmd(),
		buildModelsCmd(),
		buildTasksCmd(),
		buildSavedCmd(),
	)
	return rootCmd
}
