package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	version = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, v, commit, buildDate string) error {
	version = v
	rootCmd := newRootCommand(v, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "unibuild",
		Short: "unibuild - language-agnostic build and deploy orchestrator",
		Long: `unibuild detects every project in a directory tree, runs a pipeline of
operations (install, lint, test, build) for each of them in parallel, and
deploys built artifacts with blue-green, canary or rolling strategies.

Features:
  - Marker and pattern based project detection for 11 languages
  - Bounded parallel pipelines with retries and per-project isolation
  - Command, Starlark and WASM hooks around each pipeline
  - Health-gated traffic shifting with automatic rollback
  - OPA policy gate for deployments
  - Build and deployment history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default: unibuild.{yaml,yml,toml,cue} in the project root)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDetectCommand())
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
