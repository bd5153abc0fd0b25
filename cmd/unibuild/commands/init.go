package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/unibuild/unibuild/pkg/config"
)

const starterConfig = `# unibuild configuration
#
# Built-in languages (javascript, typescript, python, go, rust, java,
# csharp, cpp, ruby, php, shell) need no entry here. An entry under
# languages replaces the built-in one of the same name.

global:
  max_parallel: 4
  timeout: 5m
  operations: [install, test, build]
  results_dir: %s
  logs_dir: %s
  skip_dirs: [node_modules, __pycache__, .git, target, build, dist, .venv, venv, .unibuild]

# languages:
#   go:
#     project_files: [go.mod]
#     toolchain: [go]
#     artifacts: ["bin/*"]
#     operations:
#       install: {command: "go mod download", retryable: true}
#       test:    {command: "go test ./..."}
#       build:   {command: "go build -o bin/ ./..."}

environments:
  staging:
    type: kubernetes
    namespace: staging
    replicas: 2
    health_check:
      path: /healthz
      port: 8080
    backend:
      type: kubectl

strategies:
  canary:
    steps: [10, 25, 50, 100]
    step_interval: 2m
  rolling:
    batch_size: 1

hooks:
  toolchain: true
  # pre:
  #   - name: changed-only
  #     kind: command
  #     command: ./scripts/skip-unchanged.sh
  # post:
  #   - name: publish
  #     kind: starlark
  #     script: ./hooks/publish.star

# notifications:
#   webhooks:
#     - name: team
#       url: https://hooks.slack.com/services/XXX

telemetry:
  log_level: info
  log_format: console

store:
  enabled: true
  path: %s
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Initialize a unibuild workspace",
		Long: `Write a starter unibuild.yaml and create the state directory with the
results directory and the history database.`,
		Example: `  # Initialize the current directory
  unibuild init

  # Overwrite an existing configuration
  unibuild init --force ./monorepo`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := rootArg(args)
			if err != nil {
				return err
			}
			return initWorkspace(cmd.Context(), cmd, root, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing configuration file")
	return cmd
}

func initWorkspace(ctx context.Context, cmd *cobra.Command, root string, force bool) error {
	out := cmd.OutOrStdout()
	log.Info().Str("root", root).Bool("force", force).Msg("Initializing workspace")

	path := configPath
	if path == "" {
		path = filepath.Join(root, "unibuild.yaml")
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	stateDir := filepath.Join(root, ".unibuild")
	resultsDir := filepath.Join(stateDir, "results")
	logsDir := filepath.Join(stateDir, "logs")
	dbPath := filepath.Join(stateDir, "history.db")

	for _, dir := range []string{stateDir, resultsDir, logsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		fmt.Fprintf(out, "%s Created directory: %s\n", okStyle.Render("✓"), dir)
	}

	rel := func(p string) string {
		if r, err := filepath.Rel(filepath.Dir(path), p); err == nil {
			return r
		}
		return p
	}
	content := fmt.Sprintf(starterConfig, rel(resultsDir), rel(logsDir), rel(dbPath))

	// Never write a file the loader would reject.
	format, err := config.FormatOf(path)
	if err != nil {
		return err
	}
	if format != config.FormatYAML {
		return fmt.Errorf("init writes YAML; %s has a different extension", path)
	}
	cfg, err := config.Parse([]byte(content), format, path)
	if err != nil {
		return fmt.Errorf("starter configuration is invalid: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("starter configuration is invalid: %w", err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(out, "%s Created config file: %s\n", okStyle.Render("✓"), path)

	store, err := openStore(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize history store: %w", err)
	}
	if err := store.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s Initialized history database: %s\n", okStyle.Render("✓"), dbPath)

	fmt.Fprintf(out, "\nWorkspace initialized.\n\nNext steps:\n")
	fmt.Fprintf(out, "  unibuild detect     list the projects found\n")
	fmt.Fprintf(out, "  unibuild build      run install, test and build for each of them\n")
	return nil
}
