package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/unibuild/unibuild/pkg/config"
	"github.com/unibuild/unibuild/pkg/engine"
	"github.com/unibuild/unibuild/pkg/hooks"
	"github.com/unibuild/unibuild/pkg/stores"
	"github.com/unibuild/unibuild/pkg/telemetry"
)

type buildOptions struct {
	operations []string
	parallel   int
	dryRun     bool
	noHooks    bool
	watch      bool
}

func newBuildCommand() *cobra.Command {
	var opts buildOptions

	cmd := &cobra.Command{
		Use:   "build [path]",
		Short: "Detect projects and run their operation pipelines",
		Long: `Detect every project under path and run the configured operations
(install, test, build by default) for each of them in parallel.

A failing project never stops the others. Results are written to the
results directory and recorded in the history store.

Exit status is 1 when any project failed, 2 on configuration errors and
130 when interrupted.`,
		Example: `  # Build everything under the current directory
  unibuild build

  # Only lint and test, four projects at a time
  unibuild build --ops lint,test --parallel 4 ./services

  # Show what would run
  unibuild build --dry-run

  # Rebuild whenever a file changes
  unibuild build --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := rootArg(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, err := setup(ctx, setupOptions{root: root, store: true})
			if err != nil {
				return err
			}
			defer rt.close()

			b, err := newBuilder(ctx, rt, opts)
			if err != nil {
				return err
			}
			defer b.close()

			out := cmd.OutOrStdout()
			report, err := b.run(ctx, root)
			if err != nil {
				return err
			}
			b.print(out, report)

			if !opts.watch {
				return buildExit(report)
			}
			return b.watch(ctx, root, out)
		},
	}

	cmd.Flags().StringSliceVar(&opts.operations, "ops", nil, "operations to run, in order (default: global.operations)")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "p", 0, "maximum projects built at once (default: global.max_parallel)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "report the commands that would run without running them")
	cmd.Flags().BoolVar(&opts.noHooks, "no-hooks", false, "disable pre- and post-build hooks")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "rebuild when files under path change")

	return cmd
}

// buildExit maps a report to the command result.
func buildExit(report *engine.BuildReport) error {
	switch {
	case report.Status == engine.RunStatusCancelled:
		return interrupted()
	case report.HasFailures():
		return &ExitError{
			Code:   ExitFailure,
			Err:    fmt.Errorf("%d of %d projects failed", report.Failed, report.TotalProjects),
			Silent: true,
		}
	}
	return nil
}

// builder runs detection and scheduling with everything wired from one
// configuration.
type builder struct {
	rt         *runtime
	opts       buildOptions
	operations []string
	detector   *engine.Detector
	scheduler  *engine.Scheduler
	hooks      *hooks.Dispatcher
	logger     zerolog.Logger
}

func newBuilder(ctx context.Context, rt *runtime, opts buildOptions) (*builder, error) {
	cfg := rt.cfg
	table := cfg.LanguageTable()

	operations := opts.operations
	if len(operations) == 0 {
		operations = cfg.Global.Operations
	}

	b := &builder{
		rt:         rt,
		opts:       opts,
		operations: operations,
		detector:   engine.NewDetector(table, cfg.DetectorOptions(), rt.logger),
		logger:     rt.logger,
	}

	schedOpts := cfg.SchedulerOptions()
	schedOpts.Events = rt.tel.Events

	if !opts.noHooks {
		hookCfg := cfg
		if opts.dryRun {
			hookCfg = dryRunHooks(cfg)
		}
		dispatcher, err := hooks.FromConfig(ctx, hookCfg, rt.tel.Events, rt.logger)
		if err != nil {
			return nil, err
		}
		b.hooks = dispatcher
		schedOpts.Hooks = dispatcher
	}

	if cfg.Global.LogsDir != "" && !opts.dryRun {
		schedOpts.Sinks = fileSinks(cfg.Global.LogsDir)
	}

	executor := engine.NewProcessExecutor(cfg.ExecutorConfig(opts.dryRun), rt.logger)
	b.scheduler = engine.NewScheduler(table, executor, schedOpts, rt.logger)
	return b, nil
}

// dryRunHooks returns a copy of cfg for a dry run. The toolchain check is
// off because nothing is installed, and post hooks are dropped because
// they notify, relocate artifacts and run commands for work that never
// happened. Pre hooks still decide which projects would be built.
func dryRunHooks(cfg *config.Config) *config.Config {
	out := *cfg
	out.Hooks.Toolchain = false
	out.Hooks.Post = nil
	return &out
}

func (b *builder) close() {
	if b.hooks == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.hooks.Close(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to release hook handlers")
	}
}

// run detects and builds root once, then stores the report. Storage
// problems are logged; they never change the build result.
func (b *builder) run(ctx context.Context, root string) (*engine.BuildReport, error) {
	ctx, span := b.rt.tel.Tracer.StartBuildSpan(ctx, root, b.operations)

	detection, err := b.detector.Detect(ctx, root)
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		return nil, err
	}

	report := b.scheduler.Run(ctx, detection.Projects, b.operations, b.opts.parallel)
	report.Root = root
	report.Warnings = append(append([]engine.Warning(nil), detection.Warnings...), report.Warnings...)
	telemetry.EndBuildSpan(span, report)

	b.save(context.WithoutCancel(ctx), report)
	return report, nil
}

func (b *builder) save(ctx context.Context, report *engine.BuildReport) {
	if b.opts.dryRun {
		return
	}

	if dir := b.rt.cfg.Global.ResultsDir; dir != "" {
		path, err := stores.WriteReport(dir, report)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Failed to write build results")
		} else {
			b.logger.Debug().Str("path", path).Msg("Build results written")
		}
	}

	if b.rt.store != nil {
		if err := b.rt.store.SaveBuild(ctx, report); err != nil {
			b.logger.Warn().Err(err).Str("run_id", report.ID).Msg("Failed to record build")
		}
	}
}

func (b *builder) print(w io.Writer, report *engine.BuildReport) {
	if jsonOutput {
		if err := printJSON(w, report); err != nil {
			b.logger.Error().Err(err).Msg("Failed to encode report")
		}
		return
	}
	renderReport(w, report)
}

// watch rebuilds root after every settled burst of changes until ctx is
// cancelled. Changes under the results and logs directories are ignored.
func (b *builder) watch(ctx context.Context, root string, out io.Writer) error {
	cfg := b.rt.cfg
	skip := append([]string(nil), cfg.Global.SkipDirs...)
	for _, dir := range []string{cfg.Global.ResultsDir, cfg.Global.LogsDir} {
		if dir != "" {
			skip = append(skip, filepath.Base(dir))
		}
	}

	b.logger.Info().Str("root", root).Msg("Watching for changes")
	err := config.Watch(ctx, []string{root}, config.WatchOptions{SkipDirs: skip}, func(changed []string) {
		b.logger.Info().Int("files", len(changed)).Strs("changed", firstN(changed, 5)).Msg("Change detected, rebuilding")
		report, err := b.run(ctx, root)
		if err != nil {
			b.logger.Error().Err(err).Msg("Rebuild failed")
			return
		}
		b.print(out, report)
	}, b.logger)

	if ctx.Err() != nil {
		return interrupted()
	}
	return err
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// fileSinks writes each operation's output to
// <dir>/<project>/<operation>.log, appending across runs.
func fileSinks(dir string) engine.SinkFactory {
	return func(project engine.Project, operation string) (io.WriteCloser, error) {
		name := strings.ReplaceAll(project.ID, string(filepath.Separator), "__")
		if name == "." {
			name = "_root"
		}
		projectDir := filepath.Join(dir, name)
		if err := os.MkdirAll(projectDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(projectDir, operation+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open operation log: %w", err)
		}
		fmt.Fprintf(f, "==> %s %s %s\n", time.Now().Format(time.RFC3339), project.ID, operation)
		return f, nil
	}
}
