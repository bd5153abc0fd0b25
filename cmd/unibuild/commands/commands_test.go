package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/unibuild/unibuild/pkg/config"
	"github.com/unibuild/unibuild/pkg/deploy"
	"github.com/unibuild/unibuild/pkg/engine"
	"github.com/unibuild/unibuild/pkg/stores"
)

const testConfig = `
global:
  max_parallel: 2
  operations: [install, test, build]
  results_dir: %[1]s/results
  logs_dir: %[1]s/logs
languages:
  go:
    project_files: [go.mod]
    operations:
      install: {command: "true"}
      test: {command: "echo running tests; exit 3"}
      build: {command: "true"}
  python:
    project_files: [pyproject.toml]
    operations:
      install: {command: "true"}
      test: {command: "echo ok"}
      build: {command: "true"}
environments:
  staging:
    type: kubernetes
    replicas: 2
    health_check: {path: /healthz, port: 8080}
    backend: {type: dry-run}
  production:
    type: kubernetes
    replicas: 3
    health_check: {path: /healthz, port: 8080}
    backend: {type: dry-run}
strategies:
  blue_green:
    health_check_interval: 1ms
    healthy_threshold: 1
    switch_traffic_delay: 1ms
    verify_window: 1ms
hooks:
  toolchain: false
telemetry:
  log_level: error
store:
  enabled: true
  path: %[1]s/history.db
`

// workspace creates a tree with a failing go project and a passing
// python project, plus a config that keeps all state inside the tree.
func workspace(t *testing.T) (root, cfgPath string) {
	t.Helper()
	root = t.TempDir()
	for path, content := range map[string]string{
		"svc/go.mod":          "module svc\n",
		"ml/pyproject.toml":   "[project]\nname = \"ml\"\n",
		"docs/readme.md":      "nothing to build\n",
		".unibuild/.keep":     "",
		"svc/node_modules/x":  "",
		"ml/.venv/pyvenv.cfg": "",
	} {
		full := filepath.Join(root, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cfgPath = filepath.Join(root, "unibuild.yaml")
	if err := os.WriteFile(cfgPath, []byte(fmt.Sprintf(testConfig, root)), 0o644); err != nil {
		t.Fatal(err)
	}
	return root, cfgPath
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDetectCommand(t *testing.T) {
	root, cfg := workspace(t)

	out, err := runCLI(t, "detect", "--config", cfg, "--json", root)
	if err != nil {
		t.Fatalf("detect: %v\n%s", err, out)
	}

	var result engine.DetectionResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(result.Projects) != 2 {
		t.Fatalf("expected 2 projects, got %+v", result.Projects)
	}
	if result.Projects[0].ID != "ml" || result.Projects[1].ID != "svc" {
		t.Errorf("projects not sorted by ID: %s, %s", result.Projects[0].ID, result.Projects[1].ID)
	}
}

func TestBuildCommand(t *testing.T) {
	root, cfg := workspace(t)

	out, err := runCLI(t, "build", "--config", cfg, root)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != ExitFailure {
		t.Fatalf("expected exit code 1, got %v\n%s", err, out)
	}
	if !strings.Contains(out, "PARTIAL") {
		t.Errorf("expected partial summary in output:\n%s", out)
	}

	report, err := stores.ReadReport(filepath.Join(root, "results", stores.LatestReportFile))
	if err != nil {
		t.Fatalf("results file: %v", err)
	}
	if report.TotalProjects != 2 || report.Successful != 1 || report.Failed != 1 {
		t.Errorf("unexpected counts: %+v", report)
	}
	for _, r := range report.Results {
		if r.ProjectID == "svc" && r.Operation == engine.OperationBuild {
			if r.Outcome != engine.OutcomeSkipped {
				t.Errorf("build after failed test should be skipped, got %s", r.Outcome)
			}
		}
	}

	log, err := os.ReadFile(filepath.Join(root, "logs", "svc", "test.log"))
	if err != nil {
		t.Fatalf("operation log: %v", err)
	}
	if !strings.Contains(string(log), "running tests") {
		t.Errorf("operation output not in log:\n%s", log)
	}

	out, err = runCLI(t, "history", "builds", "--config", cfg, "--json")
	if err != nil {
		t.Fatalf("history builds: %v\n%s", err, out)
	}
	var builds []stores.BuildRecord
	if err := json.Unmarshal([]byte(out), &builds); err != nil {
		t.Fatalf("invalid JSON output: %v\n%s", err, out)
	}
	if len(builds) != 1 || builds[0].ID != report.ID {
		t.Errorf("expected the build in history, got %+v", builds)
	}
}

func TestBuildCommand_DryRun(t *testing.T) {
	root, cfg := workspace(t)

	out, err := runCLI(t, "build", "--config", cfg, "--dry-run", "--ops", "install,test", root)
	if err != nil {
		t.Fatalf("dry run should succeed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "SUCCEEDED") {
		t.Errorf("expected success summary:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(root, "results")); !os.IsNotExist(err) {
		t.Error("dry run must not write results")
	}
}

func TestBuildCommand_DryRunSkipsPostHooks(t *testing.T) {
	root, cfg := workspace(t)
	marker := filepath.Join(root, "post-hook-ran")

	data, err := os.ReadFile(cfg)
	if err != nil {
		t.Fatal(err)
	}
	withHook := strings.Replace(string(data), "hooks:\n  toolchain: false\n",
		fmt.Sprintf("hooks:\n  toolchain: false\n  post:\n    - {name: mark, kind: command, command: \"touch %s\"}\n", marker), 1)
	if err := os.WriteFile(cfg, []byte(withHook), 0o644); err != nil {
		t.Fatal(err)
	}

	if out, err := runCLI(t, "build", "--config", cfg, "--dry-run", root); err != nil {
		t.Fatalf("dry run should succeed: %v\n%s", err, out)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Fatal("post hook ran during a dry run")
	}

	if _, err := runCLI(t, "build", "--config", cfg, "--ops", "install", root); err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("post hook did not run for a real build: %v", err)
	}
}

func TestDeployCommand_DryRun(t *testing.T) {
	_, cfg := workspace(t)

	out, err := runCLI(t, "deploy", "--config", cfg, "--dry-run",
		"--env", "staging", "--service", "api", "--artifact", "api:2.0")
	if err != nil {
		t.Fatalf("deploy: %v\n%s", err, out)
	}
	if !strings.Contains(out, "COMPLETED") {
		t.Errorf("expected completed deployment:\n%s", out)
	}
}

func TestDeployCommand_AlternatesColours(t *testing.T) {
	_, cfg := workspace(t)

	var targets []string
	for _, artifact := range []string{"api:2.0", "api:2.1", "api:2.2"} {
		out, err := runCLI(t, "deploy", "--config", cfg, "--json",
			"--env", "staging", "--service", "api", "--artifact", artifact)
		if err != nil {
			t.Fatalf("deploy %s: %v\n%s", artifact, err, out)
		}
		var state deploy.State
		if err := json.Unmarshal([]byte(out), &state); err != nil {
			t.Fatalf("invalid JSON output: %v\n%s", err, out)
		}
		if state.Target != state.LiveTarget {
			t.Errorf("%s: target %s but live %s", artifact, state.Target, state.LiveTarget)
		}
		targets = append(targets, state.Target)
	}

	if want := []string{deploy.TargetGreen, deploy.TargetBlue, deploy.TargetGreen}; strings.Join(targets, ",") != strings.Join(want, ",") {
		t.Errorf("provisioned %v, want %v", targets, want)
	}
}

func TestDeployCommand_PolicyRejection(t *testing.T) {
	_, cfg := workspace(t)

	out, err := runCLI(t, "deploy", "--config", cfg, "--dry-run",
		"--env", "production", "--service", "api", "--artifact", "api:latest")
	if ExitCode(context.Background(), err) != ExitConfig {
		t.Fatalf("expected configuration exit code, got %v\n%s", err, out)
	}
}

func TestDeployCommand_UnknownEnvironment(t *testing.T) {
	_, cfg := workspace(t)

	_, err := runCLI(t, "deploy", "--config", cfg,
		"--env", "qa", "--service", "api", "--artifact", "api:2.0")
	if !engine.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	_, cfg := workspace(t)

	out, err := runCLI(t, "validate", "--config", cfg)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "configuration valid") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = runCLI(t, "validate", "--config", cfg, "--env", "production", "--service", "api", "--artifact", "api:latest")
	if ExitCode(context.Background(), err) != ExitConfig {
		t.Errorf("expected rejection, got %v\n%s", err, out)
	}

	bad := filepath.Join(t.TempDir(), "unibuild.yaml")
	if err := os.WriteFile(bad, []byte("global:\n  max_parallel: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCLI(t, "validate", "--config", bad); ExitCode(context.Background(), err) != ExitConfig {
		t.Errorf("expected configuration exit code for invalid file, got %v", err)
	}
}

func TestInitCommand(t *testing.T) {
	root := t.TempDir()

	out, err := runCLI(t, "init", root)
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}
	cfgPath := filepath.Join(root, "unibuild.yaml")
	if _, err := config.Load(cfgPath); err != nil {
		t.Fatalf("starter config does not load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ".unibuild", "history.db")); err != nil {
		t.Errorf("history database not created: %v", err)
	}

	if _, err := runCLI(t, "init", root); err == nil {
		t.Error("expected init to refuse to overwrite")
	}
	if _, err := runCLI(t, "init", "--force", root); err != nil {
		t.Errorf("init --force: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want int
	}{
		{"nil", context.Background(), nil, ExitOK},
		{"exit error", context.Background(), &ExitError{Code: 7}, 7},
		{"configuration", context.Background(), engine.NewConfigurationError("bad", nil), ExitConfig},
		{"wrapped configuration", context.Background(), fmt.Errorf("load: %w", engine.NewConfigurationError("bad", nil)), ExitConfig},
		{"interrupted", cancelled, errors.New("boom"), ExitInterrupted},
		{"other", context.Background(), errors.New("boom"), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.ctx, tt.err); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := config.EnvironmentConfig{
		Namespace: "prod",
		Replicas:  2,
		HealthCheck: config.HealthCheckConfig{
			Port:  8080,
			Hosts: map[string]string{deploy.TargetGreen: "10.0.0.7"},
		},
	}
	plan := deploy.Plan{Service: "api", Environment: deploy.Environment{Replicas: 2}}

	endpoints := healthEndpoints(env, plan)
	want := map[string]string{
		deploy.TargetBlue:  "http://api-blue.prod:8080",
		deploy.TargetGreen: "http://10.0.0.7:8080",
		"api-1":            "http://api-1.prod:8080",
	}
	for target, url := range want {
		if endpoints[target] != url {
			t.Errorf("endpoint %s = %q, want %q", target, endpoints[target], url)
		}
	}
}
