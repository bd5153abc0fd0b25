package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func shellProject(t *testing.T) Project {
	t.Helper()
	return Project{
		ID:        "svc",
		Path:      t.TempDir(),
		Language:  LanguageGo,
		Framework: "gin",
		Supported: true,
	}
}

func TestProcessExecutor_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		timeout  time.Duration
		outcome  Outcome
		exitCode int
	}{
		{"success", "true", 0, OutcomeSuccess, 0},
		{"failure", "exit 3", 0, OutcomeFailure, 3},
		{"alternatives", "false || true", 0, OutcomeSuccess, 0},
		{"missing tool", "definitely-not-a-real-tool-xyz", 0, OutcomeFailure, 127},
		{"timeout", "sleep 5", 200 * time.Millisecond, OutcomeTimedOut, -1},
	}

	exec := NewProcessExecutor(ExecutorConfig{}, zerolog.Nop())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := OperationSpec{Name: "build", Command: tt.command, Timeout: tt.timeout}
			result := exec.Execute(context.Background(), shellProject(t), spec, nil)

			if result.Outcome != tt.outcome {
				t.Fatalf("outcome = %s, want %s (reason %q)", result.Outcome, tt.outcome, result.Reason)
			}
			if result.ExitCode != tt.exitCode {
				t.Errorf("exit code = %d, want %d", result.ExitCode, tt.exitCode)
			}
			if result.Operation != "build" || result.ProjectID != "svc" {
				t.Errorf("result not attributed: %+v", result)
			}
		})
	}
}

func TestProcessExecutor_TimeoutKillsChildren(t *testing.T) {
	exec := NewProcessExecutor(ExecutorConfig{}, zerolog.Nop())
	spec := OperationSpec{Name: "test", Command: "sleep 10 & sleep 10; wait", Timeout: 200 * time.Millisecond}

	start := time.Now()
	result := exec.Execute(context.Background(), shellProject(t), spec, nil)

	if result.Outcome != OutcomeTimedOut {
		t.Fatalf("outcome = %s, want timed_out", result.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %s, process group was not killed", elapsed)
	}
}

func TestProcessExecutor_Placeholders(t *testing.T) {
	exec := NewProcessExecutor(ExecutorConfig{}, zerolog.Nop())
	project := shellProject(t)
	spec := OperationSpec{Name: "build", Command: "echo {language}/{framework} && pwd"}

	result := exec.Execute(context.Background(), project, spec, nil)
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %s: %s", result.Outcome, result.Reason)
	}
	if !strings.Contains(result.Output, "go/gin") {
		t.Errorf("output %q missing substituted placeholders", result.Output)
	}
	if !strings.Contains(result.Output, project.Path) {
		t.Errorf("command did not run in project directory: %q", result.Output)
	}
}

func TestProcessExecutor_OutputBoundAndSink(t *testing.T) {
	exec := NewProcessExecutor(ExecutorConfig{OutputLimit: 16}, zerolog.Nop())
	spec := OperationSpec{Name: "build", Command: "printf 'abcdefghijklmnopqrstuvwxyz'"}

	var sink bytes.Buffer
	result := exec.Execute(context.Background(), shellProject(t), spec, &sink)

	if result.Output != "abcdefghijklmnop" {
		t.Errorf("captured output = %q", result.Output)
	}
	if !result.Truncated {
		t.Error("expected truncated flag")
	}
	if sink.String() != "abcdefghijklmnopqrstuvwxyz" {
		t.Errorf("sink received %q, want full output", sink.String())
	}
}

// brokenSink fails every write.
type brokenSink struct {
	writes int
}

func (b *brokenSink) Write([]byte) (int, error) {
	b.writes++
	return 0, errors.New("disk full")
}

func TestProcessExecutor_SinkFailureDoesNotChangeOutcome(t *testing.T) {
	exec := NewProcessExecutor(ExecutorConfig{}, zerolog.Nop())
	sink := &brokenSink{}

	tests := []struct {
		command  string
		outcome  Outcome
		exitCode int
	}{
		{"echo hello; echo again; exit 0", OutcomeSuccess, 0},
		{"echo hello; exit 4", OutcomeFailure, 4},
	}
	for _, tt := range tests {
		spec := OperationSpec{Name: "test", Command: tt.command}
		result := exec.Execute(context.Background(), shellProject(t), spec, sink)

		if result.Outcome != tt.outcome || result.ExitCode != tt.exitCode {
			t.Errorf("%q: outcome = %s exit = %d (reason %q), want %s exit %d",
				tt.command, result.Outcome, result.ExitCode, result.Reason, tt.outcome, tt.exitCode)
		}
		if !strings.Contains(result.Output, "hello") {
			t.Errorf("%q: output not captured: %q", tt.command, result.Output)
		}
	}
	if sink.writes != 2 {
		t.Errorf("sink written %d times, want once per execution", sink.writes)
	}
}

func TestProcessExecutor_DryRun(t *testing.T) {
	exec := NewProcessExecutor(ExecutorConfig{DryRun: true}, zerolog.Nop())
	spec := OperationSpec{Name: "build", Command: "exit 1"}

	result := exec.Execute(context.Background(), shellProject(t), spec, nil)
	if result.Outcome != OutcomeSuccess {
		t.Errorf("dry-run outcome = %s, want success", result.Outcome)
	}
	if !strings.HasPrefix(result.Output, "[dry-run]") {
		t.Errorf("dry-run output = %q", result.Output)
	}
}

func TestResolveCommand(t *testing.T) {
	p := Project{Path: "/src/app", Language: LanguagePython, Framework: "django"}
	got := ResolveCommand("cd {path} && echo {name} {language} {framework}", p)
	want := "cd /src/app && echo app python django"
	if got != want {
		t.Errorf("ResolveCommand() = %q, want %q", got, want)
	}
}
