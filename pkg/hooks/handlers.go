package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/unibuild/unibuild/pkg/config"
	"github.com/unibuild/unibuild/pkg/engine"
)

// Handler runs one hook. input is hc encoded as JSON; the returned bytes
// are the handler's JSON response.
type Handler interface {
	Name() string
	Run(ctx context.Context, hc HookContext, input []byte) ([]byte, error)
}

// CommandHandler runs a shell command with the context on stdin and reads
// the response from stdout. It runs in the project directory.
type CommandHandler struct {
	name    string
	command string
	shell   string
}

// NewCommandHandler creates a handler for a shell command.
func NewCommandHandler(name, command string) *CommandHandler {
	return &CommandHandler{name: name, command: command, shell: "/bin/sh"}
}

func (h *CommandHandler) Name() string { return h.name }

func (h *CommandHandler) Run(ctx context.Context, hc HookContext, input []byte) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, h.shell, "-c", h.command)
	cmd.Dir = hc.Path
	cmd.Env = append(os.Environ(),
		"UNIBUILD_HOOK_PHASE="+string(hc.Phase),
		"UNIBUILD_PROJECT_ID="+hc.ProjectID,
		"UNIBUILD_LANGUAGE="+hc.Language,
	)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command %q: %w", h.command, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && msg != "" {
			return nil, fmt.Errorf("command exited with status %d: %s", exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("command %q: %w", h.command, err)
	}
	return stdout.Bytes(), nil
}

// StarlarkHandler evaluates a Starlark script. The script sees the
// context as the global "context" and the phase as "phase", and answers
// by assigning a dict to the global "result".
type StarlarkHandler struct {
	name      string
	script    string
	evaluator *config.StarlarkEvaluator
}

// NewStarlarkHandler creates a handler for the script at path.
func NewStarlarkHandler(name, path string, timeout time.Duration) *StarlarkHandler {
	return &StarlarkHandler{
		name:      name,
		script:    path,
		evaluator: config.NewStarlarkEvaluator(timeout),
	}
}

func (h *StarlarkHandler) Name() string { return h.name }

func (h *StarlarkHandler) Run(ctx context.Context, hc HookContext, input []byte) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(input, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode hook context: %w", err)
	}

	res, err := h.evaluator.EvaluateFile(ctx, h.script, map[string]interface{}{
		"context": doc,
		"phase":   string(hc.Phase),
	})
	if err != nil {
		return nil, err
	}

	result, ok := res.Output["result"]
	if !ok || result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}

// ToolchainCheck vetoes a project whose language toolchain binaries are
// not on PATH. It only acts in the pre phase.
type ToolchainCheck struct {
	table    engine.LanguageTable
	lookPath func(string) (string, error)
}

// NewToolchainCheck creates the built-in toolchain pre-hook.
func NewToolchainCheck(table engine.LanguageTable) *ToolchainCheck {
	return &ToolchainCheck{table: table, lookPath: exec.LookPath}
}

func (t *ToolchainCheck) Name() string { return "toolchain" }

func (t *ToolchainCheck) Run(_ context.Context, hc HookContext, _ []byte) ([]byte, error) {
	if hc.Phase != PhasePre {
		return nil, nil
	}

	var missing []string
	for _, bin := range t.table[engine.Language(hc.Language)].Toolchain {
		if _, err := t.lookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return json.Marshal(response{
		Skip:   true,
		Reason: "toolchain not found on PATH: " + strings.Join(missing, ", "),
	})
}
