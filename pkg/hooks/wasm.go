package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// DefaultMemoryLimitPages caps a hook module's memory at 16MB.
const DefaultMemoryLimitPages = 256

// WASMHandler runs a WASI command module. The context is written to the
// module's stdin and the response read from its stdout. Each run gets a
// fresh instance of the compiled module.
type WASMHandler struct {
	name     string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// LoadWASMHandler compiles the module at path.
func LoadWASMHandler(ctx context.Context, name, path string) (*WASMHandler, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wasm module: %w", err)
	}
	return NewWASMHandler(ctx, name, data)
}

// NewWASMHandler compiles a WASI module from its binary form.
func NewWASMHandler(ctx context.Context, name string, module []byte) (*WASMHandler, error) {
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(DefaultMemoryLimitPages).
		WithCloseOnContextDone(true)

	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, module)
	if err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module: %w", err)
	}

	return &WASMHandler{name: name, runtime: runtime, compiled: compiled}, nil
}

func (h *WASMHandler) Name() string { return h.name }

func (h *WASMHandler) Run(ctx context.Context, hc HookContext, input []byte) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithArgs(h.name, string(hc.Phase)).
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := h.runtime.InstantiateModule(ctx, h.compiled, moduleConfig)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return nil, fmt.Errorf("wasm module failed: %w: %s", err, msg)
			}
			return nil, fmt.Errorf("wasm module failed: %w", err)
		}
	}
	return stdout.Bytes(), nil
}

// Close releases the runtime and the compiled module.
func (h *WASMHandler) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
