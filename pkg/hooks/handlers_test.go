package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/unibuild/unibuild/pkg/engine"
)

func encode(t *testing.T, hc HookContext) []byte {
	t.Helper()
	data, err := json.Marshal(hc)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestCommandHandler(t *testing.T) {
	dir := t.TempDir()
	hc := NewHookContext(PhasePre, engine.Project{ID: "web", Path: dir, Language: engine.LanguageTypeScript})

	t.Run("reads stdin and env", func(t *testing.T) {
		h := NewCommandHandler("echo", `grep -q '"project_id":"web"' && printf '{"skip":true,"reason":"%s %s"}' "$UNIBUILD_HOOK_PHASE" "$(basename "$PWD")"`)
		out, err := h.Run(context.Background(), hc, encode(t, hc))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		resp, _, _, err := parseResponse(out)
		if err != nil {
			t.Fatalf("bad response %q: %v", out, err)
		}
		want := "pre " + filepath.Base(dir)
		if !resp.Skip || resp.Reason != want {
			t.Errorf("response = %+v, want reason %q", resp, want)
		}
	})

	t.Run("non-zero exit", func(t *testing.T) {
		h := NewCommandHandler("fail", "echo broken >&2; exit 4")
		_, err := h.Run(context.Background(), hc, encode(t, hc))
		if err == nil || !strings.Contains(err.Error(), "status 4: broken") {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		h := NewCommandHandler("sleep", "sleep 5")
		_, err := h.Run(ctx, hc, encode(t, hc))
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v, want deadline exceeded", err)
		}
	})
}

func TestStarlarkHandler(t *testing.T) {
	script := filepath.Join(t.TempDir(), "gate.star")
	src := `
_FROZEN = ["legacy"]

def _decide(ctx, phase):
    if ctx["project_id"] in _FROZEN:
        return {"skip": True, "reason": "frozen in " + phase}
    return {"effects": [{"type": "notify", "message": "building " + ctx["language"]}]}

result = _decide(context, phase)
`
	if err := os.WriteFile(script, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewStarlarkHandler("gate", script, time.Second)

	legacy := NewHookContext(PhasePre, engine.Project{ID: "legacy", Language: engine.LanguageJava})
	out, err := h.Run(context.Background(), legacy, encode(t, legacy))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	resp, _, _, err := parseResponse(out)
	if err != nil || !resp.Skip || resp.Reason != "frozen in pre" {
		t.Errorf("response = %+v, err = %v", resp, err)
	}

	api := NewHookContext(PhasePre, engine.Project{ID: "api", Language: engine.LanguageGo})
	out, err = h.Run(context.Background(), api, encode(t, api))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	_, effects, _, err := parseResponse(out)
	if err != nil || len(effects) != 1 {
		t.Fatalf("effects = %v, err = %v", effects, err)
	}
	if n := effects[0].(Notify); n.Message != "building go" {
		t.Errorf("notify = %+v", n)
	}
}

func TestStarlarkHandler_NoResult(t *testing.T) {
	script := filepath.Join(t.TempDir(), "noop.star")
	if err := os.WriteFile(script, []byte("x = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewStarlarkHandler("noop", script, time.Second)
	hc := NewHookContext(PhasePost, engine.Project{ID: "a"})
	out, err := h.Run(context.Background(), hc, encode(t, hc))
	if err != nil || len(out) != 0 {
		t.Errorf("out = %q, err = %v", out, err)
	}
}

func TestToolchainCheck(t *testing.T) {
	table := engine.LanguageTable{
		engine.LanguageRust: {Language: engine.LanguageRust, Toolchain: []string{"cargo", "rustc"}},
	}
	check := NewToolchainCheck(table)
	check.lookPath = func(bin string) (string, error) {
		if bin == "cargo" {
			return "/usr/bin/cargo", nil
		}
		return "", errors.New("not found")
	}

	pre := NewHookContext(PhasePre, engine.Project{ID: "crate", Language: engine.LanguageRust})
	out, err := check.Run(context.Background(), pre, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, _, _, _ := parseResponse(out)
	if !resp.Skip || resp.Reason != "toolchain not found on PATH: rustc" {
		t.Errorf("response = %+v", resp)
	}

	post := pre
	post.Phase = PhasePost
	if out, _ := check.Run(context.Background(), post, nil); len(out) != 0 {
		t.Errorf("post phase should be a no-op, got %q", out)
	}

	other := NewHookContext(PhasePre, engine.Project{ID: "x", Language: engine.LanguageShell})
	if out, _ := check.Run(context.Background(), other, nil); len(out) != 0 {
		t.Errorf("language without toolchain should pass, got %q", out)
	}
}
