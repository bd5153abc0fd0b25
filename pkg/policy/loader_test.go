package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoader_LoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "team")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	files := map[string]string{
		"freeze.rego":       "# Change freeze.\n\npackage freeze\n\ndeny contains \"frozen\" if { true }\n",
		"team/quota.json":   `{"name": "quota", "rego": "package quota\n", "severity": "warning", "enabled": true}`,
		"team/unnamed.json": `{"rego": "package unnamed\n", "enabled": true}`,
		"team/notes.txt":    "not a policy",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 3 {
		t.Fatalf("loaded %d policies, want 3", len(policies))
	}

	byName := make(map[string]Policy)
	for _, p := range policies {
		byName[p.Name] = p
	}

	freeze := byName["freeze"]
	if freeze.Description != "Change freeze." || freeze.Severity != SeverityError || !freeze.Enabled {
		t.Errorf("freeze = %+v", freeze)
	}
	if freeze.Source != filepath.Join(dir, "freeze.rego") {
		t.Errorf("source = %s", freeze.Source)
	}
	if byName["quota"].Severity != SeverityWarning {
		t.Errorf("quota severity = %s", byName["quota"].Severity)
	}
	if p, ok := byName["unnamed"]; !ok || p.Severity != SeverityError {
		t.Errorf("unnamed policy = %+v, %v", p, ok)
	}
}

func TestLoader_MissingPath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestLoader_BadJSONInDirectoryIsSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 0 {
		t.Errorf("policies = %+v, want none", policies)
	}
}

func TestExtractDescription(t *testing.T) {
	content := "# First line.\n# Second line.\n\npackage x\n# not part of it\n"
	if got := extractDescription(content); got != "First line. Second line." {
		t.Errorf("description = %q", got)
	}
}
