package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func testTable() LanguageTable {
	ops := func(names ...string) map[string]OperationSpec {
		m := make(map[string]OperationSpec, len(names))
		for _, n := range names {
			m[n] = OperationSpec{Name: n, Command: "true"}
		}
		return m
	}
	return LanguageTable{
		LanguageJavaScript: {
			Language:     LanguageJavaScript,
			ProjectFiles: []string{"package.json"},
			FilePatterns: []string{"*.js"},
			Frameworks:   []Framework{{Name: "next", Files: []string{"next.config.js"}}},
			Operations:   ops("install", "test", "build"),
		},
		LanguageTypeScript: {
			Language:     LanguageTypeScript,
			ProjectFiles: []string{"tsconfig.json"},
			Priority:     10,
			Operations:   ops("install", "test", "build"),
		},
		LanguagePython: {
			Language:     LanguagePython,
			ProjectFiles: []string{"requirements.txt", "setup.py", "pyproject.toml"},
			FilePatterns: []string{"*.py"},
			Operations:   ops("install", "test"),
		},
		LanguageGo: {
			Language:     LanguageGo,
			ProjectFiles: []string{"go.mod"},
			Operations:   ops("install", "test", "build"),
		},
		LanguageShell: {
			Language:     LanguageShell,
			FilePatterns: []string{"*.sh"},
			Operations:   ops("lint"),
		},
		Language("elixir"): {
			Language:     Language("elixir"),
			ProjectFiles: []string{"mix.exs"},
			Operations:   ops("build"),
		},
	}
}

func writeFiles(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		path := filepath.Join(root, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
}

func detectIDs(result *DetectionResult) map[string]Project {
	out := make(map[string]Project, len(result.Projects))
	for _, p := range result.Projects {
		out[p.ID] = p
	}
	return out
}

func TestDetector_Detect(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root,
		"web/package.json",
		"web/next.config.js",
		"web/node_modules/dep/package.json",
		"api/requirements.txt",
		"api/setup.py",
		"api/app.py",
		"svc/go.mod",
		"svc/tools/go.mod",
		"scripts/a.sh", "scripts/b.sh", "scripts/c.sh",
		"two-scripts/a.sh", "two-scripts/b.sh",
		"ui/package.json", "ui/tsconfig.json",
		"legacy/mix.exs",
		"docs/README.md",
	)

	d := NewDetector(testTable(), DetectorOptions{}, zerolog.Nop())
	result, err := d.Detect(context.Background(), root)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	projects := detectIDs(result)

	tests := []struct {
		id         string
		language   Language
		framework  string
		confidence float64
		markers    int
		supported  bool
	}{
		{"web", LanguageJavaScript, "next", 0.9, 1, true},
		{"api", LanguagePython, "", 0.9, 2, true},
		{"svc", LanguageGo, "", 0.9, 1, true},
		{"svc/tools", LanguageGo, "", 0.9, 1, true},
		{"scripts", LanguageShell, "", 0.6, 0, true},
		{"ui", LanguageTypeScript, "", 0.9, 1, true},
		{"legacy", Language("elixir"), "", 0.9, 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			p, ok := projects[tt.id]
			if !ok {
				t.Fatalf("project %s not detected", tt.id)
			}
			if p.Language != tt.language {
				t.Errorf("language = %s, want %s", p.Language, tt.language)
			}
			if p.Framework != tt.framework {
				t.Errorf("framework = %q, want %q", p.Framework, tt.framework)
			}
			if p.Confidence != tt.confidence {
				t.Errorf("confidence = %v, want %v", p.Confidence, tt.confidence)
			}
			if p.MarkerCount != tt.markers {
				t.Errorf("marker count = %d, want %d", p.MarkerCount, tt.markers)
			}
			if p.Supported != tt.supported {
				t.Errorf("supported = %v, want %v", p.Supported, tt.supported)
			}
		})
	}

	for _, id := range []string{"web/node_modules/dep", "two-scripts", "docs"} {
		if _, ok := projects[id]; ok {
			t.Errorf("unexpected project %s", id)
		}
	}

	for i := 1; i < len(result.Projects); i++ {
		if result.Projects[i-1].ID >= result.Projects[i].ID {
			t.Fatalf("projects not sorted: %s before %s", result.Projects[i-1].ID, result.Projects[i].ID)
		}
	}

	if got := result.Unsupported(); len(got) != 1 || got[0] != "legacy" {
		t.Errorf("Unsupported() = %v, want [legacy]", got)
	}
}

func TestDetector_OperationsOrdered(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, "go.mod")

	d := NewDetector(testTable(), DetectorOptions{}, zerolog.Nop())
	result, err := d.Detect(context.Background(), root)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(result.Projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(result.Projects))
	}
	p := result.Projects[0]
	if p.ID != "." {
		t.Errorf("root project ID = %q, want \".\"", p.ID)
	}
	want := []string{"install", "test", "build"}
	if len(p.Operations) != len(want) {
		t.Fatalf("operations = %v, want %v", p.Operations, want)
	}
	for i := range want {
		if p.Operations[i] != want[i] {
			t.Errorf("operations[%d] = %s, want %s", i, p.Operations[i], want[i])
		}
	}
}

func TestDetector_ExcludeAndMinConfidence(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root,
		"vendor/lib/go.mod",
		"scripts/a.sh", "scripts/b.sh", "scripts/c.sh",
		"app/go.mod",
	)

	d := NewDetector(testTable(), DetectorOptions{
		Exclude:       []string{"vendor/*"},
		MinConfidence: 0.8,
	}, zerolog.Nop())
	result, err := d.Detect(context.Background(), root)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	projects := detectIDs(result)
	if _, ok := projects["vendor/lib"]; ok {
		t.Error("excluded path was detected")
	}
	if _, ok := projects["scripts"]; ok {
		t.Error("pattern match below min confidence was detected")
	}
	if _, ok := projects["app"]; !ok {
		t.Error("app project missing")
	}
}

func TestDetector_UnreadableDirectoryIsWarning(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	root := t.TempDir()
	writeFiles(t, root, "ok/go.mod", "locked/go.mod")
	locked := filepath.Join(root, "locked")
	if err := os.Chmod(locked, 0o000); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	d := NewDetector(testTable(), DetectorOptions{}, zerolog.Nop())
	result, err := d.Detect(context.Background(), root)
	if err != nil {
		t.Fatalf("Detect should not fail on unreadable subdirectory: %v", err)
	}

	if _, ok := detectIDs(result)["ok"]; !ok {
		t.Error("readable sibling was not detected")
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(result.Warnings))
	}
	if result.Warnings[0].Kind != KindDetection {
		t.Errorf("warning kind = %s, want %s", result.Warnings[0].Kind, KindDetection)
	}
}

func TestDetector_MissingRoot(t *testing.T) {
	d := NewDetector(testTable(), DetectorOptions{}, zerolog.Nop())
	_, err := d.Detect(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
