package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatch_DebouncesChanges(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "node_modules"), 0o755); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan []string, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, []string{dir}, WatchOptions{
			SkipDirs: []string{"node_modules"},
			Debounce: 100 * time.Millisecond,
		}, func(changed []string) { changes <- changed }, zerolog.Nop())
	}()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "node_modules", "ignored.js"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a.go", "b.go"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("package x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case changed := <-changes:
		seen := make(map[string]bool)
		for _, p := range changed {
			seen[filepath.Base(p)] = true
		}
		if !seen["a.go"] || !seen["b.go"] {
			t.Errorf("changed = %v, want a.go and b.go in one batch", changed)
		}
		if seen["ignored.js"] {
			t.Errorf("skipped directory reported: %v", changed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop")
	}
}

func TestWatch_MissingPath(t *testing.T) {
	err := Watch(context.Background(), []string{filepath.Join(t.TempDir(), "nope")}, WatchOptions{}, func([]string) {}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error")
	}
}
