package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/unibuild/unibuild/pkg/config"
	"github.com/unibuild/unibuild/pkg/engine"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

func artifactContext(t *testing.T) HookContext {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "bin", "api")
	if err := os.MkdirAll(filepath.Dir(bin), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bin, []byte("ELF"), 0o755); err != nil {
		t.Fatal(err)
	}
	hc := NewHookContext(PhasePost, engine.Project{ID: "api", Path: dir, Language: engine.LanguageGo})
	hc.Artifacts = []engine.Artifact{{Path: bin, Size: 3}}
	return hc
}

func TestEffector_RelocateLocal(t *testing.T) {
	hc := artifactContext(t)
	e := NewEffector(EffectorOptions{}, testLogger())

	if err := e.Apply(context.Background(), hc, RelocateArtifact{Path: "dist"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	got, err := os.ReadFile(filepath.Join(hc.Path, "dist", "api"))
	if err != nil || string(got) != "ELF" {
		t.Errorf("relocated artifact = %q, err = %v", got, err)
	}

	abs := t.TempDir()
	if err := e.Apply(context.Background(), hc, RelocateArtifact{Path: abs}); err != nil {
		t.Fatalf("Apply to absolute dir failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(abs, "api")); err != nil {
		t.Errorf("artifact missing in absolute target: %v", err)
	}
}

func TestEffector_RelocateWithoutArtifacts(t *testing.T) {
	e := NewEffector(EffectorOptions{}, testLogger())
	hc := NewHookContext(PhasePost, engine.Project{ID: "api", Path: t.TempDir()})
	if err := e.Apply(context.Background(), hc, RelocateArtifact{Path: "dist"}); err == nil {
		t.Error("expected error for a project without artifacts")
	}
}

type fakeUploader struct {
	mu       sync.Mutex
	uploads  map[string]string
	closed   bool
	failWith error
}

func (f *fakeUploader) Upload(_ context.Context, local, remote string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return 0, f.failWith
	}
	f.uploads[remote] = local
	return 3, nil
}

func (f *fakeUploader) Close() error {
	f.closed = true
	return nil
}

func TestEffector_RelocateRemote(t *testing.T) {
	hc := artifactContext(t)
	up := &fakeUploader{uploads: map[string]string{}}

	var dialed string
	e := NewEffector(EffectorOptions{
		Dial: func(_ context.Context, raw string) (Uploader, string, error) {
			dialed = raw
			return up, "/srv/releases", nil
		},
	}, testLogger())

	target := "sftp://deploy@files.example.com/srv/releases"
	if err := e.Apply(context.Background(), hc, RelocateArtifact{Path: target}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if dialed != target {
		t.Errorf("dialed %q", dialed)
	}
	if up.uploads["/srv/releases/api"] != hc.Artifacts[0].Path {
		t.Errorf("uploads = %v", up.uploads)
	}
	if !up.closed {
		t.Error("uploader was not closed")
	}

	up.failWith = errors.New("permission denied")
	if err := e.Apply(context.Background(), hc, RelocateArtifact{Path: target}); err == nil || !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("err = %v", err)
	}
}

func TestEffector_Notify(t *testing.T) {
	var mu sync.Mutex
	var received []webhookPayload
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var p webhookPayload
		_ = json.Unmarshal(body, &p)
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(received)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	hc := NewHookContext(PhasePost, engine.Project{ID: "api"})

	e := NewEffector(EffectorOptions{Webhooks: []string{ok.URL}}, testLogger())
	if err := e.Apply(context.Background(), hc, Notify{Message: "build done"}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if count() != 1 || received[0].Text != "[api] build done" || received[0].Content != received[0].Text {
		t.Errorf("received = %+v", received)
	}

	e = NewEffector(EffectorOptions{Webhooks: []string{ok.URL, failing.URL}}, testLogger())
	err := e.Apply(context.Background(), hc, Notify{Message: "again"})
	if engine.KindOf(err) != engine.KindHook {
		t.Errorf("err = %v, want hook failure", err)
	}
	if count() != 2 {
		t.Errorf("healthy webhook should still be called, got %d", len(received))
	}

	logOnly := NewEffector(EffectorOptions{}, testLogger())
	if err := logOnly.Apply(context.Background(), hc, Notify{Message: "quiet"}); err != nil {
		t.Errorf("logging notify failed: %v", err)
	}
}

func TestFromConfig(t *testing.T) {
	script := filepath.Join(t.TempDir(), "gate.star")
	if err := os.WriteFile(script, []byte(`result = {"skip": context["project_id"] == "frozen"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Hooks.Toolchain = false
	cfg.Hooks.Pre = []config.HookConfig{
		{Name: "gate", Kind: "starlark", Script: script},
		{Name: "py-lint", Kind: "command", Command: "exit 0", Languages: []string{"python"}},
	}
	cfg.Hooks.Post = []config.HookConfig{
		{Name: "announce", Kind: "command", Command: `echo '{"effects":[{"type":"notify","message":"done"}]}'`},
	}

	d, err := FromConfig(context.Background(), cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	defer d.Close(context.Background())

	if d.Len(PhasePre) != 2 || d.Len(PhasePost) != 1 {
		t.Fatalf("registered pre=%d post=%d", d.Len(PhasePre), d.Len(PhasePost))
	}

	frozen := engine.Project{ID: "frozen", Path: t.TempDir(), Language: engine.LanguageGo}
	if !d.Pre(context.Background(), frozen).Skip {
		t.Error("starlark gate did not veto")
	}
	if w := d.Post(context.Background(), frozen, nil, nil); len(w) != 0 {
		t.Errorf("post warnings = %+v", w)
	}
}

func TestFromConfig_Toolchain(t *testing.T) {
	cfg := config.DefaultConfig()
	d, err := FromConfig(context.Background(), cfg, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if d.Len(PhasePre) != 1 {
		t.Errorf("toolchain check not registered")
	}
}

func TestFromConfig_BadModule(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Hooks.Post = []config.HookConfig{{Name: "mod", Kind: "wasm", Module: filepath.Join(t.TempDir(), "missing.wasm")}}

	_, err := FromConfig(context.Background(), cfg, nil, testLogger())
	if !engine.IsConfigurationError(err) {
		t.Errorf("err = %v, want configuration error", err)
	}
}
