package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/unibuild/unibuild/pkg/engine"
	"github.com/unibuild/unibuild/pkg/transports/ssh"
)

// Uploader copies local files to a remote host.
type Uploader interface {
	Upload(ctx context.Context, localPath, remotePath string) (int64, error)
	Close() error
}

// DialFunc opens an Uploader for a remote URL and returns the remote
// directory the URL names.
type DialFunc func(ctx context.Context, rawURL string) (Uploader, string, error)

// DialSFTP connects to an sftp://user@host[:port]/dir URL.
func DialSFTP(logger zerolog.Logger) DialFunc {
	return func(ctx context.Context, rawURL string) (Uploader, string, error) {
		cfg, dir, err := ssh.ParseURL(rawURL)
		if err != nil {
			return nil, "", err
		}
		client, err := ssh.NewClient(cfg, logger)
		if err != nil {
			return nil, "", err
		}
		if err := client.Connect(ctx); err != nil {
			return nil, "", err
		}
		return client, dir, nil
	}
}

// Effector applies hook effects.
type Effector struct {
	webhooks []string
	client   *http.Client
	dial     DialFunc
	logger   zerolog.Logger
}

// EffectorOptions configures an Effector.
type EffectorOptions struct {
	// Webhooks receive Notify messages. Without any, messages are logged.
	Webhooks []string

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	// Dial opens remote relocation targets. Defaults to DialSFTP.
	Dial DialFunc
}

// NewEffector creates an Effector.
func NewEffector(opts EffectorOptions, logger zerolog.Logger) *Effector {
	logger = logger.With().Str("component", "hook-effects").Logger()
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Dial == nil {
		opts.Dial = DialSFTP(logger)
	}
	return &Effector{
		webhooks: opts.Webhooks,
		client:   opts.HTTPClient,
		dial:     opts.Dial,
		logger:   logger,
	}
}

// Apply performs effect for the project described by hc.
func (e *Effector) Apply(ctx context.Context, hc HookContext, effect Effect) error {
	switch eff := effect.(type) {
	case RelocateArtifact:
		return e.relocate(ctx, hc, eff.Path)
	case Notify:
		return e.notify(ctx, hc, eff.Message)
	default:
		return fmt.Errorf("unsupported effect %T", effect)
	}
}

func (e *Effector) relocate(ctx context.Context, hc HookContext, target string) error {
	if len(hc.Artifacts) == 0 {
		return fmt.Errorf("relocate_artifact: project %s has no artifacts", hc.ProjectID)
	}

	if strings.HasPrefix(target, "sftp://") || strings.HasPrefix(target, "ssh://") {
		up, dir, err := e.dial(ctx, target)
		if err != nil {
			return fmt.Errorf("relocate_artifact: %w", err)
		}
		defer up.Close()

		for _, a := range hc.Artifacts {
			remote := path.Join(dir, filepath.Base(a.Path))
			if _, err := up.Upload(ctx, a.Path, remote); err != nil {
				return fmt.Errorf("relocate_artifact: upload %s: %w", a.Path, err)
			}
			e.logger.Info().Str("project", hc.ProjectID).Str("artifact", a.Path).Str("target", remote).Msg("Artifact uploaded")
		}
		return nil
	}

	dir := target
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(hc.Path, dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("relocate_artifact: %w", err)
	}
	for _, a := range hc.Artifacts {
		dst := filepath.Join(dir, filepath.Base(a.Path))
		if err := copyFile(a.Path, dst); err != nil {
			return fmt.Errorf("relocate_artifact: %w", err)
		}
		e.logger.Info().Str("project", hc.ProjectID).Str("artifact", a.Path).Str("target", dst).Msg("Artifact relocated")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// webhookPayload carries the message under both the Slack ("text") and
// Discord ("content") field names.
type webhookPayload struct {
	Text    string `json:"text"`
	Content string `json:"content"`
}

func (e *Effector) notify(ctx context.Context, hc HookContext, message string) error {
	text := fmt.Sprintf("[%s] %s", hc.ProjectID, message)
	if len(e.webhooks) == 0 {
		e.logger.Info().Str("project", hc.ProjectID).Str("phase", string(hc.Phase)).Msg(message)
		return nil
	}

	body, err := json.Marshal(webhookPayload{Text: text, Content: text})
	if err != nil {
		return err
	}

	var failed []string
	for _, url := range e.webhooks {
		if err := e.post(ctx, url, body); err != nil {
			e.logger.Warn().Err(err).Str("webhook", url).Msg("Notification failed")
			failed = append(failed, err.Error())
		}
	}
	if len(failed) > 0 {
		return engine.NewHookFailure("notify failed", fmt.Errorf("%s", strings.Join(failed, "; "))).
			WithResource(hc.ProjectID).
			WithDetail("failed_webhooks", len(failed))
	}
	return nil
}

func (e *Effector) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
