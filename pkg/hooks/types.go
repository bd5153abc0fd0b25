package hooks

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/unibuild/unibuild/pkg/engine"
)

// Phase is when a hook runs relative to the project pipeline.
type Phase string

const (
	PhasePre  Phase = "pre"
	PhasePost Phase = "post"
)

// HookContext is the document handed to every handler.
type HookContext struct {
	Phase      Phase                    `json:"phase"`
	ProjectID  string                   `json:"project_id"`
	Language   string                   `json:"language"`
	Path       string                   `json:"path"`
	Framework  string                   `json:"framework,omitempty"`
	Operations []string                 `json:"operations,omitempty"`
	Results    []engine.ExecutionResult `json:"results,omitempty"`
	Artifacts  []engine.Artifact        `json:"artifacts,omitempty"`
}

// NewHookContext builds the context for project.
func NewHookContext(phase Phase, project engine.Project) HookContext {
	return HookContext{
		Phase:      phase,
		ProjectID:  project.ID,
		Language:   string(project.Language),
		Path:       project.Path,
		Framework:  project.Framework,
		Operations: project.Operations,
	}
}

// Effect is a side effect declared by a hook. The set is closed: only
// types in this package implement it.
type Effect interface {
	effectType() string
}

// Effect type names as they appear on the wire.
const (
	EffectRelocateArtifact = "relocate_artifact"
	EffectNotify           = "notify"
)

// RelocateArtifact copies the project's collected artifacts to Path, a
// local directory or an sftp:// URL.
type RelocateArtifact struct {
	Path string
}

func (RelocateArtifact) effectType() string { return EffectRelocateArtifact }

// Notify posts Message to the configured webhooks.
type Notify struct {
	Message string
}

func (Notify) effectType() string { return EffectNotify }

// Outcome is the merged result of every hook run for one phase.
type Outcome struct {
	Skip     bool
	Reason   string
	Effects  []Effect
	Warnings []engine.Warning
}

type rawEffect struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

type response struct {
	Skip    bool        `json:"skip"`
	Reason  string      `json:"reason"`
	Effects []rawEffect `json:"effects"`
}

// parseResponse decodes a handler's output. Empty output is an empty
// response. Effects that fail validation are returned as problems next to
// the effects that passed.
func parseResponse(data []byte) (response, []Effect, []string, error) {
	var resp response
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return resp, nil, nil, nil
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return response{}, nil, nil, fmt.Errorf("malformed response: %w", err)
	}

	var effects []Effect
	var problems []string
	for i, raw := range resp.Effects {
		switch raw.Type {
		case EffectRelocateArtifact:
			if raw.Path == "" {
				problems = append(problems, fmt.Sprintf("effect %d: relocate_artifact requires a path", i))
				continue
			}
			effects = append(effects, RelocateArtifact{Path: raw.Path})
		case EffectNotify:
			if raw.Message == "" {
				problems = append(problems, fmt.Sprintf("effect %d: notify requires a message", i))
				continue
			}
			effects = append(effects, Notify{Message: raw.Message})
		default:
			problems = append(problems, fmt.Sprintf("effect %d: unknown effect type %q", i, raw.Type))
		}
	}
	return resp, effects, problems, nil
}
