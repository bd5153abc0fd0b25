package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unibuild/unibuild/pkg/config"
	"github.com/unibuild/unibuild/pkg/engine"
)

// DefaultTimeout bounds a single handler run.
const DefaultTimeout = 30 * time.Second

// EffectApplier applies a validated effect.
type EffectApplier interface {
	Apply(ctx context.Context, hc HookContext, effect Effect) error
}

type binding struct {
	handler   Handler
	languages map[string]bool
	timeout   time.Duration
}

func (b binding) applies(language string) bool {
	return len(b.languages) == 0 || b.languages[language]
}

// Options configures a Dispatcher.
type Options struct {
	// Effects applies hook effects. Without one, effects are dropped with
	// a warning.
	Effects EffectApplier

	// Events receives a hook_warning event per warning.
	Events engine.EventPublisher

	// Timeout is the per-handler default. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Dispatcher runs the registered handlers of a phase in registration
// order. It implements engine.PipelineHooks.
type Dispatcher struct {
	pre    []binding
	post   []binding
	opts   Options
	closer []func(context.Context) error
	logger zerolog.Logger
}

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher(opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Dispatcher{
		opts:   opts,
		logger: logger.With().Str("component", "hooks").Logger(),
	}
}

// Register adds h to phase. When languages is non-empty the handler only
// runs for projects in one of them. A zero timeout uses the default.
func (d *Dispatcher) Register(phase Phase, h Handler, timeout time.Duration, languages ...string) {
	b := binding{handler: h, timeout: timeout}
	if len(languages) > 0 {
		b.languages = make(map[string]bool, len(languages))
		for _, l := range languages {
			b.languages[l] = true
		}
	}
	if phase == PhasePre {
		d.pre = append(d.pre, b)
	} else {
		d.post = append(d.post, b)
	}
}

// Len returns the number of handlers registered for phase.
func (d *Dispatcher) Len(phase Phase) int {
	if phase == PhasePre {
		return len(d.pre)
	}
	return len(d.post)
}

// Run invokes the handlers of phase for hc. In the pre phase the first
// veto stops evaluation. A veto from a post hook is ignored with a
// warning. Effects are applied as they are returned.
func (d *Dispatcher) Run(ctx context.Context, phase Phase, hc HookContext) Outcome {
	hc.Phase = phase
	var out Outcome

	bindings := d.post
	if phase == PhasePre {
		bindings = d.pre
	}

	input, err := json.Marshal(hc)
	if err != nil {
		d.warn(ctx, &out, hc, "", fmt.Sprintf("failed to encode hook context: %v", err))
		return out
	}

	for _, b := range bindings {
		if !b.applies(hc.Language) {
			continue
		}
		name := b.handler.Name()

		resp, effects, ok := d.invoke(ctx, &out, hc, b, input)
		if !ok {
			continue
		}

		for _, effect := range effects {
			out.Effects = append(out.Effects, effect)
			if d.opts.Effects == nil {
				d.warn(ctx, &out, hc, name, fmt.Sprintf("effect %s dropped: no effect handler configured", effect.effectType()))
				continue
			}
			if err := d.opts.Effects.Apply(ctx, hc, effect); err != nil {
				d.warn(ctx, &out, hc, name, err.Error())
			}
		}

		if resp.Skip {
			if phase != PhasePre {
				d.warn(ctx, &out, hc, name, "skip ignored in post phase")
				continue
			}
			out.Skip = true
			out.Reason = resp.Reason
			if out.Reason == "" {
				out.Reason = fmt.Sprintf("vetoed by hook %s", name)
			}
			d.logger.Info().
				Str("project", hc.ProjectID).
				Str("hook", name).
				Str("reason", out.Reason).
				Msg("Project vetoed by pre-build hook")
			return out
		}
	}
	return out
}

// invoke runs one handler under its timeout and parses the response.
func (d *Dispatcher) invoke(ctx context.Context, out *Outcome, hc HookContext, b binding, input []byte) (response, []Effect, bool) {
	name := b.handler.Name()
	timeout := b.timeout
	if timeout <= 0 {
		timeout = d.opts.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	data, err := b.handler.Run(runCtx, hc, input)
	d.logger.Debug().
		Str("project", hc.ProjectID).
		Str("hook", name).
		Str("phase", string(hc.Phase)).
		Dur("duration", time.Since(start)).
		Err(err).
		Msg("Hook finished")
	if err != nil {
		d.warn(ctx, out, hc, name, err.Error())
		return response{}, nil, false
	}

	resp, effects, problems, err := parseResponse(data)
	if err != nil {
		d.warn(ctx, out, hc, name, err.Error())
		return response{}, nil, false
	}
	for _, p := range problems {
		d.warn(ctx, out, hc, name, p)
	}
	return resp, effects, true
}

func (d *Dispatcher) warn(ctx context.Context, out *Outcome, hc HookContext, hook, message string) {
	if hook != "" {
		message = fmt.Sprintf("hook %s (%s): %s", hook, hc.Phase, message)
	}
	w := engine.Warning{Kind: engine.KindHook, ProjectID: hc.ProjectID, Message: message}
	out.Warnings = append(out.Warnings, w)

	d.logger.Warn().Str("project", hc.ProjectID).Msg(message)

	if d.opts.Events != nil {
		_ = d.opts.Events.Publish(ctx, &engine.Event{
			ID:        uuid.New().String(),
			Type:      engine.EventTypeHookWarning,
			Timestamp: time.Now(),
			ProjectID: hc.ProjectID,
			Message:   message,
			Level:     engine.EventTypeHookWarning.Severity(),
			Data:      map[string]interface{}{"hook": hook, "phase": string(hc.Phase)},
		})
	}
}

// Pre implements engine.PipelineHooks.
func (d *Dispatcher) Pre(ctx context.Context, project engine.Project) engine.HookDecision {
	out := d.Run(ctx, PhasePre, NewHookContext(PhasePre, project))
	return engine.HookDecision{Skip: out.Skip, Reason: out.Reason, Warnings: out.Warnings}
}

// Post implements engine.PipelineHooks.
func (d *Dispatcher) Post(ctx context.Context, project engine.Project, results []engine.ExecutionResult, artifacts []engine.Artifact) []engine.Warning {
	hc := NewHookContext(PhasePost, project)
	hc.Results = results
	hc.Artifacts = artifacts
	return d.Run(ctx, PhasePost, hc).Warnings
}

// Close releases handler resources such as compiled WASM modules.
func (d *Dispatcher) Close(ctx context.Context) error {
	var first error
	for _, c := range d.closer {
		if err := c(ctx); err != nil && first == nil {
			first = err
		}
	}
	d.closer = nil
	return first
}

// FromConfig builds a Dispatcher from the hooks, notifications and
// language sections of cfg.
func FromConfig(ctx context.Context, cfg *config.Config, events engine.EventPublisher, logger zerolog.Logger) (*Dispatcher, error) {
	webhooks := make([]string, 0, len(cfg.Notifications.Webhooks))
	for _, w := range cfg.Notifications.Webhooks {
		webhooks = append(webhooks, w.URL)
	}

	d := NewDispatcher(Options{
		Effects: NewEffector(EffectorOptions{Webhooks: webhooks}, logger),
		Events:  events,
	}, logger)

	if cfg.Hooks.Toolchain {
		d.Register(PhasePre, NewToolchainCheck(cfg.LanguageTable()), 0)
	}

	phases := []struct {
		phase Phase
		hooks []config.HookConfig
	}{
		{PhasePre, cfg.Hooks.Pre},
		{PhasePost, cfg.Hooks.Post},
	}
	for _, p := range phases {
		for _, hc := range p.hooks {
			h, err := d.handlerFor(ctx, hc)
			if err != nil {
				_ = d.Close(ctx)
				return nil, engine.NewConfigurationError(fmt.Sprintf("invalid hook %s", hc.Name), err).
					WithResource(hc.Name)
			}
			d.Register(p.phase, h, hc.Timeout.Std(), hc.Languages...)
		}
	}
	return d, nil
}

func (d *Dispatcher) handlerFor(ctx context.Context, hc config.HookConfig) (Handler, error) {
	switch hc.Kind {
	case "command":
		return NewCommandHandler(hc.Name, hc.Command), nil
	case "starlark":
		timeout := hc.Timeout.Std()
		if timeout <= 0 {
			timeout = d.opts.Timeout
		}
		return NewStarlarkHandler(hc.Name, hc.Script, timeout), nil
	case "wasm":
		h, err := LoadWASMHandler(ctx, hc.Name, hc.Module)
		if err != nil {
			return nil, err
		}
		d.closer = append(d.closer, h.Close)
		return h, nil
	default:
		return nil, fmt.Errorf("unknown hook kind %q", hc.Kind)
	}
}
