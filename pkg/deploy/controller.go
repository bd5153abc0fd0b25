package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/unibuild/unibuild/pkg/clock"
	"github.com/unibuild/unibuild/pkg/engine"
)

// Options configures a Controller.
type Options struct {
	Clock  clock.Clock
	Events engine.EventPublisher
	Gate   PolicyGate
}

// Controller drives deployment plans through the phase state machine.
// A Controller may run several plans concurrently; each Run owns its own
// State.
type Controller struct {
	backend Backend
	opts    Options
	clock   clock.Clock
	logger  zerolog.Logger

	mu   sync.Mutex
	live map[string]string // environment/service -> live blue-green colour
}

// NewController creates a controller over backend.
func NewController(backend Backend, opts Options, logger zerolog.Logger) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Controller{
		backend: backend,
		opts:    opts,
		clock:   opts.Clock,
		logger:  logger.With().Str("component", "deploy-controller").Logger(),
		live:    make(map[string]string),
	}
}

func liveKey(plan Plan) string {
	return plan.Environment.Name + "/" + plan.Service
}

// liveColour decides which blue-green colour serves traffic before a
// deployment. The backend's weights win, then the plan, then the colour
// this controller last left live. Blue is the default.
func (c *Controller) liveColour(ctx context.Context, plan Plan, logger zerolog.Logger) string {
	if r, ok := c.backend.Traffic.(TrafficReader); ok {
		weights, err := r.Weights(ctx)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Failed to read current traffic weights")
		case weights[TargetBlue] > weights[TargetGreen]:
			return TargetBlue
		case weights[TargetGreen] > weights[TargetBlue]:
			return TargetGreen
		}
	}
	if plan.LiveTarget != "" {
		return plan.LiveTarget
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if live, ok := c.live[liveKey(plan)]; ok {
		return live
	}
	return TargetBlue
}

func (c *Controller) rememberLive(state State) {
	if state.Plan.Strategy != StrategyBlueGreen || state.LiveTarget == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live[liveKey(state.Plan)] = state.LiveTarget
}

// strategy is the per-algorithm part of a deployment.
type strategy interface {
	execute(ctx context.Context, d *deployment) error
	rollback(ctx context.Context, d *deployment) error
}

func strategyFor(s Strategy) strategy {
	switch s {
	case StrategyCanary:
		return canary{}
	case StrategyRolling:
		return rolling{}
	default:
		return blueGreen{}
	}
}

// Run executes plan and returns the final state. The returned error is a
// ConfigurationError when the plan is rejected before anything changes,
// and a *DeploymentError when the deployment did not complete.
//
// Cancelling ctx rolls the deployment back; rollback itself is never
// cancelled.
func (c *Controller) Run(ctx context.Context, plan Plan) (State, error) {
	plan.Parameters = plan.Parameters.WithDefaults()
	if plan.ID == "" {
		plan.ID = uuid.New().String()
	}

	d := &deployment{
		ctrl: c,
		state: State{
			ID:        plan.ID,
			Plan:      plan,
			Phase:     PhasePending,
			StartedAt: c.clock.Now(),
		},
		logger: c.logger.With().
			Str("deployment_id", plan.ID).
			Str("service", plan.Service).
			Str("strategy", string(plan.Strategy)).
			Logger(),
	}

	if err := plan.Validate(); err != nil {
		d.state.Error = err.Error()
		return d.state.Snapshot(), err
	}
	if c.opts.Gate != nil {
		if err := c.opts.Gate.Check(ctx, plan); err != nil {
			d.logger.Warn().Err(err).Msg("Deployment rejected by policy")
			d.state.Error = err.Error()
			return d.state.Snapshot(), err
		}
	}
	if c.backend.Health == nil || c.backend.Traffic == nil || c.backend.Provisioner == nil {
		err := engine.NewConfigurationError("deployment backend is incomplete", nil).
			WithResource(plan.Environment.Name)
		d.state.Error = err.Error()
		return d.state.Snapshot(), err
	}

	d.logger.Info().
		Str("artifact", plan.Artifact).
		Str("environment", plan.Environment.Name).
		Msg("Deployment started")

	s := strategyFor(plan.Strategy)
	err := s.execute(ctx, d)
	if err == nil {
		d.transition(PhaseCompleted, "deployment verified")
		d.finish(nil)
		c.rememberLive(d.state)
		return d.state.Snapshot(), nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = errors.Join(ctxErr, err)
	}
	failedPhase := d.state.Phase
	d.state.FailedPhase = failedPhase
	d.state.Error = err.Error()
	d.transition(PhaseRollingBack, rollbackReason(err))

	// Rollback must finish even when the caller has given up.
	rbCtx := context.WithoutCancel(ctx)
	if rbErr := s.rollback(rbCtx, d); rbErr != nil {
		d.state.Error = fmt.Sprintf("%s; rollback failed: %v", d.state.Error, rbErr)
		d.transition(PhaseFailed, "rollback failed: "+rbErr.Error())
		err = errors.Join(err, rbErr)
	} else {
		d.state.RolledBack = true
		d.transition(PhaseRolledBack, "rollback completed")
	}

	d.finish(err)
	c.rememberLive(d.state)
	return d.state.Snapshot(), &DeploymentError{
		DeploymentID: plan.ID,
		FailedPhase:  failedPhase,
		FinalPhase:   d.state.Phase,
		Environment:  d.state.Describe(),
		Err:          err,
	}
}

func rollbackReason(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return err.Error()
	}
}

// deployment is the mutable run of one plan. Only the goroutine calling
// Controller.Run touches it.
type deployment struct {
	ctrl   *Controller
	state  State
	logger zerolog.Logger
}

func (d *deployment) transition(to Phase, reason string) {
	from := d.state.Phase
	if !canTransition(from, to) {
		// Unreachable unless a strategy is wrong; record it anyway so the
		// history explains the state.
		d.logger.Error().Str("from", string(from)).Str("to", string(to)).Msg("Unexpected phase transition")
	}
	at := d.ctrl.clock.Now()
	d.state.History = append(d.state.History, Transition{From: from, To: to, At: at, Reason: reason})
	d.state.Phase = to

	d.logger.Info().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("Deployment phase changed")

	d.publish(&engine.Event{
		Type:      engine.EventTypeDeploymentPhaseChanged,
		Timestamp: at,
		Message:   fmt.Sprintf("Deployment %s: %s -> %s", d.state.ID, from, to),
		Data: map[string]interface{}{
			"from":     string(from),
			"to":       string(to),
			"reason":   reason,
			"strategy": string(d.state.Plan.Strategy),
			"service":  d.state.Plan.Service,
		},
	})
}

func (d *deployment) finish(err error) {
	d.state.CompletedAt = d.ctrl.clock.Now()
	level := "info"
	if err != nil {
		level = "error"
	}
	d.logger.Info().
		Str("phase", string(d.state.Phase)).
		Dur("duration", d.state.CompletedAt.Sub(d.state.StartedAt)).
		Msg("Deployment finished")

	d.publish(&engine.Event{
		Type:      engine.EventTypeDeploymentCompleted,
		Timestamp: d.state.CompletedAt,
		Level:     level,
		Message:   fmt.Sprintf("Deployment %s finished in phase %s", d.state.ID, d.state.Phase),
		Data: map[string]interface{}{
			"phase":       string(d.state.Phase),
			"strategy":    string(d.state.Plan.Strategy),
			"service":     d.state.Plan.Service,
			"environment": d.state.Plan.Environment.Name,
			"rolled_back": d.state.RolledBack,
			"duration":    d.state.CompletedAt.Sub(d.state.StartedAt).Seconds(),
		},
	})
}

func (d *deployment) publish(ev *engine.Event) {
	if d.ctrl.opts.Events == nil {
		return
	}
	ev.ID = uuid.New().String()
	ev.DeploymentID = d.state.ID
	if ev.Level == "" {
		ev.Level = ev.Type.Severity()
	}
	if err := d.ctrl.opts.Events.Publish(context.Background(), ev); err != nil {
		d.logger.Debug().Err(err).Msg("Failed to publish deployment event")
	}
}

// wait blocks for dur on the controller clock or until ctx is done.
func (d *deployment) wait(ctx context.Context, dur time.Duration) error {
	if dur <= 0 {
		return ctx.Err()
	}
	select {
	case <-d.ctrl.clock.After(dur):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// infra runs an infrastructure call, retrying with a fixed backoff. The
// error returned once retries are spent is an InfrastructureError.
func (d *deployment) infra(ctx context.Context, op string, fn func(context.Context) error) error {
	params := d.state.Plan.Parameters
	var last error
	for attempt := 0; attempt <= params.InfraRetries; attempt++ {
		if attempt > 0 {
			d.logger.Warn().
				Err(last).
				Str("operation", op).
				Int("attempt", attempt+1).
				Msg("Retrying infrastructure call")
			if err := d.wait(ctx, params.InfraBackoff); err != nil {
				return err
			}
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return engine.NewInfrastructureError(fmt.Sprintf("%s failed after %d attempts", op, params.InfraRetries+1), last).
		WithOperation(op).
		WithResource(d.state.Plan.Environment.Name).
		WithCode(engine.ErrCodeRetriesSpent)
}

func (d *deployment) setWeights(ctx context.Context, weights map[string]int) error {
	err := d.infra(ctx, "set traffic weights", func(ctx context.Context) error {
		return d.ctrl.backend.Traffic.SetWeights(ctx, weights)
	})
	if err != nil {
		return err
	}
	d.state.Weights = copyMap(weights)
	d.logger.Info().Str("weights", describeWeights(weights)).Msg("Traffic shifted")
	return nil
}

func (d *deployment) provision(ctx context.Context, target, artifact string) error {
	return d.infra(ctx, "provision "+target, func(ctx context.Context) error {
		return d.ctrl.backend.Provisioner.Provision(ctx, target, artifact, d.state.Plan.Environment.Replicas)
	})
}

func (d *deployment) replace(ctx context.Context, instances []string, artifact string) error {
	err := d.infra(ctx, "replace instances", func(ctx context.Context) error {
		return d.ctrl.backend.Provisioner.Replace(ctx, instances, artifact)
	})
	if err != nil {
		return err
	}
	for _, inst := range instances {
		d.state.Instances[inst] = artifact
	}
	return nil
}
