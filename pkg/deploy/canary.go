package deploy

import (
	"context"
	"fmt"

	"github.com/unibuild/unibuild/pkg/engine"
)

// canary moves traffic to the new version in increasing steps and checks
// health and success rate after each one. Once the last step passes,
// stable is re-provisioned with the artifact and takes all traffic back,
// so the next deployment starts from {stable:100, canary:0}. Rollback
// always restores stable to 100%, whatever step was reached.
type canary struct{}

func (canary) execute(ctx context.Context, d *deployment) error {
	plan := d.state.Plan
	params := plan.Parameters
	d.state.Target = TargetCanary
	d.state.LiveTarget = TargetStable
	d.state.Weights = map[string]int{TargetStable: 100, TargetCanary: 0}

	d.transition(PhaseProvisioning, fmt.Sprintf("provisioning canary with %s", plan.Artifact))
	if err := d.provision(ctx, TargetCanary, plan.Artifact); err != nil {
		return err
	}

	d.transition(PhaseHealthChecking, "waiting for canary to become healthy")
	if err := d.awaitHealthy(ctx, []string{TargetCanary}); err != nil {
		return err
	}

	for _, pct := range params.Steps() {
		d.state.CanaryStep = pct

		d.transition(PhaseTrafficShifting, fmt.Sprintf("routing %d%% of traffic to canary", pct))
		if err := d.setWeights(ctx, map[string]int{TargetStable: 100 - pct, TargetCanary: pct}); err != nil {
			return err
		}
		if err := d.wait(ctx, params.StepInterval); err != nil {
			return err
		}

		d.transition(PhaseHealthChecking, fmt.Sprintf("checking canary at %d%%", pct))
		report, err := checkStep(ctx, d)
		if err != nil {
			return err
		}
		if !report.Healthy {
			return engine.NewHealthCheckFailure(TargetCanary, fmt.Sprintf("canary unhealthy at %d%%", pct)).
				WithCode(engine.ErrCodeUnhealthy)
		}

		d.transition(PhaseVerifying, fmt.Sprintf("verifying canary success rate at %d%%", pct))
		success := 1 - report.ErrorRate
		if success < params.SuccessThreshold {
			return engine.NewHealthCheckFailure(TargetCanary,
				fmt.Sprintf("success rate %.4f below %.4f at %d%%", success, params.SuccessThreshold, pct)).
				WithCode(engine.ErrCodeUnhealthy)
		}
	}
	return promote(ctx, d)
}

// promote moves the verified artifact onto stable while the canary still
// carries all traffic, then hands the traffic back to stable.
func promote(ctx context.Context, d *deployment) error {
	plan := d.state.Plan

	d.transition(PhaseTrafficShifting, fmt.Sprintf("promoting %s to stable", plan.Artifact))
	d.state.Promoted = true
	if err := d.provision(ctx, TargetStable, plan.Artifact); err != nil {
		return err
	}

	d.transition(PhaseHealthChecking, "waiting for promoted stable to become healthy")
	if err := d.awaitHealthy(ctx, []string{TargetStable}); err != nil {
		return err
	}

	d.transition(PhaseTrafficShifting, "returning all traffic to stable")
	if err := d.setWeights(ctx, map[string]int{TargetStable: 100, TargetCanary: 0}); err != nil {
		return err
	}

	d.transition(PhaseVerifying, "verifying promoted stable")
	healthy, err := d.probe(ctx, []string{TargetStable})
	if err != nil {
		return engine.NewInfrastructureError("health check of promoted stable failed", err).
			WithResource(TargetStable)
	}
	if !healthy {
		return engine.NewHealthCheckFailure(TargetStable, verifyMessage(d.state.LastHealth)).
			WithCode(engine.ErrCodeUnhealthy)
	}
	return nil
}

// rollback returns all traffic to stable. When promotion already touched
// stable it is first put back on the previous artifact.
func (canary) rollback(ctx context.Context, d *deployment) error {
	if d.state.Promoted {
		previous := d.state.Plan.PreviousArtifact
		if previous == "" {
			return fmt.Errorf("stable was re-provisioned with %s and the previous artifact is unknown", d.state.Plan.Artifact)
		}
		if err := d.provision(ctx, TargetStable, previous); err != nil {
			return err
		}
		d.state.Promoted = false
	}
	return d.setWeights(ctx, map[string]int{TargetStable: 100, TargetCanary: 0})
}

// checkStep checks the canary once, retrying the same step when the
// checker itself errors.
func checkStep(ctx context.Context, d *deployment) (HealthReport, error) {
	params := d.state.Plan.Parameters
	var last error
	for attempt := 0; attempt <= params.TransientRetries; attempt++ {
		if attempt > 0 {
			d.logger.Warn().
				Err(last).
				Int("step", d.state.CanaryStep).
				Int("attempt", attempt+1).
				Msg("Retrying canary health check")
			if err := d.wait(ctx, params.HealthCheckInterval); err != nil {
				return HealthReport{}, err
			}
		}
		report, err := d.ctrl.backend.Health.Check(ctx, TargetCanary)
		if err == nil {
			if report.Target == "" {
				report.Target = TargetCanary
			}
			if report.CheckedAt.IsZero() {
				report.CheckedAt = d.ctrl.clock.Now()
			}
			d.state.LastHealth = &report
			return report, nil
		}
		if ctx.Err() != nil {
			return HealthReport{}, ctx.Err()
		}
		last = err
	}
	return HealthReport{}, engine.NewInfrastructureError(
		fmt.Sprintf("canary health check kept failing at %d%%", d.state.CanaryStep), last).
		WithResource(TargetCanary).
		WithCode(engine.ErrCodeRetriesSpent)
}
