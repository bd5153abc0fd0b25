package deploy

import (
	"context"
	"fmt"
)

// blueGreen brings up the idle colour next to the live one, switches all
// traffic in one call and watches the new colour for a short window.
// Rollback points traffic back at the previous colour and leaves the new
// one running for inspection.
type blueGreen struct{}

func (blueGreen) execute(ctx context.Context, d *deployment) error {
	plan := d.state.Plan
	live := d.ctrl.liveColour(ctx, plan, d.logger)
	idle := otherColour(live)

	d.state.Target = idle
	d.state.LiveTarget = live
	d.state.Weights = map[string]int{live: 100, idle: 0}
	d.logger.Debug().Str("live", live).Str("idle", idle).Msg("Resolved blue-green colours")

	d.transition(PhaseProvisioning, fmt.Sprintf("provisioning %s with %s", idle, plan.Artifact))
	if err := d.provision(ctx, idle, plan.Artifact); err != nil {
		return err
	}

	d.transition(PhaseHealthChecking, fmt.Sprintf("waiting for %s to become healthy", idle))
	if err := d.awaitHealthy(ctx, []string{idle}); err != nil {
		return err
	}

	d.transition(PhaseTrafficShifting, fmt.Sprintf("switching traffic from %s to %s", live, idle))
	if err := d.setWeights(ctx, map[string]int{live: 0, idle: 100}); err != nil {
		return err
	}
	d.state.LiveTarget = idle
	if err := d.wait(ctx, plan.Parameters.SwitchTrafficDelay); err != nil {
		return err
	}

	d.transition(PhaseVerifying, fmt.Sprintf("verifying %s for %s", idle, plan.Parameters.VerifyWindow))
	return d.verify(ctx, []string{idle}, plan.Parameters.VerifyWindow)
}

func (blueGreen) rollback(ctx context.Context, d *deployment) error {
	previous := otherColour(d.state.Target)
	if err := d.setWeights(ctx, map[string]int{previous: 100, d.state.Target: 0}); err != nil {
		return err
	}
	d.state.LiveTarget = previous
	return nil
}
