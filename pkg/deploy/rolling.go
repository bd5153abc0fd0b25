package deploy

import (
	"context"
	"fmt"

	"github.com/unibuild/unibuild/pkg/engine"
)

// rolling replaces instances batch by batch. When batch k fails, only
// batch k is rolled back to the previous artifact: earlier batches stay
// on the new version and later batches were never touched.
type rolling struct{}

func (rolling) execute(ctx context.Context, d *deployment) error {
	plan := d.state.Plan
	batches := plan.Batches()

	d.state.Instances = make(map[string]string, plan.Environment.Replicas)
	for _, inst := range plan.Instances() {
		d.state.Instances[inst] = plan.PreviousArtifact
	}

	d.transition(PhaseProvisioning, fmt.Sprintf("%d instances in %d batches of up to %d",
		plan.Environment.Replicas, len(batches), plan.Parameters.BatchSize))

	for k, batch := range batches {
		d.state.Batch = k + 1

		d.transition(PhaseTrafficShifting, fmt.Sprintf("replacing batch %d/%d", k+1, len(batches)))
		if err := d.replace(ctx, batch, plan.Artifact); err != nil {
			return err
		}

		d.transition(PhaseHealthChecking, fmt.Sprintf("waiting for batch %d/%d", k+1, len(batches)))
		if err := d.awaitHealthy(ctx, batch); err != nil {
			return err
		}

		d.transition(PhaseVerifying, fmt.Sprintf("verifying batch %d/%d", k+1, len(batches)))
		healthy, err := d.probe(ctx, batch)
		if err != nil {
			return engine.NewInfrastructureError(fmt.Sprintf("verification of batch %d failed", k+1), err)
		}
		if !healthy {
			return engine.NewHealthCheckFailure(fmt.Sprint(batch), fmt.Sprintf("batch %d unhealthy after rollout", k+1)).
				WithCode(engine.ErrCodeUnhealthy)
		}
	}
	return nil
}

func (rolling) rollback(ctx context.Context, d *deployment) error {
	if d.state.Batch == 0 {
		return nil
	}
	batch := d.state.Plan.Batches()[d.state.Batch-1]
	d.logger.Info().
		Int("batch", d.state.Batch).
		Strs("instances", batch).
		Str("artifact", d.state.Plan.PreviousArtifact).
		Msg("Restoring failed batch")
	return d.replace(ctx, batch, d.state.Plan.PreviousArtifact)
}
