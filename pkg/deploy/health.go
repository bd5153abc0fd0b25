package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/unibuild/unibuild/pkg/engine"
)

// probe checks the targets once and stops at the first unhealthy one or
// the first checker error. LastHealth holds the deciding report.
func (d *deployment) probe(ctx context.Context, targets []string) (bool, error) {
	threshold := d.state.Plan.Parameters.RollbackThreshold
	for _, target := range targets {
		report, err := d.ctrl.backend.Health.Check(ctx, target)
		if err != nil {
			d.logger.Warn().Err(err).Str("target", target).Msg("Health check errored")
			return false, err
		}
		if report.Target == "" {
			report.Target = target
		}
		if report.CheckedAt.IsZero() {
			report.CheckedAt = d.ctrl.clock.Now()
		}
		d.state.LastHealth = &report
		if !report.Healthy || report.ErrorRate > threshold {
			return false, nil
		}
	}
	return true, nil
}

// awaitHealthy polls targets until HealthyThreshold consecutive rounds
// are healthy or the health-check deadline passes. A checker error
// resets the streak.
func (d *deployment) awaitHealthy(ctx context.Context, targets []string) error {
	params := d.state.Plan.Parameters
	deadline := d.ctrl.clock.Now().Add(params.HealthCheckDeadline)
	streak := 0
	polls := 0

	for {
		polls++
		healthy, err := d.probe(ctx, targets)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if healthy && err == nil {
			streak++
		} else {
			streak = 0
		}
		if streak >= params.HealthyThreshold {
			d.logger.Debug().Strs("targets", targets).Int("polls", polls).Msg("Targets healthy")
			return nil
		}
		if !d.ctrl.clock.Now().Before(deadline) {
			msg := fmt.Sprintf("not healthy after %d polls within %s", polls, params.HealthCheckDeadline)
			if err != nil {
				msg += ": " + err.Error()
			}
			return engine.NewHealthCheckFailure(fmt.Sprint(targets), msg)
		}
		if err := d.wait(ctx, params.HealthCheckInterval); err != nil {
			return err
		}
	}
}

// verify samples targets every interval until window has elapsed. Any
// unhealthy sample fails. Checker errors are tolerated up to
// TransientRetries in a row.
func (d *deployment) verify(ctx context.Context, targets []string, window time.Duration) error {
	params := d.state.Plan.Parameters
	end := d.ctrl.clock.Now().Add(window)
	errorsInRow := 0

	for {
		healthy, err := d.probe(ctx, targets)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case err != nil:
			errorsInRow++
			if errorsInRow > params.TransientRetries {
				return engine.NewInfrastructureError("health checker unavailable during verification", err).
					WithResource(fmt.Sprint(targets)).
					WithCode(engine.ErrCodeRetriesSpent)
			}
		case !healthy:
			return engine.NewHealthCheckFailure(fmt.Sprint(targets), verifyMessage(d.state.LastHealth)).
				WithCode(engine.ErrCodeUnhealthy)
		default:
			errorsInRow = 0
		}

		if !d.ctrl.clock.Now().Before(end) {
			if errorsInRow > 0 {
				return engine.NewInfrastructureError("verification window ended without a successful check", err)
			}
			return nil
		}
		if err := d.wait(ctx, params.HealthCheckInterval); err != nil {
			return err
		}
	}
}

func verifyMessage(r *HealthReport) string {
	if r == nil {
		return "unhealthy during verification"
	}
	return fmt.Sprintf("%s unhealthy during verification (error rate %.3f)", r.Target, r.ErrorRate)
}
