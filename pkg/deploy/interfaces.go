package deploy

import (
	"context"
)

// HealthChecker probes a target. A returned error means the check itself
// could not be performed; an unhealthy report is an application failure.
type HealthChecker interface {
	Check(ctx context.Context, target string) (HealthReport, error)
}

// TrafficShifter routes traffic between targets by percentage.
type TrafficShifter interface {
	SetWeights(ctx context.Context, weights map[string]int) error
}

// TrafficReader is implemented by shifters that can report the weights
// currently in effect.
type TrafficReader interface {
	Weights(ctx context.Context) (map[string]int, error)
}

// Provisioner creates and updates running instances.
type Provisioner interface {
	// Provision starts target with artifact and the given replica count.
	Provision(ctx context.Context, target, artifact string, replicas int) error

	// Replace re-creates instances from artifact.
	Replace(ctx context.Context, instances []string, artifact string) error
}

// PolicyGate approves or rejects a plan before anything is changed.
type PolicyGate interface {
	Check(ctx context.Context, plan Plan) error
}

// Backend bundles the environment collaborators of the controller.
type Backend struct {
	Health      HealthChecker
	Traffic     TrafficShifter
	Provisioner Provisioner
}
