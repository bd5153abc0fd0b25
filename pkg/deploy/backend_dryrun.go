package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// DryRunBackend records every call, changes nothing and always reports
// healthy.
type DryRunBackend struct {
	mu      sync.Mutex
	calls   []string
	weights map[string]int
}

// NewDryRunBackend creates an empty recorder.
func NewDryRunBackend() *DryRunBackend {
	return &DryRunBackend{}
}

// Backend returns a Backend whose collaborators are all b.
func (b *DryRunBackend) Backend() Backend {
	return Backend{Health: b, Traffic: b, Provisioner: b}
}

func (b *DryRunBackend) record(format string, args ...interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

// Calls returns the recorded calls in order.
func (b *DryRunBackend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// Check implements HealthChecker.
func (b *DryRunBackend) Check(_ context.Context, target string) (HealthReport, error) {
	b.record("check %s", target)
	return HealthReport{Target: target, Healthy: true}, nil
}

// SetWeights implements TrafficShifter.
func (b *DryRunBackend) SetWeights(_ context.Context, weights map[string]int) error {
	b.record("set weights %s", describeWeights(weights))
	b.mu.Lock()
	b.weights = copyMap(weights)
	b.mu.Unlock()
	return nil
}

// Weights implements TrafficReader with the last weights set.
func (b *DryRunBackend) Weights(context.Context) (map[string]int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyMap(b.weights), nil
}

// Provision implements Provisioner.
func (b *DryRunBackend) Provision(_ context.Context, target, artifact string, replicas int) error {
	b.record("provision %s with %s x%d", target, artifact, replicas)
	return nil
}

// Replace implements Provisioner.
func (b *DryRunBackend) Replace(_ context.Context, instances []string, artifact string) error {
	b.record("replace %s with %s", strings.Join(instances, ","), artifact)
	return nil
}
