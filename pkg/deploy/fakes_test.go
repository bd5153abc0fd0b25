package deploy

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/unibuild/unibuild/pkg/clock"
	"github.com/unibuild/unibuild/pkg/engine"
)

// fakeBackend is a scriptable in-memory environment.
type fakeBackend struct {
	mu sync.Mutex

	// health decides each check; nil means always healthy.
	health func(target string, weights map[string]int) (HealthReport, error)

	weights      map[string]int
	weightCalls  []map[string]int
	versions     map[string]string
	provisioned  map[string]string
	setFailures  int
	provFailures int
	onSetWeights func(map[string]int)
	checks       int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		weights:     map[string]int{},
		versions:    map[string]string{},
		provisioned: map[string]string{},
	}
}

func (f *fakeBackend) backend() Backend {
	return Backend{Health: f, Traffic: f, Provisioner: f}
}

func (f *fakeBackend) Check(_ context.Context, target string) (HealthReport, error) {
	f.mu.Lock()
	f.checks++
	weights := copyMap(f.weights)
	fn := f.health
	f.mu.Unlock()

	if fn == nil {
		return HealthReport{Target: target, Healthy: true}, nil
	}
	return fn(target, weights)
}

func (f *fakeBackend) SetWeights(_ context.Context, weights map[string]int) error {
	f.mu.Lock()
	if f.setFailures > 0 {
		f.setFailures--
		f.mu.Unlock()
		return errors.New("ingress unavailable")
	}
	f.weights = copyMap(weights)
	f.weightCalls = append(f.weightCalls, copyMap(weights))
	hook := f.onSetWeights
	f.mu.Unlock()

	if hook != nil {
		hook(weights)
	}
	return nil
}

func (f *fakeBackend) Weights(context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyMap(f.weights), nil
}

func (f *fakeBackend) Provision(_ context.Context, target, artifact string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.provFailures > 0 {
		f.provFailures--
		return errors.New("quota exceeded")
	}
	f.provisioned[target] = artifact
	return nil
}

func (f *fakeBackend) Replace(_ context.Context, instances []string, artifact string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inst := range instances {
		f.versions[inst] = artifact
	}
	return nil
}

func (f *fakeBackend) currentWeights() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return copyMap(f.weights)
}

func (f *fakeBackend) slot(target string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisioned[target]
}

func (f *fakeBackend) version(inst string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[inst]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*engine.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e *engine.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) count(t engine.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func testController(b *fakeBackend, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.AutoAdvance(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	}
	return NewController(b.backend(), opts, zerolog.Nop())
}

func testPlan(strategy Strategy) Plan {
	return Plan{
		ID:       "dep-1",
		Service:  "web",
		Strategy: strategy,
		Artifact: "web:v2",
		Environment: Environment{
			Name:     "staging",
			Type:     "kubernetes",
			Replicas: 3,
		},
		Parameters: Parameters{
			HealthCheckInterval: 10 * time.Second,
			HealthCheckDeadline: time.Minute,
			HealthyThreshold:    2,
			SwitchTrafficDelay:  30 * time.Second,
			VerifyWindow:        30 * time.Second,
			StepInterval:        time.Minute,
			InfraBackoff:        time.Second,
		},
	}
}

func phases(s State) []Phase {
	out := make([]Phase, len(s.History))
	for i, t := range s.History {
		out[i] = t.To
	}
	return out
}
