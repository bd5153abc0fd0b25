package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/unibuild/unibuild/pkg/clock"
	"github.com/unibuild/unibuild/pkg/engine"
)

func TestController_BlueGreenCompletes(t *testing.T) {
	b := newFakeBackend()
	pub := &recordingPublisher{}
	c := testController(b, Options{Events: pub})

	state, err := c.Run(context.Background(), testPlan(StrategyBlueGreen))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []Phase{PhaseProvisioning, PhaseHealthChecking, PhaseTrafficShifting, PhaseVerifying, PhaseCompleted}
	if got := phases(state); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("phases = %v, want %v", got, want)
	}
	if w := b.currentWeights(); w[TargetGreen] != 100 || w[TargetBlue] != 0 {
		t.Errorf("weights = %v, want all traffic on green", w)
	}
	if len(b.weightCalls) != 1 {
		t.Errorf("traffic switched in %d calls, want 1", len(b.weightCalls))
	}
	if got := pub.count(engine.EventTypeDeploymentPhaseChanged); got != len(state.History) {
		t.Errorf("phase events = %d, want %d", got, len(state.History))
	}
	if got := pub.count(engine.EventTypeDeploymentCompleted); got != 1 {
		t.Errorf("completion events = %d, want 1", got)
	}
}

func TestController_BlueGreenNeverHealthyRollsBack(t *testing.T) {
	b := newFakeBackend()
	b.health = func(target string, _ map[string]int) (HealthReport, error) {
		return HealthReport{Target: target, Healthy: false, ErrorRate: 1}, nil
	}
	c := testController(b, Options{})

	state, err := c.Run(context.Background(), testPlan(StrategyBlueGreen))

	var depErr *DeploymentError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected DeploymentError, got %v", err)
	}
	if depErr.FailedPhase != PhaseHealthChecking || depErr.FinalPhase != PhaseRolledBack {
		t.Errorf("failed in %s ended %s, want health_checking/rolled_back", depErr.FailedPhase, depErr.FinalPhase)
	}
	if !engine.IsHealthCheckFailure(err) {
		t.Errorf("expected health check failure in chain, got %v", err)
	}
	if state.Phase != PhaseRolledBack || !state.RolledBack {
		t.Errorf("phase = %s rolled back = %v", state.Phase, state.RolledBack)
	}
	if w := b.currentWeights(); w[TargetBlue] != 100 || w[TargetGreen] != 0 {
		t.Errorf("weights = %v, want blue at 100", w)
	}
	if b.provisioned[TargetGreen] != "web:v2" {
		t.Error("green environment was not preserved")
	}
	if !strings.Contains(depErr.Environment, "kept for inspection") {
		t.Errorf("environment description = %q", depErr.Environment)
	}
}

func TestController_BlueGreenVerifyFailureRevertsPointer(t *testing.T) {
	b := newFakeBackend()
	b.health = func(target string, w map[string]int) (HealthReport, error) {
		if w[TargetGreen] == 100 {
			return HealthReport{Target: target, Healthy: true, ErrorRate: 0.3}, nil
		}
		return HealthReport{Target: target, Healthy: true}, nil
	}
	c := testController(b, Options{})

	state, err := c.Run(context.Background(), testPlan(StrategyBlueGreen))
	if err == nil {
		t.Fatal("expected verification failure")
	}
	if state.FailedPhase != PhaseVerifying {
		t.Errorf("failed phase = %s, want verifying", state.FailedPhase)
	}
	if len(b.weightCalls) != 2 {
		t.Fatalf("weight calls = %v", b.weightCalls)
	}
	if last := b.weightCalls[1]; last[TargetBlue] != 100 || last[TargetGreen] != 0 {
		t.Errorf("rollback weights = %v", last)
	}
}

func TestController_CanaryCompletesThroughSteps(t *testing.T) {
	b := newFakeBackend()
	c := testController(b, Options{})

	state, err := c.Run(context.Background(), testPlan(StrategyCanary))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if state.Phase != PhaseCompleted {
		t.Fatalf("phase = %s", state.Phase)
	}

	var steps []int
	for _, w := range b.weightCalls {
		steps = append(steps, w[TargetCanary])
		if w[TargetCanary]+w[TargetStable] != 100 {
			t.Errorf("weights %v do not sum to 100", w)
		}
	}
	if fmt.Sprint(steps) != "[10 35 60 85 100 0]" {
		t.Errorf("canary steps = %v", steps)
	}
	if w := b.currentWeights(); w[TargetStable] != 100 || w[TargetCanary] != 0 {
		t.Errorf("final weights = %v, want stable 100 canary 0", w)
	}
	if got := b.slot(TargetStable); got != "web:v2" {
		t.Errorf("stable runs %q, want web:v2", got)
	}
	if !state.Promoted || state.LiveTarget != TargetStable {
		t.Errorf("promoted = %v live = %s", state.Promoted, state.LiveTarget)
	}
}

func TestController_CanaryPromotionFailureRestoresStable(t *testing.T) {
	newBackend := func() *fakeBackend {
		b := newFakeBackend()
		b.health = func(target string, _ map[string]int) (HealthReport, error) {
			if target == TargetStable && b.slot(TargetStable) == "web:v2" {
				return HealthReport{Target: target, Healthy: false}, nil
			}
			return HealthReport{Target: target, Healthy: true}, nil
		}
		return b
	}

	t.Run("previous artifact known", func(t *testing.T) {
		b := newBackend()
		plan := testPlan(StrategyCanary)
		plan.PreviousArtifact = "web:v1"

		state, err := testController(b, Options{}).Run(context.Background(), plan)
		if !engine.IsHealthCheckFailure(err) {
			t.Fatalf("expected health check failure, got %v", err)
		}
		if state.Phase != PhaseRolledBack {
			t.Errorf("phase = %s, want rolled_back", state.Phase)
		}
		if got := b.slot(TargetStable); got != "web:v1" {
			t.Errorf("stable runs %q, want web:v1", got)
		}
		if w := b.currentWeights(); w[TargetStable] != 100 || w[TargetCanary] != 0 {
			t.Errorf("final weights = %v", w)
		}
	})

	t.Run("previous artifact unknown", func(t *testing.T) {
		b := newBackend()
		state, err := testController(b, Options{}).Run(context.Background(), testPlan(StrategyCanary))
		var depErr *DeploymentError
		if !errors.As(err, &depErr) || depErr.FinalPhase != PhaseFailed {
			t.Fatalf("expected deployment ending failed, got %v", err)
		}
		if state.RolledBack {
			t.Error("state claims a rollback that did not happen")
		}
	})
}

func TestController_CanaryFailureRestoresStable(t *testing.T) {
	for _, failAt := range []int{10, 35, 60, 85, 100} {
		t.Run(fmt.Sprintf("at_%d", failAt), func(t *testing.T) {
			b := newFakeBackend()
			b.health = func(target string, w map[string]int) (HealthReport, error) {
				if w[TargetCanary] == failAt {
					return HealthReport{Target: target, Healthy: true, ErrorRate: 0.2}, nil
				}
				return HealthReport{Target: target, Healthy: true}, nil
			}
			c := testController(b, Options{})

			plan := testPlan(StrategyCanary)
			plan.Parameters.RollbackThreshold = 0.5
			state, err := c.Run(context.Background(), plan)
			if err == nil {
				t.Fatal("expected canary failure")
			}
			if state.Phase != PhaseRolledBack {
				t.Errorf("phase = %s, want rolled_back", state.Phase)
			}
			if state.FailedPhase != PhaseVerifying {
				t.Errorf("failed phase = %s, want verifying", state.FailedPhase)
			}
			if state.CanaryStep != failAt {
				t.Errorf("canary step = %d, want %d", state.CanaryStep, failAt)
			}
			if w := b.currentWeights(); w[TargetCanary] != 0 || w[TargetStable] != 100 {
				t.Errorf("final weights = %v, want stable 100 canary 0", w)
			}
		})
	}
}

func TestController_CanaryRetriesTransientCheckErrors(t *testing.T) {
	var mu sync.Mutex
	failures := 0
	newBackend := func(limit int) *fakeBackend {
		failures = 0
		b := newFakeBackend()
		b.health = func(target string, w map[string]int) (HealthReport, error) {
			mu.Lock()
			defer mu.Unlock()
			if w[TargetCanary] == 35 && failures < limit {
				failures++
				return HealthReport{}, errors.New("connection reset")
			}
			return HealthReport{Target: target, Healthy: true}, nil
		}
		return b
	}

	t.Run("recovers", func(t *testing.T) {
		c := testController(newBackend(2), Options{})
		state, err := c.Run(context.Background(), testPlan(StrategyCanary))
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if state.Phase != PhaseCompleted {
			t.Errorf("phase = %s", state.Phase)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		b := newBackend(1000)
		c := testController(b, Options{})
		state, err := c.Run(context.Background(), testPlan(StrategyCanary))
		if !engine.IsInfrastructureError(err) {
			t.Fatalf("expected infrastructure error, got %v", err)
		}
		if state.Phase != PhaseRolledBack || state.CanaryStep != 35 {
			t.Errorf("phase = %s at step %d", state.Phase, state.CanaryStep)
		}
		if w := b.currentWeights(); w[TargetCanary] != 0 {
			t.Errorf("canary still receives %d%%", w[TargetCanary])
		}
	})
}

func TestController_RollingPartialRollback(t *testing.T) {
	const replicas, batchSize = 6, 2

	for failBatch := 1; failBatch <= replicas/batchSize; failBatch++ {
		t.Run(fmt.Sprintf("batch_%d", failBatch), func(t *testing.T) {
			bad := map[string]bool{
				fmt.Sprintf("web-%d", (failBatch-1)*batchSize):   true,
				fmt.Sprintf("web-%d", (failBatch-1)*batchSize+1): true,
			}
			b := newFakeBackend()
			b.health = func(target string, _ map[string]int) (HealthReport, error) {
				return HealthReport{Target: target, Healthy: !bad[target]}, nil
			}
			c := testController(b, Options{})

			plan := testPlan(StrategyRolling)
			plan.PreviousArtifact = "web:v1"
			plan.Environment.Replicas = replicas
			plan.Parameters.BatchSize = batchSize

			state, err := c.Run(context.Background(), plan)
			if err == nil {
				t.Fatal("expected rolling failure")
			}
			if state.Phase != PhaseRolledBack || state.Batch != failBatch {
				t.Fatalf("phase = %s batch = %d", state.Phase, state.Batch)
			}

			for i := 0; i < replicas; i++ {
				inst := fmt.Sprintf("web-%d", i)
				batch := i/batchSize + 1
				want := "web:v1"
				if batch < failBatch {
					want = "web:v2"
				}
				if got := state.Instances[inst]; got != want {
					t.Errorf("%s (batch %d) = %s, want %s", inst, batch, got, want)
				}
				if batch > failBatch && b.version(inst) != "" {
					t.Errorf("%s in a later batch was touched", inst)
				}
			}
		})
	}
}

func TestController_RollingCompletes(t *testing.T) {
	b := newFakeBackend()
	c := testController(b, Options{})

	plan := testPlan(StrategyRolling)
	plan.PreviousArtifact = "web:v1"
	plan.Parameters.BatchSize = 2

	state, err := c.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for inst, v := range state.Instances {
		if v != "web:v2" {
			t.Errorf("%s = %s", inst, v)
		}
	}
	if state.Batch != 2 {
		t.Errorf("batches = %d, want 2", state.Batch)
	}
}

func TestController_InfrastructureRetries(t *testing.T) {
	t.Run("transient provision failure", func(t *testing.T) {
		b := newFakeBackend()
		b.provFailures = 2
		c := testController(b, Options{})

		if _, err := c.Run(context.Background(), testPlan(StrategyBlueGreen)); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	})

	t.Run("exhausted provision failure", func(t *testing.T) {
		b := newFakeBackend()
		b.provFailures = 100
		c := testController(b, Options{})

		state, err := c.Run(context.Background(), testPlan(StrategyBlueGreen))
		if !engine.IsInfrastructureError(err) {
			t.Fatalf("expected infrastructure error, got %v", err)
		}
		if state.FailedPhase != PhaseProvisioning || state.Phase != PhaseRolledBack {
			t.Errorf("failed in %s ended %s", state.FailedPhase, state.Phase)
		}
	})

	t.Run("rollback failure ends failed", func(t *testing.T) {
		b := newFakeBackend()
		b.health = func(target string, _ map[string]int) (HealthReport, error) {
			return HealthReport{Target: target, Healthy: false}, nil
		}
		b.setFailures = 100
		c := testController(b, Options{})

		state, err := c.Run(context.Background(), testPlan(StrategyBlueGreen))
		var depErr *DeploymentError
		if !errors.As(err, &depErr) || depErr.FinalPhase != PhaseFailed {
			t.Fatalf("expected deployment ending failed, got %v", err)
		}
		if state.RolledBack {
			t.Error("state claims a rollback that did not happen")
		}
	})
}

func TestController_CancelDuringShiftRollsBack(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := newFakeBackend()
	b.onSetWeights = func(w map[string]int) {
		if w[TargetGreen] == 100 {
			cancel()
		}
	}
	c := testController(b, Options{})

	state, err := c.Run(ctx, testPlan(StrategyBlueGreen))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if state.Phase != PhaseRolledBack {
		t.Errorf("phase = %s, want rolled_back", state.Phase)
	}
	if w := b.currentWeights(); w[TargetBlue] != 100 {
		t.Errorf("weights after cancel = %v", w)
	}
	last := state.History[len(state.History)-2]
	if last.To != PhaseRollingBack || last.Reason != "cancelled" {
		t.Errorf("rollback transition = %+v", last)
	}
}

type denyGate struct{}

func (denyGate) Check(context.Context, Plan) error {
	return engine.NewConfigurationError("latest tag is not allowed", nil).WithCode(engine.ErrCodePolicyDenied)
}

func TestController_RejectsBeforeChangingAnything(t *testing.T) {
	tests := []struct {
		name string
		plan func() Plan
		opts Options
	}{
		{
			name: "invalid plan",
			plan: func() Plan {
				p := testPlan(StrategyRolling)
				p.Artifact = ""
				return p
			},
		},
		{
			name: "unknown strategy",
			plan: func() Plan { return testPlan(Strategy("big-bang")) },
		},
		{
			name: "policy denied",
			plan: func() Plan { return testPlan(StrategyBlueGreen) },
			opts: Options{Gate: denyGate{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			c := testController(b, tt.opts)

			state, err := c.Run(context.Background(), tt.plan())
			if !engine.IsConfigurationError(err) {
				t.Fatalf("expected configuration error, got %v", err)
			}
			if state.Phase != PhasePending || len(state.History) != 0 {
				t.Errorf("phase = %s history = %d", state.Phase, len(state.History))
			}
			if len(b.provisioned) != 0 || len(b.weightCalls) != 0 || b.checks != 0 {
				t.Error("backend was called for a rejected plan")
			}
		})
	}
}

func TestController_DryRun(t *testing.T) {
	dry := NewDryRunBackend()
	c := NewController(dry.Backend(), Options{Clock: clock.AutoAdvance(time.Unix(0, 0))}, zerolog.Nop())

	plan := testPlan(StrategyCanary)
	state, err := c.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if state.Phase != PhaseCompleted {
		t.Errorf("phase = %s", state.Phase)
	}
	calls := dry.Calls()
	if len(calls) == 0 || calls[0] != "provision canary with web:v2 x3" {
		t.Errorf("calls = %v", calls)
	}
}

// blindShifter hides the TrafficReader of the wrapped shifter.
type blindShifter struct {
	TrafficShifter
}

func TestController_BlueGreenConsecutiveDeployments(t *testing.T) {
	type observed struct {
		target string
		live   string
		slot   string
	}

	run := func(t *testing.T, c *Controller, b *fakeBackend, plan Plan) (State, []observed, error) {
		t.Helper()
		var seen []observed
		b.health = func(target string, w map[string]int) (HealthReport, error) {
			live := TargetBlue
			if w[TargetGreen] > w[TargetBlue] {
				live = TargetGreen
			}
			seen = append(seen, observed{target: target, live: live, slot: b.slot(live)})
			return HealthReport{Target: target, Healthy: true}, nil
		}
		state, err := c.Run(context.Background(), plan)
		return state, seen, err
	}

	second := func() Plan {
		p := testPlan(StrategyBlueGreen)
		p.ID = "dep-2"
		p.Artifact = "web:v3"
		p.PreviousArtifact = "web:v2"
		return p
	}

	tests := []struct {
		name       string
		controller func(b *fakeBackend) (first, second *Controller)
	}{
		{
			name: "backend reports weights",
			controller: func(b *fakeBackend) (*Controller, *Controller) {
				return testController(b, Options{}), testController(b, Options{})
			},
		},
		{
			name: "controller remembers live colour",
			controller: func(b *fakeBackend) (*Controller, *Controller) {
				backend := Backend{Health: b, Traffic: blindShifter{b}, Provisioner: b}
				c := NewController(backend, Options{Clock: clock.AutoAdvance(time.Unix(0, 0))}, zerolog.Nop())
				return c, c
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			first, next := tt.controller(b)

			state, _, err := run(t, first, b, testPlan(StrategyBlueGreen))
			if err != nil {
				t.Fatalf("first deployment failed: %v", err)
			}
			if state.Target != TargetGreen || state.LiveTarget != TargetGreen {
				t.Fatalf("first deployment target = %s live = %s", state.Target, state.LiveTarget)
			}

			state, seen, err := run(t, next, b, second())
			if err != nil {
				t.Fatalf("second deployment failed: %v", err)
			}
			if state.Target != TargetBlue || state.LiveTarget != TargetBlue {
				t.Errorf("second deployment target = %s live = %s", state.Target, state.LiveTarget)
			}
			if got := b.slot(TargetGreen); got != "web:v2" {
				t.Errorf("green runs %q, want web:v2 kept for rollback", got)
			}
			if got := b.slot(TargetBlue); got != "web:v3" {
				t.Errorf("blue runs %q, want web:v3", got)
			}
			if w := b.currentWeights(); w[TargetBlue] != 100 || w[TargetGreen] != 0 {
				t.Errorf("weights = %v, want blue at 100", w)
			}
			for _, o := range seen {
				if o.target == TargetBlue && o.live == TargetGreen && o.slot != "web:v2" {
					t.Errorf("live green ran %q while blue was checked", o.slot)
				}
			}
		})
	}

	t.Run("rollback returns to the previous live colour", func(t *testing.T) {
		b := newFakeBackend()
		c := testController(b, Options{})
		if _, _, err := run(t, c, b, testPlan(StrategyBlueGreen)); err != nil {
			t.Fatalf("first deployment failed: %v", err)
		}

		b.health = func(target string, _ map[string]int) (HealthReport, error) {
			return HealthReport{Target: target, Healthy: target != TargetBlue}, nil
		}
		state, err := c.Run(context.Background(), second())
		if err == nil {
			t.Fatal("expected second deployment to fail")
		}
		if state.Phase != PhaseRolledBack || state.LiveTarget != TargetGreen {
			t.Errorf("phase = %s live = %s", state.Phase, state.LiveTarget)
		}
		if w := b.currentWeights(); w[TargetGreen] != 100 || w[TargetBlue] != 0 {
			t.Errorf("weights = %v, want green at 100", w)
		}
		if got := b.slot(TargetGreen); got != "web:v2" {
			t.Errorf("green runs %q, want web:v2", got)
		}
	})

	t.Run("plan names the live colour", func(t *testing.T) {
		b := newFakeBackend()
		backend := Backend{Health: b, Traffic: blindShifter{b}, Provisioner: b}
		c := NewController(backend, Options{Clock: clock.AutoAdvance(time.Unix(0, 0))}, zerolog.Nop())

		plan := testPlan(StrategyBlueGreen)
		plan.LiveTarget = TargetGreen
		state, err := c.Run(context.Background(), plan)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if state.Target != TargetBlue || b.slot(TargetGreen) != "" {
			t.Errorf("target = %s, green provisioned with %q", state.Target, b.slot(TargetGreen))
		}
	})
}

func TestController_CanaryConsecutiveDeployments(t *testing.T) {
	b := newFakeBackend()
	c := testController(b, Options{})

	if _, err := c.Run(context.Background(), testPlan(StrategyCanary)); err != nil {
		t.Fatalf("first deployment failed: %v", err)
	}

	var firstCheck map[string]int
	stableAtFirstCheck := ""
	b.health = func(target string, w map[string]int) (HealthReport, error) {
		if firstCheck == nil {
			firstCheck = w
			stableAtFirstCheck = b.slot(TargetStable)
		}
		return HealthReport{Target: target, Healthy: true}, nil
	}

	plan := testPlan(StrategyCanary)
	plan.ID = "dep-2"
	plan.Artifact = "web:v3"
	plan.PreviousArtifact = "web:v2"
	if _, err := c.Run(context.Background(), plan); err != nil {
		t.Fatalf("second deployment failed: %v", err)
	}

	if firstCheck[TargetStable] != 100 || firstCheck[TargetCanary] != 0 {
		t.Errorf("weights at first check = %v, want stable 100", firstCheck)
	}
	if stableAtFirstCheck != "web:v2" {
		t.Errorf("stable ran %q at first check, want web:v2", stableAtFirstCheck)
	}
	if got := b.slot(TargetStable); got != "web:v3" {
		t.Errorf("stable runs %q after promotion, want web:v3", got)
	}
}

func TestController_CancelKeepsStrategyError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := newFakeBackend()
	b.health = func(target string, w map[string]int) (HealthReport, error) {
		if w[TargetCanary] > 0 {
			cancel()
			return HealthReport{Target: target, Healthy: false}, nil
		}
		return HealthReport{Target: target, Healthy: true}, nil
	}
	c := testController(b, Options{})

	state, err := c.Run(ctx, testPlan(StrategyCanary))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cancellation in chain, got %v", err)
	}
	if !engine.IsHealthCheckFailure(err) {
		t.Errorf("expected health check failure in chain, got %v", err)
	}
	if state.Phase != PhaseRolledBack {
		t.Errorf("phase = %s, want rolled_back", state.Phase)
	}
}
