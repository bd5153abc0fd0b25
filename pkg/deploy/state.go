package deploy

import (
	"fmt"
	"time"
)

// Phase is a state of the deployment state machine.
type Phase string

const (
	PhasePending         Phase = "pending"
	PhaseProvisioning    Phase = "provisioning"
	PhaseHealthChecking  Phase = "health_checking"
	PhaseTrafficShifting Phase = "traffic_shifting"
	PhaseVerifying       Phase = "verifying"
	PhaseCompleted       Phase = "completed"
	PhaseRollingBack     Phase = "rolling_back"
	PhaseRolledBack      Phase = "rolled_back"
	PhaseFailed          Phase = "failed"
)

// IsTerminal reports whether no further transition can leave p.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseRolledBack || p == PhaseFailed
}

// allowedTransitions is the phase graph. Verifying may loop back to
// TrafficShifting for the next canary step or rolling batch.
var allowedTransitions = map[Phase][]Phase{
	PhasePending:         {PhaseProvisioning, PhaseRollingBack},
	PhaseProvisioning:    {PhaseHealthChecking, PhaseTrafficShifting, PhaseRollingBack},
	PhaseHealthChecking:  {PhaseTrafficShifting, PhaseVerifying, PhaseRollingBack},
	PhaseTrafficShifting: {PhaseHealthChecking, PhaseVerifying, PhaseRollingBack},
	PhaseVerifying:       {PhaseTrafficShifting, PhaseCompleted, PhaseRollingBack},
	PhaseRollingBack:     {PhaseRolledBack, PhaseFailed},
}

func canTransition(from, to Phase) bool {
	for _, p := range allowedTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// Transition is one recorded phase change.
type Transition struct {
	From   Phase     `json:"from"`
	To     Phase     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// HealthReport is the answer of a HealthChecker.
type HealthReport struct {
	Target    string        `json:"target"`
	Healthy   bool          `json:"healthy"`
	ErrorRate float64       `json:"error_rate"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// State is the record of one deployment. The controller is its only
// writer; everyone else gets a Snapshot.
type State struct {
	ID          string            `json:"id"`
	Plan        Plan              `json:"plan"`
	Phase       Phase             `json:"phase"`
	History     []Transition      `json:"history"`
	LastHealth  *HealthReport     `json:"last_health,omitempty"`
	RolledBack  bool              `json:"rolled_back"`
	FailedPhase Phase             `json:"failed_phase,omitempty"`
	Error       string            `json:"error,omitempty"`
	Weights     map[string]int    `json:"weights,omitempty"`
	Instances   map[string]string `json:"instances,omitempty"`
	CanaryStep  int               `json:"canary_step,omitempty"`
	Batch       int               `json:"batch,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at,omitempty"`

	// Target is the slot this deployment provisioned. LiveTarget is the
	// slot left serving traffic: the idle colour after a blue-green
	// switch, the previous colour after a rollback, stable for canary.
	Target     string `json:"target,omitempty"`
	LiveTarget string `json:"live_target,omitempty"`

	// Promoted is set once stable has been re-provisioned with the
	// canary artifact.
	Promoted bool `json:"promoted,omitempty"`
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() State {
	out := *s
	out.History = append([]Transition(nil), s.History...)
	if s.LastHealth != nil {
		h := *s.LastHealth
		out.LastHealth = &h
	}
	out.Plan.Parameters.CanarySteps = append([]int(nil), s.Plan.Parameters.CanarySteps...)
	out.Weights = copyMap(s.Weights)
	out.Instances = copyMap(s.Instances)
	return out
}

// Describe summarizes the environment the deployment left behind.
func (s *State) Describe() string {
	switch s.Plan.Strategy {
	case StrategyBlueGreen:
		if s.Target == "" {
			return string(s.Phase)
		}
		if s.LiveTarget == s.Target {
			return fmt.Sprintf("traffic %s; %s running %s is live, %s kept for rollback",
				describeWeights(s.Weights), s.Target, s.Plan.Artifact, otherColour(s.Target))
		}
		return fmt.Sprintf("traffic %s; %s environment running %s kept for inspection",
			describeWeights(s.Weights), s.Target, s.Plan.Artifact)
	case StrategyCanary:
		if s.Promoted && s.Phase == PhaseCompleted {
			return fmt.Sprintf("traffic %s; stable promoted to %s", describeWeights(s.Weights), s.Plan.Artifact)
		}
		return fmt.Sprintf("traffic %s after step %d", describeWeights(s.Weights), s.CanaryStep)
	case StrategyRolling:
		updated := 0
		for _, v := range s.Instances {
			if v == s.Plan.Artifact {
				updated++
			}
		}
		return fmt.Sprintf("%d of %d instances on %s, the rest on %s",
			updated, len(s.Instances), s.Plan.Artifact, s.Plan.PreviousArtifact)
	}
	return string(s.Phase)
}

func copyMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return nil
	}
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// DeploymentError reports a deployment that did not complete.
type DeploymentError struct {
	DeploymentID string
	FailedPhase  Phase
	FinalPhase   Phase
	Environment  string
	Err          error
}

func (e *DeploymentError) Error() string {
	return fmt.Sprintf("deployment %s failed during %s and ended %s (%s): %v",
		e.DeploymentID, e.FailedPhase, e.FinalPhase, e.Environment, e.Err)
}

func (e *DeploymentError) Unwrap() error {
	return e.Err
}
