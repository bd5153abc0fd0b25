package deploy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/unibuild/unibuild/pkg/engine"
)

// Strategy names a traffic-migration algorithm.
type Strategy string

const (
	StrategyBlueGreen Strategy = "blue-green"
	StrategyCanary    Strategy = "canary"
	StrategyRolling   Strategy = "rolling"
)

// Strategies lists every supported strategy.
var Strategies = []Strategy{StrategyBlueGreen, StrategyCanary, StrategyRolling}

// Validate checks that s is a known strategy.
func (s Strategy) Validate() error {
	for _, known := range Strategies {
		if s == known {
			return nil
		}
	}
	return fmt.Errorf("unknown deployment strategy %q", s)
}

// Well-known traffic targets. Backends map them onto real resources.
const (
	TargetBlue   = "blue"
	TargetGreen  = "green"
	TargetStable = "stable"
	TargetCanary = "canary"
)

// HealthEndpoint locates the health check of an environment.
type HealthEndpoint struct {
	Path string `json:"path" yaml:"path"`
	Port int    `json:"port" yaml:"port"`
}

// Environment describes the deployment target.
type Environment struct {
	Name        string         `json:"name"`
	Type        string         `json:"type"`
	Namespace   string         `json:"namespace,omitempty"`
	Replicas    int            `json:"replicas"`
	HealthCheck HealthEndpoint `json:"health_check"`
}

// Parameters are the strategy tunables. Zero values take the defaults
// returned by DefaultParameters.
type Parameters struct {
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	HealthCheckDeadline time.Duration `json:"health_check_deadline"`
	HealthyThreshold    int           `json:"healthy_threshold"`

	// RollbackThreshold is the highest error rate still considered healthy.
	RollbackThreshold float64 `json:"rollback_threshold"`

	// Blue-green.
	SwitchTrafficDelay time.Duration `json:"switch_traffic_delay"`
	VerifyWindow       time.Duration `json:"verify_window"`

	// Canary.
	CanarySteps      []int         `json:"canary_steps,omitempty"`
	InitialTraffic   int           `json:"initial_traffic"`
	TrafficIncrement int           `json:"traffic_increment"`
	StepInterval     time.Duration `json:"step_interval"`
	SuccessThreshold float64       `json:"success_threshold"`
	TransientRetries int           `json:"transient_retries"`

	// Rolling.
	BatchSize int `json:"batch_size"`

	// Retries for provision, replace and traffic calls.
	InfraRetries int           `json:"infra_retries"`
	InfraBackoff time.Duration `json:"infra_backoff"`
}

// DefaultParameters returns the parameter defaults.
func DefaultParameters() Parameters {
	return Parameters{
		HealthCheckInterval: 30 * time.Second,
		HealthCheckDeadline: 5 * time.Minute,
		HealthyThreshold:    3,
		RollbackThreshold:   0.05,
		SwitchTrafficDelay:  60 * time.Second,
		VerifyWindow:        60 * time.Second,
		InitialTraffic:      10,
		TrafficIncrement:    25,
		StepInterval:        5 * time.Minute,
		SuccessThreshold:    0.99,
		TransientRetries:    3,
		BatchSize:           1,
		InfraRetries:        3,
		InfraBackoff:        5 * time.Second,
	}
}

// WithDefaults fills unset fields from DefaultParameters.
func (p Parameters) WithDefaults() Parameters {
	d := DefaultParameters()
	if p.HealthCheckInterval == 0 {
		p.HealthCheckInterval = d.HealthCheckInterval
	}
	if p.HealthCheckDeadline == 0 {
		p.HealthCheckDeadline = d.HealthCheckDeadline
	}
	if p.HealthyThreshold == 0 {
		p.HealthyThreshold = d.HealthyThreshold
	}
	if p.RollbackThreshold == 0 {
		p.RollbackThreshold = d.RollbackThreshold
	}
	if p.SwitchTrafficDelay == 0 {
		p.SwitchTrafficDelay = d.SwitchTrafficDelay
	}
	if p.VerifyWindow == 0 {
		p.VerifyWindow = d.VerifyWindow
	}
	if p.InitialTraffic == 0 {
		p.InitialTraffic = d.InitialTraffic
	}
	if p.TrafficIncrement == 0 {
		p.TrafficIncrement = d.TrafficIncrement
	}
	if p.StepInterval == 0 {
		p.StepInterval = d.StepInterval
	}
	if p.SuccessThreshold == 0 {
		p.SuccessThreshold = d.SuccessThreshold
	}
	if p.TransientRetries == 0 {
		p.TransientRetries = d.TransientRetries
	}
	if p.BatchSize == 0 {
		p.BatchSize = d.BatchSize
	}
	if p.InfraRetries == 0 {
		p.InfraRetries = d.InfraRetries
	}
	if p.InfraBackoff == 0 {
		p.InfraBackoff = d.InfraBackoff
	}
	return p
}

// Steps returns the canary traffic percentages. Explicit CanarySteps win;
// otherwise the steps grow from InitialTraffic by TrafficIncrement. The
// last step is always 100.
func (p Parameters) Steps() []int {
	var steps []int
	if len(p.CanarySteps) > 0 {
		steps = append(steps, p.CanarySteps...)
	} else if p.TrafficIncrement > 0 {
		for pct := p.InitialTraffic; pct < 100; pct += p.TrafficIncrement {
			steps = append(steps, pct)
		}
	}
	if len(steps) == 0 || steps[len(steps)-1] != 100 {
		steps = append(steps, 100)
	}
	return steps
}

// Plan is everything the controller needs to run one deployment.
type Plan struct {
	ID               string      `json:"id"`
	Service          string      `json:"service"`
	Strategy         Strategy    `json:"strategy"`
	Artifact         string      `json:"artifact"`
	PreviousArtifact string      `json:"previous_artifact,omitempty"`

	// LiveTarget is the blue-green colour serving traffic before the
	// deployment. Empty means ask the backend, then fall back to blue.
	LiveTarget  string      `json:"live_target,omitempty"`
	Environment Environment `json:"environment"`
	Parameters  Parameters  `json:"parameters"`
}

// Validate reports every structural problem with the plan as a single
// configuration error.
func (p *Plan) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if p.Service == "" {
		add("service is required")
	}
	if err := p.Strategy.Validate(); err != nil {
		add("%v", err)
	}
	if p.Artifact == "" {
		add("artifact is required")
	}
	if p.Environment.Name == "" {
		add("environment name is required")
	}
	if p.Environment.Replicas <= 0 {
		add("environment replicas must be positive")
	}
	if p.LiveTarget != "" && p.LiveTarget != TargetBlue && p.LiveTarget != TargetGreen {
		add("live_target must be %q or %q", TargetBlue, TargetGreen)
	}

	params := p.Parameters
	if params.HealthCheckInterval <= 0 {
		add("health_check_interval must be positive")
	}
	if params.HealthCheckDeadline <= 0 {
		add("health_check_deadline must be positive")
	}
	if params.HealthyThreshold <= 0 {
		add("healthy_threshold must be positive")
	}
	if params.RollbackThreshold < 0 || params.RollbackThreshold > 1 {
		add("rollback_threshold must be between 0 and 1")
	}
	if params.InfraRetries < 0 {
		add("infra_retries must not be negative")
	}

	switch p.Strategy {
	case StrategyCanary:
		if params.SuccessThreshold <= 0 || params.SuccessThreshold > 1 {
			add("success_threshold must be in (0, 1]")
		}
		prev := 0
		for _, pct := range params.CanarySteps {
			if pct <= prev || pct > 100 {
				add("canary_steps must be strictly increasing within 1..100")
				break
			}
			prev = pct
		}
	case StrategyRolling:
		if params.BatchSize <= 0 {
			add("batch_size must be positive")
		}
		if p.PreviousArtifact == "" {
			add("previous_artifact is required for rolling deployments")
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return engine.NewConfigurationError("invalid deployment plan: "+strings.Join(problems, "; "), nil).
		WithResource(p.Service).
		WithCode(engine.ErrCodeValidation)
}

// Instances returns the rolling instance names of the plan.
func (p *Plan) Instances() []string {
	out := make([]string, p.Environment.Replicas)
	for i := range out {
		out[i] = fmt.Sprintf("%s-%d", p.Service, i)
	}
	return out
}

// Batches splits the rolling instances into batches of BatchSize.
func (p *Plan) Batches() [][]string {
	instances := p.Instances()
	size := p.Parameters.BatchSize
	if size <= 0 {
		size = 1
	}
	var batches [][]string
	for start := 0; start < len(instances); start += size {
		end := start + size
		if end > len(instances) {
			end = len(instances)
		}
		batches = append(batches, instances[start:end])
	}
	return batches
}

// otherColour returns the blue-green colour that is not c.
func otherColour(c string) string {
	if c == TargetGreen {
		return TargetBlue
	}
	return TargetGreen
}

// describeWeights renders weights in a stable order.
func describeWeights(weights map[string]int) string {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, weights[k])
	}
	return strings.Join(parts, ",")
}
