package config

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/unibuild/unibuild/pkg/deploy"
	"github.com/unibuild/unibuild/pkg/engine"
)

// LanguageTable converts the languages section to the engine's table.
// Operations without a timeout inherit global.timeout.
func (c *Config) LanguageTable() engine.LanguageTable {
	table := make(engine.LanguageTable, len(c.Languages))
	for name, lc := range c.Languages {
		lang := engine.Language(name)
		rule := engine.LanguageRule{
			Language:     lang,
			ProjectFiles: append([]string(nil), lc.ProjectFiles...),
			FilePatterns: append([]string(nil), lc.FilePatterns...),
			Priority:     lc.Priority,
			Toolchain:    append([]string(nil), lc.Toolchain...),
			Artifacts:    append([]string(nil), lc.Artifacts...),
			Operations:   make(map[string]engine.OperationSpec, len(lc.Operations)),
		}
		for _, fw := range lc.Frameworks {
			rule.Frameworks = append(rule.Frameworks, engine.Framework{Name: fw.Name, Files: fw.Files})
		}
		for opName, o := range lc.Operations {
			timeout := o.Timeout.Std()
			if timeout == 0 {
				timeout = c.Global.Timeout.Std()
			}
			rule.Operations[opName] = engine.OperationSpec{
				Name:       opName,
				Command:    o.Command,
				Timeout:    timeout,
				Retryable:  o.Retryable,
				MaxRetries: o.MaxRetries,
			}
		}
		table[lang] = rule
	}
	return table
}

// DetectorOptions returns the detection settings of the global section.
func (c *Config) DetectorOptions() engine.DetectorOptions {
	return engine.DetectorOptions{
		SkipDirs:        c.Global.SkipDirs,
		Exclude:         c.Global.Exclude,
		MinPatternFiles: c.Global.MinPatternFiles,
		MinConfidence:   c.Global.MinConfidence,
	}
}

// ExecutorConfig returns the process executor settings.
func (c *Config) ExecutorConfig(dryRun bool) engine.ExecutorConfig {
	env := make([]string, 0, len(c.Global.Env))
	for _, k := range sortedKeys(c.Global.Env) {
		env = append(env, k+"="+c.Global.Env[k])
	}
	return engine.ExecutorConfig{
		Env:         env,
		OutputLimit: c.Global.OutputLimit,
		DryRun:      dryRun,
	}
}

// SchedulerOptions returns the scheduling limits. The caller adds hooks,
// events and sinks.
func (c *Config) SchedulerOptions() engine.SchedulerOptions {
	return engine.SchedulerOptions{
		Concurrency:  c.Global.MaxParallel,
		MaxRetries:   c.Global.MaxRetries,
		RetryBackoff: c.Global.RetryBackoff.Std(),
	}
}

// EnvironmentNames returns the configured environments in sorted order.
func (c *Config) EnvironmentNames() []string {
	return sortedKeys(c.Environments)
}

// Parameters returns the deployment parameters configured for strategy.
func (c *Config) Parameters(strategy deploy.Strategy) deploy.Parameters {
	var p deploy.Parameters
	var hp HealthParams
	switch strategy {
	case deploy.StrategyBlueGreen:
		bg := c.Strategies.BlueGreen
		hp = bg.HealthParams
		p.SwitchTrafficDelay = bg.SwitchTrafficDelay.Std()
		p.VerifyWindow = bg.VerifyWindow.Std()
	case deploy.StrategyCanary:
		cn := c.Strategies.Canary
		hp = cn.HealthParams
		p.CanarySteps = append([]int(nil), cn.Steps...)
		p.InitialTraffic = cn.InitialTraffic
		p.TrafficIncrement = cn.TrafficIncrement
		p.StepInterval = cn.StepInterval.Std()
		p.SuccessThreshold = cn.SuccessThreshold
		p.TransientRetries = cn.TransientRetries
	case deploy.StrategyRolling:
		rl := c.Strategies.Rolling
		hp = rl.HealthParams
		p.BatchSize = rl.BatchSize
	}
	p.HealthCheckInterval = hp.HealthCheckInterval.Std()
	p.HealthCheckDeadline = hp.HealthCheckDeadline.Std()
	p.HealthyThreshold = hp.HealthyThreshold
	p.RollbackThreshold = hp.RollbackThreshold
	p.InfraRetries = hp.InfraRetries
	p.InfraBackoff = hp.InfraBackoff.Std()
	return p.WithDefaults()
}

// DeploymentRequest names what to deploy where.
type DeploymentRequest struct {
	Environment      string
	Service          string
	Strategy         deploy.Strategy
	Artifact         string
	PreviousArtifact string
	LiveTarget       string
}

// DeploymentPlan builds a plan for req from the environment and strategy
// sections. The plan is not validated here.
func (c *Config) DeploymentPlan(req DeploymentRequest) (deploy.Plan, error) {
	env, ok := c.Environments[req.Environment]
	if !ok {
		return deploy.Plan{}, engine.NewConfigurationError(
			fmt.Sprintf("environment %q is not configured", req.Environment), nil,
		).WithResource(req.Environment).WithCode(engine.ErrCodeNotFound)
	}
	if err := req.Strategy.Validate(); err != nil {
		return deploy.Plan{}, engine.NewConfigurationError("invalid strategy", err)
	}

	return deploy.Plan{
		ID:               uuid.New().String(),
		Service:          req.Service,
		Strategy:         req.Strategy,
		Artifact:         req.Artifact,
		PreviousArtifact: req.PreviousArtifact,
		LiveTarget:       req.LiveTarget,
		Environment: deploy.Environment{
			Name:      req.Environment,
			Type:      env.Type,
			Namespace: env.Namespace,
			Replicas:  env.Replicas,
			HealthCheck: deploy.HealthEndpoint{
				Path: env.HealthCheck.Path,
				Port: env.HealthCheck.Port,
			},
		},
		Parameters: c.Parameters(req.Strategy),
	}, nil
}
