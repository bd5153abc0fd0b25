package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/unibuild/unibuild/pkg/deploy"
	"github.com/unibuild/unibuild/pkg/engine"
)

// Engine evaluates Rego policies against deployment plans. It implements
// deploy.PolicyGate.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
	dryRun   bool
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		if err := e.compile(context.Background(), &builtins[i]); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// SetDryRun marks subsequent evaluations as dry runs in the policy input.
func (e *Engine) SetDryRun(dryRun bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dryRun = dryRun
}

// LoadPolicies compiles policy files and directories and adds them to
// the engine. A policy with the name of an existing one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compile(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// compile parses the module and prepares a query for its deny set.
// Callers other than NewEngine hold e.mu.
func (e *Engine) compile(ctx context.Context, p *Policy) error {
	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(p.Name+".rego", p.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{policy: p, query: query, compiled: time.Now()}
	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// Evaluate runs every enabled policy against plan.
func (e *Engine) Evaluate(ctx context.Context, plan deploy.Plan) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := Input{
		Deployment: plan,
		Context: Context{
			Production: IsProduction(plan.Environment),
			Timestamp:  start,
			DryRun:     e.dryRun,
		},
	}

	result := &Result{Allowed: true, EvaluatedAt: start}
	for _, name := range e.names() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		for _, r := range rs {
			for _, expr := range r.Expressions {
				items, ok := expr.Value.([]interface{})
				if !ok {
					continue
				}
				for _, item := range items {
					v := violation(cp.policy, item)
					if v.Severity.Blocking() {
						result.Allowed = false
					}
					result.Violations = append(result.Violations, v)
				}
			}
		}
	}

	result.Duration = time.Since(start)
	e.logger.Debug().
		Str("deployment", plan.ID).
		Int("violations", len(result.Violations)).
		Bool("allowed", result.Allowed).
		Dur("duration", result.Duration).
		Msg("Deployment policy evaluation completed")

	return result, nil
}

// Check implements deploy.PolicyGate. Blocking violations become a
// configuration error; warnings are only logged.
func (e *Engine) Check(ctx context.Context, plan deploy.Plan) error {
	result, err := e.Evaluate(ctx, plan)
	if err != nil {
		return engine.NewConfigurationError("policy evaluation failed", err)
	}

	var blocking []string
	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			blocking = append(blocking, fmt.Sprintf("%s: %s", v.Policy, v.Message))
			continue
		}
		e.logger.Warn().Str("policy", v.Policy).Str("severity", string(v.Severity)).Msg(v.Message)
	}
	if len(blocking) == 0 {
		return nil
	}
	return engine.NewConfigurationError("deployment rejected by policy: "+strings.Join(blocking, "; "), nil).
		WithResource(plan.Service).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", result.Violations)
}

func violation(p *Policy, item interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch val := item.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", item)
	}
	return v
}

func (e *Engine) names() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.names() {
		out = append(out, *e.policies[name].policy)
	}
	return out
}

// SetEnabled enables or disables a policy by name.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

// IsProduction reports whether env is a production environment.
func IsProduction(env deploy.Environment) bool {
	for _, s := range []string{env.Type, env.Name} {
		switch strings.ToLower(s) {
		case "production", "prod":
			return true
		}
	}
	return false
}
