package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/unibuild/unibuild/pkg/deploy"
)

// SchemaRegistry holds CUE schemas for semantic validation. Every schema
// constrains a top-level "value" field; documents are filled into it and
// checked for concreteness.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, schema := range map[string]string{
		"language":    builtinLanguageSchema,
		"environment": builtinEnvironmentSchema,
		"strategy":    builtinStrategySchema,
	} {
		if err := sr.RegisterSchema(name, schema); err != nil {
			panic(err)
		}
	}
	return sr
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if !val.LookupPath(cue.ParsePath("value")).Exists() {
		return fmt.Errorf("schema %s does not constrain a value field", name)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	value := schema.FillPath(cue.ParsePath("value"), data).LookupPath(cue.ParsePath("value"))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// ValidateConfig checks every language, environment and strategy section
// and returns one ValidationError per problem.
func (sr *SchemaRegistry) ValidateConfig(cfg *Config) []ValidationError {
	var problems []ValidationError
	check := func(schema, path string, doc map[string]interface{}) {
		if err := sr.ValidateAgainstSchema(schema, doc); err != nil {
			for _, ve := range convertCUEErrors(err) {
				ve.File = cfg.Source
				ve.Line, ve.Column = 0, 0
				rest := strings.TrimPrefix(ve.Path, "value")
				if rest == ve.Path {
					rest = ""
				}
				ve.Path = path + rest
				problems = append(problems, ve)
			}
		}
	}

	for _, name := range sortedKeys(cfg.Languages) {
		check("language", "languages."+name, languageDocument(name, cfg.Languages[name]))
	}
	for _, name := range sortedKeys(cfg.Environments) {
		check("environment", "environments."+name, environmentDocument(name, cfg.Environments[name]))
	}
	s := cfg.Strategies
	check("strategy", "strategies.blue_green", strategyDocument(deploy.StrategyBlueGreen, s.BlueGreen.HealthParams, nil))
	check("strategy", "strategies.canary", strategyDocument(deploy.StrategyCanary, s.Canary.HealthParams, map[string]interface{}{
		"steps":             intsToInterfaces(s.Canary.Steps),
		"success_threshold": s.Canary.SuccessThreshold,
	}))
	check("strategy", "strategies.rolling", strategyDocument(deploy.StrategyRolling, s.Rolling.HealthParams, map[string]interface{}{
		"batch_size": s.Rolling.BatchSize,
	}))
	return problems
}

func languageDocument(name string, lc LanguageConfig) map[string]interface{} {
	ops := make(map[string]interface{}, len(lc.Operations))
	for opName, o := range lc.Operations {
		ops[opName] = map[string]interface{}{
			"command":         o.Command,
			"timeout_seconds": o.Timeout.Std().Seconds(),
			"retryable":       o.Retryable,
			"max_retries":     o.MaxRetries,
		}
	}
	return map[string]interface{}{
		"name":       name,
		"markers":    len(lc.ProjectFiles) + len(lc.FilePatterns),
		"priority":   lc.Priority,
		"toolchain":  stringsToInterfaces(lc.Toolchain),
		"operations": ops,
	}
}

func environmentDocument(name string, env EnvironmentConfig) map[string]interface{} {
	return map[string]interface{}{
		"name":        name,
		"type":        env.Type,
		"replicas":    env.Replicas,
		"health_path": env.HealthCheck.Path,
		"health_port": env.HealthCheck.Port,
		"backend":     env.Backend.Type,
	}
}

func strategyDocument(s deploy.Strategy, hp HealthParams, extra map[string]interface{}) map[string]interface{} {
	doc := map[string]interface{}{
		"name":               string(s),
		"interval_seconds":   hp.HealthCheckInterval.Std().Seconds(),
		"deadline_seconds":   hp.HealthCheckDeadline.Std().Seconds(),
		"healthy_threshold":  hp.HealthyThreshold,
		"rollback_threshold": hp.RollbackThreshold,
	}
	for k, v := range extra {
		doc[k] = v
	}
	return doc
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringsToInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func intsToInterfaces(in []int) []interface{} {
	out := make([]interface{}, len(in))
	for i, n := range in {
		out[i] = n
	}
	return out
}

const builtinLanguageSchema = `
#Operation: {
	command:         string & !=""
	timeout_seconds: number & >=0 & <=86400
	retryable:       bool
	max_retries:     int & >=0 & <=10

	// Retries only make sense for operations marked retryable.
	if !retryable {
		max_retries: 0
	}
}

#Language: {
	name: =~"^[a-z][a-z0-9_+#-]*$"

	// A language needs at least one marker file or source pattern.
	markers:  int & >=1
	priority: int & >=0 & <=1000
	toolchain: [...=~"^[A-Za-z0-9._+-]+$"]
	operations: [=~"^[a-z][a-z0-9_-]*$"]: #Operation
}

value: #Language
`

const builtinEnvironmentSchema = `
#Environment: {
	name:        =~"^[a-z0-9][a-z0-9_-]*$"
	type:        string & !=""
	replicas:    int & >=1 & <=1000
	health_path: =~"^/"
	health_port: int & >0 & <65536
	backend:     "kubectl" | "dry-run"
}

value: #Environment
`

const builtinStrategySchema = `
#Strategy: {
	name:               "blue-green" | "canary" | "rolling"
	interval_seconds:   number & >=0
	deadline_seconds:   number & >=0
	healthy_threshold:  int & >=0 & <=100
	rollback_threshold: number & >=0 & <=1

	if name == "canary" {
		steps: [...int & >=1 & <=100]
		success_threshold: number & >=0 & <=1
	}
	if name == "rolling" {
		batch_size: int & >=0
	}
}

value: #Strategy
`
