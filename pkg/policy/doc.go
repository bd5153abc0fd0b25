// Package policy gates deployment plans with Open Policy Agent (OPA)
// Rego policies.
//
// Each policy is a Rego v1 module whose deny set lists violations. A
// violation is either a message string or an object with message and
// severity fields. Violations of severity error or critical reject the
// plan; warnings and info findings are logged and the deployment goes
// ahead.
//
// Policies see the following input document:
//
//	{
//	  "deployment": { ... deploy.Plan ... },
//	  "context": {"production": true, "timestamp": "...", "dry_run": false}
//	}
//
// The engine starts with three built-in policies (artifact-tag,
// production-replicas, production-canary). Additional policies are loaded
// from .rego files or .json files carrying the Policy fields:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies/"}); err != nil {
//	    return err
//	}
//	controller := deploy.NewController(backend, deploy.Options{Gate: eng}, logger)
package policy
