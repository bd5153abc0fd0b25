package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		artifactTagPolicy(),
		productionReplicasPolicy(),
		productionCanaryPolicy(),
	}
}

// artifactTagPolicy forbids mutable image tags in production.
func artifactTagPolicy() Policy {
	return Policy{
		Name:        "artifact-tag",
		Description: "Production deployments must reference an immutable artifact tag",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package unibuild.policies.artifact

import rego.v1

deny contains violation if {
	input.context.production
	endswith(input.deployment.artifact, ":latest")
	violation := {
		"message": sprintf("artifact %s uses the mutable 'latest' tag", [input.deployment.artifact]),
		"severity": "error",
	}
}

deny contains violation if {
	input.context.production
	not contains(input.deployment.artifact, ":")
	not contains(input.deployment.artifact, "@")
	violation := {
		"message": sprintf("artifact %s has no tag or digest", [input.deployment.artifact]),
		"severity": "error",
	}
}
`,
	}
}

// productionReplicasPolicy warns about single-instance production
// environments.
func productionReplicasPolicy() Policy {
	return Policy{
		Name:        "production-replicas",
		Description: "Production environments should run at least two replicas",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package unibuild.policies.replicas

import rego.v1

deny contains violation if {
	input.context.production
	input.deployment.environment.replicas < 2
	violation := {
		"message": sprintf("environment %s runs %d replica(s)", [input.deployment.environment.name, input.deployment.environment.replicas]),
		"severity": "warning",
	}
}
`,
	}
}

// productionCanaryPolicy keeps production canaries from promoting on a
// weak success threshold.
func productionCanaryPolicy() Policy {
	return Policy{
		Name:        "production-canary",
		Description: "Production canaries must require a success rate of at least 95%",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package unibuild.policies.canary

import rego.v1

deny contains violation if {
	input.context.production
	input.deployment.strategy == "canary"
	input.deployment.parameters.success_threshold < 0.95
	violation := {
		"message": sprintf("canary success threshold %v is below 0.95", [input.deployment.parameters.success_threshold]),
		"severity": "error",
	}
}
`,
	}
}
