package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unibuild/unibuild/pkg/config"
	"github.com/unibuild/unibuild/pkg/deploy"
	"github.com/unibuild/unibuild/pkg/engine"
	"github.com/unibuild/unibuild/pkg/policy"
	"github.com/unibuild/unibuild/pkg/stores"
	"github.com/unibuild/unibuild/pkg/telemetry"
)

type deployOptions struct {
	environment string
	service     string
	strategy    string
	artifact    string
	previous    string
	dryRun      bool
}

func newDeployCommand() *cobra.Command {
	var opts deployOptions

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy an artifact to an environment",
		Long: `Deploy an artifact with the blue-green, canary or rolling strategy.

Traffic only moves after health checks pass. Any failure, or an
interrupt, rolls the deployment back. The previous artifact defaults to
the last completed deployment of the service to the environment.

Exit status is 1 when the deployment did not complete, 2 when the plan is
invalid or rejected by policy and 130 when interrupted.`,
		Example: `  # Canary release to production
  unibuild deploy --env production --service checkout --artifact registry/checkout:1.4.0 --strategy canary

  # Rolling update with an explicit rollback target
  unibuild deploy --env staging --service api --artifact api:2.0 --previous api:1.9 --strategy rolling

  # Walk through the phases without touching the environment
  unibuild deploy --env production --service checkout --artifact checkout:1.4.0 --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := setup(ctx, setupOptions{root: ".", store: true})
			if err != nil {
				return err
			}
			defer rt.close()

			state, err := runDeployment(ctx, rt, opts)
			if state.Phase == "" {
				return err
			}

			if jsonOutput {
				if jerr := printJSON(cmd.OutOrStdout(), state); jerr != nil {
					return jerr
				}
			} else {
				renderDeployment(cmd.OutOrStdout(), state)
			}

			switch {
			case err == nil:
				return nil
			case engine.IsConfigurationError(err):
				return err
			case ctx.Err() != nil:
				return interrupted()
			default:
				return &ExitError{Code: ExitFailure, Err: err}
			}
		},
	}

	cmd.Flags().StringVarP(&opts.environment, "env", "e", "", "target environment (required)")
	cmd.Flags().StringVarP(&opts.service, "service", "s", "", "service name (required)")
	cmd.Flags().StringVarP(&opts.artifact, "artifact", "a", "", "artifact to deploy, e.g. an image reference (required)")
	cmd.Flags().StringVar(&opts.strategy, "strategy", string(deploy.StrategyBlueGreen), "blue-green, canary or rolling")
	cmd.Flags().StringVar(&opts.previous, "previous", "", "artifact to roll back to (default: last completed deployment)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "run the state machine against a recording backend")
	_ = cmd.MarkFlagRequired("env")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("artifact")

	return cmd
}

// runDeployment plans and runs one deployment. A zero state means nothing
// was attempted.
func runDeployment(ctx context.Context, rt *runtime, opts deployOptions) (deploy.State, error) {
	previous := opts.previous
	if previous == "" && rt.store != nil {
		last, err := rt.store.LastDeployedArtifact(ctx, opts.environment, opts.service)
		switch {
		case err == nil:
			previous = last
			rt.logger.Info().Str("previous", last).Msg("Rollback target taken from history")
		case !errors.Is(err, stores.ErrNotFound):
			rt.logger.Warn().Err(err).Msg("Failed to look up previous deployment")
		}
	}

	var live string
	if deploy.Strategy(opts.strategy) == deploy.StrategyBlueGreen && rt.store != nil {
		last, err := rt.store.LiveTarget(ctx, opts.environment, opts.service)
		switch {
		case err == nil:
			live = last
			rt.logger.Debug().Str("live", last).Msg("Live colour taken from history")
		case !errors.Is(err, stores.ErrNotFound):
			rt.logger.Warn().Err(err).Msg("Failed to look up live colour")
		}
	}

	plan, err := rt.cfg.DeploymentPlan(config.DeploymentRequest{
		Environment:      opts.environment,
		Service:          opts.service,
		Strategy:         deploy.Strategy(opts.strategy),
		Artifact:         opts.artifact,
		PreviousArtifact: previous,
		LiveTarget:       live,
	})
	if err != nil {
		return deploy.State{}, err
	}

	gate, err := newPolicyGate(ctx, rt, opts.dryRun)
	if err != nil {
		return deploy.State{}, err
	}

	backend := newBackend(rt.cfg.Environments[opts.environment], plan, opts.dryRun)
	controller := deploy.NewController(backend, deploy.Options{
		Events: rt.tel.Events,
		Gate:   gate,
	}, rt.logger)

	spanCtx, span := rt.tel.Tracer.StartDeploymentSpan(ctx, plan)
	state, err := controller.Run(spanCtx, plan)
	telemetry.EndDeploymentSpan(span, &state, err)

	if rt.store != nil && !opts.dryRun && state.Phase != deploy.PhasePending {
		if serr := rt.store.SaveDeployment(context.WithoutCancel(ctx), state); serr != nil {
			rt.logger.Warn().Err(serr).Str("deployment_id", state.ID).Msg("Failed to record deployment")
		}
	}
	return state, err
}

// newPolicyGate loads the built-in and configured policies.
func newPolicyGate(ctx context.Context, rt *runtime, dryRun bool) (*policy.Engine, error) {
	gate, err := policy.NewEngine(rt.logger)
	if err != nil {
		return nil, err
	}
	if len(rt.cfg.Policies.Paths) > 0 {
		if err := gate.LoadPolicies(ctx, rt.cfg.Policies.Paths); err != nil {
			return nil, engine.NewConfigurationError("failed to load policies", err)
		}
	}
	for _, name := range rt.cfg.Policies.Disabled {
		if err := gate.SetEnabled(name, false); err != nil {
			return nil, engine.NewConfigurationError("invalid policies.disabled entry", err).WithResource(name)
		}
	}
	gate.SetDryRun(dryRun)
	return gate, nil
}

// newBackend selects the environment backend. Health checks always go
// over HTTP except in dry runs.
func newBackend(env config.EnvironmentConfig, plan deploy.Plan, dryRun bool) deploy.Backend {
	if dryRun || env.Backend.Type == "dry-run" {
		return deploy.NewDryRunBackend().Backend()
	}

	kubectl := deploy.NewKubectlBackend(deploy.ExecRunner{}, env.Namespace, plan.Service)
	if env.Backend.Kubectl != "" {
		kubectl.Binary = env.Backend.Kubectl
	}
	if env.Backend.Service != "" {
		kubectl.Service = env.Backend.Service
	}

	return deploy.Backend{
		Health:      deploy.NewHTTPHealthChecker(healthEndpoints(env, plan), env.HealthCheck.Path, env.HealthCheck.Timeout.Std()),
		Traffic:     kubectl,
		Provisioner: kubectl,
	}
}

// healthEndpoints maps every target the plan can probe to a base URL.
// Hosts without an explicit entry are named <service>-<target>, or after
// the instance for rolling deployments.
func healthEndpoints(env config.EnvironmentConfig, plan deploy.Plan) map[string]string {
	suffix := ""
	if env.Namespace != "" {
		suffix = "." + env.Namespace
	}
	port := env.HealthCheck.Port
	if port == 0 {
		port = 80
	}

	hosts := make(map[string]string)
	for _, target := range []string{deploy.TargetBlue, deploy.TargetGreen, deploy.TargetStable, deploy.TargetCanary} {
		hosts[target] = plan.Service + "-" + target + suffix
	}
	for _, instance := range plan.Instances() {
		hosts[instance] = instance + suffix
	}
	for target, host := range env.HealthCheck.Hosts {
		hosts[target] = host
	}

	endpoints := make(map[string]string, len(hosts))
	for target, host := range hosts {
		endpoints[target] = fmt.Sprintf("http://%s:%d", host, port)
	}
	return endpoints
}
