package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unibuild/unibuild/pkg/config"
	"github.com/unibuild/unibuild/pkg/deploy"
)

func newValidateCommand() *cobra.Command {
	var (
		environment string
		service     string
		artifact    string
		strategy    string
	)

	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate the configuration and policies",
		Long: `Validate the configuration file and the deployment policies.

This command checks:
  - YAML, TOML or CUE syntax
  - Required keys and value ranges
  - Language, environment and strategy schemas (CUE)
  - Rego policy compilation

With --env, --service and --artifact it also evaluates the policies
against the deployment that those flags describe.`,
		Example: `  # Validate unibuild.yaml in the current directory
  unibuild validate

  # Validate a specific file
  unibuild validate --config ./ci/unibuild.toml

  # Check whether a production deployment would be allowed
  unibuild validate --env production --service checkout --artifact checkout:latest`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := rootArg(args)
			if err != nil {
				return err
			}

			rt, err := setup(cmd.Context(), setupOptions{root: root})
			if err != nil {
				return err
			}
			defer rt.close()

			out := cmd.OutOrStdout()
			source := rt.cfg.Source
			if source == "" {
				source = "built-in defaults"
			}
			fmt.Fprintf(out, "%s configuration valid: %s\n", okStyle.Render("✓"), source)
			fmt.Fprintf(out, "  %d languages, %d environments, %d pre-hooks, %d post-hooks\n",
				len(rt.cfg.Languages), len(rt.cfg.Environments), len(rt.cfg.Hooks.Pre), len(rt.cfg.Hooks.Post))

			gate, err := newPolicyGate(cmd.Context(), rt, true)
			if err != nil {
				return err
			}
			enabled := 0
			for _, p := range gate.ListPolicies() {
				if p.Enabled {
					enabled++
				}
			}
			fmt.Fprintf(out, "%s policies compiled: %d loaded, %d enabled\n", okStyle.Render("✓"), len(gate.ListPolicies()), enabled)

			if environment == "" {
				return nil
			}

			plan, err := rt.cfg.DeploymentPlan(config.DeploymentRequest{
				Environment: environment,
				Service:     service,
				Strategy:    deploy.Strategy(strategy),
				Artifact:    artifact,
			})
			if err != nil {
				return err
			}
			if err := plan.Validate(); err != nil {
				return err
			}

			result, err := gate.Evaluate(cmd.Context(), plan)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, result)
			}
			for _, v := range result.Violations {
				style := warnStyle
				if v.Severity.Blocking() {
					style = failStyle
				}
				fmt.Fprintf(out, "  %s %s: %s\n", style.Render(string(v.Severity)), v.Policy, v.Message)
			}
			if !result.Allowed {
				return &ExitError{Code: ExitConfig, Err: fmt.Errorf("deployment of %s to %s would be rejected", service, environment), Silent: true}
			}
			fmt.Fprintf(out, "%s deployment of %s to %s allowed\n", okStyle.Render("✓"), service, environment)
			return nil
		},
	}

	cmd.Flags().StringVarP(&environment, "env", "e", "", "environment of a deployment to check against the policies")
	cmd.Flags().StringVarP(&service, "service", "s", "", "service of the deployment to check")
	cmd.Flags().StringVarP(&artifact, "artifact", "a", "", "artifact of the deployment to check")
	cmd.Flags().StringVar(&strategy, "strategy", string(deploy.StrategyBlueGreen), "strategy of the deployment to check")

	return cmd
}
