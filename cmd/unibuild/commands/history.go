package commands

import (
	"github.com/spf13/cobra"

	"github.com/unibuild/unibuild/pkg/engine"
	"github.com/unibuild/unibuild/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded builds and deployments",
		Long: `Query the history store for past build runs and deployments.

The store is a SQLite database at store.path (.unibuild/history.db by
default).`,
	}

	cmd.AddCommand(newHistoryBuildsCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryDeploymentsCommand())
	cmd.AddCommand(newHistoryDeploymentCommand())

	return cmd
}

// withStore runs fn against the history store, failing when it is
// disabled or cannot be opened.
func withStore(cmd *cobra.Command, fn func(rt *runtime) error) error {
	rt, err := setup(cmd.Context(), setupOptions{root: ".", store: true})
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.store == nil {
		return engine.NewConfigurationError("history store is disabled or unavailable", nil).
			WithResource(rt.cfg.Store.Path)
	}
	return fn(rt)
}

func newHistoryBuildsCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:     "builds",
		Short:   "List build runs, newest first",
		Example: `  unibuild history builds --limit 5`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(rt *runtime) error {
				builds, err := rt.store.ListBuilds(cmd.Context(), limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), builds)
				}
				renderBuilds(cmd.OutOrStdout(), builds)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of builds to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of builds to skip")
	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show <build-id>",
		Short:   "Show the results of one build run",
		Example: `  unibuild history show 0b6f9c1e-0c0e-4f57-a1c4-7f8c2b1d9e21`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(rt *runtime) error {
				if jsonOutput {
					report, err := rt.store.GetBuildReport(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), report)
				}

				build, err := rt.store.GetBuild(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				results, err := rt.store.ListResults(cmd.Context(), build.ID)
				if err != nil {
					return err
				}
				renderBuilds(cmd.OutOrStdout(), []*stores.BuildRecord{build})
				renderResults(cmd.OutOrStdout(), results)
				return nil
			})
		},
	}
	return cmd
}

func newHistoryDeploymentsCommand() *cobra.Command {
	var (
		environment string
		limit       int
	)

	cmd := &cobra.Command{
		Use:     "deployments",
		Short:   "List deployments, newest first",
		Example: `  unibuild history deployments --env production`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(rt *runtime) error {
				deployments, err := rt.store.ListDeployments(cmd.Context(), environment, limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), deployments)
				}
				renderDeployments(cmd.OutOrStdout(), deployments)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&environment, "env", "e", "", "only show this environment")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of deployments to show")
	return cmd
}

func newHistoryDeploymentCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployment <deployment-id>",
		Short: "Show the phase history of one deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(rt *runtime) error {
				d, err := rt.store.GetDeployment(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				transitions, err := rt.store.ListTransitions(cmd.Context(), d.ID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(cmd.OutOrStdout(), map[string]interface{}{
						"deployment":  d,
						"transitions": transitions,
					})
				}
				renderDeployments(cmd.OutOrStdout(), []*stores.DeploymentRecord{d})
				renderTransitions(cmd.OutOrStdout(), transitions)
				return nil
			})
		},
	}
	return cmd
}
