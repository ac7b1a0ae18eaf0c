package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/pkg/engine"
)

func newDestroyCommand() *cobra.Command {
	var (
		autoApprove bool
		parallelism int
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every resource in the deployment",
		Long: `Plan and execute the deletion of every resource recorded in the state
snapshot. Resources are deleted consumers-first, so nothing is removed
while something that references it still exists.`,
		Example: `  # Destroy with an approval prompt
  stratus destroy

  # Destroy a deployment by name without a manifest
  stratus destroy --deployment prod-network --auto-approve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			name, err := resolveDeployment()
			if err != nil {
				return err
			}
			snap, err := a.store.LoadSnapshot(ctx, name)
			if err != nil {
				return err
			}

			planner := engine.NewPlanner(a.registry, a.logger)
			plan, err := planner.Destroy(name, snap)
			if err != nil {
				return err
			}

			policyEng, err := a.policyEngine()
			if err != nil {
				return err
			}
			a.watchPolicies(ctx, policyEng)
			if err := a.gateWith(ctx, cmd, policyEng, plan); err != nil {
				return err
			}

			reporter := &engine.Reporter{}
			if !plan.HasChanges() {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to destroy.")
				return nil
			}
			if err := reporter.WritePlanText(cmd.OutOrStdout(), plan); err != nil {
				return err
			}

			if !autoApprove {
				ok, err := confirm(cmd, fmt.Sprintf("Destroy all %d resources in deployment %q?",
					plan.Summary.Delete, name))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Destroy canceled.")
					return nil
				}
				// Policies may have reloaded while the prompt waited.
				if policyDir != "" {
					if err := a.gateWith(ctx, cmd, policyEng, plan); err != nil {
						return err
					}
				}
			}

			// A destroy plan has no forward steps, so an empty graph is
			// enough; delete ordering comes from the stored dependencies.
			graph, err := engine.BuildGraph(nil)
			if err != nil {
				return err
			}

			cfg := engine.DefaultSchedulerConfig()
			if parallelism > 0 {
				cfg.Parallelism = parallelism
			}
			scheduler := engine.NewScheduler(a.registry, a.store, cfg, a.logger, a.metrics)
			if a.tracer != nil {
				scheduler = scheduler.WithTracer(a.tracer)
			}

			result, err := scheduler.Apply(ctx, plan, graph, snap)
			if err != nil {
				return err
			}
			if err := writeResult(cmd, reporter, result); err != nil {
				return err
			}
			if result.Summary.Failed > 0 || result.Summary.Blocked > 0 {
				return fmt.Errorf("destroy finished with %d failed and %d blocked steps",
					result.Summary.Failed, result.Summary.Blocked)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the approval prompt")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max parallel operations (0 uses the default)")

	return cmd
}
