package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile  string
		dotFile  string
		showNoop bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the execution plan",
		Long: `Compare the declared resource graph with the state snapshot and report
what an apply would do. Creates, updates, deletes, and replaces are
listed in execution order; nothing is changed remotely.`,
		Example: `  # Show the plan
  stratus plan

  # Persist the plan for a later apply
  stratus plan --out plan.json

  # Emit the dependency graph for graphviz
  stratus plan --dot graph.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			manifest, err := loadManifest()
			if err != nil {
				return err
			}
			snap, err := a.store.LoadSnapshot(ctx, manifest.Deployment)
			if err != nil {
				return err
			}

			planner := engine.NewPlanner(a.registry, a.logger)
			plan, graph, err := planner.Plan(manifest.Deployment, manifest.Nodes(), snap)
			if err != nil {
				return err
			}

			if err := a.gate(ctx, cmd, plan); err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write graph: %w", err)
				}
			}
			if outFile != "" {
				f, err := os.Create(outFile)
				if err != nil {
					return fmt.Errorf("failed to create plan file: %w", err)
				}
				defer func() { _ = f.Close() }()
				if err := (&engine.Reporter{}).WritePlanJSON(f, plan); err != nil {
					return err
				}
				a.logger.Info().Str("path", outFile).Str("plan_id", plan.ID).Msg("plan written")
			}

			reporter := &engine.Reporter{ShowNoop: showNoop}
			if jsonOutput {
				return reporter.WritePlanJSON(cmd.OutOrStdout(), plan)
			}
			return reporter.WritePlanText(cmd.OutOrStdout(), plan)
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the dependency graph in DOT format")
	cmd.Flags().BoolVar(&showNoop, "show-noop", false, "include unchanged resources in the output")

	return cmd
}
