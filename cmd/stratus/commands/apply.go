package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/pkg/engine"
)

func newApplyCommand() *cobra.Command {
	var (
		planFile    string
		autoApprove bool
		dryRun      bool
		parallelism int
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Reconcile the deployment",
		Long: `Compute a plan and execute it. Steps run in dependency order with
bounded parallelism; every successful step is committed to the state
store immediately, so an interrupted run resumes where it stopped.

A saved plan from 'stratus plan --out' can be passed with --plan; the
apply recomputes the plan and refuses to run if the saved one is stale.`,
		Example: `  # Plan and apply with an approval prompt
  stratus apply

  # Apply a reviewed plan without prompting
  stratus apply --plan plan.json --auto-approve

  # Show what would run without touching the provider
  stratus apply --dry-run`,
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

			if planFile != "" {
				saved, err := readPlanFile(planFile)
				if err != nil {
					return err
				}
				if err := checkPlanCurrent(saved, plan); err != nil {
					return err
				}
				// Keep the reviewed plan's identity in the run history.
				plan.ID = saved.ID
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
				return reporter.WritePlanText(cmd.OutOrStdout(), plan)
			}
			if err := reporter.WritePlanText(cmd.OutOrStdout(), plan); err != nil {
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

			if dryRun {
				result := scheduler.DryRun(plan)
				return writeResult(cmd, reporter, result)
			}

			if !autoApprove {
				ok, err := confirm(cmd, fmt.Sprintf("Apply this plan to deployment %q?", plan.Deployment))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Apply canceled.")
					return nil
				}
				// Policies may have reloaded while the prompt waited.
				if policyDir != "" {
					if err := a.gateWith(ctx, cmd, policyEng, plan); err != nil {
						return err
					}
				}
			}

			result, err := scheduler.Apply(ctx, plan, graph, snap)
			if err != nil {
				return err
			}
			if err := writeResult(cmd, reporter, result); err != nil {
				return err
			}
			if result.Summary.Failed > 0 || result.Summary.Blocked > 0 {
				return fmt.Errorf("apply finished with %d failed and %d blocked steps",
					result.Summary.Failed, result.Summary.Blocked)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "previously saved plan to verify against")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip the approval prompt")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report intended operations without executing them")
	cmd.Flags().IntVar(&parallelism, "parallelism", 0, "max parallel operations (0 uses the default)")

	return cmd
}

func writeResult(cmd *cobra.Command, reporter *engine.Reporter, result *engine.Result) error {
	if jsonOutput {
		return reporter.WriteResultJSON(cmd.OutOrStdout(), result)
	}
	return reporter.WriteResultText(cmd.OutOrStdout(), result)
}

func readPlanFile(path string) (*engine.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan engine.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, engine.NewConfigurationError("plan file is not valid JSON", err)
	}
	return &plan, nil
}

// checkPlanCurrent rejects a saved plan whose steps no longer match what
// the current manifest and snapshot produce.
func checkPlanCurrent(saved, fresh *engine.Plan) error {
	if saved.Deployment != fresh.Deployment {
		return engine.NewConfigurationError(
			fmt.Sprintf("saved plan is for deployment %q, not %q", saved.Deployment, fresh.Deployment), nil)
	}
	savedOps := make(map[string]engine.OperationType, len(saved.Steps))
	for _, step := range saved.Steps {
		savedOps[step.Node.Name] = step.Op
	}
	if len(savedOps) != len(fresh.Steps) {
		return engine.NewConfigurationError("saved plan is stale, re-run plan", nil)
	}
	for _, step := range fresh.Steps {
		if op, ok := savedOps[step.Node.Name]; !ok || op != step.Op {
			return engine.NewConfigurationError(
				fmt.Sprintf("saved plan is stale for resource %s, re-run plan", step.Node.Name), nil)
		}
	}
	return nil
}
