package commands

import (
	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/pkg/engine"
)

func newDriftCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare recorded state with live provider state",
		Long: `Read every resource in the state snapshot back from the provider and
report attributes that changed out of band. Exits nonzero when drift
is found, so the command can drive scheduled checks.`,
		Example: `  # Check the manifest's deployment for drift
  stratus drift

  # Machine-readable report
  stratus drift --json`,
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

			detector := engine.NewDriftDetector(a.registry, a.logger, a.metrics)
			report, err := detector.Detect(ctx, snap)
			if err != nil {
				return err
			}

			reporter := &engine.Reporter{}
			if jsonOutput {
				if err := reporter.WriteDriftJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				if err := reporter.WriteDriftText(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			}
			if report.HasDrift() {
				return ErrDriftDetected
			}
			return nil
		},
	}

	return cmd
}
