package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Inspect recorded state and run history",
	}

	cmd.AddCommand(newListResourcesCommand())
	cmd.AddCommand(newListRunsCommand())
	cmd.AddCommand(newListKindsCommand())

	return cmd
}

func newListResourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resources",
		Short: "List resources recorded in the state snapshot",
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

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			if snap.Empty() {
				fmt.Fprintf(cmd.OutOrStdout(), "Deployment %q has no recorded resources.\n", name)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tKIND\tPROVIDER ID\tSERIAL\tAPPLIED")
			for _, rec := range snap.SortedRecords() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					rec.Name, rec.Kind, rec.ProviderID, rec.Serial,
					rec.AppliedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newListRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent apply runs",
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
			runs, err := a.store.ListRuns(ctx, name, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "Deployment %q has no recorded runs.\n", name)
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTATUS\tSTARTED\tCOMPLETED")
			for _, run := range runs {
				completed := "-"
				if run.CompletedAt != nil {
					completed = run.CompletedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					run.ID, run.Status, run.StartedAt.Format(time.RFC3339), completed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")

	return cmd
}

func newListKindsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List registered resource kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			for _, kind := range a.registry.Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			}
			return nil
		},
	}
}
