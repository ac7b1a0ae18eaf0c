package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/pkg/config"
	"github.com/stratus-iac/stratus/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the deployment manifest",
		Long: `Parse the manifest, resolve references, build the dependency graph, and
check that every resource kind has a registered driver. Reports cycles,
duplicate names, unknown references, and unknown kinds without touching
the provider or the state store.`,
		Example: `  stratus validate -c stratus.yaml`,
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
			nodes := manifest.Nodes()
			graph, err := engine.BuildGraph(nodes)
			if err != nil {
				return err
			}
			for _, node := range nodes {
				if _, err := a.registry.Get(node.Kind); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration valid: %d resources in %d ranks.\n",
				graph.Len(), len(graph.Ranks()))
			return nil
		},
	}

	return cmd
}

func loadManifest() (*config.Manifest, error) {
	return config.Load(manifestPath)
}
