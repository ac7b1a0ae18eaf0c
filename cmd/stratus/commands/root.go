package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Global flags shared by all subcommands.
var (
	manifestPath string
	statePath    string
	deployment   string
	region       string
	policyDir    string
	logLevel     string
	logFormat    string
	jsonOutput   bool
	metricsAddr  string
	traceExport  string
	traceTarget  string
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stratus",
		Short: "Stratus - declarative infrastructure reconciliation engine",
		Long: `Stratus reconciles a declared resource graph against a persisted state
snapshot. Each run computes a plan (create, update, delete, replace),
executes it in dependency order with bounded parallelism, and commits
every resource to the state store as it lands.

Resources reference each other with ${name.attr} interpolation; the
engine derives execution order from those references. Plans are gated
by Rego policies before anything is applied.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&manifestPath, "config", "c", "stratus.yaml", "deployment manifest path")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "stratus.db", "state database path")
	rootCmd.PersistentFlags().StringVarP(&deployment, "deployment", "d", "", "deployment name (defaults to the manifest's)")
	rootCmd.PersistentFlags().StringVar(&region, "region", "", "AWS region (defaults to the SDK's resolution)")
	rootCmd.PersistentFlags().StringVar(&policyDir, "policy-dir", "", "directory of .rego policies loaded on top of the built-ins")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-listen", "", "serve Prometheus metrics on this address during the run")
	rootCmd.PersistentFlags().StringVar(&traceExport, "trace-exporter", "none", "trace exporter (otlp, stdout, none)")
	rootCmd.PersistentFlags().StringVar(&traceTarget, "trace-endpoint", "localhost:4317", "OTLP collector endpoint")

	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newListCommand())

	return rootCmd
}
