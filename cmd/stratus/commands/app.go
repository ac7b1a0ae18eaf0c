package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratus-iac/stratus/pkg/driver"
	"github.com/stratus-iac/stratus/pkg/driver/ec2"
	"github.com/stratus-iac/stratus/pkg/engine"
	"github.com/stratus-iac/stratus/pkg/policy"
	"github.com/stratus-iac/stratus/pkg/state"
	"github.com/stratus-iac/stratus/pkg/telemetry"
)

// ErrDriftDetected signals a clean run that found drift, so the process
// can exit nonzero without logging a failure.
var ErrDriftDetected = errors.New("drift detected")

// app holds the wired components every command needs.
type app struct {
	logger   zerolog.Logger
	store    *state.SQLiteStore
	registry *driver.Registry
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
}

// setup builds the logger, opens and migrates the state store, and
// registers the EC2 drivers. Callers must defer a.close(ctx).
func setup(ctx context.Context) (*app, error) {
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  logLevel,
		Format: logFormat,
		Output: "stderr",
	})
	if err != nil {
		return nil, err
	}
	log.Logger = logger

	store, err := state.NewSQLiteStore(state.SQLiteConfig{Path: statePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	api, err := ec2.NewClient(ctx, region)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	registry := driver.NewRegistry()
	if err := ec2.RegisterAll(registry, api); err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{logger: logger, store: store, registry: registry}

	if metricsAddr != "" {
		metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
			Enabled:       true,
			ListenAddress: metricsAddr,
			Path:          "/metrics",
			Namespace:     "stratus",
		})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.metrics = metrics
		go func() {
			if err := metrics.StartMetricsServer(); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if traceExport != "" && traceExport != "none" {
		tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
			Enabled:      true,
			Exporter:     traceExport,
			Endpoint:     traceTarget,
			SamplingRate: 1.0,
			Insecure:     true,
		}, "stratus", "dev", "cli")
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.tracer = tracer
	}

	return a, nil
}

func (a *app) close(ctx context.Context) {
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("state store close failed")
	}
}

// policyEngine returns the policy engine with built-ins plus any
// operator policies from --policy-dir.
func (a *app) policyEngine() (*policy.Engine, error) {
	eng := policy.NewEngine(a.logger)
	if policyDir == "" {
		return eng, nil
	}
	loader := policy.NewLoader(a.logger)
	policies, err := loader.LoadDir(policyDir)
	if err != nil {
		return nil, err
	}
	eng.Replace(policies)
	return eng, nil
}

// watchPolicies hot-reloads --policy-dir into the engine until the
// context ends. Commands that wait at an approval prompt use this so
// policy edits made in the meantime take effect.
func (a *app) watchPolicies(ctx context.Context, eng *policy.Engine) {
	if policyDir == "" {
		return
	}
	loader := policy.NewLoader(a.logger)
	go func() {
		if err := loader.Watch(ctx, policyDir, eng); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn().Err(err).Msg("policy watcher stopped")
		}
	}()
}

// gate evaluates the plan against the loaded policies. Warnings are
// printed; an error-severity violation denies the plan.
func (a *app) gate(ctx context.Context, cmd *cobra.Command, plan *engine.Plan) error {
	eng, err := a.policyEngine()
	if err != nil {
		return err
	}
	return a.gateWith(ctx, cmd, eng, plan)
}

// gateWith is gate against an already built policy engine.
func (a *app) gateWith(ctx context.Context, cmd *cobra.Command, eng *policy.Engine, plan *engine.Plan) error {
	result, err := eng.EvaluatePlan(ctx, plan)
	if err != nil {
		return err
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", w)
	}
	for _, v := range result.Violations {
		fmt.Fprintf(cmd.ErrOrStderr(), "Policy %s [%s]: %s\n", v.Policy, v.Severity, v.Message)
	}
	if !result.Allowed {
		err := engine.NewConfigurationError("plan denied by policy", nil)
		err.Code = engine.ErrCodePolicyDenied
		return err
	}
	return nil
}

// confirm prompts for approval on the command's stdin. Only an exact
// "yes" proceeds.
func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n  Only 'yes' will be accepted: ", prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	return strings.TrimSpace(line) == "yes", nil
}

// resolveDeployment picks the deployment from --deployment or, when
// unset, from the manifest.
func resolveDeployment() (string, error) {
	if deployment != "" {
		return deployment, nil
	}
	m, err := loadManifest()
	if err != nil {
		return "", fmt.Errorf("no --deployment given and manifest unavailable: %w", err)
	}
	return m.Deployment, nil
}
