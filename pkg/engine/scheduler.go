package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratus-iac/stratus/pkg/state"
	"github.com/stratus-iac/stratus/pkg/telemetry"
)

// SchedulerConfig tunes apply execution.
type SchedulerConfig struct {
	// Parallelism bounds concurrent steps within one rank.
	Parallelism int

	// MaxAttempts bounds provider retries per step, first try included.
	MaxAttempts int

	// RetryBaseDelay is the backoff base; doubled per attempt with jitter.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration

	// OperationTimeout bounds one provider call when the driver schema does
	// not declare its own.
	OperationTimeout time.Duration

	// LeaseTTL bounds how long the apply may hold the deployment.
	LeaseTTL time.Duration

	// Holder identifies this apply in the lease table.
	Holder string
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Parallelism:      10,
		MaxAttempts:      5,
		RetryBaseDelay:   500 * time.Millisecond,
		RetryMaxDelay:    30 * time.Second,
		OperationTimeout: 5 * time.Minute,
		LeaseTTL:         15 * time.Minute,
		Holder:           "stratus",
	}
}

// Scheduler executes plans rank by rank. Steps within a rank run through a
// bounded worker pool; a rank is a barrier, so no step starts before every
// step of the previous rank reached a terminal outcome. Each successful
// mutation is committed to the store before the step completes, so a crash
// leaves the snapshot consistent with the resources actually touched.
type Scheduler struct {
	registry DriverRegistry
	store    state.Store
	cfg      SchedulerConfig
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	mu         sync.Mutex
	deployment string
	outcomes   map[string]*StepOutcome
	outputs    map[string]producedOutputs
}

type producedOutputs struct {
	providerID string
	outputs    map[string]interface{}
}

// NewScheduler creates a scheduler.
func NewScheduler(registry DriverRegistry, store state.Store, cfg SchedulerConfig, logger zerolog.Logger, metrics *telemetry.Metrics) *Scheduler {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 10
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Minute
	}
	if cfg.Holder == "" {
		cfg.Holder = "stratus"
	}
	return &Scheduler{
		registry: registry,
		store:    store,
		cfg:      cfg,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		metrics:  metrics,
	}
}

// WithTracer attaches a tracer; apply runs and steps then emit spans.
func (s *Scheduler) WithTracer(tracer *telemetry.Tracer) *Scheduler {
	s.tracer = tracer
	return s
}

// Apply executes the plan against the deployment. The graph may be nil for
// destroy plans. Exactly one apply runs per deployment at a time; a held
// lease fails fast with a conflict error.
func (s *Scheduler) Apply(ctx context.Context, plan *Plan, graph *Graph, snap *state.Snapshot) (*Result, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	lease, err := s.store.AcquireLease(ctx, plan.Deployment, s.cfg.Holder, s.cfg.LeaseTTL)
	if err != nil {
		if errors.Is(err, state.ErrLeaseHeld) {
			return nil, NewConflictError("another apply is in progress", err).
				WithCode(ErrCodeLeaseHeld)
		}
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}
	defer func() {
		if err := s.store.ReleaseLease(context.WithoutCancel(ctx), lease); err != nil {
			s.logger.Warn().Err(err).Str("deployment", plan.Deployment).Msg("failed to release lease")
		}
	}()

	result := &Result{
		RunID:      uuid.New().String(),
		PlanID:     plan.ID,
		Deployment: plan.Deployment,
		StartedAt:  time.Now().UTC(),
	}

	run := &state.Run{
		ID:         result.RunID,
		Deployment: plan.Deployment,
		PlanID:     plan.ID,
		Status:     "running",
		StartedAt:  result.StartedAt,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record run: %w", err)
	}
	s.metrics.RecordRunStarted(s.cfg.Holder)

	if s.tracer != nil {
		spanCtx, span := s.tracer.StartApplySpan(ctx, plan.Deployment, result.RunID)
		defer span.End()
		ctx = spanCtx
	}

	s.mu.Lock()
	s.deployment = plan.Deployment
	s.outcomes = make(map[string]*StepOutcome, len(plan.Steps))
	s.outputs = make(map[string]producedOutputs, len(snap.Resources))
	for name, rec := range snap.Resources {
		s.outputs[name] = producedOutputs{providerID: rec.ProviderID, outputs: rec.Outputs}
	}
	s.mu.Unlock()

	s.executePhases(ctx, plan, graph, snap)

	s.collect(plan, result)
	result.CompletedAt = time.Now().UTC()

	status := string(result.Status())
	summaryJSON, _ := json.Marshal(result.Summary)
	if err := s.store.FinishRun(context.WithoutCancel(ctx), result.RunID, status, string(summaryJSON), result.CompletedAt); err != nil {
		s.logger.Warn().Err(err).Str("run_id", result.RunID).Msg("failed to finalize run record")
	}
	s.metrics.RecordRunCompleted(status, result.CompletedAt.Sub(result.StartedAt))

	s.logger.Info().
		Str("deployment", plan.Deployment).
		Str("run_id", result.RunID).
		Str("status", status).
		Int("applied", result.Summary.Applied).
		Int("noop", result.Summary.Noop).
		Int("failed", result.Summary.Failed).
		Int("blocked", result.Summary.Blocked).
		Msg("apply finished")

	return result, nil
}

// DryRun reports what Apply would do without touching providers or state.
func (s *Scheduler) DryRun(plan *Plan) *Result {
	result := &Result{
		RunID:      uuid.New().String(),
		PlanID:     plan.ID,
		Deployment: plan.Deployment,
		DryRun:     true,
		StartedAt:  time.Now().UTC(),
	}
	for _, step := range plan.Steps {
		outcome := OutcomeNoop
		if step.Op.IsMutating() {
			outcome = OutcomePending
		}
		result.Outcomes = append(result.Outcomes, StepOutcome{
			Name:    step.Node.Name,
			Kind:    step.Node.Kind,
			Op:      step.Op,
			Outcome: outcome,
		})
		if outcome == OutcomeNoop {
			result.Summary.Noop++
		}
	}
	result.CompletedAt = result.StartedAt
	return result
}

// executePhases runs deletes in descending rank, then creates and updates
// in ascending rank.
func (s *Scheduler) executePhases(ctx context.Context, plan *Plan, graph *Graph, snap *state.Snapshot) {
	var deletes, forward []*Step
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Op == OperationDelete {
			deletes = append(deletes, step)
		} else {
			forward = append(forward, step)
		}
	}

	// Delete blocking is driven by the persisted dependency lists: a
	// producer cannot go while a consumer's delete failed.
	consumers := make(map[string][]string)
	for _, step := range deletes {
		if rec := snap.Resources[step.Node.Name]; rec != nil {
			for _, dep := range rec.Deps {
				consumers[dep] = append(consumers[dep], step.Node.Name)
			}
		}
	}

	for _, rank := range groupByRank(deletes, true) {
		s.runRank(ctx, rank, func(step *Step) []string {
			return consumers[step.Node.Name]
		}, snap)
	}
	for _, rank := range groupByRank(forward, false) {
		s.runRank(ctx, rank, func(step *Step) []string {
			if graph == nil {
				return nil
			}
			return graph.Dependencies(step.Node.Name)
		}, snap)
	}
}

// runRank executes one rank through a bounded worker pool and waits for
// every step to reach a terminal outcome.
func (s *Scheduler) runRank(ctx context.Context, steps []*Step, depsOf func(*Step) []string, snap *state.Snapshot) {
	workers := s.cfg.Parallelism
	if len(steps) < workers {
		workers = len(steps)
	}

	queue := make(chan *Step, len(steps))
	for _, step := range steps {
		queue <- step
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range queue {
				s.executeStep(ctx, step, depsOf(step), snap)
			}
		}()
	}
	wg.Wait()
}

// executeStep drives one step to a terminal outcome and records it.
func (s *Scheduler) executeStep(ctx context.Context, step *Step, deps []string, snap *state.Snapshot) {
	outcome := &StepOutcome{
		Name: step.Node.Name,
		Kind: step.Node.Kind,
		Op:   step.Op,
	}
	defer func() {
		s.mu.Lock()
		s.outcomes[step.Node.Name] = outcome
		s.mu.Unlock()
		s.metrics.RecordStepExecution(string(step.Op), string(outcome.Outcome), outcome.Duration, step.Node.Kind)
	}()

	if step.Op == OperationNoop {
		outcome.Outcome = OutcomeNoop
		return
	}

	if cause, blocked := s.blockedBy(deps); blocked {
		outcome.Outcome = OutcomeBlocked
		outcome.Cause = cause
		outcome.Error = fmt.Sprintf("dependency %s did not apply", cause)
		s.logger.Warn().
			Str("resource", step.Node.Name).
			Str("cause", cause).
			Msg("step blocked by failed dependency")
		return
	}

	if ctx.Err() != nil {
		outcome.Outcome = OutcomeBlocked
		outcome.Error = ctx.Err().Error()
		return
	}

	if s.tracer != nil {
		stepCtx, span := s.tracer.StartStepSpan(ctx, step.Node.Name, step.Node.Kind, string(step.Op))
		defer span.End()
		ctx = stepCtx
	}

	start := time.Now()
	err := s.applyStep(ctx, step, snap, outcome)
	outcome.Duration = time.Since(start)

	if err != nil {
		outcome.Outcome = OutcomeFailed
		outcome.Error = err.Error()
		var engineErr *Error
		if errors.As(err, &engineErr) {
			s.metrics.RecordError(string(engineErr.Class), engineErr.Code)
		}
		s.logger.Error().Err(err).
			Str("resource", step.Node.Name).
			Str("op", string(step.Op)).
			Int("attempts", outcome.Attempts).
			Msg("step failed")
		return
	}

	outcome.Outcome = OutcomeApplied
	s.logger.Info().
		Str("resource", step.Node.Name).
		Str("op", string(step.Op)).
		Dur("duration", outcome.Duration).
		Msg("step applied")
}

// blockedBy reports whether any direct dependency failed or was blocked,
// returning the root-cause resource name.
func (s *Scheduler) blockedBy(deps []string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range deps {
		out, ok := s.outcomes[dep]
		if !ok {
			continue // dep not in this plan (unchanged resource)
		}
		switch out.Outcome {
		case OutcomeFailed:
			return dep, true
		case OutcomeBlocked:
			cause := out.Cause
			if cause == "" {
				cause = dep
			}
			return cause, true
		}
	}
	return "", false
}

// applyStep performs the provider mutation and commits the state change.
func (s *Scheduler) applyStep(ctx context.Context, step *Step, snap *state.Snapshot, outcome *StepOutcome) error {
	driver, err := s.registry.Get(step.Node.Kind)
	if err != nil {
		return err
	}

	attrs, err := s.resolveForApply(step.Node.Attrs)
	if err != nil {
		return err
	}

	timeout := driver.Schema().OperationTimeout
	if timeout <= 0 {
		timeout = s.cfg.OperationTimeout
	}

	switch step.Op {
	case OperationCreate:
		return s.doCreate(ctx, driver, step, attrs, timeout, outcome)
	case OperationUpdate:
		return s.doUpdate(ctx, driver, step, snap, attrs, timeout, outcome)
	case OperationDelete:
		return s.doDelete(ctx, driver, step, snap, timeout, outcome)
	case OperationReplace:
		return s.doReplace(ctx, driver, step, snap, attrs, timeout, outcome)
	default:
		return NewPermanentError(fmt.Sprintf("unexpected operation %s", step.Op), nil).
			WithCode(ErrCodeInternal).WithResource(step.Node.Name)
	}
}

func (s *Scheduler) doCreate(ctx context.Context, driver Driver, step *Step, attrs map[string]interface{}, timeout time.Duration, outcome *StepOutcome) error {
	var providerID string
	var outputs map[string]interface{}
	err := s.withRetry(ctx, step.Node.Name, timeout, outcome, func(opCtx context.Context) error {
		var err error
		providerID, outputs, err = driver.Create(opCtx, attrs)
		s.recordProviderCall(step.Node.Kind, "create", err)
		return err
	})
	if err != nil {
		return err
	}
	return s.commit(ctx, step, attrs, providerID, outputs)
}

func (s *Scheduler) doUpdate(ctx context.Context, driver Driver, step *Step, snap *state.Snapshot, attrs map[string]interface{}, timeout time.Duration, outcome *StepOutcome) error {
	rec := snap.Resources[step.Node.Name]
	if rec == nil {
		return NewCorruptionError("update target has no snapshot record", nil).
			WithCode(ErrCodeStateCorrupt).WithResource(step.Node.Name)
	}
	var outputs map[string]interface{}
	err := s.withRetry(ctx, step.Node.Name, timeout, outcome, func(opCtx context.Context) error {
		var err error
		outputs, err = driver.Update(opCtx, rec.ProviderID, attrs)
		s.recordProviderCall(step.Node.Kind, "update", err)
		return err
	})
	if err != nil {
		return err
	}
	return s.commit(ctx, step, attrs, rec.ProviderID, outputs)
}

func (s *Scheduler) doDelete(ctx context.Context, driver Driver, step *Step, snap *state.Snapshot, timeout time.Duration, outcome *StepOutcome) error {
	rec := snap.Resources[step.Node.Name]
	if rec == nil {
		return NewCorruptionError("delete target has no snapshot record", nil).
			WithCode(ErrCodeStateCorrupt).WithResource(step.Node.Name)
	}
	err := s.withRetry(ctx, step.Node.Name, timeout, outcome, func(opCtx context.Context) error {
		err := driver.Delete(opCtx, rec.ProviderID)
		s.recordProviderCall(step.Node.Kind, "delete", err)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.store.DeleteRecord(ctx, s.deployment, step.Node.Name); err != nil {
		return fmt.Errorf("failed to remove state record for %s: %w", step.Node.Name, err)
	}
	s.mu.Lock()
	delete(s.outputs, step.Node.Name)
	s.mu.Unlock()
	return nil
}

// doReplace destroys and recreates the resource. Default ordering deletes
// the old instance first; drivers whose kinds tolerate coexistence declare
// CreateBeforeDelete and get the new instance before the old one goes.
func (s *Scheduler) doReplace(ctx context.Context, driver Driver, step *Step, snap *state.Snapshot, attrs map[string]interface{}, timeout time.Duration, outcome *StepOutcome) error {
	rec := snap.Resources[step.Node.Name]
	if rec == nil {
		return NewCorruptionError("replace target has no snapshot record", nil).
			WithCode(ErrCodeStateCorrupt).WithResource(step.Node.Name)
	}

	create := func() (string, map[string]interface{}, error) {
		var providerID string
		var outputs map[string]interface{}
		err := s.withRetry(ctx, step.Node.Name, timeout, outcome, func(opCtx context.Context) error {
			var err error
			providerID, outputs, err = driver.Create(opCtx, attrs)
			s.recordProviderCall(step.Node.Kind, "create", err)
			return err
		})
		return providerID, outputs, err
	}
	destroyOld := func() error {
		return s.withRetry(ctx, step.Node.Name, timeout, outcome, func(opCtx context.Context) error {
			err := driver.Delete(opCtx, rec.ProviderID)
			s.recordProviderCall(step.Node.Kind, "delete", err)
			return err
		})
	}

	if step.CreateBeforeDelete {
		providerID, outputs, err := create()
		if err != nil {
			return err
		}
		if err := s.commit(ctx, step, attrs, providerID, outputs); err != nil {
			return err
		}
		if err := destroyOld(); err != nil {
			return fmt.Errorf("replacement created but old instance %s not destroyed: %w", rec.ProviderID, err)
		}
		return nil
	}

	if err := destroyOld(); err != nil {
		return err
	}
	if err := s.store.DeleteRecord(ctx, s.deployment, step.Node.Name); err != nil {
		return fmt.Errorf("failed to remove state record for %s: %w", step.Node.Name, err)
	}
	providerID, outputs, err := create()
	if err != nil {
		return err
	}
	return s.commit(ctx, step, attrs, providerID, outputs)
}

// commit persists the applied record and publishes outputs for downstream
// reference resolution.
func (s *Scheduler) commit(ctx context.Context, step *Step, attrs map[string]interface{}, providerID string, outputs map[string]interface{}) error {
	deps := make([]string, 0)
	for _, ref := range extractReferences(step.Node.Attrs) {
		deps = append(deps, ref.Target)
	}
	sort.Strings(deps)
	deps = dedupStrings(deps)

	rec := &state.Record{
		Name:       step.Node.Name,
		Kind:       step.Node.Kind,
		ProviderID: providerID,
		Attrs:      attrs,
		Outputs:    outputs,
		Deps:       deps,
		AppliedAt:  time.Now().UTC(),
	}
	if err := s.store.CommitRecord(ctx, s.deployment, rec); err != nil {
		return fmt.Errorf("resource %s applied but state commit failed: %w", step.Node.Name, err)
	}

	s.mu.Lock()
	s.outputs[step.Node.Name] = producedOutputs{providerID: providerID, outputs: outputs}
	s.mu.Unlock()
	return nil
}

// resolveForApply substitutes references from outputs produced earlier in
// this run or loaded from the snapshot. Rank ordering guarantees every
// producer is terminal by the time a consumer resolves.
func (s *Scheduler) resolveForApply(attrs map[string]interface{}) (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolveAttrs(attrs, func(ref Reference) (interface{}, bool) {
		produced, ok := s.outputs[ref.Target]
		if !ok {
			return nil, false
		}
		if ref.Attr == "" {
			return produced.providerID, true
		}
		val, ok := produced.outputs[ref.Attr]
		return val, ok
	})
}

// withRetry runs one provider operation under a per-attempt timeout,
// retrying transient failures with exponential backoff and jitter.
func (s *Scheduler) withRetry(ctx context.Context, resource string, timeout time.Duration, outcome *StepOutcome, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		outcome.Attempts = attempt

		opCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(opCtx)
		if err != nil && opCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = NewTransientError("operation timed out", err).
				WithCode(ErrCodeTimeout).WithResource(resource)
		}
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsRetryable(err) || attempt == s.cfg.MaxAttempts {
			break
		}

		backoff := s.backoff(attempt)
		s.metrics.RecordRetry(resource)
		s.logger.Warn().Err(err).
			Str("resource", resource).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("transient failure, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return lastErr
		}
	}
	return lastErr
}

// backoff computes the delay before the next attempt: base * 2^(n-1),
// capped, with up to 25% random jitter.
func (s *Scheduler) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(s.cfg.RetryBaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > s.cfg.RetryMaxDelay {
		delay = s.cfg.RetryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

func (s *Scheduler) recordProviderCall(kind, op string, err error) {
	s.metrics.RecordProviderCall(kind, op, 0)
	if err != nil {
		s.metrics.RecordProviderError(kind, op)
	}
}

// collect fills the result from the recorded outcomes, one entry per plan
// step in plan order.
func (s *Scheduler) collect(plan *Plan, result *Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range plan.Steps {
		out, ok := s.outcomes[step.Node.Name]
		if !ok {
			out = &StepOutcome{
				Name:    step.Node.Name,
				Kind:    step.Node.Kind,
				Op:      step.Op,
				Outcome: OutcomeBlocked,
				Error:   "never scheduled",
			}
		}
		result.Outcomes = append(result.Outcomes, *out)
		switch out.Outcome {
		case OutcomeApplied:
			result.Summary.Applied++
		case OutcomeNoop:
			result.Summary.Noop++
		case OutcomeFailed:
			result.Summary.Failed++
		case OutcomeBlocked:
			result.Summary.Blocked++
		}
	}
}

// groupByRank buckets steps by rank; descending order for deletes.
func groupByRank(steps []*Step, descending bool) [][]*Step {
	byRank := make(map[int][]*Step)
	var ranks []int
	for _, step := range steps {
		if _, ok := byRank[step.Rank]; !ok {
			ranks = append(ranks, step.Rank)
		}
		byRank[step.Rank] = append(byRank[step.Rank], step)
	}
	sort.Ints(ranks)
	if descending {
		for i, j := 0, len(ranks)-1; i < j; i, j = i+1, j-1 {
			ranks[i], ranks[j] = ranks[j], ranks[i]
		}
	}
	out := make([][]*Step, 0, len(ranks))
	for _, r := range ranks {
		out = append(out, byRank[r])
	}
	return out
}
