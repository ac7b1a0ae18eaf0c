package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratus-iac/stratus/pkg/state"
)

func testSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Parallelism:      4,
		MaxAttempts:      3,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    5 * time.Millisecond,
		OperationTimeout: time.Second,
		LeaseTTL:         time.Minute,
		Holder:           "test",
	}
}

func newTestScheduler(registry DriverRegistry, store state.Store) *Scheduler {
	return NewScheduler(registry, store, testSchedulerConfig(), zerolog.Nop(), nil)
}

func mustPlan(t *testing.T, planner *Planner, deployment string, nodes []ResourceNode, snap *state.Snapshot) (*Plan, *Graph) {
	t.Helper()
	plan, graph, err := planner.Plan(deployment, nodes, snap)
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	return plan, graph
}

func outcomeFor(t *testing.T, result *Result, name string) StepOutcome {
	t.Helper()
	for _, out := range result.Outcomes {
		if out.Name == name {
			return out
		}
	}
	t.Fatalf("result has no outcome for %s", name)
	return StepOutcome{}
}

// TestApplyChainCommitsEachResource verifies a three-level chain applies in
// order, resolves references from outputs produced in the same run, and
// commits every record with its dependency list.
func TestApplyChainCommitsEachResource(t *testing.T) {
	netDriver := &fakeDriver{kind: "test.net"}
	subDriver := &fakeDriver{kind: "test.sub"}
	vmDriver := &fakeDriver{kind: "test.vm"}
	registry := newFakeRegistry(netDriver, subDriver, vmDriver)
	store := state.NewMemoryStore()
	ctx := context.Background()

	nodes := []ResourceNode{
		node("net", "test.net", map[string]interface{}{"cidr_block": "10.0.0.0/16"}),
		node("sub", "test.sub", map[string]interface{}{"net_id": "${net}"}),
		node("vm", "test.vm", map[string]interface{}{"subnet_id": "${sub.id}"}),
	}

	planner := NewPlanner(registry, zerolog.Nop())
	snap, err := store.LoadSnapshot(ctx, "prod")
	if err != nil {
		t.Fatalf("LoadSnapshot returned error: %v", err)
	}
	plan, graph := mustPlan(t, planner, "prod", nodes, snap)

	result, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	if result.Summary.Applied != 3 || result.Summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}
	if result.Status() != RunStatusSucceeded {
		t.Errorf("status = %s, want %s", result.Status(), RunStatusSucceeded)
	}

	after, err := store.LoadSnapshot(ctx, "prod")
	if err != nil {
		t.Fatalf("LoadSnapshot returned error: %v", err)
	}
	sub := after.Resources["sub"]
	if sub == nil {
		t.Fatal("sub record missing after apply")
	}
	if sub.Attrs["net_id"] != "test.net-1" {
		t.Errorf("sub net_id = %v, want resolved provider ID", sub.Attrs["net_id"])
	}
	if len(sub.Deps) != 1 || sub.Deps[0] != "net" {
		t.Errorf("sub deps = %v, want [net]", sub.Deps)
	}
	vm := after.Resources["vm"]
	if vm == nil || vm.Attrs["subnet_id"] != "test.sub-1" {
		t.Errorf("vm subnet_id not resolved from run outputs: %+v", vm)
	}

	runs, err := store.ListRuns(ctx, "prod", 10)
	if err != nil {
		t.Fatalf("ListRuns returned error: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != string(RunStatusSucceeded) {
		t.Errorf("expected one succeeded run, got %+v", runs)
	}
	if runs[0].CompletedAt == nil {
		t.Error("run not finalized")
	}
}

// TestApplyIdempotent verifies a second plan/apply cycle over an unchanged
// configuration performs no provider calls and no commits.
func TestApplyIdempotent(t *testing.T) {
	netDriver := &fakeDriver{kind: "test.net"}
	registry := newFakeRegistry(netDriver)
	store := state.NewMemoryStore()
	ctx := context.Background()
	planner := NewPlanner(registry, zerolog.Nop())
	nodes := []ResourceNode{
		node("net", "test.net", map[string]interface{}{"cidr_block": "10.0.0.0/16"}),
	}

	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, graph := mustPlan(t, planner, "prod", nodes, snap)
	if _, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	snap2, _ := store.LoadSnapshot(ctx, "prod")
	serialAfterFirst := snap2.Serial
	plan2, graph2 := mustPlan(t, planner, "prod", nodes, snap2)
	if plan2.HasChanges() {
		t.Fatalf("expected all-noop second plan, got %+v", plan2.Summary)
	}

	result, err := newTestScheduler(registry, store).Apply(ctx, plan2, graph2, snap2)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if result.Summary.Noop != 1 || result.Summary.Applied != 0 {
		t.Errorf("unexpected summary: %+v", result.Summary)
	}
	if n := netDriver.callCount("create"); n != 1 {
		t.Errorf("expected exactly one create across both applies, got %d", n)
	}

	snap3, _ := store.LoadSnapshot(ctx, "prod")
	if snap3.Serial != serialAfterFirst {
		t.Errorf("serial moved on a no-op apply: %d -> %d", serialAfterFirst, snap3.Serial)
	}
}

// TestApplyFailureBlocksDependents verifies a failed producer blocks its
// transitive consumers with the root cause while independent resources
// still apply.
func TestApplyFailureBlocksDependents(t *testing.T) {
	badDriver := &fakeDriver{kind: "test.bad"}
	badDriver.createFn = func(ctx context.Context, attrs map[string]interface{}) (string, map[string]interface{}, error) {
		return "", nil, NewPermanentError("invalid attribute", nil).WithCode(ErrCodeProviderFailed)
	}
	okDriver := &fakeDriver{kind: "test.ok"}
	registry := newFakeRegistry(badDriver, okDriver)
	store := state.NewMemoryStore()
	ctx := context.Background()

	nodes := []ResourceNode{
		node("bad", "test.bad", map[string]interface{}{"x": 1}),
		node("child", "test.ok", map[string]interface{}{"parent": "${bad}"}),
		node("grandchild", "test.ok", map[string]interface{}{"parent": "${child.id}"}),
		node("lone", "test.ok", map[string]interface{}{"x": 2}),
	}

	planner := NewPlanner(registry, zerolog.Nop())
	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, graph := mustPlan(t, planner, "prod", nodes, snap)

	result, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	if out := outcomeFor(t, result, "bad"); out.Outcome != OutcomeFailed {
		t.Errorf("bad outcome = %s, want failed", out.Outcome)
	}
	child := outcomeFor(t, result, "child")
	if child.Outcome != OutcomeBlocked || child.Cause != "bad" {
		t.Errorf("child outcome = %s cause %q, want blocked by bad", child.Outcome, child.Cause)
	}
	grandchild := outcomeFor(t, result, "grandchild")
	if grandchild.Outcome != OutcomeBlocked || grandchild.Cause != "bad" {
		t.Errorf("grandchild cause = %q, want root cause bad", grandchild.Cause)
	}
	if out := outcomeFor(t, result, "lone"); out.Outcome != OutcomeApplied {
		t.Errorf("lone outcome = %s, want applied", out.Outcome)
	}
	if result.Status() != RunStatusPartial {
		t.Errorf("status = %s, want partial", result.Status())
	}

	after, _ := store.LoadSnapshot(ctx, "prod")
	if _, ok := after.Resources["lone"]; !ok {
		t.Error("lone not committed")
	}
	if _, ok := after.Resources["bad"]; ok {
		t.Error("failed resource committed")
	}
}

// TestApplyRetriesTransient verifies transient failures are retried with
// backoff until success, and permanent failures are not retried.
func TestApplyRetriesTransient(t *testing.T) {
	attempts := 0
	flaky := &fakeDriver{kind: "test.flaky"}
	flaky.createFn = func(ctx context.Context, attrs map[string]interface{}) (string, map[string]interface{}, error) {
		attempts++
		if attempts < 3 {
			return "", nil, NewTransientError("throttled", nil).WithCode(ErrCodeProviderFailed)
		}
		return "flaky-1", map[string]interface{}{"id": "flaky-1"}, nil
	}
	registry := newFakeRegistry(flaky)
	store := state.NewMemoryStore()
	ctx := context.Background()

	planner := NewPlanner(registry, zerolog.Nop())
	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, graph := mustPlan(t, planner, "prod",
		[]ResourceNode{node("r", "test.flaky", map[string]interface{}{"x": 1})}, snap)

	result, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	out := outcomeFor(t, result, "r")
	if out.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s (%s), want applied", out.Outcome, out.Error)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", out.Attempts)
	}
}

func TestApplyDoesNotRetryPermanent(t *testing.T) {
	attempts := 0
	bad := &fakeDriver{kind: "test.bad"}
	bad.createFn = func(ctx context.Context, attrs map[string]interface{}) (string, map[string]interface{}, error) {
		attempts++
		return "", nil, NewPermanentError("denied", nil).WithCode(ErrCodeProviderFailed)
	}
	registry := newFakeRegistry(bad)
	store := state.NewMemoryStore()
	ctx := context.Background()

	planner := NewPlanner(registry, zerolog.Nop())
	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, graph := mustPlan(t, planner, "prod",
		[]ResourceNode{node("r", "test.bad", nil)}, snap)

	result, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if attempts != 1 {
		t.Errorf("permanent error retried: %d attempts", attempts)
	}
	if out := outcomeFor(t, result, "r"); out.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s, want failed", out.Outcome)
	}
}

// TestApplyTimeoutIsTransient verifies a provider call exceeding its
// timeout is classified transient and retried.
func TestApplyTimeoutIsTransient(t *testing.T) {
	attempts := 0
	slow := &fakeDriver{kind: "test.slow", schema: Schema{OperationTimeout: 10 * time.Millisecond}}
	slow.createFn = func(ctx context.Context, attrs map[string]interface{}) (string, map[string]interface{}, error) {
		attempts++
		if attempts == 1 {
			<-ctx.Done()
			return "", nil, ctx.Err()
		}
		return "slow-1", map[string]interface{}{"id": "slow-1"}, nil
	}
	registry := newFakeRegistry(slow)
	store := state.NewMemoryStore()
	ctx := context.Background()

	planner := NewPlanner(registry, zerolog.Nop())
	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, graph := mustPlan(t, planner, "prod",
		[]ResourceNode{node("r", "test.slow", nil)}, snap)

	result, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	out := outcomeFor(t, result, "r")
	if out.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s (%s), want applied after timeout retry", out.Outcome, out.Error)
	}
	if out.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", out.Attempts)
	}
}

// TestApplyLeaseConflict verifies a second apply against a held deployment
// fails fast with a conflict error and touches nothing.
func TestApplyLeaseConflict(t *testing.T) {
	netDriver := &fakeDriver{kind: "test.net"}
	registry := newFakeRegistry(netDriver)
	store := state.NewMemoryStore()
	ctx := context.Background()

	if _, err := store.AcquireLease(ctx, "prod", "other-apply", time.Hour); err != nil {
		t.Fatalf("AcquireLease returned error: %v", err)
	}

	planner := NewPlanner(registry, zerolog.Nop())
	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, graph := mustPlan(t, planner, "prod",
		[]ResourceNode{node("net", "test.net", nil)}, snap)

	_, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap)
	if !IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if !strings.Contains(err.Error(), "other-apply") {
		t.Errorf("expected holder in error, got %q", err.Error())
	}
	if n := netDriver.callCount("create"); n != 0 {
		t.Errorf("driver called despite held lease: %d creates", n)
	}
}

// TestApplyReleasesLease verifies the lease is gone after a run so the
// next apply can proceed.
func TestApplyReleasesLease(t *testing.T) {
	netDriver := &fakeDriver{kind: "test.net"}
	registry := newFakeRegistry(netDriver)
	store := state.NewMemoryStore()
	ctx := context.Background()

	planner := NewPlanner(registry, zerolog.Nop())
	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, graph := mustPlan(t, planner, "prod",
		[]ResourceNode{node("net", "test.net", nil)}, snap)

	if _, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if _, err := store.AcquireLease(ctx, "prod", "next", time.Minute); err != nil {
		t.Errorf("lease not released after apply: %v", err)
	}
}

// TestDryRunTouchesNothing verifies a dry run reports pending mutations
// without provider calls or state changes.
func TestDryRunTouchesNothing(t *testing.T) {
	netDriver := &fakeDriver{kind: "test.net"}
	registry := newFakeRegistry(netDriver)
	store := state.NewMemoryStore()
	ctx := context.Background()

	planner := NewPlanner(registry, zerolog.Nop())
	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, _ := mustPlan(t, planner, "prod",
		[]ResourceNode{node("net", "test.net", nil)}, snap)

	result := newTestScheduler(registry, store).DryRun(plan)
	if !result.DryRun {
		t.Error("result not marked dry run")
	}
	if out := outcomeFor(t, result, "net"); out.Outcome != OutcomePending {
		t.Errorf("outcome = %s, want pending", out.Outcome)
	}
	if n := netDriver.callCount("create"); n != 0 {
		t.Errorf("driver called during dry run: %d creates", n)
	}
	after, _ := store.LoadSnapshot(ctx, "prod")
	if !after.Empty() {
		t.Error("state changed during dry run")
	}
}

// TestApplyResumesAfterPartialFailure verifies that after a partial run,
// re-planning picks up exactly the unfinished work.
func TestApplyResumesAfterPartialFailure(t *testing.T) {
	failing := true
	flaky := &fakeDriver{kind: "test.flaky"}
	flaky.createFn = func(ctx context.Context, attrs map[string]interface{}) (string, map[string]interface{}, error) {
		if failing {
			return "", nil, NewPermanentError("not yet", nil).WithCode(ErrCodeProviderFailed)
		}
		return "flaky-1", map[string]interface{}{"id": "flaky-1"}, nil
	}
	okDriver := &fakeDriver{kind: "test.ok"}
	registry := newFakeRegistry(flaky, okDriver)
	store := state.NewMemoryStore()
	ctx := context.Background()
	planner := NewPlanner(registry, zerolog.Nop())

	nodes := []ResourceNode{
		node("stable", "test.ok", map[string]interface{}{"x": 1}),
		node("shaky", "test.flaky", map[string]interface{}{"x": 2}),
	}

	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, graph := mustPlan(t, planner, "prod", nodes, snap)
	result, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap)
	if err != nil {
		t.Fatalf("first apply returned error: %v", err)
	}
	if result.Summary.Applied != 1 || result.Summary.Failed != 1 {
		t.Fatalf("unexpected first summary: %+v", result.Summary)
	}

	failing = false
	snap2, _ := store.LoadSnapshot(ctx, "prod")
	plan2, graph2 := mustPlan(t, planner, "prod", nodes, snap2)
	if plan2.Summary.Create != 1 || plan2.Summary.Noop != 1 {
		t.Fatalf("resume plan should create only the failed resource: %+v", plan2.Summary)
	}

	result2, err := newTestScheduler(registry, store).Apply(ctx, plan2, graph2, snap2)
	if err != nil {
		t.Fatalf("second apply returned error: %v", err)
	}
	if result2.Status() != RunStatusSucceeded {
		t.Errorf("second run status = %s, want succeeded", result2.Status())
	}
	if n := okDriver.callCount("create"); n != 1 {
		t.Errorf("stable resource recreated on resume: %d creates", n)
	}
}

// TestReplaceDeleteThenCreate verifies default replace ordering destroys
// the old instance before creating the new one.
func TestReplaceDeleteThenCreate(t *testing.T) {
	d := &fakeDriver{kind: "test.net", schema: Schema{Immutable: []string{"cidr_block"}}}
	registry := newFakeRegistry(d)
	store := state.NewMemoryStore()
	ctx := context.Background()

	// Seed state with the old instance.
	if err := store.CommitRecord(ctx, "prod", testRecord("net", "test.net", "net-old",
		map[string]interface{}{"cidr_block": "10.0.0.0/16"})); err != nil {
		t.Fatalf("CommitRecord returned error: %v", err)
	}

	planner := NewPlanner(registry, zerolog.Nop())
	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, graph := mustPlan(t, planner, "prod",
		[]ResourceNode{node("net", "test.net", map[string]interface{}{"cidr_block": "10.1.0.0/16"})}, snap)
	if plan.Summary.Replace != 1 {
		t.Fatalf("expected replace plan, got %+v", plan.Summary)
	}

	result, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if out := outcomeFor(t, result, "net"); out.Outcome != OutcomeApplied {
		t.Fatalf("outcome = %s (%s), want applied", out.Outcome, out.Error)
	}

	want := []string{"delete net-old", "create test.net-1"}
	if len(d.calls) != 2 || d.calls[0] != want[0] || d.calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", d.calls, want)
	}

	after, _ := store.LoadSnapshot(ctx, "prod")
	if after.Resources["net"].ProviderID != "test.net-1" {
		t.Errorf("record not pointed at replacement: %+v", after.Resources["net"])
	}
}

// TestReplaceCreateBeforeDelete verifies drivers that declare
// create-before-delete get the new instance before the old one goes.
func TestReplaceCreateBeforeDelete(t *testing.T) {
	d := &fakeDriver{kind: "test.vm", schema: Schema{
		Immutable:          []string{"ami"},
		CreateBeforeDelete: true,
	}}
	registry := newFakeRegistry(d)
	store := state.NewMemoryStore()
	ctx := context.Background()

	if err := store.CommitRecord(ctx, "prod", testRecord("vm", "test.vm", "vm-old",
		map[string]interface{}{"ami": "ami-1"})); err != nil {
		t.Fatalf("CommitRecord returned error: %v", err)
	}

	planner := NewPlanner(registry, zerolog.Nop())
	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, graph := mustPlan(t, planner, "prod",
		[]ResourceNode{node("vm", "test.vm", map[string]interface{}{"ami": "ami-2"})}, snap)

	if _, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap); err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	want := []string{"create test.vm-1", "delete vm-old"}
	if len(d.calls) != 2 || d.calls[0] != want[0] || d.calls[1] != want[1] {
		t.Errorf("calls = %v, want %v", d.calls, want)
	}
}

// TestDeleteBlockedByFailedConsumer verifies a producer survives when the
// delete of a resource that depended on it fails.
func TestDeleteBlockedByFailedConsumer(t *testing.T) {
	d := &fakeDriver{kind: "test.net"}
	d.deleteFn = func(ctx context.Context, providerID string) error {
		if providerID == "consumer-1" {
			return NewPermanentError("dependency violation", nil).WithCode(ErrCodeProviderFailed)
		}
		return nil
	}
	registry := newFakeRegistry(d)
	store := state.NewMemoryStore()
	ctx := context.Background()

	if err := store.CommitRecord(ctx, "prod", testRecord("producer", "test.net", "producer-1", nil)); err != nil {
		t.Fatal(err)
	}
	if err := store.CommitRecord(ctx, "prod", testRecord("consumer", "test.net", "consumer-1", nil, "producer")); err != nil {
		t.Fatal(err)
	}

	planner := NewPlanner(registry, zerolog.Nop())
	snap, _ := store.LoadSnapshot(ctx, "prod")
	plan, graph := mustPlan(t, planner, "prod", nil, snap)

	result, err := newTestScheduler(registry, store).Apply(ctx, plan, graph, snap)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}
	if out := outcomeFor(t, result, "consumer"); out.Outcome != OutcomeFailed {
		t.Errorf("consumer outcome = %s, want failed", out.Outcome)
	}
	producer := outcomeFor(t, result, "producer")
	if producer.Outcome != OutcomeBlocked || producer.Cause != "consumer" {
		t.Errorf("producer outcome = %s cause %q, want blocked by consumer", producer.Outcome, producer.Cause)
	}

	after, _ := store.LoadSnapshot(ctx, "prod")
	if _, ok := after.Resources["producer"]; !ok {
		t.Error("producer deleted despite blocked consumer")
	}
}
