package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stratus-iac/stratus/pkg/state"
)

// Planner diffs a declared resource graph against the persisted snapshot
// and produces an ordered plan. Planning never calls a provider.
type Planner struct {
	registry DriverRegistry
	logger   zerolog.Logger
}

// NewPlanner creates a planner backed by the given driver registry.
func NewPlanner(registry DriverRegistry, logger zerolog.Logger) *Planner {
	return &Planner{
		registry: registry,
		logger:   logger.With().Str("component", "planner").Logger(),
	}
}

// Plan computes the operations needed to move the deployment from the
// snapshot to the declared graph. Steps are ordered deletes-first in
// descending dependency rank, then creates and updates in ascending rank.
// Re-planning an unchanged configuration yields only no-op steps.
func (p *Planner) Plan(deployment string, nodes []ResourceNode, snap *state.Snapshot) (*Plan, *Graph, error) {
	graph, err := BuildGraph(nodes)
	if err != nil {
		return nil, nil, err
	}

	// Every kind must resolve to a driver before any step is emitted.
	schemas := make(map[string]Schema, graph.Len())
	for _, name := range graph.sortedNames() {
		node, _ := graph.Node(name)
		if _, ok := schemas[node.Kind]; ok {
			continue
		}
		driver, err := p.registry.Get(node.Kind)
		if err != nil {
			return nil, nil, err
		}
		schemas[node.Kind] = driver.Schema()
	}

	plan := &Plan{
		ID:         uuid.New().String(),
		Deployment: deployment,
		CreatedAt:  time.Now().UTC(),
		Edges:      graph.Edges(),
	}

	// Deletes: records in the snapshot with no declared node. They run in
	// descending stored-dependency rank so consumers go before producers.
	deleted := make(map[string]bool)
	for name := range snap.Resources {
		if _, declared := graph.Node(name); !declared {
			deleted[name] = true
		}
	}
	deleteRanks := storedRanks(snap)
	var deleteSteps []Step
	for name := range deleted {
		rec := snap.Resources[name]
		deleteSteps = append(deleteSteps, Step{
			ID: uuid.New().String(),
			Node: ResourceNode{
				Name:  rec.Name,
				Kind:  rec.Kind,
				Attrs: rec.Attrs,
			},
			Op:   OperationDelete,
			Rank: deleteRanks[name],
		})
	}
	sort.Slice(deleteSteps, func(i, j int) bool {
		if deleteSteps[i].Rank != deleteSteps[j].Rank {
			return deleteSteps[i].Rank > deleteSteps[j].Rank
		}
		return deleteSteps[i].Node.Name < deleteSteps[j].Node.Name
	})
	plan.Steps = append(plan.Steps, deleteSteps...)

	// Creates and updates in ascending rank order.
	for _, rank := range graph.Ranks() {
		for _, name := range rank {
			node, _ := graph.Node(name)
			step, err := p.diffNode(graph, node, snap, schemas[node.Kind])
			if err != nil {
				return nil, nil, err
			}
			plan.Steps = append(plan.Steps, step)
		}
	}

	for _, step := range plan.Steps {
		switch step.Op {
		case OperationCreate:
			plan.Summary.Create++
		case OperationUpdate:
			plan.Summary.Update++
		case OperationDelete:
			plan.Summary.Delete++
		case OperationReplace:
			plan.Summary.Replace++
		case OperationNoop:
			plan.Summary.Noop++
		}
	}

	p.logger.Debug().
		Str("deployment", deployment).
		Str("plan_id", plan.ID).
		Int("create", plan.Summary.Create).
		Int("update", plan.Summary.Update).
		Int("delete", plan.Summary.Delete).
		Int("replace", plan.Summary.Replace).
		Int("noop", plan.Summary.Noop).
		Msg("plan computed")

	return plan, graph, nil
}

// Destroy plans the deletion of every resource in the snapshot, consumers
// before producers.
func (p *Planner) Destroy(deployment string, snap *state.Snapshot) (*Plan, error) {
	plan := &Plan{
		ID:         uuid.New().String(),
		Deployment: deployment,
		CreatedAt:  time.Now().UTC(),
	}

	deleteRanks := storedRanks(snap)
	for name, rec := range snap.Resources {
		plan.Steps = append(plan.Steps, Step{
			ID: uuid.New().String(),
			Node: ResourceNode{
				Name:  rec.Name,
				Kind:  rec.Kind,
				Attrs: rec.Attrs,
			},
			Op:   OperationDelete,
			Rank: deleteRanks[name],
		})
	}
	sort.Slice(plan.Steps, func(i, j int) bool {
		if plan.Steps[i].Rank != plan.Steps[j].Rank {
			return plan.Steps[i].Rank > plan.Steps[j].Rank
		}
		return plan.Steps[i].Node.Name < plan.Steps[j].Node.Name
	})
	plan.Summary.Delete = len(plan.Steps)

	return plan, nil
}

// diffNode classifies one declared node against its snapshot record.
func (p *Planner) diffNode(graph *Graph, node *ResourceNode, snap *state.Snapshot, schema Schema) (Step, error) {
	step := Step{
		ID:   uuid.New().String(),
		Node: *node,
		Rank: graph.Rank(node.Name),
	}

	rec, exists := snap.Resources[node.Name]
	if !exists {
		step.Op = OperationCreate
		return step, nil
	}

	// Resolve references from snapshot outputs so an unchanged configuration
	// diffs clean. A reference to a not-yet-created producer stays
	// unresolved and counts as a change.
	desired, unresolved := resolveFromSnapshot(node.Attrs, snap)

	changed := diffAttrs(desired, rec.Attrs)
	changed = append(changed, unresolved...)
	sort.Strings(changed)
	changed = dedupStrings(changed)

	if len(changed) == 0 {
		step.Op = OperationNoop
		return step, nil
	}

	step.Changed = changed
	for _, attr := range changed {
		if schema.IsImmutable(attr) {
			step.Forces = append(step.Forces, attr)
		}
	}
	if len(step.Forces) > 0 {
		step.Op = OperationReplace
		step.CreateBeforeDelete = schema.CreateBeforeDelete
	} else {
		step.Op = OperationUpdate
	}
	return step, nil
}

// resolveFromSnapshot substitutes references whose producers already have a
// record. It returns the partially resolved attributes and the names of
// attributes whose references could not be resolved.
func resolveFromSnapshot(attrs map[string]interface{}, snap *state.Snapshot) (map[string]interface{}, []string) {
	lookup := func(ref Reference) (interface{}, bool) {
		rec, ok := snap.Resources[ref.Target]
		if !ok {
			return nil, false
		}
		if ref.Attr == "" {
			return rec.ProviderID, true
		}
		if val, ok := rec.Outputs[ref.Attr]; ok {
			return val, true
		}
		if val, ok := rec.Attrs[ref.Attr]; ok {
			return val, true
		}
		return nil, false
	}

	resolved := make(map[string]interface{}, len(attrs))
	var unresolved []string
	for key, value := range attrs {
		out, err := resolveValue(value, lookup)
		if err != nil {
			unresolved = append(unresolved, key)
			resolved[key] = value
			continue
		}
		resolved[key] = out
	}
	return resolved, unresolved
}

// diffAttrs returns the attribute names whose desired value differs from
// the last-applied value, including attributes removed from the
// configuration.
func diffAttrs(desired, applied map[string]interface{}) []string {
	var changed []string
	for key, want := range desired {
		have, ok := applied[key]
		if !ok || !equalValue(want, have) {
			changed = append(changed, key)
		}
	}
	for key := range applied {
		if _, ok := desired[key]; !ok {
			changed = append(changed, key)
		}
	}
	return changed
}

// equalValue compares attribute values through JSON normalization so that
// e.g. int and float64 renditions of the same number compare equal.
func equalValue(a, b interface{}) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}

func dedupStrings(in []string) []string {
	out := in[:0]
	var prev string
	for i, s := range in {
		if i > 0 && s == prev {
			continue
		}
		out = append(out, s)
		prev = s
	}
	return out
}

// storedRanks computes topological depth over the dependency lists
// persisted with each record. Depth grows toward consumers, so deleting in
// descending rank removes consumers before their producers.
func storedRanks(snap *state.Snapshot) map[string]int {
	ranks := make(map[string]int, len(snap.Resources))
	var depth func(name string, trail map[string]bool) int
	depth = func(name string, trail map[string]bool) int {
		if r, ok := ranks[name]; ok {
			return r
		}
		if trail[name] {
			return 0
		}
		trail[name] = true
		rec := snap.Resources[name]
		max := 0
		if rec != nil {
			for _, dep := range rec.Deps {
				if _, ok := snap.Resources[dep]; !ok {
					continue
				}
				if d := depth(dep, trail) + 1; d > max {
					max = d
				}
			}
		}
		delete(trail, name)
		ranks[name] = max
		return max
	}
	for name := range snap.Resources {
		depth(name, make(map[string]bool))
	}
	return ranks
}

// validatePlan checks a decoded plan before execution. Used when a plan
// file is applied rather than a freshly computed plan.
func validatePlan(plan *Plan) error {
	if plan.Deployment == "" {
		return NewConfigurationError("plan has no deployment", nil).WithCode(ErrCodeValidation)
	}
	seen := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		if err := step.Op.Validate(); err != nil {
			return NewConfigurationError(err.Error(), nil).WithCode(ErrCodeValidation)
		}
		if step.Node.Name == "" {
			return NewConfigurationError("plan step has empty resource name", nil).WithCode(ErrCodeValidation)
		}
		if seen[step.Node.Name] {
			return NewConfigurationError(
				fmt.Sprintf("plan contains resource %s twice", step.Node.Name), nil).
				WithCode(ErrCodeValidation).WithResource(step.Node.Name)
		}
		seen[step.Node.Name] = true
	}
	return nil
}
