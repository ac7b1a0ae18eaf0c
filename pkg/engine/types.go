package engine

import (
	"time"
)

// ResourceNode is one declared resource in the target graph.
type ResourceNode struct {
	// Name is the logical name, unique across the deployment. References
	// from other resources use this name.
	Name string `json:"name"`

	// Kind is the resource kind used for driver lookup (e.g. "ec2.vpc").
	Kind string `json:"kind"`

	// Attrs is the desired attribute set. Values may be literals or
	// ${name.attr} references to another node's outputs.
	Attrs map[string]interface{} `json:"attrs"`
}

// Edge is a dependency relation: the consumer's attribute resolution
// requires the producer's outputs.
type Edge struct {
	Consumer string `json:"consumer"`
	Producer string `json:"producer"`
}

// Step is one unit of work in a plan.
type Step struct {
	// ID uniquely identifies the step within its plan.
	ID string `json:"id"`

	// Node is the target resource. For deletes it carries the last-applied
	// attributes from the snapshot.
	Node ResourceNode `json:"node"`

	// Op is the operation to perform.
	Op OperationType `json:"op"`

	// Rank is the topological level the step executes at. Creates and
	// updates run in ascending rank order, deletes in descending order.
	Rank int `json:"rank"`

	// Changed lists the attribute names whose values differ from the
	// snapshot. Empty for creates, deletes, and no-ops.
	Changed []string `json:"changed,omitempty"`

	// Forces lists the immutable attributes forcing a replace.
	Forces []string `json:"forces,omitempty"`

	// CreateBeforeDelete is the driver-declared replace ordering.
	CreateBeforeDelete bool `json:"create_before_delete,omitempty"`
}

// Plan is an ordered sequence of steps computed for one deployment.
type Plan struct {
	ID         string      `json:"id"`
	Deployment string      `json:"deployment"`
	CreatedAt  time.Time   `json:"created_at"`
	Steps      []Step      `json:"steps"`
	Edges      []Edge      `json:"edges,omitempty"`
	Summary    PlanSummary `json:"summary"`
}

// PlanSummary counts steps by operation.
type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	Noop    int `json:"noop"`
}

// HasChanges returns true if any step mutates remote state.
func (p *Plan) HasChanges() bool {
	return p.Summary.Create+p.Summary.Update+p.Summary.Delete+p.Summary.Replace > 0
}

// StepOutcome is the terminal result for one step after apply.
type StepOutcome struct {
	Name     string        `json:"name"`
	Kind     string        `json:"kind"`
	Op       OperationType `json:"op"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Cause    string        `json:"cause,omitempty"` // failed node that blocked this one
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Result is the aggregate outcome of one apply run. Every node of the plan
// appears exactly once.
type Result struct {
	RunID       string        `json:"run_id"`
	PlanID      string        `json:"plan_id"`
	Deployment  string        `json:"deployment"`
	DryRun      bool          `json:"dry_run"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Outcomes    []StepOutcome `json:"outcomes"`
	Summary     RunSummary    `json:"summary"`
}

// RunSummary counts step outcomes.
type RunSummary struct {
	Applied int `json:"applied"`
	Noop    int `json:"noop"`
	Failed  int `json:"failed"`
	Blocked int `json:"blocked"`
}

// Status derives the run status from the summary.
func (r *Result) Status() RunStatus {
	switch {
	case r.Summary.Failed == 0 && r.Summary.Blocked == 0:
		return RunStatusSucceeded
	case r.Summary.Applied > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}
