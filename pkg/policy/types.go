package policy

import (
	"time"
)

// Severity grades a policy violation.
type Severity string

const (
	// SeverityWarning reports but does not block the plan.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the plan.
	SeverityError Severity = "error"
)

// Policy is one Rego policy. The module must define a deny set in its
// package; every member blocks or warns depending on severity.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Severity    Severity `json:"severity"`
	Rego        string   `json:"rego"`
	Enabled     bool     `json:"enabled"`
}

// Violation is one deny result.
type Violation struct {
	Policy   string `json:"policy"`
	Resource string `json:"resource,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Result is the aggregate verdict for a plan.
type Result struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// PlanInput is the document policies evaluate against.
type PlanInput struct {
	Deployment string      `json:"deployment"`
	Steps      []StepInput `json:"steps"`
}

// StepInput is one plan step as seen by policies.
type StepInput struct {
	Name    string                 `json:"name"`
	Kind    string                 `json:"kind"`
	Op      string                 `json:"op"`
	Changed []string               `json:"changed,omitempty"`
	Forces  []string               `json:"forces,omitempty"`
	Attrs   map[string]interface{} `json:"attrs,omitempty"`
}
