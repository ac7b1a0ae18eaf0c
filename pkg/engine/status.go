package engine

import "fmt"

// OperationType is the kind of change a plan step performs on a resource.
type OperationType string

const (
	// OperationCreate creates a resource that has no snapshot record.
	OperationCreate OperationType = "create"

	// OperationUpdate updates a resource in place.
	OperationUpdate OperationType = "update"

	// OperationDelete destroys a resource removed from the configuration.
	OperationDelete OperationType = "delete"

	// OperationReplace destroys and recreates a resource because an
	// immutable attribute changed. Ordering is driver-declared.
	OperationReplace OperationType = "replace"

	// OperationNoop leaves a resource untouched.
	OperationNoop OperationType = "noop"
)

// IsDestructive returns true if the operation destroys a remote resource.
func (o OperationType) IsDestructive() bool {
	return o == OperationDelete || o == OperationReplace
}

// IsMutating returns true if the operation changes remote state.
func (o OperationType) IsMutating() bool {
	return o != OperationNoop
}

// Validate checks if the operation type is valid.
func (o OperationType) Validate() error {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete, OperationReplace, OperationNoop:
		return nil
	default:
		return fmt.Errorf("invalid operation type: %s", o)
	}
}

// Outcome is the terminal result of a plan step after apply.
type Outcome string

const (
	// OutcomePending means the step has not reached a terminal state yet.
	OutcomePending Outcome = "pending"

	// OutcomeApplied means the operation completed successfully.
	OutcomeApplied Outcome = "applied"

	// OutcomeNoop means no operation was needed.
	OutcomeNoop Outcome = "noop"

	// OutcomeFailed means the operation failed permanently or exhausted
	// its retries.
	OutcomeFailed Outcome = "failed"

	// OutcomeBlocked means a transitive dependency failed; the operation
	// was never attempted.
	OutcomeBlocked Outcome = "blocked"
)

// IsTerminal returns true if the outcome is final.
func (o Outcome) IsTerminal() bool {
	return o != OutcomePending
}

// RunStatus summarizes an apply run.
type RunStatus string

const (
	// RunStatusSucceeded means every step applied or was a no-op.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusPartial means some steps applied while others failed or
	// were blocked.
	RunStatusPartial RunStatus = "partial"

	// RunStatusFailed means no mutating step succeeded.
	RunStatusFailed RunStatus = "failed"
)
