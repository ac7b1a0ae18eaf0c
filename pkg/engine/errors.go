package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an error for retry and recovery decisions.
type ErrorClass string

const (
	// ErrorClassConfiguration indicates an invalid resource graph: cycles,
	// duplicate names, unresolved references. Detected before any provider
	// call; never retried.
	ErrorClassConfiguration ErrorClass = "configuration"

	// ErrorClassTransient indicates a provider failure that may succeed on
	// retry: throttling, timeouts, temporary unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a provider failure that will not succeed
	// on retry: invalid attributes, permission denied, quota exhausted.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassConflict indicates another apply holds the deployment lease.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassCorruption indicates the state snapshot is internally
	// inconsistent. Fatal; the engine refuses to apply rather than guess.
	ErrorClassCorruption ErrorClass = "corruption"
)

// Error is a classified engine error with resource context.
type Error struct {
	Class    ErrorClass `json:"class"`
	Message  string     `json:"message"`
	Code     string     `json:"code,omitempty"`
	Resource string     `json:"resource,omitempty"`
	Err      error      `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class and code so callers can compare against prototypes.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(name string) *Error {
	e.Resource = name
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(message string, err error) *Error {
	return &Error{Class: ErrorClassConfiguration, Message: message, Err: err}
}

// NewTransientError creates a new transient provider error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent provider error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewConflictError creates a new lease-conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewCorruptionError creates a new state-corruption error.
func NewCorruptionError(message string, err error) *Error {
	return &Error{Class: ErrorClassCorruption, Message: message, Err: err}
}

func classOf(err error) (ErrorClass, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsConfiguration returns true for configuration errors.
func IsConfiguration(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConfiguration
}

// IsTransient returns true for transient provider errors.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsPermanent returns true for permanent provider errors.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsConflict returns true for lease-conflict errors.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsCorruption returns true for state-corruption errors.
func IsCorruption(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassCorruption
}

// IsRetryable returns true if the operation may be retried.
// Only transient provider errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Common error codes.
const (
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeDuplicateName    = "DUPLICATE_NAME"
	ErrCodeUnknownReference = "UNKNOWN_REFERENCE"
	ErrCodeUnknownKind      = "UNKNOWN_KIND"
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeLeaseHeld        = "LEASE_HELD"
	ErrCodeStateCorrupt     = "STATE_CORRUPT"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
