package engine

import (
	"context"
	"time"
)

// Driver is the capability set for one resource kind. This is the seam
// where cloud-specific code plugs in; the engine never sees provider wire
// formats. Implementations classify their failures as transient or
// permanent via NewTransientError / NewPermanentError.
type Driver interface {
	// Kind returns the resource kind this driver handles.
	Kind() string

	// Schema returns static hints the planner and scheduler need.
	Schema() Schema

	// Create provisions a new resource and returns the provider-assigned
	// ID plus output attributes consumers may reference.
	Create(ctx context.Context, attrs map[string]interface{}) (providerID string, outputs map[string]interface{}, err error)

	// Read fetches the live attributes of an existing resource.
	Read(ctx context.Context, providerID string) (map[string]interface{}, error)

	// Update mutates an existing resource in place and returns refreshed
	// outputs.
	Update(ctx context.Context, providerID string, attrs map[string]interface{}) (map[string]interface{}, error)

	// Delete destroys an existing resource.
	Delete(ctx context.Context, providerID string) error

	// Check verifies the resource still exists remotely. Used for drift
	// detection; a false return with nil error means the resource vanished.
	Check(ctx context.Context, providerID string) (bool, error)
}

// Schema carries driver-declared planning hints.
type Schema struct {
	// Immutable lists attribute names that cannot change in place; a
	// changed immutable attribute forces a replace.
	Immutable []string

	// CreateBeforeDelete selects replace ordering. False (the default)
	// destroys the old resource before creating the new one.
	CreateBeforeDelete bool

	// OperationTimeout bounds a single provider operation. Zero means the
	// scheduler default applies.
	OperationTimeout time.Duration
}

// IsImmutable reports whether attr is declared immutable.
func (s Schema) IsImmutable(attr string) bool {
	for _, a := range s.Immutable {
		if a == attr {
			return true
		}
	}
	return false
}

// DriverRegistry resolves resource kinds to drivers.
type DriverRegistry interface {
	// Get returns the driver for kind, or a configuration error with code
	// ErrCodeUnknownKind.
	Get(kind string) (Driver, error)

	// Kinds lists the registered kinds.
	Kinds() []string
}
