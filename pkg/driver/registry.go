package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/stratus-iac/stratus/pkg/engine"
)

// Registry maps resource kinds to drivers. Registration of a duplicate
// kind is rejected; lookup of an unknown kind is a configuration error.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]engine.Driver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]engine.Driver)}
}

// Register adds a driver for its declared kind.
func (r *Registry) Register(d engine.Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kind := d.Kind()
	if kind == "" {
		return fmt.Errorf("driver declares empty kind")
	}
	if _, exists := r.drivers[kind]; exists {
		return fmt.Errorf("driver for kind %q already registered", kind)
	}
	r.drivers[kind] = d
	return nil
}

// MustRegister registers a driver and panics on conflict. For use at
// startup with built-in drivers.
func (r *Registry) MustRegister(d engine.Driver) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Get returns the driver for kind.
func (r *Registry) Get(kind string) (engine.Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[kind]
	if !ok {
		return nil, engine.NewConfigurationError(
			fmt.Sprintf("no driver registered for kind %q", kind), nil).
			WithCode(engine.ErrCodeUnknownKind)
	}
	return d, nil
}

// Kinds lists the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.drivers))
	for kind := range r.drivers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
