package engine

import (
	"context"
	"fmt"
	"sync"
)

// fakeDriver is a scriptable in-memory driver. Without overrides it
// provisions resources with sequential provider IDs and an "id" output.
type fakeDriver struct {
	kind   string
	schema Schema

	createFn func(ctx context.Context, attrs map[string]interface{}) (string, map[string]interface{}, error)
	updateFn func(ctx context.Context, providerID string, attrs map[string]interface{}) (map[string]interface{}, error)
	deleteFn func(ctx context.Context, providerID string) error
	readFn   func(ctx context.Context, providerID string) (map[string]interface{}, error)
	checkFn  func(ctx context.Context, providerID string) (bool, error)

	mu    sync.Mutex
	seq   int
	calls []string // "op providerID" in invocation order
}

func (d *fakeDriver) Kind() string   { return d.kind }
func (d *fakeDriver) Schema() Schema { return d.schema }

func (d *fakeDriver) record(op, providerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, op+" "+providerID)
}

func (d *fakeDriver) callCount(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if len(c) >= len(op) && c[:len(op)] == op {
			n++
		}
	}
	return n
}

func (d *fakeDriver) Create(ctx context.Context, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	if d.createFn != nil {
		id, outputs, err := d.createFn(ctx, attrs)
		d.record("create", id)
		return id, outputs, err
	}
	d.mu.Lock()
	d.seq++
	id := fmt.Sprintf("%s-%d", d.kind, d.seq)
	d.mu.Unlock()
	d.record("create", id)
	return id, map[string]interface{}{"id": id}, nil
}

func (d *fakeDriver) Read(ctx context.Context, providerID string) (map[string]interface{}, error) {
	d.record("read", providerID)
	if d.readFn != nil {
		return d.readFn(ctx, providerID)
	}
	return map[string]interface{}{}, nil
}

func (d *fakeDriver) Update(ctx context.Context, providerID string, attrs map[string]interface{}) (map[string]interface{}, error) {
	d.record("update", providerID)
	if d.updateFn != nil {
		return d.updateFn(ctx, providerID, attrs)
	}
	return map[string]interface{}{"id": providerID}, nil
}

func (d *fakeDriver) Delete(ctx context.Context, providerID string) error {
	d.record("delete", providerID)
	if d.deleteFn != nil {
		return d.deleteFn(ctx, providerID)
	}
	return nil
}

func (d *fakeDriver) Check(ctx context.Context, providerID string) (bool, error) {
	d.record("check", providerID)
	if d.checkFn != nil {
		return d.checkFn(ctx, providerID)
	}
	return true, nil
}

// fakeRegistry resolves kinds from a fixed map.
type fakeRegistry struct {
	drivers map[string]Driver
}

func newFakeRegistry(drivers ...*fakeDriver) *fakeRegistry {
	r := &fakeRegistry{drivers: make(map[string]Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.kind] = d
	}
	return r
}

func (r *fakeRegistry) Get(kind string) (Driver, error) {
	d, ok := r.drivers[kind]
	if !ok {
		return nil, NewConfigurationError(fmt.Sprintf("no driver for kind %s", kind), nil).
			WithCode(ErrCodeUnknownKind)
	}
	return d, nil
}

func (r *fakeRegistry) Kinds() []string {
	kinds := make([]string, 0, len(r.drivers))
	for k := range r.drivers {
		kinds = append(kinds, k)
	}
	return kinds
}

func node(name, kind string, attrs map[string]interface{}) ResourceNode {
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	return ResourceNode{Name: name, Kind: kind, Attrs: attrs}
}
