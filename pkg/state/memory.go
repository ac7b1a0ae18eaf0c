package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used in tests and dry runs.
type MemoryStore struct {
	mu      sync.Mutex
	serials map[string]int64
	records map[string]map[string]*Record // deployment -> name -> record
	leases  map[string]*Lease
	runs    map[string]*Run
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		serials: make(map[string]int64),
		records: make(map[string]map[string]*Record),
		leases:  make(map[string]*Lease),
		runs:    make(map[string]*Run),
	}
}

// Init is a no-op for the memory backend.
func (m *MemoryStore) Init(_ context.Context) error { return nil }

// Close is a no-op for the memory backend.
func (m *MemoryStore) Close() error { return nil }

// Migrate is a no-op for the memory backend.
func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// LoadSnapshot returns a deep copy of the deployment's records.
func (m *MemoryStore) LoadSnapshot(_ context.Context, deployment string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := &Snapshot{
		Deployment: deployment,
		Serial:     m.serials[deployment],
		Resources:  make(map[string]*Record),
		TakenAt:    time.Now().UTC(),
	}
	for name, rec := range m.records[deployment] {
		snap.Resources[name] = copyRecord(rec)
	}
	snap.PruneStaleDeps()
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// CommitRecord upserts a record and bumps the deployment serial.
func (m *MemoryStore) CommitRecord(_ context.Context, deployment string, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.serials[deployment]++
	rec.Serial = m.serials[deployment]
	if m.records[deployment] == nil {
		m.records[deployment] = make(map[string]*Record)
	}
	m.records[deployment][rec.Name] = copyRecord(rec)
	return nil
}

// DeleteRecord removes a record and bumps the deployment serial.
func (m *MemoryStore) DeleteRecord(_ context.Context, deployment, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[deployment][name]; !ok {
		return fmt.Errorf("%w: record %s", ErrNotFound, name)
	}
	m.serials[deployment]++
	delete(m.records[deployment], name)
	return nil
}

// AcquireLease claims the deployment, stealing only expired leases.
func (m *MemoryStore) AcquireLease(_ context.Context, deployment, holder string, ttl time.Duration) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.leases[deployment]; ok && existing.ExpiresAt.After(now) {
		return nil, fmt.Errorf("%w: held by %s until %s", ErrLeaseHeld,
			existing.Holder, existing.ExpiresAt.Format(time.RFC3339))
	}

	lease := &Lease{
		ID:         fmt.Sprintf("%s-%d", holder, now.UnixNano()),
		Deployment: deployment,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	m.leases[deployment] = lease
	return lease, nil
}

// ReleaseLease drops the lease if it is still ours.
func (m *MemoryStore) ReleaseLease(_ context.Context, lease *Lease) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.leases[lease.Deployment]; ok && existing.ID == lease.ID {
		delete(m.leases, lease.Deployment)
	}
	return nil
}

// CreateRun records the start of an apply run.
func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

// FinishRun records the terminal status of a run.
func (m *MemoryStore) FinishRun(_ context.Context, runID, status, summary string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	run.Status = status
	run.Summary = summary
	run.CompletedAt = &completedAt
	return nil
}

// ListRuns returns the most recent runs for a deployment.
func (m *MemoryStore) ListRuns(_ context.Context, deployment string, limit int) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	var runs []*Run
	for _, run := range m.runs {
		if run.Deployment == deployment {
			cp := *run
			runs = append(runs, &cp)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Corrupt overwrites a stored record field. Test helper for exercising
// snapshot validation.
func (m *MemoryStore) Corrupt(deployment, name string, mutate func(*Record)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[deployment][name]; ok {
		mutate(rec)
	}
}

func copyRecord(rec *Record) *Record {
	cp := *rec
	cp.Attrs = copyMap(rec.Attrs)
	cp.Outputs = copyMap(rec.Outputs)
	cp.Deps = append([]string(nil), rec.Deps...)
	return &cp
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
