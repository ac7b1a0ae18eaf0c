package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Sentinel errors. Callers wrap these into their own classified errors.
var (
	// ErrNotFound indicates the requested record or run does not exist.
	ErrNotFound = errors.New("state: not found")

	// ErrLeaseHeld indicates another holder has an unexpired lease on the
	// deployment.
	ErrLeaseHeld = errors.New("state: lease held by another apply")

	// ErrCorrupt indicates the stored snapshot is internally inconsistent.
	ErrCorrupt = errors.New("state: snapshot corrupt")
)

// Record is the persisted state of one managed resource.
type Record struct {
	// Name is the logical name, unique within the deployment.
	Name string `json:"name"`

	// Kind is the resource kind.
	Kind string `json:"kind"`

	// ProviderID is the provider-assigned identifier.
	ProviderID string `json:"provider_id"`

	// Attrs are the last-applied attributes, references resolved.
	Attrs map[string]interface{} `json:"attrs"`

	// Outputs are the provider-returned output attributes.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Deps are the logical names this resource depended on when applied.
	// Used to order deletes after the declaring configuration is gone.
	Deps []string `json:"deps,omitempty"`

	// Serial is the deployment serial at which this record was written.
	Serial int64 `json:"serial"`

	// AppliedAt is when the record was last committed.
	AppliedAt time.Time `json:"applied_at"`
}

// Snapshot is the last-known-applied resource set of one deployment.
type Snapshot struct {
	Deployment string             `json:"deployment"`
	Serial     int64              `json:"serial"`
	Resources  map[string]*Record `json:"resources"`
	TakenAt    time.Time          `json:"taken_at"`
}

// Empty reports whether the snapshot holds no resources.
func (s *Snapshot) Empty() bool {
	return len(s.Resources) == 0
}

// SortedRecords returns the records ordered by name.
func (s *Snapshot) SortedRecords() []*Record {
	out := make([]*Record, 0, len(s.Resources))
	for _, rec := range s.Resources {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks the snapshot for internal consistency. A violation means
// the store was corrupted outside normal operation; the engine refuses to
// apply against it.
func (s *Snapshot) Validate() error {
	for name, rec := range s.Resources {
		if rec == nil {
			return fmt.Errorf("%w: nil record for %q", ErrCorrupt, name)
		}
		if rec.Name != name {
			return fmt.Errorf("%w: record keyed %q carries name %q", ErrCorrupt, name, rec.Name)
		}
		if rec.Kind == "" {
			return fmt.Errorf("%w: record %q has empty kind", ErrCorrupt, name)
		}
		if rec.ProviderID == "" {
			return fmt.Errorf("%w: record %q has empty provider ID", ErrCorrupt, name)
		}
	}
	return nil
}

// PruneStaleDeps drops dep entries naming records no longer in the
// snapshot. Deps are derived ordering metadata rewritten on every commit;
// an apply interrupted between deleting a replaced producer and committing
// its successor leaves consumers naming the removed record, and the next
// run must still be able to load the snapshot and resume.
func (s *Snapshot) PruneStaleDeps() {
	for _, rec := range s.Resources {
		if rec == nil || len(rec.Deps) == 0 {
			continue
		}
		kept := rec.Deps[:0]
		for _, dep := range rec.Deps {
			if _, ok := s.Resources[dep]; ok {
				kept = append(kept, dep)
			}
		}
		rec.Deps = kept
	}
}

// Lease is a time-bounded exclusive claim on a deployment.
type Lease struct {
	ID         string    `json:"id"`
	Deployment string    `json:"deployment"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Run is a persisted record of one apply invocation.
type Run struct {
	ID          string     `json:"id"`
	Deployment  string     `json:"deployment"`
	PlanID      string     `json:"plan_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Summary     string     `json:"summary,omitempty"` // JSON blob
}

// Store is the persistence boundary. All commits serialize through the
// store; each CommitRecord/DeleteRecord is atomic and bumps the deployment
// serial.
type Store interface {
	// Init opens the backend.
	Init(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// Migrate brings the backend schema up to date.
	Migrate(ctx context.Context) error

	// LoadSnapshot returns the deployment snapshot; an empty snapshot if
	// the deployment has never been applied. The snapshot is validated
	// before being returned.
	LoadSnapshot(ctx context.Context, deployment string) (*Snapshot, error)

	// CommitRecord atomically upserts one resource record.
	CommitRecord(ctx context.Context, deployment string, rec *Record) error

	// DeleteRecord atomically removes one resource record.
	DeleteRecord(ctx context.Context, deployment, name string) error

	// AcquireLease claims the deployment for the holder. Fails with
	// ErrLeaseHeld while another holder's lease is unexpired.
	AcquireLease(ctx context.Context, deployment, holder string, ttl time.Duration) (*Lease, error)

	// ReleaseLease drops a previously acquired lease.
	ReleaseLease(ctx context.Context, lease *Lease) error

	// CreateRun records the start of an apply run.
	CreateRun(ctx context.Context, run *Run) error

	// FinishRun records the terminal status and summary of a run.
	FinishRun(ctx context.Context, runID, status, summary string, completedAt time.Time) error

	// ListRuns returns the most recent runs for a deployment.
	ListRuns(ctx context.Context, deployment string, limit int) ([]*Run, error)
}
