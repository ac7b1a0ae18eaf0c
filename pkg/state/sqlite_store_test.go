package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

// setupTestStore creates a migrated SQLite store on a temp file.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(SQLiteConfig{
		Path: filepath.Join(t.TempDir(), "state.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteConfig{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestSQLiteMigrations verifies every table the store relies on exists
// after migration.
func TestSQLiteMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"deployments", "resources", "leases", "runs"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s not accessible: %v", table, err)
		}
	}
}

func TestSQLiteCommitAndLoad(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := &Record{
		Name:       "vpc",
		Kind:       "ec2.vpc",
		ProviderID: "vpc-1",
		Attrs:      map[string]interface{}{"cidr_block": "10.0.0.0/16"},
		Outputs:    map[string]interface{}{"id": "vpc-1"},
		AppliedAt:  time.Now().UTC(),
	}
	if err := store.CommitRecord(ctx, "prod", rec); err != nil {
		t.Fatalf("CommitRecord returned error: %v", err)
	}

	snap, err := store.LoadSnapshot(ctx, "prod")
	if err != nil {
		t.Fatalf("LoadSnapshot returned error: %v", err)
	}
	if snap.Serial != 1 {
		t.Errorf("serial = %d, want 1", snap.Serial)
	}
	got := snap.Resources["vpc"]
	if got == nil {
		t.Fatal("record missing from snapshot")
	}
	if got.Kind != "ec2.vpc" || got.ProviderID != "vpc-1" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Attrs["cidr_block"] != "10.0.0.0/16" {
		t.Errorf("attrs did not round-trip: %v", got.Attrs)
	}
	if got.Outputs["id"] != "vpc-1" {
		t.Errorf("outputs did not round-trip: %v", got.Outputs)
	}
}

func TestSQLiteLoadSnapshotEmptyDeployment(t *testing.T) {
	store := setupTestStore(t)

	snap, err := store.LoadSnapshot(context.Background(), "never-applied")
	if err != nil {
		t.Fatalf("LoadSnapshot returned error: %v", err)
	}
	if !snap.Empty() || snap.Serial != 0 {
		t.Errorf("expected empty snapshot, got %+v", snap)
	}
}

func TestSQLiteUpsertAndDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := &Record{Name: "vpc", Kind: "ec2.vpc", ProviderID: "vpc-1", AppliedAt: time.Now().UTC()}
	if err := store.CommitRecord(ctx, "prod", rec); err != nil {
		t.Fatal(err)
	}
	rec.ProviderID = "vpc-2"
	if err := store.CommitRecord(ctx, "prod", rec); err != nil {
		t.Fatal(err)
	}

	snap, _ := store.LoadSnapshot(ctx, "prod")
	if len(snap.Resources) != 1 || snap.Resources["vpc"].ProviderID != "vpc-2" {
		t.Errorf("upsert did not replace record: %+v", snap.Resources["vpc"])
	}
	if snap.Serial != 2 {
		t.Errorf("serial = %d, want 2", snap.Serial)
	}

	if err := store.DeleteRecord(ctx, "prod", "vpc"); err != nil {
		t.Fatalf("DeleteRecord returned error: %v", err)
	}
	if err := store.DeleteRecord(ctx, "prod", "vpc"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteDeploymentIsolation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CommitRecord(ctx, "prod", &Record{Name: "vpc", Kind: "ec2.vpc", ProviderID: "vpc-1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.CommitRecord(ctx, "staging", &Record{Name: "vpc", Kind: "ec2.vpc", ProviderID: "vpc-2"}); err != nil {
		t.Fatal(err)
	}

	prod, _ := store.LoadSnapshot(ctx, "prod")
	staging, _ := store.LoadSnapshot(ctx, "staging")
	if prod.Resources["vpc"].ProviderID != "vpc-1" || staging.Resources["vpc"].ProviderID != "vpc-2" {
		t.Error("deployments share records")
	}
	if prod.Serial != 1 || staging.Serial != 1 {
		t.Errorf("serials not independent: prod=%d staging=%d", prod.Serial, staging.Serial)
	}
}

func TestSQLiteLease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	lease, err := store.AcquireLease(ctx, "prod", "one", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLease returned error: %v", err)
	}
	if _, err := store.AcquireLease(ctx, "prod", "two", time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}
	if err := store.ReleaseLease(ctx, lease); err != nil {
		t.Fatalf("ReleaseLease returned error: %v", err)
	}
	if _, err := store.AcquireLease(ctx, "prod", "two", time.Minute); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestSQLiteLeaseExpiry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, err := store.AcquireLease(ctx, "prod", "one", time.Nanosecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := store.AcquireLease(ctx, "prod", "two", time.Minute); err != nil {
		t.Errorf("expected expired lease to be stolen, got %v", err)
	}
}

func TestSQLiteRunHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"run-1", "run-2"} {
		run := &Run{
			ID:         id,
			Deployment: "prod",
			PlanID:     "plan-1",
			Status:     "running",
			StartedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun returned error: %v", err)
		}
	}
	if err := store.FinishRun(ctx, "run-2", "succeeded", `{"applied":1}`, base.Add(time.Minute)); err != nil {
		t.Fatalf("FinishRun returned error: %v", err)
	}

	runs, err := store.ListRuns(ctx, "prod", 10)
	if err != nil {
		t.Fatalf("ListRuns returned error: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "run-2" {
		t.Errorf("expected newest run first, got %s", runs[0].ID)
	}
	if runs[0].Status != "succeeded" || runs[0].CompletedAt == nil || runs[0].Summary == "" {
		t.Errorf("run-2 not finalized: %+v", runs[0])
	}
}

// TestSQLiteLoadSnapshotPrunesStaleDeps verifies the snapshot stays
// loadable after a replacement was interrupted between the old producer's
// delete and the new commit, with the surviving consumer's dep dropped.
func TestSQLiteLoadSnapshotPrunesStaleDeps(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CommitRecord(ctx, "prod", &Record{Name: "vpc", Kind: "ec2.vpc", ProviderID: "vpc-1"}); err != nil {
		t.Fatal(err)
	}
	if err := store.CommitRecord(ctx, "prod", &Record{
		Name: "subnet", Kind: "ec2.subnet", ProviderID: "subnet-1", Deps: []string{"vpc"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteRecord(ctx, "prod", "vpc"); err != nil {
		t.Fatal(err)
	}

	snap, err := store.LoadSnapshot(ctx, "prod")
	if err != nil {
		t.Fatalf("LoadSnapshot returned error: %v", err)
	}
	if deps := snap.Resources["subnet"].Deps; len(deps) != 0 {
		t.Errorf("expected stale dep pruned, got %v", deps)
	}
}

// TestSQLiteCorruptRecordRejected verifies a record whose JSON payload was
// damaged on disk surfaces as ErrCorrupt rather than a zero-value record.
func TestSQLiteCorruptRecordRejected(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CommitRecord(ctx, "prod", &Record{Name: "vpc", Kind: "ec2.vpc", ProviderID: "vpc-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.ExecContext(ctx,
		`UPDATE resources SET attrs = 'not json' WHERE deployment = 'prod' AND name = 'vpc'`); err != nil {
		t.Fatalf("failed to damage record: %v", err)
	}

	if _, err := store.LoadSnapshot(ctx, "prod"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}
