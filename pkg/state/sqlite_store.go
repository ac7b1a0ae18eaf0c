package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// LoadSnapshot reads and validates the full snapshot of a deployment.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, deployment string) (*Snapshot, error) {
	snap := &Snapshot{
		Deployment: deployment,
		Resources:  make(map[string]*Record),
		TakenAt:    time.Now().UTC(),
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT serial FROM deployments WHERE deployment = ?`, deployment,
	).Scan(&snap.Serial)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to load deployment serial: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, kind, provider_id, attrs, outputs, deps, serial, applied_at
		FROM resources
		WHERE deployment = ?
	`, deployment)
	if err != nil {
		return nil, fmt.Errorf("failed to load resources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		rec := &Record{}
		var attrs, outputs, deps string
		if err := rows.Scan(&rec.Name, &rec.Kind, &rec.ProviderID,
			&attrs, &outputs, &deps, &rec.Serial, &rec.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource row: %w", err)
		}
		if err := json.Unmarshal([]byte(attrs), &rec.Attrs); err != nil {
			return nil, fmt.Errorf("%w: record %q has malformed attrs: %v", ErrCorrupt, rec.Name, err)
		}
		if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
			return nil, fmt.Errorf("%w: record %q has malformed outputs: %v", ErrCorrupt, rec.Name, err)
		}
		if err := json.Unmarshal([]byte(deps), &rec.Deps); err != nil {
			return nil, fmt.Errorf("%w: record %q has malformed deps: %v", ErrCorrupt, rec.Name, err)
		}
		snap.Resources[rec.Name] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resources: %w", err)
	}

	snap.PruneStaleDeps()
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// CommitRecord upserts one resource record and bumps the deployment serial
// inside a single transaction.
func (s *SQLiteStore) CommitRecord(ctx context.Context, deployment string, rec *Record) error {
	attrs, err := json.Marshal(rec.Attrs)
	if err != nil {
		return fmt.Errorf("failed to marshal attrs: %w", err)
	}
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}
	deps, err := json.Marshal(rec.Deps)
	if err != nil {
		return fmt.Errorf("failed to marshal deps: %w", err)
	}
	if rec.Outputs == nil {
		outputs = []byte("{}")
	}
	if rec.Deps == nil {
		deps = []byte("[]")
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		serial, err := bumpSerial(ctx, tx, deployment)
		if err != nil {
			return err
		}
		rec.Serial = serial
		_, err = tx.ExecContext(ctx, `
			INSERT INTO resources (deployment, name, kind, provider_id, attrs, outputs, deps, serial, applied_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (deployment, name) DO UPDATE SET
				kind = excluded.kind,
				provider_id = excluded.provider_id,
				attrs = excluded.attrs,
				outputs = excluded.outputs,
				deps = excluded.deps,
				serial = excluded.serial,
				applied_at = excluded.applied_at
		`, deployment, rec.Name, rec.Kind, rec.ProviderID,
			string(attrs), string(outputs), string(deps), serial, rec.AppliedAt)
		if err != nil {
			return fmt.Errorf("failed to commit record %s: %w", rec.Name, err)
		}
		return nil
	})
}

// DeleteRecord removes one resource record and bumps the deployment serial.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, deployment, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := bumpSerial(ctx, tx, deployment); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM resources WHERE deployment = ? AND name = ?`, deployment, name)
		if err != nil {
			return fmt.Errorf("failed to delete record %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: record %s", ErrNotFound, name)
		}
		return nil
	})
}

// AcquireLease claims the deployment, stealing only expired leases.
func (s *SQLiteStore) AcquireLease(ctx context.Context, deployment, holder string, ttl time.Duration) (*Lease, error) {
	now := time.Now().UTC()
	lease := &Lease{
		ID:         fmt.Sprintf("%s-%d", holder, now.UnixNano()),
		Deployment: deployment,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existingHolder string
		var expiresAt time.Time
		err := tx.QueryRowContext(ctx,
			`SELECT holder, expires_at FROM leases WHERE deployment = ?`, deployment,
		).Scan(&existingHolder, &expiresAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			// free
		case err != nil:
			return fmt.Errorf("failed to query lease: %w", err)
		case expiresAt.After(now):
			return fmt.Errorf("%w: held by %s until %s", ErrLeaseHeld, existingHolder, expiresAt.Format(time.RFC3339))
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO leases (deployment, id, holder, acquired_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (deployment) DO UPDATE SET
				id = excluded.id,
				holder = excluded.holder,
				acquired_at = excluded.acquired_at,
				expires_at = excluded.expires_at
		`, deployment, lease.ID, holder, lease.AcquiredAt, lease.ExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to write lease: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// ReleaseLease drops the lease if it is still ours.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, lease *Lease) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE deployment = ? AND id = ?`, lease.Deployment, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

// CreateRun records the start of an apply run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, deployment, plan_id, status, started_at, completed_at, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Deployment, run.PlanID, run.Status, run.StartedAt, run.CompletedAt, run.Summary)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records the terminal status of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID, status, summary string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, summary = ?, completed_at = ? WHERE id = ?
	`, status, summary, completedAt, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return nil
}

// ListRuns returns the most recent runs for a deployment.
func (s *SQLiteStore) ListRuns(ctx context.Context, deployment string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, deployment, plan_id, status, started_at, completed_at, summary
		FROM runs
		WHERE deployment = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, deployment, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var completedAt sql.NullTime
		var summary sql.NullString
		if err := rows.Scan(&run.ID, &run.Deployment, &run.PlanID, &run.Status,
			&run.StartedAt, &completedAt, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		if summary.Valid {
			run.Summary = summary.String
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func bumpSerial(ctx context.Context, tx *sql.Tx, deployment string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO deployments (deployment, serial, updated_at)
		VALUES (?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT (deployment) DO UPDATE SET
			serial = serial + 1,
			updated_at = CURRENT_TIMESTAMP
	`, deployment)
	if err != nil {
		return 0, fmt.Errorf("failed to bump deployment serial: %w", err)
	}
	var serial int64
	err = tx.QueryRowContext(ctx,
		`SELECT serial FROM deployments WHERE deployment = ?`, deployment,
	).Scan(&serial)
	if err != nil {
		return 0, fmt.Errorf("failed to read deployment serial: %w", err)
	}
	return serial, nil
}
