package engine

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratus-iac/stratus/pkg/state"
	"github.com/stratus-iac/stratus/pkg/telemetry"
)

// DriftStatus classifies one resource in a drift report.
type DriftStatus string

const (
	// DriftStatusClean means the live resource matches the snapshot.
	DriftStatusClean DriftStatus = "clean"

	// DriftStatusDrifted means live attributes diverged from the snapshot.
	DriftStatusDrifted DriftStatus = "drifted"

	// DriftStatusMissing means the resource vanished outside the engine.
	DriftStatusMissing DriftStatus = "missing"

	// DriftStatusError means the provider could not be consulted.
	DriftStatusError DriftStatus = "error"
)

// DriftEntry is the drift verdict for one managed resource.
type DriftEntry struct {
	Name    string      `json:"name"`
	Kind    string      `json:"kind"`
	Status  DriftStatus `json:"status"`
	Changed []string    `json:"changed,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// DriftReport is the result of comparing a snapshot against live state.
type DriftReport struct {
	Deployment string       `json:"deployment"`
	CheckedAt  time.Time    `json:"checked_at"`
	Entries    []DriftEntry `json:"entries"`
}

// HasDrift reports whether any resource diverged.
func (d *DriftReport) HasDrift() bool {
	for _, e := range d.Entries {
		if e.Status != DriftStatusClean {
			return true
		}
	}
	return false
}

// DriftDetector compares the persisted snapshot with live provider state.
type DriftDetector struct {
	registry DriverRegistry
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// NewDriftDetector creates a drift detector.
func NewDriftDetector(registry DriverRegistry, logger zerolog.Logger, metrics *telemetry.Metrics) *DriftDetector {
	return &DriftDetector{
		registry: registry,
		logger:   logger.With().Str("component", "drift").Logger(),
		metrics:  metrics,
	}
}

// Detect reads every resource in the snapshot back from its provider and
// reports attribute divergence. Only last-applied attributes are compared;
// provider-side defaults the configuration never set are ignored.
func (d *DriftDetector) Detect(ctx context.Context, snap *state.Snapshot) (*DriftReport, error) {
	report := &DriftReport{
		Deployment: snap.Deployment,
		CheckedAt:  time.Now().UTC(),
	}

	names := make([]string, 0, len(snap.Resources))
	for name := range snap.Resources {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		rec := snap.Resources[name]
		entry := d.checkRecord(ctx, rec)
		report.Entries = append(report.Entries, entry)
		d.metrics.RecordDriftDetection(rec.Kind, string(entry.Status))
	}
	return report, nil
}

func (d *DriftDetector) checkRecord(ctx context.Context, rec *state.Record) DriftEntry {
	entry := DriftEntry{Name: rec.Name, Kind: rec.Kind, Status: DriftStatusClean}

	driver, err := d.registry.Get(rec.Kind)
	if err != nil {
		entry.Status = DriftStatusError
		entry.Error = err.Error()
		return entry
	}

	exists, err := driver.Check(ctx, rec.ProviderID)
	if err != nil {
		entry.Status = DriftStatusError
		entry.Error = err.Error()
		return entry
	}
	if !exists {
		entry.Status = DriftStatusMissing
		return entry
	}

	live, err := driver.Read(ctx, rec.ProviderID)
	if err != nil {
		entry.Status = DriftStatusError
		entry.Error = err.Error()
		return entry
	}

	var changed []string
	for key, want := range rec.Attrs {
		have, ok := live[key]
		if !ok {
			continue // provider does not report this attribute back
		}
		if !equalValue(want, have) {
			changed = append(changed, key)
		}
	}
	if len(changed) > 0 {
		sort.Strings(changed)
		entry.Status = DriftStatusDrifted
		entry.Changed = changed
		d.logger.Warn().
			Str("resource", rec.Name).
			Strs("changed", changed).
			Msg("drift detected")
	}
	return entry
}
