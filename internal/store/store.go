// Package store persists runs, NB results, snapshots, diffs, and telemetry.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/sells-group/nb-research/internal/model"
)

// ErrNotFound is returned (wrapped) when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// RunFilter specifies criteria for listing runs. A negative Limit lists
// every match.
type RunFilter struct {
	Status    []model.RunStatus `json:"status,omitempty"`
	CompanyID string            `json:"company_id,omitempty"`
	Limit     int               `json:"limit,omitempty"`
	Offset    int               `json:"offset,omitempty"`
}

// Store is the persistence interface shared by the orchestrator, the
// versioning engine, the cost service, and the job queue.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	CountRuns(ctx context.Context) (int, error)
	CountRunsByStatus(ctx context.Context) (map[model.RunStatus]int, error)
	// UpdateRunStatus sets status unconditionally and applies upd.
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus, upd *model.RunUpdate) error
	// TransitionRun moves a run to status only if its current status is one
	// of from. It reports whether the row changed.
	TransitionRun(ctx context.Context, runID string, from []model.RunStatus, to model.RunStatus, upd *model.RunUpdate) (bool, error)
	SetRunUsage(ctx context.Context, runID string, tokens int, cost float64) error
	IncrementRetry(ctx context.Context, runID string) (int, error)
	// ArchiveRun marks a run archived and deletes its NB results and
	// telemetry in one transaction.
	ArchiveRun(ctx context.Context, runID string) error

	// Companies and sources
	UpsertCompany(ctx context.Context, c *model.Company) error
	GetCompany(ctx context.Context, companyID string) (*model.Company, error)
	ListCompanies(ctx context.Context) ([]model.Company, error)
	AddSource(ctx context.Context, src *model.Source) error
	ListSources(ctx context.Context, companyID string) ([]model.Source, error)

	// NB results, unique per (run, subject, step code)
	SaveNBResult(ctx context.Context, r *model.NBResult) error
	ListNBResults(ctx context.Context, runID string) ([]model.NBResult, error)

	// Snapshots
	CreateSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetSnapshot(ctx context.Context, snapshotID string) (*model.Snapshot, error)
	// ListSnapshots returns a company's snapshots newest first.
	ListSnapshots(ctx context.Context, companyID string, limit int) ([]model.Snapshot, error)
	// LatestCompletedSnapshot returns the newest snapshot whose run
	// completed (archived runs included), or nil when there is none.
	LatestCompletedSnapshot(ctx context.Context, companyID string) (*model.Snapshot, error)

	// Diffs, unique per ordered (from, to) pair
	GetDiff(ctx context.Context, fromID, toID string) (*model.Diff, error)
	// CreateDiff inserts d unless the pair already exists and returns the
	// persisted record either way.
	CreateDiff(ctx context.Context, d *model.Diff) (*model.Diff, error)
	CountDiffs(ctx context.Context) (int, error)

	// Telemetry
	InsertTelemetry(ctx context.Context, e *model.TelemetryEntry) error
	// InsertTelemetryBatch writes all entries or none.
	InsertTelemetryBatch(ctx context.Context, entries []model.TelemetryEntry) error
	ListTelemetry(ctx context.Context, runID string) ([]model.TelemetryEntry, error)
	CountTelemetry(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
