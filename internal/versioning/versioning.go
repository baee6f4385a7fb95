// Package versioning snapshots completed runs, computes structural diffs
// between snapshots, and finds snapshots fresh enough to reuse.
package versioning

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/store"
)

// Defaults applied by New.
const (
	DefaultFreshnessWindow = 30 * 24 * time.Hour
	DefaultMaxFieldBytes   = 10 << 20
)

var (
	// ErrNothingToSnapshot is returned for runs with no completed results.
	ErrNothingToSnapshot = errors.New("run has no completed NB results")
	// ErrRunFailed is returned when snapshotting a failed or cancelled run.
	ErrRunFailed = errors.New("run did not complete")
	// ErrNotEnoughSnapshots is returned by DiffLatest for companies with
	// fewer than two snapshots.
	ErrNotEnoughSnapshots = errors.New("fewer than two snapshots")
)

// Config controls snapshot size protection and reuse freshness.
type Config struct {
	FreshnessWindow time.Duration
	// MaxFieldBytes caps any single string field in a snapshot.
	MaxFieldBytes int
}

// Engine is the versioning and diff service.
type Engine struct {
	store store.Store
	cfg   Config
	now   func() time.Time
}

// New creates an Engine.
func New(st store.Store, cfg Config) *Engine {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.MaxFieldBytes <= 0 {
		cfg.MaxFieldBytes = DefaultMaxFieldBytes
	}
	return &Engine{store: st, cfg: cfg, now: time.Now}
}

// FreshnessWindow returns the configured reuse window.
func (e *Engine) FreshnessWindow() time.Duration { return e.cfg.FreshnessWindow }

// CreateSnapshot captures every completed NB result of runID.
func (e *Engine) CreateSnapshot(ctx context.Context, runID string) (string, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "", eris.Wrap(err, "versioning: create snapshot")
	}
	switch run.Status {
	case model.RunStatusFailed, model.RunStatusCancelled:
		return "", eris.Wrapf(ErrRunFailed, "versioning: run %s is %s", runID, run.Status)
	}

	results, err := e.store.ListNBResults(ctx, runID)
	if err != nil {
		return "", eris.Wrap(err, "versioning: create snapshot")
	}

	now := e.now().UTC()
	data := model.SnapshotData{
		RunID:     run.ID,
		CompanyID: run.CompanyID,
		Timestamp: now,
		NBResults: make(map[string]model.SnapshotNB),
	}
	tr := truncator{max: e.cfg.MaxFieldBytes}
	tokens := 0
	for _, r := range results {
		if r.Status != model.NBStatusCompleted {
			continue
		}
		entry := model.SnapshotNB{
			Payload:   tr.object(r.StepCode, r.Payload),
			Citations: r.Citations,
		}
		if entry.Citations == nil {
			entry.Citations = []model.Citation{}
		}
		if r.Subject == model.SubjectTarget {
			if data.TargetResults == nil {
				data.TargetResults = make(map[string]model.SnapshotNB)
			}
			data.TargetResults[r.StepCode] = entry
		} else {
			data.NBResults[r.StepCode] = entry
		}
		tokens += r.TokensUsed
	}
	if len(data.NBResults)+len(data.TargetResults) == 0 {
		return "", eris.Wrapf(ErrNothingToSnapshot, "versioning: run %s", runID)
	}

	data.Sources, err = e.sources(ctx, run, &tr)
	if err != nil {
		return "", err
	}

	data.Metadata = map[string]any{
		"mode":        string(run.Mode),
		"status":      string(run.Status),
		"step_count":  len(data.NBResults),
		"tokens_used": tokens,
		"actual_cost": run.ActualCost,
	}
	if run.TargetCompanyID != "" {
		data.Metadata["target_company_id"] = run.TargetCompanyID
		data.Metadata["target_step_count"] = len(data.TargetResults)
	}
	if run.UserID != "" {
		data.Metadata["user_id"] = run.UserID
	}
	if len(tr.truncated) > 0 {
		data.Metadata["truncated_fields"] = tr.truncated
	}

	snap := &model.Snapshot{CompanyID: run.CompanyID, RunID: run.ID, Data: data, CreatedAt: now}
	if err := e.store.CreateSnapshot(ctx, snap); err != nil {
		return "", eris.Wrap(err, "versioning: create snapshot")
	}

	zap.L().Info("versioning: snapshot created",
		zap.String("snapshot_id", snap.ID),
		zap.String("run_id", runID),
		zap.Int("steps", len(data.NBResults)),
		zap.Int("truncated_fields", len(tr.truncated)),
	)
	return snap.ID, nil
}

func (e *Engine) sources(ctx context.Context, run *model.Run, tr *truncator) ([]model.Source, error) {
	ids := []string{run.CompanyID}
	if run.TargetCompanyID != "" {
		ids = append(ids, run.TargetCompanyID)
	}
	out := []model.Source{}
	for _, id := range ids {
		srcs, err := e.store.ListSources(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "versioning: sources for %s", id)
		}
		for _, s := range srcs {
			s.Content = tr.str("sources."+s.ID+".content", s.Content)
			out = append(out, s)
		}
	}
	return out, nil
}

// ReusableSnapshot returns the newest snapshot of a completed run for
// companyID no older than window, or nil. A window of zero uses the
// configured default; an age exactly equal to the window is still fresh.
func (e *Engine) ReusableSnapshot(ctx context.Context, companyID string, window time.Duration) (*model.Snapshot, error) {
	if window <= 0 {
		window = e.cfg.FreshnessWindow
	}
	snap, err := e.store.LatestCompletedSnapshot(ctx, companyID)
	if err != nil {
		return nil, eris.Wrap(err, "versioning: reusable snapshot")
	}
	if snap == nil || e.now().Sub(snap.CreatedAt) > window {
		return nil, nil
	}
	return snap, nil
}

// GetReusableSnapshot is ReusableSnapshot returning only the id, or "".
func (e *Engine) GetReusableSnapshot(ctx context.Context, companyID string, window time.Duration) (string, error) {
	snap, err := e.ReusableSnapshot(ctx, companyID, window)
	if err != nil || snap == nil {
		return "", err
	}
	return snap.ID, nil
}

// GetHistory lists a company's snapshots newest first with their runs.
func (e *Engine) GetHistory(ctx context.Context, companyID string) ([]model.SnapshotSummary, error) {
	snaps, err := e.store.ListSnapshots(ctx, companyID, 0)
	if err != nil {
		return nil, eris.Wrap(err, "versioning: history")
	}

	runs := make(map[string]*model.Run)
	out := make([]model.SnapshotSummary, 0, len(snaps))
	for _, s := range snaps {
		run, ok := runs[s.RunID]
		if !ok {
			run, err = e.store.GetRun(ctx, s.RunID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, eris.Wrap(err, "versioning: history")
			}
			runs[s.RunID] = run
		}

		sum := model.SnapshotSummary{
			SnapshotID:       s.ID,
			RunID:            s.RunID,
			CreatedAt:        s.CreatedAt,
			CreatedFormatted: FormatTimestamp(s.CreatedAt),
		}
		if run != nil {
			sum.Mode = run.Mode
			sum.Status = run.Status
			sum.UserID = run.UserID
			sum.Duration = run.Duration()
		}
		out = append(out, sum)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// FormatTimestamp renders t for history listings.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("Jan 2, 2006 15:04 UTC")
}
