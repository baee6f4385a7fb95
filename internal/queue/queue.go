// Package queue admits research runs against a cost limit and drives them
// through the run state machine.
package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nb-research/internal/cost"
	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/resilience"
	"github.com/sells-group/nb-research/internal/store"
	"github.com/sells-group/nb-research/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultMaxRetries    = 2
	DefaultRetentionDays = 90
)

// ErrNotRunnable is returned when a run cannot be claimed for execution
// because it is not queued or retrying.
var ErrNotRunnable = eris.New("queue: run is not runnable")

// ErrInvalidRequest marks admission requests rejected before any lookup.
var ErrInvalidRequest = eris.New("queue: invalid request")

// Estimator prices a prospective run.
type Estimator interface {
	Estimate(ctx context.Context, req cost.EstimateRequest) (*model.CostEstimate, error)
}

// Executor runs the NB protocol of a run.
type Executor interface {
	ExecuteProtocol(ctx context.Context, runID string) (bool, error)
}

// Snapshotter captures a completed run.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, runID string) (string, error)
}

// Config tunes the queue.
type Config struct {
	// MaxRetries is how many failures a run may have and still be retried.
	MaxRetries int
	// HardLimit is reported in cost limit errors.
	HardLimit     float64
	RetentionDays int
}

// Queue is the run lifecycle service.
type Queue struct {
	store store.Store
	est   Estimator
	exec  Executor
	snap  Snapshotter
	rec   *telemetry.Recorder
	cfg   Config
	now   func() time.Time
}

// New creates a Queue. snap may be nil to skip snapshotting.
func New(st store.Store, est Estimator, exec Executor, snap Snapshotter, rec *telemetry.Recorder, cfg Config) *Queue {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if rec == nil {
		rec = telemetry.New(st, nil)
	}
	return &Queue{
		store: st,
		est:   est,
		exec:  exec,
		snap:  snap,
		rec:   rec,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// QueueRun estimates and admits a run. A run whose estimate exceeds the
// hard limit is refused with a *model.CostLimitError and nothing is
// persisted.
func (q *Queue) QueueRun(ctx context.Context, companyID, targetID, userID string, opts Options) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", eris.Wrapf(ErrInvalidRequest, "options: %v", err)
	}
	if companyID == "" {
		return "", eris.Wrap(ErrInvalidRequest, "company id is required")
	}
	if targetID == companyID {
		return "", eris.Wrap(ErrInvalidRequest, "target must differ from company")
	}
	if _, err := q.store.GetCompany(ctx, companyID); err != nil {
		return "", eris.Wrap(err, "queue: company")
	}
	if targetID != "" {
		if _, err := q.store.GetCompany(ctx, targetID); err != nil {
			return "", eris.Wrap(err, "queue: target company")
		}
	}

	est, err := q.est.Estimate(ctx, cost.EstimateRequest{
		CompanyID:    companyID,
		TargetID:     targetID,
		ForceRefresh: opts.ForceRefresh,
		Steps:        opts.Steps,
	})
	if err != nil {
		return "", eris.Wrap(err, "queue: estimate")
	}

	log := zap.L().With(zap.String("company_id", companyID), zap.String("target_company_id", targetID))
	if !est.CanProceed {
		log.Warn("queue: run refused over cost limit",
			zap.Float64("estimated_cost", est.TotalCost),
			zap.Float64("hard_limit", q.cfg.HardLimit),
		)
		return "", &model.CostLimitError{Estimate: est, Limit: q.cfg.HardLimit}
	}

	run := &model.Run{
		CompanyID:        companyID,
		TargetCompanyID:  targetID,
		UserID:           userID,
		Mode:             opts.mode(targetID),
		Status:           model.RunStatusQueued,
		Steps:            opts.Steps,
		EstimatedTokens:  est.TotalTokens,
		EstimatedCost:    est.TotalCost,
		ReusedSteps:      est.ReusedSteps,
		ReuseSnapshotID:  est.ReuseSnapshotID,
		TargetSnapshotID: est.TargetSnapshotID,
	}
	if err := q.store.CreateRun(ctx, run); err != nil {
		return "", eris.Wrap(err, "queue: create run")
	}

	q.rec.LogBatch(ctx, []model.TelemetryEntry{
		q.rec.Entry(run.ID, model.MetricCostEstimate, est.TotalCost, map[string]any{
			"tokens":        est.TotalTokens,
			"reuse_savings": est.ReuseSavings,
			"reused_steps":  est.ReusedSteps,
			"force_refresh": opts.ForceRefresh,
			"warnings":      est.Warnings,
		}),
		q.rec.Entry(run.ID, model.MetricReuseSavings, est.ReuseSavings, map[string]any{
			"reused_steps": len(est.ReusedSteps),
		}),
	})
	log.Info("queue: run admitted",
		zap.String("run_id", run.ID),
		zap.String("mode", string(run.Mode)),
		zap.Float64("estimated_cost", est.TotalCost),
		zap.Float64("reuse_savings", est.ReuseSavings),
		zap.Strings("warnings", est.Warnings),
	)
	return run.ID, nil
}

// ExecuteRun claims a queued or retrying run, executes it, and snapshots
// it on success. Failures go through HandleFailure and are returned.
func (q *Queue) ExecuteRun(ctx context.Context, runID string) (bool, error) {
	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		return false, eris.Wrapf(err, "queue: load run %s", runID)
	}
	// wait time is measured to the first attempt
	upd := &model.RunUpdate{}
	if run.StartedAt == nil {
		started := q.now()
		upd.StartedAt = &started
	}
	claimed, err := q.store.TransitionRun(ctx, runID,
		[]model.RunStatus{model.RunStatusQueued, model.RunStatusRetrying},
		model.RunStatusRunning,
		upd,
	)
	if err != nil {
		return false, eris.Wrapf(err, "queue: claim run %s", runID)
	}
	if !claimed {
		return false, eris.Wrapf(ErrNotRunnable, "queue: run %s", runID)
	}

	log := zap.L().With(zap.String("run_id", runID))
	log.Info("queue: run started")

	ok, err := q.exec.ExecuteProtocol(ctx, runID)
	if err == nil && !ok {
		err = eris.Errorf("queue: run %s did not complete", runID)
	}
	if err != nil {
		if _, herr := q.HandleFailure(ctx, runID, err); herr != nil {
			return false, eris.Wrap(herr, "queue: handle failure")
		}
		return false, err
	}

	if q.snap != nil {
		if snapID, serr := q.snap.CreateSnapshot(ctx, runID); serr != nil {
			log.Warn("queue: snapshot failed", zap.Error(serr))
		} else {
			log.Info("queue: snapshot created", zap.String("snapshot_id", snapID))
		}
	}
	log.Info("queue: run completed")
	return true, nil
}

// HandleFailure records a failed attempt. The run moves to retrying while
// its retry count is within MaxRetries and to failed after that. The
// boolean result is always false.
func (q *Queue) HandleFailure(ctx context.Context, runID string, cause error) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	count, err := q.store.IncrementRetry(ctx, runID)
	if err != nil {
		return false, eris.Wrapf(err, "queue: increment retry %s", runID)
	}

	category := resilience.Classify(cause)
	status := model.RunStatusRetrying
	if count > q.cfg.MaxRetries {
		status = model.RunStatusFailed
	}
	runErr := model.NewRunError(cause, string(category))
	if err := q.store.UpdateRunStatus(ctx, runID, status, &model.RunUpdate{Error: runErr}); err != nil {
		return false, eris.Wrapf(err, "queue: mark %s %s", runID, status)
	}

	q.rec.Log(ctx, runID, model.MetricRunFailed, float64(count), map[string]any{
		"status":      string(status),
		"retry_count": count,
		"max_retries": q.cfg.MaxRetries,
		"category":    string(category),
		"error":       model.Describe(cause),
	})
	zap.L().Warn("queue: run attempt failed",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.Int("retry_count", count),
		zap.String("category", string(category)),
		zap.Error(cause),
	)
	return false, nil
}

// CancelRun cancels a queued run. It reports false, leaving the run
// untouched, for any other status.
func (q *Queue) CancelRun(ctx context.Context, runID string) (bool, error) {
	ok, err := q.store.TransitionRun(ctx, runID,
		[]model.RunStatus{model.RunStatusQueued}, model.RunStatusCancelled, nil)
	if err != nil {
		return false, eris.Wrapf(err, "queue: cancel %s", runID)
	}
	if ok {
		zap.L().Info("queue: run cancelled", zap.String("run_id", runID))
	}
	return ok, nil
}

// CleanupOldRuns archives completed runs that finished more than ageDays
// ago and returns how many were archived. ageDays <= 0 uses the configured
// retention.
func (q *Queue) CleanupOldRuns(ctx context.Context, ageDays int) (int, error) {
	if ageDays <= 0 {
		ageDays = q.cfg.RetentionDays
	}
	cutoff := q.now().Add(-time.Duration(ageDays) * 24 * time.Hour)

	runs, err := q.store.ListRuns(ctx, store.RunFilter{Status: []model.RunStatus{model.RunStatusCompleted}, Limit: -1})
	if err != nil {
		return 0, eris.Wrap(err, "queue: list completed runs")
	}

	archived := 0
	for _, r := range runs {
		finished := r.UpdatedAt
		if r.CompletedAt != nil {
			finished = *r.CompletedAt
		}
		if !finished.Before(cutoff) {
			continue
		}
		if err := q.store.ArchiveRun(ctx, r.ID); err != nil {
			return archived, eris.Wrapf(err, "queue: archive %s", r.ID)
		}
		archived++
	}
	zap.L().Info("queue: cleanup complete", zap.Int("archived", archived), zap.Int("age_days", ageDays))
	return archived, nil
}
