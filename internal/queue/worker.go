package queue

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/store"
)

// WorkerConfig tunes polling.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

// Worker executes queued and retrying runs in the background.
type Worker struct {
	q   *Queue
	cfg WorkerConfig
}

// NewWorker creates a Worker over q.
func NewWorker(q *Queue, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Worker{q: q, cfg: cfg}
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	zap.L().Info("worker: started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval),
	)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			zap.L().Error("worker: poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			zap.L().Info("worker: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes up to Concurrency pending runs, oldest first, and
// returns how many it claimed. Run failures are recorded on the runs and
// do not fail the batch.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	pending, err := w.q.store.ListRuns(ctx, store.RunFilter{
		Status: []model.RunStatus{model.RunStatusQueued, model.RunStatusRetrying},
		Limit:  -1,
	})
	if err != nil {
		return 0, eris.Wrap(err, "worker: list pending runs")
	}
	slices.Reverse(pending)
	if len(pending) > w.cfg.Concurrency {
		pending = pending[:w.cfg.Concurrency]
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	claimed := make([]bool, len(pending))
	for i, r := range pending {
		g.Go(func() error {
			_, err := w.q.ExecuteRun(gCtx, r.ID)
			if errors.Is(err, ErrNotRunnable) {
				// claimed by another worker
				return nil
			}
			claimed[i] = true
			if err != nil {
				zap.L().Warn("worker: run failed", zap.String("run_id", r.ID), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, c := range claimed {
		if c {
			n++
		}
	}
	return n, nil
}
