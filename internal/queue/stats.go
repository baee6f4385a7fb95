package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/store"
)

// Stats aggregates the queue over every recorded run.
type Stats struct {
	Counts map[model.RunStatus]int `json:"counts"`
	Total  int                     `json:"total"`
	// AvgWait is the mean of started - created over started runs.
	AvgWait time.Duration `json:"avg_wait"`
	// AvgExecution is the mean of completed - started over finished runs.
	AvgExecution time.Duration `json:"avg_execution"`
}

// GetQueueStats returns counts by status and average wait and execution
// times.
func (q *Queue) GetQueueStats(ctx context.Context) (*Stats, error) {
	counts, err := q.store.CountRunsByStatus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "queue: stats counts")
	}
	runs, err := q.store.ListRuns(ctx, store.RunFilter{Limit: -1})
	if err != nil {
		return nil, eris.Wrap(err, "queue: stats runs")
	}

	st := &Stats{Counts: make(map[model.RunStatus]int, len(model.AllRunStatuses()))}
	for _, s := range model.AllRunStatuses() {
		st.Counts[s] = counts[s]
		st.Total += counts[s]
	}

	var wait, exec time.Duration
	var waited, executed int
	for _, r := range runs {
		if r.StartedAt == nil {
			continue
		}
		wait += r.StartedAt.Sub(r.CreatedAt)
		waited++
		if r.CompletedAt != nil {
			exec += r.CompletedAt.Sub(*r.StartedAt)
			executed++
		}
	}
	if waited > 0 {
		st.AvgWait = wait / time.Duration(waited)
	}
	if executed > 0 {
		st.AvgExecution = exec / time.Duration(executed)
	}
	return st, nil
}
