package queue

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/nb"
)

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID        string          `json:"run_id"`
	Status       model.RunStatus `json:"status"`
	CompletedNBs int             `json:"completed_nbs"`
	TotalNBs     int             `json:"total_nbs"`
	CurrentNB    string          `json:"current_nb,omitempty"`
	Percentage   float64         `json:"percentage"`
	Elapsed      time.Duration   `json:"elapsed"`
	// ETA is nil unless the run is running and has completed a step.
	ETA *time.Duration `json:"eta,omitempty"`
}

// GetRunProgress reports how far a run has got. The total counts both
// companies of a comparison run.
func (q *Queue) GetRunProgress(ctx context.Context, runID string) (*Progress, error) {
	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: progress %s", runID)
	}
	results, err := q.store.ListNBResults(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: progress results %s", runID)
	}

	perSubject := nb.StepCount
	if len(run.Steps) > 0 {
		perSubject = len(run.Steps)
	}
	subjects := []model.Subject{model.SubjectCustomer}
	if run.IsComparison() {
		subjects = append(subjects, model.SubjectTarget)
	}

	p := &Progress{RunID: runID, Status: run.Status, TotalNBs: perSubject * len(subjects)}

	state := make(map[string]model.NBStatus, len(results))
	for _, r := range results {
		key := string(r.Subject) + "/" + r.StepCode
		state[key] = r.Status
		switch r.Status {
		case model.NBStatusCompleted:
			p.CompletedNBs++
		case model.NBStatusRunning:
			p.CurrentNB = r.StepCode
		}
	}
	if p.CompletedNBs > p.TotalNBs {
		p.CompletedNBs = p.TotalNBs
	}
	if p.TotalNBs > 0 {
		p.Percentage = float64(p.CompletedNBs) / float64(p.TotalNBs) * 100
	}

	if run.Status != model.RunStatusRunning {
		if run.StartedAt != nil && run.CompletedAt != nil {
			p.Elapsed = run.CompletedAt.Sub(*run.StartedAt)
		}
		return p, nil
	}

	if p.CurrentNB == "" {
		p.CurrentNB = nextStep(run, subjects, state)
	}
	if run.StartedAt != nil {
		p.Elapsed = q.now().Sub(*run.StartedAt)
		if p.CompletedNBs > 0 {
			perStep := p.Elapsed / time.Duration(p.CompletedNBs)
			eta := perStep * time.Duration(p.TotalNBs-p.CompletedNBs)
			p.ETA = &eta
		}
	}
	return p, nil
}

func nextStep(run *model.Run, subjects []model.Subject, state map[string]model.NBStatus) string {
	steps, err := nb.Select(run.Steps)
	if err != nil {
		return ""
	}
	for _, subject := range subjects {
		for _, s := range steps {
			if state[string(subject)+"/"+s.Code] != model.NBStatusCompleted {
				return s.Code
			}
		}
	}
	return ""
}

// WatchProgress polls a run every interval and emits its progress until
// the run leaves the queued, running and retrying states or ctx is done.
// The channel is closed when watching stops.
func (q *Queue) WatchProgress(ctx context.Context, runID string, interval time.Duration) <-chan Progress {
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan Progress, 1)
	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var last *Progress
		for {
			p, err := q.GetRunProgress(ctx, runID)
			if err != nil {
				return
			}
			if last == nil || changed(*last, *p) {
				select {
				case out <- *p:
				case <-ctx.Done():
					return
				}
				last = p
			}
			if p.Status.IsTerminal() {
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func changed(a, b Progress) bool {
	return a.Status != b.Status || a.CompletedNBs != b.CompletedNBs || a.CurrentNB != b.CurrentNB
}
