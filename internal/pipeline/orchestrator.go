// Package pipeline executes the NB protocol: fifteen schema-constrained
// LLM extraction steps run in fixed order for a company, and again for the
// target company of a comparison run.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nb-research/internal/cost"
	"github.com/sells-group/nb-research/internal/llm"
	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/nb"
	"github.com/sells-group/nb-research/internal/resilience"
	"github.com/sells-group/nb-research/internal/store"
	"github.com/sells-group/nb-research/internal/telemetry"
)

// DefaultRetryBudget is the number of LLM attempts a step gets.
const DefaultRetryBudget = 3

// Config tunes step execution.
type Config struct {
	// RetryBudget is the maximum number of LLM attempts per step.
	RetryBudget int
	Temperature float64
	// StrictCitations makes an unresolvable citation fail the step.
	StrictCitations bool
}

// Orchestrator runs NB steps against the store and an LLM capability.
type Orchestrator struct {
	store store.Store
	llm   llm.Capability
	calc  *cost.Calculator
	rec   *telemetry.Recorder
	cfg   Config
	now   func() time.Time
}

// New creates an Orchestrator.
func New(st store.Store, capability llm.Capability, calc *cost.Calculator, rec *telemetry.Recorder, cfg Config) *Orchestrator {
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if rec == nil {
		rec = telemetry.New(st, nil)
	}
	return &Orchestrator{
		store: st,
		llm:   capability,
		calc:  calc,
		rec:   rec,
		cfg:   cfg,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// StepResult is the read view of a persisted NB result.
type StepResult struct {
	Payload    map[string]any   `json:"payload"`
	Citations  []model.Citation `json:"citations"`
	DurationMs int64            `json:"duration_ms"`
	TokensUsed int              `json:"tokens_used"`
	Status     model.NBStatus   `json:"status"`
	Reused     bool             `json:"reused,omitempty"`
}

// ResultKey is the GetRunResults key of a step: the code for the primary
// company, "target:<code>" for the target.
func ResultKey(subject model.Subject, code string) string {
	if subject == model.SubjectTarget {
		return model.TargetReuseCode(code)
	}
	return code
}

// ExecuteProtocol runs every step of the run in catalog order, the primary
// company first and then the target of a comparison run. Steps completed
// by an earlier attempt of the same run are kept. The first step that
// cannot produce a valid payload fails the run.
func (o *Orchestrator) ExecuteProtocol(ctx context.Context, runID string) (bool, error) {
	log := zap.L().With(zap.String("run_id", runID))

	rc, err := o.loadRun(ctx, runID)
	if err != nil {
		return false, err
	}
	switch rc.run.Status {
	case model.RunStatusCompleted, model.RunStatusCancelled, model.RunStatusArchived:
		return false, eris.Errorf("orchestrator: run %s is %s", runID, rc.run.Status)
	}
	if rc.run.Status != model.RunStatusRunning {
		started := o.now()
		if err := o.store.UpdateRunStatus(ctx, runID, model.RunStatusRunning, &model.RunUpdate{StartedAt: &started, ClearError: true}); err != nil {
			return false, eris.Wrap(err, "orchestrator: mark running")
		}
	}

	log.Info("orchestrator: protocol starting",
		zap.String("company_id", rc.run.CompanyID),
		zap.String("mode", string(rc.run.Mode)),
		zap.Int("steps", len(rc.steps)*len(rc.subjects())),
	)
	start := o.now()

	for _, subject := range rc.subjects() {
		for _, step := range rc.steps {
			if _, ok := rc.done[ResultKey(subject, step.Code)]; ok {
				continue
			}
			if _, err := o.runStep(ctx, rc, subject, step); err != nil {
				o.failRun(ctx, rc, err)
				return false, err
			}
		}
	}

	completed := o.now()
	if err := o.store.UpdateRunStatus(ctx, runID, model.RunStatusCompleted, &model.RunUpdate{CompletedAt: &completed, ClearError: true}); err != nil {
		return false, eris.Wrap(err, "orchestrator: mark completed")
	}

	variance := cost.CalculateVariance(rc.run.EstimatedCost, rc.cost)
	o.rec.LogBatch(ctx, []model.TelemetryEntry{
		o.rec.Entry(runID, model.MetricRunCompleted, rc.cost, map[string]any{
			"tokens":      rc.tokens,
			"duration_ms": completed.Sub(start).Milliseconds(),
		}),
		o.rec.Entry(runID, model.MetricCostVariance, variance, map[string]any{
			"estimated_cost": rc.run.EstimatedCost,
			"actual_cost":    rc.cost,
		}),
	})
	log.Info("orchestrator: protocol complete",
		zap.Int("tokens", rc.tokens),
		zap.Float64("actual_cost", rc.cost),
		zap.Float64("variance_pct", variance),
		zap.Duration("elapsed", completed.Sub(start)),
	)
	return true, nil
}

// ExecuteNB runs one step for the primary company of a run and returns
// its payload. Earlier completed steps feed the prompt. The run status is
// left unchanged.
func (o *Orchestrator) ExecuteNB(ctx context.Context, runID, code string) (map[string]any, error) {
	step, ok := nb.Lookup(code)
	if !ok {
		return nil, eris.Errorf("orchestrator: unknown step %q", code)
	}
	rc, err := o.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	res, err := o.runStep(ctx, rc, model.SubjectCustomer, *step)
	if err != nil {
		return nil, err
	}
	return res.Payload, nil
}

// GetRunResults returns the persisted NB results of a run keyed by
// ResultKey.
func (o *Orchestrator) GetRunResults(ctx context.Context, runID string) (map[string]StepResult, error) {
	results, err := o.store.ListNBResults(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: run results")
	}
	out := make(map[string]StepResult, len(results))
	for _, r := range results {
		out[ResultKey(r.Subject, r.StepCode)] = StepResult{
			Payload:    r.Payload,
			Citations:  r.Citations,
			DurationMs: r.DurationMs,
			TokensUsed: r.TokensUsed,
			Status:     r.Status,
			Reused:     r.Reused,
		}
	}
	return out, nil
}

// failRun persists the failure. It uses a context detached from ctx so a
// cancelled run still records why it stopped.
func (o *Orchestrator) failRun(ctx context.Context, rc *runContext, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := zap.L().With(zap.String("run_id", rc.run.ID))

	runErr := model.NewRunError(cause, string(resilience.Classify(cause)))
	if err := o.store.UpdateRunStatus(ctx, rc.run.ID, model.RunStatusFailed, &model.RunUpdate{Error: runErr}); err != nil {
		log.Error("orchestrator: failed to persist failure", zap.Error(err))
	}
	o.rec.Log(ctx, rc.run.ID, model.MetricRunFailed, 1, model.Describe(cause))
	log.Error("orchestrator: run failed",
		zap.String("phase", runErr.Phase),
		zap.String("category", runErr.Category),
		zap.Error(cause),
	)
}
