package pipeline

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nb-research/internal/llm"
	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/nb"
	"github.com/sells-group/nb-research/internal/schema"
)

// attempt is the outcome of one LLM call for a step.
type attempt struct {
	payload   map[string]any
	citations []model.Citation
	outcome   schema.OutcomeKind
}

// runStep executes one step for subject and persists its result. A step in
// the reuse plan is copied from its snapshot instead of calling the LLM.
func (o *Orchestrator) runStep(ctx context.Context, rc *runContext, subject model.Subject, step nb.Step) (*model.NBResult, error) {
	key := ResultKey(subject, step.Code)
	log := zap.L().With(
		zap.String("run_id", rc.run.ID),
		zap.String("nb_code", step.Code),
		zap.String("subject", string(subject)),
	)

	if rc.reuse[key] {
		res, err := o.copyReused(ctx, rc, subject, step)
		if err != nil {
			return nil, err
		}
		if res != nil {
			log.Info("orchestrator: step reused", zap.String("snapshot_id", rc.snapIDs[subject]))
			return res, nil
		}
		log.Warn("orchestrator: reuse snapshot unavailable, executing step")
	}

	res := &model.NBResult{RunID: rc.run.ID, Subject: subject, StepCode: step.Code, Status: model.NBStatusRunning}
	if err := o.store.SaveNBResult(ctx, res); err != nil {
		return nil, eris.Wrapf(err, "orchestrator: mark %s running", key)
	}

	req := llm.Request{
		System:      nb.SystemPrompt,
		User:        nb.BuildPrompt(step, rc.promptContext(subject, step.Code)),
		Schema:      step.Schema,
		ExpectJSON:  true,
		Temperature: o.cfg.Temperature,
		MaxTokens:   step.MaxTokens,
		Step:        step.Code,
	}

	start := o.now()
	var (
		got     *attempt
		lastErr error
	)
	for n := 1; n <= o.cfg.RetryBudget; n++ {
		resp, err := o.llm.Call(ctx, req)
		if resp != nil {
			res.TokensUsed += resp.TokensUsed
			res.Cost += o.calc.Cost(resp.Model, resp.InputTokens, resp.OutputTokens)
		}
		if err == nil {
			got, err = o.interpret(step, resp)
		}
		if err == nil {
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		log.Warn("orchestrator: step attempt failed",
			zap.Int("attempt", n),
			zap.Int("budget", o.cfg.RetryBudget),
			zap.Error(err),
		)
		o.rec.Log(ctx, rc.run.ID, model.MetricNBRetry, float64(n), map[string]any{
			"nb_code": step.Code,
			"subject": string(subject),
			"error":   err.Error(),
		})
	}
	res.DurationMs = o.now().Sub(start).Milliseconds()

	if got == nil {
		return nil, o.stepFailed(ctx, rc, res, lastErr, "step failed after retry budget")
	}

	if got.outcome == schema.OutcomeRepaired {
		log.Info("orchestrator: payload repaired")
		o.rec.Log(ctx, rc.run.ID, model.MetricNBRepaired, 1, map[string]any{"nb_code": step.Code, "subject": string(subject)})
	}

	cites, unresolved := resolveCitations(got.citations, rc.sources[subject], rc.run.ID, step.Code)
	for _, ce := range unresolved {
		log.Warn("orchestrator: unresolved citation", zap.String("source_id", ce.SourceID), zap.String("url", ce.URL))
		o.rec.Log(ctx, rc.run.ID, model.MetricCitationError, 1, model.Describe(ce))
	}
	if len(unresolved) > 0 && o.cfg.StrictCitations {
		return nil, o.stepFailed(ctx, rc, res, unresolved[0], "citation resolution failed")
	}

	res.Payload = got.payload
	res.Citations = cites
	res.Status = model.NBStatusCompleted
	res.Error = ""
	if err := o.complete(ctx, rc, res); err != nil {
		return nil, err
	}

	o.rec.LogBatch(ctx, []model.TelemetryEntry{
		o.rec.Entry(rc.run.ID, model.MetricNBTokens, float64(res.TokensUsed), map[string]any{"nb_code": step.Code, "subject": string(subject)}),
		o.rec.Entry(rc.run.ID, model.MetricNBDurationMs, float64(res.DurationMs), map[string]any{"nb_code": step.Code, "subject": string(subject)}),
		o.rec.Entry(rc.run.ID, model.MetricNBCost, res.Cost, map[string]any{"nb_code": step.Code, "subject": string(subject)}),
	})
	log.Info("orchestrator: step complete",
		zap.Int("tokens", res.TokensUsed),
		zap.Int64("duration_ms", res.DurationMs),
		zap.Int("citations", len(res.Citations)),
	)
	return res, nil
}

// interpret parses and checks a response. Schema violations that repair
// cannot fix are returned as a ValidationError so the attempt is retried.
func (o *Orchestrator) interpret(step nb.Step, resp *llm.Response) (*attempt, error) {
	v, err := schema.ParseJSON(resp.Content)
	if err != nil {
		return nil, &model.ValidationError{StepCode: step.Code, Errors: []string{err.Error()}}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &model.ValidationError{StepCode: step.Code, Errors: []string{fmt.Sprintf("expected JSON object, got %T", v)}}
	}

	citations := resp.Citations
	if citations == nil {
		citations = llm.CitationsFrom(obj)
	}
	delete(obj, llm.CitationsKey)

	out := schema.Check(obj, step.Schema)
	if out.Kind == schema.OutcomeInvalid {
		return nil, &model.ValidationError{StepCode: step.Code, Errors: out.Errors}
	}
	payload, _ := out.Value.(map[string]any)
	return &attempt{payload: payload, citations: citations, outcome: out.Kind}, nil
}

// complete persists a finished result and adds its spend to the run.
func (o *Orchestrator) complete(ctx context.Context, rc *runContext, res *model.NBResult) error {
	if err := o.store.SaveNBResult(ctx, res); err != nil {
		return eris.Wrapf(err, "orchestrator: save %s", res.StepCode)
	}
	rc.done[ResultKey(res.Subject, res.StepCode)] = *res
	rc.tokens += res.TokensUsed
	rc.cost += res.Cost
	return eris.Wrap(o.store.SetRunUsage(ctx, rc.run.ID, rc.tokens, rc.cost), "orchestrator: update usage")
}

// stepFailed records a failed step and returns the phase error the run is
// aborted with.
func (o *Orchestrator) stepFailed(ctx context.Context, rc *runContext, res *model.NBResult, cause error, msg string) error {
	if cause == nil {
		cause = eris.New("no attempt made")
	}
	pe := model.NewPhaseError(res.StepCode, rc.run.ID, msg, map[string]any{
		"subject":     string(res.Subject),
		"budget":      o.cfg.RetryBudget,
		"tokens_used": res.TokensUsed,
	}, cause)

	res.Status = model.NBStatusFailed
	res.Error = cause.Error()
	if err := o.store.SaveNBResult(context.WithoutCancel(ctx), res); err != nil {
		zap.L().Warn("orchestrator: failed to record step failure",
			zap.String("run_id", rc.run.ID),
			zap.String("nb_code", res.StepCode),
			zap.Error(err),
		)
	}
	rc.tokens += res.TokensUsed
	rc.cost += res.Cost
	if err := o.store.SetRunUsage(context.WithoutCancel(ctx), rc.run.ID, rc.tokens, rc.cost); err != nil {
		zap.L().Warn("orchestrator: failed to update usage", zap.String("run_id", rc.run.ID), zap.Error(err))
	}
	return pe
}

// copyReused persists a step copied from the subject's reuse snapshot. It
// returns nil when the snapshot or the step within it is gone.
func (o *Orchestrator) copyReused(ctx context.Context, rc *runContext, subject model.Subject, step nb.Step) (*model.NBResult, error) {
	snap, err := o.reuseSnapshot(ctx, rc, subject)
	if err != nil || snap == nil {
		return nil, err
	}
	prior, ok := snap.Data.NBResults[step.Code]
	if !ok {
		return nil, nil
	}

	res := &model.NBResult{
		RunID:     rc.run.ID,
		Subject:   subject,
		StepCode:  step.Code,
		Payload:   prior.Payload,
		Citations: prior.Citations,
		Status:    model.NBStatusCompleted,
		Reused:    true,
	}
	if err := o.complete(ctx, rc, res); err != nil {
		return nil, err
	}
	o.rec.Log(ctx, rc.run.ID, model.MetricNBReused, 1, map[string]any{
		"nb_code":     step.Code,
		"subject":     string(subject),
		"snapshot_id": snap.ID,
	})
	return res, nil
}

func (o *Orchestrator) reuseSnapshot(ctx context.Context, rc *runContext, subject model.Subject) (*model.Snapshot, error) {
	if snap, ok := rc.snapshots[subject]; ok {
		return snap, nil
	}
	id := rc.snapIDs[subject]
	if id == "" {
		rc.snapshots[subject] = nil
		return nil, nil
	}
	snap, err := o.store.GetSnapshot(ctx, id)
	if err != nil {
		if isNotFound(err) {
			rc.snapshots[subject] = nil
			return nil, nil
		}
		return nil, eris.Wrapf(err, "orchestrator: load snapshot %s", id)
	}
	rc.snapshots[subject] = snap
	return snap, nil
}
