package pipeline

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/nb"
)

// runContext is the state a protocol execution accumulates.
type runContext struct {
	run     *model.Run
	company model.Company
	target  *model.Company
	sources map[model.Subject][]model.Source
	steps   []nb.Step

	done map[string]model.NBResult

	// reuse plan: step keys to copy and the snapshots to copy from
	reuse     map[string]bool
	snapshots map[model.Subject]*model.Snapshot
	snapIDs   map[model.Subject]string

	// usage spent by the run so far, including failed attempts
	tokens int
	cost   float64
}

func (o *Orchestrator) loadRun(ctx context.Context, runID string) (*runContext, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load run %s", runID)
	}
	steps, err := nb.Select(run.Steps)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: run %s steps", runID)
	}

	rc := &runContext{
		run:       run,
		steps:     steps,
		sources:   make(map[model.Subject][]model.Source, 2),
		done:      make(map[string]model.NBResult),
		reuse:     make(map[string]bool, len(run.ReusedSteps)),
		tokens:    run.ActualTokens,
		cost:      run.ActualCost,
		snapshots: make(map[model.Subject]*model.Snapshot, 2),
		snapIDs: map[model.Subject]string{
			model.SubjectCustomer: run.ReuseSnapshotID,
			model.SubjectTarget:   run.TargetSnapshotID,
		},
	}
	for _, code := range run.ReusedSteps {
		rc.reuse[code] = true
	}

	company, err := o.store.GetCompany(ctx, run.CompanyID)
	if err != nil {
		return nil, eris.Wrapf(err, "orchestrator: load company %s", run.CompanyID)
	}
	rc.company = *company
	if rc.sources[model.SubjectCustomer], err = o.store.ListSources(ctx, run.CompanyID); err != nil {
		return nil, eris.Wrap(err, "orchestrator: load sources")
	}

	if run.IsComparison() {
		target, err := o.store.GetCompany(ctx, run.TargetCompanyID)
		if err != nil {
			return nil, eris.Wrapf(err, "orchestrator: load target %s", run.TargetCompanyID)
		}
		rc.target = target
		if rc.sources[model.SubjectTarget], err = o.store.ListSources(ctx, run.TargetCompanyID); err != nil {
			return nil, eris.Wrap(err, "orchestrator: load target sources")
		}
	}

	results, err := o.store.ListNBResults(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: load results")
	}
	for _, r := range results {
		if r.Status != model.NBStatusCompleted {
			continue
		}
		rc.done[ResultKey(r.Subject, r.StepCode)] = r
	}
	return rc, nil
}

func (rc *runContext) subjects() []model.Subject {
	if rc.target != nil {
		return []model.Subject{model.SubjectCustomer, model.SubjectTarget}
	}
	return []model.Subject{model.SubjectCustomer}
}

// promptContext assembles the prompt inputs for subject. Prior findings
// are the subject's completed steps preceding code in catalog order.
func (rc *runContext) promptContext(subject model.Subject, code string) nb.PromptContext {
	pc := nb.PromptContext{
		Company:       rc.company,
		Sources:       rc.sources[model.SubjectCustomer],
		Target:        rc.target,
		TargetSources: rc.sources[model.SubjectTarget],
		Subject:       subject,
	}
	for _, step := range nb.All() {
		if step.Code == code {
			break
		}
		if r, ok := rc.done[ResultKey(subject, step.Code)]; ok {
			pc.Prior = append(pc.Prior, nb.PriorResult{Code: step.Code, Title: step.Title, Payload: r.Payload})
		}
	}
	return pc
}
