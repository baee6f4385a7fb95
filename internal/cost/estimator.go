package cost

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/nb"
)

// inputShare is the assumed fraction of a step's tokens spent on the prompt.
const inputShare = 0.75

// SnapshotFinder looks up a fresh snapshot to reuse.
type SnapshotFinder interface {
	ReusableSnapshot(ctx context.Context, companyID string, window time.Duration) (*model.Snapshot, error)
}

// EstimatorConfig configures Estimator.
type EstimatorConfig struct {
	Provider         string
	Model            string
	WarningThreshold float64
	HardLimit        float64
	FreshnessWindow  time.Duration
	// TokensPerStep overrides the catalog estimate when positive.
	TokensPerStep int
}

// EstimateRequest selects what to estimate.
type EstimateRequest struct {
	CompanyID    string
	TargetID     string
	ForceRefresh bool
	// Steps limits a partial run; empty means all steps.
	Steps []string
}

type subjectRef struct {
	subject   model.Subject
	companyID string
}

// Estimator projects the cost of a run net of reusable results.
type Estimator struct {
	calc   *Calculator
	finder SnapshotFinder
	cfg    EstimatorConfig
	p      *message.Printer
}

// NewEstimator creates an Estimator.
func NewEstimator(calc *Calculator, finder SnapshotFinder, cfg EstimatorConfig) *Estimator {
	return &Estimator{
		calc:   calc,
		finder: finder,
		cfg:    cfg,
		p:      message.NewPrinter(language.English),
	}
}

// EstimateCost estimates every step for companyID, and for targetID when
// non-empty.
func (e *Estimator) EstimateCost(ctx context.Context, companyID, targetID string, forceRefresh bool) (*model.CostEstimate, error) {
	return e.Estimate(ctx, EstimateRequest{CompanyID: companyID, TargetID: targetID, ForceRefresh: forceRefresh})
}

// Estimate builds a CostEstimate. Steps present in a fresh snapshot of
// the same company are excluded from the total and counted as savings;
// ForceRefresh disables reuse.
func (e *Estimator) Estimate(ctx context.Context, req EstimateRequest) (*model.CostEstimate, error) {
	steps, err := nb.Select(req.Steps)
	if err != nil {
		return nil, eris.Wrap(err, "cost: estimate")
	}

	est := &model.CostEstimate{
		CompanyID:       req.CompanyID,
		TargetCompanyID: req.TargetID,
		ForceRefresh:    req.ForceRefresh,
		Provider:        e.cfg.Provider,
		Model:           e.cfg.Model,
		Breakdown:       []model.CostLine{},
		ReusedSteps:     []string{},
		Warnings:        []string{},
	}

	subjects := []subjectRef{{model.SubjectCustomer, req.CompanyID}}
	if req.TargetID != "" {
		subjects = append(subjects, subjectRef{model.SubjectTarget, req.TargetID})
	}

	for _, sub := range subjects {
		var snap *model.Snapshot
		if !req.ForceRefresh {
			snap, err = e.finder.ReusableSnapshot(ctx, sub.companyID, e.cfg.FreshnessWindow)
			if err != nil {
				return nil, eris.Wrapf(err, "cost: reuse lookup for %s", sub.companyID)
			}
		}
		if snap != nil {
			if sub.subject == model.SubjectTarget {
				est.TargetSnapshotID = snap.ID
			} else {
				est.ReuseSnapshotID = snap.ID
			}
		}

		for _, step := range steps {
			tokens, cost := e.stepCost(step)
			if snap != nil {
				if _, ok := snap.Data.NBResults[step.Code]; ok {
					code := step.Code
					if sub.subject == model.SubjectTarget {
						code = model.TargetReuseCode(code)
					}
					est.ReusedSteps = append(est.ReusedSteps, code)
					est.ReuseSavings += cost
					continue
				}
			}
			est.Breakdown = append(est.Breakdown, model.CostLine{
				Subject:  sub.subject,
				StepCode: step.Code,
				Tokens:   tokens,
				Cost:     cost,
			})
			est.TotalTokens += tokens
			est.TotalCost += cost
		}
	}

	est.CanProceed = true
	if e.cfg.WarningThreshold > 0 && est.TotalCost >= e.cfg.WarningThreshold {
		est.Warnings = append(est.Warnings, e.p.Sprintf(
			"estimated cost $%.2f reaches the warning threshold of $%.2f", est.TotalCost, e.cfg.WarningThreshold))
	}
	if e.cfg.HardLimit > 0 && est.TotalCost > e.cfg.HardLimit {
		est.CanProceed = false
		est.Warnings = append(est.Warnings, e.p.Sprintf(
			"estimated cost $%.2f exceeds the hard limit of $%.2f", est.TotalCost, e.cfg.HardLimit))
	}

	zap.L().Debug("cost: estimate",
		zap.String("company_id", req.CompanyID),
		zap.String("target_company_id", req.TargetID),
		zap.Bool("force_refresh", req.ForceRefresh),
		zap.Int("tokens", est.TotalTokens),
		zap.Float64("total_cost", est.TotalCost),
		zap.Float64("reuse_savings", est.ReuseSavings),
		zap.Int("reused_steps", len(est.ReusedSteps)),
	)
	return est, nil
}

func (e *Estimator) stepCost(step nb.Step) (int, float64) {
	tokens := step.EstimatedTokens
	if e.cfg.TokensPerStep > 0 {
		tokens = e.cfg.TokensPerStep
	}
	in := int(float64(tokens) * inputShare)
	return tokens, e.calc.Cost(e.cfg.Model, in, tokens-in)
}

// FormatUSD renders an amount with thousands separators, e.g. "$1,234.50".
func FormatUSD(amount float64) string {
	return message.NewPrinter(language.English).Sprintf("$%.2f", amount)
}
