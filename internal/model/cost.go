package model

import "strings"

// CostEstimate is a projected token/dollar cost for queueing a run.
type CostEstimate struct {
	CompanyID       string     `json:"company_id"`
	TargetCompanyID string     `json:"target_company_id,omitempty"`
	ForceRefresh    bool       `json:"force_refresh"`
	Provider        string     `json:"provider"`
	Model           string     `json:"model"`
	TotalTokens     int        `json:"total_tokens"`
	TotalCost       float64    `json:"total_cost"`
	Breakdown       []CostLine `json:"breakdown"`

	ReusedSteps      []string `json:"reused_steps"`
	ReuseSavings     float64  `json:"reuse_savings"`
	ReuseSnapshotID  string   `json:"reuse_snapshot_id,omitempty"`
	TargetSnapshotID string   `json:"target_snapshot_id,omitempty"`

	Warnings   []string `json:"warnings"`
	CanProceed bool     `json:"can_proceed"`
}

// CostLine is the projected cost of one step for one subject.
type CostLine struct {
	Subject  Subject `json:"subject"`
	StepCode string  `json:"nb_code"`
	Tokens   int     `json:"tokens"`
	Cost     float64 `json:"cost"`
}

// CustomerReusedSteps returns the reused step codes of the primary company.
func (e *CostEstimate) CustomerReusedSteps() []string {
	var out []string
	for _, code := range e.ReusedSteps {
		if strings.HasPrefix(code, targetReusePrefix) {
			continue
		}
		out = append(out, code)
	}
	return out
}

// TargetReusedSteps returns the reused step codes of the target company,
// without the target prefix.
func (e *CostEstimate) TargetReusedSteps() []string {
	return TargetReused(e.ReusedSteps)
}

// TargetReused extracts target step codes from a reused-steps list.
func TargetReused(codes []string) []string {
	var out []string
	for _, code := range codes {
		if rest, ok := strings.CutPrefix(code, targetReusePrefix); ok {
			out = append(out, rest)
		}
	}
	return out
}

const targetReusePrefix = "target:"

// TargetReuseCode marks a reused step of the target company.
func TargetReuseCode(code string) string {
	return targetReusePrefix + code
}
