package model

import "time"

// RunStatus represents the lifecycle state of a research run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusRetrying  RunStatus = "retrying"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusArchived  RunStatus = "archived"
)

// AllRunStatuses lists every status in lifecycle order.
func AllRunStatuses() []RunStatus {
	return []RunStatus{
		RunStatusQueued,
		RunStatusRunning,
		RunStatusRetrying,
		RunStatusCompleted,
		RunStatusFailed,
		RunStatusCancelled,
		RunStatusArchived,
	}
}

// IsTerminal reports whether no further transitions are expected, except
// the background completed -> archived move.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusArchived:
		return true
	}
	return false
}

// RunMode selects which NB steps a run executes.
type RunMode string

const (
	RunModeFull       RunMode = "full"
	RunModeComparison RunMode = "comparison"
	RunModePartial    RunMode = "partial"
)

// Run is one execution of the NB protocol for a company.
type Run struct {
	ID              string    `json:"id"`
	CompanyID       string    `json:"company_id"`
	TargetCompanyID string    `json:"target_company_id,omitempty"`
	UserID          string    `json:"user_id,omitempty"`
	Mode            RunMode   `json:"mode"`
	Status          RunStatus `json:"status"`

	// Steps restricts a partial run to the listed step codes.
	Steps []string `json:"steps,omitempty"`

	EstimatedTokens int     `json:"estimated_tokens"`
	EstimatedCost   float64 `json:"estimated_cost"`
	ActualTokens    int     `json:"actual_tokens"`
	ActualCost      float64 `json:"actual_cost"`

	// Reuse plan attached at queue time.
	ReusedSteps      []string `json:"reused_steps,omitempty"`
	ReuseSnapshotID  string   `json:"reuse_snapshot_id,omitempty"`
	TargetSnapshotID string   `json:"target_snapshot_id,omitempty"`

	RetryCount int       `json:"retry_count"`
	Error      *RunError `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsComparison reports whether the run compares against a target company.
func (r *Run) IsComparison() bool {
	return r.Mode == RunModeComparison && r.TargetCompanyID != ""
}

// Duration returns completed - started, or zero when either is unset.
func (r *Run) Duration() time.Duration {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt)
}

// RunUpdate carries optional fields applied alongside a status transition.
type RunUpdate struct {
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *RunError
	ClearError  bool
}

// TokenUsage tracks token consumption for a single LLM call or a whole run.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Total returns input + output tokens.
func (t TokenUsage) Total() int {
	return t.InputTokens + t.OutputTokens
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.Cost += other.Cost
}
