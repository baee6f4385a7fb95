package model

import "time"

// NBStatus is the state of a single NB step within a run.
type NBStatus string

const (
	NBStatusPending   NBStatus = "pending"
	NBStatusRunning   NBStatus = "running"
	NBStatusCompleted NBStatus = "completed"
	NBStatusFailed    NBStatus = "failed"
)

// Subject identifies which company of a run an NB result describes.
type Subject string

const (
	SubjectCustomer Subject = "customer"
	SubjectTarget   Subject = "target"
)

// Citation links an NB payload back to a source document.
type Citation struct {
	SourceID  string   `json:"source_id"`
	URL       string   `json:"url,omitempty"`
	Quote     string   `json:"quote,omitempty"`
	Page      *int     `json:"page,omitempty"`
	Relevance *float64 `json:"relevance,omitempty"`
}

// NBResult is the output of one extraction step.
type NBResult struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Subject    Subject        `json:"subject"`
	StepCode   string         `json:"nb_code"`
	Payload    map[string]any `json:"payload"`
	Citations  []Citation     `json:"citations"`
	Status     NBStatus       `json:"status"`
	TokensUsed int            `json:"tokens_used"`
	DurationMs int64          `json:"duration_ms"`
	Cost       float64        `json:"cost"`
	Reused     bool           `json:"reused,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// CitationIDs returns the source ids of the citations in order.
func CitationIDs(cs []Citation) []string {
	ids := make([]string, 0, len(cs))
	for _, c := range cs {
		ids = append(ids, c.SourceID)
	}
	return ids
}
