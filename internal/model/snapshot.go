package model

import "time"

// Snapshot is an immutable capture of a run's NB result set.
type Snapshot struct {
	ID        string       `json:"id"`
	CompanyID string       `json:"company_id"`
	RunID     string       `json:"run_id"`
	Data      SnapshotData `json:"data"`
	CreatedAt time.Time    `json:"created_at"`
}

// SnapshotData is the serialized body of a snapshot.
type SnapshotData struct {
	RunID         string                `json:"run_id"`
	CompanyID     string                `json:"company_id"`
	Timestamp     time.Time             `json:"timestamp"`
	NBResults     map[string]SnapshotNB `json:"nb_results"`
	TargetResults map[string]SnapshotNB `json:"target_results,omitempty"`
	Sources       []Source              `json:"sources"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
}

// SnapshotNB is one step's captured payload and citations.
type SnapshotNB struct {
	Payload   map[string]any `json:"payload"`
	Citations []Citation     `json:"citations"`
}

// SnapshotSummary is a history row for a company's snapshots.
type SnapshotSummary struct {
	SnapshotID       string        `json:"snapshot_id"`
	RunID            string        `json:"run_id"`
	Mode             RunMode       `json:"mode"`
	Status           RunStatus     `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
	CreatedFormatted string        `json:"created_formatted"`
	UserID           string        `json:"user_id,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// Diff is a cached structural comparison between two snapshots.
type Diff struct {
	ID             string     `json:"id"`
	FromSnapshotID string     `json:"from_snapshot_id"`
	ToSnapshotID   string     `json:"to_snapshot_id"`
	Timestamp      time.Time  `json:"timestamp"`
	NBDiffs        []StepDiff `json:"nb_diffs"`
}

// StepDiff holds the per-step buckets. Added, Changed and Removed are trees
// that mirror the payload nesting; a changed leaf is {"from": x, "to": y}.
type StepDiff struct {
	StepCode  string         `json:"nb_code"`
	Added     map[string]any `json:"added"`
	Changed   map[string]any `json:"changed"`
	Removed   map[string]any `json:"removed"`
	Citations CitationDiff   `json:"citations"`
}

// IsEmpty reports whether the step carries no differences at all.
func (d StepDiff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0 && d.Citations.IsEmpty()
}

// CitationDiff lists source ids that appeared or disappeared between snapshots.
type CitationDiff struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// IsEmpty reports whether no citation changed.
func (c CitationDiff) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// ChangeEntry builds a changed leaf.
func ChangeEntry(from, to any) map[string]any {
	return map[string]any{"from": from, "to": to}
}
