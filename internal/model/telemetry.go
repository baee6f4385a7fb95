package model

import "time"

// Metric keys written to the telemetry table.
const (
	MetricCostEstimate  = "cost_estimate"
	MetricReuseSavings  = "reuse_savings"
	MetricNBTokens      = "nb_tokens"
	MetricNBDurationMs  = "nb_duration_ms"
	MetricNBCost        = "nb_cost"
	MetricNBReused      = "nb_reused"
	MetricNBRepaired    = "nb_repaired"
	MetricNBRetry       = "nb_retry"
	MetricCitationError = "citation_error"
	MetricRunFailed     = "run_failed"
	MetricRunCompleted  = "run_completed"
	MetricCostVariance  = "cost_variance_pct"
)

// TelemetryEntry is a timestamped metric record. RunID is empty for
// company-level or system-level entries.
type TelemetryEntry struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id,omitempty"`
	MetricKey string         `json:"metric_key"`
	Value     float64        `json:"value"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
