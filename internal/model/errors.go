package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrorKind tags structured errors in their machine-readable form.
type ErrorKind string

const (
	ErrorKindPhase      ErrorKind = "phase_failure"
	ErrorKindCitation   ErrorKind = "citation_resolution"
	ErrorKindValidation ErrorKind = "validation"
	ErrorKindCostLimit  ErrorKind = "cost_limit"
	ErrorKindUnknown    ErrorKind = "error"
)

// maxTraceLines bounds the trace excerpt carried by phase failures.
const maxTraceLines = 12

// PhaseError reports that a named phase of a run failed. It is the error a
// run is aborted with.
type PhaseError struct {
	Phase     string
	RunID     string
	Message   string
	Context   map[string]any
	Cause     error
	Timestamp time.Time

	origin error
}

// NewPhaseError creates a PhaseError and records where it was raised.
func NewPhaseError(phase, runID, message string, context map[string]any, cause error) *PhaseError {
	return &PhaseError{
		Phase:     phase,
		RunID:     runID,
		Message:   message,
		Context:   context,
		Cause:     cause,
		Timestamp: time.Now().UTC(),
		origin:    eris.New(message),
	}
}

func (e *PhaseError) Error() string {
	msg := fmt.Sprintf("phase %s failed for run %s: %s", e.Phase, e.RunID, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PhaseError) Unwrap() error {
	return e.Cause
}

// TraceExcerpt returns the first lines of the stack captured at creation.
func (e *PhaseError) TraceExcerpt() string {
	if e.origin == nil {
		return ""
	}
	return excerpt(eris.ToString(e.origin, true), maxTraceLines)
}

// CitationError reports that a citation could not be resolved to a source.
type CitationError struct {
	URL       string
	SourceID  string
	RunID     string
	Step      string
	Message   string
	Context   map[string]any
	Cause     error
	Timestamp time.Time
}

// NewCitationError creates a CitationError.
func NewCitationError(url, runID, step, message string, context map[string]any, cause error) *CitationError {
	return &CitationError{
		URL:       url,
		RunID:     runID,
		Step:      step,
		Message:   message,
		Context:   context,
		Cause:     cause,
		Timestamp: time.Now().UTC(),
	}
}

func (e *CitationError) Error() string {
	msg := fmt.Sprintf("citation %s unresolved at %s for run %s: %s", e.URL, e.Step, e.RunID, e.Message)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CitationError) Unwrap() error {
	return e.Cause
}

// ValidationError carries the schema violations of one step's payload.
type ValidationError struct {
	StepCode string
	Errors   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: schema validation failed: %s", e.StepCode, strings.Join(e.Errors, "; "))
}

// CostLimitError refuses admission of a run whose estimate exceeds the hard limit.
type CostLimitError struct {
	Estimate *CostEstimate
	Limit    float64
}

func (e *CostLimitError) Error() string {
	return fmt.Sprintf("estimated cost $%.4f exceeds hard limit $%.4f", e.Estimate.TotalCost, e.Limit)
}

// IsCostLimit reports whether err is (or wraps) a CostLimitError.
func IsCostLimit(err error) bool {
	var cle *CostLimitError
	return errors.As(err, &cle)
}

// Describe renders err and its structured causes as a JSON-serializable map.
func Describe(err error) map[string]any {
	if err == nil {
		return nil
	}

	var m map[string]any
	var cause error
	switch e := err.(type) {
	case *PhaseError:
		m = map[string]any{
			"kind":      string(ErrorKindPhase),
			"phase":     e.Phase,
			"run_id":    e.RunID,
			"message":   e.Message,
			"timestamp": e.Timestamp.Format(time.RFC3339),
			"trace":     e.TraceExcerpt(),
		}
		if len(e.Context) > 0 {
			m["context"] = e.Context
		}
		cause = e.Cause
	case *CitationError:
		m = map[string]any{
			"kind":      string(ErrorKindCitation),
			"url":       e.URL,
			"run_id":    e.RunID,
			"step":      e.Step,
			"message":   e.Message,
			"timestamp": e.Timestamp.Format(time.RFC3339),
		}
		if e.SourceID != "" {
			m["source_id"] = e.SourceID
		}
		if len(e.Context) > 0 {
			m["context"] = e.Context
		}
		cause = e.Cause
	case *ValidationError:
		m = map[string]any{
			"kind":    string(ErrorKindValidation),
			"nb_code": e.StepCode,
			"message": e.Error(),
			"errors":  e.Errors,
		}
	case *CostLimitError:
		m = map[string]any{
			"kind":       string(ErrorKindCostLimit),
			"company_id": e.Estimate.CompanyID,
			"total_cost": e.Estimate.TotalCost,
			"limit":      e.Limit,
			"message":    e.Error(),
		}
	default:
		m = map[string]any{
			"kind":    string(ErrorKindUnknown),
			"message": err.Error(),
		}
		cause = nextStructured(err)
	}

	if cause != nil {
		m["cause"] = Describe(cause)
	}
	return m
}

// nextStructured walks the unwrap chain below err to the first structured error.
func nextStructured(err error) error {
	for next := errors.Unwrap(err); next != nil; next = errors.Unwrap(next) {
		switch next.(type) {
		case *PhaseError, *CitationError, *ValidationError, *CostLimitError:
			return next
		}
	}
	return nil
}

// RunError is the structured error persisted on a failed run.
type RunError struct {
	Kind      ErrorKind      `json:"kind"`
	Message   string         `json:"message"`
	Phase     string         `json:"phase,omitempty"`
	Category  string         `json:"category,omitempty"` // "transient" or "permanent"
	Trace     string         `json:"trace,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewRunError captures err in persistable form.
func NewRunError(err error, category string) *RunError {
	re := &RunError{
		Kind:      ErrorKindUnknown,
		Message:   err.Error(),
		Category:  category,
		Details:   Describe(err),
		Timestamp: time.Now().UTC(),
	}
	var pe *PhaseError
	if errors.As(err, &pe) {
		re.Kind = ErrorKindPhase
		re.Phase = pe.Phase
		re.Trace = pe.TraceExcerpt()
	}
	return re
}

func excerpt(s string, lines int) string {
	parts := strings.Split(strings.TrimSpace(s), "\n")
	if len(parts) > lines {
		parts = parts[:lines]
	}
	return strings.Join(parts, "\n")
}
