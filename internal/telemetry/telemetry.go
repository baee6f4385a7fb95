// Package telemetry records run metrics without ever failing the caller.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/nb-research/internal/model"
)

// Writer is the subset of store.Store the recorder needs.
type Writer interface {
	InsertTelemetry(ctx context.Context, e *model.TelemetryEntry) error
	InsertTelemetryBatch(ctx context.Context, entries []model.TelemetryEntry) error
}

// Recorder writes telemetry entries. Write failures are logged at warn
// level and reported through the boolean result only.
type Recorder struct {
	w   Writer
	log *zap.Logger
	now func() time.Time
}

// New creates a Recorder. A nil logger uses the global zap logger.
func New(w Writer, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.L()
	}
	return &Recorder{
		w:   w,
		log: log.Named("telemetry"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Entry builds an entry stamped with the recorder clock.
func (r *Recorder) Entry(runID, key string, value float64, payload map[string]any) model.TelemetryEntry {
	return model.TelemetryEntry{
		RunID:     runID,
		MetricKey: key,
		Value:     value,
		Payload:   payload,
		CreatedAt: r.now(),
	}
}

// Log writes one metric and reports whether it was persisted.
func (r *Recorder) Log(ctx context.Context, runID, key string, value float64, payload map[string]any) bool {
	if r == nil || r.w == nil {
		return false
	}
	e := r.Entry(runID, key, value, payload)
	if err := r.w.InsertTelemetry(ctx, &e); err != nil {
		r.log.Warn("telemetry: write failed",
			zap.String("run_id", runID),
			zap.String("metric_key", key),
			zap.Error(err),
		)
		return false
	}
	return true
}

// LogBatch writes entries atomically: either every entry is persisted or
// none is.
func (r *Recorder) LogBatch(ctx context.Context, entries []model.TelemetryEntry) bool {
	if r == nil || r.w == nil {
		return false
	}
	if len(entries) == 0 {
		return true
	}
	for i := range entries {
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = r.now()
		}
	}
	if err := r.w.InsertTelemetryBatch(ctx, entries); err != nil {
		r.log.Warn("telemetry: batch write failed",
			zap.Int("entries", len(entries)),
			zap.Error(err),
		)
		return false
	}
	return true
}
