package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sells-group/nb-research/internal/cost"
	"github.com/sells-group/nb-research/internal/llm"
	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/nb"
	"github.com/sells-group/nb-research/internal/pipeline"
	"github.com/sells-group/nb-research/internal/store"
	"github.com/sells-group/nb-research/internal/store/storetest"
	"github.com/sells-group/nb-research/internal/versioning"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	st   *store.SQLiteStore
	llm  *llm.MockCapability
	q    *Queue
	snap *versioning.Engine
}

type fixtureOpts struct {
	hardLimit  float64
	maxRetries int
	exec       Executor
}

func newFixture(t *testing.T, o fixtureOpts) fixture {
	t.Helper()
	st := storetest.New(t)
	storetest.Company(t, st, "acme", "Acme", 2)
	storetest.Company(t, st, "globex", "Globex", 2)

	calc := cost.NewCalculator(cost.DefaultRates())
	eng := versioning.New(st, versioning.Config{})
	est := cost.NewEstimator(calc, eng, cost.EstimatorConfig{
		Model:           "claude-sonnet-4-5-20250929",
		HardLimit:       o.hardLimit,
		FreshnessWindow: versioning.DefaultFreshnessWindow,
	})
	mock := llm.NewMock(0)
	exec := o.exec
	if exec == nil {
		exec = pipeline.New(st, mock, calc, nil, pipeline.Config{})
	}
	if o.maxRetries == 0 {
		o.maxRetries = DefaultMaxRetries
	}
	q := New(st, est, exec, eng, nil, Config{MaxRetries: o.maxRetries, HardLimit: o.hardLimit})
	return fixture{st: st, llm: mock, q: q, snap: eng}
}

type failingExec struct{ err error }

func (f failingExec) ExecuteProtocol(context.Context, string) (bool, error) {
	return false, f.err
}

func (f fixture) status(t *testing.T, runID string) model.RunStatus {
	t.Helper()
	r, err := f.st.GetRun(context.Background(), runID)
	require.NoError(t, err)
	return r.Status
}

func TestQueueRun_Admits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	id, err := f.q.QueueRun(ctx, "acme", "", "user-7", Options{})
	require.NoError(t, err)

	run, err := f.st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.Equal(t, model.RunModeFull, run.Mode)
	assert.Equal(t, "user-7", run.UserID)
	assert.Positive(t, run.EstimatedCost)
	assert.Positive(t, run.EstimatedTokens)
	assert.Empty(t, run.ReusedSteps)

	entries, err := f.st.ListTelemetry(ctx, id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.MetricCostEstimate, entries[0].MetricKey)
	assert.InDelta(t, run.EstimatedCost, entries[0].Value, 1e-9)
	assert.Contains(t, entries[0].Payload, "reuse_savings")
	assert.Equal(t, model.MetricReuseSavings, entries[1].MetricKey)
}

func TestQueueRun_Modes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	id, err := f.q.QueueRun(ctx, "acme", "globex", "", Options{})
	require.NoError(t, err)
	run, err := f.st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunModeComparison, run.Mode)
	assert.Equal(t, "globex", run.TargetCompanyID)

	id, err = f.q.QueueRun(ctx, "acme", "", "", Options{Steps: []string{"NB2", "NB5"}})
	require.NoError(t, err)
	run, err = f.st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunModePartial, run.Mode)
	assert.Equal(t, []string{"NB2", "NB5"}, run.Steps)
}

func TestQueueRun_CostLimitRefusal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{hardLimit: 0.01})

	_, err := f.q.QueueRun(ctx, "acme", "", "", Options{})
	require.Error(t, err)
	assert.True(t, model.IsCostLimit(err))

	var cle *model.CostLimitError
	require.ErrorAs(t, err, &cle)
	assert.InDelta(t, 0.01, cle.Limit, 1e-12)
	assert.False(t, cle.Estimate.CanProceed)

	n, err := f.st.CountRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "no run rows")
}

func TestQueueRun_Rejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	tests := []struct {
		name     string
		company  string
		target   string
		opts     Options
		notFound bool
	}{
		{name: "unknown step", company: "acme", opts: Options{Steps: []string{"NB99"}}},
		{name: "duplicate steps", company: "acme", opts: Options{Steps: []string{"NB1", "NB1"}}},
		{name: "missing company", company: ""},
		{name: "self comparison", company: "acme", target: "acme"},
		{name: "unknown company", company: "nope", notFound: true},
		{name: "unknown target", company: "acme", target: "nope", notFound: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.q.QueueRun(ctx, tt.company, tt.target, "", tt.opts)
			require.Error(t, err)
			if tt.notFound {
				assert.ErrorIs(t, err, store.ErrNotFound)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			}
		})
	}

	n, err := f.st.CountRuns(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExecuteRun_CompletesAndSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	id, err := f.q.QueueRun(ctx, "acme", "", "", Options{})
	require.NoError(t, err)

	ok, err := f.q.ExecuteRun(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	run, err := f.st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Positive(t, run.ActualCost)

	results, err := f.st.ListNBResults(ctx, id)
	require.NoError(t, err)
	assert.Len(t, results, nb.StepCount)

	snaps, err := f.st.ListSnapshots(ctx, "acme", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, id, snaps[0].RunID)

	_, err = f.q.ExecuteRun(ctx, id)
	assert.ErrorIs(t, err, ErrNotRunnable)
}

func TestExecuteRun_ReusesFreshSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	first, err := f.q.QueueRun(ctx, "acme", "", "", Options{})
	require.NoError(t, err)
	_, err = f.q.ExecuteRun(ctx, first)
	require.NoError(t, err)
	require.Len(t, f.llm.Calls(), nb.StepCount)

	second, err := f.q.QueueRun(ctx, "acme", "", "", Options{})
	require.NoError(t, err)
	run, err := f.st.GetRun(ctx, second)
	require.NoError(t, err)
	assert.Len(t, run.ReusedSteps, nb.StepCount)
	assert.NotEmpty(t, run.ReuseSnapshotID)
	assert.Zero(t, run.EstimatedCost)

	ok, err := f.q.ExecuteRun(ctx, second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, f.llm.Calls(), nb.StepCount, "no new LLM calls")

	forced, err := f.q.QueueRun(ctx, "acme", "", "", Options{ForceRefresh: true})
	require.NoError(t, err)
	run, err = f.st.GetRun(ctx, forced)
	require.NoError(t, err)
	assert.Empty(t, run.ReusedSteps)
}

func TestExecuteRun_FailureRetries(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("upstream overloaded")
	f := newFixture(t, fixtureOpts{exec: failingExec{err: boom}})

	id, err := f.q.QueueRun(ctx, "acme", "", "", Options{})
	require.NoError(t, err)

	ok, err := f.q.ExecuteRun(ctx, id)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)

	run, err := f.st.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRetrying, run.Status)
	assert.Equal(t, 1, run.RetryCount)
	require.NotNil(t, run.Error)
	assert.Equal(t, "transient", run.Error.Category)
	require.NotNil(t, run.StartedAt)
	firstStart := *run.StartedAt

	// retrying runs can be claimed again
	f.q.now = func() time.Time { return firstStart.Add(time.Hour) }
	_, err = f.q.ExecuteRun(ctx, id)
	assert.ErrorIs(t, err, boom)
	run, err = f.st.GetRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run.StartedAt)
	assert.WithinDuration(t, firstStart, *run.StartedAt, time.Second, "retries keep the first start time")
	_, err = f.q.ExecuteRun(ctx, id)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, model.RunStatusFailed, f.status(t, id))

	_, err = f.q.ExecuteRun(ctx, id)
	assert.ErrorIs(t, err, ErrNotRunnable)
}

func TestHandleFailure_RetryExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{maxRetries: 2})
	run := storetest.Run(t, f.st, "acme", model.RunStatusRunning)

	want := []model.RunStatus{model.RunStatusRetrying, model.RunStatusRetrying, model.RunStatusFailed}
	for i, status := range want {
		ok, err := f.q.HandleFailure(ctx, run.ID, errors.New("validation failed"))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, status, f.status(t, run.ID), "attempt %d", i+1)
	}

	got, err := f.st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RetryCount)
	require.NotNil(t, got.Error)
	assert.Equal(t, "permanent", got.Error.Category)
	assert.Equal(t, "validation failed", got.Error.Message)

	_, err = f.q.HandleFailure(ctx, "missing", errors.New("x"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancelRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	queued := storetest.Run(t, f.st, "acme", model.RunStatusQueued)
	ok, err := f.q.CancelRun(ctx, queued.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.RunStatusCancelled, f.status(t, queued.ID))

	running := storetest.Run(t, f.st, "acme", model.RunStatusRunning)
	ok, err = f.q.CancelRun(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, model.RunStatusRunning, f.status(t, running.ID))

	ok, err = f.q.CancelRun(ctx, queued.ID)
	require.NoError(t, err)
	assert.False(t, ok, "already cancelled")

	_, err = f.q.ExecuteRun(ctx, queued.ID)
	assert.ErrorIs(t, err, ErrNotRunnable)
}

func TestGetRunProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.q.now = func() time.Time { return now }

	run := storetest.Run(t, f.st, "acme", model.RunStatusQueued)
	p, err := f.q.GetRunProgress(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, p.Status)
	assert.Equal(t, nb.StepCount, p.TotalNBs)
	assert.Zero(t, p.CompletedNBs)
	assert.Nil(t, p.ETA)

	started := now.Add(-10 * time.Minute)
	require.NoError(t, f.st.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning, &model.RunUpdate{StartedAt: &started}))
	for _, code := range nb.Codes()[:5] {
		require.NoError(t, f.st.SaveNBResult(ctx, &model.NBResult{RunID: run.ID, StepCode: code, Status: model.NBStatusCompleted}))
	}
	require.NoError(t, f.st.SaveNBResult(ctx, &model.NBResult{RunID: run.ID, StepCode: "NB6", Status: model.NBStatusRunning}))

	p, err = f.q.GetRunProgress(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, p.CompletedNBs)
	assert.Equal(t, "NB6", p.CurrentNB)
	assert.InDelta(t, 33.333, p.Percentage, 0.01)
	require.NotNil(t, p.ETA)
	assert.Equal(t, 20*time.Minute, *p.ETA)
	assert.Equal(t, 10*time.Minute, p.Elapsed)

	_, err = f.q.GetRunProgress(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetRunProgress_ComparisonAndNextStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	run := &model.Run{CompanyID: "acme", TargetCompanyID: "globex", Mode: model.RunModeComparison, Status: model.RunStatusRunning}
	require.NoError(t, f.st.CreateRun(ctx, run))
	for _, code := range nb.Codes() {
		require.NoError(t, f.st.SaveNBResult(ctx, &model.NBResult{RunID: run.ID, StepCode: code, Status: model.NBStatusCompleted}))
	}

	p, err := f.q.GetRunProgress(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*nb.StepCount, p.TotalNBs)
	assert.InDelta(t, 50, p.Percentage, 1e-9)
	assert.Equal(t, "NB1", p.CurrentNB, "target NB1 is next")
	assert.Nil(t, p.ETA, "no start time")
}

func TestGetQueueStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	mk := func(wait, exec time.Duration, status model.RunStatus) {
		r := &model.Run{CompanyID: "acme", Status: model.RunStatusQueued, CreatedAt: base}
		require.NoError(t, f.st.CreateRun(ctx, r))
		started := base.Add(wait)
		upd := &model.RunUpdate{StartedAt: &started}
		if exec > 0 {
			done := started.Add(exec)
			upd.CompletedAt = &done
		}
		require.NoError(t, f.st.UpdateRunStatus(ctx, r.ID, status, upd))
	}
	mk(10*time.Second, 60*time.Second, model.RunStatusCompleted)
	mk(30*time.Second, 120*time.Second, model.RunStatusCompleted)
	mk(20*time.Second, 0, model.RunStatusRunning)
	storetest.Run(t, f.st, "acme", model.RunStatusQueued)

	stats, err := f.q.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Counts[model.RunStatusCompleted])
	assert.Equal(t, 1, stats.Counts[model.RunStatusRunning])
	assert.Equal(t, 1, stats.Counts[model.RunStatusQueued])
	assert.Zero(t, stats.Counts[model.RunStatusFailed])
	assert.Equal(t, 20*time.Second, stats.AvgWait)
	assert.Equal(t, 90*time.Second, stats.AvgExecution)
}

func TestCleanupOldRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	mk := func(age time.Duration) *model.Run {
		r := storetest.Run(t, f.st, "acme", model.RunStatusRunning)
		done := time.Now().UTC().Add(-age)
		require.NoError(t, f.st.UpdateRunStatus(ctx, r.ID, model.RunStatusCompleted, &model.RunUpdate{CompletedAt: &done}))
		require.NoError(t, f.st.SaveNBResult(ctx, &model.NBResult{RunID: r.ID, StepCode: "NB1", Status: model.NBStatusCompleted}))
		require.NoError(t, f.st.InsertTelemetry(ctx, &model.TelemetryEntry{RunID: r.ID, MetricKey: model.MetricNBTokens, Value: 1}))
		return r
	}
	old := mk(100 * 24 * time.Hour)
	recent := mk(10 * 24 * time.Hour)
	failed := storetest.Run(t, f.st, "acme", model.RunStatusFailed)

	n, err := f.q.CleanupOldRuns(ctx, 90)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, model.RunStatusArchived, f.status(t, old.ID))
	assert.Equal(t, model.RunStatusCompleted, f.status(t, recent.ID))
	assert.Equal(t, model.RunStatusFailed, f.status(t, failed.ID))

	results, err := f.st.ListNBResults(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
	tel, err := f.st.ListTelemetry(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, tel)

	results, err = f.st.ListNBResults(ctx, recent.ID)
	require.NoError(t, err)
	assert.Len(t, results, 1)

	n, err = f.q.CleanupOldRuns(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, Options{}.Validate())
	assert.NoError(t, Options{Steps: []string{"NB1", "NB15"}}.Validate())
	assert.Error(t, Options{Steps: []string{"nb1"}}.Validate())
	assert.Error(t, Options{Steps: []string{"NB3", "NB3"}}.Validate())
}
