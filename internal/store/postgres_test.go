package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nb-research/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, company_id, .* FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	started := now.Add(-time.Minute)

	rows := pgxmock.NewRows([]string{"id", "company_id", "target_company_id", "user_id", "mode", "status", "steps",
		"estimated_tokens", "estimated_cost", "actual_tokens", "actual_cost",
		"reused_steps", "reuse_snapshot_id", "target_snapshot_id", "retry_count", "error",
		"created_at", "started_at", "completed_at", "updated_at"}).
		AddRow("r1", "acme", "", "u1", "full", "failed", []byte(`[]`),
			1000, 0.5, 200, 0.1,
			[]byte(`["NB1"]`), "snap-1", "", 2, []byte(`{"kind":"phase_failure","message":"boom","phase":"NB4"}`),
			now, &started, (*time.Time)(nil), now)

	mock.ExpectQuery(`FROM runs WHERE id = \$1`).WithArgs("r1").WillReturnRows(rows)

	r, err := s.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, r.Status)
	assert.Equal(t, []string{"NB1"}, r.ReusedSteps)
	assert.Equal(t, 2, r.RetryCount)
	require.NotNil(t, r.Error)
	assert.Equal(t, "NB4", r.Error.Phase)
	require.NotNil(t, r.StartedAt)
	assert.Nil(t, r.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "acme", "", "u1", "full", "queued", `[]`,
			4200, 1.5, 0, 0.0,
			`[]`, "", "", 0, nil,
			pgxmock.AnyArg(), (*time.Time)(nil), (*time.Time)(nil), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run := &model.Run{CompanyID: "acme", UserID: "u1", EstimatedTokens: 4200, EstimatedCost: 1.5}
	require.NoError(t, s.CreateRun(context.Background(), run))
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status IN \(\$4\)`).
		WithArgs("cancelled", pgxmock.AnyArg(), "r1", "queued").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := s.TransitionRun(context.Background(), "r1",
		[]model.RunStatus{model.RunStatusQueued}, model.RunStatusCancelled, nil)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, updated_at = \$2, started_at = \$3 WHERE id = \$4`).
		WithArgs("running", pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	now := time.Now()
	err := s.UpdateRunStatus(context.Background(), "missing", model.RunStatusRunning, &model.RunUpdate{StartedAt: &now})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveNBResult_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO "nb_results" .* ON CONFLICT \("run_id", "subject", "nb_code"\) DO UPDATE`).
		WithArgs(pgxmock.AnyArg(), "r1", "customer", "NB1", `{"summary":"x"}`, `[]`, "completed",
			100, int64(25), 0.01, false, "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveNBResult(context.Background(), &model.NBResult{
		RunID: "r1", StepCode: "NB1", Payload: map[string]any{"summary": "x"},
		Status: model.NBStatusCompleted, TokensUsed: 100, DurationMs: 25, Cost: 0.01,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LatestCompletedSnapshot_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM snapshots s JOIN runs r ON r.id = s.run_id`).
		WithArgs("acme", "completed", "archived").
		WillReturnError(pgx.ErrNoRows)

	snap, err := s.LatestCompletedSnapshot(context.Background(), "acme")
	require.NoError(t, err)
	assert.Nil(t, snap)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDiff_ExistingPair(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO "diffs" .* ON CONFLICT \("from_snapshot_id", "to_snapshot_id"\) DO NOTHING`).
		WithArgs(pgxmock.AnyArg(), "a", "b", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(`SELECT id, from_snapshot_id, to_snapshot_id, data, created_at FROM diffs`).
		WithArgs("a", "b").
		WillReturnRows(pgxmock.NewRows([]string{"id", "from_snapshot_id", "to_snapshot_id", "data", "created_at"}).
			AddRow("existing", "a", "b", []byte(`[{"nb_code":"NB1","added":{"x":1},"changed":{},"removed":{},"citations":{"added":null,"removed":null}}]`), now))

	d, err := s.CreateDiff(context.Background(), &model.Diff{FromSnapshotID: "a", ToSnapshotID: "b"})
	require.NoError(t, err)
	assert.Equal(t, "existing", d.ID)
	require.Len(t, d.NBDiffs, 1)
	assert.Equal(t, "NB1", d.NBDiffs[0].StepCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertTelemetryBatch_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"telemetry"}, telemetryColumns).WillReturnResult(2)
	mock.ExpectCommit()

	err := s.InsertTelemetryBatch(context.Background(), []model.TelemetryEntry{
		{RunID: "r1", MetricKey: model.MetricNBTokens, Value: 10},
		{MetricKey: model.MetricCostEstimate, Value: 1, Payload: map[string]any{"k": "v"}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertTelemetryBatch_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"telemetry"}, telemetryColumns).WillReturnError(fmt.Errorf("duplicate key"))
	mock.ExpectRollback()

	err := s.InsertTelemetryBatch(context.Background(), []model.TelemetryEntry{
		{RunID: "r1", MetricKey: model.MetricNBTokens, Value: 10},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telemetry batch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ArchiveRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM nb_results WHERE run_id = \$1`).WithArgs("r1").
		WillReturnResult(pgxmock.NewResult("DELETE", 15))
	mock.ExpectExec(`DELETE FROM telemetry WHERE run_id = \$1`).WithArgs("r1").
		WillReturnResult(pgxmock.NewResult("DELETE", 40))
	mock.ExpectExec(`UPDATE runs SET status = \$1`).WithArgs("archived", pgxmock.AnyArg(), "r1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ArchiveRun(context.Background(), "r1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountRunsByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM runs GROUP BY status`).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("queued", 3).
			AddRow("completed", 7))

	counts, err := s.CountRunsByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.RunStatusQueued])
	assert.Equal(t, 7, counts[model.RunStatusCompleted])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS companies`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
