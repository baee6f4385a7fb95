package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/nb-research/internal/cost"
	"github.com/sells-group/nb-research/internal/llm"
	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/nb"
	"github.com/sells-group/nb-research/internal/pipeline"
	"github.com/sells-group/nb-research/internal/queue"
	"github.com/sells-group/nb-research/internal/store"
	"github.com/sells-group/nb-research/internal/store/storetest"
	"github.com/sells-group/nb-research/internal/versioning"
)

type testServer struct {
	st  *store.SQLiteStore
	q   *queue.Queue
	srv *Server
}

func newTestServer(t *testing.T, hardLimit float64) testServer {
	t.Helper()
	st := storetest.New(t)
	storetest.Company(t, st, "acme", "Acme", 2)
	storetest.Company(t, st, "globex", "Globex", 1)

	calc := cost.NewCalculator(cost.DefaultRates())
	eng := versioning.New(st, versioning.Config{})
	est := cost.NewEstimator(calc, eng, cost.EstimatorConfig{
		Model:     "claude-sonnet-4-5-20250929",
		HardLimit: hardLimit,
	})
	exec := pipeline.New(st, llm.NewMock(0), calc, nil, pipeline.Config{})
	q := queue.New(st, est, exec, eng, nil, queue.Config{HardLimit: hardLimit})

	srv := New(Deps{Store: st, Queue: q, Versions: eng, Estimator: est}, Config{CORSOrigins: []string{"https://admin.example"}})
	return testServer{st: st, q: q, srv: srv}
}

func (ts testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 0)
	w := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, 0)
	req := httptest.NewRequest(http.MethodOptions, "/runs", nil)
	req.Header.Set("Origin", "https://admin.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "https://admin.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCreateRun(t *testing.T) {
	ts := newTestServer(t, 0)

	w := ts.do(t, http.MethodPost, "/runs", CreateRunRequest{CompanyID: "acme", TargetCompanyID: "globex", UserID: "u1"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	resp := decode[map[string]string](t, w)
	assert.Equal(t, "queued", resp["status"])
	require.NotEmpty(t, resp["run_id"])

	run, err := ts.st.GetRun(context.Background(), resp["run_id"])
	require.NoError(t, err)
	assert.Equal(t, model.RunModeComparison, run.Mode)
	assert.Equal(t, "u1", run.UserID)
}

func TestCreateRun_Errors(t *testing.T) {
	tests := []struct {
		name      string
		hardLimit float64
		body      any
		want      int
	}{
		{name: "malformed body", body: "not an object", want: http.StatusBadRequest},
		{name: "missing company", body: CreateRunRequest{}, want: http.StatusBadRequest},
		{name: "invalid step", body: CreateRunRequest{CompanyID: "acme", Steps: []string{"NB0"}}, want: http.StatusBadRequest},
		{name: "self comparison", body: CreateRunRequest{CompanyID: "acme", TargetCompanyID: "acme"}, want: http.StatusBadRequest},
		{name: "unknown company", body: CreateRunRequest{CompanyID: "nope"}, want: http.StatusNotFound},
		{name: "over cost limit", hardLimit: 0.01, body: CreateRunRequest{CompanyID: "acme"}, want: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.hardLimit)
			w := ts.do(t, http.MethodPost, "/runs", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[map[string]any](t, w)["error"])

			n, err := ts.st.CountRuns(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestCreateRun_CostLimitBody(t *testing.T) {
	ts := newTestServer(t, 0.01)
	w := ts.do(t, http.MethodPost, "/runs", CreateRunRequest{CompanyID: "acme"})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp struct {
		Limit    float64            `json:"limit"`
		Estimate model.CostEstimate `json:"estimate"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.InDelta(t, 0.01, resp.Limit, 1e-12)
	assert.False(t, resp.Estimate.CanProceed)
	assert.NotEmpty(t, resp.Estimate.Warnings)
}

func TestGetRunAndProgress(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t, 0)

	id, err := ts.q.QueueRun(ctx, "acme", "", "", queue.Options{Steps: []string{"NB1", "NB2"}})
	require.NoError(t, err)
	_, err = ts.q.ExecuteRun(ctx, id)
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/runs/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode[RunDetail](t, w)
	assert.Equal(t, model.RunStatusCompleted, detail.Run.Status)
	assert.Len(t, detail.Results, 2)

	w = ts.do(t, http.MethodGet, "/runs/"+id+"/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[queue.Progress](t, w)
	assert.Equal(t, 2, p.CompletedNBs)
	assert.Equal(t, 2, p.TotalNBs)
	assert.InDelta(t, 100, p.Percentage, 1e-9)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/runs/missing", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/runs/missing/progress", nil).Code)
}

func TestListRuns(t *testing.T) {
	ts := newTestServer(t, 0)
	storetest.Run(t, ts.st, "acme", model.RunStatusQueued)
	storetest.Run(t, ts.st, "acme", model.RunStatusFailed)
	storetest.Run(t, ts.st, "globex", model.RunStatusQueued)

	w := ts.do(t, http.MethodGet, "/runs?status=queued", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Run](t, w), 2)

	w = ts.do(t, http.MethodGet, "/runs?company=acme&status=queued,failed", nil)
	assert.Len(t, decode[[]model.Run](t, w), 2)

	w = ts.do(t, http.MethodGet, "/runs?company=nobody", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/runs?limit=zero", nil).Code)
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t, 0)
	queued := storetest.Run(t, ts.st, "acme", model.RunStatusQueued)
	running := storetest.Run(t, ts.st, "acme", model.RunStatusRunning)

	w := ts.do(t, http.MethodPost, "/runs/"+queued.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["cancelled"])

	w = ts.do(t, http.MethodPost, "/runs/"+running.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "running", decode[map[string]any](t, w)["status"])

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/runs/missing/cancel", nil).Code)
}

func TestStats(t *testing.T) {
	ts := newTestServer(t, 0)
	storetest.Run(t, ts.st, "acme", model.RunStatusQueued)
	storetest.Run(t, ts.st, "acme", model.RunStatusCompleted)

	w := ts.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[queue.Stats](t, w)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Counts[model.RunStatusQueued])
}

func TestHistoryAndDiff(t *testing.T) {
	ts := newTestServer(t, 0)
	r1 := storetest.Run(t, ts.st, "acme", model.RunStatusCompleted)
	r2 := storetest.Run(t, ts.st, "acme", model.RunStatusCompleted)
	s1 := storetest.Snapshot(t, ts.st, r1, 48*time.Hour, map[string]map[string]any{
		"NB1": {"summary": "old", "score": 1.0},
	})
	s2 := storetest.Snapshot(t, ts.st, r2, time.Hour, map[string]map[string]any{
		"NB1": {"summary": "new", "score": 1.0},
	})

	w := ts.do(t, http.MethodGet, "/companies/acme/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[[]model.SnapshotSummary](t, w)
	require.Len(t, hist, 2)
	assert.Equal(t, s2.ID, hist[0].SnapshotID)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/companies/nope/history", nil).Code)

	w = ts.do(t, http.MethodGet, "/diffs?from="+s1.ID+"&to="+s2.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	d := decode[model.Diff](t, w)
	require.Len(t, d.NBDiffs, 1)
	assert.Equal(t, "NB1", d.NBDiffs[0].StepCode)

	// second request is served from the stored pair
	w = ts.do(t, http.MethodGet, "/diffs?from="+s1.ID+"&to="+s2.ID, nil)
	assert.Equal(t, d.ID, decode[model.Diff](t, w).ID)
	n, err := ts.st.CountDiffs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	w = ts.do(t, http.MethodGet, "/diffs?format=text&from="+s1.ID+"&to="+s2.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, w.Body.String(), "NB1")

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/diffs?from="+s1.ID, nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/diffs?from="+s1.ID+"&to="+s1.ID, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/diffs?from="+s1.ID+"&to=missing", nil).Code)
}

func TestEstimate(t *testing.T) {
	ts := newTestServer(t, 0)

	w := ts.do(t, http.MethodGet, "/estimate?company=acme", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	full := decode[model.CostEstimate](t, w)
	assert.True(t, full.CanProceed)
	assert.Len(t, full.Breakdown, nb.StepCount)

	w = ts.do(t, http.MethodGet, "/estimate?company=acme&target=globex&force=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	cmp := decode[model.CostEstimate](t, w)
	assert.True(t, cmp.ForceRefresh)
	assert.Len(t, cmp.Breakdown, 2*nb.StepCount)
	assert.Greater(t, cmp.TotalCost, full.TotalCost)

	w = ts.do(t, http.MethodGet, "/estimate?company=acme&steps=NB1,NB3", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[model.CostEstimate](t, w).Breakdown, 2)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/estimate", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/estimate?company=acme&force=maybe", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/estimate?company=acme&steps=NB99", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/estimate?company=acme&target=nope", nil).Code)
}

func TestSplitList(t *testing.T) {
	assert.Nil(t, splitList(""))
	assert.Equal(t, []string{"NB1", "NB2"}, splitList(" NB1, ,NB2 "))
}
