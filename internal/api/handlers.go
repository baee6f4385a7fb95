package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/nb-research/internal/cost"
	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/queue"
	"github.com/sells-group/nb-research/internal/store"
	"github.com/sells-group/nb-research/internal/versioning"
)

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	CompanyID       string   `json:"company_id"`
	TargetCompanyID string   `json:"target_company_id,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	ForceRefresh    bool     `json:"force_refresh,omitempty"`
	Steps           []string `json:"steps,omitempty"`
}

// RunDetail is the body of GET /runs/{id}.
type RunDetail struct {
	Run     *model.Run       `json:"run"`
	Results []model.NBResult `json:"results"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CompanyID == "" {
		writeError(w, http.StatusBadRequest, "company_id is required")
		return
	}

	id, err := s.deps.Queue.QueueRun(r.Context(), req.CompanyID, req.TargetCompanyID, req.UserID, queue.Options{
		ForceRefresh: req.ForceRefresh,
		Steps:        req.Steps,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": id,
		"status": string(model.RunStatusQueued),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{CompanyID: q.Get("company")}
	for _, st := range splitList(q.Get("status")) {
		filter.Status = append(filter.Status, model.RunStatus(st))
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	results, err := s.deps.Store.ListNBResults(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if results == nil {
		results = []model.NBResult{}
	}
	writeJSON(w, http.StatusOK, RunDetail{Run: run, Results: results})
}

func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Queue.GetRunProgress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.deps.Queue.CancelRun(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if ok {
		writeJSON(w, http.StatusOK, map[string]any{"run_id": id, "cancelled": true})
		return
	}

	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusConflict, map[string]any{
		"run_id":    id,
		"cancelled": false,
		"status":    run.Status,
		"error":     "only queued runs can be cancelled",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Queue.GetQueueStats(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Store.GetCompany(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	hist, err := s.deps.Versions.GetHistory(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hist)
}

// handleDiff serves GET /diffs?from=&to=. format=text returns the
// plain-text rendering.
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	if from == to {
		writeError(w, http.StatusBadRequest, "from and to must differ")
		return
	}

	d, err := s.deps.Versions.GetOrCreateDiff(r.Context(), from, to)
	if err != nil {
		writeErr(w, err)
		return
	}
	if q.Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(versioning.FormatDiffDisplay(*d)))
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := cost.EstimateRequest{
		CompanyID: q.Get("company"),
		TargetID:  q.Get("target"),
		Steps:     splitList(q.Get("steps")),
	}
	if req.CompanyID == "" {
		writeError(w, http.StatusBadRequest, "company is required")
		return
	}
	if v := q.Get("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
		req.ForceRefresh = force
	}
	if err := (queue.Options{Steps: req.Steps}).Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, id := range []string{req.CompanyID, req.TargetID} {
		if id == "" {
			continue
		}
		if _, err := s.deps.Store.GetCompany(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
	}

	est, err := s.deps.Estimator.Estimate(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
