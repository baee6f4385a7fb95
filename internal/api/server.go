// Package api serves the admin HTTP surface over the run queue, the
// versioning engine, and the cost estimator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/nb-research/internal/cost"
	"github.com/sells-group/nb-research/internal/model"
	"github.com/sells-group/nb-research/internal/queue"
	"github.com/sells-group/nb-research/internal/store"
	"github.com/sells-group/nb-research/internal/versioning"
)

// Deps are the services behind the routes.
type Deps struct {
	Store     store.Store
	Queue     *queue.Queue
	Versions  *versioning.Engine
	Estimator *cost.Estimator
}

// Config tunes the HTTP surface.
type Config struct {
	CORSOrigins []string
}

// Server routes admin requests.
type Server struct {
	deps   Deps
	router chi.Router
}

// New builds the router.
func New(deps Deps, cfg Config) *Server {
	s := &Server{deps: deps}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleCreateRun)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/progress", s.handleRunProgress)
		r.Post("/{id}/cancel", s.handleCancelRun)
	})
	r.Get("/stats", s.handleStats)
	r.Get("/companies/{id}/history", s.handleHistory)
	r.Get("/diffs", s.handleDiff)
	r.Get("/estimate", s.handleEstimate)

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		zap.L().Info("api: listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return eris.Wrap(err, "api: listen")
	case <-ctx.Done():
	}

	zap.L().Info("api: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "api: shutdown")
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps a service error to a status code.
func writeErr(w http.ResponseWriter, err error) {
	var cle *model.CostLimitError
	switch {
	case errors.As(err, &cle):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    cle.Error(),
			"limit":    cle.Limit,
			"estimate": cle.Estimate,
		})
		return
	case errors.Is(err, queue.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, store.ErrNotFound), errors.Is(err, versioning.ErrNotEnoughSnapshots):
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	zap.L().Error("api: request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}
