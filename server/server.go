// Package server exposes the engine over HTTP: transition requests,
// dead-letter inspection and requeue, and a health probe.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	stageflow "github.com/goliatone/go-stageflow"
	"github.com/goliatone/go-stageflow/executor"
	"github.com/goliatone/go-stageflow/store"
	"github.com/goliatone/go-stageflow/transition"
)

// ContextSource resolves the active pipeline configuration for an org.
// config.Snapshot satisfies it.
type ContextSource interface {
	Context(orgID string) stageflow.OrgPipelineContext
}

// HealthSource reports executor health for the probe endpoint.
type HealthSource interface {
	Health() executor.Health
}

// Option customizes the server.
type Option func(*Server)

// WithLogger configures server logging.
func WithLogger(logger stageflow.Logger) Option {
	return func(s *Server) {
		s.logger = stageflow.NormalizeLogger(logger)
	}
}

// WithHealthSource wires the executor health probe into /healthz.
func WithHealthSource(src HealthSource) Option {
	return func(s *Server) {
		s.health = src
	}
}

// Server is the HTTP surface over the coordinator and engine store.
type Server struct {
	coordinator *transition.Coordinator
	store       store.Store
	contexts    ContextSource
	health      HealthSource
	logger      stageflow.Logger
}

// New builds the HTTP surface. The org for each request comes from the
// X-Org-ID header, defaulting to "default" for single-tenant deployments.
func New(coordinator *transition.Coordinator, st store.Store, contexts ContextSource, opts ...Option) *Server {
	s := &Server{
		coordinator: coordinator,
		store:       st,
		contexts:    contexts,
		logger:      stageflow.NormalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router builds the chi router for the server.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Post("/records/{recordID}/transition", s.handleTransition)
	r.Get("/deadletters", s.handleListDeadLetters)
	r.Post("/deadletters/{id}/requeue", s.handleRequeue)
	r.Get("/healthz", s.handleHealthz)
	return r
}

// ListenAndServe runs the HTTP server until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("http server listening on %s", addr)
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type transitionRequest struct {
	TargetStageID string            `json:"target_stage_id"`
	FieldValues   map[string]string `json:"field_values,omitempty"`
}

type errorPayload struct {
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	MissingFields []string `json:"missing_fields,omitempty"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorBody(w, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON", nil)
		return
	}
	if strings.TrimSpace(req.TargetStageID) == "" {
		s.writeErrorBody(w, http.StatusBadRequest, "INVALID_BODY", "target_stage_id is required", nil)
		return
	}

	orgCtx := s.contexts.Context(s.orgID(r))
	if err := s.coordinator.RequestTransition(r.Context(), orgCtx, recordID, req.TargetStageID, req.FieldValues); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	scope := store.DeadLetterScope{
		RecordID: strings.TrimSpace(r.URL.Query().Get("record_id")),
		StageID:  strings.TrimSpace(r.URL.Query().Get("stage_id")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeErrorBody(w, http.StatusBadRequest, "INVALID_QUERY", "limit must be a non-negative integer", nil)
			return
		}
		scope.Limit = limit
	}

	entries, err := s.store.ListDeadLetters(r.Context(), scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type deadLetter struct {
		ID        string                  `json:"id"`
		Request   stageflow.ActionRequest `json:"request"`
		Attempts  int                     `json:"attempts"`
		LastError string                  `json:"last_error,omitempty"`
		CreatedAt time.Time               `json:"created_at"`
	}
	out := make([]deadLetter, 0, len(entries))
	for _, entry := range entries {
		out = append(out, deadLetter{
			ID:        entry.ID,
			Request:   entry.Request,
			Attempts:  entry.Attempts,
			LastError: entry.LastError,
			CreatedAt: entry.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dead_letters": out})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeErrorBody(w, http.StatusNotFound, "DEAD_LETTER_NOT_FOUND", "dead letter entry not found", nil)
			return
		}
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"healthy": true})
		return
	}
	health := s.health.Health()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"healthy": health.Healthy,
		"reason":  health.Reason,
		"worker":  health.Status.WorkerID,
		"state":   string(health.Status.State),
	})
}

func (s *Server) orgID(r *http.Request) string {
	if org := strings.TrimSpace(r.Header.Get("X-Org-ID")); org != "" {
		return org
	}
	return "default"
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := stageflow.ErrorCode(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed: %v", err)
	}
	s.writeErrorBody(w, status, code, err.Error(), stageflow.MissingFields(err))
}

func (s *Server) writeErrorBody(w http.ResponseWriter, status int, code, message string, missing []string) {
	if code == "" {
		code = "INTERNAL"
	}
	s.writeJSON(w, status, errorEnvelope{Error: errorPayload{
		Code:          code,
		Message:       message,
		MissingFields: missing,
	}})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("write response: %v", err)
	}
}

func statusForCode(code string) int {
	switch code {
	case stageflow.ErrCodeRequiredFieldMissing:
		return http.StatusBadRequest
	case stageflow.ErrCodeInvalidStageForPipeline, stageflow.ErrCodeStageConflict:
		return http.StatusConflict
	case stageflow.ErrCodeRecordNotFound, stageflow.ErrCodeStageNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
