package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"media-worker/internal/config"
	"media-worker/internal/models"
	"media-worker/internal/registry"
	"media-worker/internal/store"
	"media-worker/internal/telemetry"
)

// JobStore is the persistence surface the API needs.
type JobStore interface {
	CreateJob(ctx context.Context, job models.Job) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	DeleteJob(ctx context.Context, id string) error
	RequestCancel(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// JobQueue is the engine surface the API submits to.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, runAt time.Time) error
	Cancel(ctx context.Context, jobID string) error
	DeadLetterPeek(ctx context.Context, count int64) ([]string, error)
}

// Limiter gates submissions per caller.
type Limiter interface {
	Allow(ctx context.Context, caller string) (bool, float64, error)
}

// Server wires HTTP handlers for the job submission API.
type Server struct {
	cfg      config.Config
	store    JobStore
	queue    JobQueue
	limiter  Limiter
	registry *registry.Registry
	validate *validator.Validate
}

func New(cfg config.Config, st JobStore, q JobQueue, limiter Limiter, reg *registry.Registry) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		queue:    q,
		limiter:  limiter,
		registry: reg,
		validate: validator.New(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleSubmit)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Get("/capabilities", s.handleCapabilities)
	r.Get("/deadletter", s.handleDeadLetter)
	return r
}

type submitRequest struct {
	Capability     string               `json:"capability" validate:"required"`
	Inputs         []models.ArtifactRef `json:"inputs" validate:"required,min=1"`
	Params         map[string]any       `json:"params"`
	CallbackURL    string               `json:"callback_url" validate:"required,url"`
	IdempotencyKey string               `json:"idempotency_key"`
	DelaySeconds   int                  `json:"delay_seconds" validate:"gte=0"`
}

type submitResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller := callerFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), caller)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.registry.Has(req.Capability) {
		http.Error(w, fmt.Sprintf("unknown capability %q", req.Capability), http.StatusBadRequest)
		return
	}
	if err := s.registry.Validate(req.Capability, req.Params); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}

	job, idempotent, err := s.store.CreateJob(r.Context(), models.Job{
		ID:             uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		Capability:     req.Capability,
		Inputs:         req.Inputs,
		Params:         req.Params,
		CallbackURL:    req.CallbackURL,
		State:          models.StatePending,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		http.Error(w, "create job failed", http.StatusInternalServerError)
		return
	}

	if !idempotent {
		runAt := time.Now()
		if req.DelaySeconds > 0 {
			runAt = runAt.Add(time.Duration(req.DelaySeconds) * time.Second)
		}
		if err := s.queue.Enqueue(r.Context(), job.ID, runAt); err != nil {
			// Drop the row so the idempotency key is released and a retried
			// submission does not replay a job that was never queued.
			_ = s.store.DeleteJob(r.Context(), job.ID)
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		_ = s.store.AppendAudit(r.Context(), job.ID, "submitted", fmt.Sprintf("capability=%s caller=%s", job.Capability, caller))
		telemetry.JobsSubmitted.Inc()
	}

	writeJSON(w, http.StatusAccepted, submitResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.RequestCancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			http.Error(w, "job already terminal", http.StatusConflict)
			return
		}
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancel_requested", "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": s.registry.Capabilities()})
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DeadLetterPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dead letter queue", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// callerFromRequest identifies the submitter for rate limiting. An API
// key wins over the network address when present.
func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Api-Key"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
