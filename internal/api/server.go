// Package api is the minimal management surface over the queue: health
// snapshot, queue statistics, job inspection/cancel, and force cleanup.
// It is a thin delegation layer over Store, Manager, and Supervisor; there
// is no authentication here (handled by an upstream gateway).
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docpipe/docpipe/internal/store"
	"github.com/docpipe/docpipe/internal/supervisor"
	"github.com/docpipe/docpipe/internal/worker"
)

// Server holds the dependencies for the management HTTP layer.
type Server struct {
	store      *store.Store
	manager    *worker.Manager
	supervisor *supervisor.Supervisor
}

// NewServer creates a Server.
func NewServer(st *store.Store, m *worker.Manager, sup *supervisor.Supervisor) *Server {
	return &Server{store: st, manager: m, supervisor: sup}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB body limit; management requests carry no large payloads.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.healthzHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", srv.statusHandler)
	r.Get("/queues", srv.queuesHandler)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", srv.listJobsHandler)
		r.Post("/", srv.enqueueHandler)
		r.Get("/{id}", srv.getJobHandler)
		r.Post("/{id}/cancel", srv.cancelJobHandler)
	})
	r.Post("/maintenance/cleanup", srv.cleanupHandler)

	return r
}

// healthzHandler returns 200 for healthy/degraded and 503 for unhealthy,
// so load balancers only eject a node once nothing on it is running.
func (srv *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := srv.manager.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	code := http.StatusOK
	if snap.Status == worker.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": string(snap.Status)})
}

func (srv *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	snap, err := srv.manager.Health(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (srv *Server) queuesHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.store.QueueStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if stats == nil {
		stats = []store.QueueStat{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (srv *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ListFilter{
		Queue:      q.Get("queue"),
		Status:     store.Status(q.Get("status")),
		JobType:    q.Get("job_type"),
		DocumentID: q.Get("document_id"),
	}
	jobs, err := srv.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []*store.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// enqueueRequest is the POST /jobs body. InputParams is passed through to
// the handler unmodified.
type enqueueRequest struct {
	DocumentID  string          `json:"document_id"`
	UserID      string          `json:"user_id"`
	JobType     string          `json:"job_type"`
	Priority    int             `json:"priority"`
	QueueName   string          `json:"queue_name"`
	MaxAttempts int             `json:"max_attempts"`
	InputParams json.RawMessage `json:"input_params"`
}

func (srv *Server) enqueueHandler(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.JobType == "" {
		writeError(w, http.StatusBadRequest, errors.New("job_type is required"))
		return
	}
	id, err := srv.store.Enqueue(r.Context(), store.EnqueueParams{
		DocumentID:  req.DocumentID,
		UserID:      req.UserID,
		JobType:     req.JobType,
		Priority:    req.Priority,
		QueueName:   req.QueueName,
		MaxAttempts: req.MaxAttempts,
		InputParams: req.InputParams,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id.String()})
}

func (srv *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := srv.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (srv *Server) cancelJobHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cancelled, err := srv.store.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !cancelled {
		// Processing and terminal jobs cannot be cancelled from here.
		writeError(w, http.StatusConflict, errors.New("job is not in a cancellable state"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (srv *Server) cleanupHandler(w http.ResponseWriter, r *http.Request) {
	srv.supervisor.Sweep(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
