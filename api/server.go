package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"batch-gate/pkg/awsbatch"
	"batch-gate/pkg/database"
	"batch-gate/pkg/events"
	"batch-gate/pkg/job"
)

type queueService interface {
	GetJobQueue(ctx context.Context, queue string) (job.Queue, error)
	UpdateJobQueue(ctx context.Context, queue string, state job.QueueState) error
}

const maxAlertBytes = 256 << 10

// jobStore is only available with the Postgres backend.
type jobStore interface {
	GetJob(ctx context.Context, jobID string) (*database.Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, status job.Status, reason string) error
}

// arrivalSink accepts arrival notifications posted to the API.
type arrivalSink interface {
	Accept(ctx context.Context, n job.ArrivalNotification) (map[string]any, error)
}

// alertSink accepts budget alerts posted to the API.
type alertSink interface {
	AcceptAlert(ctx context.Context, alert job.BudgetAlert) (map[string]any, error)
}

type server struct {
	queues   queueService
	jobs     jobStore
	arrivals arrivalSink
	alerts   alertSink
	health   func(ctx context.Context) error
	logger   *slog.Logger
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /queues/{name}", s.handleGetQueue)
	mux.HandleFunc("PUT /queues/{name}/state", s.handleSetQueueState)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/status", s.handleJobStatus)
	mux.HandleFunc("POST /arrivals", s.handleArrival)
	mux.HandleFunc("POST /budget-alerts", s.handleBudgetAlert)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.queues.GetJobQueue(r.Context(), r.PathValue("name"))
	if err != nil {
		s.queueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// handleSetQueueState is the operator path for re-enabling a queue that a
// budget alert disabled.
func (s *server) handleSetQueueState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State job.QueueState `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.State.Valid() {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	name := r.PathValue("name")
	if err := s.queues.UpdateJobQueue(r.Context(), name, body.State); err != nil {
		s.queueError(w, err)
		return
	}
	s.logger.Warn("queue state changed by operator", "queue", name, "state", body.State)
	q, err := s.queues.GetJobQueue(r.Context(), name)
	if err != nil {
		s.queueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *server) queueError(w http.ResponseWriter, err error) {
	if isNotFound(err) {
		http.Error(w, "Queue not found", http.StatusNotFound)
		return
	}
	s.logger.Error("queue request failed", "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "Not implemented for this backend", http.StatusNotImplemented)
		return
	}
	j, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	if errors.Is(err, database.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("failed to get job", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleJobStatus records a status reported by an executor.
func (s *server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "Not implemented for this backend", http.StatusNotImplemented)
		return
	}
	var body struct {
		Status job.Status `json:"status"`
		Reason string     `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Status.Valid() {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id := r.PathValue("id")
	err := s.jobs.UpdateJobStatus(r.Context(), id, body.Status, body.Reason)
	switch {
	case errors.Is(err, database.ErrJobNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	case errors.Is(err, database.ErrStatusTransitionDenied):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error("failed to update job status", "job_id", id, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("job status updated", "job_id", id, "status", body.Status)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleArrival(w http.ResponseWriter, r *http.Request) {
	var buf json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&buf); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	arrivals, err := events.DecodeArrivals(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, n := range arrivals {
		if err := n.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	results := make([]map[string]any, 0, len(arrivals))
	for _, n := range arrivals {
		res, err := s.arrivals.Accept(r.Context(), n)
		if err != nil {
			s.logger.Error("failed to accept arrival", "bucket", n.Bucket, "key", n.Key, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"arrivals": results})
}

// handleBudgetAlert takes the alert text, or an SNS notification wrapping it.
func (s *server) handleBudgetAlert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAlertBytes))
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	alert, err := events.DecodeBudgetAlert(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.alerts.AcceptAlert(r.Context(), alert)
	if err != nil {
		s.logger.Error("failed to accept budget alert", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func isNotFound(err error) bool {
	return errors.Is(err, database.ErrQueueNotFound) || errors.Is(err, awsbatch.ErrQueueNotFound)
}
