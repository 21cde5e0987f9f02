package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"openeo-job-tracker/internal/models"
	"openeo-job-tracker/internal/registry"
	"openeo-job-tracker/internal/telemetry"
)

// JobReader is the read-only registry access the operational API needs.
type JobReader interface {
	GetJob(ctx context.Context, jobID, userID string) (models.JobRecord, error)
}

// Server exposes the tracker's operational HTTP surface in daemon mode:
// health, metrics and read-only job lookup. Job submission lives elsewhere.
type Server struct {
	log  *zap.Logger
	jobs JobReader
}

// New constructs the operational API server.
func New(log *zap.Logger, jobs JobReader) *Server {
	return &Server{log: log, jobs: jobs}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/jobs/{userID}/{jobID}", s.handleGetJob)
	return r
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	userID := chi.URLParam(r, "userID")

	job, err := s.jobs.GetJob(r.Context(), jobID, userID)
	if errors.Is(err, registry.ErrJobNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		s.log.Error("job lookup failed",
			zap.String("job_id", jobID), zap.String("user_id", userID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
