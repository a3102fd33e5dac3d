package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
	"github.com/ramiqadoumi/go-part-flow/internal/intake"
)

// Jobs is the intake surface the REST handler drives.
type Jobs interface {
	Submit(ctx context.Context, reqs []domain.SocketRequest) (*intake.JobStatus, error)
	Status(ctx context.Context, id string) (*intake.JobStatus, error)
	Artifact(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) error
	Attempts(ctx context.Context, id string) ([]*domain.Attempt, error)
}

// ReadyFunc reports whether the backing stores are reachable.
type ReadyFunc func(ctx context.Context) error

// REST handles HTTP requests for the API Gateway.
type REST struct {
	jobs   Jobs
	ready  ReadyFunc
	logger *slog.Logger
}

// NewREST creates a new REST handler. A nil ready func always reports ready.
func NewREST(jobs Jobs, ready ReadyFunc, logger *slog.Logger) *REST {
	if ready == nil {
		ready = func(context.Context) error { return nil }
	}
	return &REST{jobs: jobs, ready: ready, logger: logger}
}

// Routes mounts the job API under /api/v1 plus the health endpoints.
func (h *REST) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1/jobs", func(r chi.Router) {
		r.Post("/", h.SubmitJob)
		r.Post("/batch", h.SubmitBatch)
		r.Get("/{id}", h.GetJobStatus)
		r.Delete("/{id}", h.CancelJob)
		r.Get("/{id}/download", h.DownloadArtifact)
		r.Get("/{id}/attempts", h.ListAttempts)
	})
}

// BatchRequest is the JSON body for POST /api/v1/jobs/batch.
type BatchRequest struct {
	Specs []domain.SocketRequest `json:"specs"`
}

// AttemptsResponse is the GET /jobs/{id}/attempts response body.
type AttemptsResponse struct {
	JobID    string            `json:"jobId"`
	Attempts []*domain.Attempt `json:"attempts"`
}

// SubmitJob handles POST /api/v1/jobs with a single socket spec.
func (h *REST) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req domain.SocketRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.submit(w, r, []domain.SocketRequest{req})
}

// SubmitBatch handles POST /api/v1/jobs/batch.
func (h *REST) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.submit(w, r, req.Specs)
}

func (h *REST) submit(w http.ResponseWriter, r *http.Request, reqs []domain.SocketRequest) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_job")
	defer span.End()
	span.SetAttributes(attribute.Int("job.specs", len(reqs)))

	st, err := h.jobs.Submit(ctx, reqs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		h.fail(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("job.id", st.ID))

	w.Header().Set("Location", "/api/v1/jobs/"+st.ID)
	writeJSON(w, http.StatusAccepted, st)
}

// GetJobStatus handles GET /api/v1/jobs/{id}.
func (h *REST) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// CancelJob handles DELETE /api/v1/jobs/{id}.
func (h *REST) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadArtifact handles GET /api/v1/jobs/{id}/download.
func (h *REST) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	path, err := h.jobs.Artifact(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	ext := filepath.Ext(path)
	switch ext {
	case ".zip":
		w.Header().Set("Content-Type", "application/zip")
	default:
		w.Header().Set("Content-Type", "model/stl")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s%s"`, id, ext))
	http.ServeFile(w, r, path)
}

// ListAttempts handles GET /api/v1/jobs/{id}/attempts.
func (h *REST) ListAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	attempts, err := h.jobs.Attempts(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []*domain.Attempt{}
	}
	writeJSON(w, http.StatusOK, AttemptsResponse{JobID: id, Attempts: attempts})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz handles GET /readyz.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.ready(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *REST) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// fail maps domain errors onto HTTP status codes.
func (h *REST) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound     *domain.JobNotFoundError
		invalid      *domain.InvalidSpecError
		submitClash  *domain.SubmissionConflictError
		cancelClash  *domain.CancelConflictError
		notReady     *domain.ArtifactNotReadyError
		inconsistent *domain.InconsistentStateError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &submitClash), errors.As(err, &cancelClash), errors.As(err, &notReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, intake.ErrHistoryDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
	case errors.As(err, &inconsistent):
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
