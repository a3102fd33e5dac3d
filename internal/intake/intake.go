// Package intake is the caller-facing side of the job pipeline: it accepts
// submissions, reports status and resolves finished artifacts.
package intake

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
	"github.com/ramiqadoumi/go-part-flow/internal/queue"
	"github.com/ramiqadoumi/go-part-flow/pkg/telemetry"
)

// ErrHistoryDisabled is returned by Attempts when no history store is configured.
var ErrHistoryDisabled = errors.New("attempt history is not enabled")

// ArtifactResolver locates a job's artifact on disk.
type ArtifactResolver interface {
	Resolve(jobID string) (string, error)
}

// AttemptLister reads per-attempt history.
type AttemptLister interface {
	ListAttempts(ctx context.Context, jobID string) ([]*domain.Attempt, error)
}

// JobStatus is the status view returned to callers.
type JobStatus struct {
	ID          string           `json:"id"`
	Status      domain.Status    `json:"status"`
	Attempts    int              `json:"attempts"`
	MaxAttempts int              `json:"maxAttempts"`
	Specs       int              `json:"specs"`
	Progress    *domain.Progress `json:"progress,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Error       string           `json:"error,omitempty"`
	DownloadRef string           `json:"downloadRef,omitempty"`
}

// Service implements submission, status and artifact resolution.
type Service struct {
	queue       queue.Queue
	artifacts   ArtifactResolver
	history     AttemptLister
	maxAttempts int
	newID       func() string
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithMaxAttempts(n int) Option           { return func(s *Service) { s.maxAttempts = n } }
func WithHistory(h AttemptLister) Option     { return func(s *Service) { s.history = h } }
func WithLogger(l *slog.Logger) Option       { return func(s *Service) { s.logger = l } }
func WithIDGenerator(f func() string) Option { return func(s *Service) { s.newID = f } }

// New returns a Service over q and the artifact store.
func New(q queue.Queue, artifacts ArtifactResolver, opts ...Option) *Service {
	s := &Service{
		queue:       q,
		artifacts:   artifacts,
		maxAttempts: queue.DefaultMaxAttempts,
		newID:       uuid.NewString,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates and normalizes reqs and enqueues one job for all of them.
// A single request and a batch of one produce identical jobs.
func (s *Service) Submit(ctx context.Context, reqs []domain.SocketRequest) (*JobStatus, error) {
	payload, err := domain.NewPayload(reqs)
	if err != nil {
		return nil, err
	}

	job, err := s.queue.Enqueue(ctx, s.newID(), payload, s.maxAttempts)
	if err != nil {
		return nil, err
	}

	kind := "single"
	if payload.IsBatch() {
		kind = "batch"
	}
	telemetry.JobsSubmitted.WithLabelValues(kind).Inc()
	s.logger.Info("job submitted",
		slog.String("job_id", job.ID),
		slog.String("kind", kind),
		slog.Int("specs", len(payload.Specs)),
	)
	return statusOf(job), nil
}

// Status returns the caller view of a job. Reads never change state.
func (s *Service) Status(ctx context.Context, id string) (*JobStatus, error) {
	job, err := s.queue.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return statusOf(job), nil
}

// Artifact returns the path of a completed job's artifact. A completed job
// without an artifact is reported as InconsistentStateError.
func (s *Service) Artifact(ctx context.Context, id string) (string, error) {
	job, err := s.queue.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if job.Status != domain.StatusCompleted {
		return "", &domain.ArtifactNotReadyError{JobID: id, Status: mapStatus(job)}
	}

	path, err := s.artifacts.Resolve(id)
	if err != nil {
		var notFound *domain.JobNotFoundError
		if !errors.As(err, &notFound) {
			return "", err
		}
		inconsistent := &domain.InconsistentStateError{JobID: id, Reason: "job completed but no artifact in store"}
		telemetry.InconsistentStateTotal.Inc()
		s.logger.Error("inconsistent job state",
			slog.String("job_id", id),
			slog.String("result", job.Result),
			slog.String("error", inconsistent.Error()),
		)
		return "", inconsistent
	}
	return path, nil
}

// Cancel removes a job that has not reached a terminal state.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if err := s.queue.Cancel(ctx, id); err != nil {
		return err
	}
	s.logger.Info("job cancelled", slog.String("job_id", id))
	return nil
}

// Attempts returns the recorded attempt history of a job.
func (s *Service) Attempts(ctx context.Context, id string) ([]*domain.Attempt, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	return s.history.ListAttempts(ctx, id)
}

// mapStatus hides the stalled state from callers: a stalled job is waiting
// for another attempt, or failed if none are left.
func mapStatus(job *domain.Job) domain.Status {
	if job.Status != domain.StatusStalled {
		return job.Status
	}
	if job.RetriesLeft() {
		return domain.StatusPending
	}
	return domain.StatusFailed
}

func statusOf(job *domain.Job) *JobStatus {
	st := &JobStatus{
		ID:          job.ID,
		Status:      mapStatus(job),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Specs:       len(job.Payload.Specs),
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	switch {
	case job.Progress.Step != "":
		p := job.Progress
		st.Progress = &p
	case st.Status == domain.StatusPending:
		st.Progress = &domain.Progress{Step: domain.StepQueued, Message: "waiting for a worker"}
	}
	if st.Status == domain.StatusCompleted {
		st.DownloadRef = job.Result
	}
	if st.Status == domain.StatusFailed || st.Status == domain.StatusPending {
		st.Error = job.Error
	}
	return st
}
