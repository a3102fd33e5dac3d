// Package queue holds the job queue: the single source of truth for what
// state a job is in. Claim is the only way a job becomes active, so it is the
// serialization point that keeps one lease per job id.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
)

// Queue is a durable, ordered store of jobs.
type Queue interface {
	// Enqueue adds a pending job. Returns SubmissionConflictError if id exists.
	Enqueue(ctx context.Context, id string, payload domain.Payload, maxAttempts int) (*domain.Job, error)
	// Get returns a snapshot of the job or JobNotFoundError.
	Get(ctx context.Context, id string) (*domain.Job, error)
	// Claim leases the next ready job. Returns (nil, nil) when nothing is ready.
	Claim(ctx context.Context) (*domain.Job, error)
	// UpdateProgress overwrites progress and refreshes the heartbeat.
	// It is a no-op for terminal jobs.
	UpdateProgress(ctx context.Context, id, token string, p domain.Progress) error
	// Heartbeat proves the lease holder is alive.
	Heartbeat(ctx context.Context, id, token string) error
	// Complete records the artifact reference and makes the job terminal.
	Complete(ctx context.Context, id, token, result string) error
	// Fail records reason and either requeues the job with backoff or, once
	// attempts are exhausted, makes it terminal. Returns the resulting status.
	Fail(ctx context.Context, id, token, reason string) (domain.Status, error)
	// Cancel removes a non-terminal job. Returns CancelConflictError for
	// terminal jobs.
	Cancel(ctx context.Context, id string) error
	// ReapStalled requeues (or fails) active jobs whose heartbeat is older
	// than window and returns them.
	ReapStalled(ctx context.Context, window time.Duration) ([]*domain.Job, error)
	// Prune applies the retention policy and returns how many jobs it dropped.
	Prune(ctx context.Context) (int, error)
	// Counts returns the number of jobs per status.
	Counts(ctx context.Context) (map[domain.Status]int, error)
}

// Config is the retry and retention policy shared by every backend.
type Config struct {
	// BackoffBase is the delay before the first retry; it doubles per retry.
	BackoffBase time.Duration
	// CompletedMaxAge and CompletedMaxCount bound how long successes stay queryable.
	CompletedMaxAge   time.Duration
	CompletedMaxCount int
	// FailedMaxAge bounds how long failures stay queryable for diagnosis.
	FailedMaxAge time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		BackoffBase:       2 * time.Second,
		CompletedMaxAge:   24 * time.Hour,
		CompletedMaxCount: 1000,
		FailedMaxAge:      7 * 24 * time.Hour,
	}
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

// DefaultMaxAttempts is used when Enqueue is given a non-positive cap.
const DefaultMaxAttempts = 3

// MinHeartbeatsPerWindow is how many heartbeats a healthy attempt must fit
// inside the stall window.
const MinHeartbeatsPerWindow = 3

// CheckHeartbeat rejects a heartbeat interval too close to the stall window,
// which would get healthy attempts reaped.
func CheckHeartbeat(heartbeat, stallWindow time.Duration) error {
	if heartbeat <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %s", heartbeat)
	}
	if stallWindow < MinHeartbeatsPerWindow*heartbeat {
		return fmt.Errorf("stall_window %s must be at least %d x heartbeat_interval %s",
			stallWindow, MinHeartbeatsPerWindow, heartbeat)
	}
	return nil
}

// StalledReason is the error recorded on a job reaped for missing heartbeats.
func StalledReason(window time.Duration) string {
	return "job stalled: no heartbeat within " + window.String()
}
