package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
	"github.com/ramiqadoumi/go-part-flow/pkg/retry"
)

// AttemptRepository stores the per-attempt history of jobs. The queue only
// keeps the last error; this table keeps every attempt for auditing.
type AttemptRepository interface {
	RecordAttempt(ctx context.Context, a *domain.Attempt) error
	ListAttempts(ctx context.Context, jobID string) ([]*domain.Attempt, error)
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the AttemptRepository interface.
func NewRepository(pool *pgxpool.Pool) AttemptRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity, retrying the ping
// with backoff while the database starts.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	err = retry.Do(ctx, retry.Config{MaxAttempts: 5, BaseDelay: 250 * time.Millisecond}, func() error {
		return pool.Ping(ctx)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *repository) RecordAttempt(ctx context.Context, a *domain.Attempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.ExecutedAt.IsZero() {
		a.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO job_attempts
			(id, job_id, worker_id, attempt, status, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		a.ID, a.JobID, a.WorkerID, a.Attempt,
		string(a.Status), a.DurationMs, a.Error, a.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt %d for job %s: %w", a.Attempt, a.JobID, err)
	}
	return nil
}

func (r *repository) ListAttempts(ctx context.Context, jobID string) ([]*domain.Attempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, worker_id, attempt, status, duration_ms, error, executed_at
		FROM job_attempts
		WHERE job_id = $1
		ORDER BY attempt ASC, executed_at ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for job %s: %w", jobID, err)
	}
	defer rows.Close()

	var attempts []*domain.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// PruneBefore deletes attempts executed before cutoff.
func (r *repository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM job_attempts WHERE executed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanAttempt reads an attempt row from any pgx row type.
func scanAttempt(row interface {
	Scan(...any) error
}) (*domain.Attempt, error) {
	var a domain.Attempt
	var status string
	var errMsg *string
	if err := row.Scan(
		&a.ID, &a.JobID, &a.WorkerID, &a.Attempt,
		&status, &a.DurationMs, &errMsg, &a.ExecutedAt,
	); err != nil {
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	a.Status = domain.Status(status)
	if errMsg != nil {
		a.Error = *errMsg
	}
	return &a, nil
}
