package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
	"github.com/ramiqadoumi/go-part-flow/pkg/retry"
)

type entry struct {
	job domain.Job
	seq uint64
}

// Memory is an in-process Queue. All mutations go through one mutex, so
// every transition is atomic with respect to every other.
type Memory struct {
	mu   sync.Mutex
	cfg  Config
	jobs map[string]*entry
	seq  uint64
}

// NewMemory returns an empty in-memory queue.
func NewMemory(cfg Config) *Memory {
	return &Memory{cfg: cfg, jobs: make(map[string]*entry)}
}

var _ Queue = (*Memory)(nil)

func (m *Memory) nextSeq() uint64 {
	m.seq++
	return m.seq
}

func snapshot(e *entry) *domain.Job {
	j := e.job
	return &j
}

func (m *Memory) Enqueue(_ context.Context, id string, payload domain.Payload, maxAttempts int) (*domain.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; ok {
		return nil, &domain.SubmissionConflictError{JobID: id}
	}
	now := m.cfg.now()
	e := &entry{
		job: domain.Job{
			ID:          id,
			Payload:     payload,
			Status:      domain.StatusPending,
			Progress:    domain.Progress{Step: domain.StepQueued, Message: "Waiting for a worker"},
			MaxAttempts: maxAttempts,
			CreatedAt:   now,
			ReadyAt:     now,
		},
		seq: m.nextSeq(),
	}
	m.jobs[id] = e
	return snapshot(e), nil
}

func (m *Memory) Get(_ context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	return snapshot(e), nil
}

func (m *Memory) Claim(_ context.Context) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.now()
	var next *entry
	for _, e := range m.jobs {
		if e.job.Status != domain.StatusPending && e.job.Status != domain.StatusStalled {
			continue
		}
		if e.job.ReadyAt.After(now) {
			continue
		}
		if next == nil || e.job.ReadyAt.Before(next.job.ReadyAt) ||
			(e.job.ReadyAt.Equal(next.job.ReadyAt) && e.seq < next.seq) {
			next = e
		}
	}
	if next == nil {
		return nil, nil
	}

	next.job.Status = domain.StatusActive
	next.job.Attempts++
	next.job.Token = uuid.NewString()
	next.job.StartedAt = &now
	next.job.HeartbeatAt = &now
	return snapshot(next), nil
}

// leased returns the entry if token still holds the lease on an active job.
func (m *Memory) leased(id, token string) (*entry, error) {
	e, ok := m.jobs[id]
	if !ok {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	if e.job.Status != domain.StatusActive || e.job.Token != token {
		return nil, &domain.LeaseLostError{JobID: id, Status: e.job.Status}
	}
	return e, nil
}

func (m *Memory) UpdateProgress(_ context.Context, id, token string, p domain.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.jobs[id]; ok && e.job.Status.IsTerminal() {
		return nil
	}
	e, err := m.leased(id, token)
	if err != nil {
		return err
	}
	now := m.cfg.now()
	e.job.Progress = p
	e.job.HeartbeatAt = &now
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.leased(id, token)
	if err != nil {
		return err
	}
	now := m.cfg.now()
	e.job.HeartbeatAt = &now
	return nil
}

func (m *Memory) Complete(_ context.Context, id, token, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.leased(id, token)
	if err != nil {
		return err
	}
	now := m.cfg.now()
	e.job.Status = domain.StatusCompleted
	e.job.Result = result
	e.job.Error = ""
	e.job.Token = ""
	e.job.CompletedAt = &now
	return nil
}

func (m *Memory) Fail(_ context.Context, id, token, reason string) (domain.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.leased(id, token)
	if err != nil {
		return "", err
	}
	m.retryOrFail(e, domain.StatusPending, reason)
	return e.job.Status, nil
}

// retryOrFail applies the retry policy to an active entry. requeued is the
// status a retried job takes: pending after a failure, stalled after a reap.
func (m *Memory) retryOrFail(e *entry, requeued domain.Status, reason string) {
	now := m.cfg.now()
	e.job.Error = domain.Truncate(reason)
	e.job.Token = ""
	if e.job.RetriesLeft() {
		e.job.Status = requeued
		e.job.ReadyAt = now.Add(retry.Backoff(m.cfg.BackoffBase, e.job.Attempts-1))
		e.seq = m.nextSeq()
		return
	}
	e.job.Status = domain.StatusFailed
	e.job.CompletedAt = &now
}

func (m *Memory) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.jobs[id]
	if !ok {
		return &domain.JobNotFoundError{JobID: id}
	}
	if e.job.Status.IsTerminal() {
		return &domain.CancelConflictError{JobID: id, Status: e.job.Status}
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) ReapStalled(_ context.Context, window time.Duration) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.cfg.now().Add(-window)
	var reaped []*domain.Job
	for _, e := range m.jobs {
		if e.job.Status != domain.StatusActive || e.job.HeartbeatAt == nil {
			continue
		}
		if e.job.HeartbeatAt.After(cutoff) {
			continue
		}
		m.retryOrFail(e, domain.StatusStalled, StalledReason(window))
		reaped = append(reaped, snapshot(e))
	}
	return reaped, nil
}

func (m *Memory) Prune(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.cfg.now()
	removed := 0
	var completed []*entry
	for id, e := range m.jobs {
		if e.job.CompletedAt == nil {
			continue
		}
		age := now.Sub(*e.job.CompletedAt)
		switch e.job.Status {
		case domain.StatusCompleted:
			if m.cfg.CompletedMaxAge > 0 && age > m.cfg.CompletedMaxAge {
				delete(m.jobs, id)
				removed++
				continue
			}
			completed = append(completed, e)
		case domain.StatusFailed:
			if m.cfg.FailedMaxAge > 0 && age > m.cfg.FailedMaxAge {
				delete(m.jobs, id)
				removed++
			}
		}
	}

	if m.cfg.CompletedMaxCount > 0 && len(completed) > m.cfg.CompletedMaxCount {
		sort.Slice(completed, func(i, j int) bool {
			return completed[i].job.CompletedAt.Before(*completed[j].job.CompletedAt)
		})
		for _, e := range completed[:len(completed)-m.cfg.CompletedMaxCount] {
			delete(m.jobs, e.job.ID)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Counts(_ context.Context) (map[domain.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[domain.Status]int, 5)
	for _, e := range m.jobs {
		counts[e.job.Status]++
	}
	return counts, nil
}
