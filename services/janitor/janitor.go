// Package janitor runs periodic queue maintenance: reclaiming stalled jobs
// and applying retention to jobs, artifacts and attempt history.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
	"github.com/ramiqadoumi/go-part-flow/internal/queue"
	"github.com/ramiqadoumi/go-part-flow/pkg/telemetry"
)

// ArtifactPruner applies artifact retention.
type ArtifactPruner interface {
	Prune() (int, error)
}

// AttemptPruner drops attempt history older than a cutoff.
type AttemptPruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WorkspaceSweeper removes attempt workspaces abandoned by crashed workers.
type WorkspaceSweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

// EventSink receives stalled events.
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event) error
}

// Janitor fires maintenance on cron schedules.
type Janitor struct {
	queue     queue.Queue
	artifacts ArtifactPruner
	attempts  AttemptPruner
	sweeper   WorkspaceSweeper
	leader    Leader
	events    EventSink
	logger    *slog.Logger

	stallWindow   time.Duration
	reapSchedule  string
	pruneSchedule string
	attemptMaxAge time.Duration
	workspaceAge  time.Duration
	now           func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

func WithLeader(l Leader) Option             { return func(j *Janitor) { j.leader = l } }
func WithEvents(s EventSink) Option          { return func(j *Janitor) { j.events = s } }
func WithArtifacts(a ArtifactPruner) Option  { return func(j *Janitor) { j.artifacts = a } }
func WithLogger(l *slog.Logger) Option       { return func(j *Janitor) { j.logger = l } }
func WithStallWindow(d time.Duration) Option { return func(j *Janitor) { j.stallWindow = d } }
func WithReapSchedule(spec string) Option    { return func(j *Janitor) { j.reapSchedule = spec } }
func WithPruneSchedule(spec string) Option   { return func(j *Janitor) { j.pruneSchedule = spec } }
func WithClock(now func() time.Time) Option  { return func(j *Janitor) { j.now = now } }

// WithWorkspaces sweeps attempt workspaces idle for longer than maxAge on
// every prune. Only useful where the janitor shares a disk with workers.
func WithWorkspaces(s WorkspaceSweeper, maxAge time.Duration) Option {
	return func(j *Janitor) {
		j.sweeper = s
		j.workspaceAge = maxAge
	}
}

// WithAttempts enables pruning of attempt history older than maxAge.
func WithAttempts(a AttemptPruner, maxAge time.Duration) Option {
	return func(j *Janitor) {
		j.attempts = a
		j.attemptMaxAge = maxAge
	}
}

// New constructs a Janitor over q.
func New(q queue.Queue, opts ...Option) *Janitor {
	j := &Janitor{
		queue:         q,
		leader:        Solo{},
		logger:        slog.Default(),
		stallWindow:   30 * time.Second,
		reapSchedule:  "@every 10s",
		pruneSchedule: "@every 1m",
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run schedules maintenance and blocks until ctx is cancelled. A run in
// progress is allowed to finish before Run returns.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(j.reapSchedule, func() { j.tick(ctx, "reap", j.Reap) }); err != nil {
		return fmt.Errorf("parse reap schedule %q: %w", j.reapSchedule, err)
	}
	if _, err := c.AddFunc(j.pruneSchedule, func() { j.tick(ctx, "prune", j.Prune) }); err != nil {
		return fmt.Errorf("parse prune schedule %q: %w", j.pruneSchedule, err)
	}

	j.logger.Info("janitor starting",
		slog.String("reap_schedule", j.reapSchedule),
		slog.String("prune_schedule", j.pruneSchedule),
		slog.Duration("stall_window", j.stallWindow),
	)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (j *Janitor) tick(ctx context.Context, name string, fn func(context.Context) error) {
	if ctx.Err() != nil || !j.leader.Acquire(ctx) {
		return
	}
	if err := fn(ctx); err != nil {
		j.logger.Error("maintenance failed", slog.String("task", name), slog.String("error", err.Error()))
	}
}

// Reap reclaims active jobs whose heartbeat is older than the stall window.
func (j *Janitor) Reap(ctx context.Context) error {
	jobs, err := j.queue.ReapStalled(ctx, j.stallWindow)
	if err != nil {
		return fmt.Errorf("reap stalled: %w", err)
	}
	for _, job := range jobs {
		telemetry.JanitorStalledTotal.Inc()
		evType := domain.EventStalled
		if job.Status == domain.StatusFailed {
			evType = domain.EventFailed
		}
		j.logger.Warn("job stalled",
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempts),
			slog.String("status", string(job.Status)),
		)
		if j.events != nil {
			ev := domain.Event{Type: evType, JobID: job.ID, Attempt: job.Attempts, Error: job.Error, At: j.now().UTC()}
			if err := j.events.Emit(ctx, ev); err != nil {
				j.logger.Warn("failed to emit event", slog.String("job_id", job.ID), slog.String("error", err.Error()))
			}
		}
	}
	return nil
}

// Prune applies retention to jobs, artifacts and attempt history, then
// samples queue depth.
func (j *Janitor) Prune(ctx context.Context) error {
	n, err := j.queue.Prune(ctx)
	if err != nil {
		return fmt.Errorf("prune jobs: %w", err)
	}
	telemetry.JanitorPrunedTotal.WithLabelValues("jobs").Add(float64(n))

	var artifacts int
	if j.artifacts != nil {
		artifacts, err = j.artifacts.Prune()
		telemetry.JanitorPrunedTotal.WithLabelValues("artifacts").Add(float64(artifacts))
		if err != nil {
			return fmt.Errorf("prune artifacts: %w", err)
		}
	}

	var attempts int64
	if j.attempts != nil && j.attemptMaxAge > 0 {
		attempts, err = j.attempts.PruneBefore(ctx, j.now().Add(-j.attemptMaxAge))
		if err != nil {
			return fmt.Errorf("prune attempts: %w", err)
		}
		telemetry.JanitorPrunedTotal.WithLabelValues("attempts").Add(float64(attempts))
	}

	var workspaces int
	if j.sweeper != nil && j.workspaceAge > 0 {
		workspaces, err = j.sweeper.Sweep(j.workspaceAge)
		telemetry.JanitorPrunedTotal.WithLabelValues("workspaces").Add(float64(workspaces))
		if err != nil {
			return fmt.Errorf("sweep workspaces: %w", err)
		}
	}

	counts, err := j.queue.Counts(ctx)
	if err != nil {
		return fmt.Errorf("count jobs: %w", err)
	}
	for _, s := range []domain.Status{
		domain.StatusPending, domain.StatusActive, domain.StatusStalled,
		domain.StatusCompleted, domain.StatusFailed,
	} {
		telemetry.QueueDepth.WithLabelValues(string(s)).Set(float64(counts[s]))
	}

	if n > 0 || artifacts > 0 || attempts > 0 || workspaces > 0 {
		j.logger.Info("retention applied",
			slog.Int("jobs", n),
			slog.Int("artifacts", artifacts),
			slog.Int64("attempts", attempts),
			slog.Int("workspaces", workspaces),
		)
	}
	return nil
}
