package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
	"github.com/ramiqadoumi/go-part-flow/internal/pipeline"
	"github.com/ramiqadoumi/go-part-flow/internal/queue"
	"github.com/ramiqadoumi/go-part-flow/internal/ratelimit"
	"github.com/ramiqadoumi/go-part-flow/pkg/telemetry"
)

// rateKey is shared by every worker process so the start budget is global
// when the limiter is backed by Redis.
const rateKey = "job-starts"

// Runner executes one attempt of a job.
type Runner interface {
	Run(ctx context.Context, job *domain.Job, report pipeline.Reporter) (string, error)
}

// EventSink receives lifecycle events. Delivery is best effort.
type EventSink interface {
	Emit(ctx context.Context, ev domain.Event) error
}

// AttemptRecorder stores the outcome of each attempt.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a *domain.Attempt) error
}

// Pool claims jobs from the queue and runs them with bounded concurrency.
type Pool struct {
	queue    queue.Queue
	runner   Runner
	limiter  ratelimit.Limiter
	events   EventSink
	attempts AttemptRecorder
	workerID string
	logger   *slog.Logger

	concurrency       int
	jobTimeout        time.Duration
	pollInterval      time.Duration
	heartbeatInterval time.Duration

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

func WithConcurrency(n int) Option                 { return func(p *Pool) { p.concurrency = n } }
func WithJobTimeout(d time.Duration) Option        { return func(p *Pool) { p.jobTimeout = d } }
func WithPollInterval(d time.Duration) Option      { return func(p *Pool) { p.pollInterval = d } }
func WithHeartbeatInterval(d time.Duration) Option { return func(p *Pool) { p.heartbeatInterval = d } }
func WithLimiter(l ratelimit.Limiter) Option       { return func(p *Pool) { p.limiter = l } }
func WithEvents(s EventSink) Option                { return func(p *Pool) { p.events = s } }
func WithAttemptRecorder(r AttemptRecorder) Option { return func(p *Pool) { p.attempts = r } }
func WithLogger(l *slog.Logger) Option             { return func(p *Pool) { p.logger = l } }

// NewPool constructs a Pool with the given dependencies and options.
func NewPool(workerID string, q queue.Queue, runner Runner, opts ...Option) *Pool {
	p := &Pool{
		queue:             q,
		runner:            runner,
		limiter:           ratelimit.Unlimited{},
		workerID:          workerID,
		logger:            slog.Default(),
		concurrency:       2,
		jobTimeout:        60 * time.Second,
		pollInterval:      500 * time.Millisecond,
		heartbeatInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	return p
}

// Run claims and starts jobs until ctx is cancelled. In-flight jobs are not
// interrupted by ctx; call Wait after Run returns to drain them.
func (p *Pool) Run(ctx context.Context) error {
	slots := make(chan struct{}, p.concurrency)
	for {
		select {
		case <-ctx.Done():
			return nil
		case slots <- struct{}{}:
		}

		job, err := p.next(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("claim failed", slog.String("error", err.Error()))
		}
		if job == nil {
			<-slots
			if !sleep(ctx, p.pollInterval) {
				return nil
			}
			continue
		}

		p.wg.Add(1)
		go func() {
			defer func() {
				<-slots
				p.wg.Done()
			}()
			p.process(job)
		}()
	}
}

// Wait blocks until all in-flight jobs finish. Call after Run returns.
func (p *Pool) Wait() { p.wg.Wait() }

// InFlight reports how many jobs this pool is executing.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// next claims a job if the start budget allows. A budget unit is only spent
// once a job was actually claimed.
func (p *Pool) next(ctx context.Context) (*domain.Job, error) {
	ok, err := p.limiter.Available(ctx, rateKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		telemetry.WorkerRateLimitedTotal.Inc()
		return nil, nil
	}
	job, err := p.queue.Claim(ctx)
	if err != nil || job == nil {
		return nil, err
	}
	if err := p.limiter.Record(ctx, rateKey); err != nil {
		p.logger.Warn("rate limiter record failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
	return job, nil
}

// lease tracks whether the queue still considers this worker the owner of
// the job. The first ownership error cancels the job context.
type lease struct {
	mu     sync.Mutex
	err    error
	cancel context.CancelFunc
}

// observe reports whether err means the job is no longer ours.
func (l *lease) observe(err error) bool {
	var notFound *domain.JobNotFoundError
	var lost *domain.LeaseLostError
	if !errors.As(err, &notFound) && !errors.As(err, &lost) {
		return false
	}
	l.mu.Lock()
	if l.err == nil {
		l.err = err
		l.cancel()
	}
	l.mu.Unlock()
	return true
}

func (l *lease) lostErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (p *Pool) process(job *domain.Job) {
	// Detached from the pool's context so shutdown drains instead of aborting.
	ctx, span := otel.Tracer("worker").Start(context.Background(), "worker.process_job")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.Int("job.attempt", job.Attempts),
		attribute.Int("job.specs", len(job.Payload.Specs)),
		attribute.String("worker.id", p.workerID),
	)

	log := p.logger.With(slog.String("job_id", job.ID), slog.Int("attempt", job.Attempts))

	p.inFlight.Add(1)
	telemetry.WorkerJobsInFlight.Inc()
	defer func() {
		telemetry.WorkerJobsInFlight.Dec()
		p.inFlight.Add(-1)
	}()

	log.Info("job started", slog.Int("specs", len(job.Payload.Specs)), slog.Int("max_attempts", job.MaxAttempts))
	p.emit(ctx, log, domain.Event{Type: domain.EventStarted, JobID: job.ID, Attempt: job.Attempts})

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()
	l := &lease{cancel: cancel}

	stopHeartbeat := p.heartbeat(ctx, job, l, log)
	report := func(pr domain.Progress) {
		if err := p.queue.UpdateProgress(ctx, job.ID, job.Token, pr); err != nil && !l.observe(err) {
			log.Warn("progress update failed", slog.String("step", string(pr.Step)), slog.String("error", err.Error()))
		}
	}

	start := time.Now()
	ref, runErr := p.runner.Run(jobCtx, job, report)
	stopHeartbeat()
	elapsed := time.Since(start)

	if lostErr := l.lostErr(); lostErr != nil {
		p.abandon(ctx, log, job, lostErr, elapsed)
		return
	}

	if runErr == nil {
		if err := p.queue.Complete(ctx, job.ID, job.Token, ref); err != nil {
			if l.observe(err) {
				p.abandon(ctx, log, job, err, elapsed)
				return
			}
			log.Error("failed to mark job completed", slog.String("error", err.Error()))
			span.RecordError(err)
			return
		}
		log.Info("job completed", slog.String("artifact", ref), slog.Int64("duration_ms", elapsed.Milliseconds()))
		p.finish(ctx, log, job, "completed", domain.StatusCompleted, "", elapsed)
		p.emit(ctx, log, domain.Event{Type: domain.EventCompleted, JobID: job.ID, Attempt: job.Attempts, Result: ref})
		return
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, "attempt failed")
	kind := "unknown"
	var execErr *domain.ExecutionError
	if errors.As(runErr, &execErr) {
		kind = string(execErr.Kind)
	}
	telemetry.WorkerFailuresTotal.WithLabelValues(kind).Inc()

	status, err := p.queue.Fail(ctx, job.ID, job.Token, runErr.Error())
	if err != nil {
		if l.observe(err) {
			p.abandon(ctx, log, job, err, elapsed)
			return
		}
		log.Error("failed to record job failure", slog.String("error", err.Error()))
		return
	}

	msg := domain.Truncate(runErr.Error())
	if status == domain.StatusFailed {
		log.Error("job failed, attempts exhausted", slog.String("error", msg), slog.Int64("duration_ms", elapsed.Milliseconds()))
		p.finish(ctx, log, job, "failed", domain.StatusFailed, msg, elapsed)
		p.emit(ctx, log, domain.Event{Type: domain.EventFailed, JobID: job.ID, Attempt: job.Attempts, Error: msg})
		return
	}
	log.Warn("attempt failed, job requeued", slog.String("error", msg), slog.Int64("duration_ms", elapsed.Milliseconds()))
	p.finish(ctx, log, job, "retrying", domain.StatusPending, msg, elapsed)
	p.emit(ctx, log, domain.Event{Type: domain.EventRetrying, JobID: job.ID, Attempt: job.Attempts, Error: msg})
}

// heartbeat refreshes the lease until the returned stop func is called.
func (p *Pool) heartbeat(ctx context.Context, job *domain.Job, l *lease, log *slog.Logger) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(p.heartbeatInterval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				err := p.queue.Heartbeat(ctx, job.ID, job.Token)
				if err == nil {
					continue
				}
				if l.observe(err) {
					return
				}
				log.Warn("heartbeat failed", slog.String("error", err.Error()))
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// abandon handles an attempt whose job was cancelled or re-leased while it
// ran. The queue is not touched: it no longer belongs to this worker.
func (p *Pool) abandon(ctx context.Context, log *slog.Logger, job *domain.Job, cause error, elapsed time.Duration) {
	var notFound *domain.JobNotFoundError
	if errors.As(cause, &notFound) {
		log.Info("job cancelled while running", slog.Int64("duration_ms", elapsed.Milliseconds()))
		p.finish(ctx, log, job, "cancelled", domain.StatusFailed, "cancelled", elapsed)
		p.emit(ctx, log, domain.Event{Type: domain.EventCancelled, JobID: job.ID, Attempt: job.Attempts})
		return
	}
	log.Warn("lease lost, abandoning attempt", slog.String("error", cause.Error()))
	p.finish(ctx, log, job, "lease_lost", domain.StatusStalled, cause.Error(), elapsed)
}

func (p *Pool) finish(ctx context.Context, log *slog.Logger, job *domain.Job, outcome string, status domain.Status, errMsg string, elapsed time.Duration) {
	telemetry.WorkerJobsProcessed.WithLabelValues(outcome).Inc()
	telemetry.WorkerJobDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())

	if p.attempts == nil {
		return
	}
	err := p.attempts.RecordAttempt(ctx, &domain.Attempt{
		JobID:      job.ID,
		WorkerID:   p.workerID,
		Attempt:    job.Attempts,
		Status:     status,
		DurationMs: elapsed.Milliseconds(),
		Error:      errMsg,
		ExecutedAt: time.Now().UTC(),
	})
	if err != nil {
		log.Error("failed to record attempt", slog.String("error", err.Error()))
	}
}

func (p *Pool) emit(ctx context.Context, log *slog.Logger, ev domain.Event) {
	if p.events == nil {
		return
	}
	ev.WorkerID = p.workerID
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	if err := p.events.Emit(ctx, ev); err != nil {
		log.Warn("failed to emit event", slog.String("event", string(ev.Type)), slog.String("error", err.Error()))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
