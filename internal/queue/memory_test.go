package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestQueue(clock *fakeClock) *Memory {
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	return NewMemory(cfg)
}

func onePayload() domain.Payload {
	return domain.Payload{Specs: []domain.GeometrySpec{{
		Orientation:     domain.OrientationVertical,
		OuterDiameterMM: 17.5,
		IsMetric:        true,
		NominalMetric:   10,
		LabelPosition:   "topMid",
	}}}
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestMemory_Enqueue_DuplicateIsConflict(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", onePayload(), 3)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, "job-1", onePayload(), 3)
	var conflict *domain.SubmissionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "job-1", conflict.JobID)
}

func TestMemory_Get_NotFound(t *testing.T) {
	q := newTestQueue(newFakeClock())
	_, err := q.Get(context.Background(), "missing")
	var notFound *domain.JobNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestMemory_Claim_FIFOAmongReady(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := q.Enqueue(ctx, fmt.Sprintf("job-%d", i), onePayload(), 3)
		require.NoError(t, err)
	}

	for i := 1; i <= 3; i++ {
		j, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)
		assert.Equal(t, fmt.Sprintf("job-%d", i), j.ID)
		assert.Equal(t, domain.StatusActive, j.Status)
		assert.Equal(t, 1, j.Attempts)
		assert.NotEmpty(t, j.Token)
	}

	j, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, j, "nothing left to claim")
}

func TestMemory_Lifecycle_Completed(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", onePayload(), 3)
	require.NoError(t, err)
	j, err := q.Claim(ctx)
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(ctx, j.ID, j.Token, domain.Progress{
		Step: domain.StepCompiling, Message: "Compiling spec 1 of 1", Percentage: 40,
	}))
	got, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompiling, got.Progress.Step)

	require.NoError(t, q.Complete(ctx, j.ID, j.Token, "job-1.stl"))

	first, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, first.Status)
	assert.Equal(t, "job-1.stl", first.Result)
	require.NotNil(t, first.CompletedAt)

	// Repeated reads of a terminal job are identical.
	second, err := q.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Progress writes after completion are ignored.
	require.NoError(t, q.UpdateProgress(ctx, j.ID, j.Token, domain.Progress{Step: domain.StepCompiling}))
	third, _ := q.Get(ctx, j.ID)
	assert.Equal(t, first.Progress, third.Progress)
}

func TestMemory_Fail_RetriesWithExponentialBackoff(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", onePayload(), 3)
	require.NoError(t, err)

	var delays []time.Duration
	var finalStatus domain.Status
	for attempt := 1; ; attempt++ {
		j, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d should be claimable", attempt)
		assert.Equal(t, attempt, j.Attempts)

		failedAt := clock.Now()
		status, err := q.Fail(ctx, j.ID, j.Token, "compiler failure: spec 0: exit status 1")
		require.NoError(t, err)
		finalStatus = status
		if status == domain.StatusFailed {
			break
		}
		require.Equal(t, domain.StatusPending, status)

		got, err := q.Get(ctx, j.ID)
		require.NoError(t, err)
		delay := got.ReadyAt.Sub(failedAt)
		delays = append(delays, delay)

		// Not claimable until the backoff elapses.
		clock.Advance(delay - time.Millisecond)
		early, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Nil(t, early)
		clock.Advance(time.Millisecond)
	}

	assert.Equal(t, domain.StatusFailed, finalStatus)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays,
		"cap=3 means exactly two retries on a 2s doubling schedule")

	got, err := q.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "compiler failure: spec 0: exit status 1", got.Error)
}

func TestMemory_RetriedJobSortsBehindFreshJobs(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "old", onePayload(), 3)
	j, _ := q.Claim(ctx)
	_, err := q.Fail(ctx, j.ID, j.Token, "boom")
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, _ = q.Enqueue(ctx, "fresh", onePayload(), 3)
	clock.Advance(time.Hour)

	next, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fresh", next.ID)
}

func TestMemory_StaleTokenIsRejected(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "job-1", onePayload(), 3)
	j, _ := q.Claim(ctx)

	err := q.Complete(ctx, j.ID, "not-the-token", "job-1.stl")
	var lost *domain.LeaseLostError
	require.ErrorAs(t, err, &lost)

	err = q.Heartbeat(ctx, j.ID, "not-the-token")
	require.ErrorAs(t, err, &lost)
}

func TestMemory_Cancel(t *testing.T) {
	q := newTestQueue(newFakeClock())
	ctx := context.Background()

	t.Run("pending job is removed", func(t *testing.T) {
		_, _ = q.Enqueue(ctx, "pending", onePayload(), 3)
		require.NoError(t, q.Cancel(ctx, "pending"))

		_, err := q.Get(ctx, "pending")
		var notFound *domain.JobNotFoundError
		require.ErrorAs(t, err, &notFound)

		j, err := q.Claim(ctx)
		require.NoError(t, err)
		assert.Nil(t, j, "cancelled job is never claimed")
	})

	t.Run("active job loses its lease", func(t *testing.T) {
		_, _ = q.Enqueue(ctx, "active", onePayload(), 3)
		j, _ := q.Claim(ctx)
		require.NoError(t, q.Cancel(ctx, "active"))

		err := q.Heartbeat(ctx, j.ID, j.Token)
		var notFound *domain.JobNotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("terminal job is a conflict", func(t *testing.T) {
		_, _ = q.Enqueue(ctx, "done", onePayload(), 3)
		j, _ := q.Claim(ctx)
		require.NoError(t, q.Complete(ctx, j.ID, j.Token, "done.stl"))

		err := q.Cancel(ctx, "done")
		var conflict *domain.CancelConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, domain.StatusCompleted, conflict.Status)
	})

	t.Run("unknown job", func(t *testing.T) {
		var notFound *domain.JobNotFoundError
		require.ErrorAs(t, q.Cancel(ctx, "nope"), &notFound)
	})
}

func TestMemory_ReapStalled(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(clock)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "job-1", onePayload(), 2)
	j, _ := q.Claim(ctx)

	clock.Advance(10 * time.Second)
	reaped, err := q.ReapStalled(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Empty(t, reaped, "heartbeat still fresh")

	clock.Advance(30 * time.Second)
	reaped, err = q.ReapStalled(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, domain.StatusStalled, reaped[0].Status)
	assert.Contains(t, reaped[0].Error, "stalled")

	// The dead worker's lease is void.
	var lost *domain.LeaseLostError
	require.ErrorAs(t, q.Complete(ctx, j.ID, j.Token, "job-1.stl"), &lost)

	// Requeued with backoff; second attempt stalls too and exhausts the cap.
	clock.Advance(2 * time.Second)
	again, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 2, again.Attempts)

	clock.Advance(time.Minute)
	reaped, err = q.ReapStalled(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, domain.StatusFailed, reaped[0].Status)
}

func TestMemory_Prune(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{
		BackoffBase:       time.Second,
		CompletedMaxAge:   time.Hour,
		CompletedMaxCount: 2,
		FailedMaxAge:      24 * time.Hour,
		Now:               clock.Now,
	}
	q := NewMemory(cfg)
	ctx := context.Background()

	complete := func(id string) {
		_, err := q.Enqueue(ctx, id, onePayload(), 1)
		require.NoError(t, err)
		j, _ := q.Claim(ctx)
		require.NoError(t, q.Complete(ctx, j.ID, j.Token, id+".stl"))
		clock.Advance(time.Minute)
	}
	complete("c1")
	complete("c2")
	complete("c3")

	_, _ = q.Enqueue(ctx, "f1", onePayload(), 1)
	j, _ := q.Claim(ctx)
	_, err := q.Fail(ctx, j.ID, j.Token, "boom")
	require.NoError(t, err)

	removed, err := q.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed, "count cap drops the oldest completed job")
	_, err = q.Get(ctx, "c1")
	require.Error(t, err)

	clock.Advance(2 * time.Hour)
	removed, err = q.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "age cap drops remaining completed jobs")

	_, err = q.Get(ctx, "f1")
	require.NoError(t, err, "failed jobs are kept longer")

	clock.Advance(24 * time.Hour)
	removed, err = q.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestMemory_ConcurrentClaimsNeverShareAJob(t *testing.T) {
	q := NewMemory(DefaultConfig())
	ctx := context.Background()

	const jobs = 200
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, fmt.Sprintf("job-%d", i), onePayload(), 3)
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
		total   atomic.Int64
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.Claim(ctx)
				if err != nil || j == nil {
					return
				}
				total.Add(1)
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, jobs, total.Load())
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestMemory_ConcurrentDuplicateSubmissions(t *testing.T) {
	q := NewMemory(DefaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	var accepted, conflicts atomic.Int64
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := q.Enqueue(ctx, "same-id", onePayload(), 3)
			var conflict *domain.SubmissionConflictError
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.As(err, &conflict):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, accepted.Load())
	assert.EqualValues(t, 15, conflicts.Load())
}

func TestCheckHeartbeat(t *testing.T) {
	assert.NoError(t, CheckHeartbeat(5*time.Second, 15*time.Second))
	assert.Error(t, CheckHeartbeat(5*time.Second, 14*time.Second))
	assert.Error(t, CheckHeartbeat(0, time.Minute))
}
