//go:build integration

package redis

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
	"github.com/ramiqadoumi/go-part-flow/internal/queue"
)

var testRedisAddr string

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	redisCtr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		log.Fatalf("start redis container: %v", err)
	}
	defer redisCtr.Terminate(ctx) //nolint:errcheck

	connStr, err := redisCtr.ConnectionString(ctx)
	if err != nil {
		log.Fatalf("redis connection string: %v", err)
	}
	// ConnectionString returns "redis://host:port"; strip the scheme for go-redis Addr.
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")
	return m.Run()
}

// newRedisClient flushes the database on cleanup so tests don't interfere.
func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})
	t.Cleanup(func() {
		client.FlushDB(context.Background()) //nolint:errcheck
		client.Close()                       //nolint:errcheck
	})
	return client
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time      { c.mu.Lock(); defer c.mu.Unlock(); return c.now }
func (c *clock) Add(d time.Duration) { c.mu.Lock(); c.now = c.now.Add(d); c.mu.Unlock() }

func newTestQueue(t *testing.T) (*Queue, *clock) {
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	cfg := queue.DefaultConfig()
	cfg.Now = c.Now
	return NewQueue(newRedisClient(t), cfg), c
}

func TestRedisQueue_Lifecycle(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	created, err := q.Enqueue(ctx, "job-1", benchPayload, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Equal(t, benchPayload, created.Payload)

	_, err = q.Enqueue(ctx, "job-1", benchPayload, 3)
	var conflict *domain.SubmissionConflictError
	require.ErrorAs(t, err, &conflict)

	j, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, domain.StatusActive, j.Status)
	assert.Equal(t, 1, j.Attempts)

	require.NoError(t, q.UpdateProgress(ctx, j.ID, j.Token, domain.Progress{
		Step: domain.StepCompiling, Message: "Compiling", Percentage: 40,
	}))
	require.NoError(t, q.Complete(ctx, j.ID, j.Token, "job-1.stl"))

	got, err := q.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "job-1.stl", got.Result)
	assert.Equal(t, domain.StepCompiling, got.Progress.Step)

	var cancelConflict *domain.CancelConflictError
	require.ErrorAs(t, q.Cancel(ctx, "job-1"), &cancelConflict)
}

func TestRedisQueue_FailBackoffSchedule(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "job-1", benchPayload, 3)
	require.NoError(t, err)

	var delays []time.Duration
	for {
		j, err := q.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)

		failedAt := c.Now()
		status, err := q.Fail(ctx, j.ID, j.Token, "compiler failure: exit status 1")
		require.NoError(t, err)
		if status == domain.StatusFailed {
			break
		}
		got, err := q.Get(ctx, j.ID)
		require.NoError(t, err)
		delays = append(delays, got.ReadyAt.Sub(failedAt))
		c.Add(got.ReadyAt.Sub(failedAt))
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, delays)
}

func TestRedisQueue_ReapStalledAndCancel(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "stuck", benchPayload, 3)
	j, err := q.Claim(ctx)
	require.NoError(t, err)

	c.Add(time.Minute)
	reaped, err := q.ReapStalled(ctx, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, domain.StatusStalled, reaped[0].Status)

	var lost *domain.LeaseLostError
	require.ErrorAs(t, q.Heartbeat(ctx, j.ID, j.Token), &lost)

	require.NoError(t, q.Cancel(ctx, "stuck"))
	_, err = q.Get(ctx, "stuck")
	var notFound *domain.JobNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRedisQueue_CountsStalledSeparately(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "stuck", benchPayload, 3)
	_, err := q.Claim(ctx)
	require.NoError(t, err)
	_, _ = q.Enqueue(ctx, "waiting", benchPayload, 3)

	c.Add(time.Minute)
	_, err = q.ReapStalled(ctx, 30*time.Second)
	require.NoError(t, err)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.StatusStalled])
	assert.Equal(t, 1, counts[domain.StatusPending])
	assert.Equal(t, 0, counts[domain.StatusActive])

	c.Add(time.Minute)
	j, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, "waiting", j.ID, "the waiting job became ready first")
	j, err = q.Claim(ctx)
	require.NoError(t, err)
	require.Equal(t, "stuck", j.ID)

	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[domain.StatusStalled])
	assert.Equal(t, 2, counts[domain.StatusActive])
}

func TestRedisQueue_ClaimSkipsOrphanedReadyEntries(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	// Same ready time, so member order puts the orphan first.
	_, _ = q.Enqueue(ctx, "a-orphan", benchPayload, 3)
	_, _ = q.Enqueue(ctx, "b-live", benchPayload, 3)
	require.NoError(t, q.client.Del(ctx, jobKey("a-orphan")).Err())

	j, err := q.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, j, "a live job behind an orphaned id must still be claimed")
	assert.Equal(t, "b-live", j.ID)

	n, err := q.client.ZCard(ctx, readyKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisQueue_ConcurrentClaims(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := q.Enqueue(ctx, fmt.Sprintf("job-%d", i), benchPayload, 3)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.Claim(ctx)
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestRedisQueue_Prune(t *testing.T) {
	q, c := newTestQueue(t)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "done", benchPayload, 1)
	j, _ := q.Claim(ctx)
	require.NoError(t, q.Complete(ctx, j.ID, j.Token, "done.stl"))

	c.Add(25 * time.Hour)
	n, err := q.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = q.Get(ctx, "done")
	require.Error(t, err)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rl := NewRateLimiter(newRedisClient(t), 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Available(ctx, "starts")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, rl.Record(ctx, "starts"))
	}
	ok, err := rl.Available(ctx, "starts")
	require.NoError(t, err)
	assert.False(t, ok, "third start inside the window is over the limit")
}
