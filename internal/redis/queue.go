package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
	"github.com/ramiqadoumi/go-part-flow/internal/queue"
)

const keyPrefix = "partflow:"

var (
	readyKey     = keyPrefix + "ready"
	activeKey    = keyPrefix + "active"
	completedKey = keyPrefix + "completed"
	failedKey    = keyPrefix + "failed"
	stalledKey   = keyPrefix + "stalled"
	jobKeyPrefix = keyPrefix + "job:"
)

func jobKey(id string) string { return jobKeyPrefix + id }

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

// Queue is a Redis-backed queue.Queue. Each job is a hash; the ready set is
// scored by ready_at, the active set by last heartbeat, and the terminal sets
// by completion time. Ready jobs that were reclaimed from a stalled attempt
// are also members of the stalled set. Every transition runs as a single Lua
// script.
//
// The scripts derive job keys from ids, so the queue assumes a single Redis
// node (or a hash-tagged cluster slot).
type Queue struct {
	client *redis.Client
	cfg    queue.Config
}

// NewQueue creates a Redis-backed queue.
func NewQueue(client *redis.Client, cfg queue.Config) *Queue {
	return &Queue{client: client, cfg: cfg}
}

var _ queue.Queue = (*Queue)(nil)

func (q *Queue) now() time.Time {
	if q.cfg.Now != nil {
		return q.cfg.Now().UTC()
	}
	return time.Now().UTC()
}

func ms(t time.Time) int64 { return t.UnixMilli() }

var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'id', ARGV[1], 'payload', ARGV[2], 'status', 'pending', 'progress', ARGV[5],
	'attempts', 0, 'max_attempts', ARGV[3], 'created_at', ARGV[4], 'ready_at', ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

func (q *Queue) Enqueue(ctx context.Context, id string, payload domain.Payload, maxAttempts int) (*domain.Job, error) {
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	progress, err := json.Marshal(domain.Progress{Step: domain.StepQueued, Message: "Waiting for a worker"})
	if err != nil {
		return nil, fmt.Errorf("marshal progress: %w", err)
	}
	now := q.now()

	added, err := enqueueScript.Run(ctx, q.client,
		[]string{jobKey(id), readyKey},
		id, data, maxAttempts, ms(now), progress,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("redis enqueue %s: %w", id, err)
	}
	if added == 0 {
		return nil, &domain.SubmissionConflictError{JobID: id}
	}
	return q.Get(ctx, id)
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.Job, error) {
	fields, err := q.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	return decodeJob(fields)
}

// claimScript skips ready ids whose job hash is gone.
var claimScript = redis.NewScript(`
while true do
	local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
	if #ids == 0 then
		return false
	end
	local id = ids[1]
	redis.call('ZREM', KEYS[1], id)
	redis.call('SREM', KEYS[3], id)
	local key = ARGV[2] .. id
	if redis.call('EXISTS', key) == 1 then
		redis.call('HINCRBY', key, 'attempts', 1)
		redis.call('HSET', key, 'status', 'active', 'token', ARGV[3], 'started_at', ARGV[1], 'heartbeat_at', ARGV[1])
		redis.call('ZADD', KEYS[2], ARGV[1], id)
		return redis.call('HGETALL', key)
	end
end
`)

func (q *Queue) Claim(ctx context.Context) (*domain.Job, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{readyKey, activeKey, stalledKey},
		ms(q.now()), jobKeyPrefix, uuid.NewString(),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis claim: %w", err)
	}
	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	return decodeJob(fields)
}

// leaseCheck is shared by every script that requires the caller's lease.
// It leaves `st` holding the job's status.
const leaseCheck = `
local st = redis.call('HMGET', KEYS[1], 'status', 'token')
if not st[1] then
	return {'missing', ''}
end
if st[1] == 'completed' or st[1] == 'failed' then
	return {'terminal', st[1]}
end
if st[1] ~= 'active' or st[2] ~= ARGV[1] then
	return {'lost', st[1]}
end
`

var touchScript = redis.NewScript(leaseCheck + `
redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[2])
if ARGV[3] ~= '' then
	redis.call('HSET', KEYS[1], 'progress', ARGV[3])
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
return {'ok', 'active'}
`)

var completeScript = redis.NewScript(leaseCheck + `
redis.call('HSET', KEYS[1], 'status', 'completed', 'result', ARGV[3], 'error', '', 'token', '', 'completed_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[4])
return {'ok', 'completed'}
`)

// retryOrFail expects KEYS[1]=job, KEYS[2]=active, KEYS[3]=ready,
// KEYS[4]=failed, KEYS[5]=stalled and ARGV now, reason, id, backoff base (ms),
// requeue status at 2..6.
const retryOrFail = `
local attempts = tonumber(redis.call('HGET', KEYS[1], 'attempts'))
local max = tonumber(redis.call('HGET', KEYS[1], 'max_attempts'))
redis.call('HSET', KEYS[1], 'error', ARGV[3], 'token', '')
redis.call('ZREM', KEYS[2], ARGV[4])
if attempts < max then
	local ready = string.format('%d', tonumber(ARGV[2]) + tonumber(ARGV[5]) * 2 ^ (attempts - 1))
	redis.call('HSET', KEYS[1], 'status', ARGV[6], 'ready_at', ready)
	redis.call('ZADD', KEYS[3], ready, ARGV[4])
	if ARGV[6] == 'stalled' then
		redis.call('SADD', KEYS[5], ARGV[4])
	end
	return {'ok', ARGV[6]}
end
redis.call('HSET', KEYS[1], 'status', 'failed', 'completed_at', ARGV[2])
redis.call('ZADD', KEYS[4], ARGV[2], ARGV[4])
return {'ok', 'failed'}
`

var failScript = redis.NewScript(leaseCheck + retryOrFail)

// runLeased executes a lease-checked script and maps its verdict to an error.
// terminalOK turns the "already terminal" verdict into a no-op.
func (q *Queue) runLeased(ctx context.Context, script *redis.Script, id string, keys []string, terminalOK bool, args ...any) (domain.Status, error) {
	res, err := script.Run(ctx, q.client, keys, args...).StringSlice()
	if err != nil {
		return "", fmt.Errorf("redis update job %s: %w", id, err)
	}
	if len(res) != 2 {
		return "", fmt.Errorf("redis update job %s: unexpected reply %v", id, res)
	}
	status := domain.Status(res[1])
	switch res[0] {
	case "ok":
		return status, nil
	case "missing":
		return "", &domain.JobNotFoundError{JobID: id}
	case "terminal":
		if terminalOK {
			return status, nil
		}
	}
	return "", &domain.LeaseLostError{JobID: id, Status: status}
}

func (q *Queue) UpdateProgress(ctx context.Context, id, token string, p domain.Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = q.runLeased(ctx, touchScript, id, []string{jobKey(id), activeKey}, true,
		token, ms(q.now()), data, id)
	return err
}

func (q *Queue) Heartbeat(ctx context.Context, id, token string) error {
	_, err := q.runLeased(ctx, touchScript, id, []string{jobKey(id), activeKey}, false,
		token, ms(q.now()), "", id)
	return err
}

func (q *Queue) Complete(ctx context.Context, id, token, result string) error {
	_, err := q.runLeased(ctx, completeScript, id, []string{jobKey(id), activeKey, completedKey}, false,
		token, ms(q.now()), result, id)
	return err
}

func (q *Queue) Fail(ctx context.Context, id, token, reason string) (domain.Status, error) {
	return q.runLeased(ctx, failScript, id, []string{jobKey(id), activeKey, readyKey, failedKey, stalledKey}, false,
		token, ms(q.now()), domain.Truncate(reason), id, q.cfg.BackoffBase.Milliseconds(), string(domain.StatusPending))
}

var cancelScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if not st then
	return {'missing', ''}
end
if st == 'completed' or st == 'failed' then
	return {'conflict', st}
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
return {'ok', st}
`)

func (q *Queue) Cancel(ctx context.Context, id string) error {
	res, err := cancelScript.Run(ctx, q.client,
		[]string{jobKey(id), readyKey, activeKey, stalledKey}, id,
	).StringSlice()
	if err != nil {
		return fmt.Errorf("redis cancel %s: %w", id, err)
	}
	switch res[0] {
	case "missing":
		return &domain.JobNotFoundError{JobID: id}
	case "conflict":
		return &domain.CancelConflictError{JobID: id, Status: domain.Status(res[1])}
	}
	return nil
}

var reapOneScript = redis.NewScript(`
local hb = redis.call('ZSCORE', KEYS[2], ARGV[4])
if not hb or tonumber(hb) > tonumber(ARGV[1]) then
	return {'skip', ''}
end
if redis.call('HGET', KEYS[1], 'status') ~= 'active' then
	redis.call('ZREM', KEYS[2], ARGV[4])
	return {'skip', ''}
end
` + retryOrFail)

func (q *Queue) ReapStalled(ctx context.Context, window time.Duration) ([]*domain.Job, error) {
	now := q.now()
	cutoff := ms(now.Add(-window))
	reason := queue.StalledReason(window)

	var reaped []*domain.Job
	for {
		ids, err := q.client.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{
			Min: "-inf", Max: strconv.FormatInt(cutoff, 10), Count: 1,
		}).Result()
		if err != nil {
			return reaped, fmt.Errorf("redis scan stalled: %w", err)
		}
		if len(ids) == 0 {
			return reaped, nil
		}
		id := ids[0]
		res, err := reapOneScript.Run(ctx, q.client,
			[]string{jobKey(id), activeKey, readyKey, failedKey, stalledKey},
			cutoff, ms(now), reason, id,
			q.cfg.BackoffBase.Milliseconds(), string(domain.StatusStalled),
		).StringSlice()
		if err != nil {
			return reaped, fmt.Errorf("redis reap %s: %w", id, err)
		}
		if len(res) == 0 || res[0] != "ok" {
			continue
		}
		job, err := q.Get(ctx, id)
		if err != nil {
			return reaped, err
		}
		reaped = append(reaped, job)
	}
}

var pruneScript = redis.NewScript(`
local removed = 0
local function drop(set, ids)
	for _, id in ipairs(ids) do
		redis.call('DEL', ARGV[5] .. id)
		redis.call('ZREM', set, id)
		removed = removed + 1
	end
end
if ARGV[1] ~= '' then
	drop(KEYS[1], redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1]))
end
local max = tonumber(ARGV[2])
if max > 0 then
	local n = redis.call('ZCARD', KEYS[1])
	if n > max then
		drop(KEYS[1], redis.call('ZRANGE', KEYS[1], 0, n - max - 1))
	end
end
if ARGV[3] ~= '' then
	drop(KEYS[2], redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[3]))
end
return removed
`)

func (q *Queue) Prune(ctx context.Context) (int, error) {
	now := q.now()
	cutoff := func(age time.Duration) string {
		if age <= 0 {
			return ""
		}
		// Exclusive of the boundary, like the in-memory queue.
		return "(" + strconv.FormatInt(ms(now.Add(-age)), 10)
	}
	n, err := pruneScript.Run(ctx, q.client,
		[]string{completedKey, failedKey},
		cutoff(q.cfg.CompletedMaxAge), q.cfg.CompletedMaxCount, cutoff(q.cfg.FailedMaxAge), "", jobKeyPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis prune: %w", err)
	}
	return n, nil
}

func (q *Queue) Counts(ctx context.Context) (map[domain.Status]int, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, readyKey)
	active := pipe.ZCard(ctx, activeKey)
	completed := pipe.ZCard(ctx, completedKey)
	failed := pipe.ZCard(ctx, failedKey)
	stalled := pipe.SCard(ctx, stalledKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis counts: %w", err)
	}
	return map[domain.Status]int{
		domain.StatusPending:   int(ready.Val() - stalled.Val()),
		domain.StatusStalled:   int(stalled.Val()),
		domain.StatusActive:    int(active.Val()),
		domain.StatusCompleted: int(completed.Val()),
		domain.StatusFailed:    int(failed.Val()),
	}, nil
}

// decodeJob converts a job hash into a domain.Job.
func decodeJob(f map[string]string) (*domain.Job, error) {
	job := &domain.Job{
		ID:     f["id"],
		Status: domain.Status(f["status"]),
		Result: f["result"],
		Error:  f["error"],
		Token:  f["token"],
	}
	if err := json.Unmarshal([]byte(f["payload"]), &job.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload of %s: %w", job.ID, err)
	}
	if p := f["progress"]; p != "" {
		if err := json.Unmarshal([]byte(p), &job.Progress); err != nil {
			return nil, fmt.Errorf("unmarshal progress of %s: %w", job.ID, err)
		}
	}
	job.Attempts, _ = strconv.Atoi(f["attempts"])
	job.MaxAttempts, _ = strconv.Atoi(f["max_attempts"])
	if t := msTime(f["created_at"]); t != nil {
		job.CreatedAt = *t
	}
	if t := msTime(f["ready_at"]); t != nil {
		job.ReadyAt = *t
	}
	job.StartedAt = msTime(f["started_at"])
	job.HeartbeatAt = msTime(f["heartbeat_at"])
	job.CompletedAt = msTime(f["completed_at"])
	return job, nil
}

func msTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(n).UTC()
	return &t
}
