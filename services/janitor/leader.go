package janitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Leader decides whether this instance may run maintenance right now.
type Leader interface {
	Acquire(ctx context.Context) bool
}

// Solo is the Leader for a single-process deployment.
type Solo struct{}

func (Solo) Acquire(context.Context) bool { return true }

const (
	leaderKey = "partflow:janitor:leader"
	leaderTTL = 30 * time.Second
)

var renewScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	end
	return 0
`)

// RedisLeader elects one janitor among many with SETNX on a shared key.
type RedisLeader struct {
	client     *redis.Client
	instanceID string
	ttl        time.Duration
	logger     *slog.Logger
}

// NewRedisLeader returns a leader lock owned by instanceID.
func NewRedisLeader(client *redis.Client, instanceID string, logger *slog.Logger) *RedisLeader {
	return &RedisLeader{client: client, instanceID: instanceID, ttl: leaderTTL, logger: logger}
}

// Acquire attempts SETNX; returns true if this instance is the leader.
func (l *RedisLeader) Acquire(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, leaderKey, l.instanceID, l.ttl).Result()
	if err != nil {
		l.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		l.logger.Info("acquired janitor leadership", slog.String("instance_id", l.instanceID))
		return true
	}

	// Renew only if we own it.
	result, err := renewScript.Run(ctx, l.client, []string{leaderKey}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}
