package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-part-flow/pkg/retry"
)

// Connect creates a client for addr and waits until Redis answers PING,
// retrying with backoff so services can start before Redis is ready.
func Connect(ctx context.Context, addr string, logger *slog.Logger) (*redis.Client, error) {
	client := NewClient(addr)
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 6,
		BaseDelay:   250 * time.Millisecond,
		OnRetry: func(attempt int, err error) {
			logger.Warn("redis not ready, retrying",
				slog.String("addr", addr),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return client, nil
}
