package retry

import (
	"context"
	"fmt"
	"time"
)

// Backoff returns the delay before retry n (0-indexed: n=0 follows the
// first failure). Wait = base × 2ⁿ, without jitter so schedules are
// reproducible.
//
// Schedule with base=2s:
//
//	n=0 → 2s
//	n=1 → 4s
//	n=2 → 8s
func Backoff(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	return base * time.Duration(1<<uint(n))
}

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the base for exponential backoff, see Backoff.
	BaseDelay time.Duration
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Do calls fn up to cfg.MaxAttempts times, sleeping Backoff(BaseDelay, attempt-1)
// between calls. Returns nil on first success, or the last error after all attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// Last attempt: no delay, just return the error.
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		select {
		case <-time.After(Backoff(cfg.BaseDelay, attempt-1)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
