package worker

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper removes abandoned attempt workspaces.
type Sweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

// RunSweeper sweeps once immediately and then every interval until ctx is
// cancelled.
func RunSweeper(ctx context.Context, s Sweeper, maxAge, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := s.Sweep(maxAge)
		if err != nil {
			logger.Warn("workspace sweep failed", slog.String("error", err.Error()))
		} else if n > 0 {
			logger.Info("abandoned workspaces removed", slog.Int("count", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
