package ticker

import (
	"context"
	"log/slog"
	"time"
)

// Periodically runs task at the given interval until ctx is cancelled. Task
// errors are logged and do not stop the loop; background maintenance (idle
// context reclamation, counter flushes) should survive transient failures.
func Periodically(ctx context.Context, interval time.Duration, name string, task func(context.Context) error) {
	log := slog.Default().With("system", "ticker", "task", name)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("stopping periodic task", "err", ctx.Err())
			return
		case <-ticker.C:
			if err := task(ctx); err != nil {
				log.Warn("periodic task failed", "err", err)
			}
		}
	}
}
