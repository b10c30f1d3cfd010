package nonce

import (
	"context"
	"log/slog"
	"time"
)

// RunPruner calls s.Prune every interval until ctx is done. Errors are logged
// and the loop continues.
func RunPruner(ctx context.Context, s Store, interval time.Duration, now func() time.Time, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Prune(ctx, now())
			if err != nil {
				logger.Warn("nonce prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned nonces", "count", n)
			}
		}
	}
}
