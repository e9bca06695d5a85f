package relay

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper periodically evicts closed connections and deactivates
// presence records not refreshed within staleAfter. It blocks until ctx
// is done.
func RunSweeper(ctx context.Context, h *Hub, interval, staleAfter time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Presence sweeper started", "interval", interval, "stale_after", staleAfter)

	for {
		select {
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, interval)
			if err := h.Sweep(sweepCtx, staleAfter); err != nil {
				slog.Error("Presence sweep failed", "error", err)
			}
			cancel()
		case <-ctx.Done():
			slog.Info("Presence sweeper shutting down", "reason", ctx.Err())
			return
		}
	}
}
