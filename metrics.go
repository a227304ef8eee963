package main

import (
	"context"
	"log/slog"
	"time"

	"huddle/server/internal/core"
)

// RunMetrics logs relay stats every interval until ctx is canceled.
func RunMetrics(ctx context.Context, state *core.RoomState, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			relayed, bytes, conns := state.Stats()
			if conns > 0 || relayed > 0 {
				slog.Info("relay stats",
					"conns", conns,
					"messages", relayed,
					"bytes", bytes,
					"rate_kbs", float64(bytes)/interval.Seconds()/1024)
			}
		}
	}
}
