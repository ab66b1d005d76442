// ABOUTME: Periodic liveness sweep that force-closes sessions not heard from recently
// ABOUTME: Closing the session ends its read loop, which runs the normal disconnect cleanup

package gateway

import (
	"context"
	"time"
)

// CloseReasonStale is recorded for sessions evicted by the sweep.
const CloseReasonStale = "stale: no traffic within stale_after"

func (g *Gateway) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(g.config.Sessions.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.sweepStale(ctx, now)
		}
	}
}

// sweepStale closes every session whose last_seen is older than
// sessions.stale_after and returns how many it closed.
func (g *Gateway) sweepStale(ctx context.Context, now time.Time) int {
	stale := g.registry.Stale(now, g.config.Sessions.StaleAfter)
	for _, sess := range stale {
		g.logger.Warn("evicting stale session",
			"agent_id", sess.AgentID,
			"session_id", sess.ID,
			"last_seen", sess.LastSeen(),
		)
		g.metrics.RecordEviction(ctx)
		_ = sess.Close(CloseReasonStale)
	}
	return len(stale)
}
