package bbs

import (
	"context"
	"log/slog"
	"time"
)

// rxBufTTL is how long an incomplete reassembly buffer may linger before
// the janitor removes it.
const rxBufTTL = 24 * time.Hour

// janitorEvery spaces the housekeeping sweep (stale buffers, DM expiry)
// relative to watchdog ticks.
const janitorEvery = 6

// RunSyncTicker broadcasts the post inventory every sync period while sync
// is enabled. Runs until ctx is done.
func (g *Gateway) RunSyncTicker(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Sync.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if g.syncOn.Load() {
				g.broadcastInventory(g.now())
			}
		}
	}
}

// RunWatchdog reopens the link when receive goes silent for longer than
// the stale threshold, and periodically runs housekeeping. Runs until ctx
// is done.
func (g *Gateway) RunWatchdog(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Link.WatchTick)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := g.now()
			idle := now.Sub(g.LastRX())
			if g.metrics != nil {
				g.metrics.LastRXAge.Set(idle.Seconds())
			}
			if idle > g.cfg.Link.RXStale {
				g.reconnect(ctx, idle)
			}

			tick++
			if tick%janitorEvery == 0 {
				g.housekeep(now)
			}
		}
	}
}

func (g *Gateway) reconnect(ctx context.Context, idle time.Duration) {
	g.logger.Warn("receive stale, reopening link",
		slog.Duration("idle", idle),
		slog.Duration("threshold", g.cfg.Link.RXStale))

	if err := g.link.Reconnect(ctx); err != nil {
		g.logger.Error("link reopen failed", slog.String("error", err.Error()))
		return
	}
	if g.metrics != nil {
		g.metrics.Reconnects.Inc()
	}
	// A fresh link starts a fresh staleness window, and the device may
	// replay frames it heard while the port was down.
	now := g.now()
	g.resetLastRX(now)
	g.armGrace(now)
	g.logger.Info("link reopened")
}

// housekeep clears abandoned reassembly buffers and expires old queued DMs.
func (g *Gateway) housekeep(now time.Time) {
	if n, err := g.store.PurgeStaleRxBufs(now.Add(-rxBufTTL).Unix()); err != nil {
		g.logger.Error("rxbuf purge failed", slog.String("error", err.Error()))
	} else if n > 0 {
		g.logger.Info("purged stale reassembly buffers", slog.Int64("count", n))
	}

	if g.cfg.Board.DMTTLHours > 0 {
		cutoff := now.Add(-time.Duration(g.cfg.Board.DMTTLHours) * time.Hour).Unix()
		n, err := g.store.ExpireDMs(cutoff)
		if err != nil {
			g.logger.Error("dm expiry failed", slog.String("error", err.Error()))
			return
		}
		if n > 0 {
			if g.metrics != nil {
				g.metrics.DMsExpired.Add(float64(n))
			}
			g.logger.Info("expired undelivered dms", slog.Int64("count", n))
		}
	}
}
