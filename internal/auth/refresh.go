package auth

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunRefreshDaemon proactively refreshes OAuth tokens approaching expiry.
// Blocks until ctx is cancelled. Failures are logged and retried on the next
// tick; the token stays in place so clients surface the refresh error.
func (b *Broker) RunRefreshDaemon(ctx context.Context) {
	interval := b.cfg.RefreshInterval.Duration()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.logger.Info(ctx, "refresh daemon started",
		zap.Duration("interval", interval),
		zap.Duration("window", b.cfg.RefreshWindow.Duration()))

	for {
		select {
		case <-ctx.Done():
			b.logger.Info(ctx, "refresh daemon stopped")
			return
		case <-ticker.C:
			b.sweep(ctx)
		}
	}
}

// sweep scans the index once and refreshes every record inside the window.
func (b *Broker) sweep(ctx context.Context) {
	cutoff := time.Now().Add(b.cfg.RefreshWindow.Duration())

	for _, info := range b.store.List("") {
		if info.Provider == credentialProvider || info.Expiry.After(cutoff) {
			continue
		}
		if p, ok := b.providers.Get(info.Provider); !ok || !p.Refreshable() {
			continue
		}
		// refreshRecord rechecks expiry under the per-record lock, so a
		// client refresh landing first makes this a no-op.
		if _, err := b.refreshRecord(ctx, info.Provider, info.Account, b.cfg.RefreshWindow.Duration(), false); err != nil {
			b.logger.Warn(ctx, "daemon refresh failed",
				zap.String("provider", info.Provider),
				zap.String("account", info.Account),
				zap.Error(err))
		}
	}
}
