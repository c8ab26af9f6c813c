package server

import (
	"context"
	"log/slog"
	"time"
)

// GarbageCollector periodically removes expired authorization codes,
// sessions, and opaque tokens. It runs independently of request handling;
// its deletes are idempotent no-ops when a row was already consumed by a
// concurrent request.
type GarbageCollector struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

// NewGarbageCollector constructs the sweeper from configuration.
func NewGarbageCollector(cfg Config, store *Store, logger *slog.Logger) *GarbageCollector {
	return &GarbageCollector{
		store:    store,
		interval: cfg.GC.Interval,
		logger:   logger,
	}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (gc *GarbageCollector) Run(ctx context.Context) {
	gc.sweep(ctx)

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.sweep(ctx)
		}
	}
}

func (gc *GarbageCollector) sweep(ctx context.Context) {
	if err := gc.store.CleanupExpired(ctx, time.Now()); err != nil {
		gc.logger.Warn("expiry sweep failed", "error", err)
		return
	}
	gc.logger.Debug("expiry sweep complete")
}
