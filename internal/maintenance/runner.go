package maintenance

import (
	"context"
	"log/slog"
	"time"

	"spindle/internal/config"
	"spindle/internal/ratelimit"
	"spindle/internal/session"
	"spindle/internal/storage"
)

const (
	statsInterval   = time.Minute
	sweepInterval   = time.Hour
	cleanupInterval = 24 * time.Hour
)

// Runner owns the background upkeep loops: the dashboard stats refresh,
// the limiter sweep, and retention cleanup on both stores.
type Runner struct {
	storageCfg config.StorageConfig
	registry   *session.Registry
	limiter    *ratelimit.Limiter
	store      *storage.SessionStore
	eventLog   *storage.EventLog
}

// New creates a maintenance runner
func New(storageCfg config.StorageConfig, registry *session.Registry,
	limiter *ratelimit.Limiter, store *storage.SessionStore, eventLog *storage.EventLog) *Runner {
	return &Runner{
		storageCfg: storageCfg,
		registry:   registry,
		limiter:    limiter,
		store:      store,
		eventLog:   eventLog,
	}
}

// Run blocks until ctx is cancelled
func (r *Runner) Run(ctx context.Context) {
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()
	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	slog.Info("maintenance loops started",
		"stats_interval", statsInterval,
		"sweep_interval", sweepInterval,
		"cleanup_interval", cleanupInterval,
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stats.C:
			r.refreshStats(ctx)
		case <-sweep.C:
			r.sweepLimiter()
		case <-cleanup.C:
			r.cleanup(ctx)
		}
	}
}

func (r *Runner) refreshStats(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, r.storageCfg.OpTimeout)
	defer cancel()

	if err := r.store.RefreshDashboardStats(opCtx); err != nil {
		slog.Error("dashboard stats refresh failed", "error", err)
		return
	}

	reg := r.registry.Stats()
	slog.Debug("stats refreshed",
		"sessions", reg.Sessions,
		"online", reg.Online,
		"connections", reg.ActiveConnections,
	)
}

func (r *Runner) sweepLimiter() {
	if evicted := r.limiter.Sweep(); evicted > 0 {
		slog.Info("limiter sweep", "evicted", evicted)
	}
}

// cleanup applies retention to both stores and drops long-disconnected
// sessions from the registry. Terminated holds survive registry eviction.
func (r *Runner) cleanup(ctx context.Context) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if _, err := r.store.Cleanup(opCtx, r.storageCfg.SessionRetentionDays); err != nil {
		slog.Error("session store cleanup failed", "error", err)
	}
	if _, err := r.eventLog.Cleanup(opCtx, r.storageCfg.EventRetentionDays); err != nil {
		slog.Error("event log cleanup failed", "error", err)
	}

	maxAge := time.Duration(r.storageCfg.SessionRetentionDays) * 24 * time.Hour
	if evicted := r.registry.EvictDisconnected(maxAge); len(evicted) > 0 {
		slog.Info("evicted stale sessions", "count", len(evicted))
	}
}
