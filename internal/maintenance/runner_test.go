package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"spindle/internal/config"
	"spindle/internal/ratelimit"
	"spindle/internal/session"
	"spindle/internal/storage"
)

func newRunner(t *testing.T) (*Runner, *storage.SessionStore, *storage.EventLog) {
	t.Helper()
	dir := t.TempDir()

	store, err := storage.NewSessionStore(filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	eventLog, err := storage.NewEventLog(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eventLog.Close() })

	registry := session.NewRegistry()
	limiter := ratelimit.New(config.LimiterConfig{
		Capacity:           5,
		RefillRate:         5,
		RefillInterval:     time.Second,
		BanThreshold:       50,
		BanDuration:        time.Minute,
		InactivityEviction: time.Hour,
	})

	r := New(config.StorageConfig{
		SessionRetentionDays: 7,
		EventRetentionDays:   30,
		OpTimeout:            5 * time.Second,
	}, registry, limiter, store, eventLog)

	return r, store, eventLog
}

func TestRunner_RefreshStats(t *testing.T) {
	r, store, _ := newRunner(t)
	ctx := context.Background()

	snap := session.Snapshot{
		Hash:      "h1",
		Mode:      session.ModeNormal,
		Connected: true,
		FirstSeen: time.Now(),
		LastSeen:  time.Now(),
	}
	if err := store.UpsertSession(ctx, snap); err != nil {
		t.Fatal(err)
	}

	r.refreshStats(ctx)

	stats, err := store.GetDashboardStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSessions != 1 || stats.ConnectedSessions != 1 {
		t.Errorf("unexpected stats after refresh: %+v", stats)
	}
	if stats.RefreshedAt.IsZero() {
		t.Error("expected refreshed_at stamped")
	}
}

func TestRunner_Cleanup(t *testing.T) {
	r, store, eventLog := newRunner(t)
	ctx := context.Background()

	old := session.Snapshot{
		Hash:      "old",
		Mode:      session.ModeNormal,
		FirstSeen: time.Now().AddDate(0, 0, -60),
		LastSeen:  time.Now().AddDate(0, 0, -60),
	}
	if err := store.UpsertSession(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := eventLog.WriteEvents(ctx, []storage.EventRow{
		{SessionHash: "old", EventType: "pageview", Timestamp: time.Now().AddDate(0, 0, -60)},
		{SessionHash: "fresh", EventType: "pageview", Timestamp: time.Now()},
	}); err != nil {
		t.Fatal(err)
	}
	r.cleanup(ctx)

	if row, _ := store.GetSession(ctx, "old"); row != nil {
		t.Error("expected old session removed by retention")
	}
	counts, err := eventLog.CountRows(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts["events"] != 1 {
		t.Errorf("expected only fresh event kept, got %d", counts["events"])
	}
}

func TestRunner_SweepLimiter(t *testing.T) {
	r, _, _ := newRunner(t)

	// Touch a key, then sweep; nothing recent is evicted and the call is safe
	r.limiter.Admit("h1", 1)
	r.sweepLimiter()
	if stats := r.limiter.Stats(); stats.ActiveBuckets != 1 {
		t.Errorf("recent bucket must survive the sweep, got %+v", stats)
	}
}
