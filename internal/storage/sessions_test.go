package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"spindle/internal/command"
	"spindle/internal/geoip"
	"spindle/internal/session"
)

func openSessionStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := NewSessionStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("opening session store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleSnapshot(hash string) session.Snapshot {
	now := time.Now()
	return session.Snapshot{
		Hash:      hash,
		IPAddress: "8.8.8.8",
		Geo:       geoip.Location{Country: "US", City: "Mountain View", ISP: "Google LLC"},
		Meta: session.Meta{
			UserAgent:    "Mozilla/5.0",
			PageURL:      "https://example.com/",
			ScreenWidth:  1920,
			ScreenHeight: 1080,
			Timezone:     "America/Los_Angeles",
		},
		Mode:      session.ModeNormal,
		Connected: true,
		FirstSeen: now,
		LastSeen:  now,
	}
}

func TestSessionStore_UpsertAndGet(t *testing.T) {
	s := openSessionStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, sampleSnapshot("h1")); err != nil {
		t.Fatal(err)
	}

	row, err := s.GetSession(ctx, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		t.Fatal("expected row after upsert")
	}
	if row.IPAddress != "8.8.8.8" || row.Country != "US" || row.Mode != "normal" {
		t.Errorf("unexpected row: %+v", row)
	}
	if !row.Connected {
		t.Error("expected connected row")
	}

	// Second upsert updates metadata in place
	snap := sampleSnapshot("h1")
	snap.Geo.Country = "DE"
	snap.Mode = session.ModeDownspin
	snap.CurrentLatencyMs = 2000
	if err := s.UpsertSession(ctx, snap); err != nil {
		t.Fatal(err)
	}
	row, err = s.GetSession(ctx, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if row.Country != "DE" || row.Mode != "downspin" || row.CurrentLatencyMs != 2000 {
		t.Errorf("upsert did not update: %+v", row)
	}
}

func TestSessionStore_GetSessionAbsent(t *testing.T) {
	s := openSessionStore(t)

	row, err := s.GetSession(context.Background(), "missing")
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("expected nil for absent session, got %+v", row)
	}
}

func TestSessionStore_CountersAndFlags(t *testing.T) {
	s := openSessionStore(t)
	ctx := context.Background()

	if err := s.UpsertSession(ctx, sampleSnapshot("h1")); err != nil {
		t.Fatal(err)
	}

	if err := s.IncrementEventCount(ctx, "h1", 5); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementEventCount(ctx, "h1", 3); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRisk(ctx, "h1", 85, true); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementViolations(ctx, "h1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetConnected(ctx, "h1", false); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMode(ctx, "h1", session.ModeUpspin, 0); err != nil {
		t.Fatal(err)
	}

	row, err := s.GetSession(ctx, "h1")
	if err != nil {
		t.Fatal(err)
	}
	if row.TotalEvents != 8 {
		t.Errorf("expected 8 events, got %d", row.TotalEvents)
	}
	if row.RiskScore != 85 || !row.IsBot {
		t.Errorf("risk not recorded: %+v", row)
	}
	if row.ViolationCount != 1 || row.LastViolationAt == nil {
		t.Errorf("violation not recorded: %+v", row)
	}
	if row.Connected {
		t.Error("expected disconnected")
	}
	if row.Mode != "upspin" || row.CurrentLatencyMs != 0 {
		t.Errorf("mode not recorded: %+v", row)
	}
}

func TestSessionStore_CommandAudit(t *testing.T) {
	s := openSessionStore(t)
	ctx := context.Background()

	audit := command.Audit{
		CommandID:   "cmd-1",
		SessionHash: "h1",
		Type:        command.SetLatency,
		Payload:     `{"latency_ms":1500}`,
		AdminIP:     "10.0.0.1",
		Status:      command.StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := s.LogCommand(ctx, audit); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCommandStatus(ctx, "cmd-1", command.StatusSent, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCommandStatus(ctx, "cmd-1", command.StatusAcknowledged, ""); err != nil {
		t.Fatal(err)
	}

	history, err := s.GetCommandHistory(ctx, "h1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 command, got %d", len(history))
	}
	got := history[0]
	if got.CommandID != "cmd-1" || got.Type != command.SetLatency {
		t.Errorf("unexpected audit row: %+v", got)
	}
	if got.Status != command.StatusAcknowledged {
		t.Errorf("expected acknowledged status, got %s", got.Status)
	}
	if got.AcknowledgedAt == nil {
		t.Error("expected acknowledged_at stamped")
	}
}

func TestSessionStore_CommandFailureMessage(t *testing.T) {
	s := openSessionStore(t)
	ctx := context.Background()

	audit := command.Audit{
		CommandID:   "cmd-2",
		SessionHash: "h1",
		Type:        command.Terminate,
		Status:      command.StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := s.LogCommand(ctx, audit); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCommandStatus(ctx, "cmd-2", command.StatusFailed, "client error"); err != nil {
		t.Fatal(err)
	}

	history, err := s.GetCommandHistory(ctx, "h1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Status != command.StatusFailed {
		t.Fatalf("expected failed command, got %+v", history)
	}
	if history[0].ErrorMessage != "client error" {
		t.Errorf("expected error message kept, got %q", history[0].ErrorMessage)
	}
	if history[0].AcknowledgedAt != nil {
		t.Error("failed command must not carry acknowledged_at")
	}
}

func TestSessionStore_ActiveAndHighRiskViews(t *testing.T) {
	s := openSessionStore(t)
	ctx := context.Background()

	fresh := sampleSnapshot("fresh")
	if err := s.UpsertSession(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	stale := sampleSnapshot("stale")
	stale.LastSeen = time.Now().Add(-2 * time.Hour)
	if err := s.UpsertSession(ctx, stale); err != nil {
		t.Fatal(err)
	}
	risky := sampleSnapshot("risky")
	if err := s.UpsertSession(ctx, risky); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRisk(ctx, "risky", 90, true); err != nil {
		t.Fatal(err)
	}

	active, err := s.GetActiveSessions(ctx, 30)
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range active {
		if row.SessionHash == "stale" {
			t.Error("stale session leaked into 30-minute window")
		}
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active sessions, got %d", len(active))
	}

	high, err := s.GetHighRiskSessions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(high) != 1 || high[0].SessionHash != "risky" {
		t.Errorf("unexpected high risk set: %+v", high)
	}

	bots, err := s.GetBotCandidates(ctx, 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(bots) != 1 || bots[0].SessionHash != "risky" {
		t.Errorf("unexpected bot candidates: %+v", bots)
	}
}

func TestSessionStore_DashboardStats(t *testing.T) {
	s := openSessionStore(t)
	ctx := context.Background()

	a := sampleSnapshot("a")
	if err := s.UpsertSession(ctx, a); err != nil {
		t.Fatal(err)
	}
	b := sampleSnapshot("b")
	b.Mode = session.ModeTerminated
	b.Connected = false
	if err := s.UpsertSession(ctx, b); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrementEventCount(ctx, "a", 12); err != nil {
		t.Fatal(err)
	}

	if err := s.RefreshDashboardStats(ctx); err != nil {
		t.Fatal(err)
	}
	stats, err := s.GetDashboardStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSessions != 2 || stats.ConnectedSessions != 1 || stats.TerminatedSessions != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.TotalEvents != 12 {
		t.Errorf("expected 12 events aggregated, got %d", stats.TotalEvents)
	}
}

func TestSessionStore_GeoDistribution(t *testing.T) {
	s := openSessionStore(t)
	ctx := context.Background()

	for _, hash := range []string{"us1", "us2"} {
		if err := s.UpsertSession(ctx, sampleSnapshot(hash)); err != nil {
			t.Fatal(err)
		}
	}
	de := sampleSnapshot("de1")
	de.Geo.Country = "DE"
	if err := s.UpsertSession(ctx, de); err != nil {
		t.Fatal(err)
	}

	geo, err := s.GetGeoDistribution(ctx, 24)
	if err != nil {
		t.Fatal(err)
	}
	if len(geo) != 2 {
		t.Fatalf("expected 2 countries, got %d", len(geo))
	}
	if geo[0].Country != "US" || geo[0].Count != 2 {
		t.Errorf("expected US first with 2, got %+v", geo[0])
	}
}

func TestSessionStore_Cleanup(t *testing.T) {
	s := openSessionStore(t)
	ctx := context.Background()

	old := sampleSnapshot("old")
	old.Connected = false
	old.LastSeen = time.Now().AddDate(0, 0, -30)
	if err := s.UpsertSession(ctx, old); err != nil {
		t.Fatal(err)
	}
	// Old but still connected rows survive
	held := sampleSnapshot("held")
	held.LastSeen = time.Now().AddDate(0, 0, -30)
	if err := s.UpsertSession(ctx, held); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertSession(ctx, sampleSnapshot("fresh")); err != nil {
		t.Fatal(err)
	}

	deleted, err := s.Cleanup(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}
	if row, _ := s.GetSession(ctx, "old"); row != nil {
		t.Error("expected old session removed")
	}
	if row, _ := s.GetSession(ctx, "held"); row == nil {
		t.Error("expected connected session retained")
	}
}
