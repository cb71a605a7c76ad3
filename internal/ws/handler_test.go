package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"spindle/internal/bus"
	"spindle/internal/command"
	"spindle/internal/config"
	"spindle/internal/events"
	"spindle/internal/geoip"
	"spindle/internal/ratelimit"
	"spindle/internal/session"
	"spindle/internal/storage"
	"spindle/internal/telemetry"
)

type testEnv struct {
	handler  *Handler
	registry *session.Registry
	limiter  *ratelimit.Limiter
	bus      bus.Bus
	sink     *events.Sink
	store    *storage.SessionStore
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, config.LimiterConfig{
		Capacity:       100,
		RefillRate:     100,
		RefillInterval: time.Second,
		BanThreshold:   1000,
		BanDuration:    time.Minute,
	})
}

func newTestEnvWith(t *testing.T, limiterCfg config.LimiterConfig) *testEnv {
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
	limiter := ratelimit.New(limiterCfg)
	cmdBus := bus.NewLocalBus()
	t.Cleanup(func() { cmdBus.Close() })
	cmdBus.Subscribe(func(hash string, env command.Envelope) {
		registry.Deliver(hash, env)
	})

	sink := events.NewSink(config.SinkConfig{MaxQueue: 1000, BatchSize: 100, FlushInterval: time.Hour}, eventLog)
	writes := storage.NewAsync(store, 256, time.Second)
	actx, acancel := context.WithCancel(context.Background())
	adone := make(chan struct{})
	go func() {
		writes.Run(actx)
		close(adone)
	}()
	t.Cleanup(func() {
		acancel()
		<-adone
		writes.Close()
	})

	h := NewHandler(config.ConnConfig{
		PingInterval:   0, // the test drives all traffic itself
		IdleTimeout:    0,
		SendQueueSize:  16,
		MaxMessageSize: 1 << 20,
	}, limiter, registry, cmdBus, sink, writes, eventLog, geoip.New(config.GeoIPConfig{}), telemetry.NoopProvider())

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &testEnv{
		handler:  h,
		registry: registry,
		limiter:  limiter,
		bus:      cmdBus,
		sink:     sink,
		store:    store,
		server:   srv,
	}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http")
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("invalid frame %q: %v", data, err)
	}
	return m
}

func send(t *testing.T, c *websocket.Conn, frame map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func waitUntil(t *testing.T, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !check() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_HandshakeBindsSession(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t)

	connected := readFrame(t, c)
	if connected["type"] != "connected" || connected["connectionId"] == "" {
		t.Fatalf("expected connected frame first, got %v", connected)
	}

	send(t, c, map[string]any{
		"type":        "handshake",
		"sessionHash": "h1",
		"metadata":    map[string]any{"userAgent": "test-agent", "screenWidth": 1280},
	})

	waitUntil(t, func() bool {
		sess, ok := e.registry.Get("h1")
		return ok && sess.Snapshot().Connected
	})
	sess, _ := e.registry.Get("h1")
	snap := sess.Snapshot()
	if snap.Meta.UserAgent != "test-agent" || snap.Meta.ScreenWidth != 1280 {
		t.Errorf("metadata not captured: %+v", snap.Meta)
	}
	if snap.Mode != session.ModeNormal {
		t.Errorf("expected normal mode, got %s", snap.Mode)
	}
}

func TestHandler_CommandDelivery(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t)
	readFrame(t, c) // connected

	send(t, c, map[string]any{"type": "handshake", "sessionHash": "h1"})
	waitUntil(t, func() bool {
		sess, ok := e.registry.Get("h1")
		return ok && sess.Snapshot().Connected
	})

	env := command.NewSetLatency(1500)
	if err := e.bus.Publish(context.Background(), "h1", env); err != nil {
		t.Fatal(err)
	}

	frame := readFrame(t, c)
	if frame["type"] != "command" {
		t.Fatalf("expected command frame, got %v", frame)
	}
	cmd := frame["command"].(map[string]any)
	if cmd["type"] != "SET_LATENCY" || cmd["id"] != env.ID {
		t.Errorf("unexpected command: %v", cmd)
	}
}

func TestHandler_BatchIngest(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t)
	readFrame(t, c)

	send(t, c, map[string]any{"type": "handshake", "sessionHash": "h1"})
	waitUntil(t, func() bool {
		_, ok := e.registry.Get("h1")
		return ok
	})

	send(t, c, map[string]any{
		"type": "batch",
		"events": []map[string]any{
			{"type": "pageview", "pageUrl": "https://example.com/a"},
			{"type": "click"},
			{"type": "scroll"},
		},
	})

	waitUntil(t, func() bool { return e.sink.Stats().QueueLen == 3 })
	waitUntil(t, func() bool {
		sess, _ := e.registry.Get("h1")
		return sess.Snapshot().TotalEvents == 3
	})
}

func TestHandler_BatchCostsSingleToken(t *testing.T) {
	// Capacity 2 covers the handshake plus exactly one more frame; a batch
	// carrying far more events than the bucket still goes through whole
	e := newTestEnvWith(t, config.LimiterConfig{
		Capacity:       2,
		RefillRate:     1,
		RefillInterval: time.Second,
		BanThreshold:   1000,
		BanDuration:    time.Minute,
	})
	c := e.dial(t)
	readFrame(t, c)

	send(t, c, map[string]any{"type": "handshake", "sessionHash": "h1"})
	waitUntil(t, func() bool {
		_, ok := e.registry.Get("h1")
		return ok
	})

	evs := make([]map[string]any, 40)
	for i := range evs {
		evs[i] = map[string]any{"type": "pageview"}
	}
	send(t, c, map[string]any{"type": "batch", "events": evs})

	waitUntil(t, func() bool { return e.sink.Stats().QueueLen == 40 })
	if got := e.limiter.Stats().TotalDenied; got != 0 {
		t.Errorf("large batch must not be denied, got %d denials", got)
	}
}

func TestHandler_PreHandshakeFramesDropped(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t)
	readFrame(t, c)

	send(t, c, map[string]any{"type": "event", "data": map[string]any{"type": "pageview"}})
	send(t, c, map[string]any{"type": "handshake", "sessionHash": "h1"})

	waitUntil(t, func() bool {
		_, ok := e.registry.Get("h1")
		return ok
	})
	if got := e.sink.Stats().QueueLen; got != 0 {
		t.Errorf("pre-handshake event must not reach the sink, got %d queued", got)
	}
}

func TestHandler_TerminatedSessionRefused(t *testing.T) {
	e := newTestEnv(t)

	// First client establishes and gets terminated
	c1 := e.dial(t)
	readFrame(t, c1)
	send(t, c1, map[string]any{"type": "handshake", "sessionHash": "h1"})
	waitUntil(t, func() bool {
		_, ok := e.registry.Get("h1")
		return ok
	})
	if err := e.registry.Transition("h1", session.ModeTerminated, 0); err != nil {
		t.Fatal(err)
	}

	// Reconnect attempt gets the final TERMINATE and the socket closes
	c2 := e.dial(t)
	readFrame(t, c2)
	send(t, c2, map[string]any{"type": "handshake", "sessionHash": "h1"})

	frame := readFrame(t, c2)
	if frame["type"] != "command" {
		t.Fatalf("expected command frame, got %v", frame)
	}
	cmd := frame["command"].(map[string]any)
	if cmd["type"] != "TERMINATE" {
		t.Errorf("expected TERMINATE, got %v", cmd["type"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := c2.Read(ctx); err == nil {
		t.Error("expected socket closed after terminate")
	}
}

func TestHandler_TerminatedSessionInboundIgnored(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t)
	readFrame(t, c)
	send(t, c, map[string]any{"type": "handshake", "sessionHash": "h1"})
	waitUntil(t, func() bool {
		_, ok := e.registry.Get("h1")
		return ok
	})

	if err := e.registry.Transition("h1", session.ModeTerminated, 0); err != nil {
		t.Fatal(err)
	}
	mark := time.Now()

	// Telemetry on the still-open socket goes nowhere once terminated; the
	// heartbeat afterwards proves both frames were processed in order
	send(t, c, map[string]any{
		"type": "batch",
		"events": []map[string]any{
			{"type": "pageview"},
			{"type": "click"},
		},
	})
	send(t, c, map[string]any{"type": "heartbeat"})
	waitUntil(t, func() bool {
		sess, _ := e.registry.Get("h1")
		return sess.Snapshot().LastSeen.After(mark)
	})

	if got := e.sink.Stats().QueueLen; got != 0 {
		t.Errorf("terminated session events must not reach the sink, got %d", got)
	}
	sess, _ := e.registry.Get("h1")
	if got := sess.Snapshot().TotalEvents; got != 0 {
		t.Errorf("terminated session must not accrue events, got %d", got)
	}
}

func TestHandler_BannedHandshakeTerminated(t *testing.T) {
	e := newTestEnvWith(t, config.LimiterConfig{
		Capacity:       1,
		RefillRate:     1,
		RefillInterval: time.Hour,
		BanThreshold:   2,
		BanDuration:    time.Minute,
	})

	// Burn the bucket and cross the ban threshold before any socket exists
	e.limiter.Admit("h1", 1)
	e.limiter.Admit("h1", 1)
	e.limiter.Admit("h1", 1)
	if _, banned := e.limiter.IsBanned("h1"); !banned {
		t.Fatal("expected h1 banned")
	}

	c := e.dial(t)
	readFrame(t, c)
	send(t, c, map[string]any{"type": "handshake", "sessionHash": "h1"})

	frame := readFrame(t, c)
	if frame["type"] != "command" {
		t.Fatalf("expected command frame, got %v", frame)
	}
	cmd := frame["command"].(map[string]any)
	if cmd["type"] != "TERMINATE" {
		t.Errorf("expected TERMINATE for banned hash, got %v", cmd["type"])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); err == nil {
		t.Error("expected socket closed after banned handshake")
	}
	if _, ok := e.registry.Get("h1"); ok {
		t.Error("banned handshake must not bind a session")
	}
}

func TestHandler_RiskDecaysAfterViolationsStop(t *testing.T) {
	e := newTestEnvWith(t, config.LimiterConfig{
		Capacity:       1,
		RefillRate:     100,
		RefillInterval: time.Second,
		BanThreshold:   1000,
		BanDuration:    time.Minute,
	})
	c := e.dial(t)
	readFrame(t, c)
	send(t, c, map[string]any{"type": "handshake", "sessionHash": "h1"})
	waitUntil(t, func() bool {
		_, ok := e.registry.Get("h1")
		return ok
	})

	// The handshake drained the bucket; a quick burst piles up violations
	// and drives the score to 55 (high rate plus count over 10)
	for i := 0; i < 12; i++ {
		send(t, c, map[string]any{"type": "event", "data": map[string]any{"type": "pageview"}})
	}
	waitUntil(t, func() bool {
		sess, _ := e.registry.Get("h1")
		return sess.Snapshot().RiskScore == 55
	})

	// Once the denial rate ages below the thresholds, admitted traffic
	// recomputes the score down to the count-only component
	deadline := time.Now().Add(8 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("risk score never decayed")
		}
		send(t, c, map[string]any{"type": "event", "data": map[string]any{"type": "pageview"}})
		time.Sleep(100 * time.Millisecond)
		sess, _ := e.registry.Get("h1")
		if sess.Snapshot().RiskScore == 15 {
			return
		}
	}
}

func TestHandler_RebindSupersedesOldConnection(t *testing.T) {
	e := newTestEnv(t)

	c1 := e.dial(t)
	readFrame(t, c1)
	send(t, c1, map[string]any{"type": "handshake", "sessionHash": "h1"})
	waitUntil(t, func() bool {
		sess, ok := e.registry.Get("h1")
		return ok && sess.Snapshot().Connected
	})
	first, _ := e.registry.Get("h1")
	firstConn := first.Snapshot().ConnectionID

	c2 := e.dial(t)
	readFrame(t, c2)
	send(t, c2, map[string]any{"type": "handshake", "sessionHash": "h1"})

	waitUntil(t, func() bool {
		sess, _ := e.registry.Get("h1")
		snap := sess.Snapshot()
		return snap.Connected && snap.ConnectionID != firstConn
	})

	// The superseded socket closes; delivery reaches the new one
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := c1.Read(ctx); err == nil {
		t.Error("expected superseded socket closed")
	}

	if err := e.bus.Publish(context.Background(), "h1", command.NewToast("hi", "info", 1000)); err != nil {
		t.Fatal(err)
	}
	frame := readFrame(t, c2)
	if frame["type"] != "command" {
		t.Errorf("expected command on new socket, got %v", frame)
	}
}

func (e *testEnv) commandStatus(t *testing.T, id string) (command.Status, string) {
	t.Helper()
	history, err := e.store.GetCommandHistory(context.Background(), "h1", 50)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range history {
		if a.CommandID == id {
			return a.Status, a.ErrorMessage
		}
	}
	return "", ""
}

func TestHandler_CommandAckTracksStatus(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t)
	readFrame(t, c)
	send(t, c, map[string]any{"type": "handshake", "sessionHash": "h1"})
	waitUntil(t, func() bool {
		_, ok := e.registry.Get("h1")
		return ok
	})

	ctx := context.Background()
	issue := func(env command.Envelope) {
		if err := e.store.LogCommand(ctx, command.Audit{
			CommandID:   env.ID,
			SessionHash: "h1",
			Type:        env.Type,
			Payload:     string(env.Payload),
			Status:      command.StatusPending,
			CreatedAt:   env.CreatedAt,
		}); err != nil {
			t.Fatal(err)
		}
		if err := e.bus.Publish(ctx, "h1", env); err != nil {
			t.Fatal(err)
		}
		readFrame(t, c)
	}

	// An ack without an error acknowledges the command
	acked := command.NewSetLatency(500)
	issue(acked)
	send(t, c, map[string]any{
		"type":        "command_ack",
		"commandId":   acked.ID,
		"commandType": string(acked.Type),
		"result":      map[string]any{},
	})
	waitUntil(t, func() bool {
		status, _ := e.commandStatus(t, acked.ID)
		return status == command.StatusAcknowledged
	})

	// A result carrying an error marks the command failed
	failed := command.NewToast("hi", "info", 1000)
	issue(failed)
	send(t, c, map[string]any{
		"type":        "command_ack",
		"commandId":   failed.ID,
		"commandType": string(failed.Type),
		"result":      map[string]any{"error": "element not found"},
	})
	waitUntil(t, func() bool {
		status, errMsg := e.commandStatus(t, failed.ID)
		return status == command.StatusFailed && errMsg == "element not found"
	})
}

func TestHandler_ShutdownClosesConnections(t *testing.T) {
	e := newTestEnv(t)
	c := e.dial(t)
	readFrame(t, c)
	send(t, c, map[string]any{"type": "handshake", "sessionHash": "h1"})
	waitUntil(t, func() bool {
		_, ok := e.registry.Get("h1")
		return ok
	})

	e.handler.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := c.Read(ctx); err == nil {
		t.Error("expected socket closed on shutdown")
	}
	waitUntil(t, func() bool {
		sess, _ := e.registry.Get("h1")
		return !sess.Snapshot().Connected
	})
}

func TestHandler_PingFrames(t *testing.T) {
	e := newTestEnv(t)
	e.handler.cfg.PingInterval = 20 * time.Millisecond

	c := e.dial(t)
	readFrame(t, c) // connected

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, c)
		if frame["type"] == "ping" {
			if frame["timestamp"] == nil {
				t.Error("ping frame missing timestamp")
			}
			return
		}
	}
	t.Fatal("no ping frame observed")
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.RemoteAddr = "10.0.0.5:1234"
	if got := clientIP(r); got != "10.0.0.5" {
		t.Errorf("expected host from RemoteAddr, got %q", got)
	}

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(r); got != "203.0.113.9" {
		t.Errorf("expected first XFF hop, got %q", got)
	}
}
