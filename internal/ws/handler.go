package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

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

// inboundFrame is the decoded shape of every client frame. Fields are
// populated per frame type; unknown types are logged and skipped.
type inboundFrame struct {
	Type        string           `json:"type"`
	SessionHash string           `json:"sessionHash,omitempty"`
	Metadata    session.Meta     `json:"metadata,omitempty"`
	Data        map[string]any   `json:"data,omitempty"`
	Events      []map[string]any `json:"events,omitempty"`
	CommandID   string           `json:"commandId,omitempty"`
	CommandType string           `json:"commandType,omitempty"`
	Result      *ackResult       `json:"result,omitempty"`
}

// ackResult is the client's report on a delivered command; a non-empty
// error marks the command failed.
type ackResult struct {
	Error string `json:"error,omitempty"`
}

// connState is the per-connection mutable state shared between the read
// loop and the ping loop.
type connState struct {
	mu       sync.Mutex
	ip       string
	hash     string
	lastRisk int
}

func (st *connState) boundHash() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.hash
}

func (st *connState) bind(hash string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.hash = hash
}

// Handler upgrades client websockets and runs their frame loop: handshake
// binding, telemetry ingest through the event sink, admission control, and
// outbound command delivery.
type Handler struct {
	cfg      config.ConnConfig
	limiter  *ratelimit.Limiter
	registry *session.Registry
	bus      bus.Bus
	sink     *events.Sink
	store    *storage.Async
	log      *storage.EventLog
	geo      *geoip.Resolver
	tel      *telemetry.Provider

	mu    sync.Mutex
	conns map[string]*Conn
}

// NewHandler wires the connection handler
func NewHandler(cfg config.ConnConfig, limiter *ratelimit.Limiter, registry *session.Registry,
	b bus.Bus, sink *events.Sink, store *storage.Async, log *storage.EventLog,
	geo *geoip.Resolver, tel *telemetry.Provider) *Handler {
	return &Handler{
		cfg:      cfg,
		limiter:  limiter,
		registry: registry,
		bus:      b,
		sink:     sink,
		store:    store,
		log:      log,
		geo:      geo,
		tel:      tel,
		conns:    make(map[string]*Conn),
	}
}

// Shutdown closes every live connection with a server_shutdown reason
func (h *Handler) Shutdown() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.CloseWithReason(ReasonShutdown)
	}
}

// ServeHTTP accepts the websocket upgrade and runs the connection until it
// closes. The connected frame with the connectionId goes out first; the
// client must handshake before anything else is accepted.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // clients embed from arbitrary origins
	})
	if err != nil {
		slog.Error("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer wsConn.CloseNow()

	if h.cfg.MaxMessageSize > 0 {
		wsConn.SetReadLimit(h.cfg.MaxMessageSize)
	}

	ip := clientIP(r)
	connID := "c-" + uuid.New().String()
	conn := newConn(connID, wsConn, h.cfg.SendQueueSize)
	conn.onSent = func(env command.Envelope) {
		h.store.UpdateCommandStatus(env.ID, command.StatusSent, "")
	}

	h.registry.RegisterConn(connID, ip)
	h.mu.Lock()
	h.conns[connID] = conn
	h.mu.Unlock()

	st := &connState{ip: ip}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go conn.writeLoop(ctx)
	if h.cfg.PingInterval > 0 {
		go conn.pingLoop(ctx, h.cfg.PingInterval, func() {
			if hash := st.boundHash(); hash != "" {
				presCtx, presCancel := context.WithTimeout(context.Background(), 5*time.Second)
				h.bus.SetPresence(presCtx, hash)
				presCancel()
			}
		})
	}

	if data, err := json.Marshal(connectedFrame{
		Type:         "connected",
		ConnectionID: connID,
		Timestamp:    time.Now(),
	}); err == nil {
		conn.enqueueRaw(data)
	}

	slog.Info("websocket connection established",
		"connection_id", connID,
		"remote_ip", ip,
	)

	startedAt := time.Now()
	h.readLoop(ctx, wsConn, conn, st)
	cancel()

	h.mu.Lock()
	delete(h.conns, connID)
	h.mu.Unlock()

	hash, wasBound := h.registry.Unbind(connID)
	if wasBound {
		h.store.SetConnected(hash, false)
		clearCtx, clearCancel := context.WithTimeout(context.Background(), 5*time.Second)
		h.bus.ClearPresence(clearCtx, hash)
		clearCancel()
	}

	rec := telemetry.ConnectionRecord{
		ConnectionID: connID,
		SessionHash:  hash,
		ClientAddr:   ip,
		CloseReason:  conn.CloseReason(),
		DurationMs:   time.Since(startedAt).Milliseconds(),
	}
	if sess, ok := h.registry.Get(hash); ok {
		snap := sess.Snapshot()
		rec.Country = snap.Geo.Country
		rec.Mode = string(snap.Mode)
		rec.EventCount = snap.TotalEvents
		rec.Violations = snap.ViolationCount
		rec.RiskScore = snap.RiskScore
		rec.IsBot = snap.IsBot
	}
	h.tel.ExportConnectionRecord(context.Background(), rec)

	slog.Info("websocket connection closed",
		"connection_id", connID,
		"session_hash", hash,
		"reason", conn.CloseReason(),
	)
}

// readLoop reads client frames until the socket dies or the idle timeout
// fires. Malformed frames never kill the connection.
func (h *Handler) readLoop(ctx context.Context, wsConn *websocket.Conn, conn *Conn, st *connState) {
	for {
		readCtx := ctx
		var cancel context.CancelFunc
		if h.cfg.IdleTimeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, h.cfg.IdleTimeout)
		}
		_, data, err := wsConn.Read(readCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() == nil && readCtx.Err() != nil {
				conn.CloseWithReason(ReasonIdleTimeout)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("dropping malformed frame",
				"connection_id", conn.ConnectionID(),
				"size", len(data),
				"error", err,
			)
			continue
		}
		h.dispatch(ctx, conn, st, frame)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Conn, st *connState, frame inboundFrame) {
	// Heartbeats bypass admission: they are how quiet clients stay alive
	if frame.Type == "pong" || frame.Type == "heartbeat" {
		h.registry.TouchConn(conn.ConnectionID(), 0)
		if hash := st.boundHash(); hash != "" {
			h.registry.Touch(hash, 0)
		}
		return
	}

	if frame.Type == "handshake" {
		// Admission keys on the presented sessionHash, falling back to the
		// connection id so the pre-bind window is covered too
		key := frame.SessionHash
		if key == "" {
			key = conn.ConnectionID()
		}
		if dec := h.limiter.Admit(key, 1); !dec.Allowed {
			h.handleDenied(ctx, conn, st, key, dec)
			return
		}
		h.handleHandshake(ctx, conn, st, frame)
		return
	}

	hash := st.boundHash()
	if hash == "" {
		slog.Debug("dropping frame before handshake",
			"connection_id", conn.ConnectionID(),
			"type", frame.Type,
		)
		return
	}

	// Terminated sessions feed nothing downstream; the socket stays up only
	// long enough for the close to land
	if sess, ok := h.registry.Get(hash); ok && sess.IsTerminated() {
		slog.Debug("dropping frame from terminated session",
			"session_hash", hash,
			"type", frame.Type,
		)
		return
	}

	// One token per frame regardless of how many events it carries
	dec := h.limiter.Admit(hash, 1)
	if !dec.Allowed {
		h.handleDenied(ctx, conn, st, hash, dec)
		return
	}

	switch frame.Type {
	case "event":
		h.ingest(st, hash, frame.Data, "")
		h.registry.Touch(hash, 1)
		h.registry.TouchConn(conn.ConnectionID(), 1)
		h.store.IncrementEventCount(hash, 1)
		h.updateRisk(st, hash)

	case "interaction":
		h.ingest(st, hash, frame.Data, "interaction")
		h.registry.Touch(hash, 1)
		h.registry.TouchConn(conn.ConnectionID(), 1)
		h.store.IncrementEventCount(hash, 1)
		h.updateRisk(st, hash)

	case "batch":
		for _, ev := range frame.Events {
			h.ingest(st, hash, ev, "")
		}
		n := len(frame.Events)
		h.registry.Touch(hash, n)
		h.registry.TouchConn(conn.ConnectionID(), n)
		h.store.IncrementEventCount(hash, n)
		h.updateRisk(st, hash)

	case "command_ack":
		status := command.StatusAcknowledged
		errMsg := ""
		if frame.Result != nil && frame.Result.Error != "" {
			status = command.StatusFailed
			errMsg = frame.Result.Error
		}
		h.store.UpdateCommandStatus(frame.CommandID, status, errMsg)
		h.registry.Touch(hash, 0)

	default:
		slog.Debug("unknown frame type",
			"connection_id", conn.ConnectionID(),
			"type", frame.Type,
		)
	}
}

// ingest stamps identity onto a raw event and hands it to the sink
func (h *Handler) ingest(st *connState, hash string, fields map[string]any, forceType string) {
	if fields == nil {
		fields = map[string]any{}
	}
	if forceType != "" {
		if _, ok := fields["type"]; !ok {
			fields["type"] = forceType
		}
	}
	h.sink.Enqueue(events.Raw{
		SessionHash: hash,
		IPAddress:   st.ip,
		Timestamp:   time.Now(),
		Fields:      fields,
	})
}

// handleHandshake binds the connection to its sessionHash. Admission already
// ran, so a banned hash never gets here; terminated sessions get a final
// TERMINATE and the socket closes.
func (h *Handler) handleHandshake(ctx context.Context, conn *Conn, st *connState, frame inboundFrame) {
	hash := frame.SessionHash
	if hash == "" {
		slog.Warn("handshake without sessionHash", "connection_id", conn.ConnectionID())
		return
	}

	geo, _ := h.geo.Lookup(st.ip)
	sess, err := h.registry.Bind(hash, st.ip, geo, frame.Metadata, conn)
	if err != nil {
		if err == session.ErrTerminated {
			conn.Enqueue(command.NewTerminate("terminated"))
			conn.CloseWithReason("terminated")
			return
		}
		slog.Error("handshake bind failed", "session_hash", hash, "error", err)
		return
	}

	st.bind(hash)

	presCtx, presCancel := context.WithTimeout(ctx, 5*time.Second)
	h.bus.SetPresence(presCtx, hash)
	presCancel()

	snap := sess.Snapshot()
	h.store.UpsertSession(snap)

	// A throttled client that reconnects resumes its shaping immediately
	if snap.Mode == session.ModeDownspin && snap.CurrentLatencyMs > 0 {
		conn.Enqueue(command.NewSetLatency(snap.CurrentLatencyMs))
	}

	slog.Info("session handshake",
		"connection_id", conn.ConnectionID(),
		"session_hash", hash,
		"remote_ip", st.ip,
		"country", geo.Country,
		"mode", snap.Mode,
	)
}

// handleDenied runs the violation path: bookkeeping, risk scoring, and
// either the ban terminate or the auto-throttle downspin.
func (h *Handler) handleDenied(ctx context.Context, conn *Conn, st *connState, hash string, dec ratelimit.Decision) {
	if sess, ok := h.registry.Get(hash); ok {
		sess.RecordViolation()
	}
	h.store.IncrementViolations(hash)
	h.updateRisk(st, hash)

	if dec.Reason == ratelimit.ReasonBanned {
		conn.Enqueue(command.NewTerminate("Too many requests - temporarily banned"))
		conn.CloseWithReason("banned")
		h.logViolation(hash)
		return
	}

	stats := h.limiter.Violations(hash)
	if stats.ShouldThrottle && h.limiter.TryThrottle(hash) {
		latency := h.limiter.ThrottleLatencyMs()
		if err := h.registry.Transition(hash, session.ModeDownspin, latency); err == nil {
			h.store.SetMode(hash, session.ModeDownspin, latency)
		}
		// Publish on the bus so the node holding the socket delivers it,
		// wherever that is
		h.bus.Publish(ctx, hash, command.NewSetLatency(latency))
		h.logViolation(hash)

		slog.Warn("auto-throttle engaged",
			"session_hash", hash,
			"latency_ms", latency,
			"events_per_second", stats.EventsPerSecond,
		)
	}
}

// updateRisk recomputes the risk score and propagates it when it moved.
// Runs on every ingested frame so a score decays once violations stop.
func (h *Handler) updateRisk(st *connState, hash string) {
	score, isBot := h.limiter.RiskScore(hash)
	st.mu.Lock()
	changed := score != st.lastRisk
	st.lastRisk = score
	st.mu.Unlock()
	if !changed {
		return
	}
	if sess, ok := h.registry.Get(hash); ok {
		sess.SetRisk(score, isBot)
	}
	h.store.SetRisk(hash, score, isBot)
}

// logViolation appends a violation row off the hot path
func (h *Handler) logViolation(hash string) {
	stats := h.limiter.Violations(hash)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.log.LogViolation(ctx, storage.ViolationRow{
			SessionHash:     hash,
			Count:           stats.Count,
			EventsPerSecond: stats.EventsPerSecond,
			Timestamp:       time.Now(),
		}); err != nil {
			slog.Error("violation log failed", "session_hash", hash, "error", err)
		}
	}()
}

// clientIP extracts the peer IP, honoring X-Forwarded-For from a fronting
// proxy
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
