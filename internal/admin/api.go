package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"spindle/internal/bus"
	"spindle/internal/command"
	"spindle/internal/config"
	"spindle/internal/events"
	"spindle/internal/ratelimit"
	"spindle/internal/session"
	"spindle/internal/storage"
	"spindle/internal/telemetry"
)

// Handler is the operator-facing API: session inspection, traffic-shaping
// commands, analytics. Every route sits behind the API key and the per-IP
// rate limit.
type Handler struct {
	cfg      config.AdminConfig
	registry *session.Registry
	limiter  *ratelimit.Limiter
	bus      bus.Bus
	store    *storage.SessionStore
	writes   *storage.Async
	eventLog *storage.EventLog
	sink     *events.Sink
	tel      *telemetry.Provider

	protected http.Handler
}

// New wires the admin routes
func New(cfg config.AdminConfig, registry *session.Registry, limiter *ratelimit.Limiter,
	b bus.Bus, store *storage.SessionStore, writes *storage.Async,
	eventLog *storage.EventLog, sink *events.Sink, tel *telemetry.Provider) *Handler {

	h := &Handler{
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
		bus:      b,
		store:    store,
		writes:   writes,
		eventLog: eventLog,
		sink:     sink,
		tel:      tel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/admin/stats", h.handleStats)
	mux.HandleFunc("/admin/analytics", h.handleAnalytics)
	mux.HandleFunc("/admin/high-risk", h.handleHighRisk)
	mux.HandleFunc("/admin/batch-action", h.handleBatchAction)
	mux.HandleFunc("/admin/sessions", h.handleSessions)
	mux.HandleFunc("/admin/sessions/", h.handleSession)

	limiterMW := newIPLimiter(cfg.RateLimit, cfg.RateLimitWindow)
	h.protected = rateLimit(limiterMW, apiKeyAuth(cfg.APIKey, mux))
	return h
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS for the operator dashboard
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	h.protected.ServeHTTP(w, r)
}

// handleStats handles GET /admin/stats
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dash, err := h.store.GetDashboardStats(r.Context())
	if err != nil {
		slog.Error("dashboard stats read failed", "error", err)
		dash = &storage.DashboardStats{}
	}

	reg := h.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"websocket": map[string]any{
			"totalConnections":  reg.TotalConnections,
			"activeConnections": reg.ActiveConnections,
			"rateLimiter":       h.limiter.Stats(),
		},
		"online":        reg.Online,
		"sessions":      reg.Sessions,
		"sink":          h.sink.Stats(),
		"dashboard":     dash,
		"droppedWrites": h.writes.Dropped(),
		"timestamp":     time.Now(),
	})
}

// handleSessions handles GET /admin/sessions.
// Default view is the live registry; ?minutes=N reads the durable store so
// operators can see sessions that already left this node.
func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()

	if minutesStr := query.Get("minutes"); minutesStr != "" {
		minutes, err := strconv.Atoi(minutesStr)
		if err != nil || minutes <= 0 || minutes > 24*60 {
			http.Error(w, "Invalid minutes", http.StatusBadRequest)
			return
		}
		rows, err := h.store.GetActiveSessions(r.Context(), minutes)
		if err != nil {
			slog.Error("active sessions read failed", "error", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(rows), "sessions": rows})
		return
	}

	connectedOnly := query.Get("connected") == "true"
	modeFilter := query.Get("mode")

	snaps := h.registry.Snapshot(func(s session.Snapshot) bool {
		if connectedOnly && !s.Connected {
			return false
		}
		if modeFilter != "" && string(s.Mode) != modeFilter {
			return false
		}
		return true
	})

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(snaps), "sessions": snaps})
}

// handleSession routes /admin/sessions/{hash} and /admin/sessions/{hash}/{action}
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Session hash required", http.StatusBadRequest)
		return
	}

	hash := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch r.Method {
	case http.MethodGet:
		switch action {
		case "":
			h.getSession(w, r, hash)
		case "commands":
			h.getCommandHistory(w, r, hash)
		case "timeline":
			h.getTimeline(w, r, hash)
		default:
			http.Error(w, "Unknown action", http.StatusBadRequest)
		}
	case http.MethodPost:
		h.postAction(w, r, hash, action)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// getSession handles GET /admin/sessions/{hash}: live snapshot if the
// session is on this node, durable row otherwise, plus recent commands and
// the event timeline. Read faults on the histories degrade to empty lists.
func (h *Handler) getSession(w http.ResponseWriter, r *http.Request, hash string) {
	var sessionBody any
	live := false
	if sess, ok := h.registry.Get(hash); ok {
		sessionBody = sess.Snapshot()
		live = true
	} else {
		row, err := h.store.GetSession(r.Context(), hash)
		if err != nil {
			slog.Error("session read failed", "session_hash", hash, "error", err)
			http.Error(w, "Internal error", http.StatusInternalServerError)
			return
		}
		if row == nil {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		sessionBody = row
	}

	commands, err := h.store.GetCommandHistory(r.Context(), hash, 50)
	if err != nil {
		slog.Error("command history read failed", "session_hash", hash, "error", err)
		commands = nil
	}
	timeline, err := h.eventLog.GetSessionTimeline(r.Context(), hash, 200)
	if err != nil {
		slog.Error("timeline read failed", "session_hash", hash, "error", err)
		timeline = nil
	}

	_, banned := h.limiter.IsBanned(hash)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"session":  sessionBody,
		"live":     live,
		"banned":   banned,
		"commands": commands,
		"timeline": timeline,
	})
}

// getCommandHistory handles GET /admin/sessions/{hash}/commands
func (h *Handler) getCommandHistory(w http.ResponseWriter, r *http.Request, hash string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := h.store.GetCommandHistory(r.Context(), hash, limit)
	if err != nil {
		slog.Error("command history read failed", "session_hash", hash, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(history), "commands": history})
}

// getTimeline handles GET /admin/sessions/{hash}/timeline
func (h *Handler) getTimeline(w http.ResponseWriter, r *http.Request, hash string) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := h.eventLog.GetSessionTimeline(r.Context(), hash, limit)
	if err != nil {
		slog.Error("timeline read failed", "session_hash", hash, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(rows), "events": rows})
}

// Latency applied when a downspin request omits latency_ms
const defaultDownspinLatencyMs = 2000

// actionRequest covers the bodies of all POST session actions
type actionRequest struct {
	LatencyMs  *int            `json:"latency_ms"`
	Reason     string          `json:"reason"`
	Message    string          `json:"message"`
	ToastType  string          `json:"type"`
	DurationMs int             `json:"duration"`
	URL        string          `json:"url"`
	NewTab     bool            `json:"newTab"`
	CmdType    string          `json:"commandType"`
	Payload    json.RawMessage `json:"payload"`
}

// resolveLatency applies the downspin default and bounds check
func resolveLatency(req *int) (int, bool) {
	latency := defaultDownspinLatencyMs
	if req != nil {
		latency = *req
	}
	return latency, latency >= 0 && latency <= 60000
}

// postAction handles POST /admin/sessions/{hash}/{action}
func (h *Handler) postAction(w http.ResponseWriter, r *http.Request, hash, action string) {
	var req actionRequest
	if r.Body != nil {
		// Empty bodies are fine; several actions need no parameters
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "Invalid JSON body", http.StatusBadRequest)
			return
		}
	}

	if action == "unban" {
		h.limiter.Unban(hash)
		slog.Info("session unbanned", "session_hash", hash, "admin_ip", remoteIP(r))
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
		return
	}

	known, terminated := h.sessionState(r.Context(), hash)
	if !known {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if terminated {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": "terminated"})
		return
	}

	var env command.Envelope
	latency := 0
	switch action {
	case "upspin":
		if err := h.registry.Transition(hash, session.ModeUpspin, 0); err == nil {
			h.writes.SetMode(hash, session.ModeUpspin, 0)
		}
		env = command.NewSetLatency(0)

	case "downspin":
		var ok bool
		if latency, ok = resolveLatency(req.LatencyMs); !ok {
			http.Error(w, "latency_ms must be in 0..60000", http.StatusBadRequest)
			return
		}
		if err := h.registry.Transition(hash, session.ModeDownspin, latency); err == nil {
			h.writes.SetMode(hash, session.ModeDownspin, latency)
		}
		env = command.NewSetLatency(latency)

	case "terminate":
		reason := req.Reason
		if reason == "" {
			reason = "terminated by operator"
		}
		if err := h.registry.Transition(hash, session.ModeTerminated, 0); err == nil {
			h.writes.SetMode(hash, session.ModeTerminated, 0)
		}
		env = command.NewTerminate(reason)

	case "notify":
		if req.Message == "" {
			http.Error(w, "message is required", http.StatusBadRequest)
			return
		}
		env = command.NewToast(req.Message, req.ToastType, req.DurationMs)

	case "redirect":
		if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
			http.Error(w, "url must be http(s)", http.StatusBadRequest)
			return
		}
		env = command.NewRedirect(req.URL, req.NewTab)

	case "command":
		t := command.Type(req.CmdType)
		if !t.Valid() {
			http.Error(w, "Unknown command type", http.StatusBadRequest)
			return
		}
		payload := req.Payload
		if payload == nil {
			payload = json.RawMessage(`{}`)
		}
		var err error
		env, err = command.New(t, payload)
		if err != nil {
			http.Error(w, "Invalid payload", http.StatusBadRequest)
			return
		}

	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
		return
	}

	h.issue(r.Context(), hash, env, remoteIP(r))
	resp := map[string]any{
		"success":     true,
		"sessionHash": hash,
		"commandId":   env.ID,
		"type":        env.Type,
		"command":     env,
	}
	if action == "downspin" {
		resp["latency_ms"] = latency
	}
	writeJSON(w, http.StatusOK, resp)
}

// sessionState reports whether hash is known (registry or store) and
// whether it is terminated
func (h *Handler) sessionState(ctx context.Context, hash string) (known, terminated bool) {
	if sess, ok := h.registry.Get(hash); ok {
		return true, sess.IsTerminated()
	}
	row, err := h.store.GetSession(ctx, hash)
	if err != nil || row == nil {
		return false, false
	}
	return true, row.Mode == string(session.ModeTerminated)
}

// issue audits and publishes a command. Delivery is best-effort; the audit
// row is the durable record.
func (h *Handler) issue(ctx context.Context, hash string, env command.Envelope, adminIP string) {
	audit := command.Audit{
		CommandID:   env.ID,
		SessionHash: hash,
		Type:        env.Type,
		Payload:     string(env.Payload),
		AdminIP:     adminIP,
		Status:      command.StatusPending,
		CreatedAt:   env.CreatedAt,
	}
	h.writes.LogCommand(audit)

	logCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := h.eventLog.LogCommand(logCtx, env.ID, hash, string(env.Type), string(command.StatusPending)); err != nil {
		slog.Error("command log append failed", "command_id", env.ID, "error", err)
	}
	cancel()

	spanCtx, span := h.tel.StartCommandSpan(ctx, hash, env.ID, string(env.Type))
	if err := h.bus.Publish(spanCtx, hash, env); err != nil {
		slog.Error("command publish failed", "command_id", env.ID, "error", err)
	}
	span.End()

	slog.Info("command issued",
		"command_id", env.ID,
		"session_hash", hash,
		"type", env.Type,
		"admin_ip", adminIP,
	)
}

// handleHighRisk handles GET /admin/high-risk
func (h *Handler) handleHighRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rows, err := h.store.GetHighRiskSessions(r.Context())
	if err != nil {
		slog.Error("high risk read failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": len(rows), "sessions": rows})
}

// handleAnalytics handles GET /admin/analytics
func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hours := 24
	if hoursStr := r.URL.Query().Get("hours"); hoursStr != "" {
		n, err := strconv.Atoi(hoursStr)
		if err != nil || n <= 0 || n > 24*30 {
			http.Error(w, "Invalid hours", http.StatusBadRequest)
			return
		}
		hours = n
	}

	ctx := r.Context()
	summary, err := h.eventLog.GetEventSummary(ctx, hours)
	if err != nil {
		slog.Error("event summary failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	geo, err := h.store.GetGeoDistribution(ctx, hours)
	if err != nil {
		slog.Error("geo distribution failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	bots, err := h.store.GetBotCandidates(ctx, hours)
	if err != nil {
		slog.Error("bot candidates failed", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	counts, err := h.eventLog.CountRows(ctx)
	if err != nil {
		slog.Error("row counts failed", "error", err)
		counts = map[string]int64{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"windowHours":     hours,
		"summary":         summary,
		"geoDistribution": geo,
		"botCandidates":   bots,
		"dbStats":         counts,
	})
}

// batchRequest is the body of POST /admin/batch-action
type batchRequest struct {
	Action        string   `json:"action"`
	SessionHashes []string `json:"sessionHashes"`
	LatencyMs     *int     `json:"latency_ms"`
	Reason        string   `json:"reason"`
	Message       string   `json:"message"`
}

// handleBatchAction handles POST /admin/batch-action: the same shaping
// actions applied to up to 100 sessions in one call.
func (h *Handler) handleBatchAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if len(req.SessionHashes) == 0 || len(req.SessionHashes) > 100 {
		http.Error(w, "sessionHashes must contain 1..100 entries", http.StatusBadRequest)
		return
	}

	switch req.Action {
	case "upspin", "downspin", "terminate", "notify":
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
		return
	}
	latency, ok := resolveLatency(req.LatencyMs)
	if req.Action == "downspin" && !ok {
		http.Error(w, "latency_ms must be in 0..60000", http.StatusBadRequest)
		return
	}
	if req.Action == "notify" && req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	adminIP := remoteIP(r)
	results := make(map[string]any, len(req.SessionHashes))

	for _, hash := range req.SessionHashes {
		known, terminated := h.sessionState(r.Context(), hash)
		if !known {
			results[hash] = map[string]any{"success": false, "error": "not found"}
			continue
		}
		if terminated {
			results[hash] = map[string]any{"success": false, "error": "terminated"}
			continue
		}

		var env command.Envelope
		switch req.Action {
		case "upspin":
			if err := h.registry.Transition(hash, session.ModeUpspin, 0); err == nil {
				h.writes.SetMode(hash, session.ModeUpspin, 0)
			}
			env = command.NewSetLatency(0)
		case "downspin":
			if err := h.registry.Transition(hash, session.ModeDownspin, latency); err == nil {
				h.writes.SetMode(hash, session.ModeDownspin, latency)
			}
			env = command.NewSetLatency(latency)
		case "terminate":
			reason := req.Reason
			if reason == "" {
				reason = "terminated by operator"
			}
			if err := h.registry.Transition(hash, session.ModeTerminated, 0); err == nil {
				h.writes.SetMode(hash, session.ModeTerminated, 0)
			}
			env = command.NewTerminate(reason)
		case "notify":
			env = command.NewToast(req.Message, "", 0)
		}

		h.issue(r.Context(), hash, env, adminIP)
		results[hash] = map[string]any{"success": true, "commandId": env.ID}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"action":  req.Action,
		"results": results,
	})
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
