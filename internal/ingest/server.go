package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"spindle/internal/bus"
	"spindle/internal/events"
	"spindle/internal/storage"
	"spindle/internal/ws"
)

const maxBeaconBody = 64 * 1024

// Server is the public ingest surface: the websocket endpoint, the unload
// beacon, and the health probe.
type Server struct {
	ws     *ws.Handler
	sink   *events.Sink
	bus    bus.Bus
	events *storage.EventLog
	store  *storage.SessionStore

	startedAt time.Time
}

// NewServer wires the ingest routes
func NewServer(wsHandler *ws.Handler, sink *events.Sink,
	b bus.Bus, eventLog *storage.EventLog, store *storage.SessionStore) *Server {
	return &Server{
		ws:        wsHandler,
		sink:      sink,
		bus:       b,
		events:    eventLog,
		store:     store,
		startedAt: time.Now(),
	}
}

// Routes returns the ingest mux
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.ws)
	mux.HandleFunc("/beacon", s.handleBeacon)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// beaconBody is the payload sent by navigator.sendBeacon on page unload
type beaconBody struct {
	SessionHash string           `json:"sessionHash"`
	Events      []map[string]any `json:"events"`
	Data        map[string]any   `json:"data"`
}

// handleBeacon ingests unload telemetry. The response is always 204: the
// page is going away and nobody reads the answer. No admission check here;
// the sink's own bounds are the backstop for a final flood.
func (s *Server) handleBeacon(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBeaconBody))
	w.WriteHeader(http.StatusNoContent)
	if err != nil {
		return
	}

	var b beaconBody
	if err := json.Unmarshal(body, &b); err != nil || b.SessionHash == "" {
		return
	}

	evs := b.Events
	if len(evs) == 0 && b.Data != nil {
		evs = []map[string]any{b.Data}
	}
	if len(evs) == 0 {
		return
	}

	ip := clientIP(r)
	now := time.Now()
	for _, ev := range evs {
		if ev == nil {
			continue
		}
		if _, ok := ev["type"]; !ok {
			ev["type"] = "beacon"
		}
		s.sink.Enqueue(events.Raw{
			SessionHash: b.SessionHash,
			IPAddress:   ip,
			Timestamp:   now,
			Fields:      ev,
		})
	}
}

// healthResponse is the /health body
type healthResponse struct {
	Healthy       bool      `json:"healthy"`
	Redis         bool      `json:"redis"`
	Events        bool      `json:"events"`
	Sessions      bool      `json:"sessions"`
	UptimeSeconds int64     `json:"uptimeSeconds"`
	MemoryMB      uint64    `json:"memoryMb"`
	Goroutines    int       `json:"goroutines"`
	Timestamp     time.Time `json:"timestamp"`
}

// handleHealth probes the bus and both stores. Any failed dependency turns
// the response into a 503 with per-check detail so operators see which leg
// is down.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := healthResponse{
		Redis:         s.bus.Healthy(ctx) == nil,
		Events:        s.events.Ping(ctx) == nil,
		Sessions:      s.store.Ping(ctx) == nil,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		MemoryMB:      mem.Alloc / 1024 / 1024,
		Goroutines:    runtime.NumGoroutine(),
		Timestamp:     time.Now(),
	}
	resp.Healthy = resp.Redis && resp.Events && resp.Sessions

	w.Header().Set("Content-Type", "application/json")
	if !resp.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("health response write failed", "error", err)
	}
}

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
