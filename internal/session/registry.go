package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"spindle/internal/command"
	"spindle/internal/geoip"
)

var (
	// ErrTerminated is returned when an operation targets a session in its
	// sticky terminal state.
	ErrTerminated = errors.New("session terminated")
	// ErrNotFound is returned for operations on unknown sessionHashes.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidMode is returned for transitions to an unknown mode.
	ErrInvalidMode = errors.New("invalid mode")
)

// ConnInfo describes one live socket for admin stats
type ConnInfo struct {
	ID           string    `json:"connectionId"`
	IPAddress    string    `json:"ipAddress"`
	BoundHash    string    `json:"sessionHash,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	EventCount   int64     `json:"eventCount"`
}

// Registry holds all live sessions on this node and the connections bound
// to them. A sessionHash is bound to at most one connection at a time; a
// re-handshake supersedes the older socket.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	conns    map[string]*ConnInfo

	totalConns int64
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		conns:    make(map[string]*ConnInfo),
	}
}

// RegisterConn tracks a freshly accepted socket (pre-handshake)
func (r *Registry) RegisterConn(connID, ip string) {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[connID] = &ConnInfo{ID: connID, IPAddress: ip, ConnectedAt: now, LastActivity: now}
	r.totalConns++
}

// TouchConn refreshes a connection's activity counters
func (r *Registry) TouchConn(connID string, eventsDelta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ci, ok := r.conns[connID]; ok {
		ci.LastActivity = time.Now()
		ci.EventCount += int64(eventsDelta)
	}
}

// Bind atomically binds a connection to a sessionHash, creating the session
// on first handshake. A prior connection bound to the same hash on this node
// is detached and scheduled to close with reason "superseded". Returns
// ErrTerminated if the session already reached its terminal state.
func (r *Registry) Bind(hash, ip string, geo geoip.Location, meta Meta, d Deliverer) (*Session, error) {
	r.mu.Lock()

	sess, ok := r.sessions[hash]
	if !ok {
		sess = newSession(hash)
		r.sessions[hash] = sess
	}

	sess.mu.Lock()
	if sess.Mode == ModeTerminated {
		sess.mu.Unlock()
		r.mu.Unlock()
		return nil, ErrTerminated
	}

	var superseded Deliverer
	if sess.deliverer != nil && sess.deliverer.ConnectionID() != d.ConnectionID() {
		superseded = sess.deliverer
	}

	sess.deliverer = d
	sess.Connected = true
	sess.IPAddress = ip
	sess.Geo = geo
	sess.Meta = meta
	sess.LastSeen = time.Now()
	sess.mu.Unlock()

	if ci, ok := r.conns[d.ConnectionID()]; ok {
		ci.BoundHash = hash
	}
	r.mu.Unlock()

	if superseded != nil {
		slog.Info("connection superseded",
			"session_hash", hash,
			"old_connection", superseded.ConnectionID(),
			"new_connection", d.ConnectionID(),
		)
		superseded.CloseWithReason("superseded")
	}

	return sess, nil
}

// Unbind detaches a connection. Idempotent: the session is marked
// disconnected only if this connection was the bound one. Returns the
// sessionHash and whether it was the bound connection.
func (r *Registry) Unbind(connID string) (string, bool) {
	r.mu.Lock()
	ci, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.conns, connID)
	hash := ci.BoundHash
	sess := r.sessions[hash]
	r.mu.Unlock()

	if hash == "" || sess == nil {
		return "", false
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.deliverer == nil || sess.deliverer.ConnectionID() != connID {
		return hash, false
	}
	sess.deliverer = nil
	sess.Connected = false
	sess.LastSeen = time.Now()
	return hash, true
}

// Transition changes the session mode. upspin forces latency to 0;
// terminated is sticky and forces latency to 0.
func (r *Registry) Transition(hash string, mode Mode, latencyMs int) error {
	if !mode.Valid() {
		return ErrInvalidMode
	}
	if latencyMs < 0 {
		latencyMs = 0
	}
	if mode == ModeUpspin || mode == ModeTerminated {
		latencyMs = 0
	}

	r.mu.RLock()
	sess, ok := r.sessions[hash]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.Mode == ModeTerminated {
		return ErrTerminated
	}
	sess.Mode = mode
	sess.CurrentLatencyMs = latencyMs

	slog.Info("session mode changed",
		"session_hash", hash,
		"mode", mode,
		"latency_ms", latencyMs,
	)
	return nil
}

// Touch increments event counters for hash
func (r *Registry) Touch(hash string, eventsDelta int) {
	r.mu.RLock()
	sess, ok := r.sessions[hash]
	r.mu.RUnlock()
	if ok {
		sess.Touch(eventsDelta)
	}
}

// Get retrieves a session by hash
func (r *Registry) Get(hash string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[hash]
	return sess, ok
}

// Deliver enqueues a command frame on the connection bound to hash.
// Terminated sessions accept only the final TERMINATE; everything else is
// refused so no frames follow the terminal state. Returns false when the
// session is unknown, unbound, terminated, or its send queue is full.
func (r *Registry) Deliver(hash string, env command.Envelope) bool {
	r.mu.RLock()
	sess, ok := r.sessions[hash]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	sess.mu.RLock()
	d := sess.deliverer
	terminated := sess.Mode == ModeTerminated
	sess.mu.RUnlock()

	if d == nil {
		return false
	}
	if terminated && env.Type != command.Terminate {
		return false
	}
	return d.Enqueue(env)
}

// Snapshot returns copies of all sessions matching the filter
func (r *Registry) Snapshot(filter func(Snapshot) bool) []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var result []Snapshot
	for _, s := range sessions {
		snap := s.Snapshot()
		if filter == nil || filter(snap) {
			result = append(result, snap)
		}
	}
	return result
}

// ConnectedFilter selects sessions with a live bound connection
func ConnectedFilter(s Snapshot) bool {
	return s.Connected
}

// Stats summarizes registry state for /admin/stats
type Stats struct {
	TotalConnections  int64 `json:"totalConnections"`
	ActiveConnections int   `json:"activeConnections"`
	Sessions          int   `json:"sessions"`
	Online            int   `json:"online"`
}

// Stats returns aggregate registry statistics
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online := 0
	for _, s := range r.sessions {
		s.mu.RLock()
		if s.Connected {
			online++
		}
		s.mu.RUnlock()
	}
	return Stats{
		TotalConnections:  r.totalConns,
		ActiveConnections: len(r.conns),
		Sessions:          len(r.sessions),
		Online:            online,
	}
}

// EvictDisconnected removes sessions that have been disconnected longer than
// maxAge and are not terminated holds. Returns the evicted hashes.
func (r *Registry) EvictDisconnected(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for hash, s := range r.sessions {
		s.mu.RLock()
		stale := !s.Connected && s.Mode != ModeTerminated && s.LastSeen.Before(cutoff)
		s.mu.RUnlock()
		if stale {
			delete(r.sessions, hash)
			evicted = append(evicted, hash)
		}
	}
	return evicted
}
