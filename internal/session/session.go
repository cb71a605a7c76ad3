package session

import (
	"sync"
	"time"

	"spindle/internal/command"
	"spindle/internal/geoip"
)

// Mode is the operator-visible traffic-shaping state of a session
type Mode string

const (
	ModeNormal     Mode = "normal"
	ModeUpspin     Mode = "upspin"   // zero client-side latency
	ModeDownspin   Mode = "downspin" // client inserts artificial latency
	ModeTerminated Mode = "terminated"
)

// Valid reports whether m is a known mode
func (m Mode) Valid() bool {
	switch m {
	case ModeNormal, ModeUpspin, ModeDownspin, ModeTerminated:
		return true
	}
	return false
}

// Deliverer is the outbound-capability handle a bound connection lends to
// the registry: enough to push commands and close, nothing more.
type Deliverer interface {
	// Enqueue queues an outbound command frame; false means the
	// connection is gone or its send queue overflowed.
	Enqueue(env command.Envelope) bool
	// CloseWithReason schedules the connection to close. Must not block.
	CloseWithReason(reason string)
	// ConnectionID identifies the connection holding this handle.
	ConnectionID() string
}

// Meta holds device metadata reported in the handshake frame
type Meta struct {
	UserAgent    string   `json:"userAgent,omitempty"`
	PageURL      string   `json:"pageUrl,omitempty"`
	Referrer     string   `json:"referrer,omitempty"`
	ScreenWidth  int      `json:"screenWidth,omitempty"`
	ScreenHeight int      `json:"screenHeight,omitempty"`
	Timezone     string   `json:"timezone,omitempty"`
	NetworkType  string   `json:"networkType,omitempty"`
	BatteryLevel *float64 `json:"batteryLevel,omitempty"`
}

// Session is the in-memory state for one sessionHash. It is the live source
// of truth; the durable row in the session store trails it best-effort.
type Session struct {
	mu sync.RWMutex

	Hash             string
	IPAddress        string
	Geo              geoip.Location
	Meta             Meta
	Mode             Mode
	CurrentLatencyMs int
	TotalEvents      int64
	RiskScore        int
	IsBot            bool
	ViolationCount   int
	Connected        bool
	FirstSeen        time.Time
	LastSeen         time.Time
	LastViolationAt  *time.Time

	deliverer Deliverer
}

func newSession(hash string) *Session {
	now := time.Now()
	return &Session{
		Hash:      hash,
		Mode:      ModeNormal,
		FirstSeen: now,
		LastSeen:  now,
	}
}

// Touch increments the event counter and refreshes lastSeen
func (s *Session) Touch(eventsDelta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalEvents += int64(eventsDelta)
	s.LastSeen = time.Now()
}

// SetRisk updates the risk score, clamped to [0,100]
func (s *Session) SetRisk(score int, isBot bool) {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RiskScore = score
	s.IsBot = isBot
}

// RecordViolation bumps the violation counter
func (s *Session) RecordViolation() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ViolationCount++
	s.LastViolationAt = &now
}

// GetMode returns the current mode
func (s *Session) GetMode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Mode
}

// IsTerminated reports whether the session reached its terminal state
func (s *Session) IsTerminated() bool {
	return s.GetMode() == ModeTerminated
}

// Snapshot is a copy of the session for safe reading
type Snapshot struct {
	Hash             string         `json:"sessionHash"`
	IPAddress        string         `json:"ipAddress"`
	Geo              geoip.Location `json:"geo"`
	Meta             Meta           `json:"metadata"`
	Mode             Mode           `json:"mode"`
	CurrentLatencyMs int            `json:"currentLatencyMs"`
	TotalEvents      int64          `json:"totalEvents"`
	RiskScore        int            `json:"riskScore"`
	IsBot            bool           `json:"isBot"`
	ViolationCount   int            `json:"violationCount"`
	Connected        bool           `json:"connected"`
	ConnectionID     string         `json:"connectionId,omitempty"`
	FirstSeen        time.Time      `json:"firstSeen"`
	LastSeen         time.Time      `json:"lastSeen"`
	LastViolationAt  *time.Time     `json:"lastViolationAt,omitempty"`
}

// Snapshot returns a copy of the session for safe reading
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Hash:             s.Hash,
		IPAddress:        s.IPAddress,
		Geo:              s.Geo,
		Meta:             s.Meta,
		Mode:             s.Mode,
		CurrentLatencyMs: s.CurrentLatencyMs,
		TotalEvents:      s.TotalEvents,
		RiskScore:        s.RiskScore,
		IsBot:            s.IsBot,
		ViolationCount:   s.ViolationCount,
		Connected:        s.Connected,
		FirstSeen:        s.FirstSeen,
		LastSeen:         s.LastSeen,
		LastViolationAt:  s.LastViolationAt,
	}
	if s.deliverer != nil {
		snap.ConnectionID = s.deliverer.ConnectionID()
	}
	return snap
}
