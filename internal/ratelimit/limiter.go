package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"spindle/internal/config"
)

// Reasons returned by Admit when a frame is refused
const (
	ReasonBanned    = "banned"
	ReasonRateLimit = "rate_limit"
)

// Decision is the result of an admission check
type Decision struct {
	Allowed         bool
	Reason          string
	RetryAfter      time.Duration
	TokensRemaining int
}

// ViolationStats summarizes denied admissions for one key
type ViolationStats struct {
	Count           int
	EventsPerSecond float64
	ShouldThrottle  bool
}

// Stats is the aggregate limiter view exposed on /admin/stats
type Stats struct {
	ActiveBuckets  int   `json:"activeBuckets"`
	TrackedKeys    int   `json:"trackedKeys"`
	ActiveBans     int   `json:"activeBans"`
	TotalAdmitted  int64 `json:"totalAdmitted"`
	TotalDenied    int64 `json:"totalDenied"`
	TotalBansEver  int64 `json:"totalBans"`
	TotalThrottles int64 `json:"totalThrottles"`
}

type bucket struct {
	tokens     int
	lastRefill time.Time
	lastSeen   time.Time
}

type violation struct {
	count   int
	firstAt time.Time
	lastAt  time.Time
}

type ban struct {
	bannedAt time.Time
	duration time.Duration
}

// Limiter is a per-key token bucket with violation tracking and auto-ban.
// Keys are sessionHashes once a connection is bound, connectionIds before.
// All operations are non-blocking and never fail.
type Limiter struct {
	cfg config.LimiterConfig

	mu           sync.Mutex
	buckets      map[string]*bucket
	violations   map[string]*violation
	bans         map[string]ban
	lastThrottle map[string]time.Time

	admitted  int64
	denied    int64
	totalBans int64
	throttles int64
}

// New creates a limiter with the given configuration
func New(cfg config.LimiterConfig) *Limiter {
	return &Limiter{
		cfg:          cfg,
		buckets:      make(map[string]*bucket),
		violations:   make(map[string]*violation),
		bans:         make(map[string]ban),
		lastThrottle: make(map[string]time.Time),
	}
}

// Admit checks whether a frame of the given cost may be processed for key.
// Denials are recorded as violations; crossing the ban threshold creates a
// ban record that outlives any later violation bookkeeping.
func (l *Limiter) Admit(key string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if remaining, banned := l.banRemaining(key, now); banned {
		l.denied++
		return Decision{Allowed: false, Reason: ReasonBanned, RetryAfter: remaining}
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.cfg.Capacity, lastRefill: now}
		l.buckets[key] = b
	}
	l.refill(b, now)
	b.lastSeen = now

	if b.tokens >= cost {
		b.tokens -= cost
		l.admitted++
		return Decision{Allowed: true, TokensRemaining: b.tokens}
	}

	// Denied: record the violation and possibly transition to banned
	v, ok := l.violations[key]
	if !ok {
		v = &violation{firstAt: now}
		l.violations[key] = v
	}
	v.count++
	v.lastAt = now
	l.denied++

	if v.count >= l.cfg.BanThreshold {
		l.bans[key] = ban{bannedAt: now, duration: l.cfg.BanDuration}
		l.totalBans++
		slog.Warn("rate limit ban",
			"key", key,
			"violations", v.count,
			"duration", l.cfg.BanDuration,
		)
	}

	intervals := (cost + l.cfg.RefillRate - 1) / l.cfg.RefillRate
	return Decision{
		Allowed:    false,
		Reason:     ReasonRateLimit,
		RetryAfter: time.Duration(intervals) * l.cfg.RefillInterval,
	}
}

// refill applies the lazy token-bucket invariant. lastRefill advances only by
// whole intervals so fractional elapsed time is never lost.
func (l *Limiter) refill(b *bucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < l.cfg.RefillInterval {
		return
	}
	intervals := int(elapsed / l.cfg.RefillInterval)
	b.tokens += intervals * l.cfg.RefillRate
	if b.tokens > l.cfg.Capacity {
		b.tokens = l.cfg.Capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * l.cfg.RefillInterval)
}

// banRemaining reports whether key is banned; expired bans are removed on read
func (l *Limiter) banRemaining(key string, now time.Time) (time.Duration, bool) {
	bn, ok := l.bans[key]
	if !ok {
		return 0, false
	}
	elapsed := now.Sub(bn.bannedAt)
	if elapsed >= bn.duration {
		delete(l.bans, key)
		delete(l.violations, key)
		return 0, false
	}
	return bn.duration - elapsed, true
}

// IsBanned reports whether key is currently banned and the remaining duration
func (l *Limiter) IsBanned(key string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.banRemaining(key, time.Now())
}

// Unban clears a ban and its violation record
func (l *Limiter) Unban(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bans, key)
	delete(l.violations, key)
}

// Violations returns violation stats for key. EventsPerSecond is the denial
// rate since the first violation; ShouldThrottle signals the auto-throttle
// path in the connection handler.
func (l *Limiter) Violations(key string) ViolationStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.violations[key]
	if !ok {
		return ViolationStats{}
	}
	elapsed := time.Since(v.firstAt).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	eps := float64(v.count) / elapsed
	return ViolationStats{
		Count:           v.count,
		EventsPerSecond: eps,
		ShouldThrottle:  eps > l.cfg.MaxEventsPerSecond,
	}
}

// RiskScore computes the risk score for key from its violation history.
// The score is clamped to [0,100]; isBot is true above 80.
func (l *Limiter) RiskScore(key string) (int, bool) {
	stats := l.Violations(key)

	score := 0
	switch {
	case stats.EventsPerSecond > 10:
		score += 40
	case stats.EventsPerSecond > 5:
		score += 20
	}
	switch {
	case stats.Count > 30:
		score += 30
	case stats.Count > 10:
		score += 15
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, score > 80
}

// TryThrottle records an auto-throttle for key, de-bounced so at most one
// SET_LATENCY command is issued per key per debounce window. Returns true
// if the caller should publish the throttle command now.
func (l *Limiter) TryThrottle(key string) bool {
	if !l.cfg.AutoThrottle {
		return false
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.lastThrottle[key]; ok && now.Sub(last) < l.cfg.ThrottleDebounce {
		return false
	}
	l.lastThrottle[key] = now
	l.throttles++
	return true
}

// ThrottleLatencyMs returns the latency applied by auto-throttle
func (l *Limiter) ThrottleLatencyMs() int {
	return l.cfg.ThrottleLatencyMs
}

// Sweep evicts idle buckets and violation records and purges expired bans.
// Safe to run concurrently with traffic; called by background maintenance.
func (l *Limiter) Sweep() (evicted int) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.InactivityEviction {
			delete(l.buckets, key)
			evicted++
		}
	}
	for key, v := range l.violations {
		if _, banned := l.bans[key]; banned {
			continue
		}
		if now.Sub(v.lastAt) > l.cfg.InactivityEviction {
			delete(l.violations, key)
			delete(l.lastThrottle, key)
			evicted++
		}
	}
	for key, bn := range l.bans {
		if now.Sub(bn.bannedAt) >= bn.duration {
			delete(l.bans, key)
			delete(l.violations, key)
			evicted++
		}
	}
	return evicted
}

// Stats returns aggregate limiter statistics
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		ActiveBuckets:  len(l.buckets),
		TrackedKeys:    len(l.violations),
		ActiveBans:     len(l.bans),
		TotalAdmitted:  l.admitted,
		TotalDenied:    l.denied,
		TotalBansEver:  l.totalBans,
		TotalThrottles: l.throttles,
	}
}
