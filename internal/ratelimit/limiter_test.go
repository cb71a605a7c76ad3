package ratelimit

import (
	"testing"
	"time"

	"spindle/internal/config"
)

func testConfig() config.LimiterConfig {
	return config.LimiterConfig{
		Capacity:           20,
		RefillRate:         5,
		RefillInterval:     time.Second,
		MaxEventsPerSecond: 5,
		AutoThrottle:       true,
		ThrottleLatencyMs:  2000,
		ThrottleDebounce:   5 * time.Second,
		BanThreshold:       50,
		BanDuration:        5 * time.Minute,
		InactivityEviction: time.Hour,
	}
}

func TestLimiter_AdmitWithinCapacity(t *testing.T) {
	l := New(testConfig())

	for i := 0; i < 20; i++ {
		dec := l.Admit("s1", 1)
		if !dec.Allowed {
			t.Fatalf("admission %d denied, expected capacity of 20", i)
		}
	}

	dec := l.Admit("s1", 1)
	if dec.Allowed {
		t.Error("expected denial after capacity exhausted")
	}
	if dec.Reason != ReasonRateLimit {
		t.Errorf("expected reason %q, got %q", ReasonRateLimit, dec.Reason)
	}
	if dec.RetryAfter <= 0 {
		t.Error("expected positive RetryAfter on denial")
	}
}

func TestLimiter_BatchCost(t *testing.T) {
	l := New(testConfig())

	dec := l.Admit("s1", 15)
	if !dec.Allowed {
		t.Fatal("expected batch of 15 admitted against capacity 20")
	}
	if dec.TokensRemaining != 5 {
		t.Errorf("expected 5 tokens remaining, got %d", dec.TokensRemaining)
	}

	dec = l.Admit("s1", 10)
	if dec.Allowed {
		t.Error("expected batch of 10 denied with 5 tokens left")
	}
	// A denied batch must not consume the remaining tokens
	dec = l.Admit("s1", 5)
	if !dec.Allowed {
		t.Error("expected batch of 5 admitted after denial left tokens intact")
	}
}

func TestLimiter_ZeroCostTreatedAsOne(t *testing.T) {
	l := New(testConfig())

	dec := l.Admit("s1", 0)
	if !dec.Allowed {
		t.Fatal("expected zero-cost admit allowed")
	}
	if dec.TokensRemaining != 19 {
		t.Errorf("expected cost clamped to 1, got %d tokens remaining", dec.TokensRemaining)
	}
}

func TestLimiter_KeysIndependent(t *testing.T) {
	l := New(testConfig())

	for i := 0; i < 20; i++ {
		l.Admit("noisy", 1)
	}
	if dec := l.Admit("noisy", 1); dec.Allowed {
		t.Fatal("expected noisy key exhausted")
	}
	if dec := l.Admit("quiet", 1); !dec.Allowed {
		t.Error("expected unrelated key unaffected")
	}
}

func TestLimiter_BanAfterThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.BanThreshold = 3
	l := New(cfg)

	for i := 0; i < 20; i++ {
		l.Admit("s1", 1)
	}
	// Three denials cross the threshold
	for i := 0; i < 3; i++ {
		l.Admit("s1", 1)
	}

	if _, banned := l.IsBanned("s1"); !banned {
		t.Fatal("expected ban after threshold violations")
	}

	dec := l.Admit("s1", 1)
	if dec.Allowed || dec.Reason != ReasonBanned {
		t.Errorf("expected banned denial, got allowed=%v reason=%q", dec.Allowed, dec.Reason)
	}
}

func TestLimiter_BanExpires(t *testing.T) {
	cfg := testConfig()
	cfg.BanThreshold = 1
	cfg.BanDuration = 10 * time.Millisecond
	l := New(cfg)

	for i := 0; i < 21; i++ {
		l.Admit("s1", 1)
	}
	if _, banned := l.IsBanned("s1"); !banned {
		t.Fatal("expected ban")
	}

	time.Sleep(20 * time.Millisecond)

	if _, banned := l.IsBanned("s1"); banned {
		t.Error("expected ban expired")
	}
	// Violation record resets with the ban
	if stats := l.Violations("s1"); stats.Count != 0 {
		t.Errorf("expected violations cleared after ban expiry, got %d", stats.Count)
	}
}

func TestLimiter_Unban(t *testing.T) {
	cfg := testConfig()
	cfg.BanThreshold = 1
	l := New(cfg)

	for i := 0; i < 21; i++ {
		l.Admit("s1", 1)
	}
	if _, banned := l.IsBanned("s1"); !banned {
		t.Fatal("expected ban")
	}

	l.Unban("s1")
	if _, banned := l.IsBanned("s1"); banned {
		t.Error("expected unbanned")
	}
}

func TestLimiter_ThrottleDebounce(t *testing.T) {
	cfg := testConfig()
	cfg.ThrottleDebounce = 50 * time.Millisecond
	l := New(cfg)

	if !l.TryThrottle("s1") {
		t.Fatal("expected first throttle allowed")
	}
	if l.TryThrottle("s1") {
		t.Error("expected second throttle debounced")
	}

	time.Sleep(60 * time.Millisecond)
	if !l.TryThrottle("s1") {
		t.Error("expected throttle allowed after debounce window")
	}
}

func TestLimiter_ThrottleDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.AutoThrottle = false
	l := New(cfg)

	if l.TryThrottle("s1") {
		t.Error("expected throttle refused when auto-throttle disabled")
	}
}

func TestLimiter_RiskScore(t *testing.T) {
	l := New(testConfig())

	// No violations: zero score, not a bot
	score, isBot := l.RiskScore("clean")
	if score != 0 || isBot {
		t.Errorf("expected 0/false for clean key, got %d/%v", score, isBot)
	}

	// Drive a burst: 20 admits then 40 rapid denials.
	// 40 denials in ~0s gives eps > 10 (+40) and count > 30 (+30).
	for i := 0; i < 60; i++ {
		l.Admit("bursty", 1)
	}
	score, isBot = l.RiskScore("bursty")
	if score != 70 {
		t.Errorf("expected score 70, got %d", score)
	}
	if isBot {
		t.Error("expected isBot false at score 70")
	}
}

func TestLimiter_Sweep(t *testing.T) {
	cfg := testConfig()
	cfg.InactivityEviction = time.Millisecond
	l := New(cfg)

	l.Admit("s1", 1)
	l.Admit("s2", 1)
	time.Sleep(5 * time.Millisecond)

	evicted := l.Sweep()
	if evicted != 2 {
		t.Errorf("expected 2 buckets evicted, got %d", evicted)
	}
	if stats := l.Stats(); stats.ActiveBuckets != 0 {
		t.Errorf("expected no active buckets, got %d", stats.ActiveBuckets)
	}
}

func TestLimiter_SweepKeepsBannedViolations(t *testing.T) {
	cfg := testConfig()
	cfg.BanThreshold = 1
	cfg.InactivityEviction = time.Millisecond
	l := New(cfg)

	for i := 0; i < 21; i++ {
		l.Admit("s1", 1)
	}
	time.Sleep(5 * time.Millisecond)
	l.Sweep()

	if _, banned := l.IsBanned("s1"); !banned {
		t.Error("expected active ban to survive the sweep")
	}
}

func TestLimiter_Refill(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 5
	cfg.RefillRate = 5
	cfg.RefillInterval = 20 * time.Millisecond
	l := New(cfg)

	for i := 0; i < 5; i++ {
		l.Admit("s1", 1)
	}
	if dec := l.Admit("s1", 1); dec.Allowed {
		t.Fatal("expected exhausted")
	}

	time.Sleep(25 * time.Millisecond)

	dec := l.Admit("s1", 1)
	if !dec.Allowed {
		t.Error("expected tokens refilled after interval")
	}
}

func TestLimiter_Stats(t *testing.T) {
	l := New(testConfig())

	for i := 0; i < 25; i++ {
		l.Admit("s1", 1)
	}

	stats := l.Stats()
	if stats.TotalAdmitted != 20 {
		t.Errorf("expected 20 admitted, got %d", stats.TotalAdmitted)
	}
	if stats.TotalDenied != 5 {
		t.Errorf("expected 5 denied, got %d", stats.TotalDenied)
	}
	if stats.ActiveBuckets != 1 {
		t.Errorf("expected 1 bucket, got %d", stats.ActiveBuckets)
	}
}
