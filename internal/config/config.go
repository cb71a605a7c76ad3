package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for spindle
type Config struct {
	Listen    string          `yaml:"listen"`  // ingest listener (/ws, /beacon, /health)
	Admin     AdminConfig     `yaml:"admin"`   // admin API listener and auth
	TLS       TLSConfig       `yaml:"tls"`     // TLS for the ingest listener
	Limiter   LimiterConfig   `yaml:"limiter"` // per-session admission control
	Conn      ConnConfig      `yaml:"connection"`
	Bus       BusConfig       `yaml:"bus"`
	Sink      SinkConfig      `yaml:"sink"`
	Storage   StorageConfig   `yaml:"storage"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AdminConfig holds admin API configuration
type AdminConfig struct {
	Listen string `yaml:"listen"`
	APIKey string `yaml:"api_key"` // shared secret for X-API-Key
	// Ingress rate limit applied to every HTTP route, per client IP
	RateLimit       int           `yaml:"rate_limit"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

// TLSConfig holds TLS configuration for the ingest listener
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// Auto-generate self-signed cert for development
	AutoCert bool `yaml:"auto_cert"`
}

// LimiterConfig holds token-bucket rate limiter configuration
type LimiterConfig struct {
	Capacity           int           `yaml:"capacity"`              // bucket capacity (default 20)
	RefillRate         int           `yaml:"refill_rate"`           // tokens per interval (default 5)
	RefillInterval     time.Duration `yaml:"refill_interval"`       // refill interval (default 1s)
	MaxEventsPerSecond float64       `yaml:"max_events_per_second"` // soft threshold for auto-throttle
	AutoThrottle       bool          `yaml:"auto_throttle"`
	ThrottleLatencyMs  int           `yaml:"throttle_latency_ms"`
	ThrottleDebounce   time.Duration `yaml:"throttle_debounce"` // min gap between auto SET_LATENCY per session
	BanThreshold       int           `yaml:"ban_threshold"`     // violations before ban
	BanDuration        time.Duration `yaml:"ban_duration"`
	InactivityEviction time.Duration `yaml:"inactivity_eviction"` // idle bucket/violation eviction
}

// ConnConfig holds per-connection configuration
type ConnConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`   // server ping cadence (default 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`    // close after no traffic (default 90s)
	SendQueueSize  int           `yaml:"send_queue_size"` // outbound frame queue (default 256)
	MaxMessageSize int64         `yaml:"max_message_size"`
}

// BusConfig holds command bus configuration
type BusConfig struct {
	// Backend: "redis" for multi-node, "local" for in-process single node
	Backend        string        `yaml:"backend"`
	Topic          string        `yaml:"topic"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	PresenceTTL    time.Duration `yaml:"presence_ttl"`
	Redis          RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SinkConfig holds event sink configuration
type SinkConfig struct {
	MaxQueue      int           `yaml:"max_queue"`      // bounded queue length (default 10000)
	BatchSize     int           `yaml:"batch_size"`     // rows per flush (default 100)
	FlushInterval time.Duration `yaml:"flush_interval"` // periodic flush (default 5s)
	MaxRequeue    int           `yaml:"max_requeue"`    // events re-queued after a failed flush
}

// StorageConfig holds the two persistent stores
type StorageConfig struct {
	// Append-only event log (events, command log, rate violations)
	EventsPath         string `yaml:"events_path"`
	EventRetentionDays int    `yaml:"event_retention_days"`
	// Transactional session store (session metadata, command audit, stats)
	SessionsPath         string        `yaml:"sessions_path"`
	SessionRetentionDays int           `yaml:"session_retention_days"`
	OpTimeout            time.Duration `yaml:"op_timeout"`
	WriteQueueSize       int           `yaml:"write_queue_size"`
}

// GeoIPConfig holds GeoIP enrichment configuration
type GeoIPConfig struct {
	// Extra CIDR entries merged over the built-in table
	Entries []GeoIPEntry `yaml:"entries"`
}

// GeoIPEntry maps a CIDR prefix to geo attributes
type GeoIPEntry struct {
	CIDR    string  `yaml:"cidr"`
	Country string  `yaml:"country"`
	City    string  `yaml:"city"`
	Lat     float64 `yaml:"lat"`
	Lon     float64 `yaml:"lon"`
	ISP     string  `yaml:"isp"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- config path from trusted CLI flag
	if err != nil {
		// Return defaults if config file doesn't exist
		if os.IsNotExist(err) {
			cfg := Defaults()
			cfg.applyEnvOverrides()
			if err := cfg.validate(); err != nil {
				return nil, fmt.Errorf("validating config: %w", err)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Defaults returns a Config with sensible default values
func Defaults() *Config {
	return &Config{
		Listen: ":8080",
		Admin: AdminConfig{
			Listen:          ":9090",
			RateLimit:       100,
			RateLimitWindow: time.Minute,
		},
		Limiter: LimiterConfig{
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
		},
		Conn: ConnConfig{
			PingInterval:   30 * time.Second,
			IdleTimeout:    90 * time.Second,
			SendQueueSize:  256,
			MaxMessageSize: 1048576, // 1MB
		},
		Bus: BusConfig{
			Backend:        "local",
			Topic:          "traffic:commands",
			PublishTimeout: time.Second,
			PresenceTTL:    2 * time.Minute,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				DB:        0,
				KeyPrefix: "spindle:",
			},
		},
		Sink: SinkConfig{
			MaxQueue:      10000,
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
			MaxRequeue:    1000,
		},
		Storage: StorageConfig{
			EventsPath:           "data/events.db",
			EventRetentionDays:   30,
			SessionsPath:         "data/sessions.db",
			SessionRetentionDays: 7,
			OpTimeout:            30 * time.Second,
			WriteQueueSize:       4096,
		},
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "spindle",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SPINDLE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("SPINDLE_ADMIN_LISTEN"); v != "" {
		c.Admin.Listen = v
	}
	if v := os.Getenv("SPINDLE_ADMIN_KEY"); v != "" {
		c.Admin.APIKey = v
	}
	if v := os.Getenv("SPINDLE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SPINDLE_BUS_BACKEND"); v != "" {
		c.Bus.Backend = v
	}
	if v := os.Getenv("SPINDLE_REDIS_ADDR"); v != "" {
		c.Bus.Redis.Addr = v
	}
	if v := os.Getenv("SPINDLE_REDIS_PASSWORD"); v != "" {
		c.Bus.Redis.Password = v
	}
	if v := os.Getenv("SPINDLE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Bus.Redis.DB = db
		}
	}
	if v := os.Getenv("SPINDLE_EVENTS_PATH"); v != "" {
		c.Storage.EventsPath = v
	}
	if v := os.Getenv("SPINDLE_SESSIONS_PATH"); v != "" {
		c.Storage.SessionsPath = v
	}

	// Telemetry overrides, including the standard OTEL env vars
	if os.Getenv("SPINDLE_TELEMETRY_ENABLED") == "true" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("SPINDLE_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Exporter = "otlp"
		c.Telemetry.Endpoint = v
	}
	if os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true" {
		c.Telemetry.Insecure = true
	}
}

// validate checks configuration for invalid combinations
func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Admin.Listen == "" {
		return fmt.Errorf("admin listen address is required")
	}
	if c.Admin.APIKey == "" {
		return fmt.Errorf("admin api_key is required (set admin.api_key or SPINDLE_ADMIN_KEY)")
	}
	if c.Limiter.Capacity <= 0 {
		return fmt.Errorf("limiter capacity must be positive, got %d", c.Limiter.Capacity)
	}
	if c.Limiter.RefillRate <= 0 {
		return fmt.Errorf("limiter refill_rate must be positive, got %d", c.Limiter.RefillRate)
	}
	if c.Limiter.RefillInterval <= 0 {
		return fmt.Errorf("limiter refill_interval must be positive")
	}
	if c.Limiter.ThrottleLatencyMs < 0 {
		return fmt.Errorf("throttle_latency_ms must be >= 0")
	}
	switch c.Bus.Backend {
	case "local", "redis":
	default:
		return fmt.Errorf("bus backend must be \"local\" or \"redis\", got %q", c.Bus.Backend)
	}
	if c.Bus.Backend == "redis" && c.Bus.Redis.Addr == "" {
		return fmt.Errorf("bus redis addr is required when backend is redis")
	}
	if c.Sink.MaxQueue <= 0 {
		return fmt.Errorf("sink max_queue must be positive")
	}
	if c.Sink.BatchSize <= 0 || c.Sink.BatchSize > c.Sink.MaxQueue {
		return fmt.Errorf("sink batch_size must be in 1..max_queue")
	}
	if c.Conn.SendQueueSize <= 0 {
		return fmt.Errorf("connection send_queue_size must be positive")
	}
	for _, e := range c.GeoIP.Entries {
		if e.CIDR == "" {
			return fmt.Errorf("geoip entry missing cidr")
		}
	}
	return nil
}
