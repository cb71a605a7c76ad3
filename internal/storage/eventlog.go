package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// EventRow is a normalized, size-bounded telemetry event ready for the
// append-only log. Normalization (clamps, truncation, IPv4 packing) happens
// in the event sink before rows reach this store.
type EventRow struct {
	SessionHash     string    `json:"session_hash"`
	IPv4            uint32    `json:"ipv4"` // packed big-endian, 0 when invalid
	EventType       string    `json:"event_type"`
	InteractionType string    `json:"interaction_type,omitempty"`
	PageURL         string    `json:"page_url,omitempty"`
	ScreenWidth     int       `json:"screen_width"`
	ScreenHeight    int       `json:"screen_height"`
	LatencyMs       int       `json:"latency_ms"`
	Lat             float64   `json:"lat"`
	Lon             float64   `json:"lon"`
	BatteryLevel    *float64  `json:"battery_level,omitempty"`
	RiskScore       int       `json:"risk_score"`
	Payload         string    `json:"payload"` // truncated JSON
	Timestamp       time.Time `json:"timestamp"`
}

// ViolationRow records one rate-limit denial burst for the audit trail
type ViolationRow struct {
	SessionHash     string    `json:"session_hash"`
	Count           int       `json:"count"`
	EventsPerSecond float64   `json:"events_per_second"`
	Timestamp       time.Time `json:"timestamp"`
}

// EventLog is the append-only time-series store: telemetry events, the
// command log, and rate-limit violations, all with retention-based cleanup.
type EventLog struct {
	db *sql.DB
}

// NewEventLog opens (or creates) the event log database
func NewEventLog(dbPath string) (*EventLog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	l := &EventLog{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("event log initialized", "path", dbPath)
	return l, nil
}

func (l *EventLog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_hash TEXT NOT NULL,
		ipv4 INTEGER NOT NULL DEFAULT 0,
		event_type TEXT NOT NULL,
		interaction_type TEXT,
		page_url TEXT,
		screen_width INTEGER NOT NULL DEFAULT 0,
		screen_height INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		lat REAL NOT NULL DEFAULT 0,
		lon REAL NOT NULL DEFAULT 0,
		battery_level REAL,
		risk_score INTEGER NOT NULL DEFAULT 0,
		payload TEXT,
		timestamp DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_hash, timestamp);
	CREATE INDEX IF NOT EXISTS idx_events_time ON events(timestamp);

	CREATE TABLE IF NOT EXISTS command_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_id TEXT NOT NULL,
		session_hash TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_command_log_time ON command_log(timestamp);

	CREATE TABLE IF NOT EXISTS rate_limit_violations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_hash TEXT NOT NULL,
		count INTEGER NOT NULL,
		events_per_second REAL NOT NULL,
		timestamp DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_violations_time ON rate_limit_violations(timestamp);
	`
	_, err := l.db.Exec(schema)
	return err
}

// WriteEvents appends a batch of events in one transaction
func (l *EventLog) WriteEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events
		(session_hash, ipv4, event_type, interaction_type, page_url,
		 screen_width, screen_height, latency_ms, lat, lon, battery_level,
		 risk_score, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		var battery any
		if r.BatteryLevel != nil {
			battery = *r.BatteryLevel
		}
		if _, err := stmt.ExecContext(ctx,
			r.SessionHash, int64(r.IPv4), r.EventType, r.InteractionType, r.PageURL,
			r.ScreenWidth, r.ScreenHeight, r.LatencyMs, r.Lat, r.Lon, battery,
			r.RiskScore, r.Payload, r.Timestamp,
		); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

// LogCommand appends a command-log entry
func (l *EventLog) LogCommand(ctx context.Context, commandID, sessionHash, cmdType, status string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO command_log (command_id, session_hash, type, status, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		commandID, sessionHash, cmdType, status, time.Now())
	if err != nil {
		return fmt.Errorf("failed to log command: %w", err)
	}
	return nil
}

// LogViolation appends a rate-limit violation entry
func (l *EventLog) LogViolation(ctx context.Context, v ViolationRow) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO rate_limit_violations (session_hash, count, events_per_second, timestamp)
		VALUES (?, ?, ?, ?)`,
		v.SessionHash, v.Count, v.EventsPerSecond, v.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to log violation: %w", err)
	}
	return nil
}

// EventSummary aggregates the event log within a time window
type EventSummary struct {
	TotalEvents    int64            `json:"totalEvents"`
	UniqueSessions int64            `json:"uniqueSessions"`
	EventsByType   map[string]int64 `json:"eventsByType"`
}

// GetEventSummary aggregates events since the window start. The window is
// always bound as a query parameter, never interpolated.
func (l *EventLog) GetEventSummary(ctx context.Context, hours int) (*EventSummary, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	summary := &EventSummary{EventsByType: make(map[string]int64)}

	row := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT session_hash) FROM events WHERE timestamp >= ?`, since)
	if err := row.Scan(&summary.TotalEvents, &summary.UniqueSessions); err != nil {
		return nil, fmt.Errorf("failed to get event summary: %w", err)
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM events WHERE timestamp >= ? GROUP BY event_type`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get events by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var typ string
		var count int64
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		summary.EventsByType[typ] = count
	}
	return summary, rows.Err()
}

// GetSessionTimeline returns the most recent events for one session
func (l *EventLog) GetSessionTimeline(ctx context.Context, hash string, limit int) ([]EventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_hash, ipv4, event_type, COALESCE(interaction_type,''),
		       COALESCE(page_url,''), screen_width, screen_height, latency_ms,
		       lat, lon, battery_level, risk_score, COALESCE(payload,''), timestamp
		FROM events WHERE session_hash = ? ORDER BY timestamp DESC LIMIT ?`,
		hash, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session timeline: %w", err)
	}
	defer rows.Close()

	var result []EventRow
	for rows.Next() {
		var r EventRow
		var ipv4 int64
		var battery sql.NullFloat64
		if err := rows.Scan(&r.SessionHash, &ipv4, &r.EventType, &r.InteractionType,
			&r.PageURL, &r.ScreenWidth, &r.ScreenHeight, &r.LatencyMs,
			&r.Lat, &r.Lon, &battery, &r.RiskScore, &r.Payload, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		r.IPv4 = uint32(ipv4)
		if battery.Valid {
			v := battery.Float64
			r.BatteryLevel = &v
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// CountRows returns table counts for /admin/analytics dbStats
func (l *EventLog) CountRows(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, table := range []string{"events", "command_log", "rate_limit_violations"} {
		var n int64
		// table names come from the fixed list above, not from input
		row := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table)
		if err := row.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Cleanup removes rows older than retentionDays from all three tables
func (l *EventLog) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var total int64
	for _, table := range []string{"events", "command_log", "rate_limit_violations"} {
		result, err := l.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE timestamp < ?", cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to cleanup %s: %w", table, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	if total > 0 {
		slog.Info("cleaned up old event log rows", "deleted", total, "retention_days", retentionDays)
	}
	return total, nil
}

// Ping reports store health
func (l *EventLog) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database connection
func (l *EventLog) Close() error {
	return l.db.Close()
}
