package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"spindle/internal/command"
	"spindle/internal/session"
)

// SessionStore is the transactional store for session metadata, command
// audit history, and the materialized dashboard snapshot.
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore opens (or creates) the session database
func NewSessionStore(dbPath string) (*SessionStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL for concurrent readers against the single writer
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SessionStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("session store initialized", "path", dbPath)
	return s, nil
}

func (s *SessionStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_hash TEXT PRIMARY KEY,
		ip_address TEXT NOT NULL DEFAULT '',
		country TEXT,
		city TEXT,
		lat REAL,
		lon REAL,
		isp TEXT,
		user_agent TEXT,
		page_url TEXT,
		referrer TEXT,
		screen_width INTEGER NOT NULL DEFAULT 0,
		screen_height INTEGER NOT NULL DEFAULT 0,
		timezone TEXT,
		network_type TEXT,
		battery_level REAL,
		mode TEXT NOT NULL DEFAULT 'normal',
		current_latency_ms INTEGER NOT NULL DEFAULT 0,
		total_events INTEGER NOT NULL DEFAULT 0,
		risk_score INTEGER NOT NULL DEFAULT 0,
		is_bot INTEGER NOT NULL DEFAULT 0,
		violation_count INTEGER NOT NULL DEFAULT 0,
		connected INTEGER NOT NULL DEFAULT 0,
		first_seen DATETIME NOT NULL,
		last_seen DATETIME NOT NULL,
		last_violation_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen);
	CREATE INDEX IF NOT EXISTS idx_sessions_mode ON sessions(mode);
	CREATE INDEX IF NOT EXISTS idx_sessions_risk ON sessions(risk_score);

	CREATE TABLE IF NOT EXISTS commands (
		command_id TEXT PRIMARY KEY,
		session_hash TEXT NOT NULL,
		type TEXT NOT NULL,
		payload TEXT,
		admin_id TEXT,
		admin_ip TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT,
		created_at DATETIME NOT NULL,
		acknowledged_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_hash, created_at);

	CREATE TABLE IF NOT EXISTS dashboard_stats (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		refreshed_at DATETIME NOT NULL,
		total_sessions INTEGER NOT NULL DEFAULT 0,
		connected_sessions INTEGER NOT NULL DEFAULT 0,
		terminated_sessions INTEGER NOT NULL DEFAULT 0,
		high_risk_sessions INTEGER NOT NULL DEFAULT 0,
		bot_sessions INTEGER NOT NULL DEFAULT 0,
		total_events INTEGER NOT NULL DEFAULT 0,
		total_commands INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertSession writes the full durable projection of a session
func (s *SessionStore) UpsertSession(ctx context.Context, snap session.Snapshot) error {
	var lastViolation any
	if snap.LastViolationAt != nil {
		lastViolation = *snap.LastViolationAt
	}
	var battery any
	if snap.Meta.BatteryLevel != nil {
		battery = *snap.Meta.BatteryLevel
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
		(session_hash, ip_address, country, city, lat, lon, isp,
		 user_agent, page_url, referrer, screen_width, screen_height,
		 timezone, network_type, battery_level, mode, current_latency_ms,
		 total_events, risk_score, is_bot, violation_count, connected,
		 first_seen, last_seen, last_violation_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_hash) DO UPDATE SET
			ip_address = excluded.ip_address,
			country = excluded.country,
			city = excluded.city,
			lat = excluded.lat,
			lon = excluded.lon,
			isp = excluded.isp,
			user_agent = excluded.user_agent,
			page_url = excluded.page_url,
			referrer = excluded.referrer,
			screen_width = excluded.screen_width,
			screen_height = excluded.screen_height,
			timezone = excluded.timezone,
			network_type = excluded.network_type,
			battery_level = excluded.battery_level,
			mode = excluded.mode,
			current_latency_ms = excluded.current_latency_ms,
			connected = excluded.connected,
			last_seen = excluded.last_seen`,
		snap.Hash, snap.IPAddress, snap.Geo.Country, snap.Geo.City,
		snap.Geo.Lat, snap.Geo.Lon, snap.Geo.ISP,
		snap.Meta.UserAgent, snap.Meta.PageURL, snap.Meta.Referrer,
		snap.Meta.ScreenWidth, snap.Meta.ScreenHeight,
		snap.Meta.Timezone, snap.Meta.NetworkType, battery,
		string(snap.Mode), snap.CurrentLatencyMs,
		snap.TotalEvents, snap.RiskScore, boolToInt(snap.IsBot),
		snap.ViolationCount, boolToInt(snap.Connected),
		snap.FirstSeen, snap.LastSeen, lastViolation,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// SetConnected flips the connected flag
func (s *SessionStore) SetConnected(ctx context.Context, hash string, connected bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET connected = ?, last_seen = ? WHERE session_hash = ?`,
		boolToInt(connected), time.Now(), hash)
	if err != nil {
		return fmt.Errorf("failed to set connected: %w", err)
	}
	return nil
}

// IncrementEventCount adds delta events to a session row
func (s *SessionStore) IncrementEventCount(ctx context.Context, hash string, delta int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET total_events = total_events + ?, last_seen = ? WHERE session_hash = ?`,
		delta, time.Now(), hash)
	if err != nil {
		return fmt.Errorf("failed to increment event count: %w", err)
	}
	return nil
}

// SetMode records a mode change
func (s *SessionStore) SetMode(ctx context.Context, hash string, mode session.Mode, latencyMs int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET mode = ?, current_latency_ms = ? WHERE session_hash = ?`,
		string(mode), latencyMs, hash)
	if err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

// SetRisk records the latest risk evaluation
func (s *SessionStore) SetRisk(ctx context.Context, hash string, score int, isBot bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET risk_score = ?, is_bot = ? WHERE session_hash = ?`,
		score, boolToInt(isBot), hash)
	if err != nil {
		return fmt.Errorf("failed to set risk: %w", err)
	}
	return nil
}

// IncrementViolations bumps the violation counter
func (s *SessionStore) IncrementViolations(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET violation_count = violation_count + 1, last_violation_at = ? WHERE session_hash = ?`,
		time.Now(), hash)
	if err != nil {
		return fmt.Errorf("failed to increment violations: %w", err)
	}
	return nil
}

// LogCommand writes the audit row for a freshly issued command
func (s *SessionStore) LogCommand(ctx context.Context, audit command.Audit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO commands
		(command_id, session_hash, type, payload, admin_id, admin_ip, status, error_message, created_at, acknowledged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		audit.CommandID, audit.SessionHash, string(audit.Type), audit.Payload,
		audit.AdminID, audit.AdminIP, string(audit.Status), audit.ErrorMessage,
		audit.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log command: %w", err)
	}
	return nil
}

// UpdateCommandStatus advances the audit status of a command
func (s *SessionStore) UpdateCommandStatus(ctx context.Context, commandID string, status command.Status, errMsg string) error {
	var ackAt any
	if status == command.StatusAcknowledged {
		ackAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, error_message = ?, acknowledged_at = COALESCE(?, acknowledged_at) WHERE command_id = ?`,
		string(status), errMsg, ackAt, commandID)
	if err != nil {
		return fmt.Errorf("failed to update command status: %w", err)
	}
	return nil
}

// SessionRow is a durable session projection returned by read views
type SessionRow struct {
	SessionHash      string     `json:"sessionHash"`
	IPAddress        string     `json:"ipAddress"`
	Country          string     `json:"country,omitempty"`
	City             string     `json:"city,omitempty"`
	Lat              float64    `json:"lat,omitempty"`
	Lon              float64    `json:"lon,omitempty"`
	ISP              string     `json:"isp,omitempty"`
	UserAgent        string     `json:"userAgent,omitempty"`
	Mode             string     `json:"mode"`
	CurrentLatencyMs int        `json:"currentLatencyMs"`
	TotalEvents      int64      `json:"totalEvents"`
	RiskScore        int        `json:"riskScore"`
	IsBot            bool       `json:"isBot"`
	ViolationCount   int        `json:"violationCount"`
	Connected        bool       `json:"connected"`
	FirstSeen        time.Time  `json:"firstSeen"`
	LastSeen         time.Time  `json:"lastSeen"`
	LastViolationAt  *time.Time `json:"lastViolationAt,omitempty"`
}

const sessionCols = `session_hash, ip_address, COALESCE(country,''), COALESCE(city,''),
	COALESCE(lat,0), COALESCE(lon,0), COALESCE(isp,''), COALESCE(user_agent,''),
	mode, current_latency_ms, total_events, risk_score, is_bot, violation_count,
	connected, first_seen, last_seen, last_violation_at`

func scanSessionRow(scan func(...any) error) (SessionRow, error) {
	var row SessionRow
	var isBot, connected int
	var lastViolation sql.NullTime
	err := scan(
		&row.SessionHash, &row.IPAddress, &row.Country, &row.City,
		&row.Lat, &row.Lon, &row.ISP, &row.UserAgent,
		&row.Mode, &row.CurrentLatencyMs, &row.TotalEvents, &row.RiskScore,
		&isBot, &row.ViolationCount, &connected, &row.FirstSeen, &row.LastSeen,
		&lastViolation,
	)
	if err != nil {
		return row, err
	}
	row.IsBot = isBot != 0
	row.Connected = connected != 0
	if lastViolation.Valid {
		row.LastViolationAt = &lastViolation.Time
	}
	return row, nil
}

// GetSession retrieves one session row, nil if absent
func (s *SessionStore) GetSession(ctx context.Context, hash string) (*SessionRow, error) {
	r := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE session_hash = ?`, hash)
	row, err := scanSessionRow(r.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &row, nil
}

// GetActiveSessions lists sessions seen within the window
func (s *SessionStore) GetActiveSessions(ctx context.Context, minutesAgo int) ([]SessionRow, error) {
	since := time.Now().Add(-time.Duration(minutesAgo) * time.Minute)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE last_seen >= ? ORDER BY last_seen DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	defer rows.Close()
	return collectSessionRows(rows)
}

// GetHighRiskSessions lists sessions with risk_score above 50 or flagged as bots
func (s *SessionStore) GetHighRiskSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE risk_score > 50 OR is_bot = 1 ORDER BY risk_score DESC LIMIT 100`)
	if err != nil {
		return nil, fmt.Errorf("failed to list high risk sessions: %w", err)
	}
	defer rows.Close()
	return collectSessionRows(rows)
}

func collectSessionRows(rows *sql.Rows) ([]SessionRow, error) {
	var result []SessionRow
	for rows.Next() {
		row, err := scanSessionRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// GetCommandHistory returns the most recent commands for a session
func (s *SessionStore) GetCommandHistory(ctx context.Context, hash string, limit int) ([]command.Audit, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT command_id, session_hash, type, COALESCE(payload,''), COALESCE(admin_id,''),
		       COALESCE(admin_ip,''), status, COALESCE(error_message,''), created_at, acknowledged_at
		FROM commands WHERE session_hash = ? ORDER BY created_at DESC LIMIT ?`,
		hash, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get command history: %w", err)
	}
	defer rows.Close()

	var result []command.Audit
	for rows.Next() {
		var a command.Audit
		var typ, status string
		var ackAt sql.NullTime
		if err := rows.Scan(&a.CommandID, &a.SessionHash, &typ, &a.Payload,
			&a.AdminID, &a.AdminIP, &status, &a.ErrorMessage, &a.CreatedAt, &ackAt); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		a.Type = command.Type(typ)
		a.Status = command.Status(status)
		if ackAt.Valid {
			a.AcknowledgedAt = &ackAt.Time
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// DashboardStats is the materialized snapshot refreshed by maintenance
type DashboardStats struct {
	RefreshedAt        time.Time `json:"refreshedAt"`
	TotalSessions      int64     `json:"totalSessions"`
	ConnectedSessions  int64     `json:"connectedSessions"`
	TerminatedSessions int64     `json:"terminatedSessions"`
	HighRiskSessions   int64     `json:"highRiskSessions"`
	BotSessions        int64     `json:"botSessions"`
	TotalEvents        int64     `json:"totalEvents"`
	TotalCommands      int64     `json:"totalCommands"`
}

// RefreshDashboardStats recomputes and stores the snapshot
func (s *SessionStore) RefreshDashboardStats(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO dashboard_stats
		(id, refreshed_at, total_sessions, connected_sessions, terminated_sessions,
		 high_risk_sessions, bot_sessions, total_events, total_commands)
		SELECT 1, ?,
			COUNT(*),
			COALESCE(SUM(connected), 0),
			COALESCE(SUM(CASE WHEN mode = 'terminated' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN risk_score > 50 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(is_bot), 0),
			COALESCE(SUM(total_events), 0),
			(SELECT COUNT(*) FROM commands)
		FROM sessions`, time.Now())
	if err != nil {
		return fmt.Errorf("failed to refresh dashboard stats: %w", err)
	}
	return nil
}

// GetDashboardStats reads the materialized snapshot
func (s *SessionStore) GetDashboardStats(ctx context.Context) (*DashboardStats, error) {
	r := s.db.QueryRowContext(ctx, `
		SELECT refreshed_at, total_sessions, connected_sessions, terminated_sessions,
		       high_risk_sessions, bot_sessions, total_events, total_commands
		FROM dashboard_stats WHERE id = 1`)

	var d DashboardStats
	err := r.Scan(&d.RefreshedAt, &d.TotalSessions, &d.ConnectedSessions,
		&d.TerminatedSessions, &d.HighRiskSessions, &d.BotSessions,
		&d.TotalEvents, &d.TotalCommands)
	if err == sql.ErrNoRows {
		return &DashboardStats{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dashboard stats: %w", err)
	}
	return &d, nil
}

// GeoCount is one row of the country distribution
type GeoCount struct {
	Country string `json:"country"`
	Count   int64  `json:"count"`
}

// GetGeoDistribution aggregates sessions by country within the window
func (s *SessionStore) GetGeoDistribution(ctx context.Context, hours int) ([]GeoCount, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(country, ''), COUNT(*)
		FROM sessions WHERE last_seen >= ?
		GROUP BY country ORDER BY COUNT(*) DESC LIMIT 50`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get geo distribution: %w", err)
	}
	defer rows.Close()

	var result []GeoCount
	for rows.Next() {
		var g GeoCount
		if err := rows.Scan(&g.Country, &g.Count); err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

// GetBotCandidates lists likely-bot sessions seen within the window
func (s *SessionStore) GetBotCandidates(ctx context.Context, hours int) ([]SessionRow, error) {
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions
		 WHERE last_seen >= ? AND (is_bot = 1 OR risk_score > 80)
		 ORDER BY risk_score DESC LIMIT 100`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to get bot candidates: %w", err)
	}
	defer rows.Close()
	return collectSessionRows(rows)
}

// Cleanup deletes disconnected sessions not seen for retentionDays
func (s *SessionStore) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE connected = 0 AND last_seen < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old sessions: %w", err)
	}
	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		slog.Info("cleaned up old sessions", "deleted", deleted, "retention_days", retentionDays)
	}
	return deleted, nil
}

// Ping reports store health
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SessionStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
