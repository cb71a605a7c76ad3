package events

import (
	"encoding/json"
	"net/netip"
	"time"

	"spindle/internal/storage"
)

// Bounds applied to every event row before it reaches the log. The log is
// append-only, so a malformed client must not be able to poison it with
// oversized or out-of-range values.
const (
	maxTypeLen    = 64
	maxURLLen     = 2048
	maxPayloadLen = 10000

	maxScreenDim = 10000
	maxLatencyMs = 60000
)

// Raw is an unnormalized client event: the opaque JSON object plus the
// identity the connection handler stamps onto it.
type Raw struct {
	SessionHash string
	IPAddress   string
	Timestamp   time.Time
	Fields      map[string]any
}

// Normalize bounds and clamps a raw event into a storable row. It never
// fails: missing or mistyped fields degrade to zero values.
func Normalize(raw Raw) storage.EventRow {
	row := storage.EventRow{
		SessionHash:     truncate(raw.SessionHash, maxTypeLen),
		IPv4:            packIPv4(raw.IPAddress),
		EventType:       truncate(str(raw.Fields, "type"), maxTypeLen),
		InteractionType: truncate(str(raw.Fields, "interactionType"), maxTypeLen),
		PageURL:         truncate(str(raw.Fields, "pageUrl"), maxURLLen),
		ScreenWidth:     clampInt(num(raw.Fields, "screenWidth"), 0, maxScreenDim),
		ScreenHeight:    clampInt(num(raw.Fields, "screenHeight"), 0, maxScreenDim),
		LatencyMs:       clampInt(num(raw.Fields, "latencyMs"), 0, maxLatencyMs),
		Lat:             clampFloat(num(raw.Fields, "lat"), -90, 90),
		Lon:             clampFloat(num(raw.Fields, "lon"), -180, 180),
		RiskScore:       clampInt(num(raw.Fields, "riskScore"), 0, 100),
		Timestamp:       raw.Timestamp,
	}
	if row.EventType == "" {
		row.EventType = "event"
	}
	// Server time is a fallback only; a client-supplied timestamp wins
	if ts := clientTime(raw.Fields); !ts.IsZero() {
		row.Timestamp = ts
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}

	if v, ok := raw.Fields["batteryLevel"]; ok {
		if f, ok := v.(float64); ok {
			b := clampFloat(f, 0, 100)
			row.BatteryLevel = &b
		}
	}

	if payload, err := json.Marshal(raw.Fields); err == nil {
		row.Payload = truncate(string(payload), maxPayloadLen)
	}
	return row
}

// clientTime parses the event's own timestamp field: epoch milliseconds or
// RFC 3339. Anything else yields zero and the caller's stamp stands.
func clientTime(fields map[string]any) time.Time {
	switch v := fields["timestamp"].(type) {
	case float64:
		if v > 0 {
			return time.UnixMilli(int64(v))
		}
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// packIPv4 validates a textual IPv4 address and packs it big-endian.
// IPv6 and garbage both yield 0; the textual address is never stored.
func packIPv4(s string) uint32 {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return 0
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}

func str(fields map[string]any, key string) string {
	if v, ok := fields[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func num(fields map[string]any, key string) float64 {
	if v, ok := fields[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

func clampInt(f float64, lo, hi int) int {
	n := int(f)
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func clampFloat(f, lo, hi float64) float64 {
	if f < lo {
		return lo
	}
	if f > hi {
		return hi
	}
	return f
}
