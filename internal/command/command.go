package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies an outbound remote command
type Type string

const (
	SetLatency   Type = "SET_LATENCY"
	Terminate    Type = "TERMINATE"
	ToastAlert   Type = "TOAST_ALERT"
	Redirect     Type = "REDIRECT"
	RefreshPage  Type = "REFRESH_PAGE"
	ClearStorage Type = "CLEAR_STORAGE"
	LogMessage   Type = "LOG_MESSAGE"
	UpdateConfig Type = "UPDATE_CONFIG"
	CustomEvent  Type = "CUSTOM_EVENT"
)

// Valid reports whether t is a known command type
func (t Type) Valid() bool {
	switch t {
	case SetLatency, Terminate, ToastAlert, Redirect, RefreshPage,
		ClearStorage, LogMessage, UpdateConfig, CustomEvent:
		return true
	}
	return false
}

// Envelope is the unit of outbound control traffic
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Status tracks delivery of a command through the audit log
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusAcknowledged Status = "acknowledged"
	StatusFailed       Status = "failed"
)

// New builds an envelope with a fresh id and marshalled payload.
// Payloads are opaque JSON on the wire; callers use the typed
// constructors below for the well-known shapes.
func New(t Type, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		Payload:   data,
		CreatedAt: time.Now(),
	}, nil
}

// SetLatencyPayload steers the client's self-imposed delay
type SetLatencyPayload struct {
	LatencyMs int `json:"latency_ms"`
}

// TerminatePayload stops the client and disables its UI
type TerminatePayload struct {
	Reason string `json:"reason"`
}

// ToastPayload renders a toast on the client
type ToastPayload struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	DurationMs int    `json:"duration"`
}

// RedirectPayload navigates the client
type RedirectPayload struct {
	URL    string `json:"url"`
	NewTab bool   `json:"newTab"`
}

// NewSetLatency builds a SET_LATENCY envelope. Negative latency is clamped to 0.
func NewSetLatency(latencyMs int) Envelope {
	if latencyMs < 0 {
		latencyMs = 0
	}
	env, _ := New(SetLatency, SetLatencyPayload{LatencyMs: latencyMs})
	return env
}

// NewTerminate builds a TERMINATE envelope
func NewTerminate(reason string) Envelope {
	env, _ := New(Terminate, TerminatePayload{Reason: reason})
	return env
}

// NewToast builds a TOAST_ALERT envelope
func NewToast(message, toastType string, durationMs int) Envelope {
	if toastType == "" {
		toastType = "info"
	}
	if durationMs <= 0 {
		durationMs = 5000
	}
	env, _ := New(ToastAlert, ToastPayload{Message: message, Type: toastType, DurationMs: durationMs})
	return env
}

// NewRedirect builds a REDIRECT envelope
func NewRedirect(url string, newTab bool) Envelope {
	env, _ := New(Redirect, RedirectPayload{URL: url, NewTab: newTab})
	return env
}

// Audit is the durable record written for every issued command
type Audit struct {
	CommandID      string     `json:"command_id"`
	SessionHash    string     `json:"session_hash"`
	Type           Type       `json:"type"`
	Payload        string     `json:"payload"`
	AdminID        string     `json:"admin_id"`
	AdminIP        string     `json:"admin_ip"`
	Status         Status     `json:"status"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}
