package session

import "time"

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// Session is the registry view of one relayed call.
type Session struct {
	ID             string    `json:"session_id"`
	Status         Status    `json:"status"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	StreamSID      string    `json:"stream_sid,omitempty"`
	CallSID        string    `json:"call_sid,omitempty"`
	ToolCalls      int       `json:"tool_calls"`
	EndReason      string    `json:"end_reason,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
}

// Gauge is the subset of prometheus.Gauge the manager drives.
type Gauge interface {
	Inc()
	Dec()
}
