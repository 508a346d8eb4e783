// Package calllog keeps an audit trail of relayed calls and the tools they
// invoked. It does not store conversation content or audio.
package calllog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("call not found")

// CallRecord is one relayed call.
type CallRecord struct {
	ID         string     `json:"id"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	StreamSID  string     `json:"stream_sid,omitempty"`
	CallSID    string     `json:"call_sid,omitempty"`
	EndReason  string     `json:"end_reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// ToolRecord is one tool invocation made during a call.
type ToolRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CallID    string    `json:"call_id"`
	Tool      string    `json:"tool"`
	Arguments string    `json:"arguments"`
	Outcome   string    `json:"outcome"`
	LatencyMS int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists call audit records.
type Store interface {
	CallStarted(ctx context.Context, record CallRecord) error
	StreamAttached(ctx context.Context, sessionID, streamSID, callSID string) error
	CallEnded(ctx context.Context, sessionID, reason string, endedAt time.Time) error
	ToolInvoked(ctx context.Context, record ToolRecord) error
	RecentCalls(ctx context.Context, limit int) ([]CallRecord, error)
	ToolHistory(ctx context.Context, sessionID string) ([]ToolRecord, error)
	Close() error
}
