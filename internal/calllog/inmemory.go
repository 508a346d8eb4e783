package calllog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps the audit trail in process for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	calls map[string]*CallRecord
	tools map[string][]ToolRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		calls: make(map[string]*CallRecord),
		tools: make(map[string][]ToolRecord),
	}
}

func (s *InMemoryStore) CallStarted(_ context.Context, record CallRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[record.ID] = &record
	return nil
}

func (s *InMemoryStore) StreamAttached(_ context.Context, sessionID, streamSID, callSID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[sessionID]
	if !ok {
		return ErrNotFound
	}
	c.StreamSID = streamSID
	c.CallSID = callSID
	return nil
}

func (s *InMemoryStore) CallEnded(_ context.Context, sessionID, reason string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[sessionID]
	if !ok {
		return ErrNotFound
	}
	at := endedAt.UTC()
	c.EndedAt = &at
	c.EndReason = reason
	return nil
}

func (s *InMemoryStore) ToolInvoked(_ context.Context, record ToolRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[record.SessionID] = append(s.tools[record.SessionID], record)
	return nil
}

// RecentCalls returns up to limit calls, newest first.
func (s *InMemoryStore) RecentCalls(_ context.Context, limit int) ([]CallRecord, error) {
	s.mu.RLock()
	out := make([]CallRecord, 0, len(s.calls))
	for _, c := range s.calls {
		cp := *c
		out = append(out, cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ToolHistory(_ context.Context, sessionID string) ([]ToolRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.tools[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	out := make([]ToolRecord, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
