package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Manager tracks live calls for the lifetime of the process. It owns the
// active-calls gauge; nothing else reads or writes it.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	retention time.Duration
	gauge     Gauge
	onPurge   func(*Session)
}

// NewManager keeps ended calls listed for retention before the janitor
// drops them.
func NewManager(retention time.Duration, gauge Gauge) *Manager {
	if retention <= 0 {
		retention = 2 * time.Minute
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		retention: retention,
		gauge:     gauge,
	}
}

func (m *Manager) SetPurgeHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPurge = hook
}

func (m *Manager) Create(remoteAddr string) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Status:         StatusActive,
		RemoteAddr:     remoteAddr,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	if m.gauge != nil {
		m.gauge.Inc()
	}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) SetStream(sessionID, streamSID, callSID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.StreamSID = streamSID
	s.CallSID = callSID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) RecordToolCall(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ToolCalls++
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks the call ended. Ending twice is a no-op that returns the
// already-ended session.
func (m *Manager) End(sessionID, reason string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.Status == StatusEnded {
		out := clone(s)
		m.mu.Unlock()
		return out, nil
	}
	now := time.Now().UTC()
	s.Status = StatusEnded
	s.EndReason = reason
	s.EndedAt = now
	s.LastActivityAt = now
	out := clone(s)
	m.mu.Unlock()

	if m.gauge != nil {
		m.gauge.Dec()
	}
	return out, nil
}

// List returns all known calls, oldest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, clone(s))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.purgeEnded()
			}
		}
	}()
}

func (m *Manager) purgeEnded() {
	now := time.Now().UTC()
	var purged []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status != StatusEnded || now.Sub(s.EndedAt) < m.retention {
			continue
		}
		purged = append(purged, clone(s))
		delete(m.sessions, id)
	}
	hook := m.onPurge
	m.mu.Unlock()

	if hook != nil {
		for _, s := range purged {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
