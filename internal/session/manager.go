// Package session tracks batches whose jobs share one agent conversation.
// The agent-assigned token is captured from the first completed job and
// threaded into every later creation so the agent resumes the same
// conversation instead of re-priming context.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hochfrequenz/claude-task-runner/internal/domain"
)

// sessionNamespace is a fixed UUID namespace for deterministic session IDs,
// so the same name always maps to the same ID across restarts
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// ErrTokenMismatch is returned when a capture would overwrite a different,
// already-captured token
var ErrTokenMismatch = fmt.Errorf("session token already captured with a different value")

// Session groups jobs sharing one agent conversation
type Session struct {
	ID          string
	Name        string
	Token       string // immutable once captured
	JobIDs      []domain.JobID
	HeartbeatAt time.Time
	CreatedAt   time.Time
}

// Manager owns all session bookkeeping
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates an empty Manager
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Create registers a new session. The ID is derived deterministically from
// the name so a restarted process maps the same session to the same ID.
func (m *Manager) Create(name string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &Session{
		ID:          uuid.NewSHA1(sessionNamespace, []byte(name)).String(),
		Name:        name,
		HeartbeatAt: time.Now(),
		CreatedAt:   time.Now(),
	}
	m.sessions[s.ID] = s
	return s
}

// Restore re-registers a session loaded from a recovery snapshot
func (m *Manager) Restore(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

// Get returns a session by ID
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// AddJob appends a job to the session's ordering
func (m *Manager) AddJob(id string, jobID domain.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session: %s", id)
	}
	for _, existing := range s.JobIDs {
		if existing == jobID {
			return nil
		}
	}
	s.JobIDs = append(s.JobIDs, jobID)
	return nil
}

// CaptureToken records the agent-assigned conversation token. Capturing the
// same value again is a no-op; a different value is rejected, because the
// token is what gives the agent conversational continuity.
func (m *Manager) CaptureToken(id, token string) error {
	if token == "" {
		return fmt.Errorf("empty session token")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("unknown session: %s", id)
	}
	if s.Token == token {
		return nil
	}
	if s.Token != "" {
		return ErrTokenMismatch
	}
	s.Token = token
	return nil
}

// Token returns the captured token, or empty when not yet known
func (m *Manager) Token(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s.Token
	}
	return ""
}

// Heartbeat updates the session's liveness timestamp
func (m *Manager) Heartbeat(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.HeartbeatAt = time.Now()
	}
}

// Compact drops jobs reported done from the session's visible list without
// touching the token. Returns how many were pruned.
func (m *Manager) Compact(id string, done func(domain.JobID) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return 0
	}

	pruned := 0
	kept := s.JobIDs[:0]
	for _, jobID := range s.JobIDs {
		if done(jobID) {
			pruned++
			continue
		}
		kept = append(kept, jobID)
	}
	s.JobIDs = kept
	return pruned
}

// Delete removes all session state
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// List returns all sessions
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}
