package agent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/skill-collator/internal/policy"
	"github.com/nidhogg/skill-collator/internal/provider"
)

// Session is the state of one conversation. Sessions never share mutable
// state; turn serializes the turns of one session.
type Session struct {
	ID        string
	Gate      *policy.Gate
	CreatedAt time.Time

	turn      sync.Mutex
	mu        sync.Mutex
	history   []provider.Message
	updatedAt time.Time
	cancel    context.CancelFunc
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{ID: id, Gate: policy.NewGate(), CreatedAt: now, updatedAt: now}
}

// History returns a copy of the conversation so far.
func (s *Session) History() []provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Message, len(s.history))
	copy(out, s.history)
	return out
}

// UpdatedAt returns the time of the last completed turn.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

func (s *Session) appendHistory(msgs []provider.Message, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = trimHistory(append(s.history, msgs...), max)
	s.updatedAt = time.Now()
}

func (s *Session) setCancel(c context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = c
}

// Cancel aborts the turn in flight, if any.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// trimHistory keeps at most max messages, cutting at a user message so tool
// calls stay paired with their results.
func trimHistory(msgs []provider.Message, max int) []provider.Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	for i := len(msgs) - max; i < len(msgs); i++ {
		if msgs[i].Role == provider.RoleUser {
			return append([]provider.Message(nil), msgs[i:]...)
		}
	}
	return nil
}

// SessionStore keys sessions by ID.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionStore creates an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// Get returns a session by ID.
func (st *SessionStore) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// GetOrCreate returns the session for id, creating it when missing. The
// second result reports whether it was created.
func (st *SessionStore) GetOrCreate(id string) (*Session, bool) {
	if s, ok := st.Get(id); ok {
		return s, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return s, false
	}
	s := newSession(id)
	st.sessions[id] = s
	return s, true
}

// Delete removes a session and cancels its running turn.
func (st *SessionStore) Delete(id string) bool {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()
	if ok {
		s.Cancel()
	}
	return ok
}

// List returns all sessions, most recently updated first.
func (st *SessionStore) List() []*Session {
	st.mu.RLock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	st.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt().After(out[j].UpdatedAt()) })
	return out
}
