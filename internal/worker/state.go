package worker

import (
	"sync"
	"time"

	"langy/internal/session"
)

type sessionState struct {
	conv     *session.Conversation
	lastUsed time.Time
}

// sessionStore holds the live conversations of this process, keyed by
// session ID.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	now      func() time.Time
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		sessions: make(map[string]*sessionState),
		now:      time.Now,
	}
}

// get returns the conversation and marks the session as used.
func (s *sessionStore) get(id string) (*session.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	st.lastUsed = s.now()
	return st.conv, true
}

// put stores conv unless another one was stored first, and returns the one
// kept.
func (s *sessionStore) put(conv *session.Conversation) *session.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.sessions[conv.ID()]; ok {
		st.lastUsed = s.now()
		return st.conv
	}
	s.sessions[conv.ID()] = &sessionState{conv: conv, lastUsed: s.now()}
	return conv
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}

// idleSince lists sessions not used since cutoff.
func (s *sessionStore) idleSince(cutoff time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, st := range s.sessions {
		if st.lastUsed.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *sessionStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
