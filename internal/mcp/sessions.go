// ABOUTME: In-memory MCP session store binding each session to the principal resolved at initialize
// ABOUTME: Sessions expire after an idle timeout and are removed by a periodic sweep

package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/toolgate/internal/auth"
)

// session is one initialized HTTP client. Its principal is fixed for the
// session's lifetime and shared by every call made under it.
type session struct {
	id              string
	protocolVersion string
	principal       *auth.Principal // nil when unauthenticated access is allowed
	ownerToken      string          // credential used at initialize; required on every later request
	createdAt       time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// sessionStore manages active MCP sessions.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*session
	now      func() time.Time
}

func newSessionStore(now func() time.Time) *sessionStore {
	if now == nil {
		now = time.Now
	}
	return &sessionStore{sessions: make(map[string]*session), now: now}
}

func (s *sessionStore) create(protocolVersion string, p *auth.Principal, ownerToken string) *session {
	now := s.now()
	sess := &session{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		principal:       p,
		ownerToken:      ownerToken,
		createdAt:       now,
		lastSeen:        now,
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

// get returns the session and marks it as used.
func (s *sessionStore) get(id string) (*session, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		sess.touch(s.now())
	}
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

// sweep removes sessions idle for longer than idle and returns how many.
func (s *sessionStore) sweep(idle time.Duration) int {
	cutoff := s.now().Add(-idle)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.idleSince().Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *sessionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
