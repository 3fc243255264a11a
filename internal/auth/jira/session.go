package jira

import (
	"sync"
	"time"
)

// OAuthSession is the client-side record of one pending authorization.
// Sessions are single-use and keyed by State.
type OAuthSession struct {
	State         string    `json:"state"`
	CodeVerifier  string    `json:"-"`
	CodeChallenge string    `json:"code_challenge"`
	RedirectURI   string    `json:"redirect_uri"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Expired reports whether the session can no longer be redeemed at now.
func (s *OAuthSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// sessionStore keeps pending sessions in memory until consumed or expired.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*OAuthSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*OAuthSession)}
}

func (s *sessionStore) put(session *OAuthSession, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked(now)
	s.sessions[session.State] = session
}

// take removes and returns the session for state. Expired sessions are discarded and
// reported as missing.
func (s *sessionStore) take(state string, now time.Time) (*OAuthSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[state]
	if !ok {
		return nil, false
	}
	delete(s.sessions, state)
	if session.Expired(now) {
		return nil, false
	}
	return session, true
}

func (s *sessionStore) purgeLocked(now time.Time) {
	for state, session := range s.sessions {
		if session.Expired(now) {
			delete(s.sessions, state)
		}
	}
}

func (s *sessionStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
