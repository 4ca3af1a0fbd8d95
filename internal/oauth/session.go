package oauth

import (
	"sync"
	"time"
)

// sessionTTL matches §3 OAuthSession "TTL 5 min".
const sessionTTL = 5 * time.Minute

// Session holds the PKCE parameters for one pending authorization attempt,
// keyed by its state token.
type Session struct {
	CodeVerifier string
	RedirectURI  string
	ReturnHost   string // where to send the browser back to for remote-host logins
	Source       string // "web" | "cli" | "device"
	CreatedAt    time.Time
}

// SessionStore indexes pending sessions by state, sweeping expired ones.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

// NewSessionStore constructs an empty store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]Session)}
}

// Put records a new pending session under state.
func (s *SessionStore) Put(state string, sess Session) {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.sessions[state] = sess
	s.mu.Unlock()
}

// Take removes and returns the session for state, if present and unexpired.
func (s *SessionStore) Take(state string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[state]
	if !ok {
		return Session{}, false
	}
	delete(s.sessions, state)
	if time.Since(sess.CreatedAt) > sessionTTL {
		return Session{}, false
	}
	return sess, true
}

// Sweep deletes every session older than the TTL; intended to run on a
// one-minute ticker (§4.G "swept every minute").
func (s *SessionStore) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for state, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > sessionTTL {
			delete(s.sessions, state)
		}
	}
}

// RunSweeper blocks, sweeping every minute until ctx-like stop fires.
func (s *SessionStore) RunSweeper(stop <-chan struct{}) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.Sweep()
		}
	}
}
