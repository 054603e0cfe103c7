package control

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stakewatch/warden/pkg/types"
)

// sessionTTL is how long an authenticated session token stays valid.
const sessionTTL = 30 * time.Minute

// Session is one authenticated control session. Local socket sessions
// are implicitly trusted and privileged; tunnel sessions earn a token
// through challenge-response auth.
type Session struct {
	Token      string
	User       string
	Origin     types.SessionOrigin
	Relay      string
	Privileged bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the token has passed its TTL.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// sessionRegistry tracks live authenticated sessions by token.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*Session),
	}
}

// create registers a new authenticated session and returns it.
func (r *sessionRegistry) create(user, relay string, privileged bool) *Session {
	now := time.Now()
	s := &Session{
		Token:      uuid.New().String(),
		User:       user,
		Origin:     types.OriginTunnel,
		Relay:      relay,
		Privileged: privileged,
		CreatedAt:  now,
		ExpiresAt:  now.Add(sessionTTL),
	}
	r.mu.Lock()
	r.sessions[s.Token] = s
	r.mu.Unlock()
	return s
}

// lookup resolves a token, dropping it if expired.
func (r *sessionRegistry) lookup(token string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[token]
	if !ok {
		return nil
	}
	if s.Expired() {
		delete(r.sessions, token)
		return nil
	}
	return s
}

// drop removes a session.
func (r *sessionRegistry) drop(token string) {
	r.mu.Lock()
	delete(r.sessions, token)
	r.mu.Unlock()
}
