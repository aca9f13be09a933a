package auth

import (
	"sync"
	"time"
)

// SessionConfig bounds cookie-backed session lifetime, mirroring the access
// token's own TTL so a session is never trusted past its token's expiry.
type SessionConfig struct {
	AccessTokenTTL  time.Duration
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		AccessTokenTTL:  15 * time.Minute,
		IdleTimeout:     30 * time.Minute,
		AbsoluteTimeout: 12 * time.Hour,
	}
}

// Session is an active cookie-backed session, the alternate auth path to a
// bearer JWT for the review UI (§4.N).
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Roles          []Role    `json:"roles"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
}

func (s *Session) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

func (s *Session) IsIdle(timeout time.Duration) bool {
	return time.Since(s.LastActivityAt) > timeout
}

// JWTClaims is the OIDC bearer token shape this service trusts once
// validated against the issuer's JWKS.
type JWTClaims struct {
	Subject   string   `json:"sub"`
	Issuer    string   `json:"iss"`
	Audience  string   `json:"aud"`
	ExpiresAt int64    `json:"exp"`
	IssuedAt  int64    `json:"iat"`
	Roles     []string `json:"roles"`
	SessionID string   `json:"session_id,omitempty"`
}

// InMemorySessionStore is the process-local SessionStore implementation:
// sessions do not survive a restart, which is acceptable since the bearer
// JWT path is the primary authentication mechanism and the cookie path only
// backs the review UI's browser session.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]*Session)}
}

func (s *InMemorySessionStore) Get(sessionID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	return sess, ok
}

func (s *InMemorySessionStore) Put(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *InMemorySessionStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
