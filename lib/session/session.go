// Feedgate
// Copyright (C) 2025 Gravitational, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package session tracks cookie-bound browser sessions: SAML
// authentication state, identities, and dashboard XSRF tokens.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/feedgate/lib/adaptor"
	"github.com/gravitational/feedgate/lib/defaults"
)

// CookieName carries the session id between requests.
const CookieName = "feedgate_session"

// AuthnPhase is the SAML authentication progress of a session.
type AuthnPhase int

const (
	// PhaseNone means no authentication was attempted.
	PhaseNone AuthnPhase = iota
	// PhaseStartAttempt means an AuthnRequest was issued and the
	// response is pending.
	PhaseStartAttempt
	// PhaseAuthenticated means a valid assertion was consumed.
	PhaseAuthenticated
)

// AuthnState is the per-session authentication record. RequestID and
// OriginalURI are only meaningful in PhaseStartAttempt; Identity and
// Expiry only in PhaseAuthenticated.
type AuthnState struct {
	Phase       AuthnPhase
	RequestID   string
	OriginalURI string
	Identity    *adaptor.AuthnIdentity
	Expiry      time.Time
}

// Session is one browser session. All accessors take the session lock;
// a session is safe for concurrent handlers.
type Session struct {
	id string

	mu        sync.Mutex
	authn     AuthnState
	xsrfToken string
	lastUsed  time.Time
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// AuthnState returns a copy of the current authentication state.
func (s *Session) AuthnState() AuthnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authn
}

// StartAuthnAttempt records an outgoing AuthnRequest. Any previous
// state, including an authenticated identity, is replaced.
func (s *Session) StartAuthnAttempt(requestID, originalURI string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authn = AuthnState{
		Phase:       PhaseStartAttempt,
		RequestID:   requestID,
		OriginalURI: originalURI,
	}
}

// Authenticate records a verified identity valid until expiry.
func (s *Session) Authenticate(identity adaptor.AuthnIdentity, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authn = AuthnState{
		Phase:    PhaseAuthenticated,
		Identity: &identity,
		Expiry:   expiry,
	}
}

// Identity returns the authenticated identity, or nil when the session
// is unauthenticated or its assertion has expired. Expiry flips the
// session back to the unauthenticated phase.
func (s *Session) Identity(now time.Time) *adaptor.AuthnIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authn.Phase != PhaseAuthenticated {
		return nil
	}
	if !now.Before(s.authn.Expiry) {
		s.authn = AuthnState{}
		return nil
	}
	return s.authn.Identity
}

// XSRFToken returns the session's anti-forgery token, minting it on
// first use.
func (s *Session) XSRFToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.xsrfToken == "" {
		s.xsrfToken = uuid.NewString()
	}
	return s.xsrfToken
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = now
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// ManagerConfig configures a session Manager.
type ManagerConfig struct {
	// Clock drives expiry and eviction.
	Clock clockwork.Clock
	// TTL is the idle lifetime of a session.
	TTL time.Duration
	// SecureCookie marks issued cookies https-only.
	SecureCookie bool
	// Logger is the component logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.TTL <= 0 {
		c.TTL = defaults.SessionTTL
	}
	if c.Logger == nil {
		c.Logger = slog.With("component", "session")
	}
	return nil
}

// Manager owns the session table and the cookie exchange.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns an empty session manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{cfg: cfg, sessions: make(map[string]*Session)}, nil
}

// Get returns the live session named by the request cookie, or nil.
func (m *Manager) Get(r *http.Request) *Session {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	sess := m.sessions[cookie.Value]
	m.mu.Unlock()
	if sess == nil {
		return nil
	}
	now := m.cfg.Clock.Now()
	if now.Sub(sess.idleSince()) > m.cfg.TTL {
		m.remove(sess.id)
		return nil
	}
	sess.touch(now)
	return sess
}

// GetOrCreate returns the request's session, creating one and setting
// the cookie when none exists.
func (m *Manager) GetOrCreate(w http.ResponseWriter, r *http.Request) *Session {
	if sess := m.Get(r); sess != nil {
		return sess
	}
	now := m.cfg.Clock.Now()
	sess := &Session{id: uuid.NewString(), lastUsed: now}
	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sess.id,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.cfg.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	return sess
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run evicts idle sessions periodically until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.cfg.Clock.NewTicker(defaults.SessionEvictionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			m.evictExpired()
		case <-ctx.Done():
			return trace.Wrap(ctx.Err())
		}
	}
}

func (m *Manager) evictExpired() {
	now := m.cfg.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, sess := range m.sessions {
		if now.Sub(sess.idleSince()) > m.cfg.TTL {
			delete(m.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.cfg.Logger.Debug("Evicted idle sessions.", "count", evicted)
	}
}
