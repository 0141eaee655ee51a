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

package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/feedgate/lib/adaptor"
)

func newTestManager(t *testing.T, clock clockwork.Clock) *Manager {
	t.Helper()
	m, err := NewManager(ManagerConfig{Clock: clock, TTL: time.Hour})
	require.NoError(t, err)
	return m
}

func requestWithCookie(w *httptest.ResponseRecorder) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/doc/1", nil)
	for _, c := range w.Result().Cookies() {
		r.AddCookie(c)
	}
	return r
}

func TestSessionCookieRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	w := httptest.NewRecorder()
	created := m.GetOrCreate(w, httptest.NewRequest(http.MethodGet, "/doc/1", nil))
	require.NotNil(t, created)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	require.Equal(t, CookieName, cookies[0].Name)
	require.True(t, cookies[0].HttpOnly)

	got := m.Get(requestWithCookie(w))
	require.NotNil(t, got)
	require.Equal(t, created.ID(), got.ID())

	// A request without a cookie has no session.
	require.Nil(t, m.Get(httptest.NewRequest(http.MethodGet, "/doc/1", nil)))
}

func TestSessionAuthnLifecycle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sess := &Session{id: "s"}

	require.Nil(t, sess.Identity(clock.Now()))

	sess.StartAuthnAttempt("req-1", "/doc/1")
	state := sess.AuthnState()
	require.Equal(t, PhaseStartAttempt, state.Phase)
	require.Equal(t, "req-1", state.RequestID)
	require.Equal(t, "/doc/1", state.OriginalURI)
	require.Nil(t, sess.Identity(clock.Now()))

	expiry := clock.Now().Add(30 * time.Minute)
	sess.Authenticate(adaptor.AuthnIdentity{User: adaptor.NewUser("joe")}, expiry)
	identity := sess.Identity(clock.Now())
	require.NotNil(t, identity)
	require.Equal(t, "joe", identity.User.Name)

	// An expired assertion drops the identity and resets the phase so
	// the next content request starts a fresh attempt.
	require.Nil(t, sess.Identity(expiry))
	require.Equal(t, PhaseNone, sess.AuthnState().Phase)
}

func TestSessionEviction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock)

	w := httptest.NewRecorder()
	m.GetOrCreate(w, httptest.NewRequest(http.MethodGet, "/doc/1", nil))
	require.Equal(t, 1, m.Len())

	clock.Advance(2 * time.Hour)
	m.evictExpired()
	require.Zero(t, m.Len())

	// An expired session is also rejected on direct lookup.
	w2 := httptest.NewRecorder()
	m.GetOrCreate(w2, httptest.NewRequest(http.MethodGet, "/doc/1", nil))
	clock.Advance(2 * time.Hour)
	require.Nil(t, m.Get(requestWithCookie(w2)))
}

func TestXSRFTokenStable(t *testing.T) {
	sess := &Session{id: "s"}
	token := sess.XSRFToken()
	require.NotEmpty(t, token)
	require.Equal(t, token, sess.XSRFToken())
}
