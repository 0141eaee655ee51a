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

package saml

import (
	"net/http"

	"github.com/gravitational/feedgate/lib/httplib"
	"github.com/gravitational/feedgate/lib/session"
)

// AuthnHandler starts interactive SAML authentication: it issues a
// signed AuthnRequest and redirects the user to the IdP.
type AuthnHandler struct {
	SP       *ServiceProvider
	Sessions *session.Manager
}

// ServeHTTP implements http.Handler.
func (h *AuthnHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := h.Sessions.GetOrCreate(w, r)

	requestID, redirectURL, err := h.SP.NewAuthnRequest()
	if err != nil {
		h.SP.cfg.Logger.ErrorContext(r.Context(), "Failed to build authn request.", "error", err)
		http.Error(w, "authentication unavailable", http.StatusInternalServerError)
		return
	}
	originalURI := r.URL.Query().Get("return")
	if originalURI == "" || originalURI[0] != '/' {
		originalURI = "/"
	}
	sess.StartAuthnAttempt(requestID, originalURI)

	httplib.SetNoCacheHeaders(w.Header())
	http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
}

// AssertionConsumerHandler finishes authentication: it resolves the
// artifact delivered by the IdP and binds the verified identity to the
// session.
type AssertionConsumerHandler struct {
	SP       *ServiceProvider
	Sessions *session.Manager
}

// ServeHTTP implements http.Handler.
func (h *AssertionConsumerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := h.Sessions.Get(r)
	if sess == nil {
		http.Error(w, "no authentication in progress", http.StatusForbidden)
		return
	}
	if sess.Identity(h.SP.cfg.Clock.Now()) != nil {
		http.Error(w, "session is already authenticated", http.StatusConflict)
		return
	}
	state := sess.AuthnState()
	if state.Phase != session.PhaseStartAttempt {
		http.Error(w, "no authentication in progress", http.StatusForbidden)
		return
	}
	artifact := r.URL.Query().Get("SAMLart")
	if artifact == "" {
		http.Error(w, "missing artifact", http.StatusForbidden)
		return
	}

	verified, err := h.SP.ResolveArtifact(r.Context(), artifact, state.RequestID)
	if err != nil {
		h.SP.cfg.Logger.WarnContext(r.Context(), "Artifact validation failed.", "error", err)
		http.Error(w, "authentication failed", http.StatusForbidden)
		return
	}
	sess.Authenticate(verified.Identity, verified.Expiry)
	h.SP.cfg.Logger.InfoContext(r.Context(), "User authenticated.",
		"user", verified.Identity.User.Name)

	target := state.OriginalURI
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}
