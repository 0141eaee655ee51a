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

package web

import (
	"net/http"
	"net/url"
	"strings"
)

// HeartbeatHandler answers document liveness probes. It runs the full
// document pipeline with HEAD semantics so the indexer can verify a
// document still exists without transferring its content.
type HeartbeatHandler struct {
	// Documents performs the actual retrieval.
	Documents *DocumentHandler
	// PathPrefix is stripped before the document prefix is applied.
	PathPrefix string
	// ContentPathPrefix is where the same document lives for real
	// retrievals.
	ContentPathPrefix string
}

// ServeHTTP implements http.Handler.
func (h *HeartbeatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	escaped := r.URL.EscapedPath()
	if !strings.HasPrefix(escaped, h.PathPrefix) {
		http.NotFound(w, r)
		return
	}

	// Rewrite onto the content namespace and force HEAD so no body is
	// produced whichever method the probe used.
	probe := r.Clone(r.Context())
	probe.Method = http.MethodHead
	rest := strings.TrimPrefix(escaped, h.PathPrefix)
	probe.URL.RawPath = h.ContentPathPrefix + rest
	unescaped, err := url.PathUnescape(probe.URL.RawPath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	probe.URL.Path = unescaped
	h.Documents.ServeHTTP(w, probe)
}
