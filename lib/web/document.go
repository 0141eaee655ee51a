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

// Package web serves documents to the indexer and to authenticated
// users, and hosts the operator dashboard.
package web

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/feedgate/lib/adaptor"
	"github.com/gravitational/feedgate/lib/defaults"
	"github.com/gravitational/feedgate/lib/journal"
	"github.com/gravitational/feedgate/lib/session"
	"github.com/gravitational/feedgate/lib/transform"
	"github.com/gravitational/feedgate/lib/watchdog"
)

// secmgrUserAgent identifies the indexer's security manager client.
const secmgrUserAgent = "SecMgr"

// DocumentHandlerConfig configures a DocumentHandler.
type DocumentHandlerConfig struct {
	// Codec decodes request paths into DocIds.
	Codec *adaptor.DocIdCodec
	// Adaptor produces document content.
	Adaptor adaptor.Adaptor
	// Journal records request outcomes.
	Journal *journal.Journal
	// Watchdog bounds adaptor content calls.
	Watchdog *watchdog.Watchdog
	// Waiter rejects new exchanges during shutdown.
	Waiter *watchdog.ShutdownWaiter
	// Sessions resolves user identities; nil disables authentication.
	Sessions *session.Manager
	// AuthnPath is where unauthenticated browsers are redirected.
	AuthnPath string
	// FullAccessHosts bypass authentication and authorization. The
	// indexer's own hostname belongs here.
	FullAccessHosts []string
	// MarkAllDocsAsPublic disables all security.
	MarkAllDocsAsPublic bool
	// HeaderTimeout bounds the adaptor until the first content byte.
	HeaderTimeout time.Duration
	// ContentTimeout bounds the adaptor after the first content byte.
	ContentTimeout time.Duration
	// SendDocControls emits the X-Gsa-Doc-Controls header.
	SendDocControls bool
	// ContentTransforms is applied to served bytes; optional.
	ContentTransforms *transform.Pipeline
	// MetadataTransforms is applied to response metadata before it is
	// serialized into side channel headers; optional.
	MetadataTransforms *transform.Pipeline
	// Clock drives watchdogs and conditional requests.
	Clock clockwork.Clock
	// Logger is the component logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *DocumentHandlerConfig) CheckAndSetDefaults() error {
	if c.Codec == nil {
		return trace.BadParameter("missing parameter Codec")
	}
	if c.Adaptor == nil {
		return trace.BadParameter("missing parameter Adaptor")
	}
	if c.Journal == nil {
		return trace.BadParameter("missing parameter Journal")
	}
	if c.Watchdog == nil {
		return trace.BadParameter("missing parameter Watchdog")
	}
	if c.Waiter == nil {
		return trace.BadParameter("missing parameter Waiter")
	}
	if c.AuthnPath == "" {
		c.AuthnPath = defaults.SamlAuthnPath
	}
	if c.HeaderTimeout <= 0 {
		c.HeaderTimeout = defaults.HeaderTimeout
	}
	if c.ContentTimeout <= 0 {
		c.ContentTimeout = defaults.ContentTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With("component", "web")
	}
	return nil
}

// DocumentHandler serves GET and HEAD for documents under the content
// prefix.
type DocumentHandler struct {
	cfg DocumentHandlerConfig

	// fullAccess holds the configured full access hosts plus the
	// addresses they resolve to, lowercased.
	fullAccess map[string]struct{}
}

// NewDocumentHandler returns a handler for the given configuration.
func NewDocumentHandler(cfg DocumentHandlerConfig) (*DocumentHandler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &DocumentHandler{cfg: cfg, fullAccess: make(map[string]struct{})}
	for _, raw := range cfg.FullAccessHosts {
		host := strings.ToLower(strings.TrimSpace(raw))
		if host == "" {
			continue
		}
		h.fullAccess[host] = struct{}{}
		if net.ParseIP(host) != nil {
			continue
		}
		// Peers are observed by address, so configured names must be
		// matched by what the socket reports.
		addrs, err := net.LookupHost(host)
		if err != nil {
			cfg.Logger.Warn("Cannot resolve full access host.",
				"host", host, "error", err)
			continue
		}
		for _, addr := range addrs {
			h.fullAccess[strings.ToLower(addr)] = struct{}{}
		}
	}
	return h, nil
}

// ServeHTTP implements http.Handler.
func (h *DocumentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	done, err := h.cfg.Waiter.ProcessingStarting(func() { cancel(watchdog.ErrDeadlineExceeded) })
	if err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer done()

	docID, err := h.cfg.Codec.DecodeDocId(r.URL.EscapedPath())
	if err != nil {
		http.NotFound(w, r)
		return
	}

	fromIndexer := h.isFullAccessHost(r)
	identity, proceed := h.authenticate(w, r, fromIndexer)
	if !proceed {
		return
	}
	if !h.authorize(w, r, docID, identity, fromIndexer) {
		return
	}

	h.serveContent(ctx, cancel, w, r, docID, fromIndexer)
}

// isFullAccessHost reports whether the request's peer bypasses security.
func (h *DocumentHandler) isFullAccessHost(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	_, ok := h.fullAccess[strings.ToLower(host)]
	return ok
}

func isSecmgrClient(r *http.Request) bool {
	return strings.Contains(r.UserAgent(), secmgrUserAgent)
}

// authenticate resolves the caller's identity. It writes the response
// itself when the exchange cannot proceed.
func (h *DocumentHandler) authenticate(w http.ResponseWriter, r *http.Request, fromIndexer bool) (*adaptor.AuthnIdentity, bool) {
	if fromIndexer {
		return nil, true
	}
	if h.cfg.MarkAllDocsAsPublic {
		// The security manager must never be told public documents are
		// served securely.
		if isSecmgrClient(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return nil, false
		}
		return nil, true
	}
	if h.cfg.Sessions != nil {
		if sess := h.cfg.Sessions.Get(r); sess != nil {
			if identity := sess.Identity(h.cfg.Clock.Now()); identity != nil {
				return identity, true
			}
		}
	}
	if isSecmgrClient(r) {
		// Machine-to-machine callers cannot follow an interactive
		// authentication redirect.
		http.Error(w, "forbidden", http.StatusForbidden)
		return nil, false
	}
	target := h.cfg.AuthnPath + "?return=" + url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
	return nil, false
}

// authorize consults the adaptor's authorizer when one exists.
func (h *DocumentHandler) authorize(w http.ResponseWriter, r *http.Request, docID adaptor.DocId, identity *adaptor.AuthnIdentity, fromIndexer bool) bool {
	if fromIndexer || h.cfg.MarkAllDocsAsPublic || identity == nil {
		return true
	}
	authority, ok := adaptor.AuthzAuthorityOf(h.cfg.Adaptor)
	if !ok {
		return true
	}
	statuses, err := authority.IsUserAuthorized(r.Context(), *identity, []adaptor.DocId{docID})
	if err != nil {
		h.cfg.Logger.WarnContext(r.Context(), "Authorizer failed.", "error", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	switch statuses[docID] {
	case adaptor.Permit:
		return true
	case adaptor.Deny:
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	default:
		// Hide the document's existence when access is undecidable.
		http.NotFound(w, r)
		return false
	}
}

// serveContent dispatches to the adaptor under the watchdog and shapes
// the response.
func (h *DocumentHandler) serveContent(ctx context.Context, cancel context.CancelCauseFunc, w http.ResponseWriter, r *http.Request, docID adaptor.DocId, fromIndexer bool) {
	if fromIndexer {
		h.cfg.Journal.RecordGsaContentRequest()
	} else {
		h.cfg.Journal.RecordNonGsaContentRequest()
	}

	token := uuid.NewString()
	resp := &docResponse{
		handler:   h,
		token:     token,
		interrupt: cancel,
	}
	if err := h.cfg.Watchdog.Start(token, h.cfg.HeaderTimeout, cancel); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	started := h.cfg.Clock.Now()
	err := h.cfg.Adaptor.GetDocContent(ctx, newDocRequest(docID, r, h.cfg.Clock), resp)
	// Completing after a trip is legal and releases the token.
	if cerr := h.cfg.Watchdog.Complete(token); cerr != nil {
		h.cfg.Logger.WarnContext(ctx, "Watchdog completion failed.", "error", cerr)
	}
	elapsed := h.cfg.Clock.Now().Sub(started)

	if err != nil {
		h.cfg.Journal.RecordRetrieval(elapsed, int64(resp.body.Len()), true)
		switch {
		case errors.Is(context.Cause(ctx), watchdog.ErrDeadlineExceeded):
			http.Error(w, "deadline exceeded", http.StatusForbidden)
		case trace.IsNotFound(err):
			http.NotFound(w, r)
		default:
			h.cfg.Logger.WarnContext(ctx, "Adaptor failed to produce content.",
				"doc_id", string(docID), "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	h.cfg.Journal.RecordRetrieval(elapsed, int64(resp.body.Len()), false)
	h.writeResponse(w, r, resp, fromIndexer)
}

// writeResponse emits the buffered adaptor output: status line, side
// channel headers, transformed body.
func (h *DocumentHandler) writeResponse(w http.ResponseWriter, r *http.Request, resp *docResponse, fromIndexer bool) {
	if resp.notModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if resp.noContent {
		// Only the indexer understands the no-content marker; everyone
		// else is told their copy is current.
		if fromIndexer {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusNotModified)
		}
		return
	}

	body := resp.body.Bytes()
	if h.cfg.ContentTransforms != nil && h.cfg.ContentTransforms.Len() > 0 {
		transformed, err := h.cfg.ContentTransforms.Apply(body, resp.metadata, nil)
		if err != nil {
			h.cfg.Logger.WarnContext(r.Context(), "Transform pipeline failed.", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		body = transformed
	}
	if h.cfg.MetadataTransforms != nil && h.cfg.MetadataTransforms.Len() > 0 {
		if resp.metadata == nil {
			resp.metadata = adaptor.NewMetadata()
		}
		if _, err := h.cfg.MetadataTransforms.Apply(nil, resp.metadata, nil); err != nil {
			h.cfg.Logger.WarnContext(r.Context(), "Metadata transform pipeline failed.", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	header := w.Header()
	if resp.contentType != "" {
		header.Set("Content-Type", resp.contentType)
	}
	if resp.lastModified != nil {
		header.Set("Last-Modified", resp.lastModified.UTC().Format(http.TimeFormat))
	}
	h.setSideChannelHeaders(header, resp, fromIndexer)

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	if strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") && len(body) > 0 {
		header.Set("Content-Encoding", "gzip")
		w.WriteHeader(http.StatusOK)
		// The status line is committed; a failure here can only be
		// logged, the peer sees a truncated body.
		gz := gzip.NewWriter(w)
		if _, err := gz.Write(body); err != nil {
			h.cfg.Logger.WarnContext(r.Context(), "Compressed response write failed.", "error", err)
			return
		}
		if err := gz.Close(); err != nil {
			h.cfg.Logger.WarnContext(r.Context(), "Compressed response flush failed.", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// setSideChannelHeaders serializes metadata, ACLs, anchors and crawl
// hints. The indexer is the only consumer; user-facing responses skip
// them.
func (h *DocumentHandler) setSideChannelHeaders(header http.Header, resp *docResponse, fromIndexer bool) {
	if !fromIndexer {
		return
	}
	if resp.metadata != nil && !resp.metadata.IsEmpty() {
		pairs := make([]string, 0, 8)
		for _, entry := range resp.metadata.Entries() {
			pairs = append(pairs, percentEncode(entry.Key)+"="+percentEncode(entry.Value))
		}
		header.Set("X-Gsa-External-Metadata", strings.Join(pairs, ","))
	}
	if len(resp.anchors) > 0 {
		parts := make([]string, 0, len(resp.anchors))
		for _, a := range resp.anchors {
			if a.text == "" {
				parts = append(parts, percentEncode(a.uri.String()))
			} else {
				parts = append(parts, percentEncode(a.text)+"="+percentEncode(a.uri.String()))
			}
		}
		header.Set("X-Gsa-External-Anchor", strings.Join(parts, ","))
	}
	var robots []string
	if resp.noIndex {
		robots = append(robots, "noindex")
	}
	if resp.noFollow {
		robots = append(robots, "nofollow")
	}
	if resp.noArchive {
		robots = append(robots, "noarchive")
	}
	if len(robots) > 0 {
		header.Set("X-Robots-Tag", strings.Join(robots, ", "))
	}
	if resp.secure {
		header.Set("X-Gsa-Serve-Security", "secure")
	}
	if h.cfg.SendDocControls {
		var controls []string
		if !resp.acl.IsEmpty() {
			if encoded, err := encodeAclControl(resp.acl); err == nil {
				controls = append(controls, "acl="+percentEncode(encoded))
			}
		}
		if resp.crawlOnce {
			controls = append(controls, "crawl-once=true")
		}
		if resp.lock {
			controls = append(controls, "lock=true")
		}
		if resp.displayURL != nil {
			controls = append(controls, "display-url="+percentEncode(resp.displayURL.String()))
		}
		if len(controls) > 0 {
			header.Set("X-Gsa-Doc-Controls", strings.Join(controls, ","))
		}
	}
}

// percentEncode escapes every byte outside the unreserved set, as the
// indexer expects in its header side channels.
func percentEncode(s string) string {
	escaped := url.QueryEscape(s)
	return strings.ReplaceAll(escaped, "+", "%20")
}

type aclControlEntry struct {
	Access    string `json:"access"`
	Scope     string `json:"scope"`
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

type aclControl struct {
	Entries         []aclControlEntry `json:"entries"`
	InheritFrom     string            `json:"inherit_from,omitempty"`
	InheritanceType string            `json:"inheritance_type,omitempty"`
	CaseSensitive   bool              `json:"case_sensitive"`
}

// encodeAclControl serializes an ACL for the doc-controls side channel.
func encodeAclControl(acl *adaptor.Acl) (string, error) {
	control := aclControl{
		InheritanceType: acl.InheritanceType.String(),
		CaseSensitive:   acl.CaseSensitivity == adaptor.CaseSensitive,
	}
	add := func(access string, principals []adaptor.Principal) {
		for _, p := range principals {
			scope := "user"
			if p.Kind == adaptor.PrincipalGroup {
				scope = "group"
			}
			control.Entries = append(control.Entries, aclControlEntry{
				Access:    access,
				Scope:     scope,
				Name:      p.Name,
				Namespace: p.Namespace,
			})
		}
	}
	add("permit", acl.PermitUsers)
	add("permit", acl.PermitGroups)
	add("deny", acl.DenyUsers)
	add("deny", acl.DenyGroups)
	if acl.InheritFrom != nil {
		ref := string(acl.InheritFrom.DocId)
		if acl.InheritFrom.Fragment != "" {
			ref += "#" + acl.InheritFrom.Fragment
		}
		control.InheritFrom = ref
	}
	encoded, err := json.Marshal(control)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return string(encoded), nil
}
