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
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/feedgate/lib/adaptor"
	"github.com/gravitational/feedgate/lib/config"
	"github.com/gravitational/feedgate/lib/journal"
	"github.com/gravitational/feedgate/lib/session"
	"github.com/gravitational/feedgate/lib/transform"
	"github.com/gravitational/feedgate/lib/watchdog"
)

// docFunc adapts a function to the content half of the adaptor contract.
type docFunc func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error

type fakeAdaptor struct {
	content docFunc
	authz   func(ctx context.Context, identity adaptor.AuthnIdentity, ids []adaptor.DocId) (map[adaptor.DocId]adaptor.AuthzStatus, error)
}

func (a *fakeAdaptor) GetDocIds(ctx context.Context, pusher adaptor.DocIdPusher) error {
	return nil
}

func (a *fakeAdaptor) GetDocContent(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
	return a.content(ctx, req, resp)
}

// authzAdaptor adds the authorizer capability on top of fakeAdaptor.
type authzAdaptor struct {
	fakeAdaptor
}

func (a *authzAdaptor) IsUserAuthorized(ctx context.Context, identity adaptor.AuthnIdentity, ids []adaptor.DocId) (map[adaptor.DocId]adaptor.AuthzStatus, error) {
	return a.authz(ctx, identity, ids)
}

type handlerEnv struct {
	clock    *clockwork.FakeClock
	journal  *journal.Journal
	sessions *session.Manager
	handler  *DocumentHandler
}

func newHandlerEnv(t *testing.T, a adaptor.Adaptor, mutate func(*DocumentHandlerConfig)) *handlerEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	base, err := url.Parse("http://adaptor.example.com:5678/doc/")
	require.NoError(t, err)
	codec, err := adaptor.NewDocIdCodec(base)
	require.NoError(t, err)
	j := journal.New(clock, 0)
	sessions, err := session.NewManager(session.ManagerConfig{Clock: clock})
	require.NoError(t, err)

	cfg := DocumentHandlerConfig{
		Codec:           codec,
		Adaptor:         a,
		Journal:         j,
		Watchdog:        watchdog.New(clock),
		Waiter:          watchdog.NewShutdownWaiter(clock),
		Sessions:        sessions,
		FullAccessHosts: []string{"10.0.0.1"},
		Clock:           clock,
		Logger:          slog.Default(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h, err := NewDocumentHandler(cfg)
	require.NoError(t, err)
	return &handlerEnv{clock: clock, journal: j, sessions: sessions, handler: h}
}

func indexerRequest(method, path string) *http.Request {
	r := httptest.NewRequest(method, path, nil)
	r.RemoteAddr = "10.0.0.1:39154"
	return r
}

func TestDocumentServedToIndexer(t *testing.T) {
	lastModified := time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		require.Equal(t, adaptor.DocId("reports/q1"), req.DocId())
		require.NoError(t, resp.SetContentType("text/plain"))
		require.NoError(t, resp.SetLastModified(lastModified))
		require.NoError(t, resp.AddMetadata("author", "joe smith"))
		_, err := resp.Write([]byte("hello world"))
		return err
	}}
	env := newHandlerEnv(t, a, nil)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/doc/reports/q1"))

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hello world", w.Body.String())
	require.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	require.Equal(t, "Fri, 14 Mar 2025 15:09:26 GMT", w.Header().Get("Last-Modified"))
	require.Equal(t, "author=joe%20smith", w.Header().Get("X-Gsa-External-Metadata"))

	snap := env.journal.Snapshot()
	require.Equal(t, int64(1), snap.GsaRequests)
	require.Equal(t, int64(0), snap.NonGsaRequests)
}

func TestDocumentSideChannelsHiddenFromUsers(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		require.NoError(t, resp.AddMetadata("author", "joe"))
		_, err := resp.Write([]byte("body"))
		return err
	}}
	env := newHandlerEnv(t, a, func(cfg *DocumentHandlerConfig) {
		cfg.MarkAllDocsAsPublic = true
	})

	r := httptest.NewRequest(http.MethodGet, "/doc/a", nil)
	r.RemoteAddr = "192.0.2.7:1000"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Header().Get("X-Gsa-External-Metadata"))
	require.Equal(t, int64(1), env.journal.Snapshot().NonGsaRequests)
}

func TestDocumentFullAccessHostname(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		require.NoError(t, resp.AddMetadata("author", "joe"))
		_, err := resp.Write([]byte("body"))
		return err
	}}
	// The appliance is configured by name; its requests arrive by
	// address.
	env := newHandlerEnv(t, a, func(cfg *DocumentHandlerConfig) {
		cfg.FullAccessHosts = []string{"localhost"}
	})

	r := httptest.NewRequest(http.MethodGet, "/doc/a", nil)
	r.RemoteAddr = "127.0.0.1:39154"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "author=joe", w.Header().Get("X-Gsa-External-Metadata"))
	require.Equal(t, int64(1), env.journal.Snapshot().GsaRequests)
}

func TestDocumentNotFound(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		_, err := resp.Write([]byte("x"))
		return err
	}}
	env := newHandlerEnv(t, a, nil)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/elsewhere/a"))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestDocumentMethodNotAllowed(t *testing.T) {
	env := newHandlerEnv(t, &fakeAdaptor{}, nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodPost, "/doc/a"))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestDocumentNotModified(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		require.NotNil(t, req.LastAccessTime())
		return resp.RespondNotModified()
	}}
	env := newHandlerEnv(t, a, nil)

	r := indexerRequest(http.MethodGet, "/doc/a")
	r.Header.Set("If-Modified-Since", "Fri, 14 Mar 2025 15:09:26 GMT")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusNotModified, w.Code)
}

func TestDocumentNoContentSplit(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		return resp.RespondNoContent()
	}}
	env := newHandlerEnv(t, a, func(cfg *DocumentHandlerConfig) {
		cfg.MarkAllDocsAsPublic = true
	})

	// The indexer understands 204.
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/doc/a"))
	require.Equal(t, http.StatusNoContent, w.Code)

	// Everyone else is told their copy is current.
	r := httptest.NewRequest(http.MethodGet, "/doc/a", nil)
	r.RemoteAddr = "192.0.2.7:1000"
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusNotModified, w.Code)
}

func TestDocumentRedirectsUnauthenticatedBrowser(t *testing.T) {
	env := newHandlerEnv(t, &fakeAdaptor{}, nil)

	r := httptest.NewRequest(http.MethodGet, "/doc/secret", nil)
	r.RemoteAddr = "192.0.2.7:1000"
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusTemporaryRedirect, w.Code)
	location := w.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, "/saml-authn?return="), location)
	require.Contains(t, location, url.QueryEscape("/doc/secret"))
}

func TestDocumentDeniesSecmgrWithoutSession(t *testing.T) {
	env := newHandlerEnv(t, &fakeAdaptor{}, nil)

	r := httptest.NewRequest(http.MethodGet, "/doc/secret", nil)
	r.RemoteAddr = "192.0.2.7:1000"
	r.Header.Set("User-Agent", "SecMgr/7.4")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestDocumentDeniesSecmgrInPublicMode(t *testing.T) {
	env := newHandlerEnv(t, &fakeAdaptor{}, func(cfg *DocumentHandlerConfig) {
		cfg.MarkAllDocsAsPublic = true
	})

	r := httptest.NewRequest(http.MethodGet, "/doc/a", nil)
	r.RemoteAddr = "192.0.2.7:1000"
	r.Header.Set("User-Agent", "SecMgr/7.4")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)
	require.Equal(t, http.StatusForbidden, w.Code)
}

// authenticatedRequest binds a fresh authenticated session to a request
// for user joe.
func authenticatedRequest(t *testing.T, env *handlerEnv, path string) *http.Request {
	t.Helper()
	seed := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	sess := env.sessions.GetOrCreate(w, seed)
	sess.Authenticate(adaptor.AuthnIdentity{User: adaptor.NewUser("joe")},
		env.clock.Now().Add(time.Hour))

	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.RemoteAddr = "192.0.2.7:1000"
	for _, c := range w.Result().Cookies() {
		r.AddCookie(c)
	}
	return r
}

func TestDocumentAuthorization(t *testing.T) {
	a := &authzAdaptor{}
	a.content = func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		_, err := resp.Write([]byte("granted"))
		return err
	}

	testCases := []struct {
		name   string
		status adaptor.AuthzStatus
		code   int
	}{
		{name: "permit", status: adaptor.Permit, code: http.StatusOK},
		{name: "deny", status: adaptor.Deny, code: http.StatusForbidden},
		{name: "indeterminate", status: adaptor.Indeterminate, code: http.StatusNotFound},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a.authz = func(ctx context.Context, identity adaptor.AuthnIdentity, ids []adaptor.DocId) (map[adaptor.DocId]adaptor.AuthzStatus, error) {
				require.Equal(t, "joe", identity.User.Name)
				require.Equal(t, []adaptor.DocId{"a"}, ids)
				return map[adaptor.DocId]adaptor.AuthzStatus{"a": tc.status}, nil
			}
			env := newHandlerEnv(t, a, nil)
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, authenticatedRequest(t, env, "/doc/a"))
			require.Equal(t, tc.code, w.Code)
		})
	}
}

func TestDocumentGzip(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		_, err := resp.Write([]byte("compress me please"))
		return err
	}}
	env := newHandlerEnv(t, a, nil)

	r := indexerRequest(http.MethodGet, "/doc/a")
	r.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
	gz, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	decoded, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, "compress me please", string(decoded))
}

func TestDocumentMetadataTransforms(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		require.NoError(t, resp.AddMetadata("author", "joe"))
		_, err := resp.Write([]byte("body"))
		return err
	}}
	pipeline, err := transform.NewPipeline([]transform.Stage{{
		Name:     "add-metadata",
		Required: true,
		Params:   map[string]string{"key": "source", "value": "feedgate"},
	}})
	require.NoError(t, err)
	env := newHandlerEnv(t, a, func(cfg *DocumentHandlerConfig) {
		cfg.MetadataTransforms = pipeline
	})

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/doc/a"))
	require.Equal(t, http.StatusOK, w.Code)
	header := w.Header().Get("X-Gsa-External-Metadata")
	require.Contains(t, header, "author=joe")
	require.Contains(t, header, "source=feedgate")

	// The pipeline runs even when the adaptor set no metadata at all.
	bare := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		_, err := resp.Write([]byte("body"))
		return err
	}}
	env = newHandlerEnv(t, bare, func(cfg *DocumentHandlerConfig) {
		cfg.MetadataTransforms = pipeline
	})
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/doc/a"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "source=feedgate", w.Header().Get("X-Gsa-External-Metadata"))
}

func TestDocumentMetadataTransformFailureAborts(t *testing.T) {
	require.NoError(t, transform.Register("directory-lookup", func(map[string]string) (transform.Func, error) {
		return func([]byte, *bytes.Buffer, *adaptor.Metadata, map[string]string) error {
			return trace.ConnectionProblem(nil, "directory unavailable")
		}, nil
	}))
	pipeline, err := transform.NewPipeline([]transform.Stage{{Name: "directory-lookup", Required: true}})
	require.NoError(t, err)

	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		_, err := resp.Write([]byte("body"))
		return err
	}}
	env := newHandlerEnv(t, a, func(cfg *DocumentHandlerConfig) {
		cfg.MetadataTransforms = pipeline
	})

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/doc/a"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

// brokenResponseWriter fails every body write, like a peer that hung
// up after the handler committed the status line.
type brokenResponseWriter struct {
	header http.Header
	code   int
}

func (b *brokenResponseWriter) Header() http.Header  { return b.header }
func (b *brokenResponseWriter) WriteHeader(code int) { b.code = code }
func (b *brokenResponseWriter) Write([]byte) (int, error) {
	return 0, errors.New("peer hung up")
}

func TestDocumentGzipWriteFailureLogged(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		_, err := resp.Write([]byte("compress me please"))
		return err
	}}
	logs := NewLogBuffer(8)
	env := newHandlerEnv(t, a, func(cfg *DocumentHandlerConfig) {
		cfg.Logger = slog.New(logs)
	})

	r := indexerRequest(http.MethodGet, "/doc/a")
	r.Header.Set("Accept-Encoding", "gzip")
	w := &brokenResponseWriter{header: make(http.Header)}
	env.handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.code)
	require.Contains(t, strings.Join(logs.Lines(), "\n"), "Compressed response")
}

func TestDocumentHeadOmitsBody(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		require.NoError(t, resp.SetContentType("text/plain"))
		_, err := resp.Write([]byte("body"))
		return err
	}}
	env := newHandlerEnv(t, a, nil)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodHead, "/doc/a"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Body.String())
	require.Equal(t, "text/plain", w.Header().Get("Content-Type"))
}

func TestDocumentAdaptorErrors(t *testing.T) {
	called := false
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		called = true
		return trace.NotFound("no such document")
	}}
	env := newHandlerEnv(t, a, nil)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/doc/missing"))
	require.True(t, called)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, float64(1), env.journal.RetrieverErrorRate(0))
}

func TestDocumentWatchdogTrip(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	env := newHandlerEnv(t, a, nil)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		w := httptest.NewRecorder()
		env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/doc/slow"))
		done <- w
	}()

	// Wait for the handler to arm the header watchdog, then trip it.
	env.clock.BlockUntil(1)
	env.clock.Advance(time.Hour)
	w := <-done
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestDocumentRejectedDuringShutdown(t *testing.T) {
	env := newHandlerEnv(t, &fakeAdaptor{}, nil)
	require.True(t, env.handler.cfg.Waiter.Shutdown(time.Millisecond))

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/doc/a"))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestResponseStateMachine(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		_, err := resp.Write([]byte("committed"))
		require.NoError(t, err)
		// The response is committed; reconfiguring it must fail loudly.
		require.Error(t, resp.SetContentType("text/plain"))
		require.Error(t, resp.RespondNotModified())
		require.Error(t, resp.RespondNoContent())
		return nil
	}}
	env := newHandlerEnv(t, a, nil)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/doc/a"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "committed", w.Body.String())
}

func TestResponseWriteAfterTerminal(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		require.NoError(t, resp.RespondNoContent())
		_, err := resp.Write([]byte("late"))
		require.Error(t, err)
		return nil
	}}
	env := newHandlerEnv(t, a, nil)

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/doc/a"))
	require.Equal(t, http.StatusNoContent, w.Code)
}

func TestResponseWriteRequiresWatchdog(t *testing.T) {
	env := newHandlerEnv(t, &fakeAdaptor{}, nil)

	// Without a registered deadline the content phase is unguarded, so
	// the write must fail instead of buffering silently.
	resp := &docResponse{handler: env.handler, token: "never-started", interrupt: func(error) {}}
	_, err := resp.Write([]byte("x"))
	require.Error(t, err)
	require.Zero(t, resp.body.Len())
}

func TestDocControlsHeader(t *testing.T) {
	acl := &adaptor.Acl{
		PermitUsers: []adaptor.Principal{adaptor.NewUser("joe")},
		DenyGroups:  []adaptor.Principal{adaptor.NewGroup("interns")},
	}
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		require.NoError(t, resp.SetAcl(acl))
		require.NoError(t, resp.SetCrawlOnce(true))
		require.NoError(t, resp.SetNoIndex(true))
		require.NoError(t, resp.SetSecure(true))
		_, err := resp.Write([]byte("x"))
		return err
	}}
	env := newHandlerEnv(t, a, func(cfg *DocumentHandlerConfig) {
		cfg.SendDocControls = true
	})

	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, indexerRequest(http.MethodGet, "/doc/a"))

	require.Equal(t, "noindex", w.Header().Get("X-Robots-Tag"))
	require.Equal(t, "secure", w.Header().Get("X-Gsa-Serve-Security"))
	controls := w.Header().Get("X-Gsa-Doc-Controls")
	require.Contains(t, controls, "crawl-once=true")
	require.Contains(t, controls, "acl=")

	encoded := strings.TrimPrefix(strings.SplitN(controls, ",", 2)[0], "acl=")
	decoded, err := url.QueryUnescape(encoded)
	require.NoError(t, err)
	var control aclControl
	require.NoError(t, json.Unmarshal([]byte(decoded), &control))
	require.Len(t, control.Entries, 2)
	require.Equal(t, aclControlEntry{Access: "permit", Scope: "user", Name: "joe"}, control.Entries[0])
	require.Equal(t, aclControlEntry{Access: "deny", Scope: "group", Name: "interns"}, control.Entries[1])
}

func TestHeartbeatProbesWithoutBody(t *testing.T) {
	a := &fakeAdaptor{content: func(ctx context.Context, req adaptor.Request, resp adaptor.Response) error {
		require.NoError(t, resp.SetContentType("text/plain"))
		_, err := resp.Write([]byte("heavy payload"))
		return err
	}}
	env := newHandlerEnv(t, a, nil)
	hb := &HeartbeatHandler{
		Documents:         env.handler,
		PathPrefix:        "/heartbeat/",
		ContentPathPrefix: "/doc/",
	}

	w := httptest.NewRecorder()
	hb.ServeHTTP(w, indexerRequest(http.MethodGet, "/heartbeat/a"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, w.Body.String())
	require.Equal(t, "text/plain", w.Header().Get("Content-Type"))
}

func TestRPCRequiresToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sessions, err := session.NewManager(session.ManagerConfig{Clock: clock})
	require.NoError(t, err)
	h := &RPCHandler{
		Sessions: sessions,
		Config:   config.NewDefaultConfig(clock),
		Journal:  journal.New(clock, 0),
		Logs:     NewLogBuffer(8),
	}

	// The first call carries no token; it is rejected with a fresh one.
	r := httptest.NewRequest(http.MethodPost, "/r", strings.NewReader(`{"id":1,"method":"getStatuses"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusConflict, w.Code)
	token := w.Header().Get(XSRFHeader)
	require.NotEmpty(t, token)
	cookies := w.Result().Cookies()
	require.NotEmpty(t, cookies)

	// The retry echoes the cookie and token and goes through.
	r = httptest.NewRequest(http.MethodPost, "/r", strings.NewReader(`{"id":1,"method":"getStatuses"}`))
	r.Header.Set(XSRFHeader, token)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		ID     int            `json:"id"`
		Result []HealthStatus `json:"result"`
		Error  string         `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.ID)
	require.Empty(t, resp.Error)
	require.NotEmpty(t, resp.Result)
}

// rpcCall runs one authenticated RPC round trip.
func rpcCall(t *testing.T, h *RPCHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	seed := httptest.NewRequest(http.MethodPost, "/r", strings.NewReader("{}"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, seed)
	require.Equal(t, http.StatusConflict, w.Code)
	token := w.Header().Get(XSRFHeader)
	cookies := w.Result().Cookies()

	r := httptest.NewRequest(http.MethodPost, "/r", strings.NewReader(body))
	r.Header.Set(XSRFHeader, token)
	for _, c := range cookies {
		r.AddCookie(c)
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRPCConfigRedaction(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sessions, err := session.NewManager(session.ManagerConfig{Clock: clock})
	require.NoError(t, err)
	cfg := config.NewDefaultConfig(clock)
	require.NoError(t, cfg.AddKey("repo.password"))
	require.NoError(t, cfg.SetValue("repo.password", "hunter2"))
	require.NoError(t, cfg.SetValue(config.KeyGsaHostname, "gsa.example.com"))
	h := &RPCHandler{
		Sessions: sessions,
		Config:   cfg,
		Journal:  journal.New(clock, 0),
	}

	w := rpcCall(t, h, `{"id":7,"method":"getConfig"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Result map[string]string `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "...", resp.Result["repo.password"])
	require.Equal(t, "gsa.example.com", resp.Result[config.KeyGsaHostname])
}

func TestRPCUnknownMethod(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sessions, err := session.NewManager(session.ManagerConfig{Clock: clock})
	require.NoError(t, err)
	h := &RPCHandler{
		Sessions: sessions,
		Config:   config.NewDefaultConfig(clock),
		Journal:  journal.New(clock, 0),
	}

	w := rpcCall(t, h, `{"id":2,"method":"selfDestruct"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp.Error, "selfDestruct")
}

func TestRPCMethodNotAllowed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sessions, err := session.NewManager(session.ManagerConfig{Clock: clock})
	require.NoError(t, err)
	h := &RPCHandler{
		Sessions: sessions,
		Config:   config.NewDefaultConfig(clock),
		Journal:  journal.New(clock, 0),
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/r", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestLogBuffer(t *testing.T) {
	buf := NewLogBuffer(3)
	logger := slog.New(buf).With("component", "test")
	for _, msg := range []string{"one", "two", "three", "four"} {
		logger.Info(msg)
	}
	lines := buf.Lines()
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "two")
	require.Contains(t, lines[2], "four")
	require.Contains(t, lines[0], "component=test")

	// Debug records are left to the primary handler.
	logger.Debug("hidden")
	require.Len(t, buf.Lines(), 3)
}

func TestDashboardMux(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sessions, err := session.NewManager(session.ManagerConfig{Clock: clock})
	require.NoError(t, err)
	j := journal.New(clock, 0)
	j.RecordGsaContentRequest()
	mux := NewDashboardMux(&RPCHandler{
		Sessions: sessions,
		Config:   config.NewDefaultConfig(clock),
		Journal:  j,
	})

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "feedgate")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "feedgate_indexer_requests_total 1")
}
