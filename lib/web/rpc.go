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
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/feedgate/lib/config"
	"github.com/gravitational/feedgate/lib/httplib"
	"github.com/gravitational/feedgate/lib/journal"
	"github.com/gravitational/feedgate/lib/session"
)

// XSRFHeader carries the anti-forgery token on dashboard RPC calls.
const XSRFHeader = "X-XSRF-Token"

// rpcRequest is the dashboard call envelope.
type rpcRequest struct {
	ID     any            `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// rpcResponse mirrors the request id and carries either a result or an
// error string, never both.
type rpcResponse struct {
	ID     any    `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HealthStatus is one named health indicator on the dashboard.
type HealthStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

const (
	statusNormal  = "normal"
	statusWarning = "warning"
	statusError   = "error"
)

// RPCHandler answers the dashboard's JSON-RPC calls. Every call is
// cross-site-request-forgery protected with a per-session double-submit
// token: the first call is rejected with 409 and a freshly minted token
// the client repeats in a header from then on.
type RPCHandler struct {
	// Sessions issues and validates the per-session tokens.
	Sessions *session.Manager
	// Config is the live configuration shown by getConfig.
	Config *config.Config
	// Journal backs getStats and getStatuses.
	Journal *journal.Journal
	// Logs backs getLog; optional.
	Logs *LogBuffer
}

// ServeHTTP implements http.Handler.
func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sess := h.Sessions.GetOrCreate(w, r)
	token := sess.XSRFToken()
	if r.Header.Get(XSRFHeader) != token {
		// Hand the caller its token; the retry must echo it back.
		w.Header().Set(XSRFHeader, token)
		http.Error(w, "request must carry the session token", http.StatusConflict)
		return
	}

	var req rpcRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		httplib.ReplyError(w, trace.Wrap(err))
		return
	}
	resp := rpcResponse{ID: req.ID}
	result, err := h.dispatch(req)
	if err != nil {
		resp.Error = trace.UserMessage(err)
	} else {
		resp.Result = result
	}
	httplib.ReplyJSON(w, http.StatusOK, resp)
}

func (h *RPCHandler) dispatch(req rpcRequest) (any, error) {
	switch req.Method {
	case "getLog":
		return h.getLog()
	case "getConfig":
		return h.getConfig()
	case "getStats":
		return h.getStats(), nil
	case "getStatuses":
		return h.getStatuses(), nil
	default:
		return nil, trace.NotFound("unknown method %q", req.Method)
	}
}

func (h *RPCHandler) getLog() (any, error) {
	if h.Logs == nil {
		return []string{}, nil
	}
	return h.Logs.Lines(), nil
}

// getConfig returns the effective configuration with secret-bearing
// values masked.
func (h *RPCHandler) getConfig() (any, error) {
	view := h.Config.Snapshot()
	out := make(map[string]string, len(view))
	for key, value := range view {
		if isSensitiveConfig(key, value) && value != "" {
			out[key] = "..."
			continue
		}
		out[key] = value
	}
	return out, nil
}

// isSensitiveConfig reports whether a key's value must never leave the
// process in clear text.
func isSensitiveConfig(key, value string) bool {
	if strings.Contains(strings.ToLower(key), "password") ||
		strings.Contains(strings.ToLower(key), "secret") {
		return true
	}
	return strings.HasPrefix(value, "obf:") || strings.HasPrefix(value, "pkc:")
}

// statsView is the JSON shape of getStats: the journal snapshot with the
// push status map keyed by kind name instead of its numeric value.
type statsView struct {
	When               time.Time         `json:"when"`
	UniqueDocIdsPushed int64             `json:"uniqueDocIdsPushed"`
	TotalDocIdsPushed  int64             `json:"totalDocIdsPushed"`
	TotalGroupsPushed  int64             `json:"totalGroupsPushed"`
	GsaRequests        int64             `json:"gsaRequests"`
	NonGsaRequests     int64             `json:"nonGsaRequests"`
	LastGsaRequest     time.Time         `json:"lastGsaRequest"`
	PushStatus         map[string]string `json:"pushStatus"`
	MinuteStats        []journal.Stat    `json:"minuteStats"`
	HourStats          []journal.Stat    `json:"hourStats"`
	DayStats           []journal.Stat    `json:"dayStats"`
}

func (h *RPCHandler) getStats() statsView {
	snap := h.Journal.Snapshot()
	view := statsView{
		When:               snap.When,
		UniqueDocIdsPushed: snap.UniqueDocIdsPushed,
		TotalDocIdsPushed:  snap.TotalDocIdsPushed,
		TotalGroupsPushed:  snap.TotalGroupsPushed,
		GsaRequests:        snap.GsaRequests,
		NonGsaRequests:     snap.NonGsaRequests,
		LastGsaRequest:     snap.LastGsaRequest,
		PushStatus:         make(map[string]string, len(snap.PushStatus)),
		MinuteStats:        snap.MinuteStats,
		HourStats:          snap.HourStats,
		DayStats:           snap.DayStats,
	}
	for kind, status := range snap.PushStatus {
		view.PushStatus[kind.String()] = status.String()
	}
	return view
}

// getStatuses condenses the journal into the dashboard's health lights.
func (h *RPCHandler) getStatuses() []HealthStatus {
	statuses := []HealthStatus{}

	crawl := HealthStatus{Name: "Crawling", Status: statusNormal}
	if !h.Journal.HasGsaCrawledWithinLastDay() {
		crawl.Status = statusWarning
		crawl.Message = "no indexer retrieval in the last day"
	}
	statuses = append(statuses, crawl)

	retriever := HealthStatus{Name: "Retriever", Status: statusNormal}
	switch rate := h.Journal.RetrieverErrorRate(0); {
	case rate >= 0.5:
		retriever.Status = statusError
		retriever.Message = "over half of recent retrievals failed"
	case rate >= 0.1:
		retriever.Status = statusWarning
		retriever.Message = "recent retrievals are failing"
	}
	statuses = append(statuses, retriever)

	for _, kind := range []journal.PushKind{journal.FullPush, journal.IncrementalPush, journal.GroupPush} {
		s := HealthStatus{
			Name:   "Feed push (" + kind.String() + ")",
			Status: statusNormal,
		}
		switch h.Journal.PushStatus(kind) {
		case journal.StatusFailure:
			s.Status = statusError
			s.Message = "last push failed"
		case journal.StatusInterruption:
			s.Status = statusWarning
			s.Message = "last push was interrupted"
		}
		statuses = append(statuses, s)
	}
	return statuses
}
