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

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gravitational/trace"
)

// HandlerFunc is an HTTP handler that returns a JSON-serializable result
// or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) (any, error)

// MakeHandler turns a HandlerFunc into a standard http.Handler that
// renders results and errors as JSON.
func MakeHandler(fn HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, err := fn(w, r)
		if err != nil {
			ReplyError(w, err)
			return
		}
		ReplyJSON(w, http.StatusOK, out)
	})
}

// ReadJSON reads the request body and unmarshals it into val.
func ReadJSON(r *http.Request, val any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("failed to parse request body: %v", err)
	}
	return nil
}

// ReplyJSON writes obj as a JSON response with the given status code.
func ReplyJSON(w http.ResponseWriter, code int, obj any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	data, err := json.Marshal(obj)
	if err != nil {
		data = []byte(`{"message":"internal marshal error"}`)
	}
	w.Write(data)
}

// errorMessage is the JSON shape of error replies.
type errorMessage struct {
	Message string `json:"message"`
}

// ReplyError maps a trace error onto an HTTP status and writes a JSON
// error body.
func ReplyError(w http.ResponseWriter, err error) {
	ReplyJSON(w, trace.ErrorToCode(err), errorMessage{Message: trace.UserMessage(err)})
}

// SetNoCacheHeaders stops intermediaries and browsers from caching a
// response.
func SetNoCacheHeaders(h http.Header) {
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
}
