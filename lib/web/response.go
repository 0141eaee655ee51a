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
	"net/http"
	"net/url"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/feedgate/lib/adaptor"
)

// docRequest adapts an incoming HTTP request to the adaptor contract.
type docRequest struct {
	docID      adaptor.DocId
	lastAccess *time.Time
}

func newDocRequest(docID adaptor.DocId, r *http.Request, clock clockwork.Clock) *docRequest {
	req := &docRequest{docID: docID}
	if raw := r.Header.Get("If-Modified-Since"); raw != "" {
		if t, err := http.ParseTime(raw); err == nil {
			req.lastAccess = &t
		}
	}
	return req
}

func (r *docRequest) DocId() adaptor.DocId { return r.docID }

func (r *docRequest) LastAccessTime() *time.Time { return r.lastAccess }

// HasChangedSinceLastAccess compares at second granularity because the
// HTTP date format carries no sub-second precision.
func (r *docRequest) HasChangedSinceLastAccess(lastModified time.Time) bool {
	if r.lastAccess == nil {
		return true
	}
	return lastModified.Truncate(time.Second).After(r.lastAccess.Truncate(time.Second))
}

type responseState int

const (
	// stateSetup accepts metadata setters and a terminal respond.
	stateSetup responseState = iota
	// stateBody accepts only further content bytes.
	stateBody
	// stateClosed follows a terminal respond; everything is rejected.
	stateClosed
)

type anchor struct {
	uri  *url.URL
	text string
}

// docResponse buffers the adaptor's output so headers and content can be
// shaped after the adaptor returns. Misordered calls surface as errors to
// the adaptor instead of silently corrupting the response.
type docResponse struct {
	handler   *DocumentHandler
	token     string
	interrupt func(cause error)

	state       responseState
	body        bytes.Buffer
	notModified bool
	noContent   bool

	contentType  string
	lastModified *time.Time
	metadata     *adaptor.Metadata
	acl          *adaptor.Acl
	anchors      []anchor
	displayURL   *url.URL
	secure       bool
	noIndex      bool
	noFollow     bool
	noArchive    bool
	crawlOnce    bool
	lock         bool
}

func (d *docResponse) illegalState(op string) error {
	return trace.BadParameter("illegal response state: %v after response was committed", op)
}

// Write appends content. The first call commits the response: setters are
// rejected afterwards and the watchdog switches from the header budget to
// the content budget.
func (d *docResponse) Write(p []byte) (int, error) {
	if d.state == stateClosed {
		return 0, d.illegalState("Write")
	}
	d.state = stateBody
	if err := d.resetWatchdog(); err != nil {
		return 0, trace.Wrap(err)
	}
	return d.body.Write(p)
}

// resetWatchdog swaps the header deadline for the per-write content
// deadline. Every subsequent write pushes the deadline out again. A
// failure means the content is no longer deadline-guarded, so it is
// surfaced to the adaptor instead of accepting the bytes.
func (d *docResponse) resetWatchdog() error {
	h := d.handler
	if err := h.cfg.Watchdog.Complete(d.token); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(h.cfg.Watchdog.Start(d.token, h.cfg.ContentTimeout, d.interrupt))
}

func (d *docResponse) RespondNotModified() error {
	if d.state != stateSetup {
		return d.illegalState("RespondNotModified")
	}
	d.state = stateClosed
	d.notModified = true
	return nil
}

func (d *docResponse) RespondNoContent() error {
	if d.state != stateSetup {
		return d.illegalState("RespondNoContent")
	}
	d.state = stateClosed
	d.noContent = true
	return nil
}

func (d *docResponse) checkSetup(op string) error {
	if d.state != stateSetup {
		return d.illegalState(op)
	}
	return nil
}

func (d *docResponse) SetContentType(contentType string) error {
	if err := d.checkSetup("SetContentType"); err != nil {
		return err
	}
	d.contentType = contentType
	return nil
}

func (d *docResponse) SetLastModified(t time.Time) error {
	if err := d.checkSetup("SetLastModified"); err != nil {
		return err
	}
	d.lastModified = &t
	return nil
}

func (d *docResponse) AddMetadata(key, value string) error {
	if err := d.checkSetup("AddMetadata"); err != nil {
		return err
	}
	if d.metadata == nil {
		d.metadata = adaptor.NewMetadata()
	}
	d.metadata.Add(key, value)
	return nil
}

func (d *docResponse) SetAcl(acl *adaptor.Acl) error {
	if err := d.checkSetup("SetAcl"); err != nil {
		return err
	}
	d.acl = acl
	return nil
}

func (d *docResponse) AddAnchor(uri *url.URL, text string) error {
	if err := d.checkSetup("AddAnchor"); err != nil {
		return err
	}
	if uri == nil {
		return trace.BadParameter("anchor requires a URI")
	}
	d.anchors = append(d.anchors, anchor{uri: uri, text: text})
	return nil
}

func (d *docResponse) SetDisplayURL(u *url.URL) error {
	if err := d.checkSetup("SetDisplayURL"); err != nil {
		return err
	}
	d.displayURL = u
	return nil
}

func (d *docResponse) SetSecure(secure bool) error {
	if err := d.checkSetup("SetSecure"); err != nil {
		return err
	}
	d.secure = secure
	return nil
}

func (d *docResponse) SetNoIndex(v bool) error {
	if err := d.checkSetup("SetNoIndex"); err != nil {
		return err
	}
	d.noIndex = v
	return nil
}

func (d *docResponse) SetNoFollow(v bool) error {
	if err := d.checkSetup("SetNoFollow"); err != nil {
		return err
	}
	d.noFollow = v
	return nil
}

func (d *docResponse) SetNoArchive(v bool) error {
	if err := d.checkSetup("SetNoArchive"); err != nil {
		return err
	}
	d.noArchive = v
	return nil
}

func (d *docResponse) SetCrawlOnce(v bool) error {
	if err := d.checkSetup("SetCrawlOnce"); err != nil {
		return err
	}
	d.crawlOnce = v
	return nil
}

func (d *docResponse) SetLock(v bool) error {
	if err := d.checkSetup("SetLock"); err != nil {
		return err
	}
	d.lock = v
	return nil
}
