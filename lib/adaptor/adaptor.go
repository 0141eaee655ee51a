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

// Package adaptor defines the contract between feedgate and user-supplied
// back-end repository code: document ids, records, metadata, ACLs, and
// the capability interfaces an adaptor implements a la carte.
package adaptor

import (
	"context"
	"net/url"
	"time"
)

// DocIdPusher accepts enumerated documents from an adaptor and forwards
// them to the indexer. All Push methods return the first item that could
// not be delivered so the caller can resume from it; nil means everything
// was sent.
type DocIdPusher interface {
	// PushDocIds pushes plain ids with default record settings.
	PushDocIds(ctx context.Context, ids []DocId) (*DocId, error)
	// PushRecords pushes fully specified records.
	PushRecords(ctx context.Context, records []Record) (*Record, error)
	// PushGroupDefinitions pushes group memberships. When everything was
	// sent the returned principal is nil.
	PushGroupDefinitions(ctx context.Context, groups map[Principal][]Principal, caseSensitive bool) (*Principal, error)
	// PushNamedResources pushes ACLs that exist independently of any
	// crawlable document.
	PushNamedResources(ctx context.Context, resources map[DocId]*Acl) (*DocId, error)
}

// AsyncPusher accepts one record at a time without blocking the caller.
// Returns false when the record was dropped because the queue is full.
type AsyncPusher interface {
	AsyncPushItem(rec Record) bool
}

// Request describes one content request from the indexer or a user.
type Request interface {
	// DocId identifies the requested document.
	DocId() DocId
	// LastAccessTime is the caller's cached copy timestamp, nil when the
	// caller holds no copy.
	LastAccessTime() *time.Time
	// HasChangedSinceLastAccess reports whether a document modified at
	// lastModified is newer than the caller's cached copy.
	HasChangedSinceLastAccess(lastModified time.Time) bool
}

// Response receives the document an adaptor produces. Metadata, ACLs and
// crawl hints must be set before the first content byte is written; the
// terminal Respond methods and Write are mutually exclusive.
type Response interface {
	// Write sends content bytes; the first call commits the headers.
	Write(p []byte) (int, error)
	// RespondNotModified tells the caller its cached copy is current.
	RespondNotModified() error
	// RespondNoContent tells the caller the document exists but has no
	// content to index.
	RespondNoContent() error
	// SetContentType sets the MIME type of the content.
	SetContentType(contentType string) error
	// SetLastModified sets the document modification time.
	SetLastModified(t time.Time) error
	// AddMetadata adds one external metadata pair.
	AddMetadata(key, value string) error
	// SetAcl attaches the document ACL.
	SetAcl(acl *Acl) error
	// AddAnchor adds an external anchor the indexer should follow.
	AddAnchor(uri *url.URL, text string) error
	// SetDisplayURL overrides the URL shown in search results.
	SetDisplayURL(u *url.URL) error
	// SetSecure marks the document as requiring secure serving.
	SetSecure(secure bool) error
	// SetNoIndex excludes the document from the index.
	SetNoIndex(v bool) error
	// SetNoFollow stops the indexer from following links in the document.
	SetNoFollow(v bool) error
	// SetNoArchive stops the indexer from serving a cached copy.
	SetNoArchive(v bool) error
	// SetCrawlOnce sets the crawl-once hint.
	SetCrawlOnce(v bool) error
	// SetLock sets the license lock hint.
	SetLock(v bool) error
}

// Adaptor is the minimal back-end contract: enumerate document ids and
// retrieve document content. Optional capabilities are detected with the
// helpers below instead of a base class.
type Adaptor interface {
	// GetDocIds pushes all document ids through pusher. Blocking and
	// long-running; cancelled through ctx.
	GetDocIds(ctx context.Context, pusher DocIdPusher) error
	// GetDocContent streams the content of the document named in req
	// into resp.
	GetDocContent(ctx context.Context, req Request, resp Response) error
}

// AuthzAuthority answers late-binding authorization queries. Optional.
type AuthzAuthority interface {
	// IsUserAuthorized decides access for identity to each id. Absent
	// entries in the result are treated as Indeterminate.
	IsUserAuthorized(ctx context.Context, identity AuthnIdentity, ids []DocId) (map[DocId]AuthzStatus, error)
}

// PollingIncrementalLister pushes only documents modified since the last
// poll. Optional.
type PollingIncrementalLister interface {
	GetModifiedDocIds(ctx context.Context, pusher DocIdPusher) error
}

// AsyncPushAware is implemented by adaptors that discover documents
// outside enumeration, e.g. from repository change events, and want to
// push them as they appear. The pusher is handed over before the first
// GetDocIds call.
type AsyncPushAware interface {
	SetAsyncPusher(pusher AsyncPusher)
}

// Initializer is implemented by adaptors that need a startup phase.
// Returning an error aborts or retries startup per the daemon's policy.
type Initializer interface {
	Init(ctx context.Context) error
}

// Closer is implemented by adaptors that hold resources.
type Closer interface {
	Close() error
}

// AuthzAuthorityOf detects the authorization capability.
func AuthzAuthorityOf(a Adaptor) (AuthzAuthority, bool) {
	authz, ok := a.(AuthzAuthority)
	return authz, ok
}

// IncrementalListerOf detects the incremental lister capability.
func IncrementalListerOf(a Adaptor) (PollingIncrementalLister, bool) {
	lister, ok := a.(PollingIncrementalLister)
	return lister, ok
}

// AsyncPushAwareOf detects the async push capability.
func AsyncPushAwareOf(a Adaptor) (AsyncPushAware, bool) {
	aware, ok := a.(AsyncPushAware)
	return aware, ok
}
