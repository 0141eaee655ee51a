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

package adaptor

import (
	"net/url"
	"strings"

	"github.com/gravitational/trace"
)

// DocId is the opaque identifier of a document in the back-end
// repository's namespace. Two ids are the same document iff the strings
// are byte-for-byte equal.
type DocId string

// DocIdCodec translates between document ids and the URLs the indexer
// crawls. Encoding prepends the configured base URL and percent-encodes
// the id; decoding is the exact inverse.
type DocIdCodec struct {
	// BaseURL is the absolute URL prefix for encoded ids, ending in the
	// content path prefix, e.g. http://adaptor.example.com:5678/doc/.
	BaseURL *url.URL
}

// NewDocIdCodec returns a codec rooted at base.
func NewDocIdCodec(base *url.URL) (*DocIdCodec, error) {
	if base == nil {
		return nil, trace.BadParameter("missing parameter BaseURL")
	}
	if !base.IsAbs() {
		return nil, trace.BadParameter("doc id base URL %q must be absolute", base)
	}
	return &DocIdCodec{BaseURL: base}, nil
}

// EncodeDocId returns the crawlable URL for id.
func (c *DocIdCodec) EncodeDocId(id DocId) *url.URL {
	u := *c.BaseURL
	u.Path = u.Path + string(id)
	u.RawPath = c.BaseURL.EscapedPath() + escapeDocId(string(id))
	return &u
}

// DecodeDocId recovers the document id from a previously encoded URL
// path. The argument is the escaped request path (Request.URL.EscapedPath)
// and must begin with the codec's base path.
func (c *DocIdCodec) DecodeDocId(requestPath string) (DocId, error) {
	prefix := c.BaseURL.EscapedPath()
	if !strings.HasPrefix(requestPath, prefix) {
		return "", trace.NotFound("path %q is outside the content prefix", requestPath)
	}
	id, err := url.PathUnescape(requestPath[len(prefix):])
	if err != nil {
		return "", trace.NotFound("malformed doc id in path %q", requestPath)
	}
	return DocId(id), nil
}

// IsSameEndpoint reports whether u addresses this codec's content
// endpoint: same scheme, host, and port, and a path under the base path.
func (c *DocIdCodec) IsSameEndpoint(u *url.URL) bool {
	if u == nil || u.Scheme != c.BaseURL.Scheme || u.Host != c.BaseURL.Host {
		return false
	}
	return strings.HasPrefix(u.EscapedPath(), c.BaseURL.EscapedPath())
}

// escapeDocId percent-encodes everything outside the unreserved set plus
// the path separator, keeping encoded ids readable in crawl logs while
// guaranteeing that unescaping restores the original bytes.
func escapeDocId(id string) string {
	const upperhex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			b.WriteByte(ch)
		case ch == '-' || ch == '.' || ch == '_' || ch == '~' || ch == '/':
			b.WriteByte(ch)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[ch>>4])
			b.WriteByte(upperhex[ch&0xf])
		}
	}
	return b.String()
}
