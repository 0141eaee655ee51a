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

// Package cmdstream speaks the adaptor data protocol used to exchange
// document listings, content, and authorization decisions with external
// command-line programs.
package cmdstream

import (
	"bytes"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/feedgate/lib/adaptor"
)

const headerPrefix = "GSA Adaptor Data Version "

// delimiterSafe are the bytes a delimiter may NOT contain: anything that
// can appear in protocol keys or values would make the split ambiguous.
func delimiterSafe(b byte) bool {
	switch {
	case b >= 'A' && b <= 'Z', b >= 'a' && b <= 'z', b >= '0' && b <= '9':
		return false
	case b == ':' || b == '/' || b == '_' || b == '-' || b == ' ' ||
		b == '=' || b == '+' || b == '[' || b == ']':
		return false
	}
	return true
}

// Parser holds a fully read protocol stream split at its declared
// delimiter. The content tail of a retriever stream is kept raw.
type Parser struct {
	delim []byte
	body  []byte
}

// NewParser reads the whole stream, validates the version header, and
// extracts the delimiter.
func NewParser(r io.Reader) (*Parser, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if !bytes.HasPrefix(data, []byte(headerPrefix)) {
		return nil, trace.BadParameter("malformed stream: missing protocol header")
	}
	rest := data[len(headerPrefix):]
	open := bytes.IndexByte(rest, '[')
	if open < 0 {
		return nil, trace.BadParameter("malformed stream: missing delimiter declaration")
	}
	version := strings.TrimSpace(string(rest[:open]))
	if version != "1" {
		return nil, trace.BadParameter("malformed stream: unsupported version %q", version)
	}
	end := bytes.IndexByte(rest[open:], ']')
	if end < 0 {
		return nil, trace.BadParameter("malformed stream: unterminated delimiter declaration")
	}
	delim := rest[open+1 : open+end]
	if len(delim) == 0 {
		return nil, trace.BadParameter("malformed stream: empty delimiter")
	}
	for _, b := range delim {
		if !delimiterSafe(b) {
			return nil, trace.BadParameter("malformed stream: delimiter contains reserved byte %q", b)
		}
	}
	body := rest[open+end+1:]
	// The header is terminated by one delimiter before the first token.
	if !bytes.HasPrefix(body, delim) {
		return nil, trace.BadParameter("malformed stream: header not followed by delimiter")
	}
	return &Parser{delim: delim, body: body[len(delim):]}, nil
}

// next returns the token before the next delimiter and the remaining
// body. The final token may be delimiter-less.
func next(body, delim []byte) (token, rest []byte, ok bool) {
	if body == nil {
		return nil, nil, false
	}
	if i := bytes.Index(body, delim); i >= 0 {
		return body[:i], body[i+len(delim):], true
	}
	return body, nil, true
}

// ReadFromLister parses a listing stream, calling emit for each record.
// Tokens before the first id declaration are malformed, except id-list
// blocks which carry bare ids until an empty token.
func (p *Parser) ReadFromLister(emit func(adaptor.Record) error) error {
	var builder *adaptor.RecordBuilder
	inIDList := false
	flush := func() error {
		if builder == nil {
			return nil
		}
		err := emit(builder.Build())
		builder = nil
		return trace.Wrap(err)
	}

	body := p.body
	for {
		token, rest, ok := next(body, p.delim)
		if !ok {
			break
		}
		body = rest
		line := string(token)

		if inIDList {
			if line == "" {
				inIDList = false
				continue
			}
			if err := flush(); err != nil {
				return trace.Wrap(err)
			}
			if err := emit(adaptor.NewRecordBuilder(adaptor.DocId(line)).Build()); err != nil {
				return trace.Wrap(err)
			}
			continue
		}
		switch {
		case line == "":
			continue
		case line == "id-list":
			if err := flush(); err != nil {
				return trace.Wrap(err)
			}
			inIDList = true
		case strings.HasPrefix(line, "id="):
			if err := flush(); err != nil {
				return trace.Wrap(err)
			}
			builder = adaptor.NewRecordBuilder(adaptor.DocId(line[len("id="):]))
		case builder == nil:
			return trace.BadParameter("malformed stream: %q before first id", line)
		default:
			applyListerAttribute(builder, line)
		}
	}
	return trace.Wrap(flush())
}

// applyListerAttribute sets one per-record attribute. Unknown keys are
// ignored for forward compatibility.
func applyListerAttribute(b *adaptor.RecordBuilder, line string) {
	key, value, _ := strings.Cut(line, "=")
	switch key {
	case "last-modified":
		if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
			b.SetLastModified(time.Unix(secs, 0).UTC())
		}
	case "result-link":
		if u, err := url.Parse(value); err == nil {
			b.SetResultLink(u)
		}
	case "delete":
		b.SetDeleteFromIndex(boolValue(value))
	case "crawl-once":
		b.SetCrawlOnce(boolValue(value))
	case "crawl-immediately":
		b.SetCrawlImmediately(boolValue(value))
	case "lock":
		b.SetLock(boolValue(value))
	}
}

// boolValue treats a bare keyword as true, otherwise parses the value.
func boolValue(v string) bool {
	if v == "" {
		return true
	}
	parsed, err := strconv.ParseBool(v)
	return err == nil && parsed
}

// ReadFromRetriever parses a retrieval stream into resp. Everything
// after the content token is the raw document body.
func (p *Parser) ReadFromRetriever(resp adaptor.Response) error {
	var pendingMetaName *string
	var pendingAnchorURI *url.URL
	body := p.body
	for {
		token, rest, ok := next(body, p.delim)
		if !ok {
			return nil
		}
		body = rest
		line := string(token)
		key, value, _ := strings.Cut(line, "=")

		switch key {
		case "":
			continue
		case "content":
			if rest == nil {
				rest = []byte{}
			}
			if _, err := resp.Write(rest); err != nil {
				return trace.Wrap(err)
			}
			return nil
		case "up-to-date":
			return trace.Wrap(resp.RespondNotModified())
		case "not-found":
			return trace.NotFound("document not found by retriever")
		case "id":
			// The echoed id is informational.
		case "mime-type":
			if err := resp.SetContentType(value); err != nil {
				return trace.Wrap(err)
			}
		case "last-modified":
			if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
				if err := resp.SetLastModified(time.Unix(secs, 0).UTC()); err != nil {
					return trace.Wrap(err)
				}
			}
		case "display-url":
			if u, err := url.Parse(value); err == nil {
				if err := resp.SetDisplayURL(u); err != nil {
					return trace.Wrap(err)
				}
			}
		case "meta-name":
			name := value
			pendingMetaName = &name
		case "meta-value":
			if pendingMetaName == nil {
				return trace.BadParameter("malformed stream: meta-value without meta-name")
			}
			if err := resp.AddMetadata(*pendingMetaName, value); err != nil {
				return trace.Wrap(err)
			}
			pendingMetaName = nil
		case "anchor-uri":
			u, err := url.Parse(value)
			if err != nil {
				return trace.BadParameter("malformed stream: bad anchor uri %q", value)
			}
			pendingAnchorURI = u
		case "anchor-text":
			if pendingAnchorURI == nil {
				return trace.BadParameter("malformed stream: anchor-text without anchor-uri")
			}
			if err := resp.AddAnchor(pendingAnchorURI, value); err != nil {
				return trace.Wrap(err)
			}
			pendingAnchorURI = nil
		case "secure":
			if err := resp.SetSecure(boolValue(value)); err != nil {
				return trace.Wrap(err)
			}
		case "no-index":
			if err := resp.SetNoIndex(boolValue(value)); err != nil {
				return trace.Wrap(err)
			}
		case "no-follow":
			if err := resp.SetNoFollow(boolValue(value)); err != nil {
				return trace.Wrap(err)
			}
		case "no-archive":
			if err := resp.SetNoArchive(boolValue(value)); err != nil {
				return trace.Wrap(err)
			}
		case "crawl-once":
			if err := resp.SetCrawlOnce(boolValue(value)); err != nil {
				return trace.Wrap(err)
			}
		case "lock":
			if err := resp.SetLock(boolValue(value)); err != nil {
				return trace.Wrap(err)
			}
		default:
			// Unknown keys are ignored for forward compatibility.
		}
	}
}

// ReadFromAuthorizer parses authorization decisions keyed by DocId.
func (p *Parser) ReadFromAuthorizer() (map[adaptor.DocId]adaptor.AuthzStatus, error) {
	decisions := make(map[adaptor.DocId]adaptor.AuthzStatus)
	var current *adaptor.DocId
	body := p.body
	for {
		token, rest, ok := next(body, p.delim)
		if !ok {
			break
		}
		body = rest
		line := string(token)
		key, value, _ := strings.Cut(line, "=")
		switch key {
		case "":
			continue
		case "repository-unavailable":
			return nil, trace.ConnectionProblem(nil, "authorizer repository unavailable")
		case "id":
			id := adaptor.DocId(value)
			current = &id
			decisions[id] = adaptor.Indeterminate
		case "authz-status":
			if current == nil {
				return nil, trace.BadParameter("malformed stream: authz-status before first id")
			}
			switch value {
			case "PERMIT":
				decisions[*current] = adaptor.Permit
			case "DENY":
				decisions[*current] = adaptor.Deny
			default:
				decisions[*current] = adaptor.Indeterminate
			}
		default:
			if current == nil {
				return nil, trace.BadParameter("malformed stream: %q before first id", line)
			}
			// Unknown keys are ignored for forward compatibility.
		}
	}
	return decisions, nil
}
