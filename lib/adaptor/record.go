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
	"time"
)

// Record is a single push entry: one document id plus the crawl hints the
// indexer should apply to it. Records are immutable once built.
type Record struct {
	docId            DocId
	deleteFromIndex  bool
	crawlImmediately bool
	crawlOnce        bool
	lock             bool
	lastModified     *time.Time
	resultLink       *url.URL
	metadata         *Metadata
	acl              *Acl
}

// DocId returns the record's document id.
func (r Record) DocId() DocId { return r.docId }

// IsToBeDeleted reports whether the indexer should drop the document.
func (r Record) IsToBeDeleted() bool { return r.deleteFromIndex }

// IsToBeCrawledImmediately reports the crawl-immediately hint.
func (r Record) IsToBeCrawledImmediately() bool { return r.crawlImmediately }

// IsToBeCrawledOnce reports the crawl-once hint.
func (r Record) IsToBeCrawledOnce() bool { return r.crawlOnce }

// IsToBeLocked reports whether the document is protected from license
// eviction on the indexer.
func (r Record) IsToBeLocked() bool { return r.lock }

// LastModified returns the document modification time, nil when unknown.
func (r Record) LastModified() *time.Time { return r.lastModified }

// ResultLink returns the URL shown in search results instead of the
// crawled URL, nil when absent.
func (r Record) ResultLink() *url.URL { return r.resultLink }

// Metadata returns the per-record metadata, nil when absent.
func (r Record) Metadata() *Metadata { return r.metadata }

// Acl returns the per-record ACL fragment, nil when absent.
func (r Record) Acl() *Acl { return r.acl }

// Equal compares all fields of two records.
func (r Record) Equal(o Record) bool {
	if r.docId != o.docId || r.deleteFromIndex != o.deleteFromIndex ||
		r.crawlImmediately != o.crawlImmediately || r.crawlOnce != o.crawlOnce ||
		r.lock != o.lock {
		return false
	}
	if (r.lastModified == nil) != (o.lastModified == nil) {
		return false
	}
	if r.lastModified != nil && !r.lastModified.Equal(*o.lastModified) {
		return false
	}
	if (r.resultLink == nil) != (o.resultLink == nil) {
		return false
	}
	if r.resultLink != nil && r.resultLink.String() != o.resultLink.String() {
		return false
	}
	if (r.metadata == nil) != (o.metadata == nil) {
		return false
	}
	if r.metadata != nil && !r.metadata.Equal(o.metadata) {
		return false
	}
	return r.acl.Equal(o.acl)
}

// RecordBuilder assembles a Record field by field.
type RecordBuilder struct {
	record Record
}

// NewRecordBuilder starts a record for id.
func NewRecordBuilder(id DocId) *RecordBuilder {
	return &RecordBuilder{record: Record{docId: id}}
}

// SetDeleteFromIndex marks the document for deletion.
func (b *RecordBuilder) SetDeleteFromIndex(v bool) *RecordBuilder {
	b.record.deleteFromIndex = v
	return b
}

// SetCrawlImmediately sets the crawl-immediately hint.
func (b *RecordBuilder) SetCrawlImmediately(v bool) *RecordBuilder {
	b.record.crawlImmediately = v
	return b
}

// SetCrawlOnce sets the crawl-once hint.
func (b *RecordBuilder) SetCrawlOnce(v bool) *RecordBuilder {
	b.record.crawlOnce = v
	return b
}

// SetLock sets the license lock hint.
func (b *RecordBuilder) SetLock(v bool) *RecordBuilder {
	b.record.lock = v
	return b
}

// SetLastModified records the document modification time.
func (b *RecordBuilder) SetLastModified(t time.Time) *RecordBuilder {
	b.record.lastModified = &t
	return b
}

// SetResultLink sets the display URL for search results.
func (b *RecordBuilder) SetResultLink(u *url.URL) *RecordBuilder {
	b.record.resultLink = u
	return b
}

// SetMetadata attaches per-record metadata.
func (b *RecordBuilder) SetMetadata(m *Metadata) *RecordBuilder {
	b.record.metadata = m
	return b
}

// SetAcl attaches an ACL fragment.
func (b *RecordBuilder) SetAcl(a *Acl) *RecordBuilder {
	b.record.acl = a
	return b
}

// Build returns the assembled record.
func (b *RecordBuilder) Build() Record { return b.record }
