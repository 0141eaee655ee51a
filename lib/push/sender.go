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

// Package push drives document id feeds to the indexer: batching,
// retry, journal bracketing, and an asynchronous drop-on-overflow queue.
package push

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/feedgate/lib/adaptor"
	"github.com/gravitational/feedgate/lib/defaults"
	"github.com/gravitational/feedgate/lib/feed"
	"github.com/gravitational/feedgate/lib/journal"
)

// ExceptionHandler decides whether a failed feed upload should be
// retried. attempt counts from 1. Returning false gives up on the batch.
type ExceptionHandler func(ctx context.Context, err error, attempt int) bool

// RetryExceptionHandler returns the stock policy: retry transport
// failures up to maxAttempts with a linearly growing delay, never retry
// a rejection.
func RetryExceptionHandler(clock clockwork.Clock, maxAttempts int, baseDelay time.Duration) ExceptionHandler {
	return func(ctx context.Context, err error, attempt int) bool {
		if feed.IsRejected(err) {
			return false
		}
		if attempt >= maxAttempts {
			return false
		}
		select {
		case <-clock.After(time.Duration(attempt) * baseDelay):
			return true
		case <-ctx.Done():
			return false
		}
	}
}

// FeedUploader uploads built feed documents. Implemented by
// feed.Sender.
type FeedUploader interface {
	Send(ctx context.Context, datasource, xmlDoc string, compress bool) error
	SendGroups(ctx context.Context, source, xmlDoc string, compress, incremental bool) error
}

// SenderConfig configures a DocIdSender.
type SenderConfig struct {
	// Maker builds feed XML.
	Maker *feed.Maker
	// Sender uploads feed XML.
	Sender FeedUploader
	// Archiver stores sent feed bodies; optional.
	Archiver *feed.Archiver
	// Journal records push outcomes and throughput.
	Journal *journal.Journal
	// Clock is used for retry backoff.
	Clock clockwork.Clock
	// Datasource is the feed source name (feed.name).
	Datasource string
	// MaxURLsPerFeed caps records per feed file (feed.maxUrls).
	MaxURLsPerFeed int
	// MarkAllDocsAsPublic strips all ACL and group emission.
	MarkAllDocsAsPublic bool
	// GsaVersion is the indexer software version; gates replace-all
	// group feeds. Optional.
	GsaVersion *semver.Version
	// Handler decides retries for failed uploads.
	Handler ExceptionHandler
	// Logger is the component logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *SenderConfig) CheckAndSetDefaults() error {
	if c.Maker == nil {
		return trace.BadParameter("missing parameter Maker")
	}
	if c.Sender == nil {
		return trace.BadParameter("missing parameter Sender")
	}
	if c.Journal == nil {
		return trace.BadParameter("missing parameter Journal")
	}
	if c.Datasource == "" {
		return trace.BadParameter("missing parameter Datasource")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.MaxURLsPerFeed <= 0 {
		c.MaxURLsPerFeed = defaults.MaxFeedURLs
	}
	if c.Handler == nil {
		c.Handler = RetryExceptionHandler(c.Clock, 12, time.Second)
	}
	if c.Archiver == nil {
		c.Archiver = &feed.Archiver{}
	}
	if c.Logger == nil {
		c.Logger = slog.With("component", "push")
	}
	return nil
}

// DocIdSender batches records into feed files and pushes them to the
// indexer in order. It implements adaptor.DocIdPusher.
type DocIdSender struct {
	cfg SenderConfig
}

// NewDocIdSender returns a sender for the given configuration.
func NewDocIdSender(cfg SenderConfig) (*DocIdSender, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &DocIdSender{cfg: cfg}, nil
}

// PushFullDocIdsFromAdaptor runs a complete enumeration push: journal
// bracketing around the adaptor's GetDocIds callback.
func (d *DocIdSender) PushFullDocIdsFromAdaptor(ctx context.Context, a adaptor.Adaptor) error {
	return d.pushFromCallback(ctx, journal.FullPush, func() error {
		return a.GetDocIds(ctx, d)
	})
}

// PushIncrementalDocIdsFromAdaptor runs one incremental poll.
func (d *DocIdSender) PushIncrementalDocIdsFromAdaptor(ctx context.Context, lister adaptor.PollingIncrementalLister) error {
	return d.pushFromCallback(ctx, journal.IncrementalPush, func() error {
		return lister.GetModifiedDocIds(ctx, d)
	})
}

func (d *DocIdSender) pushFromCallback(ctx context.Context, kind journal.PushKind, callback func() error) error {
	if err := d.cfg.Journal.RecordPushStarted(kind); err != nil {
		return trace.Wrap(err)
	}
	err := callback()
	switch {
	case err == nil:
		return trace.Wrap(d.cfg.Journal.RecordPushSuccessful(kind))
	case ctx.Err() != nil:
		d.cfg.Logger.InfoContext(ctx, "Push interrupted.", "kind", kind.String())
		if jerr := d.cfg.Journal.RecordPushInterrupted(kind); jerr != nil {
			return trace.Wrap(jerr)
		}
		return trace.Wrap(err)
	default:
		d.cfg.Logger.WarnContext(ctx, "Push failed.", "kind", kind.String(), "error", err)
		if jerr := d.cfg.Journal.RecordPushFailed(kind); jerr != nil {
			return trace.Wrap(jerr)
		}
		return trace.Wrap(err)
	}
}

// PushDocIds pushes plain ids with default record settings.
func (d *DocIdSender) PushDocIds(ctx context.Context, ids []adaptor.DocId) (*adaptor.DocId, error) {
	records := make([]adaptor.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, adaptor.NewRecordBuilder(id).Build())
	}
	rec, err := d.PushRecords(ctx, records)
	if rec == nil {
		return nil, trace.Wrap(err)
	}
	id := rec.DocId()
	return &id, trace.Wrap(err)
}

// PushRecords sends records in feed batches. On failure or cancellation
// it returns the first record that was not delivered so the caller can
// resume from it.
func (d *DocIdSender) PushRecords(ctx context.Context, records []adaptor.Record) (*adaptor.Record, error) {
	for start := 0; start < len(records); start += d.cfg.MaxURLsPerFeed {
		if ctx.Err() != nil {
			marker := records[start]
			return &marker, trace.Wrap(ctx.Err())
		}
		end := min(start+d.cfg.MaxURLsPerFeed, len(records))
		batch := records[start:end]
		if d.cfg.MarkAllDocsAsPublic {
			batch = stripAcls(batch)
		}
		xmlDoc, err := d.cfg.Maker.MakeMetadataAndURLXML(d.cfg.Datasource, batch)
		if err != nil {
			marker := records[start]
			return &marker, trace.Wrap(err)
		}
		if err := d.sendWithRetry(ctx, func() error {
			return d.cfg.Sender.Send(ctx, d.cfg.Datasource, xmlDoc, true)
		}); err != nil {
			d.archive(ctx, xmlDoc, true)
			marker := records[start]
			return &marker, trace.Wrap(err)
		}
		d.archive(ctx, xmlDoc, false)
		d.cfg.Journal.RecordDocIdPush(batch)
	}
	return nil, nil
}

// PushGroupDefinitions sends group memberships as incremental xmlgroups
// feeds. Under MarkAllDocsAsPublic the push is suppressed entirely.
func (d *DocIdSender) PushGroupDefinitions(ctx context.Context, groups map[adaptor.Principal][]adaptor.Principal, caseSensitive bool) (*adaptor.Principal, error) {
	return d.pushGroups(ctx, groups, caseSensitive, false)
}

// PushGroupDefinitionsReplaceAll replaces the indexer's group store with
// exactly the given memberships when the indexer supports it; older
// indexers fall back to incremental chunks.
func (d *DocIdSender) PushGroupDefinitionsReplaceAll(ctx context.Context, groups map[adaptor.Principal][]adaptor.Principal, caseSensitive bool) (*adaptor.Principal, error) {
	return d.pushGroups(ctx, groups, caseSensitive, true)
}

func (d *DocIdSender) pushGroups(ctx context.Context, groups map[adaptor.Principal][]adaptor.Principal, caseSensitive, replaceAll bool) (*adaptor.Principal, error) {
	if d.cfg.MarkAllDocsAsPublic || len(groups) == 0 {
		return nil, nil
	}
	if err := d.cfg.Journal.RecordPushStarted(journal.GroupPush); err != nil {
		return nil, trace.Wrap(err)
	}

	keys := sortedGroupKeys(groups)
	replaceAll = replaceAll && d.supportsReplaceAllGroups()
	chunkSize := d.cfg.MaxURLsPerFeed
	if replaceAll {
		chunkSize = len(keys)
	}

	for start := 0; start < len(keys); start += chunkSize {
		if ctx.Err() != nil {
			marker := keys[start]
			return &marker, d.endGroupPush(ctx, journal.StatusInterruption, ctx.Err())
		}
		end := min(start+chunkSize, len(keys))
		chunk := make(map[adaptor.Principal][]adaptor.Principal, end-start)
		for _, k := range keys[start:end] {
			chunk[k] = groups[k]
		}
		xmlDoc, err := d.cfg.Maker.MakeGroupDefinitionsXML(chunk, caseSensitive)
		if err != nil {
			marker := keys[start]
			return &marker, d.endGroupPush(ctx, journal.StatusFailure, err)
		}
		if err := d.sendWithRetry(ctx, func() error {
			return d.cfg.Sender.SendGroups(ctx, d.cfg.Datasource, xmlDoc, true, !replaceAll)
		}); err != nil {
			d.archive(ctx, xmlDoc, true)
			marker := keys[start]
			return &marker, d.endGroupPush(ctx, journal.StatusFailure, err)
		}
		d.archive(ctx, xmlDoc, false)
		d.cfg.Journal.RecordGroupPush(end - start)
	}
	return nil, d.endGroupPush(ctx, journal.StatusSuccess, nil)
}

func (d *DocIdSender) endGroupPush(ctx context.Context, status journal.CompletionStatus, cause error) error {
	var jerr error
	switch status {
	case journal.StatusSuccess:
		jerr = d.cfg.Journal.RecordPushSuccessful(journal.GroupPush)
	case journal.StatusInterruption:
		jerr = d.cfg.Journal.RecordPushInterrupted(journal.GroupPush)
	default:
		jerr = d.cfg.Journal.RecordPushFailed(journal.GroupPush)
	}
	if jerr != nil {
		return trace.Wrap(jerr)
	}
	return trace.Wrap(cause)
}

// PushNamedResources sends standalone ACLs as metadata-and-url feeds of
// acl elements. Suppressed under MarkAllDocsAsPublic.
func (d *DocIdSender) PushNamedResources(ctx context.Context, resources map[adaptor.DocId]*adaptor.Acl) (*adaptor.DocId, error) {
	if d.cfg.MarkAllDocsAsPublic || len(resources) == 0 {
		return nil, nil
	}
	ids := make([]adaptor.DocId, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for start := 0; start < len(ids); start += d.cfg.MaxURLsPerFeed {
		if ctx.Err() != nil {
			marker := ids[start]
			return &marker, trace.Wrap(ctx.Err())
		}
		end := min(start+d.cfg.MaxURLsPerFeed, len(ids))
		chunk := make(map[adaptor.DocIdFragment]*adaptor.Acl, end-start)
		for _, id := range ids[start:end] {
			chunk[adaptor.DocIdFragment{DocId: id}] = resources[id]
		}
		xmlDoc, err := d.cfg.Maker.MakeNamedResourcesXML(d.cfg.Datasource, chunk)
		if err != nil {
			marker := ids[start]
			return &marker, trace.Wrap(err)
		}
		if err := d.sendWithRetry(ctx, func() error {
			return d.cfg.Sender.Send(ctx, d.cfg.Datasource, xmlDoc, true)
		}); err != nil {
			d.archive(ctx, xmlDoc, true)
			marker := ids[start]
			return &marker, trace.Wrap(err)
		}
		d.archive(ctx, xmlDoc, false)
	}
	return nil, nil
}

func (d *DocIdSender) sendWithRetry(ctx context.Context, send func() error) error {
	for attempt := 1; ; attempt++ {
		err := send()
		if err == nil {
			return nil
		}
		if !d.cfg.Handler(ctx, err, attempt) {
			return trace.Wrap(err)
		}
		d.cfg.Logger.InfoContext(ctx, "Retrying feed upload.",
			"attempt", attempt, "error", err)
	}
}

func (d *DocIdSender) archive(ctx context.Context, xmlDoc string, failed bool) {
	if err := d.cfg.Archiver.Archive(d.cfg.Datasource, xmlDoc, failed); err != nil {
		d.cfg.Logger.WarnContext(ctx, "Failed to archive feed.", "error", err)
	}
}

func (d *DocIdSender) supportsReplaceAllGroups() bool {
	if d.cfg.GsaVersion == nil {
		return false
	}
	floor := semver.New(defaults.GroupFeedReplaceAllVersion + "-0")
	return !d.cfg.GsaVersion.LessThan(*floor)
}

func stripAcls(records []adaptor.Record) []adaptor.Record {
	out := make([]adaptor.Record, 0, len(records))
	for _, r := range records {
		if r.Acl() == nil {
			out = append(out, r)
			continue
		}
		b := adaptor.NewRecordBuilder(r.DocId()).
			SetDeleteFromIndex(r.IsToBeDeleted()).
			SetCrawlImmediately(r.IsToBeCrawledImmediately()).
			SetCrawlOnce(r.IsToBeCrawledOnce()).
			SetLock(r.IsToBeLocked()).
			SetResultLink(r.ResultLink()).
			SetMetadata(r.Metadata())
		if lm := r.LastModified(); lm != nil {
			b.SetLastModified(*lm)
		}
		out = append(out, b.Build())
	}
	return out
}

func sortedGroupKeys(groups map[adaptor.Principal][]adaptor.Principal) []adaptor.Principal {
	keys := make([]adaptor.Principal, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Namespace != keys[j].Namespace {
			return keys[i].Namespace < keys[j].Namespace
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}
