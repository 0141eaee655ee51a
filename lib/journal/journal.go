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

// Package journal tracks runtime statistics: monotonic counters,
// time-bucketed stats on three timescales, completion status of push
// jobs, and the rolling document retrieval error rate feeding the
// dashboard.
package journal

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gravitational/feedgate/lib/adaptor"
	"github.com/gravitational/feedgate/lib/defaults"
)

var (
	metricDocIdsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedgate_docids_pushed_total",
		Help: "Total document ids pushed to the indexer.",
	})
	metricPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgate_pushes_total",
		Help: "Push jobs by kind and outcome.",
	}, []string{"kind", "outcome"})
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgate_content_requests_total",
		Help: "Document content requests by caller kind.",
	}, []string{"caller"})
	metricRetrievals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedgate_retrievals_total",
		Help: "Document retrievals by outcome.",
	}, []string{"outcome"})
)

// PushKind names a push job tracked by the journal.
type PushKind int

const (
	// FullPush is the scheduled full listing.
	FullPush PushKind = iota
	// IncrementalPush is the modified-documents poll.
	IncrementalPush
	// GroupPush is the group definitions feed.
	GroupPush
)

func (k PushKind) String() string {
	switch k {
	case FullPush:
		return "full"
	case IncrementalPush:
		return "incremental"
	default:
		return "group"
	}
}

// CompletionStatus is the terminal outcome of the most recent push job.
type CompletionStatus int

const (
	// StatusIdle means no push has run yet or the last one was consumed.
	StatusIdle CompletionStatus = iota
	// StatusInProgress means a push is running.
	StatusInProgress
	// StatusSuccess means the last push completed cleanly.
	StatusSuccess
	// StatusFailure means the last push failed.
	StatusFailure
	// StatusInterruption means the last push was cancelled.
	StatusInterruption
)

func (s CompletionStatus) String() string {
	switch s {
	case StatusInProgress:
		return "in progress"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusInterruption:
		return "interruption"
	default:
		return "idle"
	}
}

// Stat is one time bucket of aggregated request statistics.
type Stat struct {
	Count       int64
	DurationSum time.Duration
	MaxDuration time.Duration
	Throughput  int64
	BucketEnd   time.Time
}

// statRing is a fixed ring of Stats with lazy rotation: advancing time
// past the pending bucket end shifts the ring, zeroing skipped buckets.
type statRing struct {
	width   time.Duration
	buckets []Stat
	current int
	// currentEnd is the pending bucket end; zero until first use.
	currentEnd time.Time
}

func newStatRing(timescale time.Duration, buckets int) *statRing {
	return &statRing{
		width:   timescale / time.Duration(buckets),
		buckets: make([]Stat, buckets),
	}
}

func (r *statRing) rotate(now time.Time) {
	if r.currentEnd.IsZero() {
		r.currentEnd = now.Truncate(r.width).Add(r.width)
		r.buckets[r.current].BucketEnd = r.currentEnd
		return
	}
	if now.Before(r.currentEnd) {
		return
	}
	// A jump past the whole ring, e.g. after a suspend, wipes it in one
	// step instead of stepping once per elapsed bucket.
	if steps := now.Sub(r.currentEnd)/r.width + 1; steps >= time.Duration(len(r.buckets)) {
		r.current = 0
		r.currentEnd = now.Truncate(r.width).Add(r.width)
		for i := range r.buckets {
			back := (r.current - i + len(r.buckets)) % len(r.buckets)
			r.buckets[back] = Stat{BucketEnd: r.currentEnd.Add(-time.Duration(i) * r.width)}
		}
		return
	}
	for !now.Before(r.currentEnd) {
		r.current = (r.current + 1) % len(r.buckets)
		r.currentEnd = r.currentEnd.Add(r.width)
		r.buckets[r.current] = Stat{BucketEnd: r.currentEnd}
	}
}

func (r *statRing) record(now time.Time, duration time.Duration, bytes int64) {
	r.rotate(now)
	b := &r.buckets[r.current]
	b.Count++
	b.DurationSum += duration
	if duration > b.MaxDuration {
		b.MaxDuration = duration
	}
	b.Throughput += bytes
}

// snapshot returns the buckets oldest first.
func (r *statRing) snapshot(now time.Time) []Stat {
	r.rotate(now)
	out := make([]Stat, 0, len(r.buckets))
	for i := 1; i <= len(r.buckets); i++ {
		out = append(out, r.buckets[(r.current+i)%len(r.buckets)])
	}
	return out
}

// Snapshot is an immutable capture of the journal. Successive snapshots
// never show a monotonic counter decreasing.
type Snapshot struct {
	When time.Time

	UniqueDocIdsPushed int64
	TotalDocIdsPushed  int64
	TotalGroupsPushed  int64

	GsaRequests    int64
	NonGsaRequests int64
	LastGsaRequest time.Time

	PushStatus map[PushKind]CompletionStatus

	// MinuteStats, HourStats and DayStats are bucketed oldest first.
	MinuteStats []Stat
	HourStats   []Stat
	DayStats    []Stat
}

// Journal aggregates runtime statistics. All methods are safe for
// concurrent use; Snapshot observes a consistent moment.
type Journal struct {
	clock clockwork.Clock

	mu sync.Mutex

	seenDocIds        map[adaptor.DocId]struct{}
	totalDocIdsPushed int64
	totalGroupsPushed int64

	gsaRequests    int64
	nonGsaRequests int64
	lastGsaRequest time.Time

	status map[PushKind]CompletionStatus

	minute *statRing
	hour   *statRing
	day    *statRing

	// retrieverOutcomes is a ring of recent retrieval outcomes, true for
	// failure, sized by the configured window.
	retrieverOutcomes []bool
	retrieverNext     int
	retrieverFilled   int
}

// New returns a Journal using clock, tracking errorRateWindow recent
// retrievals.
func New(clock clockwork.Clock, errorRateWindow int) *Journal {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if errorRateWindow <= 0 {
		errorRateWindow = defaults.RetrieverErrorRateWindow
	}
	return &Journal{
		clock:      clock,
		seenDocIds: make(map[adaptor.DocId]struct{}),
		status: map[PushKind]CompletionStatus{
			FullPush:        StatusIdle,
			IncrementalPush: StatusIdle,
			GroupPush:       StatusIdle,
		},
		minute:            newStatRing(time.Minute, 60),
		hour:              newStatRing(time.Hour, 60),
		day:               newStatRing(24*time.Hour, 60),
		retrieverOutcomes: make([]bool, errorRateWindow),
	}
}

// RecordDocIdPush counts pushed records.
func (j *Journal) RecordDocIdPush(records []adaptor.Record) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range records {
		j.seenDocIds[r.DocId()] = struct{}{}
	}
	j.totalDocIdsPushed += int64(len(records))
	metricDocIdsPushed.Add(float64(len(records)))
}

// RecordGroupPush counts pushed group definitions.
func (j *Journal) RecordGroupPush(groups int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.totalGroupsPushed += int64(groups)
}

// RecordPushStarted transitions kind from idle to in-progress.
func (j *Journal) RecordPushStarted(kind PushKind) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status[kind] == StatusInProgress {
		return trace.BadParameter("%v push is already in progress", kind)
	}
	j.status[kind] = StatusInProgress
	return nil
}

func (j *Journal) recordPushEnded(kind PushKind, status CompletionStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status[kind] != StatusInProgress {
		return trace.BadParameter("%v push is not in progress", kind)
	}
	j.status[kind] = status
	metricPushes.WithLabelValues(kind.String(), status.String()).Inc()
	return nil
}

// RecordPushSuccessful marks the running push of kind successful.
func (j *Journal) RecordPushSuccessful(kind PushKind) error {
	return j.recordPushEnded(kind, StatusSuccess)
}

// RecordPushFailed marks the running push of kind failed.
func (j *Journal) RecordPushFailed(kind PushKind) error {
	return j.recordPushEnded(kind, StatusFailure)
}

// RecordPushInterrupted marks the running push of kind interrupted.
func (j *Journal) RecordPushInterrupted(kind PushKind) error {
	return j.recordPushEnded(kind, StatusInterruption)
}

// PushStatus returns the completion status for kind.
func (j *Journal) PushStatus(kind PushKind) CompletionStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status[kind]
}

// RecordGsaContentRequest counts a content request issued by the indexer.
func (j *Journal) RecordGsaContentRequest() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.gsaRequests++
	j.lastGsaRequest = j.clock.Now()
	metricRequests.WithLabelValues("gsa").Inc()
}

// RecordNonGsaContentRequest counts a content request from anyone else.
func (j *Journal) RecordNonGsaContentRequest() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nonGsaRequests++
	metricRequests.WithLabelValues("other").Inc()
}

// RecordRetrieval records the outcome of one document retrieval: its
// processing time, the bytes served, and whether it failed.
func (j *Journal) RecordRetrieval(duration time.Duration, bytes int64, failed bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.clock.Now()
	j.minute.record(now, duration, bytes)
	j.hour.record(now, duration, bytes)
	j.day.record(now, duration, bytes)
	j.retrieverOutcomes[j.retrieverNext] = failed
	j.retrieverNext = (j.retrieverNext + 1) % len(j.retrieverOutcomes)
	if j.retrieverFilled < len(j.retrieverOutcomes) {
		j.retrieverFilled++
	}
	if failed {
		metricRetrievals.WithLabelValues("failure").Inc()
	} else {
		metricRetrievals.WithLabelValues("success").Inc()
	}
}

// RetrieverErrorRate returns failures/total over the most recent window
// observations, zero when nothing was observed.
func (j *Journal) RetrieverErrorRate(window int) float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if window <= 0 || window > j.retrieverFilled {
		window = j.retrieverFilled
	}
	if window == 0 {
		return 0
	}
	failures := 0
	n := len(j.retrieverOutcomes)
	for i := 1; i <= window; i++ {
		if j.retrieverOutcomes[(j.retrieverNext-i+n)%n] {
			failures++
		}
	}
	return float64(failures) / float64(window)
}

// HasGsaCrawledWithinLastDay reports whether the most recent indexer
// request happened less than 24 hours ago.
func (j *Journal) HasGsaCrawledWithinLastDay() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastGsaRequest.IsZero() {
		return false
	}
	return j.clock.Now().Sub(j.lastGsaRequest) < 24*time.Hour
}

// Snapshot captures the journal at a consistent moment.
func (j *Journal) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.clock.Now()
	status := make(map[PushKind]CompletionStatus, len(j.status))
	for k, v := range j.status {
		status[k] = v
	}
	return Snapshot{
		When:               now,
		UniqueDocIdsPushed: int64(len(j.seenDocIds)),
		TotalDocIdsPushed:  j.totalDocIdsPushed,
		TotalGroupsPushed:  j.totalGroupsPushed,
		GsaRequests:        j.gsaRequests,
		NonGsaRequests:     j.nonGsaRequests,
		LastGsaRequest:     j.lastGsaRequest,
		PushStatus:         status,
		MinuteStats:        j.minute.snapshot(now),
		HourStats:          j.hour.snapshot(now),
		DayStats:           j.day.snapshot(now),
	}
}
