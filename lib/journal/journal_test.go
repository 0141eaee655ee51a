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

package journal

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/gravitational/feedgate/lib/adaptor"
)

func record(id adaptor.DocId) adaptor.Record {
	return adaptor.NewRecordBuilder(id).Build()
}

func TestJournalCounters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	j := New(clock, 10)

	j.RecordDocIdPush([]adaptor.Record{record("a"), record("b")})
	j.RecordDocIdPush([]adaptor.Record{record("a")})

	snap := j.Snapshot()
	require.EqualValues(t, 2, snap.UniqueDocIdsPushed)
	require.EqualValues(t, 3, snap.TotalDocIdsPushed)

	// Monotonic counters never decrease across snapshots.
	j.RecordDocIdPush([]adaptor.Record{record("c")})
	snap2 := j.Snapshot()
	require.GreaterOrEqual(t, snap2.TotalDocIdsPushed, snap.TotalDocIdsPushed)
	require.GreaterOrEqual(t, snap2.UniqueDocIdsPushed, snap.UniqueDocIdsPushed)
}

func TestJournalPushStateMachine(t *testing.T) {
	j := New(clockwork.NewFakeClock(), 10)

	// Terminal recording without a running push is invalid.
	require.Error(t, j.RecordPushSuccessful(FullPush))

	require.NoError(t, j.RecordPushStarted(FullPush))
	require.Equal(t, StatusInProgress, j.PushStatus(FullPush))

	// Double start is invalid.
	require.Error(t, j.RecordPushStarted(FullPush))

	require.NoError(t, j.RecordPushSuccessful(FullPush))
	require.Equal(t, StatusSuccess, j.PushStatus(FullPush))

	// Kinds are independent.
	require.NoError(t, j.RecordPushStarted(GroupPush))
	require.NoError(t, j.RecordPushInterrupted(GroupPush))
	require.Equal(t, StatusInterruption, j.PushStatus(GroupPush))
	require.Equal(t, StatusIdle, j.PushStatus(IncrementalPush))
}

func TestJournalRetrieverErrorRate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	j := New(clock, 4)

	require.Zero(t, j.RetrieverErrorRate(4))

	j.RecordRetrieval(time.Millisecond, 10, false)
	j.RecordRetrieval(time.Millisecond, 10, true)
	require.Equal(t, 0.5, j.RetrieverErrorRate(4))

	// Window narrower than history counts only the most recent.
	j.RecordRetrieval(time.Millisecond, 10, true)
	require.Equal(t, 1.0, j.RetrieverErrorRate(1))

	// Old outcomes fall out of the ring once it wraps.
	j.RecordRetrieval(time.Millisecond, 10, false)
	j.RecordRetrieval(time.Millisecond, 10, false)
	require.Equal(t, 0.5, j.RetrieverErrorRate(4))
}

func TestJournalGsaCrawlRecency(t *testing.T) {
	clock := clockwork.NewFakeClock()
	j := New(clock, 10)

	require.False(t, j.HasGsaCrawledWithinLastDay())
	j.RecordGsaContentRequest()
	require.True(t, j.HasGsaCrawledWithinLastDay())

	clock.Advance(25 * time.Hour)
	require.False(t, j.HasGsaCrawledWithinLastDay())
}

func TestJournalStatRotation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	j := New(clock, 10)

	j.RecordRetrieval(10*time.Millisecond, 100, false)
	snap := j.Snapshot()
	var total int64
	for _, s := range snap.MinuteStats {
		total += s.Count
	}
	require.EqualValues(t, 1, total)

	// After a full minute-timescale period the minute ring is empty
	// again, while the hour ring still remembers the retrieval.
	clock.Advance(2 * time.Minute)
	snap = j.Snapshot()
	total = 0
	for _, s := range snap.MinuteStats {
		total += s.Count
	}
	require.EqualValues(t, 0, total)
	total = 0
	for _, s := range snap.HourStats {
		total += s.Count
	}
	require.EqualValues(t, 1, total)
}

func TestJournalStatClockJump(t *testing.T) {
	clock := clockwork.NewFakeClock()
	j := New(clock, 10)

	j.RecordRetrieval(10*time.Millisecond, 100, false)
	// A suspend-sized jump must rotate each ring wholesale, not one
	// bucket per elapsed width.
	clock.Advance(20 * 365 * 24 * time.Hour)
	j.RecordRetrieval(20*time.Millisecond, 50, false)

	snap := j.Snapshot()
	for _, stats := range [][]Stat{snap.MinuteStats, snap.HourStats, snap.DayStats} {
		var total int64
		for _, s := range stats {
			total += s.Count
		}
		require.EqualValues(t, 1, total)
	}
	newest := snap.MinuteStats[len(snap.MinuteStats)-1]
	require.False(t, newest.BucketEnd.Before(clock.Now()))
}
