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

package push

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/feedgate/lib/adaptor"
	"github.com/gravitational/feedgate/lib/batcher"
	"github.com/gravitational/feedgate/lib/defaults"
)

// RecordPusher is the synchronous sink an AsyncDocIdSender forwards to.
type RecordPusher interface {
	PushRecords(ctx context.Context, records []adaptor.Record) (*adaptor.Record, error)
}

// AsyncConfig configures an AsyncDocIdSender.
type AsyncConfig struct {
	// Pusher receives the batched records.
	Pusher RecordPusher
	// Clock drives the batching latency timer.
	Clock clockwork.Clock
	// QueueCapacity bounds the pending queue; overflow is dropped.
	QueueCapacity int
	// MaxBatchSize caps records forwarded per PushRecords call.
	MaxBatchSize int
	// MaxLatency bounds how long a partial batch may wait.
	MaxLatency time.Duration
	// Logger is the component logger.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AsyncConfig) CheckAndSetDefaults() error {
	if c.Pusher == nil {
		return trace.BadParameter("missing parameter Pusher")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaults.AsyncQueueCapacity
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaults.AsyncBatchSize
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = defaults.AsyncMaxLatency
	}
	if c.Logger == nil {
		c.Logger = slog.With("component", "push:async")
	}
	return nil
}

// AsyncDocIdSender accepts records without blocking the producer and
// forwards them in batches from a single worker. When the queue is full
// new records are dropped rather than applying backpressure.
type AsyncDocIdSender struct {
	cfg   AsyncConfig
	queue chan adaptor.Record
}

// NewAsyncDocIdSender returns a sender ready for Run.
func NewAsyncDocIdSender(cfg AsyncConfig) (*AsyncDocIdSender, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &AsyncDocIdSender{
		cfg:   cfg,
		queue: make(chan adaptor.Record, cfg.QueueCapacity),
	}, nil
}

// AsyncPushItem offers one record and returns immediately. Returns false
// when the queue was full and the record was dropped.
func (s *AsyncDocIdSender) AsyncPushItem(rec adaptor.Record) bool {
	select {
	case s.queue <- rec:
		return true
	default:
		s.cfg.Logger.Warn("Async push queue full, dropping record.",
			"doc_id", string(rec.DocId()))
		return false
	}
}

// Run services the queue until ctx is cancelled, then flushes whatever
// had already been queued before returning.
func (s *AsyncDocIdSender) Run(ctx context.Context) error {
	for {
		batch := make([]adaptor.Record, 0, s.cfg.MaxBatchSize)
		_, err := batcher.Take(ctx, s.cfg.Clock, s.queue, &batch, s.cfg.MaxBatchSize, s.cfg.MaxLatency)
		if err != nil {
			batcher.Drain(s.queue, &batch)
			s.flush(batch)
			return trace.Wrap(err)
		}
		s.forward(ctx, batch)
	}
}

// flush sends leftovers with a fresh context since the worker's own
// context is already cancelled.
func (s *AsyncDocIdSender) flush(batch []adaptor.Record) {
	for start := 0; start < len(batch); start += s.cfg.MaxBatchSize {
		end := min(start+s.cfg.MaxBatchSize, len(batch))
		s.forward(context.Background(), batch[start:end])
	}
}

func (s *AsyncDocIdSender) forward(ctx context.Context, batch []adaptor.Record) {
	if len(batch) == 0 {
		return
	}
	if _, err := s.cfg.Pusher.PushRecords(ctx, batch); err != nil {
		s.cfg.Logger.WarnContext(ctx, "Async batch push failed.",
			"records", len(batch), "error", err)
	}
}
