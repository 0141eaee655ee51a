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
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// logRing is the shared storage behind every LogBuffer derived from the
// same NewLogBuffer call.
type logRing struct {
	mu      sync.Mutex
	entries []string
	next    int
	full    bool
}

func (r *logRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = line
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

func (r *logRing) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]string{}, r.entries[:r.next]...)
	}
	out := make([]string, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	out = append(out, r.entries[:r.next]...)
	return out
}

// LogBuffer is a slog.Handler that retains the most recent records in a
// ring so the dashboard can show them. It is meant to be fanned into
// alongside the process's primary handler.
type LogBuffer struct {
	ring  *logRing
	attrs []slog.Attr
}

// NewLogBuffer returns a buffer retaining up to capacity lines.
func NewLogBuffer(capacity int) *LogBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &LogBuffer{ring: &logRing{entries: make([]string, capacity)}}
}

// Enabled implements slog.Handler. The buffer keeps everything at Info
// and above; level filtering belongs to the primary handler.
func (b *LogBuffer) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

// Handle implements slog.Handler.
func (b *LogBuffer) Handle(_ context.Context, record slog.Record) error {
	var sb strings.Builder
	sb.WriteString(record.Time.UTC().Format("2006-01-02T15:04:05Z"))
	sb.WriteByte(' ')
	sb.WriteString(record.Level.String())
	sb.WriteByte(' ')
	sb.WriteString(record.Message)
	appendAttr := func(a slog.Attr) {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
	}
	for _, a := range b.attrs {
		appendAttr(a)
	}
	record.Attrs(func(a slog.Attr) bool {
		appendAttr(a)
		return true
	})
	b.ring.add(sb.String())
	return nil
}

// WithAttrs implements slog.Handler. The returned handler shares the
// underlying ring.
func (b *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogBuffer{
		ring:  b.ring,
		attrs: append(append([]slog.Attr{}, b.attrs...), attrs...),
	}
}

// WithGroup implements slog.Handler. Groups are flattened; the dashboard
// log view is plain text.
func (b *LogBuffer) WithGroup(string) slog.Handler { return b }

// Lines returns the retained lines, oldest first.
func (b *LogBuffer) Lines() []string {
	return b.ring.lines()
}
