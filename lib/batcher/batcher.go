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

// Package batcher drains batches from a channel: block for the first
// item, then accumulate whatever else arrives within a total timeout.
package batcher

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Take drains up to max items from ch into out. The first item is
// waited for indefinitely (or until ctx is cancelled); afterwards items
// are accepted until totalTimeout has elapsed since the first item
// arrived. Returns the number of items appended to out; never more than
// max. A cancelled ctx returns the context error with whatever was
// already accumulated appended to out.
func Take[T any](ctx context.Context, clock clockwork.Clock, ch <-chan T, out *[]T, max int, totalTimeout time.Duration) (int, error) {
	if max <= 0 {
		return 0, trace.BadParameter("batch size must be positive, got %d", max)
	}
	n := 0
	select {
	case item := <-ch:
		*out = append(*out, item)
		n++
	case <-ctx.Done():
		return 0, trace.Wrap(ctx.Err())
	}

	timeout := clock.After(totalTimeout)
	for n < max {
		select {
		case item := <-ch:
			*out = append(*out, item)
			n++
		case <-timeout:
			return n, nil
		case <-ctx.Done():
			return n, trace.Wrap(ctx.Err())
		}
	}
	return n, nil
}

// Drain moves everything immediately available in ch into out without
// blocking and returns the count.
func Drain[T any](ch <-chan T, out *[]T) int {
	n := 0
	for {
		select {
		case item := <-ch:
			*out = append(*out, item)
			n++
		default:
			return n
		}
	}
}
