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

package watchdog

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// ShutdownWaiter tracks in-flight workers. Once Shutdown is called new
// work is rejected, registered workers are interrupted, and the caller
// waits up to a deadline for them to deregister.
type ShutdownWaiter struct {
	clock clockwork.Clock

	mu       sync.Mutex
	closed   bool
	workers  map[int64]func()
	nextID   int64
	allDone  chan struct{}
	draining bool
}

// NewShutdownWaiter returns a waiter driven by clock.
func NewShutdownWaiter(clock clockwork.Clock) *ShutdownWaiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ShutdownWaiter{clock: clock, workers: make(map[int64]func())}
}

// ProcessingStarting registers a worker with its interrupt function and
// returns the matching deregistration. After Shutdown it rejects the
// registration so callers stop picking up new work.
func (s *ShutdownWaiter) ProcessingStarting(interrupt func()) (processingCompleted func(), err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, trace.ConnectionProblem(nil, "shutting down, rejecting new work")
	}
	id := s.nextID
	s.nextID++
	s.workers[id] = interrupt
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.workers, id)
			if s.draining && len(s.workers) == 0 {
				close(s.allDone)
			}
		})
	}, nil
}

// Shutdown marks the waiter closed, interrupts every registered worker,
// and waits up to timeout for all of them to deregister. Returns true
// when the wait succeeded. Idempotent.
func (s *ShutdownWaiter) Shutdown(timeout time.Duration) bool {
	s.mu.Lock()
	if s.draining {
		done := s.allDone
		s.mu.Unlock()
		select {
		case <-done:
			return true
		case <-s.clock.After(timeout):
			return false
		}
	}
	s.closed = true
	s.draining = true
	s.allDone = make(chan struct{})
	interrupts := make([]func(), 0, len(s.workers))
	for _, f := range s.workers {
		interrupts = append(interrupts, f)
	}
	if len(s.workers) == 0 {
		close(s.allDone)
	}
	done := s.allDone
	s.mu.Unlock()

	for _, interrupt := range interrupts {
		interrupt()
	}
	select {
	case <-done:
		return true
	case <-s.clock.After(timeout):
		return false
	}
}
