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

// Package watchdog provides deadline-bound cooperative cancellation: a
// Watchdog that cancels a registered worker after a timeout, and a
// ShutdownWaiter that interrupts and drains in-flight workers on
// shutdown.
package watchdog

import (
	"errors"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// ErrDeadlineExceeded is the cancellation cause delivered when a
// watchdog fires.
var ErrDeadlineExceeded = errors.New("watchdog deadline exceeded")

type registration struct {
	timer clockwork.Timer
	fired bool
}

// Watchdog schedules the cancellation of a worker after a deadline.
// Start and Complete must pair up per token; cancellation delivery and
// Complete are atomic with respect to each other, so completing first
// guarantees no late cancellation.
type Watchdog struct {
	clock clockwork.Clock

	mu     sync.Mutex
	active map[string]*registration
}

// New returns a Watchdog driven by clock.
func New(clock clockwork.Clock) *Watchdog {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Watchdog{clock: clock, active: make(map[string]*registration)}
}

// Start schedules interrupt to run after timeout unless Complete is
// called first. A second Start for the same token without an
// intervening Complete is an error.
func (w *Watchdog) Start(token string, timeout time.Duration, interrupt func(cause error)) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.active[token]; ok {
		return trace.BadParameter("watchdog already started for %q", token)
	}
	reg := &registration{}
	reg.timer = w.clock.AfterFunc(timeout, func() {
		// interrupt runs under the lock so that a concurrent Complete
		// either stops the timer before this point or observes the
		// delivery as already made; a cancellation can never slip in
		// after Complete returned.
		w.mu.Lock()
		defer w.mu.Unlock()
		current, ok := w.active[token]
		if !ok || current != reg {
			return
		}
		current.fired = true
		interrupt(ErrDeadlineExceeded)
	})
	w.active[token] = reg
	return nil
}

// Complete cancels the pending interrupt for token. Completing a token
// that was never started is an error; completing after the interrupt
// fired succeeds and releases the registration.
func (w *Watchdog) Complete(token string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	reg, ok := w.active[token]
	if !ok {
		return trace.BadParameter("watchdog was not started for %q", token)
	}
	reg.timer.Stop()
	delete(w.active, token)
	return nil
}
