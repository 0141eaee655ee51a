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

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gravitational/trace"

	"github.com/gravitational/feedgate/lib/defaults"
)

// Process exit codes.
const (
	// ExitSuccess is a clean shutdown.
	ExitSuccess = 0
	// ExitStartupFailure is an unrecoverable boot failure.
	ExitStartupFailure = 1
	// ExitInvalidConfiguration is a configuration the process refuses to
	// start with.
	ExitInvalidConfiguration = 2
)

// StartupError marks a boot failure that no amount of retrying will fix.
// Adaptor Init implementations return it to abort startup instead of
// being retried as transient.
type StartupError struct {
	// Message describes what failed.
	Message string
	// Err is the underlying cause; optional.
	Err error
}

// Error implements error.
func (e *StartupError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the cause.
func (e *StartupError) Unwrap() error { return e.Err }

// NewStartupError returns a permanent startup failure.
func NewStartupError(err error, format string, args ...any) error {
	return &StartupError{Message: fmt.Sprintf(format, args...), Err: err}
}

// IsPermanentStartupError reports whether err carries a StartupError
// anywhere in its chain.
func IsPermanentStartupError(err error) bool {
	var startup *StartupError
	return errors.As(err, &startup)
}

// Daemon runs an Application for the lifetime of a process: start,
// block until the context is cancelled, drain, exit code.
type Daemon struct {
	// App is the application to run.
	App *Application
	// ShutdownTimeout bounds the drain on the way out.
	ShutdownTimeout time.Duration
	// Logger is the process logger.
	Logger *slog.Logger
}

// Run executes the daemon lifecycle and returns the process exit code.
// Cancelling ctx triggers an orderly shutdown.
func (d *Daemon) Run(ctx context.Context) int {
	logger := d.Logger
	if logger == nil {
		logger = slog.With("component", "daemon")
	}
	timeout := d.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaults.ShutdownTimeout
	}

	// An invalid configuration gets its own exit code so wrappers can
	// tell an operator mistake from a broken environment.
	if err := d.App.cfg.Config.Validate(); err != nil {
		logger.Error("Refusing to start with invalid configuration.",
			"error", trace.UserMessage(err))
		return ExitInvalidConfiguration
	}
	if err := d.App.Start(ctx); err != nil {
		logger.Error("Startup failed.", "error", trace.UserMessage(err))
		return ExitStartupFailure
	}

	<-ctx.Done()
	logger.Info("Shutting down.")
	d.App.Stop(timeout)
	if err := d.App.Wait(); err != nil {
		logger.Warn("Shutdown finished with errors.", "error", trace.UserMessage(err))
	}
	return ExitSuccess
}
