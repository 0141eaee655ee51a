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

// Package config implements the feedgate key/value configuration store:
// declared keys with defaults and computed values, Java-style
// .properties file loading, modification-time based hot reload with
// change events, and the sensitive value codec.
package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/feedgate/lib/defaults"
)

// ValueComputer post-processes a raw value into the effective value
// returned by Get, e.g. decoding sensitive values or resolving
// placeholders.
type ValueComputer func(raw string) string

// ModificationEvent notifies listeners of a successful reload that
// changed at least one effective raw value.
type ModificationEvent struct {
	// ModifiedKeys holds the keys whose raw values differ between the
	// old and the new view, sorted ascending.
	ModifiedKeys []string
}

// Listener receives modification events on the reload goroutine.
type Listener func(ModificationEvent)

type keyMeta struct {
	hasDefault bool
	defValue   string
	computer   ValueComputer
}

// Config is a registry of declared keys plus three layers of raw values:
// explicit overrides, the loaded file, and per-key defaults. Readers may
// call Get concurrently with one reloading writer; they observe either
// the pre- or post-reload view, never a torn one.
type Config struct {
	clock  clockwork.Clock
	logger *slog.Logger

	// mu serializes AddKey / SetValue / Load / EnsureLatestLoaded,
	// which run on the control goroutine.
	mu        sync.Mutex
	keys      map[string]keyMeta
	overrides map[string]string
	fileVals  map[string]string

	// view is the atomically swapped effective raw map read by Get.
	view atomic.Pointer[map[string]string]

	path         string
	lastModified time.Time

	listeners []Listener

	// validator is consulted before a reload is committed; nil accepts
	// everything.
	validator func(effective map[string]string) error

	// sensitive decodes tagged raw values on Get; nil leaves raw values
	// as stored.
	sensitive *SensitiveValueCodec
}

// NewConfig returns an empty Config using the given clock.
func NewConfig(clock clockwork.Clock) *Config {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Config{
		clock:     clock,
		logger:    slog.With("component", "config"),
		keys:      make(map[string]keyMeta),
		overrides: make(map[string]string),
		fileVals:  make(map[string]string),
	}
	empty := map[string]string{}
	c.view.Store(&empty)
	return c
}

// AddKey declares a key without a default value.
func (c *Config) AddKey(name string) error {
	return c.addKey(name, keyMeta{})
}

// AddKeyWithDefault declares a key with a default raw value.
func (c *Config) AddKeyWithDefault(name, defaultValue string) error {
	return c.addKey(name, keyMeta{hasDefault: true, defValue: defaultValue})
}

// AddComputedKey declares a key whose effective value is derived from
// the raw value by computer.
func (c *Config) AddComputedKey(name, defaultValue string, computer ValueComputer) error {
	return c.addKey(name, keyMeta{hasDefault: true, defValue: defaultValue, computer: computer})
}

func (c *Config) addKey(name string, meta keyMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[name]; ok {
		return trace.AlreadyExists("configuration key %q is already defined", name)
	}
	c.keys[name] = meta
	c.rebuildLocked()
	return nil
}

// SetValue overrides the raw value of a declared key; the override wins
// over file contents and defaults for all subsequent reads.
func (c *Config) SetValue(name, raw string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.keys[name]; !ok {
		return trace.NotFound("configuration key %q is not defined", name)
	}
	c.overrides[name] = raw
	c.rebuildLocked()
	return nil
}

// SetValidator installs the function consulted before reloads commit.
func (c *Config) SetValidator(fn func(effective map[string]string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validator = fn
}

// SetSensitiveValueCodec installs the codec Get uses to decode tagged
// raw values. GetRaw and Snapshot keep returning values as stored, so
// the dashboard and the reload diff never observe plaintext secrets.
func (c *Config) SetSensitiveValueCodec(codec *SensitiveValueCodec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensitive = codec
}

// AddListener registers a modification listener.
func (c *Config) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// GetRaw returns the raw effective value of a declared key.
func (c *Config) GetRaw(name string) (string, error) {
	view := *c.view.Load()
	raw, ok := view[name]
	if !ok {
		return "", trace.NotFound("configuration key %q is not defined", name)
	}
	return raw, nil
}

// Get returns the effective value of a declared key: the raw value is
// decoded by the sensitive value codec when one is installed, then
// passed through the key's computer when one was declared.
func (c *Config) Get(name string) (string, error) {
	raw, err := c.GetRaw(name)
	if err != nil {
		return "", trace.Wrap(err)
	}
	c.mu.Lock()
	meta := c.keys[name]
	codec := c.sensitive
	c.mu.Unlock()
	if codec != nil {
		raw, err = codec.Decode(raw)
		if err != nil {
			return "", trace.Wrap(err, "decoding configuration key %q", name)
		}
	}
	if meta.computer != nil {
		return meta.computer(raw), nil
	}
	return raw, nil
}

// GetBool parses a declared key as a boolean.
func (c *Config) GetBool(name string) (bool, error) {
	v, err := c.Get(name)
	if err != nil {
		return false, trace.Wrap(err)
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, trace.BadParameter("configuration key %q is not a boolean: %q", name, v)
	}
	return b, nil
}

// GetInt parses a declared key as an integer.
func (c *Config) GetInt(name string) (int, error) {
	v, err := c.Get(name)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, trace.BadParameter("configuration key %q is not an integer: %q", name, v)
	}
	return n, nil
}

// GetDuration parses a declared key holding milliseconds.
func (c *Config) GetDuration(name string) (time.Duration, error) {
	n, err := c.GetInt(name)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// GetStringList splits a declared key on commas, dropping blanks.
func (c *Config) GetStringList(name string) ([]string, error) {
	v, err := c.Get(name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out, nil
}

// Keys returns all declared key names sorted ascending.
func (c *Config) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.keys))
	for k := range c.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a copy of the effective raw view.
func (c *Config) Snapshot() map[string]string {
	view := *c.view.Load()
	out := make(map[string]string, len(view))
	for k, v := range view {
		out[k] = v
	}
	return out
}

// Load parses properties from data and replaces the file layer. Unknown
// keys in the stream are declared implicitly without defaults.
func (c *Config) Load(data []byte) error {
	parsed, err := ParseProperties(bytes.NewReader(data))
	if err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range parsed {
		if _, ok := c.keys[k]; !ok {
			c.keys[k] = keyMeta{}
		}
	}
	c.fileVals = parsed
	c.rebuildLocked()
	return nil
}

// LoadFromFile reads path and remembers it for subsequent hot reloads.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := c.Load(data); err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	c.path = path
	c.lastModified = fi.ModTime()
	c.mu.Unlock()
	return nil
}

// EnsureLatestLoaded re-reads the config file iff its modification time
// advanced since the last load. The new view is committed and a single
// modification event emitted only when validation succeeds and at least
// one effective raw value changed; on validation failure the in-memory
// state stays untouched.
func (c *Config) EnsureLatestLoaded() error {
	c.mu.Lock()
	path := c.path
	last := c.lastModified
	c.mu.Unlock()
	if path == "" {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if !fi.ModTime().After(last) {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	parsed, err := ParseProperties(bytes.NewReader(data))
	if err != nil {
		return trace.Wrap(err)
	}

	c.mu.Lock()
	oldView := *c.view.Load()
	candidateKeys := make(map[string]keyMeta, len(c.keys))
	for k, v := range c.keys {
		candidateKeys[k] = v
	}
	for k := range parsed {
		if _, ok := candidateKeys[k]; !ok {
			candidateKeys[k] = keyMeta{}
		}
	}
	candidate := buildView(candidateKeys, parsed, c.overrides)
	validator := c.validator
	c.mu.Unlock()

	if validator != nil {
		if err := validator(candidate); err != nil {
			return trace.Wrap(err, "rejecting modified configuration file %q", path)
		}
	}

	c.mu.Lock()
	c.keys = candidateKeys
	c.fileVals = parsed
	c.lastModified = fi.ModTime()
	c.view.Store(&candidate)
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	modified := diffKeys(oldView, candidate)
	if len(modified) == 0 {
		return nil
	}
	c.logger.Info("Configuration file reloaded", "path", path, "modified_keys", modified)
	event := ModificationEvent{ModifiedKeys: modified}
	for _, l := range listeners {
		l(event)
	}
	return nil
}

// Watch reacts to file system notifications for the config file by
// checking for a newer modification time, with a periodic fallback tick
// for file systems that do not deliver events. Blocks until ctx is done.
func (c *Config) Watch(ctx context.Context) error {
	c.mu.Lock()
	path := c.path
	c.mu.Unlock()
	if path == "" {
		return trace.BadParameter("no configuration file to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return trace.Wrap(err)
	}
	defer watcher.Close()
	// Watch the directory: editors replace files instead of rewriting
	// them, which unregisters a direct file watch.
	if err := watcher.Add(dirOf(path)); err != nil {
		return trace.Wrap(err)
	}
	ticker := c.clock.NewTicker(defaults.ConfigPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-watcher.Events:
			if event.Name != path {
				continue
			}
			if err := c.EnsureLatestLoaded(); err != nil {
				c.logger.Warn("Failed to reload configuration", "error", err)
			}
		case err := <-watcher.Errors:
			c.logger.Warn("Configuration watcher error", "error", err)
		case <-ticker.Chan():
			if err := c.EnsureLatestLoaded(); err != nil {
				c.logger.Warn("Failed to reload configuration", "error", err)
			}
		}
	}
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, os.PathSeparator); i > 0 {
		return path[:i]
	}
	return "."
}

// rebuildLocked recomputes and swaps the effective view. Callers hold mu.
func (c *Config) rebuildLocked() {
	view := buildView(c.keys, c.fileVals, c.overrides)
	c.view.Store(&view)
}

func buildView(keys map[string]keyMeta, fileVals, overrides map[string]string) map[string]string {
	view := make(map[string]string, len(keys))
	for name, meta := range keys {
		if meta.hasDefault {
			view[name] = meta.defValue
		}
	}
	for name, v := range fileVals {
		view[name] = v
	}
	for name, v := range overrides {
		view[name] = v
	}
	// Keys with neither default, file value, nor override stay readable
	// as empty strings so Get distinguishes undeclared from unset.
	for name := range keys {
		if _, ok := view[name]; !ok {
			view[name] = ""
		}
	}
	return view
}

func diffKeys(old, new map[string]string) []string {
	seen := make(map[string]struct{})
	for k, v := range new {
		if ov, ok := old[k]; !ok || ov != v {
			seen[k] = struct{}{}
		}
	}
	for k := range old {
		if _, ok := new[k]; !ok {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
