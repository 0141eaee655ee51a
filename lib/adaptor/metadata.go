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

package adaptor

import (
	"sort"
)

// MetadataEntry is a single (key, value) pair of a Metadata multimap.
type MetadataEntry struct {
	Key   string
	Value string
}

// Metadata is an ordered multimap from keys to sets of values. A key with
// an empty value set is indistinguishable from an absent key. The zero
// value is an empty, usable Metadata.
type Metadata struct {
	values map[string]map[string]struct{}
}

// NewMetadata returns an empty Metadata.
func NewMetadata() *Metadata {
	return &Metadata{values: make(map[string]map[string]struct{})}
}

// Add inserts value into the set held under key. Duplicate insertions are
// no-ops.
func (m *Metadata) Add(key, value string) {
	if m.values == nil {
		m.values = make(map[string]map[string]struct{})
	}
	set, ok := m.values[key]
	if !ok {
		set = make(map[string]struct{})
		m.values[key] = set
	}
	set[value] = struct{}{}
}

// Set replaces the whole value set under key. An empty set removes the
// key.
func (m *Metadata) Set(key string, values []string) {
	if m.values == nil {
		m.values = make(map[string]map[string]struct{})
	}
	if len(values) == 0 {
		delete(m.values, key)
		return
	}
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	m.values[key] = set
}

// Get returns the values held under key sorted ascending, nil when the
// key is absent.
func (m *Metadata) Get(key string) []string {
	set, ok := m.values[key]
	if !ok || len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Keys returns all keys with at least one value, sorted ascending.
func (m *Metadata) Keys() []string {
	out := make([]string, 0, len(m.values))
	for k, set := range m.values {
		if len(set) > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Entries returns every (key, value) pair sorted ascending by key then
// value, with no duplicates.
func (m *Metadata) Entries() []MetadataEntry {
	var out []MetadataEntry
	for _, k := range m.Keys() {
		for _, v := range m.Get(k) {
			out = append(out, MetadataEntry{Key: k, Value: v})
		}
	}
	return out
}

// IsEmpty reports whether the multimap holds no entries.
func (m *Metadata) IsEmpty() bool {
	for _, set := range m.values {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

// ReadOnly returns an isolated deep copy serving as an unmodifiable view:
// mutations of the copy never reach the original and vice versa.
func (m *Metadata) ReadOnly() *Metadata {
	out := NewMetadata()
	for k, set := range m.values {
		for v := range set {
			out.Add(k, v)
		}
	}
	return out
}

// Equal reports whether both multimaps hold exactly the same entries.
func (m *Metadata) Equal(other *Metadata) bool {
	if m == nil || other == nil {
		return m == other
	}
	a, b := m.Entries(), other.Entries()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
