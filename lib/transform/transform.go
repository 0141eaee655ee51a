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

// Package transform runs document bytes and metadata through an ordered
// pipeline of named stages before they are served.
package transform

import (
	"bytes"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational/feedgate/lib/adaptor"
)

// Func is one transform stage. It reads in, writes the transformed
// content into out, and may add or rewrite metadata. Stages must treat
// in as read-only.
type Func func(in []byte, out *bytes.Buffer, metadata *adaptor.Metadata, params map[string]string) error

// Factory builds a stage from its configured parameters.
type Factory func(params map[string]string) (Func, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register makes a transform factory available under name. Registering
// the same name twice is an error.
func Register(name string, factory Factory) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		return trace.AlreadyExists("transform %q is already registered", name)
	}
	registry[name] = factory
	return nil
}

func lookup(name string) (Factory, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factory, ok := registry[name]
	if !ok {
		return nil, trace.NotFound("transform %q is not registered", name)
	}
	return factory, nil
}

// Stage is one configured pipeline entry.
type Stage struct {
	// Name identifies the stage in config and logs.
	Name string
	// Required aborts the pipeline when the stage fails; non-required
	// stages are skipped on failure.
	Required bool
	// Params are the stage's config entries.
	Params map[string]string

	fn Func
}

// Pipeline threads content through its stages in order.
type Pipeline struct {
	stages []Stage
	logger *slog.Logger
}

// NewPipeline resolves each stage against the registry.
func NewPipeline(stages []Stage) (*Pipeline, error) {
	resolved := make([]Stage, 0, len(stages))
	for _, s := range stages {
		factory, err := lookup(s.Name)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		fn, err := factory(s.Params)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.fn = fn
		resolved = append(resolved, s)
	}
	return &Pipeline{
		stages: resolved,
		logger: slog.With("component", "transform"),
	}, nil
}

// Apply runs content through every stage and returns the result. A
// failing non-required stage passes its input through unchanged; a
// failing required stage aborts. A stage that mutates its input buffer
// violates the pipeline contract and aborts regardless.
func (p *Pipeline) Apply(content []byte, metadata *adaptor.Metadata, params map[string]string) ([]byte, error) {
	current := content
	for _, stage := range p.stages {
		var out bytes.Buffer
		before := fingerprint(current)
		err := stage.fn(current, &out, metadata, params)
		if fingerprint(current) != before {
			return nil, trace.BadParameter("transform %q mutated its input buffer", stage.Name)
		}
		if err != nil {
			if stage.Required {
				return nil, trace.Wrap(err, "required transform %q failed", stage.Name)
			}
			p.logger.Warn("Skipping failed transform.", "transform", stage.Name, "error", err)
			continue
		}
		current = out.Bytes()
	}
	return current, nil
}

// Len returns the number of configured stages.
func (p *Pipeline) Len() int { return len(p.stages) }

func fingerprint(b []byte) uint64 {
	h := fnv.New64a()
	h.Write(b)
	return h.Sum64()
}

// ConfigGetter is the subset of the config store the pipeline parser
// needs.
type ConfigGetter interface {
	Get(key string) (string, error)
	Keys() []string
}

// ParsePipeline reads a pipeline declaration from config: pipelineKey
// holds a comma-separated list of stage names, and each stage's
// parameters live under "<pipelineKey>.<name>.<param>". A stage name
// suffixed with "?" is non-required.
func ParsePipeline(cfg ConfigGetter, pipelineKey string) ([]Stage, error) {
	spec, err := cfg.Get(pipelineKey)
	if err != nil || strings.TrimSpace(spec) == "" {
		return nil, nil
	}
	var stages []Stage
	for _, name := range strings.Split(spec, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		required := true
		if strings.HasSuffix(name, "?") {
			required = false
			name = strings.TrimSuffix(name, "?")
		}
		stages = append(stages, Stage{
			Name:     name,
			Required: required,
			Params:   stageParams(cfg, pipelineKey+"."+name+"."),
		})
	}
	return stages, nil
}

func stageParams(cfg ConfigGetter, prefix string) map[string]string {
	params := make(map[string]string)
	keys := cfg.Keys()
	sort.Strings(keys)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if value, err := cfg.Get(key); err == nil {
			params[strings.TrimPrefix(key, prefix)] = value
		}
	}
	return params
}
