// Copyright 2025 the Spine Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spine-io/spine/pkg/errors"
)

// Loader contributes a domain's pipelines on first use. Pipeline names
// are prefixed "domain.name"; the loader for a domain is invoked the
// first time one of its pipelines is requested.
type Loader interface {
	Domain() string
	Pipelines() (map[string]Factory, error)
}

// Registry maps pipeline names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	loaders   map[string]Loader
	loaded    map[string]bool
}

// NewRegistry builds an empty registry. Tests build their own; the
// daemon builds one at startup and hands it to the dispatcher.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		loaders:   make(map[string]Loader),
		loaded:    make(map[string]bool),
	}
}

// Register adds a factory under a name. Duplicate names are a
// configuration error.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return errors.NewConfig(errors.SubMissing, "pipeline", "pipeline name is required")
	}
	if factory == nil {
		return errors.NewConfig(errors.SubInvalid, "pipeline",
			fmt.Sprintf("pipeline %s registered with nil factory", name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerLocked(name, factory)
}

func (r *Registry) registerLocked(name string, factory Factory) error {
	if _, exists := r.factories[name]; exists {
		return errors.NewConfig(errors.SubInvalid, "pipeline",
			fmt.Sprintf("pipeline %s is already registered", name))
	}
	r.factories[name] = factory
	return nil
}

// AddLoader registers a domain's lazy loader. Duplicate domains are a
// configuration error.
func (r *Registry) AddLoader(loader Loader) error {
	domain := loader.Domain()
	if domain == "" {
		return errors.NewConfig(errors.SubMissing, "domain", "domain loader with empty domain")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.loaders[domain]; exists {
		return errors.NewConfig(errors.SubInvalid, "domain",
			fmt.Sprintf("domain %s already has a loader", domain))
	}
	r.loaders[domain] = loader
	return nil
}

// Get resolves a name to its factory, loading the owning domain on
// first touch. Unknown names are pipeline-not-found errors.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if ok {
		return factory, nil
	}

	if err := r.loadDomainFor(name); err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok = r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewPipelineNotFound(name)
	}
	return factory, nil
}

func (r *Registry) loadDomainFor(name string) error {
	domain, _, found := strings.Cut(name, ".")
	if !found {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked(domain)
}

func (r *Registry) loadLocked(domain string) error {
	if r.loaded[domain] {
		return nil
	}
	loader, ok := r.loaders[domain]
	if !ok {
		return nil
	}
	// Mark before loading so a failing loader is not retried in a
	// loop; a broken domain stays broken until restart.
	r.loaded[domain] = true

	pipelines, err := loader.Pipelines()
	if err != nil {
		return errors.Wrapf(err, "loading domain %s", domain)
	}
	for name, factory := range pipelines {
		if err := r.registerLocked(name, factory); err != nil {
			return err
		}
	}
	return nil
}

// LoadAll eagerly loads every registered domain. The CLI uses it to
// list the full catalog.
func (r *Registry) LoadAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	domains := make([]string, 0, len(r.loaders))
	for domain := range r.loaders {
		domains = append(domains, domain)
	}
	sort.Strings(domains)

	for _, domain := range domains {
		if err := r.loadLocked(domain); err != nil {
			return err
		}
	}
	return nil
}

// Names returns the registered pipeline names, sorted. Call LoadAll
// first to include domains not yet touched.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NamesByPrefix returns the registered pipeline names matching the
// prefix, sorted. A prefix that names a domain ("otc.") loads that
// domain first, so the listing is complete without a LoadAll.
func (r *Registry) NamesByPrefix(prefix string) ([]string, error) {
	if domain, _, found := strings.Cut(prefix, "."); found {
		r.mu.Lock()
		err := r.loadLocked(domain)
		r.mu.Unlock()
		if err != nil {
			return nil, err
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name := range r.factories {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
