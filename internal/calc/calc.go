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

// Package calc catalogs versioned calculations. The catalog is the
// single source of truth for which version is current: current is
// declared, never inferred from the version list, so a half-rolled-out
// v11 cannot silently become the default.
package calc

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spine-io/spine/pkg/errors"
)

var versionPattern = regexp.MustCompile(`^v(0|[1-9]\d*)$`)

// VersionRank orders versions numerically: v10 outranks v2. Malformed
// versions are a configuration error.
func VersionRank(version string) (int, error) {
	if !versionPattern.MatchString(version) {
		return 0, errors.NewConfig(errors.SubInvalid, "version",
			fmt.Sprintf("malformed calculation version %q (want v<number>)", version))
	}
	rank, err := strconv.Atoi(strings.TrimPrefix(version, "v"))
	if err != nil {
		return 0, errors.NewConfig(errors.SubInvalid, "version",
			fmt.Sprintf("malformed calculation version %q", version))
	}
	return rank, nil
}

// Definition declares one calculation's version catalog and output
// contract.
type Definition struct {
	Name         string
	Versions     []string
	Current      string
	Deprecated   []string
	BusinessKeys []string
	Table        string
}

// Calculation is a validated, immutable catalog entry.
type Calculation struct {
	def        Definition
	versions   []string
	deprecated map[string]bool
}

// Name returns the calculation name.
func (c *Calculation) Name() string { return c.def.Name }

// Table returns the output table name.
func (c *Calculation) Table() string { return c.def.Table }

// BusinessKeys returns the natural-key columns of the output table.
func (c *Calculation) BusinessKeys() []string {
	keys := make([]string, len(c.def.BusinessKeys))
	copy(keys, c.def.BusinessKeys)
	return keys
}

// CurrentVersion returns the declared current version.
func (c *Calculation) CurrentVersion() string { return c.def.Current }

// Versions returns the catalog versions in rank order.
func (c *Calculation) Versions() []string {
	versions := make([]string, len(c.versions))
	copy(versions, c.versions)
	return versions
}

// Resolve maps a requested version to a catalog version. An empty
// request resolves to current; an unknown version is a configuration
// error.
func (c *Calculation) Resolve(version string) (string, error) {
	if version == "" {
		return c.def.Current, nil
	}
	if _, known := c.deprecated[version]; !known {
		return "", errors.NewConfig(errors.SubInvalid, "version",
			fmt.Sprintf("calculation %s has no version %q (known: %s)",
				c.def.Name, version, strings.Join(c.versions, ", "))).
			WithContext("calculation", c.def.Name)
	}
	return version, nil
}

// IsDeprecated reports whether a version is deprecated. Unknown
// versions are a configuration error.
func (c *Calculation) IsDeprecated(version string) (bool, error) {
	resolved, err := c.Resolve(version)
	if err != nil {
		return false, err
	}
	return c.deprecated[resolved], nil
}

// DeprecationWarning returns the warning text for a deprecated
// version, or the empty string when the version is not deprecated.
func (c *Calculation) DeprecationWarning(version string) (string, error) {
	deprecated, err := c.IsDeprecated(version)
	if err != nil {
		return "", err
	}
	if !deprecated {
		return "", nil
	}
	resolved, _ := c.Resolve(version)
	return fmt.Sprintf("calculation %s version %s is deprecated; current is %s",
		c.def.Name, resolved, c.def.Current), nil
}

// ValidateWrite gates a write against the catalog: the version is
// resolved (empty means current), unknown versions are fatal, and
// deprecated versions are refused unless explicitly allowed. It
// returns the resolved version and, for an allowed deprecated write,
// the deprecation warning.
func (c *Calculation) ValidateWrite(version string, allowDeprecated bool) (string, string, error) {
	resolved, err := c.Resolve(version)
	if err != nil {
		return "", "", err
	}
	if !c.deprecated[resolved] {
		return resolved, "", nil
	}
	warning, _ := c.DeprecationWarning(resolved)
	if !allowDeprecated {
		return "", "", errors.NewValidation(errors.SubConstraint,
			fmt.Sprintf("refusing write to deprecated version %s of calculation %s (current is %s)",
				resolved, c.def.Name, c.def.Current)).
			WithContext("calculation", c.def.Name).
			WithContext("version", resolved)
	}
	return resolved, warning, nil
}

// Registry holds the calculation catalog for a process.
type Registry struct {
	mu    sync.RWMutex
	calcs map[string]*Calculation
}

// NewRegistry builds an empty catalog.
func NewRegistry() *Registry {
	return &Registry{calcs: make(map[string]*Calculation)}
}

// Register validates and adds a definition. Malformed versions, a
// current outside the version list, deprecated entries outside the
// version list, a deprecated current, and duplicate names are all
// configuration errors caught here rather than at write time.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return errors.NewConfig(errors.SubMissing, "name", "calculation name is required")
	}
	if def.Table == "" {
		return errors.NewConfig(errors.SubMissing, "table",
			fmt.Sprintf("calculation %s declares no output table", def.Name))
	}
	if len(def.Versions) == 0 {
		return errors.NewConfig(errors.SubMissing, "versions",
			fmt.Sprintf("calculation %s declares no versions", def.Name))
	}

	known := make(map[string]bool, len(def.Versions))
	ranked := make([]string, len(def.Versions))
	copy(ranked, def.Versions)
	for _, version := range def.Versions {
		if _, err := VersionRank(version); err != nil {
			return err
		}
		if known[version] {
			return errors.NewConfig(errors.SubInvalid, "versions",
				fmt.Sprintf("calculation %s lists version %s twice", def.Name, version))
		}
		known[version] = true
	}
	sort.Slice(ranked, func(i, j int) bool {
		ri, _ := VersionRank(ranked[i])
		rj, _ := VersionRank(ranked[j])
		return ri < rj
	})

	if !known[def.Current] {
		return errors.NewConfig(errors.SubInvalid, "current",
			fmt.Sprintf("calculation %s declares current %q outside its version list",
				def.Name, def.Current))
	}

	deprecated := make(map[string]bool, len(known))
	for _, version := range def.Versions {
		deprecated[version] = false
	}
	for _, version := range def.Deprecated {
		if !known[version] {
			return errors.NewConfig(errors.SubInvalid, "deprecated",
				fmt.Sprintf("calculation %s deprecates unknown version %q", def.Name, version))
		}
		deprecated[version] = true
	}
	if deprecated[def.Current] {
		return errors.NewConfig(errors.SubInvalid, "current",
			fmt.Sprintf("calculation %s declares its current version %s deprecated",
				def.Name, def.Current))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calcs[def.Name]; exists {
		return errors.NewConfig(errors.SubInvalid, "name",
			fmt.Sprintf("calculation %s is already registered", def.Name))
	}
	r.calcs[def.Name] = &Calculation{
		def:        def,
		versions:   ranked,
		deprecated: deprecated,
	}
	return nil
}

// Get returns a catalog entry. Unknown calculations are a
// configuration error.
func (r *Registry) Get(name string) (*Calculation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	calc, ok := r.calcs[name]
	if !ok {
		return nil, errors.NewConfig(errors.SubMissing, "calculation",
			fmt.Sprintf("unknown calculation %q", name))
	}
	return calc, nil
}

// Names returns the registered calculation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.calcs))
	for name := range r.calcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NamesByPrefix returns the registered calculation names matching the
// prefix, sorted. Domains use it to enumerate their own catalog slice.
func (r *Registry) NamesByPrefix(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name := range r.calcs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
