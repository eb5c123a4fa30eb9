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

// Package dialect emits vendor-correct SQL fragments. The repository and
// every store built on it obtain placeholders, timestamps, upserts, and
// catalog probes exclusively through a Dialect; no vendor SQL appears
// above this package.
package dialect

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Sentinel errors returned by the registry and by capability methods.
var (
	// ErrUnknownDialect is returned when looking up a name that was
	// never registered.
	ErrUnknownDialect = errors.New("unknown dialect")

	// ErrDuplicateDialect is returned when registering a name twice.
	ErrDuplicateDialect = errors.New("dialect already registered")

	// ErrUnsupported is returned by capability methods the vendor
	// cannot express (e.g. JSON patching on DB2).
	ErrUnsupported = errors.New("capability not supported by dialect")

	// ErrBadInterval is returned for interval units outside
	// second/minute/hour/day.
	ErrBadInterval = errors.New("unsupported interval unit")
)

// Dialect is the capability set a backend must provide. All methods are
// pure: they derive SQL text from their arguments and nothing else.
type Dialect interface {
	// Name returns the registry name of the dialect.
	Name() string

	// Placeholder returns the positional placeholder for 1-based index i,
	// matching the argument position in the Execute/Query call.
	Placeholder(i int) string

	// Placeholders returns n comma-separated placeholders starting at
	// index 1.
	Placeholders(n int) string

	// Now returns the SQL expression for the current timestamp.
	Now() string

	// Interval returns a complete SQL expression for now shifted by
	// value units. The numeric value is baked into the SQL text, never
	// bound. Units: second, minute, hour, day (plural accepted).
	Interval(value int, unit string) (string, error)

	// InsertOrIgnore returns an insert statement that silently skips
	// rows conflicting on keyCols.
	InsertOrIgnore(table string, cols, keyCols []string) string

	// Upsert returns an insert statement that updates updateCols when a
	// row conflicting on pkCols already exists.
	Upsert(table string, cols, pkCols, updateCols []string) string

	// JSONSet returns an expression that patches path inside the JSON
	// column col with the SQL expression valueExpr (typically a
	// placeholder). Path is dot-separated without a leading "$.".
	JSONSet(col, path, valueExpr string) (string, error)

	// Limit returns the clause restricting a query to n rows, appended
	// after ORDER BY.
	Limit(n int) string

	// AutoIncrement returns the DDL fragment for an identity column.
	AutoIncrement() string

	// BooleanTrue returns the vendor literal for true.
	BooleanTrue() string

	// BooleanFalse returns the vendor literal for false.
	BooleanFalse() string

	// TableExistsQuery returns a catalog query yielding exactly one row
	// when the named table exists, along with its bind arguments.
	TableExistsQuery(name string) (string, []any)
}

// Registry maps dialect names to singletons. It is populated at process
// start and append-only thereafter; tests construct their own.
type Registry struct {
	mu       sync.RWMutex
	dialects map[string]Dialect
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{dialects: make(map[string]Dialect)}
}

// Register adds a dialect under its own name. Duplicate names are a
// programming error and are rejected.
func (r *Registry) Register(d Dialect) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := d.Name()
	if _, exists := r.dialects[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDialect, name)
	}
	r.dialects[name] = d
	return nil
}

// Get returns the dialect registered under name.
func (r *Registry) Get(name string) (Dialect, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.dialects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDialect, name)
	}
	return d, nil
}

// Names returns the registered dialect names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.dialects))
	for name := range r.dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = func() *Registry {
	r := NewRegistry()
	for _, d := range []Dialect{SQLite, PostgreSQL, MySQL, DB2, Oracle} {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
	return r
}()

// Default returns the process-wide registry holding the five built-in
// dialects.
func Default() *Registry {
	return defaultRegistry
}

// Get looks up a dialect in the default registry.
func Get(name string) (Dialect, error) {
	return defaultRegistry.Get(name)
}

// normalizeUnit folds plural and case variants onto the four canonical
// interval units.
func normalizeUnit(unit string) (string, error) {
	u := strings.ToLower(strings.TrimSpace(unit))
	u = strings.TrimSuffix(u, "s")
	switch u {
	case "second", "minute", "hour", "day":
		return u, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrBadInterval, unit)
	}
}

// joinAssignments renders "col = expr" pairs for UPDATE clauses.
func joinAssignments(cols []string, render func(col string) string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = render(c)
	}
	return strings.Join(parts, ", ")
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
