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

package dispatch

import (
	"strings"

	"github.com/spine-io/spine/internal/pipeline"
)

// Resolver normalizes raw submission parameters before any spec
// validation: string values are whitespace-trimmed and configured
// value aliases are folded to canonical form. Spec-level name aliases
// are the pipeline's business; value aliases (a trigger sending tier
// "T1" for "NMS_TIER_1") are configured here once for the process.
type Resolver struct {
	valueAliases map[string]map[string]string
}

// NewResolver builds a resolver with no aliases.
func NewResolver() *Resolver {
	return &Resolver{valueAliases: make(map[string]map[string]string)}
}

// AddValueAliases registers value-level aliases for one parameter.
func (r *Resolver) AddValueAliases(param string, aliases map[string]string) {
	table := r.valueAliases[param]
	if table == nil {
		table = make(map[string]string, len(aliases))
		r.valueAliases[param] = table
	}
	for alias, canonical := range aliases {
		table[alias] = canonical
	}
}

// Resolve returns a normalized copy of the params. The input is never
// mutated.
func (r *Resolver) Resolve(params pipeline.Params) pipeline.Params {
	out := make(pipeline.Params, len(params))
	for name, value := range params {
		s, isString := value.(string)
		if !isString {
			out[name] = value
			continue
		}
		s = strings.TrimSpace(s)
		if canonical, ok := r.valueAliases[name][s]; ok {
			s = canonical
		}
		out[name] = s
	}
	return out
}
