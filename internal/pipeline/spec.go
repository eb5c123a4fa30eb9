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
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spine-io/spine/pkg/errors"
)

// Validator checks one parameter value. Validators return plain
// errors; Resolve wraps them with the pipeline name.
type Validator func(name string, value any) error

// OneOf accepts only the listed values.
func OneOf(values ...string) Validator {
	allowed := make(map[string]bool, len(values))
	for _, v := range values {
		allowed[v] = true
	}
	return func(name string, value any) error {
		if !allowed[fmt.Sprintf("%v", value)] {
			return fmt.Errorf("%s must be one of [%s], got %v",
				name, strings.Join(values, ", "), value)
		}
		return nil
	}
}

// Range accepts numeric values within [min, max].
func Range(min, max float64) Validator {
	return func(name string, value any) error {
		n, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("%s must be numeric, got %T", name, value)
		}
		if n < min || n > max {
			return fmt.Errorf("%s must be in [%v, %v], got %v", name, min, max, n)
		}
		return nil
	}
}

// Pattern accepts strings matching the expression. The expression is
// compiled at construction and panics if malformed, like
// regexp.MustCompile.
func Pattern(expr string) Validator {
	re := regexp.MustCompile(expr)
	return func(name string, value any) error {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s must be a string, got %T", name, value)
		}
		if !re.MatchString(s) {
			return fmt.Errorf("%s must match %s, got %q", name, expr, s)
		}
		return nil
	}
}

// Date accepts strings parseable in the given layout.
func Date(layout string) Validator {
	return func(name string, value any) error {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%s must be a string, got %T", name, value)
		}
		if _, err := time.Parse(layout, s); err != nil {
			return fmt.Errorf("%s must be a date in layout %s, got %q", name, layout, s)
		}
		return nil
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case string:
		n, err := strconv.ParseFloat(v, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// ParamSpec declares one parameter of a pipeline's contract.
type ParamSpec struct {
	Name       string
	Required   bool
	Default    any
	Validators []Validator
}

// Spec is a pipeline's declared parameter contract.
type Spec struct {
	Name        string
	Description string
	Params      []ParamSpec
	// Aliases maps accepted alternate names to canonical parameter
	// names. Folding happens before any validation.
	Aliases map[string]string
	// AllowExtra permits parameters outside the declared set.
	// Default is strict: unknown parameters are rejected.
	AllowExtra bool

	// Domain and Stage identify the manifest scope the pipeline
	// works on; together with the partition key they form the lease
	// the runner takes so two runs never race one partition.
	Domain string
	Stage  string
	// PartitionParams name the parameters whose values compose the
	// partition key, joined with "|" in declaration order.
	PartitionParams []string
	// Timeout bounds one run's wall clock. Zero means the runner
	// default.
	Timeout time.Duration
}

// PartitionKey derives the partition key from resolved params, or ""
// when the spec declares no partition parameters.
func (s Spec) PartitionKey(params Params) string {
	if len(s.PartitionParams) == 0 {
		return ""
	}
	parts := make([]string, 0, len(s.PartitionParams))
	for _, name := range s.PartitionParams {
		value, present := params[name]
		if !present {
			return ""
		}
		parts = append(parts, fmt.Sprintf("%v", value))
	}
	return strings.Join(parts, "|")
}

// Resolve folds aliases, applies defaults, and validates, returning a
// normalized copy of the params. The input map is never mutated.
// Violations come back as pipeline/bad-params errors naming every
// offending parameter.
func (s Spec) Resolve(params Params) (Params, error) {
	out := params.Clone()

	for alias, canonical := range s.Aliases {
		value, present := out[alias]
		if !present {
			continue
		}
		if _, dup := out[canonical]; dup {
			return nil, errors.NewBadParams(s.Name,
				fmt.Sprintf("parameter %s and its alias %s are both set", canonical, alias))
		}
		out[canonical] = value
		delete(out, alias)
	}

	declared := make(map[string]ParamSpec, len(s.Params))
	for _, p := range s.Params {
		declared[p.Name] = p
		if _, present := out[p.Name]; !present && p.Default != nil {
			out[p.Name] = p.Default
		}
	}

	var violations []string
	for _, p := range s.Params {
		value, present := out[p.Name]
		if !present {
			if p.Required {
				violations = append(violations, fmt.Sprintf("missing required parameter %s", p.Name))
			}
			continue
		}
		for _, validate := range p.Validators {
			if err := validate(p.Name, value); err != nil {
				violations = append(violations, err.Error())
			}
		}
	}

	if !s.AllowExtra {
		var extras []string
		for name := range out {
			if _, ok := declared[name]; !ok {
				extras = append(extras, name)
			}
		}
		if len(extras) > 0 {
			sort.Strings(extras)
			violations = append(violations,
				fmt.Sprintf("unknown parameters: %s", strings.Join(extras, ", ")))
		}
	}

	if len(violations) > 0 {
		return nil, errors.NewBadParams(s.Name, strings.Join(violations, "; "))
	}
	return out, nil
}
