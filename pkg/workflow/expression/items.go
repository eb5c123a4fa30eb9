package expression

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/spine-io/spine/pkg/errors"
)

// Items resolves a map step's items path: a jq expression over the run
// context that must yield a list to fan out over. Compiled queries are
// cached keyed by expression text.
type Items struct {
	cache map[string]*gojq.Code
	mu    sync.RWMutex
}

// NewItems creates an item-path resolver with an empty cache.
func NewItems() *Items {
	return &Items{
		cache: make(map[string]*gojq.Code),
	}
}

// Resolve evaluates path against env and returns the resulting list.
//
// The environment is JSON-normalized before evaluation so values of
// any Go type are visible to jq the way they would serialize. A path
// that yields anything but a single list is an error: map fan-out
// over a scalar is almost always a broken path, and failing loudly
// beats iterating over one surprise element.
func (i *Items) Resolve(ctx context.Context, path string, env map[string]any) ([]any, error) {
	if path == "" {
		return nil, errors.NewValidation(errors.SubSchema, "items path is empty")
	}

	code, err := i.compile(path)
	if err != nil {
		return nil, err
	}

	normalized, err := normalize(env)
	if err != nil {
		return nil, errors.NewValidation(errors.SubSchema,
			fmt.Sprintf("items environment is not serializable: %s", err))
	}

	iter := code.RunWithContext(ctx, normalized)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if jqErr, isErr := v.(error); isErr {
			return nil, errors.NewValidation(errors.SubSchema,
				fmt.Sprintf("items path %q: %s", path, jqErr)).
				WithContext("items_path", path)
		}
		results = append(results, v)
	}

	if len(results) != 1 {
		return nil, errors.NewValidation(errors.SubConstraint,
			fmt.Sprintf("items path %q yielded %d results, want one list", path, len(results))).
			WithContext("items_path", path)
	}
	list, ok := results[0].([]any)
	if !ok {
		return nil, errors.NewValidation(errors.SubConstraint,
			fmt.Sprintf("items path %q resolved to %T, want a list", path, results[0])).
			WithContext("items_path", path)
	}
	return list, nil
}

// Validate compiles an items path without running it.
func (i *Items) Validate(path string) error {
	if path == "" {
		return errors.NewValidation(errors.SubSchema, "items path is empty")
	}
	_, err := i.compile(path)
	return err
}

func (i *Items) compile(path string) (*gojq.Code, error) {
	i.mu.RLock()
	if code, ok := i.cache[path]; ok {
		i.mu.RUnlock()
		return code, nil
	}
	i.mu.RUnlock()

	query, err := gojq.Parse(path)
	if err != nil {
		return nil, errors.NewValidation(errors.SubSchema,
			fmt.Sprintf("parsing items path %q: %s", path, err))
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, errors.NewValidation(errors.SubSchema,
			fmt.Sprintf("compiling items path %q: %s", path, err))
	}

	i.mu.Lock()
	i.cache[path] = code
	i.mu.Unlock()
	return code, nil
}

// normalize round-trips through JSON so gojq sees only the value
// kinds it understands.
func normalize(env map[string]any) (any, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
