package expression

import (
	"fmt"
	"reflect"
	"strings"
)

// hasFunc reports whether a collection contains an element.
// Usage: has(params.tiers, "OTC")
//
// Slices are searched with deep equality, maps by key, strings by
// substring. A nil collection contains nothing.
func hasFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}

	collection := args[0]
	target := args[1]
	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true, nil
			}
		}
		return false, nil

	case reflect.Map:
		tv := reflect.ValueOf(target)
		if !tv.IsValid() || !tv.Type().AssignableTo(v.Type().Key()) {
			return false, nil
		}
		return v.MapIndex(tv).IsValid(), nil

	case reflect.String:
		s, _ := collection.(string)
		substr, ok := target.(string)
		if !ok {
			return false, nil
		}
		return strings.Contains(s, substr), nil

	default:
		return false, nil
	}
}

// lengthFunc returns the length of a collection or string.
// Usage: length(outputs.ingest.files) > 0
func lengthFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires exactly 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}

	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	default:
		return nil, fmt.Errorf("length: unsupported type %T", args[0])
	}
}
