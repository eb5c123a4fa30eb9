// Package result provides a sum type for expected failures inside
// pipelines: a cache miss, a missing upstream resource, a record that
// fails a business rule. Truly exceptional conditions keep flowing as
// plain error returns up to the runner boundary; Result is for the
// failures a pipeline handles as data.
package result

// Result holds either a value or an error, never both.
type Result[T any] struct {
	value T
	err   error
	ok    bool
}

// Ok wraps a value in a successful Result.
func Ok[T any](value T) Result[T] {
	return Result[T]{value: value, ok: true}
}

// Err wraps an error in a failed Result.
func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// IsOk reports whether the result holds a value.
func (r Result[T]) IsOk() bool {
	return r.ok
}

// IsErr reports whether the result holds an error.
func (r Result[T]) IsErr() bool {
	return !r.ok
}

// Value returns the held value. For failed results it returns the zero
// value; callers that need to distinguish use IsOk or Unwrap.
func (r Result[T]) Value() T {
	return r.value
}

// Error returns the held error, or nil for successful results.
func (r Result[T]) Error() error {
	return r.err
}

// Unwrap returns the value and error in the conventional Go order.
func (r Result[T]) Unwrap() (T, error) {
	return r.value, r.err
}

// ValueOr returns the held value, or fallback when the result failed.
func (r Result[T]) ValueOr(fallback T) T {
	if r.ok {
		return r.value
	}
	return fallback
}

// OrElse returns r when it is successful, otherwise the result produced
// by fn from the held error.
func (r Result[T]) OrElse(fn func(error) Result[T]) Result[T] {
	if r.ok {
		return r
	}
	return fn(r.err)
}

// Map applies fn to the value of a successful result. Errors pass
// through untouched.
func Map[T, U any](r Result[T], fn func(T) U) Result[U] {
	if r.IsErr() {
		return Err[U](r.err)
	}
	return Ok(fn(r.value))
}

// AndThen chains a fallible computation onto a successful result.
// Errors pass through untouched.
func AndThen[T, U any](r Result[T], fn func(T) Result[U]) Result[U] {
	if r.IsErr() {
		return Err[U](r.err)
	}
	return fn(r.value)
}

// Partition splits results into the values of the successes and the
// errors of the failures, preserving input order within each slice.
func Partition[T any](results []Result[T]) ([]T, []error) {
	var values []T
	var errs []error
	for _, r := range results {
		if r.ok {
			values = append(values, r.value)
		} else {
			errs = append(errs, r.err)
		}
	}
	return values, errs
}

// Collect returns all values when every result succeeded, or the first
// error encountered.
func Collect[T any](results []Result[T]) ([]T, error) {
	values := make([]T, 0, len(results))
	for _, r := range results {
		if r.IsErr() {
			return nil, r.err
		}
		values = append(values, r.value)
	}
	return values, nil
}
