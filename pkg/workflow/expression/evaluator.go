package expression

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/spine-io/spine/pkg/errors"
)

// Evaluator evaluates boolean choice predicates against a run context.
// Compiled programs are cached keyed by expression text.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates a predicate evaluator with an empty cache.
func New() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*vm.Program),
	}
}

// Evaluate runs a predicate against the given environment and returns
// its boolean result.
//
// The environment is the run context flattened to plain maps:
//
//	env := map[string]any{
//	    "params":    map[string]any{"tier": "OTC"},
//	    "outputs":   map[string]any{"validate": map[string]any{"validated": true}},
//	    "partition": "2025-12-26|OTC",
//	}
//	ok, err := eval.Evaluate(`outputs.validate.validated == true`, env)
func (e *Evaluator) Evaluate(predicate string, env map[string]any) (bool, error) {
	if predicate == "" {
		return false, errors.NewValidation(errors.SubSchema, "choice predicate is empty")
	}

	program, err := e.compile(predicate)
	if err != nil {
		return false, errors.NewValidation(errors.SubSchema,
			fmt.Sprintf("compiling predicate %q: %s", predicate, err)).
			WithContext("predicate", predicate)
	}

	evalEnv := make(map[string]any, len(env)+2)
	for k, v := range env {
		evalEnv[k] = v
	}
	// "contains" is reserved by expr for substring matching.
	evalEnv["has"] = hasFunc
	evalEnv["length"] = lengthFunc

	result, err := expr.Run(program, evalEnv)
	if err != nil {
		return false, errors.NewValidation(errors.SubSchema,
			fmt.Sprintf("evaluating predicate %q: %s", predicate, err)).
			WithContext("predicate", predicate)
	}

	b, ok := result.(bool)
	if !ok {
		return false, errors.NewValidation(errors.SubConstraint,
			fmt.Sprintf("predicate %q returned %T, want bool", predicate, result)).
			WithContext("predicate", predicate)
	}
	return b, nil
}

// Validate compiles a predicate without running it. Used by workflow
// definition validation to fail on load, not mid-run.
func (e *Evaluator) Validate(predicate string) error {
	if predicate == "" {
		return errors.NewValidation(errors.SubSchema, "choice predicate is empty")
	}
	if _, err := e.compile(predicate); err != nil {
		return errors.NewValidation(errors.SubSchema,
			fmt.Sprintf("compiling predicate %q: %s", predicate, err))
	}
	return nil
}

func (e *Evaluator) compile(predicate string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[predicate]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	env := map[string]any{
		"has":    hasFunc,
		"length": lengthFunc,
	}
	prog, err := expr.Compile(predicate,
		expr.Env(env),
		// The run context is handed in at evaluation time.
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[predicate] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of compiled predicates held.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
