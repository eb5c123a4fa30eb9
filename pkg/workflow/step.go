package workflow

import (
	"time"

	"github.com/spine-io/spine/pkg/errors"
)

// StepStatus is the outcome of one step.
type StepStatus string

const (
	// StepOK means the step completed and its output is usable.
	StepOK StepStatus = "OK"
	// StepFail means the step did not complete; the on_error policy
	// decides whether the run continues.
	StepFail StepStatus = "FAIL"
	// StepSkip means the step decided there was nothing to do, or the
	// runner skipped it because its output was already present.
	StepSkip StepStatus = "SKIP"
)

// StepResult is what a step hands back to the engine. Steps never
// panic outward and never return Go errors directly: failures are a
// FAIL result carrying the message and classified category.
type StepResult struct {
	// Status is OK, FAIL, or SKIP.
	Status StepStatus

	// Output is merged into the run context under the step name when
	// the status is OK.
	Output map[string]any

	// ContextUpdates are merged into the run params after the step,
	// visible to every later step.
	ContextUpdates map[string]any

	// Quality carries check metrics a step wants surfaced with its
	// result. Not merged into outputs.
	Quality map[string]any

	// Error is the failure message when the status is FAIL.
	Error string

	// Category is the classified failure category (e.g.
	// "transient.timeout") when the status is FAIL.
	Category string
}

// OK builds a success result carrying the step's output.
func OK(output map[string]any) StepResult {
	return StepResult{Status: StepOK, Output: output}
}

// Skip builds a skip result. The reason is recorded with the step but
// not merged into the run outputs.
func Skip(reason string) StepResult {
	return StepResult{Status: StepSkip, Output: map[string]any{"reason": reason}}
}

// Fail builds a failure result with an explicit category.
func Fail(message, category string) StepResult {
	return StepResult{Status: StepFail, Error: message, Category: category}
}

// FailErr builds a failure result from an error, taking the category
// from its classification when it has one.
func FailErr(err error) StepResult {
	if classified := errors.AsClassified(err); classified != nil {
		return StepResult{Status: StepFail, Error: classified.Message, Category: classified.Category()}
	}
	return StepResult{Status: StepFail, Error: err.Error()}
}

// StepExecution is the recorded fact of one step having run: the
// result plus ordering and timing. These append to the run result in
// execution order and persist to core_workflow_steps.
type StepExecution struct {
	Name      string
	Type      StepType
	Order     int
	Status    StepStatus
	Params    map[string]any
	Output    map[string]any
	Quality   map[string]any
	Error     string
	Category  string
	StartedAt time.Time
	Duration  time.Duration
}

// Failed reports whether this step execution failed.
func (s StepExecution) Failed() bool {
	return s.Status == StepFail
}
