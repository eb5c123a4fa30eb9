// Package workflow provides the workflow engine: a typed, ordered list
// of steps executed against an immutable-append run context.
//
// Definitions are concise YAML documents. Five step types exist:
// pipeline (dispatch a registered pipeline), lambda (registered pure
// function for validation and routing), choice (branch forward on a
// predicate), wait (bounded delay), and map (fan out a child workflow
// over a context-resolved list). Each step may declare on_error: STOP
// (default) or CONTINUE.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spine-io/spine/pkg/errors"
	"github.com/spine-io/spine/pkg/workflow/expression"
)

// StepType identifies a step variant.
type StepType string

const (
	// StepPipeline dispatches a registered pipeline by name.
	StepPipeline StepType = "pipeline"

	// StepLambda invokes a registered function. Lambdas are for
	// validation and routing; they must not perform I/O.
	StepLambda StepType = "lambda"

	// StepChoice evaluates a predicate and redirects execution to a
	// later step. Backward jumps are rejected at load.
	StepChoice StepType = "choice"

	// StepWait delays execution for a fixed duration, honoring
	// cancellation.
	StepWait StepType = "wait"

	// StepMap fans a child workflow out over a list resolved from the
	// run context and fans results back in, in input order.
	StepMap StepType = "map"
)

// OnError policies decide what a step failure does to the run.
const (
	// OnErrorStop fails the whole run at this step.
	OnErrorStop = "STOP"
	// OnErrorContinue records the failure and moves to the next step;
	// the run terminates PARTIAL instead of COMPLETED.
	OnErrorContinue = "CONTINUE"
)

// Definition is a YAML workflow definition: a named, ordered list of
// steps bound to a domain.
type Definition struct {
	// Name is the workflow identifier.
	Name string `yaml:"name" json:"name"`

	// Domain is the data domain the workflow operates on.
	Domain string `yaml:"domain,omitempty" json:"domain,omitempty"`

	// Description provides human-readable context.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version tracks the definition schema version (defaults to "1.0").
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Steps are the executable units, in declared order.
	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// StepDefinition is one step of a workflow. The Type field decides
// which of the variant fields apply.
type StepDefinition struct {
	// Name is the unique step identifier within this workflow. Step
	// outputs merge into the run context under this name.
	Name string `yaml:"name" json:"name"`

	// Type is the step variant (pipeline, lambda, choice, wait, map).
	Type StepType `yaml:"type" json:"type"`

	// OnError is STOP (default) or CONTINUE.
	OnError string `yaml:"on_error,omitempty" json:"on_error,omitempty"`

	// Pipeline names the registered pipeline to dispatch.
	// Required for type: pipeline.
	Pipeline string `yaml:"pipeline,omitempty" json:"pipeline,omitempty"`

	// Params are merged over the run params for this step's dispatch.
	// Only valid for type: pipeline.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Fn names the registered lambda. Required for type: lambda.
	Fn string `yaml:"fn,omitempty" json:"fn,omitempty"`

	// Predicate is the boolean expression a choice step evaluates
	// against {params, outputs, partition}. Required for type: choice.
	Predicate string `yaml:"predicate,omitempty" json:"predicate,omitempty"`

	// Then is the step to jump to when the predicate holds. Must name
	// a later step. Required for type: choice.
	Then string `yaml:"then,omitempty" json:"then,omitempty"`

	// Else is the step to jump to when the predicate does not hold.
	// Must name a later step. Optional; omitted means fall through to
	// the next step.
	Else string `yaml:"else,omitempty" json:"else,omitempty"`

	// Duration is the wait length as a Go duration string ("30s",
	// "5m"). Required for type: wait.
	Duration string `yaml:"duration,omitempty" json:"duration,omitempty"`

	// ItemsPath is the jq expression resolving the list a map step
	// fans out over, evaluated against {"params", "outputs"}.
	// Required for type: map.
	ItemsPath string `yaml:"items_path,omitempty" json:"items_path,omitempty"`

	// Iterator is the child workflow a map step runs per item. Each
	// child sees the parent params plus {"item": element, "index": i}.
	// Required for type: map.
	Iterator *Definition `yaml:"iterator,omitempty" json:"iterator,omitempty"`

	// MaxConcurrency bounds concurrent map children. Zero means the
	// engine default.
	MaxConcurrency int `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
}

// WaitDuration parses the step's wait duration.
func (s *StepDefinition) WaitDuration() (time.Duration, error) {
	d, err := time.ParseDuration(s.Duration)
	if err != nil {
		return 0, errors.NewValidation(errors.SubSchema,
			fmt.Sprintf("step %s: invalid wait duration %q", s.Name, s.Duration))
	}
	if d <= 0 {
		return 0, errors.NewValidation(errors.SubConstraint,
			fmt.Sprintf("step %s: wait duration must be positive, got %q", s.Name, s.Duration))
	}
	return d, nil
}

// stopOnError reports whether a failure in this step stops the run.
func (s *StepDefinition) stopOnError() bool {
	return s.OnError != OnErrorContinue
}

// ParseDefinition unmarshals and validates a YAML workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, errors.NewValidation(errors.SubSchema,
			fmt.Sprintf("parsing workflow definition: %s", err))
	}
	if def.Version == "" {
		def.Version = "1.0"
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural rules: unique step names, per-type
// required fields, forward-only choice targets, and compilable
// predicates and item paths.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.NewValidation(errors.SubSchema, "workflow name is required")
	}
	if len(d.Steps) == 0 {
		return errors.NewValidation(errors.SubSchema,
			fmt.Sprintf("workflow %s has no steps", d.Name))
	}

	index := make(map[string]int, len(d.Steps))
	names := make([]string, 0, len(d.Steps))
	for i := 0; i < len(d.Steps); i++ {
		name := d.Steps[i].Name
		if name == "" {
			return errors.NewValidation(errors.SubSchema,
				fmt.Sprintf("workflow %s: step %d has no name", d.Name, i))
		}
		if _, dup := index[name]; dup {
			return errors.NewValidation(errors.SubConstraint,
				fmt.Sprintf("workflow %s: duplicate step name %s", d.Name, name))
		}
		index[name] = i
		names = append(names, name)
	}

	eval := expression.New()
	items := expression.NewItems()
	for i := 0; i < len(d.Steps); i++ {
		step := &d.Steps[i]
		if err := d.validateStep(step, i, index, names, eval, items); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) validateStep(step *StepDefinition, i int, index map[string]int, names []string, eval *expression.Evaluator, items *expression.Items) error {
	fail := func(sub, format string, args ...any) error {
		return errors.NewValidation(sub,
			fmt.Sprintf("workflow %s, step %s: %s", d.Name, step.Name, fmt.Sprintf(format, args...)))
	}

	if step.OnError != "" && step.OnError != OnErrorStop && step.OnError != OnErrorContinue {
		return fail(errors.SubConstraint, "on_error must be STOP or CONTINUE, got %q", step.OnError)
	}

	switch step.Type {
	case StepPipeline:
		if step.Pipeline == "" {
			return fail(errors.SubSchema, "pipeline step requires a pipeline name")
		}

	case StepLambda:
		if step.Fn == "" {
			return fail(errors.SubSchema, "lambda step requires fn")
		}

	case StepChoice:
		if step.Predicate == "" {
			return fail(errors.SubSchema, "choice step requires a predicate")
		}
		if err := eval.Validate(step.Predicate); err != nil {
			return err
		}
		if err := expression.ValidateOutputReferences(step.Predicate, names); err != nil {
			return err
		}
		if step.Then == "" {
			return fail(errors.SubSchema, "choice step requires a then target")
		}
		targets := []string{step.Then}
		if step.Else != "" {
			targets = append(targets, step.Else)
		}
		for _, target := range targets {
			j, known := index[target]
			if !known {
				return fail(errors.SubConstraint, "choice target %s does not exist", target)
			}
			if j <= i {
				return fail(errors.SubConstraint, "choice target %s is not a later step; backward jumps are forbidden", target)
			}
		}

	case StepWait:
		if _, err := step.WaitDuration(); err != nil {
			return err
		}

	case StepMap:
		if step.ItemsPath == "" {
			return fail(errors.SubSchema, "map step requires items_path")
		}
		if err := items.Validate(step.ItemsPath); err != nil {
			return err
		}
		if step.Iterator == nil || len(step.Iterator.Steps) == 0 {
			return fail(errors.SubSchema, "map step requires an iterator workflow with at least one step")
		}
		if step.Iterator.Name == "" {
			step.Iterator.Name = d.Name + "." + step.Name
		}
		if err := step.Iterator.Validate(); err != nil {
			return err
		}
		if step.MaxConcurrency < 0 {
			return fail(errors.SubConstraint, "max_concurrency must not be negative")
		}

	default:
		return fail(errors.SubSchema, "unknown step type %q", step.Type)
	}
	return nil
}

// stepIndex returns the position of a named step.
func (d *Definition) stepIndex(name string) (int, bool) {
	for i := 0; i < len(d.Steps); i++ {
		if d.Steps[i].Name == name {
			return i, true
		}
	}
	return 0, false
}

// StepNames returns the step names in declared order, joined for
// logging.
func (d *Definition) StepNames() string {
	names := make([]string, len(d.Steps))
	for i := 0; i < len(d.Steps); i++ {
		names[i] = d.Steps[i].Name
	}
	return strings.Join(names, ",")
}
