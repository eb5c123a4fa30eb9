package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/spine-io/spine/pkg/errors"
	"github.com/spine-io/spine/pkg/workflow/expression"
)

var tracer = otel.Tracer("spine/workflow")

// Pipeline outcome statuses a PipelineRunner may report.
const (
	PipelineCompleted = "COMPLETED"
	PipelineFailed    = "FAILED"
	PipelineSkipped   = "SKIPPED"
)

// PipelineOutcome is the terminal state of one pipeline execution as
// seen by the workflow engine. Runners translate their own execution
// records into this shape so the engine stays decoupled from the
// dispatch machinery.
type PipelineOutcome struct {
	// ExecutionID identifies the underlying execution, when the
	// runner created one.
	ExecutionID string

	// Status is PipelineCompleted, PipelineFailed, or PipelineSkipped.
	Status string

	// Message describes the outcome: the failure detail, or the skip
	// reason.
	Message string

	// Metrics are merged into the step output at the top level so
	// later predicates can read them (outputs.ingest.records).
	Metrics map[string]any

	// Category is the classified failure category when Status is
	// PipelineFailed.
	Category string
}

// PipelineRunner executes a named pipeline to completion and reports
// how it ended. Machinery faults (store down, runner draining) are
// returned as errors; pipeline outcomes of any kind are not errors.
type PipelineRunner interface {
	RunPipeline(ctx context.Context, name string, params map[string]any) (PipelineOutcome, error)
}

// Lambda is an in-process step function. It receives the immutable
// run context and returns a StepResult; it must not panic, but the
// engine contains panics anyway.
type Lambda func(ctx context.Context, run *RunContext) StepResult

// RunStatus is the terminal (or in-flight) state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
	// RunStatusPartial means the run reached the end but at least one
	// on_error=CONTINUE step failed along the way.
	RunStatusPartial RunStatus = "PARTIAL"
)

// RunResult is everything a caller learns from one workflow run: the
// terminal status, every step that actually executed (in order), and
// the final run context.
type RunResult struct {
	RunID     string
	Workflow  string
	Status    RunStatus
	Steps     []StepExecution
	Context   *RunContext
	Error     string
	ErrorStep string
	StartedAt time.Time
	Duration  time.Duration
}

// Output returns the recorded output of a step, if it produced one.
func (r *RunResult) Output(step string) (map[string]any, bool) {
	if r.Context == nil {
		return nil, false
	}
	return r.Context.Output(step)
}

// CompletedSteps counts the steps that ended OK or SKIP.
func (r *RunResult) CompletedSteps() int {
	n := 0
	for i := 0; i < len(r.Steps); i++ {
		if r.Steps[i].Status == StepOK || r.Steps[i].Status == StepSkip {
			n++
		}
	}
	return n
}

type runConfig struct {
	runID     string
	partition string
	execution string
	dryRun    bool
	force     bool
	startFrom string
	snapshot  *Snapshot
}

// RunOption adjusts a single workflow run.
type RunOption func(*runConfig)

// WithRunID pins the run identifier instead of generating one.
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// WithPartition sets the partition label steps and predicates see.
func WithPartition(partition string) RunOption {
	return func(c *runConfig) { c.partition = partition }
}

// WithExecutionID tags the run with an external execution identifier.
func WithExecutionID(id string) RunOption {
	return func(c *runConfig) { c.execution = id }
}

// WithDryRun runs the workflow without side effects: pipeline steps
// synthesize OK without dispatching, waits return immediately, and
// nothing persists. Lambdas and choices still evaluate so the control
// flow can be inspected.
func WithDryRun() RunOption {
	return func(c *runConfig) { c.dryRun = true }
}

// WithStartFrom begins execution at the named step, ignoring the
// steps before it.
func WithStartFrom(step string) RunOption {
	return func(c *runConfig) { c.startFrom = step }
}

// WithForce re-runs steps even when the seeded context already holds
// their output.
func WithForce() RunOption {
	return func(c *runConfig) { c.force = true }
}

// WithSnapshot seeds the run context from a prior run's snapshot.
// Steps whose outputs the snapshot already carries are skipped unless
// WithForce is set.
func WithSnapshot(snap *Snapshot) RunOption {
	return func(c *runConfig) { c.snapshot = snap }
}

// Engine runs workflow definitions. Construct with NewEngine, then
// chain configuration:
//
//	eng := workflow.NewEngine(runner).
//		WithLogger(logger).
//		WithStore(store)
//	eng.RegisterLambda("validate", validateFn)
type Engine struct {
	runner         PipelineRunner
	lambdas        map[string]Lambda
	store          Store
	eval           *expression.Evaluator
	items          *expression.Items
	logger         *slog.Logger
	now            func() time.Time
	mapConcurrency int
}

// DefaultMapConcurrency is the per-map fan-out when a map step does
// not set max_concurrency.
const DefaultMapConcurrency = 1

// NewEngine creates an engine that dispatches pipeline steps through
// the given runner. A nil runner is allowed for workflows that only
// use lambda, choice, wait, and map steps, and for dry runs.
func NewEngine(runner PipelineRunner) *Engine {
	return &Engine{
		runner:         runner,
		lambdas:        make(map[string]Lambda),
		eval:           expression.New(),
		items:          expression.NewItems(),
		logger:         slog.Default(),
		now:            time.Now,
		mapConcurrency: DefaultMapConcurrency,
	}
}

// WithLogger sets the logger used for run and step lifecycle logging.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// WithStore enables run and step persistence. Without a store the
// engine is purely in-memory.
func (e *Engine) WithStore(store Store) *Engine {
	e.store = store
	return e
}

// WithMapConcurrency sets the default fan-out for map steps that do
// not declare max_concurrency.
func (e *Engine) WithMapConcurrency(n int) *Engine {
	if n > 0 {
		e.mapConcurrency = n
	}
	return e
}

// RegisterLambda binds a lambda step function under a name. Names
// must be unique.
func (e *Engine) RegisterLambda(name string, fn Lambda) error {
	if name == "" {
		return errors.NewValidation(errors.SubInvalid, "lambda name is empty")
	}
	if fn == nil {
		return errors.NewValidation(errors.SubInvalid, fmt.Sprintf("lambda %s has a nil function", name))
	}
	if _, exists := e.lambdas[name]; exists {
		return errors.NewValidation(errors.SubConstraint, fmt.Sprintf("lambda %s is already registered", name))
	}
	e.lambdas[name] = fn
	return nil
}

// Run executes a workflow definition to a terminal status. The
// returned error covers machinery faults only (invalid definition,
// store failures); step failures land in the result as FAILED or
// PARTIAL.
func (e *Engine) Run(ctx context.Context, def *Definition, params map[string]any, opts ...RunOption) (*RunResult, error) {
	if def == nil {
		return nil, errors.NewValidation(errors.SubInvalid, "workflow definition is nil")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	var cfg runConfig
	for i := 0; i < len(opts); i++ {
		opts[i](&cfg)
	}

	runID := cfg.runID
	if runID == "" {
		runID = uuid.New().String()
	}

	run := NewRunContext(runID, def.Name, params)
	if cfg.snapshot != nil {
		run = run.seed(cfg.snapshot)
	}
	if cfg.partition != "" {
		run = run.WithPartition(cfg.partition)
	}
	if cfg.execution != "" {
		run = run.WithExecution(cfg.execution)
	}

	startIdx := 0
	if cfg.startFrom != "" {
		idx, ok := def.stepIndex(cfg.startFrom)
		if !ok {
			return nil, errors.NewValidation(errors.SubConstraint,
				fmt.Sprintf("start_from step %s is not in workflow %s (steps: %s)", cfg.startFrom, def.Name, def.StepNames()))
		}
		startIdx = idx
	}

	start := e.now()
	res := &RunResult{RunID: runID, Workflow: def.Name, StartedAt: start}

	persist := e.store != nil && !cfg.dryRun
	if persist {
		if err := e.store.CreateRun(ctx, runID, def.Name, start, run.Params(), len(def.Steps)); err != nil {
			return nil, err
		}
	}

	logger := e.logger.With("workflow", def.Name, "run_id", runID)
	logger.Info("workflow run starting", "steps", len(def.Steps), "dry_run", cfg.dryRun)

	ctx, span := tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("spine.workflow", def.Name),
		attribute.String("spine.run_id", runID)))
	defer func() {
		if res.Status == RunStatusFailed {
			span.SetStatus(codes.Error, res.Error)
		} else {
			span.SetAttributes(attribute.String("spine.status", string(res.Status)))
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	anyFailed := false
	order := 0

steps:
	for i := startIdx; i < len(def.Steps); i++ {
		step := &def.Steps[i]

		if err := ctx.Err(); err != nil {
			res.Status = RunStatusFailed
			res.Error = fmt.Sprintf("workflow cancelled: %s", err)
			res.ErrorStep = step.Name
			break
		}

		if !cfg.force && run.HasOutput(step.Name) {
			exec := StepExecution{
				Name:      step.Name,
				Type:      step.Type,
				Order:     order,
				Status:    StepSkip,
				Output:    map[string]any{"reason": "output already present"},
				StartedAt: e.now(),
			}
			order++
			res.Steps = append(res.Steps, exec)
			e.recordStep(ctx, persist, runID, def.Name, exec)
			logger.Debug("step skipped, output already present", "step", step.Name)
			continue
		}

		stepStart := e.now()
		stepCtx, stepSpan := tracer.Start(ctx, "workflow.step", trace.WithAttributes(
			attribute.String("spine.step", step.Name),
			attribute.String("spine.step_type", string(step.Type))))
		result, jump := e.dispatchStep(stepCtx, step, run, cfg)
		if result.Status == StepFail {
			stepSpan.SetStatus(codes.Error, result.Error)
		} else {
			stepSpan.SetStatus(codes.Ok, "")
		}
		stepSpan.End()
		exec := StepExecution{
			Name:      step.Name,
			Type:      step.Type,
			Order:     order,
			Status:    result.Status,
			Params:    step.Params,
			Output:    result.Output,
			Quality:   result.Quality,
			Error:     result.Error,
			Category:  result.Category,
			StartedAt: stepStart,
			Duration:  e.now().Sub(stepStart),
		}
		order++
		res.Steps = append(res.Steps, exec)
		e.recordStep(ctx, persist, runID, def.Name, exec)

		switch result.Status {
		case StepOK:
			if len(result.Output) > 0 {
				run = run.WithOutput(step.Name, result.Output)
			}
			if len(result.ContextUpdates) > 0 {
				run = run.WithParams(result.ContextUpdates)
			}
			logger.Debug("step completed", "step", step.Name, "type", string(step.Type))
			if jump != "" {
				j, _ := def.stepIndex(jump)
				logger.Debug("choice redirect", "step", step.Name, "next", jump)
				i = j - 1
			}
		case StepSkip:
			logger.Debug("step skipped", "step", step.Name, "reason", result.Output["reason"])
		case StepFail:
			anyFailed = true
			logger.Warn("step failed",
				"step", step.Name,
				"category", result.Category,
				"error", result.Error,
				"on_error", string(step.OnError))
			if step.stopOnError() {
				res.Status = RunStatusFailed
				res.Error = result.Error
				res.ErrorStep = step.Name
				break steps
			}
		}
	}

	if res.Status == "" {
		if anyFailed {
			res.Status = RunStatusPartial
		} else {
			res.Status = RunStatusCompleted
		}
	}
	res.Context = run
	res.Duration = e.now().Sub(start)

	recordRun(def.Name, res.Status, res.Duration)
	logger.Info("workflow run finished",
		"status", string(res.Status),
		"steps_run", len(res.Steps),
		"duration_ms", res.Duration.Milliseconds())

	if persist {
		// The run executed; a bookkeeping failure here must not
		// swallow the result.
		if err := e.store.FinishRun(ctx, res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Resume loads the snapshot of a prior run from the store and starts
// a fresh run seeded with it. Steps whose outputs the snapshot holds
// are skipped unless WithForce is given; WithStartFrom narrows where
// execution picks up. Stored snapshots carry params and outputs only,
// so partition-scoped workflows should re-supply WithPartition.
func (e *Engine) Resume(ctx context.Context, def *Definition, runID string, opts ...RunOption) (*RunResult, error) {
	if e.store == nil {
		return nil, errors.NewConfig(errors.SubMissing, "store", "resume requires a workflow store")
	}
	snap, err := e.store.LoadSnapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	opts = append([]RunOption{WithSnapshot(snap)}, opts...)
	return e.Run(ctx, def, nil, opts...)
}

// dispatchStep runs one step and never lets a panic escape. The
// second return value is the choice redirect target, when any.
func (e *Engine) dispatchStep(ctx context.Context, step *StepDefinition, run *RunContext, cfg runConfig) (result StepResult, jump string) {
	defer func() {
		if rec := recover(); rec != nil {
			result = Fail(fmt.Sprintf("step %s panicked: %v", step.Name, rec), "orchestration.workflow")
			jump = ""
		}
	}()

	switch step.Type {
	case StepPipeline:
		return e.runPipelineStep(ctx, step, run, cfg), ""
	case StepLambda:
		return e.runLambdaStep(ctx, step, run), ""
	case StepChoice:
		return e.runChoiceStep(step, run)
	case StepWait:
		return e.runWaitStep(ctx, step, cfg), ""
	case StepMap:
		return e.runMapStep(ctx, step, run, cfg), ""
	default:
		return Fail(fmt.Sprintf("step %s has unknown type %q", step.Name, step.Type), "validation.schema"), ""
	}
}

// runPipelineStep dispatches one pipeline through the runner. The
// step sees the run params overlaid with the step's own params. In
// dry-run mode the dispatch is synthesized as OK.
func (e *Engine) runPipelineStep(ctx context.Context, step *StepDefinition, run *RunContext, cfg runConfig) StepResult {
	if cfg.dryRun {
		return OK(map[string]any{"dry_run": true, "pipeline": step.Pipeline})
	}
	if e.runner == nil {
		return Fail(fmt.Sprintf("step %s needs a pipeline runner and none is configured", step.Name), "config.missing")
	}

	params := run.Params()
	for k, v := range step.Params {
		params[k] = v
	}

	outcome, err := e.runner.RunPipeline(ctx, step.Pipeline, params)
	if err != nil {
		return FailErr(err)
	}

	switch outcome.Status {
	case PipelineCompleted:
		out := map[string]any{}
		for k, v := range outcome.Metrics {
			out[k] = v
		}
		out["execution_id"] = outcome.ExecutionID
		out["status"] = outcome.Status
		if outcome.Message != "" {
			out["message"] = outcome.Message
		}
		return OK(out)
	case PipelineSkipped:
		result := Skip(outcome.Message)
		if outcome.ExecutionID != "" {
			result.Output["execution_id"] = outcome.ExecutionID
		}
		return result
	case PipelineFailed:
		return Fail(outcome.Message, outcome.Category)
	default:
		return Fail(fmt.Sprintf("pipeline %s reported unknown status %q", step.Pipeline, outcome.Status), "orchestration.workflow")
	}
}

// runLambdaStep invokes a registered lambda. Lambdas run in dry-run
// mode too: they are expected to be side-effect free and their
// outputs often feed the choice steps a dry run exists to exercise.
func (e *Engine) runLambdaStep(ctx context.Context, step *StepDefinition, run *RunContext) StepResult {
	fn, ok := e.lambdas[step.Fn]
	if !ok {
		return Fail(fmt.Sprintf("lambda %s is not registered", step.Fn), "config.missing")
	}
	if len(step.Params) > 0 {
		run = run.WithParams(step.Params)
	}
	return fn(ctx, run)
}

// runChoiceStep evaluates the predicate against the current context
// and returns the redirect target: then when it holds, else (which
// may be empty, meaning fall through) when it does not.
func (e *Engine) runChoiceStep(step *StepDefinition, run *RunContext) (StepResult, string) {
	env := expression.BuildEnv(run.Params(), run.Outputs(), run.Partition())
	matched, err := e.eval.Evaluate(step.Predicate, env)
	if err != nil {
		return FailErr(err), ""
	}
	target := step.Then
	if !matched {
		target = step.Else
	}
	out := map[string]any{"matched": matched}
	if target != "" {
		out["next"] = target
	}
	return OK(out), target
}

// runWaitStep sleeps for the configured duration, honoring context
// cancellation. Dry runs skip the sleep.
func (e *Engine) runWaitStep(ctx context.Context, step *StepDefinition, cfg runConfig) StepResult {
	d, err := step.WaitDuration()
	if err != nil {
		return FailErr(err)
	}
	if cfg.dryRun {
		return OK(map[string]any{"dry_run": true, "duration": d.String()})
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return OK(map[string]any{"waited_ms": d.Milliseconds()})
	case <-ctx.Done():
		return Fail(fmt.Sprintf("wait interrupted: %s", ctx.Err()), "orchestration.workflow")
	}
}

// recordStep updates step metrics and, when persistence is on, writes
// the step row. A write failure is logged and swallowed: losing one
// step row must not fail the run that produced it.
func (e *Engine) recordStep(ctx context.Context, persist bool, runID, workflow string, exec StepExecution) {
	recordStepMetric(workflow, exec.Type, exec.Status)
	if !persist {
		return
	}
	if err := e.store.RecordStep(ctx, runID, exec); err != nil {
		e.logger.Error("recording workflow step",
			"run_id", runID,
			"step", exec.Name,
			"error", err)
	}
}
