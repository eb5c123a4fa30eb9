package workflow

// RunContext is the state a workflow run threads through its steps:
// identity, effective parameters, and the outputs of every step that
// has run. It is immutable-append: every With method returns a new
// context and leaves the receiver untouched, so a step always sees a
// stable snapshot and concurrent map children cannot race on shared
// state.
type RunContext struct {
	runID        string
	workflowName string
	params       map[string]any
	outputs      map[string]map[string]any
	partition    string
	execution    string
}

// NewRunContext builds the initial context for a run.
func NewRunContext(runID, workflowName string, params map[string]any) *RunContext {
	return &RunContext{
		runID:        runID,
		workflowName: workflowName,
		params:       copyMap(params),
		outputs:      make(map[string]map[string]any),
	}
}

// RunID returns the run identifier.
func (c *RunContext) RunID() string { return c.runID }

// Workflow returns the workflow name the run executes.
func (c *RunContext) Workflow() string { return c.workflowName }

// Partition returns the partition key the run is bound to, if any.
func (c *RunContext) Partition() string { return c.partition }

// Execution returns the execution id the run is associated with, if any.
func (c *RunContext) Execution() string { return c.execution }

// Param returns a parameter value and whether it is set.
func (c *RunContext) Param(name string) (any, bool) {
	v, ok := c.params[name]
	return v, ok
}

// Params returns a copy of the effective parameters.
func (c *RunContext) Params() map[string]any {
	return copyMap(c.params)
}

// Output returns the recorded output of a step and whether it exists.
func (c *RunContext) Output(step string) (map[string]any, bool) {
	out, ok := c.outputs[step]
	return out, ok
}

// HasOutput reports whether a step has recorded output.
func (c *RunContext) HasOutput(step string) bool {
	_, ok := c.outputs[step]
	return ok
}

// Outputs returns a copy of the outputs map. Inner maps are shared;
// treat them as read-only.
func (c *RunContext) Outputs() map[string]map[string]any {
	out := make(map[string]map[string]any, len(c.outputs))
	for name, v := range c.outputs {
		out[name] = v
	}
	return out
}

// WithOutput returns a new context with output recorded under the
// step name. An existing entry for the same step is replaced (force
// re-runs overwrite their previous output).
func (c *RunContext) WithOutput(step string, output map[string]any) *RunContext {
	next := c.clone()
	next.outputs[step] = output
	return next
}

// WithParams returns a new context with updates merged over the
// current parameters.
func (c *RunContext) WithParams(updates map[string]any) *RunContext {
	next := c.clone()
	for k, v := range updates {
		next.params[k] = v
	}
	return next
}

// WithPartition returns a new context bound to a partition key.
func (c *RunContext) WithPartition(partition string) *RunContext {
	next := c.clone()
	next.partition = partition
	return next
}

// WithExecution returns a new context associated with an execution id.
func (c *RunContext) WithExecution(executionID string) *RunContext {
	next := c.clone()
	next.execution = executionID
	return next
}

func (c *RunContext) clone() *RunContext {
	outputs := make(map[string]map[string]any, len(c.outputs)+1)
	for name, v := range c.outputs {
		outputs[name] = v
	}
	return &RunContext{
		runID:        c.runID,
		workflowName: c.workflowName,
		params:       copyMap(c.params),
		outputs:      outputs,
		partition:    c.partition,
		execution:    c.execution,
	}
}

// Snapshot captures the resumable state of a run. It serializes to
// JSON for persistence in core_workflow_runs.
type Snapshot struct {
	RunID     string                    `json:"run_id"`
	Workflow  string                    `json:"workflow_name"`
	Params    map[string]any            `json:"params"`
	Outputs   map[string]map[string]any `json:"outputs"`
	Partition string                    `json:"partition,omitempty"`
}

// Snapshot captures the context state for later resume. The snapshot
// owns its maps: mutating it never touches the source context.
func (c *RunContext) Snapshot() *Snapshot {
	outputs := make(map[string]map[string]any, len(c.outputs))
	for name, out := range c.outputs {
		outputs[name] = copyMap(out)
	}
	return &Snapshot{
		RunID:     c.runID,
		Workflow:  c.workflowName,
		Params:    copyMap(c.params),
		Outputs:   outputs,
		Partition: c.partition,
	}
}

// seed merges a snapshot's params and outputs into the context.
// Explicit run params win over snapshot params.
func (c *RunContext) seed(snap *Snapshot) *RunContext {
	next := c.clone()
	for k, v := range snap.Params {
		if _, set := next.params[k]; !set {
			next.params[k] = v
		}
	}
	for name, out := range snap.Outputs {
		next.outputs[name] = out
	}
	if next.partition == "" {
		next.partition = snap.Partition
	}
	return next
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
