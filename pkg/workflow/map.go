package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/spine-io/spine/pkg/workflow/expression"
)

// mapChild is the fan-in record for one item: its position in the
// input list, the child run status, and the child run's outputs.
type mapChild struct {
	index   int
	status  RunStatus
	outputs map[string]map[string]any
	err     string
}

// runMapStep fans the iterator workflow out over the items the jq
// path resolves from the run context, then fans the child outputs
// back in. Children execute unordered up to the concurrency limit;
// the merged output preserves input order. Child runs are in-memory:
// only the map step itself is recorded against the parent run.
func (e *Engine) runMapStep(ctx context.Context, step *StepDefinition, run *RunContext, cfg runConfig) StepResult {
	env := expression.BuildEnv(run.Params(), run.Outputs(), run.Partition())
	items, err := e.items.Resolve(ctx, step.ItemsPath, env)
	if err != nil {
		return FailErr(err)
	}
	if len(items) == 0 {
		return OK(map[string]any{"items": []any{}, "count": 0})
	}

	workers := step.MaxConcurrency
	if workers <= 0 {
		workers = e.mapConcurrency
	}
	if workers > len(items) {
		workers = len(items)
	}

	// Children are sub-runs of a store-less engine copy so the run
	// and step tables only carry the parent.
	sub := *e
	sub.store = nil

	childOpts := []RunOption{}
	if run.Partition() != "" {
		childOpts = append(childOpts, WithPartition(run.Partition()))
	}
	if cfg.dryRun {
		childOpts = append(childOpts, WithDryRun())
	}

	children := make([]mapChild, len(items))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := 0; i < len(items); i++ {
		wg.Add(1)
		go func(idx int, item any) {
			defer wg.Done()
			defer func() {
				// A panic on a fan-out goroutine would take the
				// process down; contain it as a failed child.
				if rec := recover(); rec != nil {
					children[idx] = mapChild{
						index:  idx,
						status: RunStatusFailed,
						err:    fmt.Sprintf("map item %d panicked: %v", idx, rec),
					}
				}
			}()
			sem <- struct{}{}
			defer func() { <-sem }()

			params := run.Params()
			params["item"] = item
			params["index"] = idx

			opts := append([]RunOption{WithRunID(fmt.Sprintf("%s.%s[%d]", run.RunID(), step.Name, idx))}, childOpts...)
			res, runErr := sub.Run(ctx, step.Iterator, params, opts...)
			if runErr != nil {
				children[idx] = mapChild{index: idx, status: RunStatusFailed, err: runErr.Error()}
				return
			}
			child := mapChild{index: idx, status: res.Status, outputs: res.Context.Outputs()}
			if res.Error != "" {
				child.err = fmt.Sprintf("step %s: %s", res.ErrorStep, res.Error)
			}
			children[idx] = child
		}(i, items[i])
	}
	wg.Wait()

	results := make([]any, len(children))
	failures := []string{}
	var minCapture, maxCapture string
	for i := 0; i < len(children); i++ {
		child := children[i]
		outputs := map[string]any{}
		for name, out := range child.outputs {
			outputs[name] = out
			if id, ok := out["capture_id"].(string); ok && id != "" {
				if minCapture == "" || id < minCapture {
					minCapture = id
				}
				if id > maxCapture {
					maxCapture = id
				}
			}
		}
		results[i] = outputs
		if child.status != RunStatusCompleted {
			detail := string(child.status)
			if child.err != "" {
				detail = child.err
			}
			failures = append(failures, fmt.Sprintf("item %d: %s", i, detail))
		}
	}

	if len(failures) > 0 {
		return Fail(
			fmt.Sprintf("map %s: %d of %d items failed: %s", step.Name, len(failures), len(items), failures[0]),
			"orchestration.workflow")
	}
	merged := map[string]any{"items": results, "count": len(results)}
	if minCapture != "" {
		// Children that stamp their rows report the capture id range so
		// the parent run can be traced back to its inputs.
		merged["input_min_capture_id"] = minCapture
		merged["input_max_capture_id"] = maxCapture
	}
	return OK(merged)
}
