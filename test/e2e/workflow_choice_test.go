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

package e2e

import (
	"context"
	"testing"

	"github.com/spine-io/spine/internal/workflowstore"
	"github.com/spine-io/spine/pkg/workflow"
	"github.com/spine-io/spine/test/e2e/harness"
)

// reviewDefinition ingests a drop, has a lambda judge the row count,
// and routes on the verdict: enough rows goes on to normalize, too
// few goes to an alert instead.
func reviewDefinition(path string) *workflow.Definition {
	return &workflow.Definition{
		Name:   "otc-weekly-review",
		Domain: "otc",
		Steps: []workflow.StepDefinition{
			{Name: "ingest", Type: workflow.StepPipeline, Pipeline: "otc.ingest",
				Params: map[string]any{"path": path}},
			{Name: "validate", Type: workflow.StepLambda, Fn: "validate"},
			{Name: "gate", Type: workflow.StepChoice,
				Predicate: "outputs.validate.validated == true",
				Then:      "process", Else: "alert"},
			{Name: "process", Type: workflow.StepPipeline, Pipeline: "otc.normalize",
				Params: map[string]any{"week_start": week, "tier": "OTC"}},
			{Name: "alert", Type: workflow.StepLambda, Fn: "alert"},
		},
	}
}

// registerReviewLambdas wires the validate and alert lambdas. The
// volume floor is three records; pipeline metrics arrive through the
// event trail, so numbers come back as float64.
func registerReviewLambdas(t *testing.T, eng *workflow.Engine) {
	t.Helper()

	err := eng.RegisterLambda("validate", func(ctx context.Context, run *workflow.RunContext) workflow.StepResult {
		out, _ := run.Output("ingest")
		rows, _ := out["rows"].(float64)
		return workflow.OK(map[string]any{"validated": rows >= 3, "rows": rows})
	})
	if err != nil {
		t.Fatalf("register validate: %v", err)
	}
	err = eng.RegisterLambda("alert", func(ctx context.Context, run *workflow.RunContext) workflow.StepResult {
		return workflow.OK(map[string]any{"alerted": true})
	})
	if err != nil {
		t.Fatalf("register alert: %v", err)
	}
}

func TestWorkflowChoice_ThinDropRoutesToAlert(t *testing.T) {
	h := harness.New(t)
	ctx := context.Background()

	// Two records, one short of the floor the validate lambda wants.
	path := h.WriteDrop("thin-week.json", harness.Drop{
		WeekStart: week,
		Tier:      "OTC",
		Records: []harness.DropRecord{
			{Symbol: "AAPL", Venue: "NSDQ", Shares: 600, Trades: 6},
			{Symbol: "AAPL", Venue: "NYSE", Shares: 400, Trades: 4},
		},
	})

	eng := h.Engine()
	registerReviewLambdas(t, eng)

	res, err := eng.Run(ctx, reviewDefinition(path), map[string]any{"week_start": week, "tier": "OTC"})
	if err != nil {
		t.Fatalf("run workflow: %v", err)
	}
	if res.Status != workflow.RunStatusCompleted {
		t.Fatalf("run status = %s (%s), want COMPLETED", res.Status, res.Error)
	}

	// The choice jumped straight to alert; process never executed.
	want := []string{"ingest", "validate", "gate", "alert"}
	if len(res.Steps) != len(want) {
		t.Fatalf("executed %d steps, want %d", len(res.Steps), len(want))
	}
	for i, name := range want {
		if res.Steps[i].Name != name {
			t.Fatalf("step %d = %s, want %s", i, res.Steps[i].Name, name)
		}
	}
	if _, ok := res.Output("process"); ok {
		t.Fatalf("process produced output on the alert path")
	}
	alertOut, ok := res.Output("alert")
	if !ok || alertOut["alerted"] != true {
		t.Fatalf("alert output = %v, want alerted", alertOut)
	}

	// Ingest really dispatched and landed rows; normalize was never
	// even submitted.
	h.AssertRowCount(t, 1, "core_executions", "pipeline = ?", "otc.ingest")
	h.AssertRowCount(t, 0, "core_executions", "pipeline = ?", "otc.normalize")
	h.AssertRowCount(t, 2, "otc_trades_raw", "week_start = ? AND tier = ?", week, "OTC")
	h.AssertRowCount(t, 0, "otc_trades_normalized", "week_start = ? AND tier = ?", week, "OTC")

	// The run and each executed step are on record.
	h.AssertRowCount(t, 1, "core_workflow_runs", "status = ?", string(workflow.RunStatusCompleted))
	h.AssertRowCount(t, int64(len(want)), "core_workflow_steps", "run_id = ?", res.RunID)
}

func TestWorkflowDryRun_TouchesNothing(t *testing.T) {
	h := harness.New(t)
	ctx := context.Background()

	path := h.WriteDrop("week.json", weeklyDrop())

	// The counting wrapper sits between the engine's run store and
	// the repository, so any persistence attempt shows up as a write.
	counting := harness.NewCountingQuerier(h.Repo())
	eng := h.EngineWithStore(workflowstore.NewStore(counting))
	registerReviewLambdas(t, eng)

	res, err := eng.Run(ctx, reviewDefinition(path),
		map[string]any{"week_start": week, "tier": "OTC"}, workflow.WithDryRun())
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if res.Status != workflow.RunStatusCompleted {
		t.Fatalf("dry run status = %s (%s), want COMPLETED", res.Status, res.Error)
	}

	// Pipeline steps were synthesized, not dispatched.
	ingestOut, ok := res.Output("ingest")
	if !ok || ingestOut["dry_run"] != true {
		t.Fatalf("ingest output = %v, want a dry-run synthesis", ingestOut)
	}

	// Lambdas and the choice still evaluated: no rows metric means the
	// floor is not met, so the walk ended at alert.
	if _, ok := res.Output("alert"); !ok {
		t.Fatalf("dry run did not evaluate the choice path to alert")
	}

	// Nothing reached storage: no executions, no rows, no run record.
	if n := counting.Writes(); n != 0 {
		t.Fatalf("dry run wrote %d times through the run store, want 0", n)
	}
	if n := counting.Reads(); n != 0 {
		t.Fatalf("dry run read %d times through the run store, want 0", n)
	}
	h.AssertRowCount(t, 0, "core_executions", "")
	h.AssertRowCount(t, 0, "otc_trades_raw", "")
	h.AssertRowCount(t, 0, "core_workflow_runs", "")
}
