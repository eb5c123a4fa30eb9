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

package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spine-io/spine/internal/commands/shared"
	"github.com/spine-io/spine/internal/scheduler"
	"github.com/spine-io/spine/internal/workflowstore"
	"github.com/spine-io/spine/pkg/workflow"
)

type runFlags struct {
	paramArgs []string
	paramFile string
	partition string
	startFrom string
	dryRun    bool
	force     bool
}

func newRunCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <definition.yaml>",
		Short: "Run a workflow definition",
		Long: `Run a workflow definition to its terminal status.

Pipeline steps execute in this process through the dispatcher; lambda,
choice, wait, and map steps run inside the engine. The run and every
step persist to core_workflow_runs, so workflow show and workflow
resume work afterwards.

--dry-run walks the control flow without dispatching pipelines or
touching the database.`,
		Example: `  # Weekly chain for one partition
  spine workflow run otc-weekly.yaml --param week=2025-12-26 --param tier=OTC

  # Preview the control flow without executing anything
  spine workflow run otc-weekly.yaml --dry-run

  # Pick up at a later step, re-running it even if already seeded
  spine workflow run otc-weekly.yaml --start-from aggregate --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, args[0], flags)
		},
	}

	cmd.Flags().StringArrayVarP(&flags.paramArgs, "param", "p", nil, "Workflow parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&flags.paramFile, "param-file", "", "JSON file with parameters (use - for stdin)")
	cmd.Flags().StringVar(&flags.partition, "partition", "", "Partition label for the run")
	cmd.Flags().StringVar(&flags.startFrom, "start-from", "", "Begin execution at the named step")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "Walk the control flow without executing pipelines")
	cmd.Flags().BoolVar(&flags.force, "force", false, "Re-run steps whose outputs are already seeded")

	return cmd
}

func newResumeCommand() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "resume <run-id> <definition.yaml>",
		Short: "Resume a prior run from its snapshot",
		Long: `Resume a persisted workflow run: step outputs recorded by the prior
run seed the new one, and only the remaining steps execute. The
resumed run gets a fresh run ID. Snapshots carry params and outputs
only, so partition-scoped workflows should pass --partition again.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeWorkflow(cmd, args[0], args[1], flags)
		},
	}

	cmd.Flags().StringVar(&flags.partition, "partition", "", "Partition label for the resumed run")
	cmd.Flags().StringVar(&flags.startFrom, "start-from", "", "Begin execution at the named step")
	cmd.Flags().BoolVar(&flags.force, "force", false, "Re-run steps the snapshot already covers")

	return cmd
}

func runWorkflow(cmd *cobra.Command, path string, flags runFlags) error {
	def, err := loadDefinition(path)
	if err != nil {
		return shared.NewInvalidDefinitionError("loading workflow definition", err)
	}

	params, err := shared.ParseParams(flags.paramArgs, flags.paramFile)
	if err != nil {
		return shared.NewInvalidDefinitionError("parsing parameters", err)
	}

	ctx := cmd.Context()

	// Dry runs need no database: a nil runner and no store are enough
	// to walk the control flow.
	if flags.dryRun {
		engine := workflow.NewEngine(nil).WithLogger(shared.NewLogger())
		res, err := engine.Run(ctx, def, params, buildRunOptions(flags)...)
		if err != nil {
			return err
		}
		return report(cmd, res, true)
	}

	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	engine, err := buildEngine(rt)
	if err != nil {
		return err
	}

	res, err := engine.Run(ctx, def, params, buildRunOptions(flags)...)
	if err != nil {
		return err
	}
	return report(cmd, res, false)
}

func resumeWorkflow(cmd *cobra.Command, runID, path string, flags runFlags) error {
	def, err := loadDefinition(path)
	if err != nil {
		return shared.NewInvalidDefinitionError("loading workflow definition", err)
	}

	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	engine, err := buildEngine(rt)
	if err != nil {
		return err
	}

	res, err := engine.Resume(ctx, def, runID, buildRunOptions(flags)...)
	if err != nil {
		return err
	}
	return report(cmd, res, false)
}

// buildEngine wires the engine the way spined does: dispatcher-backed
// pipeline steps and a database-backed run store.
func buildEngine(rt *shared.Runtime) (*workflow.Engine, error) {
	stack, err := rt.Stack()
	if err != nil {
		return nil, shared.NewConfigError("loading pipelines", err)
	}
	engine := workflow.NewEngine(scheduler.NewPipelineAdapter(stack.Dispatcher, rt.Logger)).
		WithLogger(rt.Logger).
		WithStore(workflowstore.NewStore(rt.Repo))
	return engine, nil
}

func buildRunOptions(flags runFlags) []workflow.RunOption {
	var opts []workflow.RunOption
	if flags.partition != "" {
		opts = append(opts, workflow.WithPartition(flags.partition))
	}
	if flags.startFrom != "" {
		opts = append(opts, workflow.WithStartFrom(flags.startFrom))
	}
	if flags.dryRun {
		opts = append(opts, workflow.WithDryRun())
	}
	if flags.force {
		opts = append(opts, workflow.WithForce())
	}
	return opts
}

// report prints the run result and translates the terminal status into
// the process exit code: COMPLETED exits 0, PARTIAL and FAILED exit 1.
func report(cmd *cobra.Command, res *workflow.RunResult, dryRun bool) error {
	if shared.GetJSON() {
		if err := printResultJSON(cmd, res); err != nil {
			return err
		}
	} else {
		printResultText(cmd, res, dryRun)
	}

	switch res.Status {
	case workflow.RunStatusCompleted:
		return nil
	case workflow.RunStatusPartial:
		return shared.NewExecutionError(
			fmt.Sprintf("workflow %s completed with failed steps (run %s)", res.Workflow, res.RunID), nil)
	default:
		msg := fmt.Sprintf("workflow %s failed (run %s)", res.Workflow, res.RunID)
		if res.ErrorStep != "" {
			msg = fmt.Sprintf("workflow %s failed at step %s (run %s)", res.Workflow, res.ErrorStep, res.RunID)
		}
		if res.Error != "" {
			msg += ": " + res.Error
		}
		return shared.NewExecutionError(msg, nil)
	}
}

func printResultText(cmd *cobra.Command, res *workflow.RunResult, dryRun bool) {
	header := fmt.Sprintf("Workflow %s (run %s)", res.Workflow, res.RunID)
	if dryRun {
		header += " [dry run]"
	}
	cmd.Println(header)
	cmd.Printf("  status:   %s\n", res.Status)
	cmd.Printf("  steps:    %d/%d completed\n", res.CompletedSteps(), len(res.Steps))
	cmd.Printf("  duration: %s\n", res.Duration.Round(time.Millisecond))
	cmd.Println()

	for _, step := range res.Steps {
		line := fmt.Sprintf("  %-4s  %-20s  %s", step.Status, step.Name, step.Type)
		if step.Duration > 0 {
			line += fmt.Sprintf("  %s", step.Duration.Round(time.Millisecond))
		}
		if step.Error != "" {
			line += "  " + step.Error
		}
		cmd.Println(line)
	}
}

func printResultJSON(cmd *cobra.Command, res *workflow.RunResult) error {
	type stepJSON struct {
		Name       string `json:"name"`
		Type       string `json:"type"`
		Status     string `json:"status"`
		Error      string `json:"error,omitempty"`
		Category   string `json:"category,omitempty"`
		DurationMS int64  `json:"duration_ms"`
	}
	out := struct {
		RunID      string     `json:"run_id"`
		Workflow   string     `json:"workflow"`
		Status     string     `json:"status"`
		Error      string     `json:"error,omitempty"`
		ErrorStep  string     `json:"error_step,omitempty"`
		StartedAt  time.Time  `json:"started_at"`
		DurationMS int64      `json:"duration_ms"`
		Steps      []stepJSON `json:"steps"`
	}{
		RunID:      res.RunID,
		Workflow:   res.Workflow,
		Status:     string(res.Status),
		Error:      res.Error,
		ErrorStep:  res.ErrorStep,
		StartedAt:  res.StartedAt,
		DurationMS: res.Duration.Milliseconds(),
	}
	for _, step := range res.Steps {
		out.Steps = append(out.Steps, stepJSON{
			Name:       step.Name,
			Type:       string(step.Type),
			Status:     string(step.Status),
			Error:      step.Error,
			Category:   step.Category,
			DurationMS: step.Duration.Milliseconds(),
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run result: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
