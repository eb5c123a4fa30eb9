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

// Package submit implements the spine submit command: run one pipeline
// synchronously against the configured database.
package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spine-io/spine/internal/commands/shared"
	"github.com/spine-io/spine/internal/dispatch"
	"github.com/spine-io/spine/internal/pipeline"
)

// NewSubmitCommand creates the submit command
func NewSubmitCommand() *cobra.Command {
	var (
		paramArgs []string
		paramFile string
	)

	cmd := &cobra.Command{
		Use:   "submit <pipeline>",
		Short: "Run a pipeline to completion",
		Long: `Run a single pipeline synchronously and report its terminal status.

The pipeline executes in this process against the configured database,
with a full execution record and event trail in core_executions. Use
spined for scheduled or triggered runs; submit is for ad-hoc and
backfill work.`,
		Example: `  # Ingest one weekly OTC drop
  spine submit otc.ingest --param path=/data/otc/2025-12-26.csv --param week=2025-12-26

  # Parameters from a JSON file, overridden from the command line
  spine submit otc.aggregate --param-file params.json --param force=true`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(cmd, args[0], paramArgs, paramFile)
		},
	}

	cmd.Flags().StringArrayVarP(&paramArgs, "param", "p", nil, "Pipeline parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&paramFile, "param-file", "", "JSON file with parameters (use - for stdin)")

	return cmd
}

func runSubmit(cmd *cobra.Command, name string, paramArgs []string, paramFile string) error {
	params, err := shared.ParseParams(paramArgs, paramFile)
	if err != nil {
		return shared.NewInvalidDefinitionError("parsing parameters", err)
	}

	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	stack, err := rt.Stack()
	if err != nil {
		return shared.NewConfigError("loading pipelines", err)
	}

	exec, err := stack.Dispatcher.Dispatch(ctx, dispatch.Submission{
		Pipeline: name,
		Params:   pipeline.Params(params),
	})
	if err != nil {
		// Dispatch errors are machinery faults; kind classification
		// picks the exit code. Pipeline outcomes, including an unknown
		// pipeline name, land in the execution record instead.
		return err
	}

	detail := terminalDetail(ctx, stack.Store, exec)

	if shared.GetJSON() {
		if err := printJSON(cmd, exec, detail); err != nil {
			return err
		}
	} else {
		printText(cmd, exec, detail)
	}

	switch exec.Status {
	case dispatch.StatusCompleted, dispatch.StatusSkipped:
		return nil
	default:
		msg := fmt.Sprintf("execution %s landed %s", exec.ID, exec.Status)
		if detail.Message != "" {
			msg += ": " + detail.Message
		}
		return shared.NewExecutionError(msg, nil)
	}
}

// executionDetail is what the terminal event adds beyond the status.
type executionDetail struct {
	Message  string
	Category string
	Metrics  map[string]any
}

// terminalDetail reads message, category, and metrics off the event
// matching the terminal status. Best effort: no trail, no detail.
func terminalDetail(ctx context.Context, store *dispatch.Store, exec dispatch.Execution) executionDetail {
	var detail executionDetail
	events, err := store.Events(ctx, exec.ID)
	if err != nil {
		return detail
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != string(exec.Status) {
			continue
		}
		data := events[i].Data
		if msg, ok := data["message"].(string); ok {
			detail.Message = msg
		}
		if category, ok := data["category"].(string); ok {
			detail.Category = category
		}
		if metrics, ok := data["metrics"].(map[string]any); ok {
			detail.Metrics = metrics
		}
		return detail
	}
	return detail
}

func printText(cmd *cobra.Command, exec dispatch.Execution, detail executionDetail) {
	cmd.Printf("Execution %s\n", exec.ID)
	cmd.Printf("  pipeline: %s\n", exec.Pipeline)
	cmd.Printf("  status:   %s\n", exec.Status)
	if detail.Message != "" {
		cmd.Printf("  message:  %s\n", detail.Message)
	}
	if detail.Category != "" {
		cmd.Printf("  category: %s\n", detail.Category)
	}
	if exec.StartedAt != nil && exec.CompletedAt != nil {
		cmd.Printf("  duration: %s\n", exec.CompletedAt.Sub(*exec.StartedAt).Round(time.Millisecond))
	}
	for key, value := range detail.Metrics {
		cmd.Printf("  metric %s: %v\n", key, value)
	}
}

func printJSON(cmd *cobra.Command, exec dispatch.Execution, detail executionDetail) error {
	out := struct {
		ExecutionID string         `json:"execution_id"`
		Pipeline    string         `json:"pipeline"`
		Status      string         `json:"status"`
		Message     string         `json:"message,omitempty"`
		Category    string         `json:"category,omitempty"`
		Metrics     map[string]any `json:"metrics,omitempty"`
		DurationMS  int64          `json:"duration_ms,omitempty"`
	}{
		ExecutionID: exec.ID,
		Pipeline:    exec.Pipeline,
		Status:      string(exec.Status),
		Message:     detail.Message,
		Category:    detail.Category,
		Metrics:     detail.Metrics,
	}
	if exec.StartedAt != nil && exec.CompletedAt != nil {
		out.DurationMS = exec.CompletedAt.Sub(*exec.StartedAt).Milliseconds()
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal execution result: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
