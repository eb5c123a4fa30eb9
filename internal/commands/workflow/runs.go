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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spine-io/spine/internal/commands/shared"
	"github.com/spine-io/spine/internal/workflowstore"
	"github.com/spine-io/spine/pkg/workflow"
)

func newRunsCommand() *cobra.Command {
	var (
		name  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List persisted workflow runs",
		Long:  `List workflow runs recorded in core_workflow_runs, newest first.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRuns(cmd, name, limit)
		},
	}

	cmd.Flags().StringVar(&name, "workflow", "", "Filter by workflow name")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rows to return")

	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one workflow run with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, args[0])
		},
	}
}

type runJSON struct {
	RunID          string         `json:"run_id"`
	Workflow       string         `json:"workflow"`
	Status         string         `json:"status"`
	StartedAt      time.Time      `json:"started_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	DurationMS     int64          `json:"duration_ms,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorStep      string         `json:"error_step,omitempty"`
	TotalSteps     int            `json:"total_steps"`
	CompletedSteps int            `json:"completed_steps"`
	Params         map[string]any `json:"params,omitempty"`
}

func toRunJSON(rec *workflow.RunRecord) runJSON {
	out := runJSON{
		RunID:          rec.RunID,
		Workflow:       rec.Workflow,
		Status:         string(rec.Status),
		StartedAt:      rec.StartedAt,
		DurationMS:     rec.Duration.Milliseconds(),
		Error:          rec.Error,
		ErrorStep:      rec.ErrorStep,
		TotalSteps:     rec.TotalSteps,
		CompletedSteps: rec.CompletedSteps,
		Params:         rec.Params,
	}
	if !rec.CompletedAt.IsZero() {
		completed := rec.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

func runRuns(cmd *cobra.Command, name string, limit int) error {
	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	store := workflowstore.NewStore(rt.Repo)
	records, err := store.ListRuns(ctx, name, limit)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		out := make([]runJSON, 0, len(records))
		for _, rec := range records {
			out = append(out, toRunJSON(rec))
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string][]runJSON{"runs": out})
	}

	if len(records) == 0 {
		cmd.Println("No workflow runs found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tWORKFLOW\tSTATUS\tSTEPS\tSTARTED\tDURATION")
	for _, rec := range records {
		duration := "-"
		if !rec.CompletedAt.IsZero() {
			duration = rec.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			shortRunID(rec.RunID), rec.Workflow, rec.Status,
			rec.CompletedSteps, rec.TotalSteps,
			rec.StartedAt.Local().Format("2006-01-02 15:04:05"), duration)
	}
	w.Flush()

	return nil
}

func runShow(cmd *cobra.Command, runID string) error {
	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	store := workflowstore.NewStore(rt.Repo)
	rec, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	steps, err := store.Steps(ctx, runID)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		type stepJSON struct {
			Name       string `json:"name"`
			Type       string `json:"type"`
			Status     string `json:"status"`
			Error      string `json:"error,omitempty"`
			Category   string `json:"category,omitempty"`
			DurationMS int64  `json:"duration_ms"`
		}
		out := struct {
			runJSON
			Steps []stepJSON `json:"steps"`
		}{runJSON: toRunJSON(rec)}
		for _, step := range steps {
			out.Steps = append(out.Steps, stepJSON{
				Name:       step.Name,
				Type:       string(step.Type),
				Status:     string(step.Status),
				Error:      step.Error,
				Category:   step.Category,
				DurationMS: step.Duration.Milliseconds(),
			})
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	cmd.Printf("Run:        %s\n", rec.RunID)
	cmd.Printf("Workflow:   %s\n", rec.Workflow)
	cmd.Printf("Status:     %s\n", rec.Status)
	cmd.Printf("Steps:      %d/%d completed\n", rec.CompletedSteps, rec.TotalSteps)
	cmd.Printf("Started:    %s\n", rec.StartedAt.Local().Format(time.RFC3339))
	if !rec.CompletedAt.IsZero() {
		cmd.Printf("Completed:  %s\n", rec.CompletedAt.Local().Format(time.RFC3339))
		cmd.Printf("Duration:   %s\n", rec.Duration.Round(time.Millisecond))
	}
	if rec.Error != "" {
		cmd.Printf("Error:      %s", rec.Error)
		if rec.ErrorStep != "" {
			cmd.Printf(" (step %s)", rec.ErrorStep)
		}
		cmd.Println()
	}

	if len(steps) == 0 {
		return nil
	}
	cmd.Println("\nSteps:")
	for _, step := range steps {
		line := fmt.Sprintf("  %-4s  %-20s  %s", step.Status, step.Name, step.Type)
		if step.Duration > 0 {
			line += fmt.Sprintf("  %s", step.Duration.Round(time.Millisecond))
		}
		if step.Error != "" {
			line += "  " + step.Error
		}
		cmd.Println(line)
	}

	return nil
}

func shortRunID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
