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

// Package executions implements the spine executions command group.
package executions

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spine-io/spine/internal/commands/shared"
	"github.com/spine-io/spine/internal/dispatch"
)

// NewExecutionsCommand creates the executions command group.
func NewExecutionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect pipeline executions",
		Long: `Commands for listing and inspecting pipeline executions.

Every run - submitted here, scheduled by spined, or spawned by a
workflow step - is a row in core_executions with an append-only event
trail.`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())

	return cmd
}

func newListCommand() *cobra.Command {
	var (
		status   string
		pipeline string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		Long:  `List executions, newest first, optionally filtered by status or pipeline.`,
		Example: `  # Everything that has not finished cleanly
  spine executions list --status FAILED

  # Recent runs of one pipeline
  spine executions list --pipeline otc.ingest --limit 10

  # Feed a monitoring script
  spine executions list --json | jq '.executions[] | select(.status=="DEAD_LETTERED")'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, status, pipeline, limit)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, QUEUED, RUNNING, COMPLETED, FAILED, SKIPPED, DEAD_LETTERED, CANCELLED)")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Filter by pipeline name")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to return")

	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution with its event trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, args[0])
		},
	}
}

type executionJSON struct {
	ID          string         `json:"id"`
	Pipeline    string         `json:"pipeline"`
	Status      string         `json:"status"`
	ParentID    string         `json:"parent_id,omitempty"`
	BatchID     string         `json:"batch_id,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

type eventJSON struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func runList(cmd *cobra.Command, status, pipeline string, limit int) error {
	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	store := dispatch.NewStore(rt.Repo)
	execs, err := store.List(ctx, dispatch.ListFilter{
		Pipeline: pipeline,
		Status:   dispatch.Status(strings.ToUpper(status)),
		Limit:    limit,
	})
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		out := make([]executionJSON, 0, len(execs))
		for _, e := range execs {
			out = append(out, toJSON(e))
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string][]executionJSON{"executions": out})
	}

	if len(execs) == 0 {
		cmd.Println("No executions found")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPIPELINE\tSTATUS\tSTARTED\tDURATION")
	for _, e := range execs {
		started := "-"
		duration := "-"
		if e.StartedAt != nil {
			started = e.StartedAt.Local().Format("2006-01-02 15:04:05")
			if e.CompletedAt != nil {
				duration = e.CompletedAt.Sub(*e.StartedAt).Round(time.Millisecond).String()
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", shortID(e.ID), e.Pipeline, e.Status, started, duration)
	}
	w.Flush()

	return nil
}

func runShow(cmd *cobra.Command, id string) error {
	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	store := dispatch.NewStore(rt.Repo)
	exec, err := store.Get(ctx, id)
	if err != nil {
		return err
	}
	events, err := store.Events(ctx, id)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		out := struct {
			executionJSON
			Events []eventJSON `json:"events"`
		}{executionJSON: toJSON(exec)}
		for _, ev := range events {
			out.Events = append(out.Events, eventJSON{Type: ev.Type, Timestamp: ev.Timestamp, Data: ev.Data})
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	cmd.Printf("Execution:  %s\n", exec.ID)
	cmd.Printf("Pipeline:   %s\n", exec.Pipeline)
	cmd.Printf("Status:     %s\n", exec.Status)
	if exec.ParentID != "" {
		cmd.Printf("Parent:     %s\n", exec.ParentID)
	}
	if exec.BatchID != "" {
		cmd.Printf("Batch:      %s\n", exec.BatchID)
	}
	if exec.StartedAt != nil {
		cmd.Printf("Started:    %s\n", exec.StartedAt.Local().Format(time.RFC3339))
	}
	if exec.CompletedAt != nil {
		cmd.Printf("Completed:  %s\n", exec.CompletedAt.Local().Format(time.RFC3339))
	}
	if len(exec.Params) > 0 {
		data, err := json.Marshal(map[string]any(exec.Params))
		if err == nil {
			cmd.Printf("Params:     %s\n", data)
		}
	}

	if len(events) == 0 {
		return nil
	}
	cmd.Println("\nEvents:")
	for _, ev := range events {
		line := fmt.Sprintf("  %s  %s", ev.Timestamp.Local().Format("15:04:05.000"), ev.Type)
		if msg, ok := ev.Data["message"].(string); ok && msg != "" {
			line += "  " + msg
		}
		cmd.Println(line)
	}

	return nil
}

func toJSON(e dispatch.Execution) executionJSON {
	return executionJSON{
		ID:          e.ID,
		Pipeline:    e.Pipeline,
		Status:      string(e.Status),
		ParentID:    e.ParentID,
		BatchID:     e.BatchID,
		Params:      e.Params,
		StartedAt:   e.StartedAt,
		CompletedAt: e.CompletedAt,
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
