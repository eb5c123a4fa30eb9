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

// Package workflowstore persists workflow runs and steps to the
// core_workflow_runs and core_workflow_steps tables. It implements
// workflow.Store, so an engine wired with it records every run the
// same way pipeline executions are recorded.
package workflowstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
	"github.com/spine-io/spine/pkg/workflow"
)

// Store is the SQL-backed workflow.Store.
type Store struct {
	q storage.Querier
}

// NewStore builds a store over the given querier.
func NewStore(q storage.Querier) *Store {
	return &Store{q: q}
}

// CreateRun implements workflow.Store.
func (s *Store) CreateRun(ctx context.Context, runID, workflowName string, startedAt time.Time, params map[string]any, totalSteps int) error {
	paramsJSON, err := marshalJSON(params)
	if err != nil {
		return errors.NewValidation(errors.SubSchema, "workflow params are not serializable").
			WithContext("run_id", runID)
	}

	_, err = s.q.Insert(ctx, "core_workflow_runs", map[string]any{
		"run_id":          runID,
		"workflow_name":   workflowName,
		"status":          string(workflow.RunStatusRunning),
		"started_at":      storage.FormatTime(startedAt),
		"completed_at":    nil,
		"duration_ms":     nil,
		"params_json":     paramsJSON,
		"outputs_json":    "{}",
		"error":           nil,
		"error_step":      nil,
		"total_steps":     totalSteps,
		"completed_steps": 0,
	})
	return err
}

// RecordStep implements workflow.Store.
func (s *Store) RecordStep(ctx context.Context, runID string, exec workflow.StepExecution) error {
	paramsJSON, err := marshalJSON(exec.Params)
	if err != nil {
		return errors.NewValidation(errors.SubSchema, "step params are not serializable").
			WithContext("run_id", runID).
			WithContext("step", exec.Name)
	}
	outputsJSON, err := marshalJSON(exec.Output)
	if err != nil {
		return errors.NewValidation(errors.SubSchema, "step output is not serializable").
			WithContext("run_id", runID).
			WithContext("step", exec.Name)
	}

	_, err = s.q.Insert(ctx, "core_workflow_steps", map[string]any{
		"step_id":      uuid.New().String(),
		"run_id":       runID,
		"step_name":    exec.Name,
		"step_type":    string(exec.Type),
		"step_order":   exec.Order,
		"status":       string(exec.Status),
		"started_at":   storage.FormatTime(exec.StartedAt),
		"completed_at": storage.FormatTime(exec.StartedAt.Add(exec.Duration)),
		"duration_ms":  exec.Duration.Milliseconds(),
		"params_json":  paramsJSON,
		"outputs_json": outputsJSON,
		"error":        nullable(encodeStepError(exec.Category, exec.Error)),
		"retry_count":  0,
	})
	return err
}

// FinishRun implements workflow.Store.
func (s *Store) FinishRun(ctx context.Context, res *workflow.RunResult) error {
	outputs := map[string]map[string]any{}
	params := map[string]any{}
	if res.Context != nil {
		outputs = res.Context.Outputs()
		params = res.Context.Params()
	}
	outputsJSON, err := marshalJSON(outputs)
	if err != nil {
		return errors.NewValidation(errors.SubSchema, "workflow outputs are not serializable").
			WithContext("run_id", res.RunID)
	}
	paramsJSON, err := marshalJSON(params)
	if err != nil {
		return errors.NewValidation(errors.SubSchema, "workflow params are not serializable").
			WithContext("run_id", res.RunID)
	}

	d := s.q.Dialect()
	query := `UPDATE core_workflow_runs SET
		status = ` + d.Placeholder(1) + `,
		completed_at = ` + d.Placeholder(2) + `,
		duration_ms = ` + d.Placeholder(3) + `,
		params_json = ` + d.Placeholder(4) + `,
		outputs_json = ` + d.Placeholder(5) + `,
		error = ` + d.Placeholder(6) + `,
		error_step = ` + d.Placeholder(7) + `,
		completed_steps = ` + d.Placeholder(8) + `
	WHERE run_id = ` + d.Placeholder(9)

	affected, err := s.q.Execute(ctx, query,
		string(res.Status),
		storage.FormatTime(res.StartedAt.Add(res.Duration)),
		res.Duration.Milliseconds(),
		paramsJSON,
		outputsJSON,
		nullable(res.Error),
		nullable(res.ErrorStep),
		res.CompletedSteps(),
		res.RunID,
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		return notFound(res.RunID)
	}
	return nil
}

// LoadSnapshot implements workflow.Store.
func (s *Store) LoadSnapshot(ctx context.Context, runID string) (*workflow.Snapshot, error) {
	d := s.q.Dialect()
	row, err := s.q.QueryOne(ctx,
		`SELECT workflow_name, params_json, outputs_json FROM core_workflow_runs WHERE run_id = `+d.Placeholder(1),
		runID)
	if err == storage.ErrNoRows {
		return nil, notFound(runID)
	}
	if err != nil {
		return nil, err
	}

	snap := &workflow.Snapshot{
		RunID:    runID,
		Workflow: row.String("workflow_name"),
		Params:   map[string]any{},
		Outputs:  map[string]map[string]any{},
	}
	if err := json.Unmarshal([]byte(row.String("params_json")), &snap.Params); err != nil {
		return nil, errors.NewStorage(errors.SubIntegrity,
			fmt.Sprintf("workflow run %s has unreadable params", runID), false, err)
	}
	if err := json.Unmarshal([]byte(row.String("outputs_json")), &snap.Outputs); err != nil {
		return nil, errors.NewStorage(errors.SubIntegrity,
			fmt.Sprintf("workflow run %s has unreadable outputs", runID), false, err)
	}
	return snap, nil
}

// GetRun returns the stored record of one run.
func (s *Store) GetRun(ctx context.Context, runID string) (*workflow.RunRecord, error) {
	d := s.q.Dialect()
	row, err := s.q.QueryOne(ctx,
		`SELECT * FROM core_workflow_runs WHERE run_id = `+d.Placeholder(1),
		runID)
	if err == storage.ErrNoRows {
		return nil, notFound(runID)
	}
	if err != nil {
		return nil, err
	}
	return s.recordFromRow(row)
}

// ListRuns returns recent runs newest first, filtered by workflow name
// when one is given. A zero limit means 50.
func (s *Store) ListRuns(ctx context.Context, workflowName string, limit int) ([]*workflow.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	d := s.q.Dialect()
	query := `SELECT * FROM core_workflow_runs`
	args := make([]any, 0, 2)
	if workflowName != "" {
		query += ` WHERE workflow_name = ` + d.Placeholder(1)
		args = append(args, workflowName)
	}
	query += ` ORDER BY started_at DESC, run_id LIMIT ` + d.Placeholder(len(args)+1)
	args = append(args, limit)

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	out := make([]*workflow.RunRecord, 0, len(rows))
	for i := 0; i < len(rows); i++ {
		rec, err := s.recordFromRow(rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Steps returns the recorded steps of one run in execution order.
func (s *Store) Steps(ctx context.Context, runID string) ([]workflow.StepExecution, error) {
	d := s.q.Dialect()
	rows, err := s.q.Query(ctx,
		`SELECT * FROM core_workflow_steps WHERE run_id = `+d.Placeholder(1)+` ORDER BY step_order`,
		runID)
	if err != nil {
		return nil, err
	}

	out := make([]workflow.StepExecution, 0, len(rows))
	for i := 0; i < len(rows); i++ {
		row := rows[i]
		exec := workflow.StepExecution{
			Name:   row.String("step_name"),
			Type:   workflow.StepType(row.String("step_type")),
			Order:  int(row.Int64("step_order")),
			Status: workflow.StepStatus(row.String("status")),
		}
		if started, err := row.Time("started_at"); err == nil {
			exec.StartedAt = started
		}
		exec.Duration = time.Duration(row.Int64("duration_ms")) * time.Millisecond
		if raw := row.String("params_json"); raw != "" && raw != "{}" {
			if err := json.Unmarshal([]byte(raw), &exec.Params); err != nil {
				return nil, errors.NewStorage(errors.SubIntegrity,
					fmt.Sprintf("step %s of run %s has unreadable params", exec.Name, runID), false, err)
			}
		}
		if raw := row.String("outputs_json"); raw != "" && raw != "{}" {
			if err := json.Unmarshal([]byte(raw), &exec.Output); err != nil {
				return nil, errors.NewStorage(errors.SubIntegrity,
					fmt.Sprintf("step %s of run %s has unreadable output", exec.Name, runID), false, err)
			}
		}
		exec.Category, exec.Error = decodeStepError(row.String("error"))
		out = append(out, exec)
	}
	return out, nil
}

func (s *Store) recordFromRow(row storage.Row) (*workflow.RunRecord, error) {
	rec := &workflow.RunRecord{
		RunID:          row.String("run_id"),
		Workflow:       row.String("workflow_name"),
		Status:         workflow.RunStatus(row.String("status")),
		Error:          row.String("error"),
		ErrorStep:      row.String("error_step"),
		TotalSteps:     int(row.Int64("total_steps")),
		CompletedSteps: int(row.Int64("completed_steps")),
		Params:         map[string]any{},
		Outputs:        map[string]map[string]any{},
	}
	if started, err := row.Time("started_at"); err == nil {
		rec.StartedAt = started
	}
	if !row.IsNull("completed_at") {
		if completed, err := row.Time("completed_at"); err == nil {
			rec.CompletedAt = completed
		}
	}
	rec.Duration = time.Duration(row.Int64("duration_ms")) * time.Millisecond
	if err := json.Unmarshal([]byte(row.String("params_json")), &rec.Params); err != nil {
		return nil, errors.NewStorage(errors.SubIntegrity,
			fmt.Sprintf("workflow run %s has unreadable params", rec.RunID), false, err)
	}
	if err := json.Unmarshal([]byte(row.String("outputs_json")), &rec.Outputs); err != nil {
		return nil, errors.NewStorage(errors.SubIntegrity,
			fmt.Sprintf("workflow run %s has unreadable outputs", rec.RunID), false, err)
	}
	return rec, nil
}

// encodeStepError folds the failure category into the stored error
// text, since the step table carries a single error column.
func encodeStepError(category, message string) string {
	if message == "" {
		return ""
	}
	if category == "" {
		return message
	}
	return "[" + category + "] " + message
}

func decodeStepError(stored string) (category, message string) {
	if !strings.HasPrefix(stored, "[") {
		return "", stored
	}
	end := strings.Index(stored, "] ")
	if end < 0 {
		return "", stored
	}
	return stored[1:end], stored[end+2:]
}

func marshalJSON(m any) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	// A nil map marshals to null; the columns expect an object.
	if string(raw) == "null" {
		return "{}", nil
	}
	return string(raw), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func notFound(runID string) error {
	return errors.NewOrchestration(errors.SubNotFound,
		fmt.Sprintf("workflow run %s not found", runID), false, nil)
}
