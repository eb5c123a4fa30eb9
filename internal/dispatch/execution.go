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

// Package dispatch turns submissions into tracked executions: the
// dispatcher allocates identity and persists intent, the runner
// validates, leases the partition, and invokes the pipeline, and every
// status transition lands in the execution event log.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusQueued       Status = "QUEUED"
	StatusRunning      Status = "RUNNING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusSkipped      Status = "SKIPPED"
	StatusDeadLettered Status = "DEAD_LETTERED"
	StatusCancelling   Status = "CANCELLING"
	StatusCancelled    Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusSkipped, StatusCancelled, StatusDeadLettered:
		return true
	default:
		return false
	}
}

// transitions is the allowed state machine. FAILED is not terminal:
// the scheduler either requeues it or dead-letters it.
var transitions = map[Status][]Status{
	StatusPending:    {StatusQueued, StatusRunning, StatusFailed, StatusCancelled},
	StatusQueued:     {StatusRunning, StatusCancelling, StatusCancelled},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusSkipped, StatusCancelling},
	StatusFailed:     {StatusQueued, StatusDeadLettered},
	StatusCancelling: {StatusCancelled, StatusCompleted, StatusFailed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Execution is one tracked pipeline run.
type Execution struct {
	ID          string
	Pipeline    string
	Params      pipeline.Params
	Status      Status
	ParentID    string
	BatchID     string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Event is one recorded transition or annotation on an execution.
type Event struct {
	ExecutionID string
	Type        string
	Timestamp   time.Time
	Data        map[string]any
}

// ListFilter narrows List results.
type ListFilter struct {
	Pipeline string
	Status   Status
	Limit    int
}

// Store persists executions and their event log.
type Store struct {
	q   storage.Querier
	now func() time.Time
}

// NewStore builds a store over the given querier.
func NewStore(q storage.Querier) *Store {
	return &Store{q: q, now: time.Now}
}

// Create persists a new execution in its initial status and records
// the first event.
func (s *Store) Create(ctx context.Context, exec Execution) error {
	paramsJSON, err := json.Marshal(exec.Params)
	if err != nil {
		return errors.NewValidation(errors.SubSchema, "execution params are not serializable").
			WithContext("execution_id", exec.ID)
	}

	_, err = s.q.Insert(ctx, "core_executions", map[string]any{
		"id":                  exec.ID,
		"pipeline":            exec.Pipeline,
		"params_json":         string(paramsJSON),
		"status":              string(exec.Status),
		"parent_execution_id": nullable(exec.ParentID),
		"batch_id":            nullable(exec.BatchID),
		"started_at":          nil,
		"completed_at":        nil,
	})
	if err != nil {
		return err
	}
	return s.appendEvent(ctx, exec.ID, string(exec.Status), nil)
}

// Transition moves an execution to a new status, stamping started_at
// on RUNNING and completed_at on terminal states, and records the
// transition as an event carrying the given detail. Illegal moves are
// orchestration errors.
func (s *Store) Transition(ctx context.Context, id string, to Status, detail map[string]any) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(current.Status, to) {
		return errors.NewOrchestration(errors.SubSchedule,
			fmt.Sprintf("illegal execution transition %s -> %s", current.Status, to), false, nil).
			WithContext("execution_id", id)
	}

	d := s.q.Dialect()
	now := storage.FormatTime(s.now())

	query := `UPDATE core_executions SET status = ` + d.Placeholder(1)
	args := []any{string(to)}
	i := 2
	switch {
	case to == StatusRunning:
		query += `, started_at = ` + d.Placeholder(i)
		args = append(args, now)
		i++
	case to == StatusQueued:
		// A requeue after failure starts a fresh attempt.
		query += `, started_at = NULL, completed_at = NULL`
	case to.Terminal() || to == StatusFailed:
		query += `, completed_at = ` + d.Placeholder(i)
		args = append(args, now)
		i++
	}
	query += ` WHERE id = ` + d.Placeholder(i)
	args = append(args, id)

	if _, err := s.q.Execute(ctx, query, args...); err != nil {
		return err
	}
	return s.appendEvent(ctx, id, string(to), detail)
}

// AppendEvent records a non-transition annotation on an execution.
func (s *Store) AppendEvent(ctx context.Context, id, eventType string, data map[string]any) error {
	return s.appendEvent(ctx, id, eventType, data)
}

func (s *Store) appendEvent(ctx context.Context, id, eventType string, data map[string]any) error {
	var dataJSON any
	if len(data) > 0 {
		raw, err := json.Marshal(data)
		if err != nil {
			return errors.NewValidation(errors.SubSchema, "event data is not serializable").
				WithContext("execution_id", id)
		}
		dataJSON = string(raw)
	}
	_, err := s.q.Insert(ctx, "core_execution_events", map[string]any{
		"execution_id": id,
		"event_type":   eventType,
		"timestamp":    storage.FormatTime(s.now()),
		"data_json":    dataJSON,
	})
	return err
}

// Get loads one execution.
func (s *Store) Get(ctx context.Context, id string) (Execution, error) {
	d := s.q.Dialect()
	row, err := s.q.QueryOne(ctx,
		`SELECT id, pipeline, params_json, status, parent_execution_id,
			batch_id, started_at, completed_at
		FROM core_executions WHERE id = `+d.Placeholder(1), id)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return Execution{}, errors.NewOrchestration(errors.SubSchedule,
				fmt.Sprintf("execution not found: %s", id), false, err)
		}
		return Execution{}, err
	}
	return toExecution(row)
}

// Events returns an execution's event log, oldest first.
func (s *Store) Events(ctx context.Context, id string) ([]Event, error) {
	d := s.q.Dialect()
	rows, err := s.q.Query(ctx,
		`SELECT execution_id, event_type, timestamp, data_json
		FROM core_execution_events
		WHERE execution_id = `+d.Placeholder(1)+`
		ORDER BY timestamp, id`, id)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(rows))
	for _, row := range rows {
		ts, err := row.Time("timestamp")
		if err != nil {
			return nil, err
		}
		event := Event{
			ExecutionID: row.String("execution_id"),
			Type:        row.String("event_type"),
			Timestamp:   ts,
		}
		if raw := row.String("data_json"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &event.Data); err != nil {
				return nil, errors.NewValidation(errors.SubSchema,
					"stored event data is not valid JSON").WithContext("execution_id", id)
			}
		}
		events = append(events, event)
	}
	return events, nil
}

// List returns executions newest first, optionally filtered.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Execution, error) {
	d := s.q.Dialect()
	query := `SELECT id, pipeline, params_json, status, parent_execution_id,
		batch_id, started_at, completed_at
		FROM core_executions`

	var args []any
	var where []string
	if filter.Pipeline != "" {
		where = append(where, "pipeline = "+d.Placeholder(len(args)+1))
		args = append(args, filter.Pipeline)
	}
	if filter.Status != "" {
		where = append(where, "status = "+d.Placeholder(len(args)+1))
		args = append(args, string(filter.Status))
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY started_at DESC, id"
	if filter.Limit > 0 {
		query += " " + d.Limit(filter.Limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	executions := make([]Execution, 0, len(rows))
	for _, row := range rows {
		exec, err := toExecution(row)
		if err != nil {
			return nil, err
		}
		executions = append(executions, exec)
	}
	return executions, nil
}

func toExecution(row storage.Row) (Execution, error) {
	exec := Execution{
		ID:       row.String("id"),
		Pipeline: row.String("pipeline"),
		Status:   Status(row.String("status")),
		ParentID: row.String("parent_execution_id"),
		BatchID:  row.String("batch_id"),
	}
	if raw := row.String("params_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &exec.Params); err != nil {
			return Execution{}, errors.NewValidation(errors.SubSchema,
				"stored execution params are not valid JSON").WithContext("execution_id", exec.ID)
		}
	}
	if !row.IsNull("started_at") {
		t, err := row.Time("started_at")
		if err != nil {
			return Execution{}, err
		}
		exec.StartedAt = &t
	}
	if !row.IsNull("completed_at") {
		t, err := row.Time("completed_at")
		if err != nil {
			return Execution{}, err
		}
		exec.CompletedAt = &t
	}
	return exec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
