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

package quality

import (
	"context"
	"time"

	"github.com/spine-io/spine/internal/storage"
)

// StoredResult is a persisted check grade with its audit trail.
type StoredResult struct {
	Result
	Domain       string
	PartitionKey string
	ExecutionID  string
	CapturedAt   time.Time
}

// Store persists graded results for one domain.
type Store struct {
	q      storage.Querier
	domain string
	now    func() time.Time
}

// NewStore builds a store over the given querier. Pass a transaction
// to persist results atomically with the step that produced them.
func NewStore(q storage.Querier, domain string) *Store {
	return &Store{q: q, domain: domain, now: time.Now}
}

// Save appends the results for a partition. Empty input is a no-op.
func (s *Store) Save(ctx context.Context, partitionKey, executionID string, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	capturedAt := storage.FormatTime(s.now())
	rows := make([]map[string]any, 0, len(results))
	for _, result := range results {
		var execID any
		if executionID != "" {
			execID = executionID
		}
		var message any
		if result.Message != "" {
			message = result.Message
		}
		rows = append(rows, map[string]any{
			"domain":        s.domain,
			"check_name":    result.CheckName,
			"category":      result.Category,
			"status":        string(result.Status),
			"message":       message,
			"actual":        result.Actual,
			"expected":      result.Expected,
			"partition_key": partitionKey,
			"execution_id":  execID,
			"captured_at":   capturedAt,
		})
	}
	_, err := s.q.InsertMany(ctx, "core_quality", rows)
	return err
}

// List returns every stored result for a partition, oldest first.
func (s *Store) List(ctx context.Context, partitionKey string) ([]StoredResult, error) {
	query := `SELECT check_name, category, status, message, actual, expected,
		partition_key, execution_id, captured_at
		FROM core_quality
		WHERE domain = ` + s.q.Dialect().Placeholder(1) + `
		AND partition_key = ` + s.q.Dialect().Placeholder(2) + `
		ORDER BY captured_at, id`

	rows, err := s.q.Query(ctx, query, s.domain, partitionKey)
	if err != nil {
		return nil, err
	}
	return s.toStored(rows)
}

// Gating returns the stored FAIL and ERROR results for a partition.
func (s *Store) Gating(ctx context.Context, partitionKey string) ([]StoredResult, error) {
	d := s.q.Dialect()
	query := `SELECT check_name, category, status, message, actual, expected,
		partition_key, execution_id, captured_at
		FROM core_quality
		WHERE domain = ` + d.Placeholder(1) + `
		AND partition_key = ` + d.Placeholder(2) + `
		AND status IN ('FAIL', 'ERROR')
		ORDER BY captured_at, id`

	rows, err := s.q.Query(ctx, query, s.domain, partitionKey)
	if err != nil {
		return nil, err
	}
	return s.toStored(rows)
}

func (s *Store) toStored(rows []storage.Row) ([]StoredResult, error) {
	stored := make([]StoredResult, 0, len(rows))
	for _, row := range rows {
		capturedAt, err := row.Time("captured_at")
		if err != nil {
			return nil, err
		}
		stored = append(stored, StoredResult{
			Result: Result{
				CheckName: row.String("check_name"),
				Category:  row.String("category"),
				Status:    Status(row.String("status")),
				Message:   row.String("message"),
				Actual:    row.Float64("actual"),
				Expected:  row.Float64("expected"),
			},
			Domain:       s.domain,
			PartitionKey: row.String("partition_key"),
			ExecutionID:  row.String("execution_id"),
			CapturedAt:   capturedAt,
		})
	}
	return stored, nil
}
