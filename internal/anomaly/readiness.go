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

package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
)

// Status is the stored readiness verdict for one (domain, stage,
// partition). It is the one-glance gate for "is this partition usable
// downstream?".
type Status struct {
	Domain         string
	Stage          string
	PartitionKey   string
	IsReady        bool
	BlockingIssues []string
	CheckedAt      time.Time
}

// Readiness evaluates and stores the data-readiness gate. A partition is
// ready at a stage when that exact scope has no unresolved blocking
// anomalies.
type Readiness struct {
	q      storage.Querier
	domain string
	now    func() time.Time
}

// NewReadiness binds the gate to a domain.
func NewReadiness(q storage.Querier, domain string) *Readiness {
	return &Readiness{q: q, domain: domain, now: time.Now}
}

// Evaluate recomputes readiness for (stage, partition) from the active
// blocking anomalies in that exact scope and upserts the verdict.
func (r *Readiness) Evaluate(ctx context.Context, stage, partitionKey string) (Status, error) {
	sink := &Sink{q: r.q, domain: r.domain, stage: stage, now: r.now}
	blocking, err := sink.ActiveBlocking(ctx, partitionKey)
	if err != nil {
		return Status{}, err
	}

	status := Status{
		Domain:       r.domain,
		Stage:        stage,
		PartitionKey: partitionKey,
		IsReady:      len(blocking) == 0,
		CheckedAt:    r.now().UTC(),
	}
	for _, rec := range blocking {
		status.BlockingIssues = append(status.BlockingIssues,
			fmt.Sprintf("%s/%s: %s (anomaly %s)", rec.Severity, rec.Category, rec.Message, rec.AnomalyID))
	}

	var issuesJSON any
	if len(status.BlockingIssues) > 0 {
		raw, err := json.Marshal(status.BlockingIssues)
		if err != nil {
			return Status{}, errors.Wrap(err, "failed to serialize blocking issues")
		}
		issuesJSON = string(raw)
	}

	d := r.q.Dialect()
	cols := []string{"domain", "stage", "partition_key", "is_ready", "blocking_issues", "checked_at"}
	stmt := d.Upsert("core_data_readiness", cols,
		[]string{"domain", "stage", "partition_key"},
		[]string{"is_ready", "blocking_issues", "checked_at"})

	_, err = r.q.Execute(ctx, stmt,
		r.domain, stage, partitionKey, status.IsReady, issuesJSON, storage.FormatTime(status.CheckedAt))
	if err != nil {
		return Status{}, err
	}
	return status, nil
}

// IsDataReady reads the stored gate across all evaluated stages of the
// partition: ready only when at least one verdict exists and none of
// them blocks. A never-evaluated partition is not ready.
func (r *Readiness) IsDataReady(ctx context.Context, partitionKey string) (bool, []string, error) {
	d := r.q.Dialect()
	rows, err := r.q.Query(ctx,
		fmt.Sprintf("SELECT * FROM core_data_readiness WHERE domain = %s AND partition_key = %s",
			d.Placeholder(1), d.Placeholder(2)),
		r.domain, partitionKey)
	if err != nil {
		return false, nil, err
	}
	if len(rows) == 0 {
		return false, []string{"readiness never evaluated for this partition"}, nil
	}

	ready := true
	var issues []string
	for _, row := range rows {
		if row.Bool("is_ready") {
			continue
		}
		ready = false
		if raw := row.String("blocking_issues"); raw != "" {
			var stageIssues []string
			if err := json.Unmarshal([]byte(raw), &stageIssues); err != nil {
				return false, nil, errors.NewValidation(errors.SubSchema,
					fmt.Sprintf("stored blocking issues are not valid JSON: %v", err))
			}
			issues = append(issues, stageIssues...)
		}
	}
	return ready, issues, nil
}

// Get returns the stored verdict for one exact (stage, partition) scope.
func (r *Readiness) Get(ctx context.Context, stage, partitionKey string) (Status, bool, error) {
	d := r.q.Dialect()
	row, err := r.q.QueryOne(ctx,
		fmt.Sprintf("SELECT * FROM core_data_readiness WHERE domain = %s AND stage = %s AND partition_key = %s",
			d.Placeholder(1), d.Placeholder(2), d.Placeholder(3)),
		r.domain, stage, partitionKey)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return Status{}, false, nil
		}
		return Status{}, false, err
	}

	status := Status{
		Domain:       row.String("domain"),
		Stage:        row.String("stage"),
		PartitionKey: row.String("partition_key"),
		IsReady:      row.Bool("is_ready"),
	}
	ts, err := row.Time("checked_at")
	if err != nil {
		return Status{}, false, err
	}
	status.CheckedAt = ts
	if raw := row.String("blocking_issues"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &status.BlockingIssues); err != nil {
			return Status{}, false, errors.NewValidation(errors.SubSchema,
				fmt.Sprintf("stored blocking issues are not valid JSON: %v", err))
		}
	}
	return status, true, nil
}
