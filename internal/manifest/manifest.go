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

// Package manifest tracks how far each partition has progressed through
// a domain's stage ladder. Rows are upserted forward, never rewound in
// place; un-advancing means writing a lower stage for a new capture.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
)

// StageSet is a domain's ordered stage ladder. Rank is the position in
// declaration order, starting at zero.
type StageSet struct {
	names []string
	ranks map[string]int
}

// NewStageSet builds a ladder from stage names in ascending order.
func NewStageSet(names ...string) (*StageSet, error) {
	if len(names) == 0 {
		return nil, errors.NewConfig(errors.SubMissing, "stages", "a domain needs at least one stage")
	}
	ranks := make(map[string]int, len(names))
	for i, name := range names {
		if _, dup := ranks[name]; dup {
			return nil, errors.NewConfig(errors.SubInvalid, "stages",
				fmt.Sprintf("duplicate stage %q", name))
		}
		ranks[name] = i
	}
	return &StageSet{names: append([]string(nil), names...), ranks: ranks}, nil
}

// Rank returns the 0-based rank of a stage.
func (s *StageSet) Rank(stage string) (int, error) {
	rank, ok := s.ranks[stage]
	if !ok {
		return 0, errors.NewConfig(errors.SubInvalid, "stage",
			fmt.Sprintf("unknown stage %q (ladder: %v)", stage, s.names))
	}
	return rank, nil
}

// Names returns the ladder in rank order.
func (s *StageSet) Names() []string {
	return append([]string(nil), s.names...)
}

// Record is one stored manifest row.
type Record struct {
	Domain       string
	PartitionKey string
	Stage        string
	StageRank    int
	RowCount     *int64
	Metrics      map[string]any
	ExecutionID  string
	BatchID      string
	UpdatedAt    time.Time
}

// Manifest reads and advances the ladder for one domain through a
// Querier, so calls compose into the surrounding step transaction.
type Manifest struct {
	q      storage.Querier
	domain string
	stages *StageSet
	now    func() time.Time
}

// New binds a manifest to a domain and its stage ladder.
func New(q storage.Querier, domain string, stages *StageSet) *Manifest {
	return &Manifest{q: q, domain: domain, stages: stages, now: time.Now}
}

// AdvanceOption attaches optional metrics to an advance.
type AdvanceOption func(*advance)

type advance struct {
	rowCount    *int64
	metrics     map[string]any
	executionID string
	batchID     string
}

// WithRowCount records how many rows the stage produced.
func WithRowCount(n int64) AdvanceOption {
	return func(a *advance) { a.rowCount = &n }
}

// WithMetrics attaches free-form stage metrics, stored as JSON.
func WithMetrics(metrics map[string]any) AdvanceOption {
	return func(a *advance) { a.metrics = metrics }
}

// WithExecutionID links the advance to the execution that performed it.
func WithExecutionID(id string) AdvanceOption {
	return func(a *advance) { a.executionID = id }
}

// WithBatchID links the advance to a batch.
func WithBatchID(id string) AdvanceOption {
	return func(a *advance) { a.batchID = id }
}

// AdvanceTo upserts the (domain, partition, stage) row with the stage's
// rank. Calling it twice with the same arguments leaves one row with the
// later updated_at.
func (m *Manifest) AdvanceTo(ctx context.Context, partitionKey, stage string, opts ...AdvanceOption) error {
	rank, err := m.stages.Rank(stage)
	if err != nil {
		return err
	}

	var a advance
	for _, opt := range opts {
		opt(&a)
	}

	var metricsJSON any
	if len(a.metrics) > 0 {
		raw, err := json.Marshal(a.metrics)
		if err != nil {
			return errors.NewValidation(errors.SubSchema,
				fmt.Sprintf("metrics for %s/%s are not JSON-serializable: %v", partitionKey, stage, err))
		}
		metricsJSON = string(raw)
	}

	var rowCount any
	if a.rowCount != nil {
		rowCount = *a.rowCount
	}

	d := m.q.Dialect()
	cols := []string{"domain", "partition_key", "stage", "stage_rank", "row_count", "metrics_json", "execution_id", "batch_id", "updated_at"}
	stmt := d.Upsert("core_manifest", cols,
		[]string{"domain", "partition_key", "stage"},
		[]string{"stage_rank", "row_count", "metrics_json", "execution_id", "batch_id", "updated_at"})

	_, err = m.q.Execute(ctx, stmt,
		m.domain, partitionKey, stage, rank,
		rowCount, metricsJSON, nullable(a.executionID), nullable(a.batchID),
		storage.FormatTime(m.now()))
	return err
}

// IsAtLeast reports whether the partition has reached the stage's rank.
// Pipelines check this against their target stage and short-circuit with
// a skipped outcome unless force is set.
func (m *Manifest) IsAtLeast(ctx context.Context, partitionKey, stage string) (bool, error) {
	rank, err := m.stages.Rank(stage)
	if err != nil {
		return false, err
	}

	d := m.q.Dialect()
	row, err := m.q.QueryOne(ctx,
		fmt.Sprintf("SELECT MAX(stage_rank) AS max_rank FROM core_manifest WHERE domain = %s AND partition_key = %s",
			d.Placeholder(1), d.Placeholder(2)),
		m.domain, partitionKey)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if row.IsNull("max_rank") {
		return false, nil
	}
	return row.Int64("max_rank") >= int64(rank), nil
}

// HasStage reports whether the exact stage row exists, regardless of how
// far the partition has advanced past it.
func (m *Manifest) HasStage(ctx context.Context, partitionKey, stage string) (bool, error) {
	if _, err := m.stages.Rank(stage); err != nil {
		return false, err
	}

	d := m.q.Dialect()
	_, err := m.q.QueryOne(ctx,
		fmt.Sprintf("SELECT stage FROM core_manifest WHERE domain = %s AND partition_key = %s AND stage = %s",
			d.Placeholder(1), d.Placeholder(2), d.Placeholder(3)),
		m.domain, partitionKey, stage)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get returns every stage row for the partition, ordered by rank.
func (m *Manifest) Get(ctx context.Context, partitionKey string) ([]Record, error) {
	d := m.q.Dialect()
	rows, err := m.q.Query(ctx,
		fmt.Sprintf("SELECT * FROM core_manifest WHERE domain = %s AND partition_key = %s ORDER BY stage_rank",
			d.Placeholder(1), d.Placeholder(2)),
		m.domain, partitionKey)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := toRecord(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// GetLatestStage returns the highest-ranked stage row, or ok=false when
// the partition has never been touched.
func (m *Manifest) GetLatestStage(ctx context.Context, partitionKey string) (Record, bool, error) {
	d := m.q.Dialect()
	row, err := m.q.QueryOne(ctx,
		fmt.Sprintf("SELECT * FROM core_manifest WHERE domain = %s AND partition_key = %s ORDER BY stage_rank DESC %s",
			d.Placeholder(1), d.Placeholder(2), d.Limit(1)),
		m.domain, partitionKey)
	if err != nil {
		if errors.Is(err, storage.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec, err := toRecord(row)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func toRecord(row storage.Row) (Record, error) {
	rec := Record{
		Domain:       row.String("domain"),
		PartitionKey: row.String("partition_key"),
		Stage:        row.String("stage"),
		StageRank:    int(row.Int64("stage_rank")),
		ExecutionID:  row.String("execution_id"),
		BatchID:      row.String("batch_id"),
	}

	if !row.IsNull("row_count") && row.Has("row_count") {
		n := row.Int64("row_count")
		rec.RowCount = &n
	}
	if raw := row.String("metrics_json"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.Metrics); err != nil {
			return Record{}, errors.NewValidation(errors.SubSchema,
				fmt.Sprintf("stored metrics for %s/%s are not valid JSON: %v", rec.PartitionKey, rec.Stage, err))
		}
	}
	ts, err := row.Time("updated_at")
	if err != nil {
		return Record{}, err
	}
	rec.UpdatedAt = ts
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
