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

// Package reject quarantines individual records a pipeline could not
// process. Rejects never abort a batch: the pipeline records them and
// keeps going, and the quarantine keeps the original payload so the
// record can be inspected or replayed later.
package reject

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
)

// Reject is one record that failed processing, with the machine
// readable reason and the payload as received.
type Reject struct {
	ReasonCode   string
	ReasonDetail string
	RawData      any
}

// Record is a persisted reject.
type Record struct {
	ID           int64
	Domain       string
	Stage        string
	ReasonCode   string
	ReasonDetail string
	RawDataJSON  string
	PartitionKey string
	ExecutionID  string
	BatchID      string
	CapturedAt   time.Time
}

// Option attaches execution metadata to recorded rejects.
type Option func(*recordOpts)

type recordOpts struct {
	executionID string
	batchID     string
}

// WithExecutionID stamps rejects with the producing execution.
func WithExecutionID(id string) Option {
	return func(o *recordOpts) { o.executionID = id }
}

// WithBatchID stamps rejects with the source batch.
func WithBatchID(id string) Option {
	return func(o *recordOpts) { o.batchID = id }
}

// Sink records rejects for one (domain, stage).
type Sink struct {
	q      storage.Querier
	domain string
	stage  string
	now    func() time.Time
}

// NewSink builds a sink over the given querier. Pass a transaction to
// quarantine rejects atomically with the batch that produced them.
func NewSink(q storage.Querier, domain, stage string) *Sink {
	return &Sink{q: q, domain: domain, stage: stage, now: time.Now}
}

// Record quarantines a single reject.
func (s *Sink) Record(ctx context.Context, partitionKey string, reject Reject, opts ...Option) error {
	_, err := s.RecordBatch(ctx, partitionKey, []Reject{reject}, opts...)
	return err
}

// RecordBatch quarantines a batch of rejects in one write and returns
// the number of rows inserted. An empty batch is a no-op.
func (s *Sink) RecordBatch(ctx context.Context, partitionKey string, rejects []Reject, opts ...Option) (int64, error) {
	if len(rejects) == 0 {
		return 0, nil
	}

	var options recordOpts
	for _, opt := range opts {
		opt(&options)
	}

	capturedAt := storage.FormatTime(s.now())
	rows := make([]map[string]any, 0, len(rejects))
	for _, reject := range rejects {
		raw, err := marshalRaw(reject.RawData)
		if err != nil {
			return 0, err
		}
		rows = append(rows, map[string]any{
			"domain":        s.domain,
			"stage":         s.stage,
			"reason_code":   reject.ReasonCode,
			"reason_detail": nullable(reject.ReasonDetail),
			"raw_data_json": raw,
			"partition_key": partitionKey,
			"execution_id":  nullable(options.executionID),
			"batch_id":      nullable(options.batchID),
			"captured_at":   capturedAt,
		})
	}
	return s.q.InsertMany(ctx, "core_rejects", rows)
}

// List returns every reject for a partition at this sink's stage,
// oldest first.
func (s *Sink) List(ctx context.Context, partitionKey string) ([]Record, error) {
	d := s.q.Dialect()
	query := `SELECT id, reason_code, reason_detail, raw_data_json,
		partition_key, execution_id, batch_id, captured_at
		FROM core_rejects
		WHERE domain = ` + d.Placeholder(1) + `
		AND stage = ` + d.Placeholder(2) + `
		AND partition_key = ` + d.Placeholder(3) + `
		ORDER BY captured_at, id`

	rows, err := s.q.Query(ctx, query, s.domain, s.stage, partitionKey)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		capturedAt, err := row.Time("captured_at")
		if err != nil {
			return nil, err
		}
		records = append(records, Record{
			ID:           row.Int64("id"),
			Domain:       s.domain,
			Stage:        s.stage,
			ReasonCode:   row.String("reason_code"),
			ReasonDetail: row.String("reason_detail"),
			RawDataJSON:  row.String("raw_data_json"),
			PartitionKey: row.String("partition_key"),
			ExecutionID:  row.String("execution_id"),
			BatchID:      row.String("batch_id"),
			CapturedAt:   capturedAt,
		})
	}
	return records, nil
}

// CountByReason tallies rejects per reason code for a partition at
// this sink's stage.
func (s *Sink) CountByReason(ctx context.Context, partitionKey string) (map[string]int64, error) {
	d := s.q.Dialect()
	query := `SELECT reason_code, COUNT(*) AS n
		FROM core_rejects
		WHERE domain = ` + d.Placeholder(1) + `
		AND stage = ` + d.Placeholder(2) + `
		AND partition_key = ` + d.Placeholder(3) + `
		GROUP BY reason_code`

	rows, err := s.q.Query(ctx, query, s.domain, s.stage, partitionKey)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.String("reason_code")] = row.Int64("n")
	}
	return counts, nil
}

func marshalRaw(raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.NewValidation(errors.SubSchema, "reject payload is not serializable").
			WithContext("cause", err.Error())
	}
	return string(data), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
