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

// Package anomaly records partition-scoped findings and answers the one
// question downstream cares about: does this exact (domain, stage,
// partition) have unresolved blocking anomalies? Filters always match
// that triple exactly; a broader filter hides unrelated data and is a
// defect here.
package anomaly

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/spine-io/spine/internal/dialect"
	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
)

// Severity orders anomalies by operational urgency. ERROR and CRITICAL
// block readiness; the rest are informational.
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Common categories. The set is open; domains add their own.
const (
	CategoryQualityGate = "QUALITY_GATE"
	CategoryNetwork     = "NETWORK"
	CategoryDataQuality = "DATA_QUALITY"
	CategorySchedule    = "SCHEDULE"
	CategoryProcessing  = "PROCESSING"
)

// ErrNotFound is returned by Resolve for an unknown anomaly id.
var ErrNotFound = errors.New("anomaly not found")

// Record is one stored anomaly. ResolvedAt nil means active.
type Record struct {
	AnomalyID    string
	Domain       string
	Stage        string
	PartitionKey string
	Severity     Severity
	Category     string
	Message      string
	DetectedAt   time.Time
	Metadata     map[string]any
	ResolvedAt   *time.Time
}

// Blocking reports whether the record's severity gates readiness.
func (r Record) Blocking() bool {
	return r.Severity == SeverityError || r.Severity == SeverityCritical
}

// Sink appends anomalies for one (domain, stage). Rows are append-only:
// there is no deletion, only resolution.
type Sink struct {
	q      storage.Querier
	domain string
	stage  string
	now    func() time.Time
}

// NewSink binds a sink to the writing pipeline's domain and stage.
func NewSink(q storage.Querier, domain, stage string) *Sink {
	return &Sink{q: q, domain: domain, stage: stage, now: time.Now}
}

// Record appends one anomaly and returns its generated id.
func (s *Sink) Record(ctx context.Context, severity Severity, category, partitionKey, message string, metadata map[string]any) (string, error) {
	var metadataJSON any
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", errors.NewValidation(errors.SubSchema,
				fmt.Sprintf("anomaly metadata is not JSON-serializable: %v", err))
		}
		metadataJSON = string(raw)
	}

	id := uuid.New().String()
	_, err := s.q.Insert(ctx, "core_anomalies", map[string]any{
		"anomaly_id":    id,
		"domain":        s.domain,
		"stage":         s.stage,
		"partition_key": partitionKey,
		"severity":      string(severity),
		"category":      category,
		"message":       message,
		"detected_at":   storage.FormatTime(s.now()),
		"metadata_json": metadataJSON,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Resolve marks an anomaly inactive. Resolving an already-resolved
// anomaly keeps the original resolved_at; an unknown id is ErrNotFound.
func (s *Sink) Resolve(ctx context.Context, anomalyID string) error {
	d := s.q.Dialect()
	n, err := s.q.Execute(ctx,
		fmt.Sprintf("UPDATE core_anomalies SET resolved_at = %s WHERE anomaly_id = %s AND resolved_at IS NULL",
			d.Placeholder(1), d.Placeholder(2)),
		storage.FormatTime(s.now()), anomalyID)
	if err != nil {
		return err
	}
	if n == 0 {
		_, err := s.q.QueryOne(ctx,
			fmt.Sprintf("SELECT anomaly_id FROM core_anomalies WHERE anomaly_id = %s", d.Placeholder(1)),
			anomalyID)
		if errors.Is(err, storage.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrNotFound, anomalyID)
		}
		return err
	}
	return nil
}

// Active returns unresolved anomalies for the exact scope triple,
// newest first.
func (s *Sink) Active(ctx context.Context, partitionKey string) ([]Record, error) {
	d := s.q.Dialect()
	rows, err := s.q.Query(ctx,
		fmt.Sprintf(`SELECT * FROM core_anomalies
 WHERE domain = %s AND stage = %s AND partition_key = %s AND resolved_at IS NULL
 ORDER BY detected_at DESC`,
			d.Placeholder(1), d.Placeholder(2), d.Placeholder(3)),
		s.domain, s.stage, partitionKey)
	if err != nil {
		return nil, err
	}
	return toRecords(rows)
}

// ActiveBlocking returns unresolved ERROR/CRITICAL anomalies for the
// exact scope triple.
func (s *Sink) ActiveBlocking(ctx context.Context, partitionKey string) ([]Record, error) {
	d := s.q.Dialect()
	rows, err := s.q.Query(ctx,
		fmt.Sprintf(`SELECT * FROM core_anomalies
 WHERE domain = %s AND stage = %s AND partition_key = %s
   AND severity IN ('ERROR', 'CRITICAL') AND resolved_at IS NULL
 ORDER BY detected_at DESC`,
			d.Placeholder(1), d.Placeholder(2), d.Placeholder(3)),
		s.domain, s.stage, partitionKey)
	if err != nil {
		return nil, err
	}
	return toRecords(rows)
}

// HasBlocking is the boolean form of the clean-view predicate.
func (s *Sink) HasBlocking(ctx context.Context, partitionKey string) (bool, error) {
	records, err := s.ActiveBlocking(ctx, partitionKey)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// ScopedExclusion renders the NOT EXISTS predicate domain views embed to
// hide partitions with active blocking anomalies. rowPartitionExpr is
// the outer query's partition_key expression (e.g. "r.partition_key");
// the two placeholders starting at firstArg bind (domain, stage).
func ScopedExclusion(d dialect.Dialect, rowPartitionExpr string, firstArg int) string {
	return fmt.Sprintf(`NOT EXISTS (
  SELECT 1 FROM core_anomalies a
  WHERE a.domain = %s AND a.stage = %s
    AND a.partition_key = %s
    AND a.severity IN ('ERROR','CRITICAL')
    AND a.resolved_at IS NULL)`,
		d.Placeholder(firstArg), d.Placeholder(firstArg+1), rowPartitionExpr)
}

func toRecords(rows []storage.Row) ([]Record, error) {
	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := Record{
			AnomalyID:    row.String("anomaly_id"),
			Domain:       row.String("domain"),
			Stage:        row.String("stage"),
			PartitionKey: row.String("partition_key"),
			Severity:     Severity(row.String("severity")),
			Category:     row.String("category"),
			Message:      row.String("message"),
		}
		ts, err := row.Time("detected_at")
		if err != nil {
			return nil, err
		}
		rec.DetectedAt = ts

		if !row.IsNull("resolved_at") && row.String("resolved_at") != "" {
			resolved, err := row.Time("resolved_at")
			if err != nil {
				return nil, err
			}
			rec.ResolvedAt = &resolved
		}
		if raw := row.String("metadata_json"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
				return nil, errors.NewValidation(errors.SubSchema,
					fmt.Sprintf("stored anomaly metadata is not valid JSON: %v", err))
			}
		}
		records = append(records, rec)
	}
	return records, nil
}
