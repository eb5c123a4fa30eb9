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

package otc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/spine-io/spine/internal/capture"
	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/manifest"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
)

// dropFile is the shape of one weekly venue-volume drop.
type dropFile struct {
	WeekStart string       `json:"week_start"`
	Tier      string       `json:"tier"`
	Records   []dropRecord `json:"records"`
}

type dropRecord struct {
	Symbol string  `json:"symbol"`
	Venue  string  `json:"venue"`
	Shares float64 `json:"shares"`
	Trades int64   `json:"trades"`
}

// Ingest parses a weekly drop file and writes its records to
// otc_trades_raw under a fresh capture id. Replaying the same file is
// a skip; replaying a changed file replaces the capture's rows.
type Ingest struct {
	repo   *storage.Repository
	stages *manifest.StageSet
	now    func() time.Time
}

// NewIngest builds the ingest pipeline.
func NewIngest(repo *storage.Repository, stages *manifest.StageSet) *Ingest {
	return &Ingest{repo: repo, stages: stages, now: time.Now}
}

// Spec implements pipeline.Pipeline. week_start and tier are optional
// at submit time: a drop file names its own partition, so no lease is
// taken when they are omitted.
func (p *Ingest) Spec() pipeline.Spec {
	return pipeline.Spec{
		Name:        ingestName,
		Description: "parse a weekly OTC venue-volume drop and write raw rows under a fresh capture id",
		Params: []pipeline.ParamSpec{
			{Name: "path", Required: true},
			{Name: "week_start", Validators: []pipeline.Validator{pipeline.Date(weekLayout)}},
			{Name: "tier", Validators: []pipeline.Validator{pipeline.OneOf(tiers...)}},
			{Name: "force", Default: false},
		},
		Aliases:         map[string]string{"week": "week_start"},
		Domain:          Domain,
		Stage:           StageIngested,
		PartitionParams: []string{"week_start", "tier"},
	}
}

// Run implements pipeline.Pipeline.
func (p *Ingest) Run(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
	path, ok := params["path"].(string)
	if !ok || path == "" {
		return pipeline.Result{}, errors.NewBadParams(ingestName, "path must be a non-empty string")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return pipeline.Result{}, errors.NewSource(errors.SubNotFound,
			fmt.Sprintf("cannot read drop file %s", path), err)
	}

	var drop dropFile
	if err := json.Unmarshal(raw, &drop); err != nil {
		return pipeline.Failed(fmt.Sprintf("drop file %s is not valid JSON: %v", path, err)), nil
	}

	// Explicit params win over what the drop claims about itself.
	weekStart := stringParam(params, "week_start")
	if weekStart == "" {
		weekStart = drop.WeekStart
	}
	tier := stringParam(params, "tier")
	if tier == "" {
		tier = drop.Tier
	}
	if weekStart == "" || tier == "" {
		return pipeline.Failed(fmt.Sprintf("drop file %s does not identify its week_start and tier, and none were given", path)), nil
	}
	if _, err := time.Parse(weekLayout, weekStart); err != nil {
		return pipeline.Failed(fmt.Sprintf("drop week_start %q is not a %s date", weekStart, weekLayout)), nil
	}
	if !slices.Contains(tiers, tier) {
		return pipeline.Failed(fmt.Sprintf("drop tier %q is not one of %v", tier, tiers)), nil
	}

	partition := partitionKey(weekStart, tier)
	stamp := capture.NewStamp(Domain, partition, raw, p.now())

	m := manifest.New(p.repo, Domain, p.stages)
	prev, err := stageCaptureID(ctx, m, partition, StageIngested)
	if err != nil {
		return pipeline.Result{}, err
	}
	if prev == stamp.CaptureID && !boolParam(params, "force") {
		return pipeline.Skipped(fmt.Sprintf("capture %s already ingested", stamp.CaptureID)), nil
	}

	capturedAt := storage.FormatTime(stamp.CapturedAt)
	rows := make([]map[string]any, 0, len(drop.Records))
	for _, rec := range drop.Records {
		rows = append(rows, map[string]any{
			"capture_id":  stamp.CaptureID,
			"week_start":  weekStart,
			"tier":        tier,
			"symbol":      rec.Symbol,
			"venue":       rec.Venue,
			"shares":      rec.Shares,
			"trades":      rec.Trades,
			"captured_at": capturedAt,
		})
	}

	err = p.repo.WithTx(ctx, func(q storage.Querier) error {
		d := q.Dialect()
		if _, err := q.Execute(ctx,
			"DELETE FROM otc_trades_raw WHERE capture_id = "+d.Placeholder(1),
			stamp.CaptureID); err != nil {
			return err
		}
		if len(rows) > 0 {
			if _, err := q.InsertMany(ctx, "otc_trades_raw", rows); err != nil {
				return err
			}
		}
		return manifest.New(q, Domain, p.stages).AdvanceTo(ctx, partition, StageIngested,
			manifest.WithRowCount(int64(len(rows))),
			manifest.WithMetrics(map[string]any{"capture_id": stamp.CaptureID, "source": path}),
			manifest.WithExecutionID(exec.ExecutionID),
			manifest.WithBatchID(exec.BatchID))
	})
	if err != nil {
		return pipeline.Result{}, err
	}

	exec.Log().Info("weekly drop ingested",
		slog.String(log.DomainKey, Domain),
		slog.String(log.PartitionKey, partition),
		slog.String(log.CaptureIDKey, stamp.CaptureID),
		slog.Int("rows", len(rows)))

	return pipeline.Completed(map[string]any{
		"rows":          len(rows),
		"capture_id":    stamp.CaptureID,
		"partition_key": partition,
	}), nil
}
