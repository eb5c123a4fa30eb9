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
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/spine-io/spine/internal/anomaly"
	"github.com/spine-io/spine/internal/calc"
	"github.com/spine-io/spine/internal/capture"
	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/manifest"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/quality"
	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
)

// shareScale rounds v10 shares to nine decimals. The residual after
// rounding stays well inside the shares_sum_to_one tolerance.
const shareScale = 1e9

// Aggregate computes per-venue share of weekly volume from the
// normalized rows, gates the output on the domain's quality checks,
// and replaces the capture's rows in otc_venue_share.
type Aggregate struct {
	repo   *storage.Repository
	calc   *calc.Calculation
	stages *manifest.StageSet
	now    func() time.Time
}

// NewAggregate builds the aggregate pipeline over the venue_share
// catalog entry.
func NewAggregate(repo *storage.Repository, venueShare *calc.Calculation, stages *manifest.StageSet) *Aggregate {
	return &Aggregate{repo: repo, calc: venueShare, stages: stages, now: time.Now}
}

// Spec implements pipeline.Pipeline.
func (p *Aggregate) Spec() pipeline.Spec {
	return pipeline.Spec{
		Name:        aggregateName,
		Description: "aggregate normalized OTC trades into per-venue shares under the venue_share calculation",
		Params: []pipeline.ParamSpec{
			{Name: "week_start", Required: true, Validators: []pipeline.Validator{pipeline.Date(weekLayout)}},
			{Name: "tier", Required: true, Validators: []pipeline.Validator{pipeline.OneOf(tiers...)}},
			{Name: "version"},
			{Name: "allow_deprecated", Default: false},
			{Name: "force", Default: false},
		},
		Aliases:         map[string]string{"week": "week_start"},
		Domain:          Domain,
		Stage:           StageAggregated,
		PartitionParams: []string{"week_start", "tier"},
	}
}

// venueTotal is one venue's summed volume for the partition.
type venueTotal struct {
	Venue  string
	Shares float64
	Trades int64
}

// Run implements pipeline.Pipeline.
func (p *Aggregate) Run(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
	weekStart := stringParam(params, "week_start")
	tier := stringParam(params, "tier")
	partition := partitionKey(weekStart, tier)

	m := manifest.New(p.repo, Domain, p.stages)
	normalized, err := m.IsAtLeast(ctx, partition, StageNormalized)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !normalized {
		return pipeline.Failed(fmt.Sprintf("partition %s has not been normalized", partition)), nil
	}

	blocking, err := anomaly.NewSink(p.repo, Domain, StageNormalized).HasBlocking(ctx, partition)
	if err != nil {
		return pipeline.Result{}, err
	}
	if blocking {
		return pipeline.Failed(fmt.Sprintf("upstream blocking anomalies are unresolved for %s", partition)), nil
	}

	// Catalog gating happens before any compute so a refused version
	// costs nothing.
	allowDeprecated := boolParam(params, "allow_deprecated")
	version, warning, err := p.calc.ValidateWrite(stringParam(params, "version"), allowDeprecated)
	if err != nil {
		return pipeline.Result{}, err
	}
	if warning != "" {
		exec.Log().Warn(warning, slog.String("calculation", p.calc.Name()))
	}

	d := p.repo.Dialect()
	totalRows, err := p.repo.Query(ctx,
		"SELECT venue, SUM(shares) AS shares, SUM(trades) AS trades FROM otc_trades_normalized"+
			" WHERE week_start = "+d.Placeholder(1)+" AND tier = "+d.Placeholder(2)+
			" GROUP BY venue ORDER BY venue",
		weekStart, tier)
	if err != nil {
		return pipeline.Result{}, err
	}
	if len(totalRows) == 0 {
		return pipeline.Skipped(fmt.Sprintf("no normalized trades for %s", partition)), nil
	}

	totals := make([]venueTotal, 0, len(totalRows))
	for _, row := range totalRows {
		totals = append(totals, venueTotal{
			Venue:  row.String("venue"),
			Shares: row.Float64("shares"),
			Trades: row.Int64("trades"),
		})
	}

	prov, err := p.provenance(ctx, weekStart, tier, partition)
	if err != nil {
		return pipeline.Result{}, err
	}

	// Same input captures, same version: the stored shares are already
	// the answer. Writing a different version (or force=true) proceeds.
	if !boolParam(params, "force") {
		metrics, err := stageMetrics(ctx, m, partition, StageAggregated)
		if err != nil {
			return pipeline.Result{}, err
		}
		doneCapture, _ := metrics["capture_id"].(string)
		doneVersion, _ := metrics["calc_version"].(string)
		if doneCapture == prov.CaptureID && doneVersion == version {
			return pipeline.Skipped(fmt.Sprintf("capture %s already aggregated under %s",
				prov.CaptureID, version)), nil
		}
	}

	shares, err := computeShares(version, totals)
	if err != nil {
		return pipeline.Result{}, err
	}

	var shareSum, maxShare float64
	var aggregatedTrades int64
	outRows := make([]map[string]any, 0, len(totals))
	for i, t := range totals {
		shareSum += shares[i]
		if shares[i] > maxShare {
			maxShare = shares[i]
		}
		aggregatedTrades += t.Trades
		outRows = append(outRows, map[string]any{
			"week_start":           weekStart,
			"tier":                 tier,
			"venue":                t.Venue,
			"share":                shares[i],
			"shares":               t.Shares,
			"trades":               t.Trades,
			"input_min_capture_id": prov.InputMinCaptureID,
			"input_max_capture_id": prov.InputMaxCaptureID,
		})
	}

	// Control total recomputed straight from the source table, so a
	// compute bug that drops a venue shows up as an imbalance.
	controlRow, err := p.repo.QueryOne(ctx,
		"SELECT COALESCE(SUM(trades), 0) AS trades FROM otc_trades_normalized"+
			" WHERE week_start = "+d.Placeholder(1)+" AND tier = "+d.Placeholder(2),
		weekStart, tier)
	if err != nil {
		return pipeline.Result{}, err
	}

	runner := quality.NewRunner(exec.Log(),
		ShareSumCheck(shareSumTolerance),
		RecordCountBalanceCheck(),
		ConcentrationCheck(concentrationWarnThreshold))
	results := runner.RunAll(ctx, partition, quality.Input{
		inputShareSum:         shareSum,
		inputMaxShare:         maxShare,
		inputAggregatedTrades: float64(aggregatedTrades),
		inputNormalizedTrades: float64(controlRow.Int64("trades")),
	})

	if runner.HasFailures() {
		// Verdicts and the anomaly persist even though nothing is
		// written: the partition is investigable, not advanced.
		if err := quality.NewStore(p.repo, Domain).Save(ctx, partition, exec.ExecutionID, results); err != nil {
			return pipeline.Result{}, err
		}
		failed := runner.Failures()
		names := make([]string, 0, len(failed))
		for _, f := range failed {
			names = append(names, f.CheckName)
		}
		message := "quality gate failed: " + strings.Join(names, ", ")
		if _, err := anomaly.NewSink(p.repo, Domain, StageAggregated).Record(ctx,
			anomaly.SeverityError, anomaly.CategoryQualityGate, partition, message,
			map[string]any{"capture_id": prov.CaptureID, "calc_version": version}); err != nil {
			return pipeline.Result{}, err
		}
		if _, err := anomaly.NewReadiness(p.repo, Domain).Evaluate(ctx, StageAggregated, partition); err != nil {
			return pipeline.Result{}, err
		}
		return pipeline.Failed(message), nil
	}

	var inserted int64
	err = p.repo.WithTx(ctx, func(q storage.Querier) error {
		_, n, err := calc.NewWriter(p.calc, exec.Log()).Replace(ctx, q, calc.WriteRequest{
			Version:         version,
			CaptureID:       prov.CaptureID,
			Rows:            outRows,
			AllowDeprecated: allowDeprecated,
		})
		if err != nil {
			return err
		}
		inserted = n
		if err := quality.NewStore(q, Domain).Save(ctx, partition, exec.ExecutionID, results); err != nil {
			return err
		}
		if err := manifest.New(q, Domain, p.stages).AdvanceTo(ctx, partition, StageAggregated,
			manifest.WithRowCount(inserted),
			manifest.WithMetrics(map[string]any{"capture_id": prov.CaptureID, "calc_version": version}),
			manifest.WithExecutionID(exec.ExecutionID),
			manifest.WithBatchID(exec.BatchID)); err != nil {
			return err
		}
		// The readiness verdict commits with the data it gates.
		_, err = anomaly.NewReadiness(q, Domain).Evaluate(ctx, StageAggregated, partition)
		return err
	})
	if err != nil {
		return pipeline.Result{}, err
	}

	exec.Log().Info("venue shares aggregated",
		slog.String(log.DomainKey, Domain),
		slog.String(log.PartitionKey, partition),
		slog.String(log.CaptureIDKey, prov.CaptureID),
		slog.String("calc_version", version),
		slog.Int("venues", len(outRows)))

	return pipeline.Completed(map[string]any{
		"venues":       len(outRows),
		"calc_version": version,
		"capture_id":   prov.CaptureID,
		"share_sum":    shareSum,
	}), nil
}

// provenance derives the output capture identity from the distinct
// input captures feeding the partition.
func (p *Aggregate) provenance(ctx context.Context, weekStart, tier, partition string) (capture.Provenance, error) {
	d := p.repo.Dialect()
	rows, err := p.repo.Query(ctx,
		"SELECT capture_id, MIN(captured_at) AS captured_at FROM otc_trades_normalized"+
			" WHERE week_start = "+d.Placeholder(1)+" AND tier = "+d.Placeholder(2)+
			" GROUP BY capture_id",
		weekStart, tier)
	if err != nil {
		return capture.Provenance{}, err
	}

	inputs := make([]capture.Input, 0, len(rows))
	for _, row := range rows {
		capturedAt, err := row.Time("captured_at")
		if err != nil {
			return capture.Provenance{}, err
		}
		inputs = append(inputs, capture.Input{
			CaptureID:  row.String("capture_id"),
			CapturedAt: capturedAt,
		})
	}
	return capture.NewAggregate(Domain, partition, inputs)
}

// computeShares applies the version's share rule to the venue totals,
// in the same order. Zero denominators leave every share at zero and
// let the gate fail rather than divide.
func computeShares(version string, totals []venueTotal) ([]float64, error) {
	var shareSum, tradeSum float64
	for _, t := range totals {
		shareSum += t.Shares
		tradeSum += float64(t.Trades)
	}

	out := make([]float64, len(totals))
	switch version {
	case "v1":
		for i, t := range totals {
			if tradeSum > 0 {
				out[i] = float64(t.Trades) / tradeSum
			}
		}
	case "v2":
		for i, t := range totals {
			if shareSum > 0 {
				out[i] = t.Shares / shareSum
			}
		}
	case "v10":
		for i, t := range totals {
			if shareSum > 0 {
				out[i] = roundShare(t.Shares / shareSum)
			}
		}
	default:
		return nil, errors.NewConfig(errors.SubInvalid, "version",
			fmt.Sprintf("calculation %s has no compute rule for version %s", CalcVenueShare, version))
	}
	return out, nil
}

func roundShare(v float64) float64 {
	return math.Round(v*shareScale) / shareScale
}
