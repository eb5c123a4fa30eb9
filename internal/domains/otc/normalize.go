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
	"strings"
	"time"

	"github.com/spine-io/spine/internal/anomaly"
	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/manifest"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/reject"
	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
	"github.com/spine-io/spine/pkg/result"
)

// Reject reason codes emitted at the NORMALIZED stage.
const (
	reasonMissingSymbol     = "MISSING_SYMBOL"
	reasonMissingVenue      = "MISSING_VENUE"
	reasonNonPositiveShares = "NONPOSITIVE_SHARES"
	reasonNonPositiveTrades = "NONPOSITIVE_TRADES"
)

// maxRejectRate is the share of a capture that may be quarantined
// before the whole batch is refused instead.
const maxRejectRate = 0.5

// Normalize validates the raw rows of the latest ingested capture,
// quarantines the bad ones, folds duplicate (symbol, venue) pairs, and
// replaces the partition's normalized rows.
type Normalize struct {
	repo   *storage.Repository
	stages *manifest.StageSet
	now    func() time.Time
}

// NewNormalize builds the normalize pipeline.
func NewNormalize(repo *storage.Repository, stages *manifest.StageSet) *Normalize {
	return &Normalize{repo: repo, stages: stages, now: time.Now}
}

// Spec implements pipeline.Pipeline.
func (p *Normalize) Spec() pipeline.Spec {
	return pipeline.Spec{
		Name:        normalizeName,
		Description: "validate raw OTC records, quarantine rejects, and fold duplicates into normalized rows",
		Params: []pipeline.ParamSpec{
			{Name: "week_start", Required: true, Validators: []pipeline.Validator{pipeline.Date(weekLayout)}},
			{Name: "tier", Required: true, Validators: []pipeline.Validator{pipeline.OneOf(tiers...)}},
			{Name: "force", Default: false},
		},
		Aliases:         map[string]string{"week": "week_start"},
		Domain:          Domain,
		Stage:           StageNormalized,
		PartitionParams: []string{"week_start", "tier"},
	}
}

// normalRecord is one validated, folded output row.
type normalRecord struct {
	Symbol     string
	Venue      string
	Shares     float64
	Trades     int64
	CapturedAt time.Time
}

// Run implements pipeline.Pipeline.
func (p *Normalize) Run(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
	weekStart := stringParam(params, "week_start")
	tier := stringParam(params, "tier")
	partition := partitionKey(weekStart, tier)

	m := manifest.New(p.repo, Domain, p.stages)
	ingested, err := m.IsAtLeast(ctx, partition, StageIngested)
	if err != nil {
		return pipeline.Result{}, err
	}
	if !ingested {
		return pipeline.Failed(fmt.Sprintf("partition %s has not been ingested", partition)), nil
	}

	captureID, err := stageCaptureID(ctx, m, partition, StageIngested)
	if err != nil {
		return pipeline.Result{}, err
	}
	if captureID == "" {
		return pipeline.Result{}, errors.NewValidation(errors.SubSchema,
			fmt.Sprintf("partition %s reached %s without a recorded capture id", partition, StageIngested))
	}

	// Already normalized from this exact capture: nothing upstream has
	// changed, so the stored rows are current. A new capture (or
	// force=true) reruns the stage.
	if !boolParam(params, "force") {
		done, err := stageCaptureID(ctx, m, partition, StageNormalized)
		if err != nil {
			return pipeline.Result{}, err
		}
		if done == captureID {
			return pipeline.Skipped(fmt.Sprintf("capture %s already normalized", captureID)), nil
		}
	}

	d := p.repo.Dialect()
	raw, err := p.repo.Query(ctx,
		"SELECT symbol, venue, shares, trades, captured_at FROM otc_trades_raw WHERE capture_id = "+
			d.Placeholder(1)+" ORDER BY id",
		captureID)
	if err != nil {
		return pipeline.Result{}, err
	}

	clean, rejects, err := foldRecords(raw)
	if err != nil {
		return pipeline.Result{}, err
	}

	// A capture where most records fail validation is a bad drop, not a
	// partition with a few stragglers: quarantine what we graded, raise
	// a blocking anomaly, and leave the manifest where it was.
	if total := len(raw); total > 0 && float64(len(rejects))/float64(total) > maxRejectRate {
		sink := reject.NewSink(p.repo, Domain, StageNormalized)
		if _, err := sink.RecordBatch(ctx, partition, rejects,
			reject.WithExecutionID(exec.ExecutionID), reject.WithBatchID(exec.BatchID)); err != nil {
			return pipeline.Result{}, err
		}
		anomalies := anomaly.NewSink(p.repo, Domain, StageNormalized)
		if _, err := anomalies.Record(ctx, anomaly.SeverityError, anomaly.CategoryDataQuality, partition,
			fmt.Sprintf("%d of %d records rejected", len(rejects), total),
			map[string]any{"capture_id": captureID}); err != nil {
			return pipeline.Result{}, err
		}
		if _, err := anomaly.NewReadiness(p.repo, Domain).Evaluate(ctx, StageNormalized, partition); err != nil {
			return pipeline.Result{}, err
		}
		return pipeline.Failed(fmt.Sprintf("refusing capture %s: %d of %d records failed validation",
			captureID, len(rejects), total)), nil
	}

	normalizedAt := storage.FormatTime(p.now())
	out := make([]map[string]any, 0, len(clean))
	for _, rec := range clean {
		out = append(out, map[string]any{
			"capture_id":    captureID,
			"week_start":    weekStart,
			"tier":          tier,
			"symbol":        rec.Symbol,
			"venue":         rec.Venue,
			"shares":        rec.Shares,
			"trades":        rec.Trades,
			"captured_at":   storage.FormatTime(rec.CapturedAt),
			"normalized_at": normalizedAt,
		})
	}

	err = p.repo.WithTx(ctx, func(q storage.Querier) error {
		if _, err := reject.NewSink(q, Domain, StageNormalized).RecordBatch(ctx, partition, rejects,
			reject.WithExecutionID(exec.ExecutionID), reject.WithBatchID(exec.BatchID)); err != nil {
			return err
		}
		// Replace the whole partition, not just the capture: normalized
		// rows always reflect the latest ingested capture, so a
		// re-captured partition never double-counts.
		d := q.Dialect()
		if _, err := q.Execute(ctx,
			"DELETE FROM otc_trades_normalized WHERE week_start = "+d.Placeholder(1)+
				" AND tier = "+d.Placeholder(2),
			weekStart, tier); err != nil {
			return err
		}
		if len(out) > 0 {
			if _, err := q.InsertMany(ctx, "otc_trades_normalized", out); err != nil {
				return err
			}
		}
		if err := manifest.New(q, Domain, p.stages).AdvanceTo(ctx, partition, StageNormalized,
			manifest.WithRowCount(int64(len(out))),
			manifest.WithMetrics(map[string]any{"capture_id": captureID, "rejected": len(rejects)}),
			manifest.WithExecutionID(exec.ExecutionID),
			manifest.WithBatchID(exec.BatchID)); err != nil {
			return err
		}
		_, err := anomaly.NewReadiness(q, Domain).Evaluate(ctx, StageNormalized, partition)
		return err
	})
	if err != nil {
		return pipeline.Result{}, err
	}

	exec.Log().Info("capture normalized",
		slog.String(log.DomainKey, Domain),
		slog.String(log.PartitionKey, partition),
		slog.String(log.CaptureIDKey, captureID),
		slog.Int("rows", len(out)),
		slog.Int("rejected", len(rejects)))

	return pipeline.Completed(map[string]any{
		"rows":       len(out),
		"rejected":   len(rejects),
		"capture_id": captureID,
	}), nil
}

// rejectError carries the quarantine verdict for one graded record.
// Any other error coming out of grading is a storage fault, not a
// record-level failure.
type rejectError struct {
	rej reject.Reject
}

func (e rejectError) Error() string {
	return e.rej.ReasonCode + ": " + e.rej.ReasonDetail
}

// gradeRecord validates one raw row, yielding either the normalized
// record or the reject verdict.
func gradeRecord(row storage.Row) result.Result[normalRecord] {
	symbol := strings.ToUpper(strings.TrimSpace(row.String("symbol")))
	venue := strings.ToUpper(strings.TrimSpace(row.String("venue")))
	shares := row.Float64("shares")
	trades := row.Int64("trades")

	var code, detail string
	switch {
	case symbol == "":
		code, detail = reasonMissingSymbol, "record has no symbol"
	case venue == "":
		code, detail = reasonMissingVenue, "record has no venue"
	case shares <= 0:
		code, detail = reasonNonPositiveShares, fmt.Sprintf("shares must be positive, got %v", shares)
	case trades <= 0:
		code, detail = reasonNonPositiveTrades, fmt.Sprintf("trades must be positive, got %v", trades)
	}
	if code != "" {
		return result.Err[normalRecord](rejectError{rej: reject.Reject{
			ReasonCode:   code,
			ReasonDetail: detail,
			RawData: map[string]any{
				"symbol": row.String("symbol"),
				"venue":  row.String("venue"),
				"shares": shares,
				"trades": trades,
			},
		}})
	}

	capturedAt, err := row.Time("captured_at")
	if err != nil {
		return result.Err[normalRecord](err)
	}
	return result.Ok(normalRecord{
		Symbol:     symbol,
		Venue:      venue,
		Shares:     shares,
		Trades:     trades,
		CapturedAt: capturedAt,
	})
}

// foldRecords grades each raw row and folds the valid ones by
// (symbol, venue) in first-appearance order, summing shares and trades.
func foldRecords(rows []storage.Row) ([]normalRecord, []reject.Reject, error) {
	graded := make([]result.Result[normalRecord], 0, len(rows))
	for _, row := range rows {
		graded = append(graded, gradeRecord(row))
	}
	records, errs := result.Partition(graded)

	var rejects []reject.Reject
	for _, err := range errs {
		var re rejectError
		if !errors.As(err, &re) {
			return nil, nil, err
		}
		rejects = append(rejects, re.rej)
	}

	type foldKey struct{ symbol, venue string }
	index := make(map[foldKey]int)
	var clean []normalRecord
	for _, rec := range records {
		key := foldKey{symbol: rec.Symbol, venue: rec.Venue}
		if i, seen := index[key]; seen {
			clean[i].Shares += rec.Shares
			clean[i].Trades += rec.Trades
			continue
		}
		index[key] = len(clean)
		clean = append(clean, rec)
	}
	return clean, rejects, nil
}
