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
	"math"
	"strings"
	"testing"

	"github.com/spine-io/spine/internal/anomaly"
	"github.com/spine-io/spine/internal/manifest"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/quality"
	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
)

// venueDrop splits share volume 60/40 but trade counts 20/80, so the
// share-weighted versions (v2, v10) and the trade-weighted v1 disagree.
const venueDrop = `{
  "week_start": "2025-12-26",
  "tier": "OTC",
  "records": [
    {"symbol": "AAPL", "venue": "NSDQ", "shares": 60, "trades": 2},
    {"symbol": "MSFT", "venue": "NYSE", "shares": 40, "trades": 8}
  ]
}`

func seedNormalized(t *testing.T, repo *storage.Repository, stages *manifest.StageSet, dropJSON string) string {
	t.Helper()
	partition, _ := mustIngest(t, repo, stages, dropJSON)
	mustNormalize(t, repo, stages, "2025-12-26", "OTC")
	return partition
}

func runAggregate(t *testing.T, repo *storage.Repository, stages *manifest.StageSet, params pipeline.Params) (pipeline.Result, error) {
	t.Helper()
	if params == nil {
		params = pipeline.Params{}
	}
	if _, ok := params["week_start"]; !ok {
		params["week_start"] = "2025-12-26"
	}
	if _, ok := params["tier"]; !ok {
		params["tier"] = "OTC"
	}
	return NewAggregate(repo, testVenueShare(t), stages).Run(context.Background(), params, testExec())
}

func venueShares(t *testing.T, repo *storage.Repository, version string) map[string]float64 {
	t.Helper()
	d := repo.Dialect()
	rows, err := repo.Query(context.Background(),
		"SELECT venue, share FROM otc_venue_share WHERE calc_version = "+d.Placeholder(1)+" ORDER BY venue",
		version)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	shares := make(map[string]float64, len(rows))
	for _, row := range rows {
		shares[row.String("venue")] = row.Float64("share")
	}
	return shares
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAggregateCurrentVersion(t *testing.T) {
	repo := newTestRepo(t)
	stages := testStages(t)
	ctx := context.Background()

	partition := seedNormalized(t, repo, stages, venueDrop)

	res, err := runAggregate(t, repo, stages, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != pipeline.StatusCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Message)
	}
	if res.Metrics["calc_version"] != "v10" {
		t.Errorf("calc_version = %v, want v10", res.Metrics["calc_version"])
	}
	if res.Metrics["venues"] != 2 {
		t.Errorf("venues = %v, want 2", res.Metrics["venues"])
	}

	shares := venueShares(t, repo, "v10")
	if !almostEqual(shares["NSDQ"], 0.6) || !almostEqual(shares["NYSE"], 0.4) {
		t.Errorf("v10 shares = %v, want NSDQ 0.6 / NYSE 0.4", shares)
	}

	// Provenance columns carry the input capture range.
	row, err := repo.QueryOne(ctx,
		"SELECT capture_id, input_min_capture_id, input_max_capture_id FROM otc_venue_share WHERE venue = "+
			repo.Dialect().Placeholder(1), "NSDQ")
	if err != nil {
		t.Fatalf("QueryOne() error = %v", err)
	}
	if row.String("capture_id") != res.Metrics["capture_id"] {
		t.Errorf("stored capture = %q, want %v", row.String("capture_id"), res.Metrics["capture_id"])
	}
	if row.String("input_min_capture_id") == "" || row.String("input_max_capture_id") == "" {
		t.Error("provenance columns should be populated")
	}

	aggregated, err := manifest.New(repo, Domain, stages).IsAtLeast(ctx, partition, StageAggregated)
	if err != nil {
		t.Fatalf("IsAtLeast() error = %v", err)
	}
	if !aggregated {
		t.Error("partition should be at AGGREGATED")
	}

	// The gate verdicts landed with the write.
	stored, err := quality.NewStore(repo, Domain).List(ctx, partition)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored verdicts = %d, want 3", len(stored))
	}
	for _, verdict := range stored {
		if verdict.Failed() {
			t.Errorf("check %s failed: %s", verdict.CheckName, verdict.Message)
		}
	}
}

func TestAggregateVersionRules(t *testing.T) {
	repo := newTestRepo(t)
	stages := testStages(t)

	seedNormalized(t, repo, stages, venueDrop)

	// v2 weights by shares.
	res, err := runAggregate(t, repo, stages, pipeline.Params{"version": "v2"})
	if err != nil {
		t.Fatalf("v2 Run() error = %v", err)
	}
	if res.Status != pipeline.StatusCompleted {
		t.Fatalf("v2 status = %s (%s)", res.Status, res.Message)
	}
	shares := venueShares(t, repo, "v2")
	if !almostEqual(shares["NSDQ"], 0.6) || !almostEqual(shares["NYSE"], 0.4) {
		t.Errorf("v2 shares = %v, want NSDQ 0.6 / NYSE 0.4", shares)
	}

	// v1 weights by trades and is deprecated, so the write must be
	// explicitly allowed.
	if _, err := runAggregate(t, repo, stages, pipeline.Params{"version": "v1"}); err == nil {
		t.Fatal("v1 without allow_deprecated should be refused")
	} else {
		var classified *errors.Error
		if !errors.As(err, &classified) || classified.Kind != errors.KindValidation {
			t.Errorf("v1 refusal = %v, want validation kind", err)
		}
	}

	res, err = runAggregate(t, repo, stages, pipeline.Params{"version": "v1", "allow_deprecated": true})
	if err != nil {
		t.Fatalf("v1 Run() error = %v", err)
	}
	if res.Status != pipeline.StatusCompleted {
		t.Fatalf("v1 status = %s (%s)", res.Status, res.Message)
	}
	shares = venueShares(t, repo, "v1")
	if !almostEqual(shares["NSDQ"], 0.2) || !almostEqual(shares["NYSE"], 0.8) {
		t.Errorf("v1 shares = %v, want NSDQ 0.2 / NYSE 0.8", shares)
	}

	if _, err := runAggregate(t, repo, stages, pipeline.Params{"version": "v7"}); err == nil {
		t.Fatal("unknown version should be refused")
	}
}

func TestAggregateReplaceByCapture(t *testing.T) {
	repo := newTestRepo(t)
	stages := testStages(t)
	ctx := context.Background()

	seedNormalized(t, repo, stages, venueDrop)

	first, err := runAggregate(t, repo, stages, nil)
	if err != nil {
		t.Fatalf("first run error = %v", err)
	}
	if first.Status != pipeline.StatusCompleted {
		t.Fatalf("first run status = %s (%s)", first.Status, first.Message)
	}

	// Same input capture, same version: the rerun is a skip that names
	// the capture already on the manifest.
	res, err := runAggregate(t, repo, stages, nil)
	if err != nil {
		t.Fatalf("rerun error = %v", err)
	}
	if res.Status != pipeline.StatusSkipped {
		t.Fatalf("rerun status = %s (%s), want SKIPPED", res.Status, res.Message)
	}
	capture := first.Metrics["capture_id"].(string)
	if !strings.Contains(res.Message, capture) {
		t.Errorf("skip message %q does not name capture %s", res.Message, capture)
	}

	// force=true recomputes, replacing the first run's rows instead of
	// stacking duplicates.
	res, err = runAggregate(t, repo, stages, pipeline.Params{"force": true})
	if err != nil {
		t.Fatalf("forced run error = %v", err)
	}
	if res.Status != pipeline.StatusCompleted {
		t.Fatalf("forced run status = %s (%s), want COMPLETED", res.Status, res.Message)
	}
	row, err := repo.QueryOne(ctx, "SELECT COUNT(*) AS n FROM otc_venue_share")
	if err != nil {
		t.Fatalf("QueryOne() error = %v", err)
	}
	if row.Int64("n") != 2 {
		t.Errorf("venue share rows = %d, want 2", row.Int64("n"))
	}
}

func TestAggregateGates(t *testing.T) {
	repo := newTestRepo(t)
	stages := testStages(t)
	ctx := context.Background()

	t.Run("not normalized", func(t *testing.T) {
		res, err := runAggregate(t, repo, stages, nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Status != pipeline.StatusFailed {
			t.Errorf("status = %s, want FAILED", res.Status)
		}
	})

	partition := seedNormalized(t, repo, stages, venueDrop)

	t.Run("blocking upstream anomaly", func(t *testing.T) {
		sink := anomaly.NewSink(repo, Domain, StageNormalized)
		id, err := sink.Record(ctx, anomaly.SeverityError, anomaly.CategoryDataQuality,
			partition, "suspect capture", nil)
		if err != nil {
			t.Fatalf("Record() error = %v", err)
		}

		res, err := runAggregate(t, repo, stages, nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Status != pipeline.StatusFailed {
			t.Errorf("status = %s, want FAILED", res.Status)
		}

		// Resolving the anomaly unblocks the partition.
		if err := sink.Resolve(ctx, id); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		res, err = runAggregate(t, repo, stages, nil)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if res.Status != pipeline.StatusCompleted {
			t.Errorf("status after resolve = %s (%s)", res.Status, res.Message)
		}
	})
}

func TestAggregateSkipsEmptyPartition(t *testing.T) {
	repo := newTestRepo(t)
	stages := testStages(t)

	empty := `{"week_start": "2025-12-26", "tier": "OTC", "records": []}`
	seedNormalized(t, repo, stages, empty)

	res, err := runAggregate(t, repo, stages, nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Status != pipeline.StatusSkipped {
		t.Errorf("status = %s (%s), want SKIPPED", res.Status, res.Message)
	}
}
