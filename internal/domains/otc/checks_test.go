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
	"testing"

	"github.com/spine-io/spine/internal/quality"
)

func TestShareSumCheck(t *testing.T) {
	check := ShareSumCheck(shareSumTolerance)
	ctx := context.Background()

	tests := []struct {
		name string
		sum  float64
		want quality.Status
	}{
		{"exact", 1.0, quality.StatusPass},
		{"inside tolerance", 1 + 1e-7, quality.StatusPass},
		{"rounding residue", 0.999999999, quality.StatusPass},
		{"drift", 1.02, quality.StatusFail},
		{"zero denominators", 0, quality.StatusFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome := check.Fn(ctx, quality.Input{inputShareSum: tt.sum})
			if outcome.Status != tt.want {
				t.Errorf("Status = %s, want %s (sum %v)", outcome.Status, tt.want, tt.sum)
			}
			if outcome.Actual != tt.sum {
				t.Errorf("Actual = %v, want %v", outcome.Actual, tt.sum)
			}
		})
	}
}

func TestRecordCountBalanceCheck(t *testing.T) {
	check := RecordCountBalanceCheck()
	ctx := context.Background()

	outcome := check.Fn(ctx, quality.Input{
		inputAggregatedTrades: float64(17),
		inputNormalizedTrades: float64(17),
	})
	if outcome.Status != quality.StatusPass {
		t.Errorf("balanced totals graded %s", outcome.Status)
	}

	outcome = check.Fn(ctx, quality.Input{
		inputAggregatedTrades: float64(16),
		inputNormalizedTrades: float64(17),
	})
	if outcome.Status != quality.StatusFail {
		t.Errorf("imbalanced totals graded %s", outcome.Status)
	}
	if outcome.Actual != 16 || outcome.Expected != 17 {
		t.Errorf("actual/expected = %v/%v, want 16/17", outcome.Actual, outcome.Expected)
	}
}

func TestConcentrationCheckWarnsOnly(t *testing.T) {
	check := ConcentrationCheck(concentrationWarnThreshold)
	ctx := context.Background()

	outcome := check.Fn(ctx, quality.Input{inputMaxShare: 0.5})
	if outcome.Status != quality.StatusPass {
		t.Errorf("half the market graded %s", outcome.Status)
	}

	outcome = check.Fn(ctx, quality.Input{inputMaxShare: 0.9})
	if outcome.Status != quality.StatusWarn {
		t.Fatalf("dominant venue graded %s, want WARN", outcome.Status)
	}

	// WARN never gates.
	result := quality.Result{Status: outcome.Status}
	if result.Failed() {
		t.Error("concentration warning must not gate the partition")
	}
}

func TestComputeShares(t *testing.T) {
	totals := []venueTotal{
		{Venue: "NSDQ", Shares: 60, Trades: 2},
		{Venue: "NYSE", Shares: 40, Trades: 8},
	}

	v1, err := computeShares("v1", totals)
	if err != nil {
		t.Fatalf("v1 error = %v", err)
	}
	if !almostEqual(v1[0], 0.2) || !almostEqual(v1[1], 0.8) {
		t.Errorf("v1 = %v, want [0.2 0.8]", v1)
	}

	v2, err := computeShares("v2", totals)
	if err != nil {
		t.Fatalf("v2 error = %v", err)
	}
	if !almostEqual(v2[0], 0.6) || !almostEqual(v2[1], 0.4) {
		t.Errorf("v2 = %v, want [0.6 0.4]", v2)
	}

	if _, err := computeShares("v99", totals); err == nil {
		t.Error("unknown version should error")
	}
}

func TestComputeSharesV10RoundingSurvivesGate(t *testing.T) {
	// Three equal venues: each third rounds to nine decimals, and the
	// residue must stay inside the gate tolerance.
	totals := []venueTotal{
		{Venue: "A", Shares: 1, Trades: 1},
		{Venue: "B", Shares: 1, Trades: 1},
		{Venue: "C", Shares: 1, Trades: 1},
	}
	shares, err := computeShares("v10", totals)
	if err != nil {
		t.Fatalf("v10 error = %v", err)
	}

	var sum float64
	for _, s := range shares {
		if got := math.Round(s*shareScale) / shareScale; got != s {
			t.Errorf("share %v not rounded to scale", s)
		}
		sum += s
	}
	if math.Abs(sum-1) > shareSumTolerance {
		t.Errorf("rounded shares sum to %v, outside tolerance %v", sum, shareSumTolerance)
	}

	outcome := ShareSumCheck(shareSumTolerance).Fn(context.Background(), quality.Input{inputShareSum: sum})
	if outcome.Status != quality.StatusPass {
		t.Errorf("gate graded rounded sum %v as %s", sum, outcome.Status)
	}
}

func TestComputeSharesZeroDenominator(t *testing.T) {
	totals := []venueTotal{{Venue: "NSDQ", Shares: 0, Trades: 0}}

	for _, version := range []string{"v1", "v2", "v10"} {
		shares, err := computeShares(version, totals)
		if err != nil {
			t.Fatalf("%s error = %v", version, err)
		}
		if shares[0] != 0 {
			t.Errorf("%s share = %v, want 0", version, shares[0])
		}
	}
}
