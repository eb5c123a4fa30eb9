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
	"math"

	"github.com/spine-io/spine/internal/quality"
)

const (
	shareSumTolerance          = 1e-6
	concentrationWarnThreshold = 0.75
)

// Input keys the aggregate pipeline fills for its gate checks.
const (
	inputShareSum         = "share_sum"
	inputMaxShare         = "max_share"
	inputAggregatedTrades = "aggregated_trades"
	inputNormalizedTrades = "normalized_trades"
)

// ShareSumCheck gates on the venue shares summing to one within
// tolerance.
func ShareSumCheck(tolerance float64) quality.Check {
	return quality.Check{
		Name:     "shares_sum_to_one",
		Category: "consistency",
		Fn: func(_ context.Context, input quality.Input) quality.Outcome {
			sum := inputFloat(input, inputShareSum)
			if math.Abs(sum-1) > tolerance {
				return quality.Fail(sum, 1,
					fmt.Sprintf("venue shares sum to %v, want 1 within %v", sum, tolerance))
			}
			return quality.Pass(sum, 1, "")
		},
	}
}

// RecordCountBalanceCheck gates on the aggregated trade total matching
// the control total recomputed from the normalized table.
func RecordCountBalanceCheck() quality.Check {
	return quality.Check{
		Name:     "record_count_balance",
		Category: "completeness",
		Fn: func(_ context.Context, input quality.Input) quality.Outcome {
			got := inputFloat(input, inputAggregatedTrades)
			want := inputFloat(input, inputNormalizedTrades)
			if got != want {
				return quality.Fail(got, want,
					fmt.Sprintf("aggregated %v trades from %v normalized", got, want))
			}
			return quality.Pass(got, want, "")
		},
	}
}

// ConcentrationCheck warns when a single venue holds more than the
// threshold share of volume. It never gates.
func ConcentrationCheck(threshold float64) quality.Check {
	return quality.Check{
		Name:     "venue_concentration",
		Category: "distribution",
		Fn: func(_ context.Context, input quality.Input) quality.Outcome {
			top := inputFloat(input, inputMaxShare)
			if top > threshold {
				return quality.Warn(top, threshold,
					fmt.Sprintf("top venue holds %.2f of volume", top))
			}
			return quality.Pass(top, threshold, "")
		},
	}
}

func inputFloat(input quality.Input, key string) float64 {
	switch v := input[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	default:
		return 0
	}
}
