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

// Package quality evaluates named checks against pipeline output and
// records graded results. The runner itself never fails: a panicking
// check body becomes an ERROR result, and the caller decides whether
// failures gate the partition.
package quality

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spine-io/spine/internal/log"
)

// Status grades one check. ERROR is reserved for checks whose body
// panicked; check functions themselves return the other three.
type Status string

const (
	StatusPass  Status = "PASS"
	StatusWarn  Status = "WARN"
	StatusFail  Status = "FAIL"
	StatusError Status = "ERROR"
)

// Input is the evaluation context a pipeline hands to its checks:
// counts, sums, and whatever else the checks need.
type Input map[string]any

// Outcome is what a check function reports: a grade plus the measured
// and expected values behind it.
type Outcome struct {
	Status   Status
	Actual   float64
	Expected float64
	Message  string
}

// Pass grades a satisfied check.
func Pass(actual, expected float64, message string) Outcome {
	return Outcome{Status: StatusPass, Actual: actual, Expected: expected, Message: message}
}

// Warn grades a tolerable deviation.
func Warn(actual, expected float64, message string) Outcome {
	return Outcome{Status: StatusWarn, Actual: actual, Expected: expected, Message: message}
}

// Fail grades a violated check.
func Fail(actual, expected float64, message string) Outcome {
	return Outcome{Status: StatusFail, Actual: actual, Expected: expected, Message: message}
}

// CheckFunc evaluates one quality dimension.
type CheckFunc func(ctx context.Context, input Input) Outcome

// Check pairs a stable name and category with its evaluation function.
type Check struct {
	Name     string
	Category string
	Fn       CheckFunc
}

// Result is one graded check, ready to persist.
type Result struct {
	CheckName string
	Category  string
	Status    Status
	Message   string
	Actual    float64
	Expected  float64
}

// Failed reports whether the result gates the partition: FAIL and
// ERROR do, WARN does not.
func (r Result) Failed() bool {
	return r.Status == StatusFail || r.Status == StatusError
}

// Runner executes a set of checks. Results accumulate from the most
// recent RunAll only.
type Runner struct {
	checks  []Check
	results []Result
	logger  *slog.Logger
}

// NewRunner builds a runner over the given checks.
func NewRunner(logger *slog.Logger, checks ...Check) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		checks: checks,
		logger: log.WithComponent(logger, "quality"),
	}
}

// Add appends a check to the set.
func (r *Runner) Add(check Check) {
	r.checks = append(r.checks, check)
}

// RunAll evaluates every check against the input, in registration
// order. A panicking check is caught and recorded as an ERROR result;
// RunAll itself never panics.
func (r *Runner) RunAll(ctx context.Context, partitionKey string, input Input) []Result {
	r.results = make([]Result, 0, len(r.checks))
	for _, check := range r.checks {
		result := r.runOne(ctx, check, input)
		r.results = append(r.results, result)

		r.logger.Debug("quality check evaluated",
			slog.String(log.PartitionKey, partitionKey),
			slog.String("check", result.CheckName),
			slog.String("status", string(result.Status)),
			slog.Float64("actual", result.Actual),
			slog.Float64("expected", result.Expected))
	}
	return r.results
}

func (r *Runner) runOne(ctx context.Context, check Check, input Input) (result Result) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("quality check panicked",
				slog.String("check", check.Name),
				slog.Any("panic", p))
			result = Result{
				CheckName: check.Name,
				Category:  check.Category,
				Status:    StatusError,
				Message:   fmt.Sprintf("check panicked: %v", p),
			}
		}
	}()

	outcome := check.Fn(ctx, input)
	return Result{
		CheckName: check.Name,
		Category:  check.Category,
		Status:    outcome.Status,
		Message:   outcome.Message,
		Actual:    outcome.Actual,
		Expected:  outcome.Expected,
	}
}

// Results returns the grades from the most recent RunAll.
func (r *Runner) Results() []Result {
	return r.results
}

// HasFailures reports whether any result from the most recent RunAll
// gates the partition.
func (r *Runner) HasFailures() bool {
	for _, result := range r.results {
		if result.Failed() {
			return true
		}
	}
	return false
}

// Failures returns the gating results from the most recent RunAll.
func (r *Runner) Failures() []Result {
	var failed []Result
	for _, result := range r.results {
		if result.Failed() {
			failed = append(failed, result)
		}
	}
	return failed
}
