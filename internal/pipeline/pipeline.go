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

// Package pipeline defines the unit of work the dispatcher executes: a
// named, parameterized run against one partition. Pipelines declare a
// parameter contract (Spec) and are constructed per run by registered
// factories, so no state leaks between executions.
package pipeline

import (
	"context"
	"log/slog"
)

// Params are the key-value parameters a pipeline runs with.
type Params map[string]any

// Clone returns a shallow copy. Pipelines must not mutate the params
// they are handed.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Status is the terminal state of one pipeline run.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusSkipped   Status = "SKIPPED"
)

// Result is what a pipeline run reports back.
type Result struct {
	Status  Status
	Message string
	Metrics map[string]any
}

// Completed builds a success result carrying run metrics.
func Completed(metrics map[string]any) Result {
	return Result{Status: StatusCompleted, Metrics: metrics}
}

// Skipped builds the short-circuit result a pipeline returns when the
// manifest shows the work is already done.
func Skipped(reason string) Result {
	return Result{Status: StatusSkipped, Message: reason}
}

// Failed builds a soft-failure result for runs that completed their
// control flow but must not advance the partition.
func Failed(message string) Result {
	return Result{Status: StatusFailed, Message: message}
}

// ExecContext carries the execution identity a run happens under.
type ExecContext struct {
	ExecutionID string
	BatchID     string
	Logger      *slog.Logger
}

// Log returns the execution logger, never nil.
func (e ExecContext) Log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Pipeline is one runnable unit of work.
type Pipeline interface {
	// Spec declares the parameter contract the runner validates
	// before Run is invoked.
	Spec() Spec
	// Run executes against validated params. Infrastructure faults
	// surface as errors; domain outcomes (completed, skipped, soft
	// failure) surface in the Result.
	Run(ctx context.Context, params Params, exec ExecContext) (Result, error)
}

// Factory constructs a fresh pipeline instance for one run.
type Factory func() (Pipeline, error)
