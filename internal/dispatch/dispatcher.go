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

package dispatch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/pkg/errors"
)

// Submission is one request to run a pipeline.
type Submission struct {
	Pipeline string
	Params   pipeline.Params
	ParentID string
	BatchID  string
}

// Dispatcher allocates execution identity, normalizes parameters, and
// persists intent before any work happens. Prepare and Execute are
// split so a queue can sit between them; Dispatch is the synchronous
// path.
type Dispatcher struct {
	store    *Store
	resolver *Resolver
	runner   *Runner
	logger   *slog.Logger
}

// NewDispatcher wires a dispatcher over its store, resolver, and
// runner.
func NewDispatcher(store *Store, resolver *Resolver, runner *Runner, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = NewResolver()
	}
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		runner:   runner,
		logger:   log.WithComponent(logger, "dispatcher"),
	}
}

// Prepare allocates an execution id, normalizes params, and persists
// the execution as PENDING. Nothing runs yet.
func (d *Dispatcher) Prepare(ctx context.Context, sub Submission) (string, error) {
	if sub.Pipeline == "" {
		return "", errors.NewBadParams("", "submission names no pipeline")
	}

	executionID := uuid.New().String()
	exec := Execution{
		ID:       executionID,
		Pipeline: sub.Pipeline,
		Params:   d.resolver.Resolve(sub.Params),
		Status:   StatusPending,
		ParentID: sub.ParentID,
		BatchID:  sub.BatchID,
	}
	if err := d.store.Create(ctx, exec); err != nil {
		return "", err
	}

	d.logger.Debug("execution prepared",
		slog.String(log.ExecutionIDKey, executionID),
		slog.String(log.PipelineKey, sub.Pipeline))
	return executionID, nil
}

// Execute runs a prepared execution to completion.
func (d *Dispatcher) Execute(ctx context.Context, executionID string) (Execution, error) {
	return d.runner.Execute(ctx, executionID)
}

// Dispatch prepares and immediately executes a submission.
func (d *Dispatcher) Dispatch(ctx context.Context, sub Submission) (Execution, error) {
	executionID, err := d.Prepare(ctx, sub)
	if err != nil {
		return Execution{}, err
	}
	return d.Execute(ctx, executionID)
}

// Store exposes the execution store for status queries.
func (d *Dispatcher) Store() *Store {
	return d.store
}
