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
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/pkg/errors"
)

var tracer = otel.Tracer("spine/dispatch")

// RunnerConfig bounds the runner's concurrency and run length.
type RunnerConfig struct {
	MaxParallel    int
	DefaultTimeout time.Duration
}

// Runner validates, leases, and invokes pipelines, absorbing their
// failures into the execution record. Execute returns an error only
// when the dispatch machinery itself fails; pipeline outcomes, good
// and bad, land in the returned Execution and its event log.
type Runner struct {
	registry *pipeline.Registry
	store    *Store
	leases   *Leases
	logger   *slog.Logger

	semaphore  chan struct{}
	defTimeout time.Duration

	draining atomic.Bool
	active   atomic.Int64
}

// NewRunner builds a runner over a registry and execution store.
func NewRunner(cfg RunnerConfig, registry *pipeline.Registry, store *Store, leases *Leases, logger *slog.Logger) *Runner {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	if leases == nil {
		leases = NewLeases()
	}
	return &Runner{
		registry:   registry,
		store:      store,
		leases:     leases,
		logger:     log.WithComponent(logger, "runner"),
		semaphore:  make(chan struct{}, cfg.MaxParallel),
		defTimeout: cfg.DefaultTimeout,
	}
}

// Execute runs one persisted execution to a terminal status.
func (r *Runner) Execute(ctx context.Context, executionID string) (Execution, error) {
	ctx, span := tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(attribute.String("spine.execution_id", executionID)))
	defer span.End()

	exec, err := r.execute(ctx, executionID)
	if exec.Pipeline != "" {
		span.SetAttributes(attribute.String("spine.pipeline", exec.Pipeline))
	}
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case exec.Status == StatusFailed:
		span.SetStatus(codes.Error, string(exec.Status))
	default:
		span.SetAttributes(attribute.String("spine.status", string(exec.Status)))
		span.SetStatus(codes.Ok, "")
	}
	return exec, err
}

func (r *Runner) execute(ctx context.Context, executionID string) (Execution, error) {
	if r.draining.Load() {
		return Execution{}, errors.NewOrchestration(errors.SubSchedule,
			"runner is draining, not accepting work", true, nil)
	}

	select {
	case r.semaphore <- struct{}{}:
		defer func() { <-r.semaphore }()
	case <-ctx.Done():
		return Execution{}, errors.NewOrchestration(errors.SubSchedule,
			"cancelled while waiting for a worker slot", true, ctx.Err())
	}

	r.active.Add(1)
	defer r.active.Add(-1)
	executionsActive.Inc()
	defer executionsActive.Dec()

	// Terminal bookkeeping must land even when the caller's context
	// dies mid-run.
	finishCtx := context.WithoutCancel(ctx)

	exec, err := r.store.Get(ctx, executionID)
	if err != nil {
		return Execution{}, err
	}

	logger := r.logger.With(
		slog.String(log.ExecutionIDKey, exec.ID),
		slog.String(log.PipelineKey, exec.Pipeline))

	factory, err := r.registry.Get(exec.Pipeline)
	if err != nil {
		return r.fail(finishCtx, exec, err, logger)
	}
	p, err := factory()
	if err != nil {
		return r.fail(finishCtx, exec, errors.Wrapf(err, "constructing pipeline %s", exec.Pipeline), logger)
	}

	spec := p.Spec()
	resolved, err := spec.Resolve(exec.Params)
	if err != nil {
		return r.fail(finishCtx, exec, err, logger)
	}

	if partition := spec.PartitionKey(resolved); partition != "" && spec.Domain != "" && spec.Stage != "" {
		key := LeaseKey{Domain: spec.Domain, PartitionKey: partition, Stage: spec.Stage}
		if err := r.leases.Acquire(key, exec.ID); err != nil {
			return r.fail(finishCtx, exec, err, logger)
		}
		defer r.leases.Release(key, exec.ID)
		logger = logger.With(slog.String(log.PartitionKey, partition))
	}

	if err := r.store.Transition(ctx, exec.ID, StatusRunning, nil); err != nil {
		return Execution{}, err
	}
	logger.Info("execution started")

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, runErr := invoke(runCtx, p, resolved, pipeline.ExecContext{
		ExecutionID: exec.ID,
		BatchID:     exec.BatchID,
		Logger:      logger,
	})
	duration := time.Since(started)
	executionDuration.WithLabelValues(exec.Pipeline).Observe(duration.Seconds())

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) && runCtx.Err() == context.DeadlineExceeded {
			executionTimeouts.WithLabelValues(exec.Pipeline).Inc()
			runErr = errors.NewTimeout(exec.Pipeline, timeout)
		} else if errors.Is(runErr, context.Canceled) {
			return r.finishCancelled(finishCtx, exec, logger)
		}
		return r.fail(finishCtx, exec, runErr, logger)
	}

	return r.finish(finishCtx, exec, result, duration, logger)
}

// invoke calls the pipeline with panic containment: a panicking
// pipeline becomes a pipeline-kind error rather than taking the
// process down.
func invoke(ctx context.Context, p pipeline.Pipeline, params pipeline.Params, exec pipeline.ExecContext) (result pipeline.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &errors.Error{
				Kind:    errors.KindPipeline,
				Message: fmt.Sprintf("pipeline panicked: %v", rec),
			}
		}
	}()
	return p.Run(ctx, params, exec)
}

func (r *Runner) finish(ctx context.Context, exec Execution, result pipeline.Result, duration time.Duration, logger *slog.Logger) (Execution, error) {
	var status Status
	detail := map[string]any{"duration_ms": duration.Milliseconds()}
	switch result.Status {
	case pipeline.StatusCompleted:
		status = StatusCompleted
	case pipeline.StatusSkipped:
		status = StatusSkipped
	case pipeline.StatusFailed:
		status = StatusFailed
	default:
		status = StatusFailed
		result.Message = fmt.Sprintf("pipeline returned unknown status %q", result.Status)
	}
	if result.Message != "" {
		detail["message"] = result.Message
	}
	if len(result.Metrics) > 0 {
		detail["metrics"] = result.Metrics
	}

	if err := r.store.Transition(ctx, exec.ID, status, detail); err != nil {
		return Execution{}, err
	}
	recordCompletion(exec.Pipeline, status)
	logger.Info("execution finished",
		slog.String("status", string(status)),
		log.Duration(log.DurationKey, duration.Milliseconds()))
	return r.store.Get(ctx, exec.ID)
}

func (r *Runner) fail(ctx context.Context, exec Execution, cause error, logger *slog.Logger) (Execution, error) {
	detail := map[string]any{"error": cause.Error()}
	if classified := errors.AsClassified(cause); classified != nil {
		detail = classified.ToMap()
	}

	if err := r.store.Transition(ctx, exec.ID, StatusFailed, detail); err != nil {
		return Execution{}, err
	}
	recordCompletion(exec.Pipeline, StatusFailed)
	logger.Error("execution failed", log.Error(cause))
	return r.store.Get(ctx, exec.ID)
}

// finishCancelled lands a run whose context died. A run the scheduler
// marked CANCELLING cancels cleanly; anything else was aborted
// (process shutdown mid-run) and fails retryably so it can be
// resubmitted.
func (r *Runner) finishCancelled(ctx context.Context, exec Execution, logger *slog.Logger) (Execution, error) {
	current, err := r.store.Get(ctx, exec.ID)
	if err != nil {
		return Execution{}, err
	}
	if current.Status == StatusCancelling {
		if err := r.store.Transition(ctx, exec.ID, StatusCancelled, nil); err != nil {
			return Execution{}, err
		}
		recordCompletion(exec.Pipeline, StatusCancelled)
		logger.Info("execution cancelled")
		return r.store.Get(ctx, exec.ID)
	}
	aborted := errors.NewOrchestration(errors.SubSchedule,
		"execution aborted before completion", true, context.Canceled)
	return r.fail(ctx, exec, aborted, logger)
}

// StartDraining stops the runner accepting new work.
func (r *Runner) StartDraining() {
	r.draining.Store(true)
}

// IsDraining reports whether the runner is refusing new work.
func (r *Runner) IsDraining() bool {
	return r.draining.Load()
}

// ActiveCount returns the number of in-flight executions.
func (r *Runner) ActiveCount() int {
	return int(r.active.Load())
}

// WaitForDrain blocks until active executions reach zero or the
// timeout expires.
func (r *Runner) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if remaining := r.ActiveCount(); remaining > 0 {
				return errors.NewOrchestration(errors.SubSchedule,
					fmt.Sprintf("drain timeout: %d execution(s) still running", remaining), false, nil)
			}
			return nil
		case <-ticker.C:
			if r.ActiveCount() == 0 {
				return nil
			}
		}
	}
}
