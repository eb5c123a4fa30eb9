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

package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spine-io/spine/internal/dispatch"
	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/pkg/workflow"
)

// PipelineAdapter runs workflow pipeline steps through the
// dispatcher, so every step execution is a tracked row in
// core_executions with its own event trail. Machinery faults come
// back as errors; pipeline outcomes of any kind are translated.
type PipelineAdapter struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewPipelineAdapter wires the adapter over a dispatcher.
func NewPipelineAdapter(dispatcher *dispatch.Dispatcher, logger *slog.Logger) *PipelineAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineAdapter{
		dispatcher: dispatcher,
		logger:     log.WithComponent(logger, "pipeline-adapter"),
	}
}

// RunPipeline dispatches the named pipeline synchronously and folds
// the terminal execution into a workflow outcome.
func (a *PipelineAdapter) RunPipeline(ctx context.Context, name string, params map[string]any) (workflow.PipelineOutcome, error) {
	exec, err := a.dispatcher.Dispatch(ctx, dispatch.Submission{
		Pipeline: name,
		Params:   pipeline.Params(params),
	})
	if err != nil {
		return workflow.PipelineOutcome{}, err
	}

	outcome := workflow.PipelineOutcome{ExecutionID: exec.ID}
	switch exec.Status {
	case dispatch.StatusCompleted:
		outcome.Status = workflow.PipelineCompleted
	case dispatch.StatusSkipped:
		outcome.Status = workflow.PipelineSkipped
	case dispatch.StatusFailed:
		outcome.Status = workflow.PipelineFailed
	default:
		outcome.Status = workflow.PipelineFailed
		outcome.Message = fmt.Sprintf("execution landed %s", exec.Status)
	}

	a.enrich(ctx, exec, &outcome)
	return outcome, nil
}

// enrich copies message, metrics, and failure category off the
// terminal event. Best effort: a missing event trail leaves the bare
// status standing.
func (a *PipelineAdapter) enrich(ctx context.Context, exec dispatch.Execution, outcome *workflow.PipelineOutcome) {
	events, err := a.dispatcher.Store().Events(ctx, exec.ID)
	if err != nil {
		a.logger.Warn("could not read execution events",
			slog.String(log.ExecutionIDKey, exec.ID), log.Error(err))
		return
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != string(exec.Status) {
			continue
		}
		data := events[i].Data
		if msg, ok := data["message"].(string); ok && outcome.Message == "" {
			outcome.Message = msg
		}
		if metrics, ok := data["metrics"].(map[string]any); ok {
			outcome.Metrics = metrics
		}
		if category, ok := data["category"].(string); ok {
			outcome.Category = category
		}
		return
	}
}
