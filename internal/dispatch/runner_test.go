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
	"strings"
	"testing"
	"time"

	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/pkg/errors"
)

type fakePipeline struct {
	spec pipeline.Spec
	run  func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error)
}

func (p *fakePipeline) Spec() pipeline.Spec { return p.spec }

func (p *fakePipeline) Run(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
	return p.run(ctx, params, exec)
}

func ingestSpec(name string) pipeline.Spec {
	return pipeline.Spec{
		Name:   name,
		Domain: "finra.otc",
		Stage:  "INGESTED",
		Params: []pipeline.ParamSpec{
			{Name: "week_start", Required: true, Validators: []pipeline.Validator{pipeline.Date("2006-01-02")}},
			{Name: "tier", Required: true, Validators: []pipeline.Validator{pipeline.OneOf("OTC", "NMS_TIER_1", "NMS_TIER_2")}},
		},
		PartitionParams: []string{"week_start", "tier"},
	}
}

func otcParams() pipeline.Params {
	return pipeline.Params{"week_start": "2025-12-22", "tier": "OTC"}
}

type harness struct {
	store      *Store
	registry   *pipeline.Registry
	leases     *Leases
	runner     *Runner
	dispatcher *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := NewStore(newTestRepo(t))
	registry := pipeline.NewRegistry()
	leases := NewLeases()
	runner := NewRunner(RunnerConfig{MaxParallel: 4, DefaultTimeout: time.Minute}, registry, store, leases, nil)
	return &harness{
		store:      store,
		registry:   registry,
		leases:     leases,
		runner:     runner,
		dispatcher: NewDispatcher(store, tierResolver(), runner, nil),
	}
}

func (h *harness) register(t *testing.T, p *fakePipeline) {
	t.Helper()
	if err := h.registry.Register(p.spec.Name, func() (pipeline.Pipeline, error) { return p, nil }); err != nil {
		t.Fatalf("register %s: %v", p.spec.Name, err)
	}
}

func (h *harness) prepare(t *testing.T, name string, params pipeline.Params) string {
	t.Helper()
	id, err := h.dispatcher.Prepare(context.Background(), Submission{Pipeline: name, Params: params})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	return id
}

func (h *harness) events(t *testing.T, id string) []Event {
	t.Helper()
	events, err := h.store.Events(context.Background(), id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return events
}

func eventTypes(events []Event) []string {
	types := make([]string, len(events))
	for i := 0; i < len(events); i++ {
		types[i] = events[i].Type
	}
	return types
}

func TestExecute_Completed(t *testing.T) {
	h := newHarness(t)
	h.register(t, &fakePipeline{
		spec: ingestSpec("otc.ingest"),
		run: func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
			if params["tier"] != "OTC" {
				t.Errorf("pipeline saw tier %v", params["tier"])
			}
			if exec.ExecutionID == "" {
				t.Error("pipeline must know its execution id")
			}
			return pipeline.Completed(map[string]any{"records": 1523}), nil
		},
	})

	id := h.prepare(t, "otc.ingest", otcParams())
	exec, err := h.runner.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusCompleted {
		t.Errorf("status = %s", exec.Status)
	}
	if exec.StartedAt == nil || exec.CompletedAt == nil {
		t.Error("completed execution must carry both timestamps")
	}

	events := h.events(t, id)
	got := eventTypes(events)
	want := []string{"PENDING", "RUNNING", "COMPLETED"}
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := 0; i < len(want); i++ {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	data := events[len(events)-1].Data
	if _, ok := data["duration_ms"]; !ok {
		t.Errorf("completion event missing duration: %v", data)
	}
	metrics, ok := data["metrics"].(map[string]any)
	if !ok || metrics["records"] != float64(1523) {
		t.Errorf("completion event missing metrics: %v", data)
	}
}

func TestExecute_Skipped(t *testing.T) {
	h := newHarness(t)
	h.register(t, &fakePipeline{
		spec: ingestSpec("otc.ingest"),
		run: func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
			return pipeline.Skipped("partition already at INGESTED"), nil
		},
	})

	id := h.prepare(t, "otc.ingest", otcParams())
	exec, err := h.runner.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusSkipped {
		t.Errorf("status = %s", exec.Status)
	}

	events := h.events(t, id)
	last := events[len(events)-1]
	if last.Type != "SKIPPED" || last.Data["message"] != "partition already at INGESTED" {
		t.Errorf("unexpected final event: %+v", last)
	}
}

func TestExecute_SoftFailure(t *testing.T) {
	h := newHarness(t)
	h.register(t, &fakePipeline{
		spec: ingestSpec("otc.ingest"),
		run: func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
			return pipeline.Failed("quality gate rejected the batch"), nil
		},
	})

	id := h.prepare(t, "otc.ingest", otcParams())
	exec, err := h.runner.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusFailed {
		t.Errorf("status = %s", exec.Status)
	}

	events := h.events(t, id)
	last := events[len(events)-1]
	if last.Data["message"] != "quality gate rejected the batch" {
		t.Errorf("unexpected detail: %v", last.Data)
	}
}

func TestExecute_BadParams(t *testing.T) {
	h := newHarness(t)
	h.register(t, &fakePipeline{
		spec: ingestSpec("otc.ingest"),
		run: func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
			t.Error("pipeline must not run with rejected params")
			return pipeline.Completed(nil), nil
		},
	})

	id := h.prepare(t, "otc.ingest", pipeline.Params{"week_start": "2025-12-22", "tier": "JUNK"})
	exec, err := h.runner.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusFailed {
		t.Errorf("status = %s", exec.Status)
	}

	events := h.events(t, id)
	got := eventTypes(events)
	if len(got) != 2 || got[0] != "PENDING" || got[1] != "FAILED" {
		t.Fatalf("events = %v, want [PENDING FAILED]", got)
	}
	data := events[1].Data
	if data["kind"] != "pipeline" || data["subcategory"] != "bad_params" {
		t.Errorf("unexpected classification: %v", data)
	}
	if data["retryable"] != false {
		t.Errorf("bad params must not be retryable: %v", data)
	}
	msg, _ := data["message"].(string)
	if !strings.Contains(msg, "tier") {
		t.Errorf("detail should name the bad parameter: %q", msg)
	}
}

func TestExecute_UnknownPipeline(t *testing.T) {
	h := newHarness(t)

	id := h.prepare(t, "otc.vanished", otcParams())
	exec, err := h.runner.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusFailed {
		t.Errorf("status = %s", exec.Status)
	}

	last := h.events(t, id)[1]
	if last.Data["kind"] != "pipeline" || last.Data["subcategory"] != "not_found" {
		t.Errorf("unexpected classification: %v", last.Data)
	}
}

func TestExecute_PanicContained(t *testing.T) {
	h := newHarness(t)
	h.register(t, &fakePipeline{
		spec: ingestSpec("otc.ingest"),
		run: func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
			var venues []string
			_ = 100 / len(venues)
			return pipeline.Completed(nil), nil
		},
	})

	id := h.prepare(t, "otc.ingest", otcParams())
	exec, err := h.runner.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusFailed {
		t.Errorf("status = %s", exec.Status)
	}

	last := h.events(t, id)[2]
	msg, _ := last.Data["message"].(string)
	if !strings.Contains(msg, "panicked") {
		t.Errorf("detail should record the panic: %v", last.Data)
	}
	if last.Data["kind"] != "pipeline" {
		t.Errorf("unexpected classification: %v", last.Data)
	}

	// Lease and worker slot must be released on the panic path.
	if holder := h.leases.Holder(LeaseKey{Domain: "finra.otc", PartitionKey: "2025-12-22|OTC", Stage: "INGESTED"}); holder != "" {
		t.Errorf("lease leaked to %q", holder)
	}
}

func TestExecute_Timeout(t *testing.T) {
	h := newHarness(t)
	spec := ingestSpec("otc.slow")
	spec.Timeout = 50 * time.Millisecond
	h.register(t, &fakePipeline{
		spec: spec,
		run: func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
			<-ctx.Done()
			return pipeline.Result{}, ctx.Err()
		},
	})

	id := h.prepare(t, "otc.slow", otcParams())
	exec, err := h.runner.Execute(context.Background(), id)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != StatusFailed {
		t.Errorf("status = %s", exec.Status)
	}

	last := h.events(t, id)[2]
	if last.Data["category"] != "transient.timeout" {
		t.Errorf("unexpected classification: %v", last.Data)
	}
	if last.Data["retryable"] != true {
		t.Errorf("timeouts must be retryable: %v", last.Data)
	}
	ctxData, _ := last.Data["context"].(map[string]any)
	if ctxData["operation"] != "otc.slow" {
		t.Errorf("timeout should name the pipeline: %v", last.Data)
	}
}

func TestExecute_LeaseConflict(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.register(t, &fakePipeline{
		spec: ingestSpec("otc.ingest"),
		run: func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
			close(started)
			<-release
			return pipeline.Completed(nil), nil
		},
	})

	first := h.prepare(t, "otc.ingest", otcParams())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := h.runner.Execute(context.Background(), first); err != nil {
			t.Errorf("first execute: %v", err)
		}
	}()
	<-started

	second := h.prepare(t, "otc.ingest", otcParams())
	exec, err := h.runner.Execute(context.Background(), second)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if exec.Status != StatusFailed {
		t.Errorf("status = %s", exec.Status)
	}
	data := h.events(t, second)[1].Data
	if data["kind"] != "orchestration" || data["retryable"] != true {
		t.Errorf("lease conflict must be a retryable orchestration failure: %v", data)
	}
	msg, _ := data["message"].(string)
	if !strings.Contains(msg, first) {
		t.Errorf("conflict should name the holding execution: %q", msg)
	}

	close(release)
	<-done

	firstExec, err := h.store.Get(context.Background(), first)
	if err != nil {
		t.Fatalf("get first: %v", err)
	}
	if firstExec.Status != StatusCompleted {
		t.Errorf("holder should complete normally, got %s", firstExec.Status)
	}
}

func TestExecute_CancelRequested(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.register(t, &fakePipeline{
		spec: ingestSpec("otc.ingest"),
		run: func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
			close(started)
			<-ctx.Done()
			return pipeline.Result{}, ctx.Err()
		},
	})

	id := h.prepare(t, "otc.ingest", otcParams())
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		exec Execution
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		exec, err := h.runner.Execute(runCtx, id)
		done <- outcome{exec, err}
	}()
	<-started

	if err := h.store.Transition(context.Background(), id, StatusCancelling, nil); err != nil {
		t.Fatalf("mark cancelling: %v", err)
	}
	cancel()

	out := <-done
	if out.err != nil {
		t.Fatalf("execute: %v", out.err)
	}
	if out.exec.Status != StatusCancelled {
		t.Errorf("status = %s", out.exec.Status)
	}

	got := eventTypes(h.events(t, id))
	want := []string{"PENDING", "RUNNING", "CANCELLING", "CANCELLED"}
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := 0; i < len(want); i++ {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestExecute_AbortedByShutdown(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.register(t, &fakePipeline{
		spec: ingestSpec("otc.ingest"),
		run: func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
			close(started)
			<-ctx.Done()
			return pipeline.Result{}, ctx.Err()
		},
	})

	id := h.prepare(t, "otc.ingest", otcParams())
	runCtx, cancel := context.WithCancel(context.Background())

	type outcome struct {
		exec Execution
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		exec, err := h.runner.Execute(runCtx, id)
		done <- outcome{exec, err}
	}()
	<-started
	cancel()

	out := <-done
	if out.err != nil {
		t.Fatalf("execute: %v", out.err)
	}
	if out.exec.Status != StatusFailed {
		t.Errorf("status = %s", out.exec.Status)
	}
	data := h.events(t, id)[2].Data
	if data["kind"] != "orchestration" || data["retryable"] != true {
		t.Errorf("aborted run must fail retryably: %v", data)
	}
}

func TestRunner_DrainingRefusesWork(t *testing.T) {
	h := newHarness(t)
	h.register(t, &fakePipeline{
		spec: ingestSpec("otc.ingest"),
		run: func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
			return pipeline.Completed(nil), nil
		},
	})
	id := h.prepare(t, "otc.ingest", otcParams())

	h.runner.StartDraining()
	if !h.runner.IsDraining() {
		t.Error("IsDraining should report true")
	}

	_, err := h.runner.Execute(context.Background(), id)
	if err == nil {
		t.Fatal("draining runner must refuse work")
	}
	var classified *errors.Error
	if !errors.As(err, &classified) || classified.Kind != errors.KindOrchestration || !classified.Retryable {
		t.Errorf("expected retryable orchestration error, got %v", err)
	}

	// The execution was never picked up and stays PENDING.
	exec, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Status != StatusPending {
		t.Errorf("status = %s", exec.Status)
	}

	if err := h.runner.WaitForDrain(context.Background(), time.Second); err != nil {
		t.Errorf("idle runner should drain immediately: %v", err)
	}
}

func TestWaitForDrain_Timeout(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.register(t, &fakePipeline{
		spec: ingestSpec("otc.ingest"),
		run: func(ctx context.Context, params pipeline.Params, exec pipeline.ExecContext) (pipeline.Result, error) {
			close(started)
			<-release
			return pipeline.Completed(nil), nil
		},
	})

	id := h.prepare(t, "otc.ingest", otcParams())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := h.runner.Execute(context.Background(), id); err != nil {
			t.Errorf("execute: %v", err)
		}
	}()
	<-started

	if h.runner.ActiveCount() != 1 {
		t.Errorf("active = %d", h.runner.ActiveCount())
	}
	err := h.runner.WaitForDrain(context.Background(), 150*time.Millisecond)
	if err == nil {
		t.Fatal("drain should time out while an execution is in flight")
	}
	if !strings.Contains(err.Error(), "drain timeout") {
		t.Errorf("unexpected error: %v", err)
	}

	close(release)
	<-done
	if err := h.runner.WaitForDrain(context.Background(), time.Second); err != nil {
		t.Errorf("drain after release: %v", err)
	}
}
