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

// Package harness provides the fixtures for end-to-end pipeline
// scenarios: a migrated SQLite repository in a temp directory, the otc
// domain registered on a live dispatch stack, and query helpers over
// the core tables.
package harness

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spine-io/spine/internal/anomaly"
	"github.com/spine-io/spine/internal/calc"
	"github.com/spine-io/spine/internal/config"
	"github.com/spine-io/spine/internal/dispatch"
	"github.com/spine-io/spine/internal/domains/otc"
	"github.com/spine-io/spine/internal/manifest"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/scheduler"
	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/internal/workflowstore"
	"github.com/spine-io/spine/pkg/workflow"
)

// Harness owns one migrated repository and the dispatch stack wired
// over it. Every scenario gets a fresh database; nothing is shared
// between tests.
type Harness struct {
	t           *testing.T
	timeout     time.Duration
	maxParallel int
	logger      *slog.Logger

	repo       *storage.Repository
	registry   *pipeline.Registry
	calcs      *calc.Registry
	store      *dispatch.Store
	runner     *dispatch.Runner
	dispatcher *dispatch.Dispatcher
	dropDir    string
}

// New builds a harness with a file-backed SQLite database in a temp
// directory. Cleanup is registered via t.Cleanup.
//
// Example:
//
//	h := harness.New(t)
//	path := h.WriteDrop("week.json", drop)
//	exec := h.MustComplete("otc.ingest", map[string]any{"path": path})
func New(t *testing.T, opts ...Option) *Harness {
	t.Helper()

	h := &Harness{
		t:           t,
		timeout:     30 * time.Second,
		maxParallel: 2,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			t.Fatalf("apply harness option: %v", err)
		}
	}

	cfg := config.Default()
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.DatabaseURL = filepath.Join(t.TempDir(), "spine.db")

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	repo, err := storage.Open(ctx, cfg.Storage, h.logger)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Logf("close storage: %v", err)
		}
	})
	if err := repo.Migrate(); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	registry := pipeline.NewRegistry()
	calcs := calc.NewRegistry()
	if err := registry.AddLoader(otc.NewLoader(repo, calcs, h.logger)); err != nil {
		t.Fatalf("register otc domain: %v", err)
	}

	store := dispatch.NewStore(repo)
	runner := dispatch.NewRunner(dispatch.RunnerConfig{MaxParallel: h.maxParallel},
		registry, store, dispatch.NewLeases(), h.logger)

	h.repo = repo
	h.registry = registry
	h.calcs = calcs
	h.store = store
	h.runner = runner
	h.dispatcher = dispatch.NewDispatcher(store, dispatch.NewResolver(), runner, h.logger)
	h.dropDir = t.TempDir()
	return h
}

// Repo returns the migrated repository.
func (h *Harness) Repo() *storage.Repository {
	return h.repo
}

// Dispatcher returns the live dispatcher for direct submissions.
func (h *Harness) Dispatcher() *dispatch.Dispatcher {
	return h.dispatcher
}

// Calcs returns the calculation catalog the otc loader populated.
func (h *Harness) Calcs() *calc.Registry {
	return h.calcs
}

// Drop is the JSON shape of one weekly venue-volume drop file.
type Drop struct {
	WeekStart string       `json:"week_start"`
	Tier      string       `json:"tier"`
	Records   []DropRecord `json:"records"`
}

// DropRecord is one trade summary line in a drop.
type DropRecord struct {
	Symbol string  `json:"symbol"`
	Venue  string  `json:"venue"`
	Shares float64 `json:"shares"`
	Trades int64   `json:"trades"`
}

// WriteDrop serializes a drop into the harness drop directory and
// returns its absolute path.
func (h *Harness) WriteDrop(name string, drop Drop) string {
	h.t.Helper()

	raw, err := json.MarshalIndent(drop, "", "  ")
	if err != nil {
		h.t.Fatalf("marshal drop %q: %v", name, err)
	}
	path := filepath.Join(h.dropDir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		h.t.Fatalf("write drop %q: %v", name, err)
	}
	return path
}

// Submit dispatches one pipeline synchronously and returns the landed
// execution, whatever its status. Machinery faults fail the test.
func (h *Harness) Submit(pipelineName string, params map[string]any) dispatch.Execution {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	exec, err := h.dispatcher.Dispatch(ctx, dispatch.Submission{
		Pipeline: pipelineName,
		Params:   params,
	})
	if err != nil {
		h.t.Fatalf("dispatch %s: %v", pipelineName, err)
	}
	return exec
}

// MustComplete dispatches a pipeline and fails the test unless the
// execution lands COMPLETED. The failure message carries the terminal
// event detail.
func (h *Harness) MustComplete(pipelineName string, params map[string]any) dispatch.Execution {
	h.t.Helper()

	exec := h.Submit(pipelineName, params)
	if exec.Status != dispatch.StatusCompleted {
		h.t.Fatalf("%s landed %s: %s", pipelineName, exec.Status, h.TerminalMessage(exec))
	}
	return exec
}

// RunWeekly pushes one drop through ingest, normalize, and aggregate,
// failing the test on any non-COMPLETED landing.
func (h *Harness) RunWeekly(path, weekStart, tier string) (ingest, normalize, aggregate dispatch.Execution) {
	h.t.Helper()

	ingest = h.MustComplete("otc.ingest", map[string]any{"path": path})
	normalize = h.MustComplete("otc.normalize", map[string]any{"week_start": weekStart, "tier": tier})
	aggregate = h.MustComplete("otc.aggregate", map[string]any{"week_start": weekStart, "tier": tier})
	return ingest, normalize, aggregate
}

// TerminalMessage reads the message recorded on the execution's
// terminal event, or "" when none was written.
func (h *Harness) TerminalMessage(exec dispatch.Execution) string {
	h.t.Helper()

	detail := h.TerminalDetail(exec)
	msg, _ := detail["message"].(string)
	return msg
}

// TerminalDetail returns the detail map of the event matching the
// execution's landed status.
func (h *Harness) TerminalDetail(exec dispatch.Execution) map[string]any {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	events, err := h.store.Events(ctx, exec.ID)
	if err != nil {
		h.t.Fatalf("read events for %s: %v", exec.ID, err)
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == string(exec.Status) {
			return events[i].Data
		}
	}
	return nil
}

// Rows runs SELECT * over a table with an optional WHERE clause. The
// harness is SQLite-only, so clauses use ? placeholders.
func (h *Harness) Rows(table, where string, args ...any) []storage.Row {
	h.t.Helper()

	query := "SELECT * FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	rows, err := h.repo.Query(ctx, query, args...)
	if err != nil {
		h.t.Fatalf("query %s: %v", table, err)
	}
	return rows
}

// RowCount counts rows matching an optional WHERE clause.
func (h *Harness) RowCount(table, where string, args ...any) int64 {
	h.t.Helper()
	return int64(len(h.Rows(table, where, args...)))
}

// Execute runs a raw statement, for scenarios that doctor stored data
// to provoke a downstream gate.
func (h *Harness) Execute(stmt string, args ...any) {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if _, err := h.repo.Execute(ctx, stmt, args...); err != nil {
		h.t.Fatalf("execute %q: %v", stmt, err)
	}
}

// Manifest returns the otc manifest over the repository.
func (h *Harness) Manifest() *manifest.Manifest {
	h.t.Helper()

	stages, err := otc.Stages()
	if err != nil {
		h.t.Fatalf("otc stages: %v", err)
	}
	return manifest.New(h.repo, otc.Domain, stages)
}

// Readiness returns the otc readiness gate over the repository.
func (h *Harness) Readiness() *anomaly.Readiness {
	return anomaly.NewReadiness(h.repo, otc.Domain)
}

// Engine builds a workflow engine whose pipeline steps dispatch through
// the harness stack and whose runs persist to the repository.
func (h *Harness) Engine() *workflow.Engine {
	return workflow.NewEngine(scheduler.NewPipelineAdapter(h.dispatcher, h.logger)).
		WithLogger(h.logger).
		WithStore(workflowstore.NewStore(h.repo))
}

// EngineWithStore builds a workflow engine over the harness dispatcher
// and an explicit store, for scenarios that need to observe or fake
// run persistence.
func (h *Harness) EngineWithStore(store workflow.Store) *workflow.Engine {
	return workflow.NewEngine(scheduler.NewPipelineAdapter(h.dispatcher, h.logger)).
		WithLogger(h.logger).
		WithStore(store)
}
