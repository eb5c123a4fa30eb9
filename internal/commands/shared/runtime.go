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

package shared

import (
	"context"
	"log/slog"
	"os"

	"github.com/spine-io/spine/internal/calc"
	"github.com/spine-io/spine/internal/config"
	"github.com/spine-io/spine/internal/dispatch"
	"github.com/spine-io/spine/internal/domains/otc"
	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/storage"
)

// NewLogger builds the CLI logger: warnings only by default, debug with
// --verbose, errors only with --quiet. Command output goes through
// cmd.Printf, not the logger.
func NewLogger() *slog.Logger {
	cfg := log.FromEnv()
	switch {
	case GetVerbose():
		cfg.Level = "debug"
	case GetQuiet():
		cfg.Level = "error"
	default:
		cfg.Level = "warn"
	}
	cfg.Output = os.Stderr
	return log.New(cfg)
}

// LoadConfig reads the file named by --config plus SPINE_* environment
// overrides.
func LoadConfig() (*config.Config, error) {
	return config.Load(GetConfigPath())
}

// Runtime is the database-facing half of a CLI command: loaded
// configuration, an open repository, and a logger.
type Runtime struct {
	Config *config.Config
	Repo   *storage.Repository
	Logger *slog.Logger
}

// OpenRuntime loads configuration and connects to storage, applying
// migrations when the configuration asks for them (the same rule spined
// follows on startup).
func OpenRuntime(ctx context.Context) (*Runtime, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, NewConfigError("loading configuration", err)
	}

	logger := NewLogger()
	repo, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, NewConfigError("connecting to storage", err)
	}
	if cfg.Storage.MigrateOnStart {
		if err := repo.Migrate(); err != nil {
			repo.Close()
			return nil, NewConfigError("applying migrations", err)
		}
	}

	return &Runtime{Config: cfg, Repo: repo, Logger: logger}, nil
}

// Close releases the repository.
func (r *Runtime) Close() {
	if r.Repo != nil {
		r.Repo.Close()
	}
}

// Stack is the in-process execution machinery: the pipeline registry
// with the built-in domains loaded, and the dispatcher over it.
type Stack struct {
	Registry   *pipeline.Registry
	Calcs      *calc.Registry
	Store      *dispatch.Store
	Dispatcher *dispatch.Dispatcher
}

// Stack wires registries and dispatch over the runtime's repository.
// Used by commands that execute pipelines directly instead of going
// through spined.
func (r *Runtime) Stack() (*Stack, error) {
	registry := pipeline.NewRegistry()
	calcs := calc.NewRegistry()
	if err := registry.AddLoader(otc.NewLoader(r.Repo, calcs, r.Logger)); err != nil {
		return nil, err
	}

	store := dispatch.NewStore(r.Repo)
	runner := dispatch.NewRunner(dispatch.RunnerConfig{MaxParallel: 1}, registry, store, dispatch.NewLeases(), r.Logger)
	dispatcher := dispatch.NewDispatcher(store, dispatch.NewResolver(), runner, r.Logger)

	return &Stack{
		Registry:   registry,
		Calcs:      calcs,
		Store:      store,
		Dispatcher: dispatcher,
	}, nil
}
