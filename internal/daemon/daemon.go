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

// Package daemon assembles the spined process: storage, telemetry, the
// pipeline registry, the dispatch stack, the scheduler facade, the
// configured trigger sources, and the metrics endpoint, all run
// through one start/shutdown lifecycle.
package daemon

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spine-io/spine/internal/calc"
	"github.com/spine-io/spine/internal/config"
	"github.com/spine-io/spine/internal/dispatch"
	"github.com/spine-io/spine/internal/domains/otc"
	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/scheduler"
	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/internal/tracing"
	"github.com/spine-io/spine/internal/trigger/file"
	"github.com/spine-io/spine/internal/trigger/kafka"
	"github.com/spine-io/spine/pkg/errors"
)

// shutdownGrace bounds the metrics server and telemetry shutdowns,
// separate from the execution drain timeout.
const shutdownGrace = 5 * time.Second

// Options carries build-time identification, stamped by the linker.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon owns every long-lived component of the spined process.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	repo     *storage.Repository
	provider *tracing.Provider
	registry *pipeline.Registry
	calcs    *calc.Registry
	runner   *dispatch.Runner
	facade   *scheduler.Facade

	fileTrigger  *file.Watcher
	kafkaTrigger *kafka.Consumer

	metricsServer *http.Server
	metricsLn     net.Listener

	mu      sync.Mutex
	started bool
}

// New opens storage, applies migrations when configured, and wires
// every component together. Nothing is running when New returns;
// Start launches the scheduler, the triggers, and the metrics
// listener.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Daemon, error) {
	logger := log.WithComponent(slog.Default(), "daemon")

	repo, err := storage.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.MigrateOnStart {
		if err := repo.Migrate(); err != nil {
			repo.Close()
			return nil, err
		}
	}

	var provider *tracing.Provider
	if cfg.Observability.Tracing.Enabled || cfg.Observability.MetricsEnabled {
		provider, err = tracing.NewProvider(cfg.Observability.Tracing, opts.Version)
		if err != nil {
			repo.Close()
			return nil, err
		}
	}

	registry := pipeline.NewRegistry()
	calcs := calc.NewRegistry()
	if err := registry.AddLoader(otc.NewLoader(repo, calcs, logger)); err != nil {
		repo.Close()
		return nil, err
	}

	store := dispatch.NewStore(repo)
	runner := dispatch.NewRunner(dispatch.RunnerConfig{
		MaxParallel: cfg.Scheduler.Workers,
	}, registry, store, dispatch.NewLeases(), logger)
	dispatcher := dispatch.NewDispatcher(store, dispatch.NewResolver(), runner, logger)

	facade := scheduler.New(scheduler.Config{
		Workers:       cfg.Scheduler.Workers,
		QueueCapacity: cfg.Scheduler.QueueCapacity,
		DedupeWindow:  cfg.Scheduler.DedupeWindow,
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
		DrainTimeout:  cfg.Scheduler.DrainTimeout,
	}, dispatcher, runner, logger)

	d := &Daemon{
		cfg:      cfg,
		opts:     opts,
		logger:   logger,
		repo:     repo,
		provider: provider,
		registry: registry,
		calcs:    calcs,
		runner:   runner,
		facade:   facade,
	}

	if cfg.Triggers.File.Enabled {
		d.fileTrigger, err = file.NewWatcher(cfg.Triggers.File, facade, logger)
		if err != nil {
			repo.Close()
			return nil, err
		}
	}
	if cfg.Triggers.Kafka.Enabled {
		d.kafkaTrigger, err = kafka.NewConsumer(cfg.Triggers.Kafka, facade, logger)
		if err != nil {
			repo.Close()
			return nil, err
		}
	}

	return d, nil
}

// Facade exposes the scheduler facade for embedding and tests.
func (d *Daemon) Facade() *scheduler.Facade {
	return d.facade
}

// Registry exposes the pipeline registry for embedding and tests.
func (d *Daemon) Registry() *pipeline.Registry {
	return d.registry
}

// Start launches the facade, recovers executions orphaned by a
// previous shutdown, starts the trigger sources, and blocks until the
// context dies or the metrics server fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	d.facade.Start(ctx)

	// Recover before the triggers start so orphaned work queues ahead
	// of new submissions.
	if _, err := d.facade.Recover(ctx); err != nil {
		d.logger.Warn("could not recover queued executions", log.Error(err))
	}

	if d.fileTrigger != nil {
		if err := d.fileTrigger.Start(ctx); err != nil {
			return errors.Wrap(err, "starting file trigger")
		}
	}
	if d.kafkaTrigger != nil {
		if err := d.kafkaTrigger.Start(ctx); err != nil {
			return errors.Wrap(err, "starting kafka trigger")
		}
	}

	// A nil errCh blocks the select forever, which is exactly right
	// when the metrics endpoint is disabled.
	var errCh chan error
	if d.cfg.Observability.MetricsEnabled {
		errCh = make(chan error, 1)
		if err := d.serveMetrics(errCh); err != nil {
			return err
		}
	}

	d.logger.Info("spined started",
		slog.String("version", d.opts.Version),
		slog.String("backend", d.cfg.Storage.Backend),
		slog.String("database", d.cfg.Storage.MaskedDatabaseURL()),
		slog.Int("workers", d.cfg.Scheduler.Workers))

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains in-flight executions and stops every component in
// reverse dependency order. The passed context bounds the whole
// shutdown.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return nil
	}

	d.logger.Info("graceful shutdown initiated",
		slog.Int("active_executions", d.runner.ActiveCount()),
		slog.Int("queued", d.facade.Depth()))

	// Trigger sources first so nothing new is submitted while draining.
	if d.fileTrigger != nil {
		if err := d.fileTrigger.Stop(); err != nil {
			d.logger.Error("file trigger shutdown error", log.Error(err))
		}
	}
	if d.kafkaTrigger != nil {
		if err := d.kafkaTrigger.Stop(); err != nil {
			d.logger.Error("kafka trigger shutdown error", log.Error(err))
		}
	}

	d.runner.StartDraining()

	drainTimeout := d.cfg.Scheduler.DrainTimeout
	drainCtx, cancelDrain := context.WithTimeout(ctx, drainTimeout)
	defer cancelDrain()
	if err := d.runner.WaitForDrain(drainCtx, drainTimeout); err != nil {
		d.logger.Warn("drain deadline reached",
			slog.Int("remaining_executions", d.runner.ActiveCount()),
			slog.Duration("drain_timeout", drainTimeout))
	} else {
		d.logger.Info("all executions completed during drain")
	}

	d.facade.Stop()

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("metrics server shutdown error", log.Error(err))
		}
	}

	if d.provider != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		defer cancel()
		if err := d.provider.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("telemetry shutdown error", log.Error(err))
		}
	}

	if err := d.repo.Close(); err != nil {
		d.logger.Error("storage close error", log.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}

// serveMetrics exposes /metrics and /healthz on the configured
// address. Serve errors land on errCh.
func (d *Daemon) serveMetrics(errCh chan error) error {
	addr := d.cfg.Observability.MetricsAddr
	if addr == "" {
		addr = ":9090"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.NewConfig(errors.SubInvalid, "observability.metrics_addr",
			"cannot listen on "+addr+": "+err.Error())
	}
	d.metricsLn = ln

	mux := http.NewServeMux()
	mux.Handle("/metrics", d.provider.MetricsHandler())
	mux.HandleFunc("/healthz", d.handleHealthz)

	d.metricsServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := d.metricsServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	d.logger.Info("metrics endpoint listening", slog.String("addr", ln.Addr().String()))
	return nil
}

type healthStatus struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Commit     string `json:"commit,omitempty"`
	BuildDate  string `json:"build_date,omitempty"`
	QueueDepth int    `json:"queue_depth"`
	Draining   bool   `json:"draining"`
}

// handleHealthz reports process liveness plus coarse scheduler state.
func (d *Daemon) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthStatus{
		Status:     "ok",
		Version:    d.opts.Version,
		Commit:     d.opts.Commit,
		BuildDate:  d.opts.BuildDate,
		QueueDepth: d.facade.Depth(),
		Draining:   d.runner.IsDraining(),
	})
}
