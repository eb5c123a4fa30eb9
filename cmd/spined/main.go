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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spine-io/spine/internal/config"
	"github.com/spine-io/spine/internal/daemon"
	"github.com/spine-io/spine/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file")
		backend     = flag.String("backend", "", "Storage backend (sqlite, postgres)")
		databaseURL = flag.String("database-url", "", "Database connection string")
		metricsAddr = flag.String("metrics-addr", "", "Listen address for /metrics and /healthz")
		workers     = flag.Int("workers", 0, "Number of scheduler workers")
		noMigrate   = flag.Bool("no-migrate", false, "Skip schema migrations at startup")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("spined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Environment-configured logging covers config-load errors; the
	// file's log section is folded in right after.
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", log.Error(err))
		os.Exit(1)
	}

	logger = buildLogger(cfg)
	slog.SetDefault(logger)

	// Apply CLI flag overrides
	if *backend != "" {
		cfg.Storage.Backend = *backend
	}
	if *databaseURL != "" {
		cfg.Storage.DatabaseURL = *databaseURL
	}
	if *metricsAddr != "" {
		cfg.Observability.MetricsAddr = *metricsAddr
	}
	if *workers > 0 {
		cfg.Scheduler.Workers = *workers
	}
	if *noMigrate {
		cfg.Storage.MigrateOnStart = false
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", log.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := daemon.New(ctx, cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("failed to create daemon", log.Error(err))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", log.Error(err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", log.Error(err))
			os.Exit(1)
		}
	}
}

// buildLogger merges the config file's log section with the
// environment. FromEnv already folded the environment in, so the file
// applies only where the environment was silent.
func buildLogger(cfg *config.Config) *slog.Logger {
	logCfg := log.FromEnv()
	envLevel := os.Getenv("SPINE_DEBUG") != "" ||
		os.Getenv("SPINE_LOG_LEVEL") != "" ||
		os.Getenv("LOG_LEVEL") != ""
	if !envLevel && cfg.Log.Level != "" {
		logCfg.Level = cfg.Log.Level
	}
	if os.Getenv("LOG_FORMAT") == "" && cfg.Log.Format != "" {
		logCfg.Format = log.Format(cfg.Log.Format)
	}
	return log.New(logCfg)
}
