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

// Package file turns spool-directory drops into pipeline submissions.
// A payload file landing in the watched directory fires the configured
// pipeline with the file path as a parameter; the (file path, mtime)
// pair becomes the submission's idempotency key, so the create/write
// event bursts a single copy produces collapse into one execution.
package file

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"github.com/spine-io/spine/internal/config"
	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/scheduler"
	"github.com/spine-io/spine/pkg/errors"
)

// Submitter is the slice of the scheduler facade the trigger needs.
type Submitter interface {
	Submit(ctx context.Context, pipelineName string, params pipeline.Params, trig scheduler.Trigger) (string, error)
}

// Watcher watches one spool directory and submits a pipeline for each
// matching file drop.
type Watcher struct {
	dir      string
	patterns []string
	pipeline string

	submitter Submitter
	watcher   *fsnotify.Watcher
	limiter   *rate.Limiter
	logger    *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher validates the configuration and prepares a watcher. The
// directory must exist; patterns must compile.
func NewWatcher(cfg config.FileTriggerConfig, submitter Submitter, logger *slog.Logger) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.NewConfig(errors.SubMissing, "triggers.file.dir", "spool directory is required")
	}
	if cfg.Pipeline == "" {
		return nil, errors.NewConfig(errors.SubMissing, "triggers.file.pipeline", "target pipeline is required")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, errors.NewConfig(errors.SubInvalid, "triggers.file.dir", err.Error())
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, errors.NewConfig(errors.SubInvalid, "triggers.file.dir",
			"spool directory does not exist: "+dir)
	}
	for _, pattern := range cfg.Patterns {
		if _, err := doublestar.Match(pattern, "probe"); err != nil {
			return nil, errors.NewConfig(errors.SubInvalid, "triggers.file.patterns",
				"pattern "+pattern+" does not compile")
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Watcher{
		dir:       dir,
		patterns:  cfg.Patterns,
		pipeline:  cfg.Pipeline,
		submitter: submitter,
		limiter:   limiter,
		logger: log.WithComponent(logger, "file-trigger").With(
			slog.String("dir", dir), slog.String(log.PipelineKey, cfg.Pipeline)),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}, nil
}

// Start begins watching. The loop runs until Stop or ctx death.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewOrchestration(errors.SubSchedule,
			"could not create filesystem watcher", false, err)
	}
	if err := fsw.Add(w.dir); err != nil {
		fsw.Close()
		return errors.NewOrchestration(errors.SubSchedule,
			"could not watch spool directory "+w.dir, false, err)
	}
	w.watcher = fsw

	go w.loop(ctx)
	w.logger.Info("file trigger started")
	return nil
}

// Stop halts the loop and releases the filesystem watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	<-w.doneCh
	return w.watcher.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			recordFileError("watch")
			w.logger.Error("file trigger watch error", log.Error(err))
		}
	}
}

// handleEvent fires one submission for a usable payload drop. Writes
// and creates both count: bulk copies surface as either depending on
// the tool, and the facade's idempotency key absorbs the duplicates.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}
	recordFileEvent(event.Op.String())

	info, err := os.Stat(event.Name)
	if err != nil || info.IsDir() {
		return
	}
	if !w.matches(event.Name) {
		w.logger.Debug("file ignored by patterns", slog.String("path", event.Name))
		return
	}
	if w.limiter != nil && !w.limiter.Allow() {
		recordFileRateLimited()
		w.logger.Warn("file drop rate limited", slog.String("path", event.Name))
		return
	}

	rel, err := filepath.Rel(w.dir, event.Name)
	if err != nil {
		rel = filepath.Base(event.Name)
	}

	executionID, err := w.submitter.Submit(ctx, w.pipeline,
		pipeline.Params{"path": event.Name},
		scheduler.Trigger{
			ScheduleID: "file:" + rel,
			FireTime:   info.ModTime(),
			Source:     "file",
		})
	if err != nil {
		recordFileError("submit")
		w.logger.Error("file drop submission failed",
			slog.String("path", event.Name), log.Error(err))
		return
	}
	recordFileSubmission()
	w.logger.Info("file drop submitted",
		slog.String("path", event.Name),
		slog.String(log.ExecutionIDKey, executionID))
}

// matches applies the doublestar patterns against the path relative
// to the spool dir and against the bare filename. No patterns means
// everything matches.
func (w *Watcher) matches(path string) bool {
	if len(w.patterns) == 0 {
		return true
	}
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	for _, pattern := range w.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, filepath.Base(path)); ok {
			return true
		}
	}
	return false
}
