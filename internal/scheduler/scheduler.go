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
	"sync"
	"time"

	"github.com/spine-io/spine/internal/dispatch"
	"github.com/spine-io/spine/internal/log"
	"github.com/spine-io/spine/internal/pipeline"
	"github.com/spine-io/spine/internal/storage"
	"github.com/spine-io/spine/pkg/errors"
)

// Trigger identifies one fire of an external schedule. ScheduleID and
// FireTime form the idempotency key: resubmitting the same pair
// within the dedupe window returns the original execution id instead
// of queueing a second run. Ad hoc submissions leave both zero.
type Trigger struct {
	ScheduleID string
	FireTime   time.Time

	// Source names where the fire came from ("cron", "file", "kafka",
	// "manual"). Recorded on the QUEUED event, never in params.
	Source string

	// Priority orders the submission queue; higher runs first. Not
	// persisted: a recovered execution re-enters at priority zero.
	Priority int
}

// Config bounds the facade's queue, pool, and retry policy.
type Config struct {
	Workers       int
	QueueCapacity int
	DedupeWindow  time.Duration
	MaxAttempts   int
	DrainTimeout  time.Duration
}

// Facade accepts trigger fires and turns them into tracked
// executions: dedupe, persist as QUEUED, enqueue, and let the worker
// pool drive the dispatcher. Failed executions are requeued while
// their failure is retryable and attempts remain, then dead-lettered.
type Facade struct {
	dispatcher *dispatch.Dispatcher
	runner     *dispatch.Runner
	queue      *Queue
	logger     *slog.Logger
	now        func() time.Time

	workers      int
	maxAttempts  int
	dedupeWindow time.Duration
	drainTimeout time.Duration

	mu       sync.Mutex
	seen     map[dedupeKey]dedupeEntry
	inflight map[string]context.CancelFunc
	running  bool
	stop     context.CancelFunc

	wg sync.WaitGroup
}

type dedupeKey struct {
	scheduleID string
	fireTime   int64
}

type dedupeEntry struct {
	executionID string
	expires     time.Time
}

// New builds a facade over a dispatcher and its runner. The runner is
// consulted for drain state: fires are refused while it drains.
func New(cfg Config, dispatcher *dispatch.Dispatcher, runner *dispatch.Runner, logger *slog.Logger) *Facade {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{
		dispatcher:   dispatcher,
		runner:       runner,
		queue:        NewQueue(cfg.QueueCapacity),
		logger:       log.WithComponent(logger, "scheduler"),
		now:          time.Now,
		workers:      cfg.Workers,
		maxAttempts:  cfg.MaxAttempts,
		dedupeWindow: cfg.DedupeWindow,
		drainTimeout: cfg.DrainTimeout,
		seen:         make(map[dedupeKey]dedupeEntry),
		inflight:     make(map[string]context.CancelFunc),
	}
}

// Submit accepts one trigger fire for a pipeline: the execution is
// persisted as PENDING, moved to QUEUED, and enqueued for the worker
// pool. Duplicate (schedule_id, fire_time) pairs inside the dedupe
// window return the first execution's id. Fires are refused while the
// runner drains.
func (f *Facade) Submit(ctx context.Context, pipelineName string, params pipeline.Params, trig Trigger) (string, error) {
	if f.runner != nil && f.runner.IsDraining() {
		recordSubmission("draining")
		return "", errors.NewOrchestration(errors.SubSchedule,
			"scheduler is draining, submission refused", true, nil)
	}

	key, dedupe := trig.dedupeKey()
	if dedupe {
		if id, ok := f.firstSubmission(key); ok {
			recordSubmission("duplicate")
			f.logger.Debug("duplicate fire absorbed",
				slog.String("schedule_id", trig.ScheduleID),
				slog.String(log.ExecutionIDKey, id))
			return id, nil
		}
	}

	executionID, err := f.dispatcher.Prepare(ctx, dispatch.Submission{
		Pipeline: pipelineName,
		Params:   params,
	})
	if err != nil {
		recordSubmission("rejected")
		return "", err
	}

	detail := map[string]any{"attempt": 1}
	if trig.ScheduleID != "" {
		detail["schedule_id"] = trig.ScheduleID
	}
	if !trig.FireTime.IsZero() {
		detail["fire_time"] = storage.FormatTime(trig.FireTime)
	}
	if trig.Source != "" {
		detail["trigger_source"] = trig.Source
	}
	if err := f.store().Transition(ctx, executionID, dispatch.StatusQueued, detail); err != nil {
		recordSubmission("rejected")
		return "", err
	}

	if err := f.queue.Enqueue(Item{
		ExecutionID: executionID,
		Pipeline:    pipelineName,
		Priority:    trig.Priority,
		Attempt:     1,
		EnqueuedAt:  f.now(),
	}); err != nil {
		recordSubmission("rejected")
		if terr := f.store().Transition(ctx, executionID, dispatch.StatusCancelled,
			map[string]any{"reason": "submission queue rejected the execution"}); terr != nil {
			f.logger.Warn("could not cancel unqueueable execution",
				slog.String(log.ExecutionIDKey, executionID), log.Error(terr))
		}
		return "", err
	}

	if dedupe {
		f.rememberSubmission(key, executionID)
	}
	recordSubmission("accepted")
	f.logger.Info("submission accepted",
		slog.String(log.ExecutionIDKey, executionID),
		slog.String(log.PipelineKey, pipelineName),
		slog.String("trigger_source", trig.Source))
	return executionID, nil
}

// Cancel requests cooperative cancellation. Pending and queued work
// lands CANCELLED immediately; running work is marked CANCELLING and
// signalled, landing once the pipeline notices its context.
func (f *Facade) Cancel(ctx context.Context, executionID string) error {
	exec, err := f.store().Get(ctx, executionID)
	if err != nil {
		return err
	}

	switch exec.Status {
	case dispatch.StatusPending:
		return f.store().Transition(ctx, executionID, dispatch.StatusCancelled,
			map[string]any{"reason": "cancelled before queueing"})
	case dispatch.StatusQueued:
		if err := f.store().Transition(ctx, executionID, dispatch.StatusCancelling, nil); err != nil {
			return err
		}
		return f.store().Transition(ctx, executionID, dispatch.StatusCancelled,
			map[string]any{"reason": "cancelled while queued"})
	case dispatch.StatusRunning:
		if err := f.store().Transition(ctx, executionID, dispatch.StatusCancelling, nil); err != nil {
			return err
		}
		f.mu.Lock()
		cancel := f.inflight[executionID]
		f.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		return errors.NewOrchestration(errors.SubSchedule,
			fmt.Sprintf("execution %s is %s and cannot be cancelled", executionID, exec.Status), false, nil)
	}
}

// Start launches the worker pool. Safe to call once per lifecycle;
// repeated calls are ignored until Stop.
func (f *Facade) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	workCtx, cancel := context.WithCancel(ctx)
	f.stop = cancel
	f.mu.Unlock()

	for i := 0; i < f.workers; i++ {
		f.wg.Add(1)
		go f.worker(workCtx)
	}
	f.logger.Info("scheduler started", slog.Int("workers", f.workers))
}

// Stop drains the pool: the queue closes so idle workers exit, busy
// workers finish their execution, and anything still running at the
// drain deadline is aborted (the runner lands it as a retryable
// failure).
func (f *Facade) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cancel := f.stop
	f.mu.Unlock()

	f.queue.Close()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(f.drainTimeout):
		f.logger.Warn("drain deadline reached, aborting in-flight executions")
		cancel()
		<-done
	}
	cancel()
	f.logger.Info("scheduler stopped")
}

// Recover re-enqueues executions the store still shows as QUEUED.
// Called once at startup so work orphaned by a previous shutdown is
// picked up again; attempts carry over from the last QUEUED event.
func (f *Facade) Recover(ctx context.Context) (int, error) {
	execs, err := f.store().List(ctx, dispatch.ListFilter{Status: dispatch.StatusQueued})
	if err != nil {
		return 0, err
	}

	recovered := 0
	// List is newest-first; walk backwards so older work queues first.
	for i := len(execs) - 1; i >= 0; i-- {
		exec := execs[i]
		attempt := f.lastAttempt(ctx, exec.ID)
		if err := f.queue.Enqueue(Item{
			ExecutionID: exec.ID,
			Pipeline:    exec.Pipeline,
			Attempt:     attempt,
			EnqueuedAt:  f.now(),
		}); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		f.logger.Info("recovered queued executions", slog.Int("count", recovered))
	}
	return recovered, nil
}

// Depth reports the submission queue backlog.
func (f *Facade) Depth() int {
	return f.queue.Len()
}

func (f *Facade) store() *dispatch.Store {
	return f.dispatcher.Store()
}

func (t Trigger) dedupeKey() (dedupeKey, bool) {
	if t.ScheduleID == "" || t.FireTime.IsZero() {
		return dedupeKey{}, false
	}
	return dedupeKey{scheduleID: t.ScheduleID, fireTime: t.FireTime.UTC().UnixNano()}, true
}

// firstSubmission returns the execution id recorded for a dedupe key,
// pruning expired entries on the way.
func (f *Facade) firstSubmission(key dedupeKey) (string, bool) {
	now := f.now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, entry := range f.seen {
		if now.After(entry.expires) {
			delete(f.seen, k)
		}
	}
	entry, ok := f.seen[key]
	if !ok {
		return "", false
	}
	return entry.executionID, true
}

func (f *Facade) rememberSubmission(key dedupeKey, executionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[key] = dedupeEntry{executionID: executionID, expires: f.now().Add(f.dedupeWindow)}
}

func (f *Facade) worker(ctx context.Context) {
	defer f.wg.Done()
	for {
		item, err := f.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		f.process(ctx, item)
	}
}

// process drives one queued execution to a settled state. Pipeline
// failures feed the retry policy; machinery errors are logged against
// the execution's current status.
func (f *Facade) process(ctx context.Context, item Item) {
	runCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.inflight[item.ExecutionID] = cancel
	f.mu.Unlock()
	defer func() {
		cancel()
		f.mu.Lock()
		delete(f.inflight, item.ExecutionID)
		f.mu.Unlock()
	}()

	logger := f.logger.With(
		slog.String(log.ExecutionIDKey, item.ExecutionID),
		slog.String(log.PipelineKey, item.Pipeline),
		slog.Int("attempt", item.Attempt))

	exec, err := f.dispatcher.Execute(runCtx, item.ExecutionID)
	if err != nil {
		f.inspectStalled(item, err, logger)
		return
	}
	if exec.Status == dispatch.StatusFailed {
		f.settleFailure(item, logger)
	}
}

// inspectStalled handles an Execute machinery error: a cancelled
// execution dequeued late is routine, a FAILED row still settles, and
// anything else is surfaced for an operator.
func (f *Facade) inspectStalled(item Item, execErr error, logger *slog.Logger) {
	ctx := context.Background()
	exec, err := f.store().Get(ctx, item.ExecutionID)
	if err != nil {
		logger.Error("execution unresolvable after dispatch error", log.Error(execErr))
		return
	}
	switch {
	case exec.Status.Terminal():
		logger.Debug("queued item already settled", slog.String("status", string(exec.Status)))
	case exec.Status == dispatch.StatusFailed:
		f.settleFailure(item, logger)
	default:
		logger.Error("execution stalled",
			slog.String("status", string(exec.Status)), log.Error(execErr))
	}
}

// settleFailure requeues a retryable failure while attempts remain,
// otherwise dead-letters it. Bookkeeping runs on a background context
// so a dying caller cannot strand a FAILED execution.
func (f *Facade) settleFailure(item Item, logger *slog.Logger) {
	ctx := context.Background()

	if !f.lastFailureRetryable(ctx, item.ExecutionID) {
		f.deadLetter(ctx, item, "failure is not retryable", logger)
		return
	}
	if item.Attempt >= f.maxAttempts {
		f.deadLetter(ctx, item, fmt.Sprintf("%d attempts exhausted", item.Attempt), logger)
		return
	}

	next := item.Attempt + 1
	if err := f.store().Transition(ctx, item.ExecutionID, dispatch.StatusQueued,
		map[string]any{"attempt": next, "reason": "retryable failure"}); err != nil {
		logger.Error("could not requeue failed execution", log.Error(err))
		return
	}
	if err := f.queue.Enqueue(Item{
		ExecutionID: item.ExecutionID,
		Pipeline:    item.Pipeline,
		Priority:    item.Priority,
		Attempt:     next,
		EnqueuedAt:  f.now(),
	}); err != nil {
		if errors.Is(err, ErrQueueClosed) {
			// Shutting down: leave it QUEUED for Recover on next boot.
			logger.Info("requeue deferred to restart recovery")
			return
		}
		if terr := f.store().Transition(ctx, item.ExecutionID, dispatch.StatusCancelled,
			map[string]any{"reason": "requeue rejected: " + err.Error()}); terr != nil {
			logger.Error("could not cancel unrequeueable execution", log.Error(terr))
		}
		return
	}
	requeuesTotal.WithLabelValues(item.Pipeline).Inc()
	logger.Info("execution requeued", slog.Int("next_attempt", next))
}

func (f *Facade) deadLetter(ctx context.Context, item Item, reason string, logger *slog.Logger) {
	detail := map[string]any{"attempts": item.Attempt, "reason": reason}
	if err := f.store().Transition(ctx, item.ExecutionID, dispatch.StatusDeadLettered, detail); err != nil {
		logger.Error("could not dead-letter execution", log.Error(err))
		return
	}
	deadLettersTotal.WithLabelValues(item.Pipeline).Inc()
	logger.Error("execution dead-lettered", slog.String("reason", reason))
}

// lastFailureRetryable reads the retryable flag off the newest FAILED
// event. Unclassified failures are deterministic pipeline outcomes,
// not transients, so they do not retry.
func (f *Facade) lastFailureRetryable(ctx context.Context, executionID string) bool {
	events, err := f.store().Events(ctx, executionID)
	if err != nil {
		f.logger.Warn("could not read failure events",
			slog.String(log.ExecutionIDKey, executionID), log.Error(err))
		return false
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != string(dispatch.StatusFailed) {
			continue
		}
		if v, ok := events[i].Data["retryable"].(bool); ok {
			return v
		}
		return false
	}
	return false
}

// lastAttempt recovers the attempt counter from the newest QUEUED
// event detail.
func (f *Facade) lastAttempt(ctx context.Context, executionID string) int {
	events, err := f.store().Events(ctx, executionID)
	if err != nil {
		return 1
	}
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type != string(dispatch.StatusQueued) {
			continue
		}
		if v, ok := events[i].Data["attempt"].(float64); ok && v >= 1 {
			return int(v)
		}
		return 1
	}
	return 1
}
