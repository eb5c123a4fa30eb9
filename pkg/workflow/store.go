package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spine-io/spine/pkg/errors"
)

// Store persists workflow runs and their steps. The engine writes
// through it when one is configured; LoadSnapshot feeds Resume.
type Store interface {
	// CreateRun records a run in RUNNING state before its first step.
	CreateRun(ctx context.Context, runID, workflow string, startedAt time.Time, params map[string]any, totalSteps int) error

	// RecordStep appends one executed step to a run.
	RecordStep(ctx context.Context, runID string, exec StepExecution) error

	// FinishRun stamps the terminal status, final outputs, and timing.
	FinishRun(ctx context.Context, res *RunResult) error

	// LoadSnapshot rebuilds a context snapshot from a stored run.
	LoadSnapshot(ctx context.Context, runID string) (*Snapshot, error)
}

// RunRecord is the stored view of one workflow run.
type RunRecord struct {
	RunID          string
	Workflow       string
	Status         RunStatus
	StartedAt      time.Time
	CompletedAt    time.Time // zero while the run is in flight
	Duration       time.Duration
	Params         map[string]any
	Outputs        map[string]map[string]any
	Error          string
	ErrorStep      string
	TotalSteps     int
	CompletedSteps int
}

// MemoryStore is an in-process Store. It backs tests and embedded
// setups that want resume without a database.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*RunRecord
	steps map[string][]StepExecution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*RunRecord),
		steps: make(map[string][]StepExecution),
	}
}

// CreateRun implements Store.
func (s *MemoryStore) CreateRun(ctx context.Context, runID, workflow string, startedAt time.Time, params map[string]any, totalSteps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[runID]; exists {
		return errors.NewOrchestration(errors.SubConstraint,
			fmt.Sprintf("workflow run %s already exists", runID), false, nil)
	}
	s.runs[runID] = &RunRecord{
		RunID:      runID,
		Workflow:   workflow,
		Status:     RunStatusRunning,
		StartedAt:  startedAt,
		Params:     copyMap(params),
		Outputs:    map[string]map[string]any{},
		TotalSteps: totalSteps,
	}
	return nil
}

// RecordStep implements Store.
func (s *MemoryStore) RecordStep(ctx context.Context, runID string, exec StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[runID]; !exists {
		return errors.NewOrchestration(errors.SubNotFound,
			fmt.Sprintf("workflow run %s not found", runID), false, nil)
	}
	s.steps[runID] = append(s.steps[runID], exec)
	return nil
}

// FinishRun implements Store.
func (s *MemoryStore) FinishRun(ctx context.Context, res *RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.runs[res.RunID]
	if !exists {
		return errors.NewOrchestration(errors.SubNotFound,
			fmt.Sprintf("workflow run %s not found", res.RunID), false, nil)
	}
	rec.Status = res.Status
	rec.CompletedAt = res.StartedAt.Add(res.Duration)
	rec.Duration = res.Duration
	rec.Error = res.Error
	rec.ErrorStep = res.ErrorStep
	rec.CompletedSteps = res.CompletedSteps()
	if res.Context != nil {
		rec.Outputs = res.Context.Outputs()
		rec.Params = res.Context.Params()
	}
	return nil
}

// LoadSnapshot implements Store.
func (s *MemoryStore) LoadSnapshot(ctx context.Context, runID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.runs[runID]
	if !exists {
		return nil, errors.NewOrchestration(errors.SubNotFound,
			fmt.Sprintf("workflow run %s not found", runID), false, nil)
	}
	snap := &Snapshot{
		RunID:    rec.RunID,
		Workflow: rec.Workflow,
		Params:   copyMap(rec.Params),
		Outputs:  map[string]map[string]any{},
	}
	for name, out := range rec.Outputs {
		snap.Outputs[name] = copyMap(out)
	}
	return snap, nil
}

// GetRun returns the stored record for a run.
func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.runs[runID]
	if !exists {
		return nil, errors.NewOrchestration(errors.SubNotFound,
			fmt.Sprintf("workflow run %s not found", runID), false, nil)
	}
	cp := *rec
	cp.Params = copyMap(rec.Params)
	cp.Outputs = map[string]map[string]any{}
	for name, out := range rec.Outputs {
		cp.Outputs[name] = copyMap(out)
	}
	return &cp, nil
}

// Steps returns the recorded steps of a run in execution order.
func (s *MemoryStore) Steps(ctx context.Context, runID string) ([]StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.runs[runID]; !exists {
		return nil, errors.NewOrchestration(errors.SubNotFound,
			fmt.Sprintf("workflow run %s not found", runID), false, nil)
	}
	out := make([]StepExecution, len(s.steps[runID]))
	copy(out, s.steps[runID])
	return out, nil
}
