package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store for tests and database-less runs.
type MemStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	steps map[string][]*ActionStep
	seq   int64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks: make(map[string]*Task),
		steps: make(map[string][]*ActionStep),
	}
}

// EnsureSchema is a no-op for the in-memory store.
func (s *MemStore) EnsureSchema(ctx context.Context) error { return nil }

// Create persists a new task in PENDING.
func (s *MemStore) Create(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.TaskID]; exists {
		return fmt.Errorf("task already exists: %s", t.TaskID)
	}
	now := time.Now()
	cp := *t
	if cp.Status == "" {
		cp.Status = StatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tasks[t.TaskID] = &cp
	return nil
}

// Get retrieves a task by id.
func (s *MemStore) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	cp := *t
	return &cp, nil
}

// SetStatus updates the lifecycle status and stamps timestamps.
func (s *MemStore) SetStatus(ctx context.Context, taskID string, status Status, opts ...TransitionOption) error {
	p := ApplyTransitionOptions(opts)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	now := time.Now()
	t.Status = status
	t.UpdatedAt = now
	if status == StatusRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if status.IsTerminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if p.ErrorText != nil {
		t.Error = *p.ErrorText
	}
	if p.OutputData != nil {
		t.OutputData = append(json.RawMessage(nil), p.OutputData...)
	}
	return nil
}

// SaveSnapshot stores the serialized runtime state.
func (s *MemStore) SaveSnapshot(ctx context.Context, taskID string, snapshot json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}
	t.StateSnapshot = append(json.RawMessage(nil), snapshot...)
	t.UpdatedAt = time.Now()
	return nil
}

// Snapshot returns the stored state snapshot, nil when absent.
func (s *MemStore) Snapshot(ctx context.Context, taskID string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task not found: %s", taskID)
	}
	if t.StateSnapshot == nil {
		return nil, nil
	}
	return append(json.RawMessage(nil), t.StateSnapshot...), nil
}

// AppendStep writes one audit row.
func (s *MemStore) AppendStep(ctx context.Context, step *ActionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	cp := *step
	cp.ID = s.seq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.steps[step.TaskID] = append(s.steps[step.TaskID], &cp)
	return nil
}

// MaxStepOrder returns the highest step_order for the task.
func (s *MemStore) MaxStepOrder(ctx context.Context, taskID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, st := range s.steps[taskID] {
		if st.StepOrder > max {
			max = st.StepOrder
		}
	}
	return max, nil
}

// Steps returns the audit rows for a task in step order.
func (s *MemStore) Steps(ctx context.Context, taskID string) ([]*ActionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]*ActionStep, 0, len(s.steps[taskID]))
	for _, st := range s.steps[taskID] {
		cp := *st
		rows = append(rows, &cp)
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].StepOrder < rows[j].StepOrder })
	return rows, nil
}

// ListByStatus returns tasks in the given status, oldest first.
func (s *MemStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
