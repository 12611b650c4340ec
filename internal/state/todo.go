package state

import (
	"time"

	"loom/internal/shared/errors"
)

// TodoStatus is the lifecycle state of a TODO item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoProcessing TodoStatus = "processing"
	TodoCompleted  TodoStatus = "completed"
	TodoFailed     TodoStatus = "failed"
)

// Defaults applied when the generator leaves the fields unset.
const (
	DefaultTodoMaxRetry = 3
	DefaultTodoTimeout  = 300 * time.Second
)

// TodoItem is one planned sub-task produced by the TODO generator.
type TodoItem struct {
	ID             int        `json:"id"`
	Task           string     `json:"task"`
	Status         TodoStatus `json:"status"`
	SuggestedTools []string   `json:"suggested_tools,omitempty"`
	Dependencies   []int      `json:"dependencies,omitempty"`
	Retry          int        `json:"retry"`
	MaxRetry       int        `json:"max_retry"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ExecutionTime  float64    `json:"execution_time,omitempty"`
	RetryAfter     *time.Time `json:"retry_after,omitempty"`
	ErrorHistory   []string   `json:"error_history,omitempty"`
}

// Normalize fills defaults on a freshly generated item.
func (t *TodoItem) Normalize() {
	if t.Status == "" {
		t.Status = TodoPending
	}
	if t.MaxRetry <= 0 {
		t.MaxRetry = DefaultTodoMaxRetry
	}
	if t.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = int(DefaultTodoTimeout.Seconds())
	}
}

// Start marks the item processing and stamps the start time.
func (t *TodoItem) Start(now time.Time) {
	t.Status = TodoProcessing
	t.StartedAt = &now
}

// Complete marks the item done and records wall time.
func (t *TodoItem) Complete(now time.Time) {
	t.Status = TodoCompleted
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.ExecutionTime = now.Sub(*t.StartedAt).Seconds()
	}
}

// Fail records the error and either schedules a retry or marks the item
// failed once retries are exhausted.
func (t *TodoItem) Fail(now time.Time, errMsg string, kind errors.Kind) {
	t.ErrorHistory = append(t.ErrorHistory, errMsg)
	t.Retry++
	if t.MaxRetry <= 0 {
		t.MaxRetry = DefaultTodoMaxRetry
	}
	if t.Retry > t.MaxRetry {
		t.Status = TodoFailed
		t.CompletedAt = &now
		return
	}
	t.Status = TodoPending
	after := now.Add(todoRetryDelay(t.Retry, kind))
	t.RetryAfter = &after
}

// TimedOut reports whether a processing item has exceeded its budget.
func (t *TodoItem) TimedOut(now time.Time) bool {
	if t.Status != TodoProcessing || t.StartedAt == nil {
		return false
	}
	timeout := time.Duration(t.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = DefaultTodoTimeout
	}
	return now.Sub(*t.StartedAt) > timeout
}

// todoRetryDelay picks the wait before the next attempt: exponential
// capped at 8s, except network errors retry after a fixed second and
// rate limits double the exponential wait.
func todoRetryDelay(retry int, kind errors.Kind) time.Duration {
	if kind == errors.KindNetwork {
		return time.Second
	}
	shift := retry - 1
	if shift < 0 {
		shift = 0
	}
	d := time.Second * (1 << shift)
	if d > 8*time.Second {
		d = 8 * time.Second
	}
	if kind == errors.KindRateLimit {
		d *= 2
	}
	return d
}

// FindTodo returns the item with the given id.
func (s *RuntimeState) FindTodo(id int) *TodoItem {
	for i := range s.Todo {
		if s.Todo[i].ID == id {
			return &s.Todo[i]
		}
	}
	return nil
}

// ReplaceTodo installs a freshly generated list, normalizing each item.
func (s *RuntimeState) ReplaceTodo(items []TodoItem) {
	for i := range items {
		items[i].Normalize()
	}
	s.Todo = items
}

// ReadyTodos lists pending items whose dependencies are completed and
// whose retry window has elapsed.
func (s *RuntimeState) ReadyTodos(now time.Time) []*TodoItem {
	var ready []*TodoItem
	for i := range s.Todo {
		t := &s.Todo[i]
		if t.Status != TodoPending {
			continue
		}
		if t.RetryAfter != nil && now.Before(*t.RetryAfter) {
			continue
		}
		if !s.dependenciesMet(t) {
			continue
		}
		ready = append(ready, t)
	}
	return ready
}

func (s *RuntimeState) dependenciesMet(t *TodoItem) bool {
	for _, dep := range t.Dependencies {
		d := s.FindTodo(dep)
		if d == nil || d.Status != TodoCompleted {
			return false
		}
	}
	return true
}
