// Package task defines the task record, the ActionStep audit log and the
// store port shared by the in-memory and Postgres implementations.
package task

import (
	"context"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LogType classifies an ActionStep row.
type LogType string

const (
	LogPlanner     LogType = "planner"
	LogToolCall    LogType = "tool_call"
	LogToolResult  LogType = "tool_result"
	LogReflection  LogType = "reflection"
	LogFinalAnswer LogType = "final_answer"
	LogTodoUpdate  LogType = "todo_update"
)

// ActionStep is one audit row. StepOrder is monotonic per task and keeps
// counting across resumes.
type ActionStep struct {
	ID        int64          `json:"id"`
	TaskID    string         `json:"task_id"`
	StepOrder int            `json:"step_order"`
	LogType   LogType        `json:"log_type"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Task is the persistent task record.
type Task struct {
	TaskID    string `json:"task_id"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	GraphName string `json:"graph_name"`
	Goal      string `json:"goal"`
	Usage     string `json:"usage,omitempty"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	// OutputData is the final result document written at completion.
	OutputData json.RawMessage `json:"output_data,omitempty"`

	// StateSnapshot is the database fallback copy of the serialized
	// runtime state, used when the filesystem checkpoint is unavailable.
	StateSnapshot json.RawMessage `json:"state_snapshot,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TransitionParams holds optional fields for a SetStatus call.
type TransitionParams struct {
	ErrorText  *string
	OutputData json.RawMessage
}

// TransitionOption customises a SetStatus call.
type TransitionOption func(*TransitionParams)

// WithError records the failure text alongside the status change.
func WithError(errText string) TransitionOption {
	return func(p *TransitionParams) { p.ErrorText = &errText }
}

// WithOutputData stores the final output document alongside the status
// change.
func WithOutputData(output json.RawMessage) TransitionOption {
	return func(p *TransitionParams) { p.OutputData = output }
}

// ApplyTransitionOptions collects all options into a TransitionParams.
func ApplyTransitionOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}

// Store is the task persistence port.
type Store interface {
	// EnsureSchema creates or migrates the schema.
	EnsureSchema(ctx context.Context) error

	// Create persists a new task in PENDING.
	Create(ctx context.Context, t *Task) error

	// Get retrieves a task by id.
	Get(ctx context.Context, taskID string) (*Task, error)

	// SetStatus updates the lifecycle status and stamps the matching
	// timestamps.
	SetStatus(ctx context.Context, taskID string, status Status, opts ...TransitionOption) error

	// SaveSnapshot stores the serialized runtime state as the database
	// fallback copy.
	SaveSnapshot(ctx context.Context, taskID string, snapshot json.RawMessage) error

	// Snapshot returns the stored state snapshot, or nil when absent.
	Snapshot(ctx context.Context, taskID string) (json.RawMessage, error)

	// AppendStep writes one audit row.
	AppendStep(ctx context.Context, step *ActionStep) error

	// MaxStepOrder returns the highest step_order for the task, 0 when no
	// rows exist.
	MaxStepOrder(ctx context.Context, taskID string) (int, error)

	// Steps returns the audit rows for a task in step order.
	Steps(ctx context.Context, taskID string) ([]*ActionStep, error)

	// ListByStatus returns tasks in the given status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Task, error)
}
