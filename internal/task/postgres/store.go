// Package postgres implements the task store on pgx.
package postgres

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"loom/internal/shared/logging"
	"loom/internal/task"
)

const (
	taskTable = "engine_tasks"
	stepTable = "engine_action_steps"
)

// Store is the Postgres-backed task store.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New constructs a Postgres-backed task store from an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("TaskPostgresStore"),
	}
}

// Connect opens a pool for the given URL and returns a store over it.
func Connect(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect task store: %w", err)
	}
	return New(pool), nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the task and step tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    task_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    graph_name TEXT NOT NULL DEFAULT 'default',
    goal TEXT NOT NULL DEFAULT '',
    usage_tag TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    output_data JSONB,
    state_snapshot JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_engine_tasks_status ON %s (status, created_at);

CREATE TABLE IF NOT EXISTS %s (
    id BIGSERIAL PRIMARY KEY,
    task_id TEXT NOT NULL REFERENCES %s (task_id),
    step_order INT NOT NULL,
    log_type TEXT NOT NULL,
    details JSONB,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (task_id, step_order, log_type, id)
);
CREATE INDEX IF NOT EXISTS idx_engine_action_steps_task ON %s (task_id, step_order);
`, taskTable, taskTable, stepTable, taskTable, stepTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

// Create persists a new task in PENDING.
func (s *Store) Create(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	now := time.Now()
	status := t.Status
	if status == "" {
		status = task.StatusPending
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = now
	}
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, user_id, session_id, graph_name, goal, usage_tag, status, output_data, state_snapshot, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
`, taskTable)
	_, err := s.pool.Exec(ctx, query,
		t.TaskID, t.UserID, t.SessionID, t.GraphName, t.Goal, t.Usage,
		string(status), nullableJSON(t.OutputData), nullableJSON(t.StateSnapshot), created, now)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.TaskID, err)
	}
	return nil
}

// Get retrieves a task by id.
func (s *Store) Get(ctx context.Context, taskID string) (*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	query := fmt.Sprintf(`
SELECT task_id, user_id, session_id, graph_name, goal, usage_tag, status, error,
       output_data, state_snapshot, created_at, updated_at, started_at, completed_at
FROM %s WHERE task_id = $1
`, taskTable)

	var (
		t      task.Task
		status string
	)
	err := s.pool.QueryRow(ctx, query, taskID).Scan(
		&t.TaskID, &t.UserID, &t.SessionID, &t.GraphName, &t.Goal, &t.Usage,
		&status, &t.Error, &t.OutputData, &t.StateSnapshot,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("task not found: %s", taskID)
		}
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	t.Status = task.Status(status)
	return &t, nil
}

// SetStatus updates the lifecycle status and stamps the matching
// timestamps.
func (s *Store) SetStatus(ctx context.Context, taskID string, status task.Status, opts ...task.TransitionOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	p := task.ApplyTransitionOptions(opts)
	now := time.Now()
	query := fmt.Sprintf(`
UPDATE %s SET
    status = $2,
    updated_at = $3,
    started_at = CASE WHEN $2 = 'RUNNING' AND started_at IS NULL THEN $3 ELSE started_at END,
    completed_at = CASE WHEN $4 AND completed_at IS NULL THEN $3 ELSE completed_at END,
    error = COALESCE($5, error),
    output_data = COALESCE($6, output_data)
WHERE task_id = $1
`, taskTable)
	tag, err := s.pool.Exec(ctx, query, taskID, string(status), now,
		status.IsTerminal(), p.ErrorText, nullableJSON(p.OutputData))
	if err != nil {
		return fmt.Errorf("set status %s on %s: %w", status, taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return nil
}

// SaveSnapshot stores the serialized runtime state as the fallback copy.
func (s *Store) SaveSnapshot(ctx context.Context, taskID string, snapshot json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	query := fmt.Sprintf(`UPDATE %s SET state_snapshot = $2, updated_at = $3 WHERE task_id = $1`, taskTable)
	tag, err := s.pool.Exec(ctx, query, taskID, []byte(snapshot), time.Now())
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("task not found: %s", taskID)
	}
	return nil
}

// Snapshot returns the stored state snapshot, nil when absent.
func (s *Store) Snapshot(ctx context.Context, taskID string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	query := fmt.Sprintf(`SELECT state_snapshot FROM %s WHERE task_id = $1`, taskTable)
	var snapshot []byte
	if err := s.pool.QueryRow(ctx, query, taskID).Scan(&snapshot); err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot for %s: %w", taskID, err)
	}
	if len(snapshot) == 0 {
		return nil, nil
	}
	return snapshot, nil
}

// AppendStep writes one audit row.
func (s *Store) AppendStep(ctx context.Context, step *task.ActionStep) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	details, err := json.Marshal(step.Details)
	if err != nil {
		s.logger.Warn("step details not serializable for %s: %v", step.TaskID, err)
		details = []byte(`{}`)
	}
	created := step.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (task_id, step_order, log_type, details, created_at)
VALUES ($1, $2, $3, $4, $5) RETURNING id
`, stepTable)
	if err := s.pool.QueryRow(ctx, query, step.TaskID, step.StepOrder, string(step.LogType), details, created).Scan(&step.ID); err != nil {
		return fmt.Errorf("append step for %s: %w", step.TaskID, err)
	}
	return nil
}

// MaxStepOrder returns the highest step_order for the task, 0 when no
// rows exist.
func (s *Store) MaxStepOrder(ctx context.Context, taskID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("task store not initialized")
	}
	query := fmt.Sprintf(`SELECT COALESCE(MAX(step_order), 0) FROM %s WHERE task_id = $1`, stepTable)
	var max int
	if err := s.pool.QueryRow(ctx, query, taskID).Scan(&max); err != nil {
		return 0, fmt.Errorf("max step order for %s: %w", taskID, err)
	}
	return max, nil
}

// Steps returns the audit rows for a task in step order.
func (s *Store) Steps(ctx context.Context, taskID string) ([]*task.ActionStep, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	query := fmt.Sprintf(`
SELECT id, task_id, step_order, log_type, details, created_at
FROM %s WHERE task_id = $1 ORDER BY step_order, id
`, stepTable)
	rows, err := s.pool.Query(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("list steps for %s: %w", taskID, err)
	}
	defer rows.Close()

	var steps []*task.ActionStep
	for rows.Next() {
		var (
			st      task.ActionStep
			logType string
			details []byte
		)
		if err := rows.Scan(&st.ID, &st.TaskID, &st.StepOrder, &logType, &details, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		st.LogType = task.LogType(logType)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &st.Details); err != nil {
				s.logger.Warn("corrupt step details for %s step %d: %v", taskID, st.StepOrder, err)
			}
		}
		steps = append(steps, &st)
	}
	return steps, rows.Err()
}

// ListByStatus returns tasks in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status task.Status, limit int) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	query := fmt.Sprintf(`
SELECT task_id, user_id, session_id, graph_name, goal, usage_tag, status, error,
       output_data, state_snapshot, created_at, updated_at, started_at, completed_at
FROM %s WHERE status = $1 ORDER BY created_at
`, taskTable)
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		var (
			t  task.Task
			st string
		)
		if err := rows.Scan(&t.TaskID, &t.UserID, &t.SessionID, &t.GraphName, &t.Goal, &t.Usage,
			&st, &t.Error, &t.OutputData, &t.StateSnapshot,
			&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = task.Status(st)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
