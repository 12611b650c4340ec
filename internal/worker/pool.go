// Package worker runs tasks through the graph executor with bounded
// concurrency. Submissions create the task record and the first
// checkpoint before any worker picks the task up, so a crash between
// submit and run loses nothing.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"loom/internal/checkpoint"
	"loom/internal/graph"
	"loom/internal/shared/logging"
	"loom/internal/state"
	"loom/internal/task"
	"loom/internal/workflow"
)

// SubmitRequest describes one task to run.
type SubmitRequest struct {
	Goal      string
	Usage     string
	UserID    string
	SessionID string
	GraphName string

	PreprocessedFiles state.PreprocessedFiles
	OriginImages      []string
	ChatHistory       []state.ChatMessage
	UserContext       map[string]any

	// ContinueFrom carries a prior task id in the same session. The new
	// task inherits its state: chat history and archived actions stay,
	// the action history gains a fresh conversation, and the submitted
	// files merge into the existing buckets.
	ContinueFrom string
}

// Pool executes submitted tasks with at most MaxWorkers running at once.
type Pool struct {
	tasks       task.Store
	checkpoints *checkpoint.Store
	graphs      *graph.Registry
	handlers    *workflow.Handlers

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger logging.Logger

	execOpts []workflow.ExecutorOption
}

// Option customises a Pool.
type Option func(*Pool)

// WithExecutorOptions forwards options to every executor the pool
// builds; tests use it to disable retry sleeps.
func WithExecutorOptions(opts ...workflow.ExecutorOption) Option {
	return func(p *Pool) { p.execOpts = opts }
}

// New builds a pool. maxWorkers below one falls back to a single slot.
func New(tasks task.Store, checkpoints *checkpoint.Store, graphs *graph.Registry, handlers *workflow.Handlers, maxWorkers int, opts ...Option) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	p := &Pool{
		tasks:       tasks,
		checkpoints: checkpoints,
		graphs:      graphs,
		handlers:    handlers,
		sem:         semaphore.NewWeighted(int64(maxWorkers)),
		logger:      logging.NewComponentLogger("WorkerPool"),
	}
	for _, fn := range opts {
		fn(p)
	}
	return p
}

// Submit records the task, writes its initial checkpoint and schedules
// it on the pool. The returned id is usable immediately for status
// polling even while the task waits for a slot.
func (p *Pool) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Goal == "" {
		return "", fmt.Errorf("submit: goal is required")
	}
	graphName := req.GraphName
	if graphName == "" {
		graphName = "default"
	}
	if _, err := p.graphs.Get(graphName); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	taskID := uuid.NewString()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	rec := &task.Task{
		TaskID:    taskID,
		UserID:    req.UserID,
		SessionID: sessionID,
		GraphName: graphName,
		Goal:      req.Goal,
		Usage:     req.Usage,
	}
	if err := p.tasks.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	st, err := p.initialState(ctx, req)
	if err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}

	if _, err := p.checkpoints.CreateWorkflowDirectory(taskID, req.UserID, sessionID); err != nil {
		return "", fmt.Errorf("submit: %w", err)
	}
	if err := p.checkpoints.Save(ctx, taskID, st); err != nil {
		return "", fmt.Errorf("submit: initial checkpoint: %w", err)
	}

	p.schedule(ctx, taskID, graphName)
	return taskID, nil
}

// initialState builds the state a new task starts from, continuing a
// prior task's state when requested.
func (p *Pool) initialState(ctx context.Context, req SubmitRequest) (*state.RuntimeState, error) {
	if req.ContinueFrom == "" {
		st := state.New(req.Goal, req.Usage)
		st.PreprocessedFiles = req.PreprocessedFiles
		st.OriginImages = req.OriginImages
		st.ChatHistory = req.ChatHistory
		st.UserContext = req.UserContext
		return st, nil
	}

	st, err := p.checkpoints.Load(ctx, req.ContinueFrom)
	if err != nil {
		return nil, fmt.Errorf("continue from %s: %w", req.ContinueFrom, err)
	}
	if st == nil {
		return nil, fmt.Errorf("continue from %s: no saved state", req.ContinueFrom)
	}

	st.TaskGoal = state.ComposeGoal(req.Goal, req.Usage)
	st.OriginalGoal = req.Goal
	st.Usage = req.Usage
	st.StartConversation()
	st.OutputToolInput = nil
	st.RetryHistory = nil
	st.ErrorDetails = nil

	mergeBuckets(&st.PreprocessedFiles, req.PreprocessedFiles)
	st.OriginImages = append(st.OriginImages, req.OriginImages...)
	st.ChatHistory = append(st.ChatHistory, req.ChatHistory...)
	for k, v := range req.UserContext {
		if st.UserContext == nil {
			st.UserContext = map[string]any{}
		}
		st.UserContext[k] = v
	}
	return st, nil
}

func mergeBuckets(dst *state.PreprocessedFiles, src state.PreprocessedFiles) {
	dst.Documents = mergeBucket(dst.Documents, src.Documents)
	dst.Tables = mergeBucket(dst.Tables, src.Tables)
	dst.Images = mergeBucket(dst.Images, src.Images)
	dst.Other = mergeBucket(dst.Other, src.Other)
}

func mergeBucket(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// ResumeStale reschedules tasks left RUNNING or PENDING by a previous
// process. Their checkpoints carry the progress; the executor picks up
// from the last saved step.
func (p *Pool) ResumeStale(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []task.Status{task.StatusRunning, task.StatusPending} {
		stale, err := p.tasks.ListByStatus(ctx, status, 0)
		if err != nil {
			return resumed, fmt.Errorf("list %s tasks: %w", status, err)
		}
		for _, rec := range stale {
			p.logger.Info("resuming stale %s task %s", status, rec.TaskID)
			p.schedule(ctx, rec.TaskID, rec.GraphName)
			resumed++
		}
	}
	return resumed, nil
}

// Wait blocks until every scheduled task has finished.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) schedule(ctx context.Context, taskID, graphName string) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.logger.Warn("task %s never ran: %v", taskID, err)
			return
		}
		defer p.sem.Release(1)
		p.run(ctx, taskID, graphName)
	}()
}

func (p *Pool) run(ctx context.Context, taskID, graphName string) {
	g, err := p.graphs.Get(graphName)
	if err != nil {
		p.logger.Error("task %s references unknown graph %s: %v", taskID, graphName, err)
		p.markFailed(ctx, taskID, err)
		return
	}
	ex, err := workflow.NewExecutor(g, p.handlers, p.checkpoints, p.tasks, p.execOpts...)
	if err != nil {
		p.logger.Error("executor for task %s: %v", taskID, err)
		p.markFailed(ctx, taskID, err)
		return
	}
	if err := ex.Run(ctx, taskID); err != nil {
		p.logger.Error("task %s finished with error: %v", taskID, err)
	}
}

func (p *Pool) markFailed(ctx context.Context, taskID string, cause error) {
	if err := p.tasks.SetStatus(ctx, taskID, task.StatusFailed, task.WithError(cause.Error())); err != nil {
		p.logger.Error("could not mark %s failed: %v", taskID, err)
	}
}
