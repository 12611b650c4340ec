package worker

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/checkpoint"
	"loom/internal/graph"
	"loom/internal/llm"
	"loom/internal/modelconfig"
	"loom/internal/shared/config"
	"loom/internal/shared/logging"
	"loom/internal/state"
	"loom/internal/task"
	"loom/internal/tools"
	"loom/internal/tools/builtin"
	"loom/internal/workflow"
)

// queueTransport answers every task the same way: the planner finishes
// immediately and the selector picks TextGenerator. Replies key off the
// system prompt so interleaved tasks cannot cross wires.
type queueTransport struct {
	active atomic.Int32
	peak   atomic.Int32
	delay  time.Duration
}

func (q *queueTransport) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	cur := q.active.Add(1)
	for {
		p := q.peak.Load()
		if cur <= p || q.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	if q.delay > 0 {
		time.Sleep(q.delay)
	}
	q.active.Add(-1)

	if strings.Contains(req.System, "output tool") {
		return llm.Response{Content: `{"tool_name":"TextGenerator"}`}, nil
	}
	return llm.Response{Content: `{"thought":"done","action":"FINISH"}`}, nil
}

func newPool(t *testing.T, tr llm.Transport, maxWorkers int) (*Pool, *task.MemStore, *checkpoint.Store) {
	t.Helper()
	cfg := config.New()
	cfg.DefaultModel = "test-model"

	reg := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		builtin.NewSummarizer(nil, ""),
		builtin.NewTextGenerator(nil, ""),
		builtin.NewReportGenerator(nil, ""),
	} {
		if err := reg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}

	svc := llm.NewService(tr, logging.Nop())
	h := workflow.NewHandlers(svc, reg, modelconfig.New(cfg), cfg, logging.Nop())

	tasks := task.NewMemStore()
	cp := checkpoint.New(t.TempDir(), checkpoint.WithSnapshotStore(tasks))
	p := New(tasks, cp, graph.NewRegistry(), h, maxWorkers,
		WithExecutorOptions(workflow.WithSleep(func(time.Duration) {})))
	return p, tasks, cp
}

func TestSubmitRunsTaskToCompletion(t *testing.T) {
	ctx := context.Background()
	tr := &queueTransport{}
	p, tasks, cp := newPool(t, tr, 2)

	id, err := p.Submit(ctx, SubmitRequest{
		Goal:   "answer the question",
		UserID: "u1",
		PreprocessedFiles: state.PreprocessedFiles{
			Documents: map[string]any{"notes.md": "content"},
		},
		ChatHistory: []state.ChatMessage{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Wait()

	rec, err := tasks.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != task.StatusCompleted {
		t.Fatalf("status = %s, error = %s", rec.Status, rec.Error)
	}

	st, err := cp.Load(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.PreprocessedFiles.Documents["notes.md"] != "content" {
		t.Error("submitted files missing from checkpoint")
	}
	// Submit's chat turn plus the final assistant answer.
	if len(st.ChatHistory) != 2 {
		t.Errorf("chat history = %+v", st.ChatHistory)
	}
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newPool(t, &queueTransport{}, 1)

	if _, err := p.Submit(ctx, SubmitRequest{}); err == nil {
		t.Error("empty goal accepted")
	}
	if _, err := p.Submit(ctx, SubmitRequest{Goal: "g", GraphName: "missing"}); err == nil {
		t.Error("unknown graph accepted")
	}
	p.Wait()
}

func TestPoolBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	tr := &queueTransport{delay: 20 * time.Millisecond}
	p, tasks, _ := newPool(t, tr, 2)

	ids := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		id, err := p.Submit(ctx, SubmitRequest{Goal: "parallel goal"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	p.Wait()

	if peak := tr.peak.Load(); peak > 2 {
		t.Errorf("peak concurrent model calls = %d, want <= 2", peak)
	}
	for _, id := range ids {
		rec, _ := tasks.Get(ctx, id)
		if rec.Status != task.StatusCompleted {
			t.Errorf("task %s = %s", id, rec.Status)
		}
	}
}

func TestResumeStalePicksUpRunningTasks(t *testing.T) {
	ctx := context.Background()
	tr := &queueTransport{}
	p, tasks, cp := newPool(t, tr, 1)

	// A task left RUNNING by a crashed process: record plus checkpoint,
	// never scheduled here.
	stale := &task.Task{TaskID: "stale-1", UserID: "u1", GraphName: "default", Goal: "interrupted work"}
	if err := tasks.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := tasks.SetStatus(ctx, "stale-1", task.StatusRunning); err != nil {
		t.Fatal(err)
	}
	if _, err := cp.CreateWorkflowDirectory("stale-1", "u1", "sess"); err != nil {
		t.Fatal(err)
	}
	if err := cp.Save(ctx, "stale-1", state.New("interrupted work", "")); err != nil {
		t.Fatal(err)
	}

	n, err := p.ResumeStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("resumed = %d, want 1", n)
	}
	p.Wait()

	rec, _ := tasks.Get(ctx, "stale-1")
	if rec.Status != task.StatusCompleted {
		t.Errorf("status = %s, error = %s", rec.Status, rec.Error)
	}
}

func TestSubmitContinuesPriorSession(t *testing.T) {
	ctx := context.Background()
	tr := &queueTransport{}
	p, tasks, cp := newPool(t, tr, 1)

	first, err := p.Submit(ctx, SubmitRequest{
		Goal:      "first question",
		UserID:    "u1",
		SessionID: "sess-1",
		PreprocessedFiles: state.PreprocessedFiles{
			Documents: map[string]any{"a.md": "alpha"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Wait()

	second, err := p.Submit(ctx, SubmitRequest{
		Goal:         "follow-up question",
		UserID:       "u1",
		SessionID:    "sess-1",
		ContinueFrom: first,
		PreprocessedFiles: state.PreprocessedFiles{
			Documents: map[string]any{"b.md": "beta"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	p.Wait()

	rec, _ := tasks.Get(ctx, second)
	if rec.Status != task.StatusCompleted {
		t.Fatalf("status = %s, error = %s", rec.Status, rec.Error)
	}

	st, err := cp.Load(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if len(st.ActionHistory) != 2 {
		t.Fatalf("conversations = %d, want 2", len(st.ActionHistory))
	}
	if st.PreprocessedFiles.Documents["a.md"] != "alpha" || st.PreprocessedFiles.Documents["b.md"] != "beta" {
		t.Errorf("file buckets not merged: %v", st.PreprocessedFiles.Documents)
	}
	if st.TaskGoal != "follow-up question" {
		t.Errorf("goal = %s", st.TaskGoal)
	}
	// One assistant answer per completed task.
	if len(st.ChatHistory) != 2 {
		t.Errorf("chat history = %+v", st.ChatHistory)
	}
}

func TestResumeStaleSkipsTerminalTasks(t *testing.T) {
	ctx := context.Background()
	p, tasks, _ := newPool(t, &queueTransport{}, 1)

	done := &task.Task{TaskID: "done-1", GraphName: "default", Goal: "finished"}
	if err := tasks.Create(ctx, done); err != nil {
		t.Fatal(err)
	}
	if err := tasks.SetStatus(ctx, "done-1", task.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	n, err := p.ResumeStale(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("resumed = %d, want 0", n)
	}
	p.Wait()
}
