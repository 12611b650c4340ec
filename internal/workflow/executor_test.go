package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
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
)

type env struct {
	tr     *llm.ScriptedTransport
	reg    *tools.Registry
	cfg    *config.Config
	h      *Handlers
	tasks  *task.MemStore
	cp     *checkpoint.Store
	taskID string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.New()
	cfg.DefaultModel = "test-model"
	cfg.Models = []config.ModelConfig{{ID: "test-model"}}

	tr := &llm.ScriptedTransport{}
	svc := llm.NewService(tr, logging.Nop())

	reg := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		builtin.NewSummarizer(nil, ""),
		builtin.NewTodoGenerator(nil, ""),
		builtin.NewTextGenerator(nil, ""),
		builtin.NewReportGenerator(nil, ""),
	} {
		if err := reg.Register(tool); err != nil {
			t.Fatal(err)
		}
	}

	tasks := task.NewMemStore()
	cp := checkpoint.New(t.TempDir(), checkpoint.WithSnapshotStore(tasks))

	return &env{
		tr:     tr,
		reg:    reg,
		cfg:    cfg,
		h:      NewHandlers(svc, reg, modelconfig.New(cfg), cfg, logging.Nop()),
		tasks:  tasks,
		cp:     cp,
		taskID: "task-1",
	}
}

func (e *env) createTask(t *testing.T, goal string) {
	t.Helper()
	ctx := context.Background()
	if err := e.tasks.Create(ctx, &task.Task{TaskID: e.taskID, UserID: "u1", GraphName: "default", Goal: goal}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.cp.CreateWorkflowDirectory(e.taskID, "u1", "sess-1"); err != nil {
		t.Fatal(err)
	}
}

func (e *env) seedState(t *testing.T, st *state.RuntimeState) {
	t.Helper()
	if err := e.cp.Save(context.Background(), e.taskID, st); err != nil {
		t.Fatal(err)
	}
}

func (e *env) executor(t *testing.T, g *graph.Graph, store task.Store) *Executor {
	t.Helper()
	if store == nil {
		store = e.tasks
	}
	ex, err := NewExecutor(g, e.h, e.cp, store, WithSleep(func(time.Duration) {}))
	if err != nil {
		t.Fatal(err)
	}
	return ex
}

func entryTypes(st *state.RuntimeState) []state.EntryType {
	conv := st.CurrentConversation()
	out := make([]state.EntryType, len(conv))
	for i, e := range conv {
		out[i] = e.Type
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.createTask(t, "summarize attached notes")

	st := state.New("summarize attached notes", "")
	st.PreprocessedFiles.Documents = map[string]any{"doc_1.md": "meeting notes about three launches"}
	e.seedState(t, st)

	e.tr.
		Script(`{"thought":"summarize the attached document","action":"CALL_TOOL","tool_name":"Summarizer","tool_input":{"content":"${preprocessed_files.documents.doc_1.md}"}}`).
		Script(`{"conclusion":"the notes describe three launches","is_finished":true,"is_sufficient":true,"key_findings":["three launches"]}`).
		Script(`{"thought":"enough material collected","action":"FINISH","output_guidance":{"key_points":["three launches"]}}`).
		Script(`{"tool_name":"TextGenerator"}`)

	ex := e.executor(t, graph.Default(), nil)
	if err := ex.Run(ctx, e.taskID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, _ := e.tasks.Get(ctx, e.taskID)
	if rec.Status != task.StatusCompleted {
		t.Fatalf("status = %s, error = %s", rec.Status, rec.Error)
	}

	loaded, err := e.cp.Load(ctx, e.taskID)
	if err != nil {
		t.Fatal(err)
	}
	want := []state.EntryType{
		state.EntryPlan, state.EntryToolOutput, state.EntryReflection,
		state.EntryPlan, state.EntryToolOutput, state.EntryFinalAnswer,
	}
	got := entryTypes(loaded)
	if len(got) != len(want) {
		t.Fatalf("entry types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %s, want %s", i, got[i], want[i])
		}
	}

	var outputData map[string]any
	if err := json.Unmarshal(rec.OutputData, &outputData); err != nil {
		t.Fatal(err)
	}
	if conclusion, _ := outputData["final_conclusion"].(string); conclusion == "" {
		t.Error("final_conclusion empty")
	}

	steps, _ := e.tasks.Steps(ctx, e.taskID)
	wantLog := []task.LogType{
		task.LogPlanner, task.LogToolCall, task.LogToolResult, task.LogReflection,
		task.LogPlanner, task.LogToolCall, task.LogFinalAnswer,
	}
	if len(steps) != len(wantLog) {
		for _, s := range steps {
			t.Logf("step %d %s", s.StepOrder, s.LogType)
		}
		t.Fatalf("step count = %d, want %d", len(steps), len(wantLog))
	}
	for i, s := range steps {
		if s.LogType != wantLog[i] {
			t.Errorf("step %d log type = %s, want %s", i, s.LogType, wantLog[i])
		}
		if s.StepOrder != i+1 {
			t.Errorf("step %d order = %d, want %d", i, s.StepOrder, i+1)
		}
	}

	if len(loaded.ChatHistory) != 1 || loaded.ChatHistory[0].Role != "assistant" {
		t.Errorf("chat history = %+v", loaded.ChatHistory)
	}
}

type flakyGenerator struct {
	name     string
	failures int
	message  string
	calls    int
}

func (f *flakyGenerator) Name() string                { return f.name }
func (f *flakyGenerator) Description() string         { return "flaky generator" }
func (f *flakyGenerator) Category() tools.Category    { return tools.CategoryGenerator }
func (f *flakyGenerator) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (f *flakyGenerator) RequiresStateAccess() bool   { return false }
func (f *flakyGenerator) Execute(ctx context.Context, inputs map[string]any) (tools.Output, error) {
	f.calls++
	if f.calls <= f.failures {
		msg := f.message
		if msg == "" {
			msg = "connection refused by upstream"
		}
		return tools.Output{}, fmt.Errorf("%s", msg)
	}
	return tools.Output{Status: tools.StatusSuccess, Output: map[string]any{"final_answer": "recovered answer", "title": "t"}}, nil
}

func TestRunOutputToolRetryAndFallback(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.createTask(t, "write the answer")
	e.seedState(t, state.New("write the answer", ""))

	// Replace TextGenerator with one that always fails with a network error.
	if err := e.reg.Register(&flakyGenerator{name: "TextGenerator", failures: 99}); err != nil {
		t.Fatal(err)
	}

	e.tr.
		Script(`{"thought":"nothing to research","action":"FINISH","output_guidance":{"key_points":["answer"]}}`).
		Script(`{"tool_name":"TextGenerator"}`)

	ex := e.executor(t, graph.Default(), nil)
	if err := ex.Run(ctx, e.taskID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, _ := e.tasks.Get(ctx, e.taskID)
	if rec.Status != task.StatusCompleted {
		t.Fatalf("status = %s, error = %s", rec.Status, rec.Error)
	}

	loaded, _ := e.cp.Load(ctx, e.taskID)
	if len(loaded.RetryHistory) != 3 {
		t.Fatalf("retry history length = %d, want 3", len(loaded.RetryHistory))
	}
	for i, r := range loaded.RetryHistory {
		if r.Attempt != i+1 || r.ToolName != "TextGenerator" || r.ErrorType != "network" {
			t.Errorf("retry %d = %+v", i, r)
		}
	}

	// The fallback generator rendered the answer.
	conv := loaded.CurrentConversation()
	last := conv[len(conv)-1]
	if last.Type != state.EntryFinalAnswer {
		t.Fatalf("last entry = %s", last.Type)
	}
	rendered := conv[len(conv)-2]
	if rendered.ToolName != "ReportGenerator" {
		t.Errorf("render tool = %s, want ReportGenerator fallback", rendered.ToolName)
	}

	var outputData map[string]any
	if err := json.Unmarshal(rec.OutputData, &outputData); err != nil {
		t.Fatal(err)
	}
	if _, ok := outputData["retry_history"]; !ok {
		t.Error("retry_history not persisted in output_data")
	}

	steps, _ := e.tasks.Steps(ctx, e.taskID)
	var recovered *task.ActionStep
	for _, s := range steps {
		if s.LogType == task.LogToolResult {
			if r, ok := s.Details["error_recovered"].(bool); ok && r {
				recovered = s
			}
		}
	}
	if recovered == nil {
		t.Fatal("no recovered tool_result row")
	}
	if recovered.Details["retry_attempt"] != 3 || recovered.Details["is_output_tool"] != true {
		t.Errorf("recovered row details = %v", recovered.Details)
	}
}

func TestRunOutputToolExhaustedFailsTask(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.createTask(t, "write the answer")
	e.seedState(t, state.New("write the answer", ""))

	// Both generators fail for good.
	if err := e.reg.Register(&flakyGenerator{name: "TextGenerator", failures: 99}); err != nil {
		t.Fatal(err)
	}
	if err := e.reg.Register(&flakyGenerator{name: "ReportGenerator", failures: 99}); err != nil {
		t.Fatal(err)
	}

	e.tr.
		Script(`{"thought":"done","action":"FINISH"}`).
		Script(`{"tool_name":"TextGenerator"}`)

	ex := e.executor(t, graph.Default(), nil)
	if err := ex.Run(ctx, e.taskID); err == nil {
		t.Fatal("expected error for exhausted output tools")
	}

	rec, _ := e.tasks.Get(ctx, e.taskID)
	if rec.Status != task.StatusFailed {
		t.Errorf("status = %s, want FAILED", rec.Status)
	}
	loaded, _ := e.cp.Load(ctx, e.taskID)
	if len(loaded.ErrorDetails) == 0 {
		t.Error("error_details not recorded")
	}
}

func TestRunOutputToolAuthFailureSkipsFallback(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.createTask(t, "write the answer")
	e.seedState(t, state.New("write the answer", ""))

	if err := e.reg.Register(&flakyGenerator{name: "TextGenerator", failures: 99, message: "invalid api key"}); err != nil {
		t.Fatal(err)
	}
	alt := &flakyGenerator{name: "ReportGenerator"}
	if err := e.reg.Register(alt); err != nil {
		t.Fatal(err)
	}

	e.tr.
		Script(`{"thought":"done","action":"FINISH"}`).
		Script(`{"tool_name":"TextGenerator"}`)

	ex := e.executor(t, graph.Default(), nil)
	if err := ex.Run(ctx, e.taskID); err == nil {
		t.Fatal("expected error for auth failure")
	}

	rec, _ := e.tasks.Get(ctx, e.taskID)
	if rec.Status != task.StatusFailed {
		t.Errorf("status = %s, want FAILED", rec.Status)
	}
	if alt.calls != 0 {
		t.Errorf("alternative generator invoked %d times after a non-retryable failure", alt.calls)
	}

	loaded, _ := e.cp.Load(ctx, e.taskID)
	if len(loaded.RetryHistory) != 1 {
		t.Fatalf("retry history length = %d, want 1", len(loaded.RetryHistory))
	}
	if loaded.RetryHistory[0].ErrorType != "auth" {
		t.Errorf("error type = %s, want auth", loaded.RetryHistory[0].ErrorType)
	}
	if loaded.ErrorDetails["error_type"] != "auth" {
		t.Errorf("error_details = %v", loaded.ErrorDetails)
	}
}

type cancelAfterGets struct {
	*task.MemStore
	after int
	calls int
}

func (c *cancelAfterGets) Get(ctx context.Context, taskID string) (*task.Task, error) {
	c.calls++
	if c.calls == c.after {
		if err := c.MemStore.SetStatus(ctx, taskID, task.StatusCancelled); err != nil {
			return nil, err
		}
	}
	return c.MemStore.Get(ctx, taskID)
}

func TestRunCancellationBetweenNodes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.createTask(t, "long task")
	st := state.New("long task", "")
	st.PreprocessedFiles.Documents = map[string]any{"doc_1.md": "body"}
	e.seedState(t, st)

	e.tr.Script(`{"thought":"start","action":"CALL_TOOL","tool_name":"Summarizer","tool_input":{"content":"x"}}`)

	// Get #1 is the initial load, #2 the check before planner, #3 the
	// check before the tool node, where the cancel lands.
	store := &cancelAfterGets{MemStore: e.tasks, after: 3}
	ex := e.executor(t, graph.Default(), store)
	if err := ex.Run(ctx, e.taskID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, _ := e.tasks.Get(ctx, e.taskID)
	if rec.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want CANCELLED", rec.Status)
	}

	loaded, _ := e.cp.Load(ctx, e.taskID)
	for _, entry := range loaded.CurrentConversation() {
		if entry.Type == state.EntryFinalAnswer {
			t.Error("final_answer appended to a cancelled task")
		}
	}
	steps, _ := e.tasks.Steps(ctx, e.taskID)
	if len(steps) != 1 || steps[0].LogType != task.LogPlanner {
		t.Errorf("steps = %+v, want single planner row", steps)
	}
}

func TestRunNavigationFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.createTask(t, "goal")
	e.seedState(t, state.New("goal", ""))

	g := graph.New("narrow", []graph.Node{
		{Name: "planner", Kind: graph.KindRouter, CallablePath: "handlers.planner"},
		{Name: "work", Kind: graph.KindTool, CallablePath: "handlers.tool_executor"},
	}, []graph.Edge{
		{Source: "planner", Target: "work", ConditionKey: "CALL_TOOL:Summarizer"},
		{Source: "work", Target: graph.End},
	})

	// The planner finishes but the graph has no FINISH edge.
	e.tr.Script(`{"thought":"done","action":"FINISH"}`)

	ex := e.executor(t, g, nil)
	err := ex.Run(ctx, e.taskID)
	if err == nil || !strings.Contains(err.Error(), "graph-navigation") {
		t.Fatalf("err = %v, want graph-navigation", err)
	}
	rec, _ := e.tasks.Get(ctx, e.taskID)
	if rec.Status != task.StatusFailed {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestRunResumesStepOrdering(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.createTask(t, "finish quickly")
	e.seedState(t, state.New("finish quickly", ""))

	// Simulate a prior run that already wrote five audit rows.
	for i := 1; i <= 5; i++ {
		if err := e.tasks.AppendStep(ctx, &task.ActionStep{TaskID: e.taskID, StepOrder: i, LogType: task.LogPlanner}); err != nil {
			t.Fatal(err)
		}
	}

	e.tr.
		Script(`{"thought":"done","action":"FINISH"}`).
		Script(`{"tool_name":"TextGenerator"}`)

	ex := e.executor(t, graph.Default(), nil)
	if err := ex.Run(ctx, e.taskID); err != nil {
		t.Fatalf("Run: %v", err)
	}

	steps, _ := e.tasks.Steps(ctx, e.taskID)
	for i, s := range steps {
		if s.StepOrder != i+1 {
			t.Fatalf("step order not contiguous at %d: %d", i, s.StepOrder)
		}
	}
	if steps[5].StepOrder != 6 {
		t.Errorf("first resumed step = %d, want 6", steps[5].StepOrder)
	}
}

func TestFinalizeIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.createTask(t, "goal")
	e.seedState(t, state.New("goal", ""))

	e.tr.
		Script(`{"thought":"done","action":"FINISH"}`).
		Script(`{"tool_name":"TextGenerator"}`)

	ex := e.executor(t, graph.Default(), nil)
	if err := ex.Run(ctx, e.taskID); err != nil {
		t.Fatal(err)
	}

	loaded, _ := e.cp.Load(ctx, e.taskID)
	before := len(loaded.CurrentConversation())
	stepsBefore, _ := e.tasks.Steps(ctx, e.taskID)

	step := len(stepsBefore) + 1
	if err := ex.finalize(ctx, e.taskID, loaded, map[string]any{"final_answer": "again", "title": "t"}, &step); err != nil {
		t.Fatal(err)
	}

	reloaded, _ := e.cp.Load(ctx, e.taskID)
	if len(reloaded.CurrentConversation()) != before {
		t.Error("finalize on completed task appended entries")
	}
	stepsAfter, _ := e.tasks.Steps(ctx, e.taskID)
	if len(stepsAfter) != len(stepsBefore) {
		t.Error("finalize on completed task wrote audit rows")
	}
}

func TestNewExecutorRejectsInvalidGraph(t *testing.T) {
	e := newEnv(t)
	g := graph.New("bad", []graph.Node{
		{Name: "other", Kind: graph.KindRouter, CallablePath: "handlers.planner"},
	}, []graph.Edge{{Source: "other", Target: graph.End}})
	if _, err := NewExecutor(g, e.h, e.cp, e.tasks); err == nil {
		t.Error("invalid graph accepted")
	}
}
