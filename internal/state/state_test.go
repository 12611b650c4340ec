package state

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"loom/internal/shared/errors"
)

func TestNewStateHasOneEmptyConversation(t *testing.T) {
	s := New("summarize notes", "")
	if len(s.ActionHistory) != 1 || len(s.ActionHistory[0]) != 0 {
		t.Fatalf("ActionHistory = %v, want [[]]", s.ActionHistory)
	}
	if s.OriginalGoal != "summarize notes" {
		t.Errorf("OriginalGoal = %q", s.OriginalGoal)
	}
}

func TestComposeGoalWithUsage(t *testing.T) {
	s := New("write report", "quarterly-review")
	if !strings.Contains(s.TaskGoal, "write report") || !strings.Contains(s.TaskGoal, "quarterly-review") {
		t.Errorf("TaskGoal = %q", s.TaskGoal)
	}
	if s.OriginalGoal != "write report" {
		t.Errorf("OriginalGoal = %q", s.OriginalGoal)
	}
}

func TestAppendEntryWritesLastConversation(t *testing.T) {
	s := New("g", "")
	s.AppendEntry(ActionEntry{Type: EntryPlan, Data: map[string]any{"output": "p1"}})
	s.StartConversation()
	s.AppendEntry(ActionEntry{Type: EntryPlan, Data: map[string]any{"output": "p2"}})
	if len(s.ActionHistory) != 2 {
		t.Fatalf("conversations = %d, want 2", len(s.ActionHistory))
	}
	if len(s.ActionHistory[0]) != 1 || len(s.ActionHistory[1]) != 1 {
		t.Fatalf("entry counts = %d/%d", len(s.ActionHistory[0]), len(s.ActionHistory[1]))
	}
	if s.CurrentConversation()[0].Data["output"] != "p2" {
		t.Error("CurrentConversation did not return the last conversation")
	}
}

func TestUnmarshalNestedHistory(t *testing.T) {
	body := `{"task_goal":"g","action_history":[[{"type":"plan","data":{"output":"x"}}]]}`
	var s RuntimeState
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		t.Fatal(err)
	}
	if s.MigratedFlatHistory() {
		t.Error("nested history flagged as migrated")
	}
	if len(s.ActionHistory) != 1 || s.ActionHistory[0][0].Type != EntryPlan {
		t.Errorf("ActionHistory = %v", s.ActionHistory)
	}
}

func TestUnmarshalFlatHistoryWraps(t *testing.T) {
	body := `{"task_goal":"g","action_history":[{"type":"plan","data":{}},{"type":"tool_output","data":{},"tool_name":"Search"}]}`
	var s RuntimeState
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		t.Fatal(err)
	}
	if !s.MigratedFlatHistory() {
		t.Error("flat history not flagged as migrated")
	}
	if len(s.ActionHistory) != 1 || len(s.ActionHistory[0]) != 2 {
		t.Fatalf("ActionHistory = %v, want one wrapped conversation", s.ActionHistory)
	}
	if s.ActionHistory[0][1].ToolName != "Search" {
		t.Error("entry fields lost in wrap")
	}
}

func TestUnmarshalEmptyHistoryNormalizes(t *testing.T) {
	for _, body := range []string{
		`{"task_goal":"g"}`,
		`{"task_goal":"g","action_history":null}`,
		`{"task_goal":"g","action_history":[]}`,
	} {
		var s RuntimeState
		if err := json.Unmarshal([]byte(body), &s); err != nil {
			t.Fatalf("%s: %v", body, err)
		}
		if len(s.ActionHistory) != 1 || len(s.ActionHistory[0]) != 0 {
			t.Errorf("%s: ActionHistory = %v, want [[]]", body, s.ActionHistory)
		}
	}
}

func TestUnmarshalHeterogeneousHistoryFails(t *testing.T) {
	body := `{"task_goal":"g","action_history":[{"type":"plan","data":{}},[{"type":"plan","data":{}}]]}`
	var s RuntimeState
	if err := json.Unmarshal([]byte(body), &s); err == nil {
		t.Fatal("expected error for mixed flat/nested history")
	}
}

func TestRoundTripPreservesState(t *testing.T) {
	s := New("g", "tag")
	s.PreprocessedFiles.Documents = map[string]any{"doc_1.md": "body"}
	s.AppendEntry(ActionEntry{Type: EntryPlan, Data: map[string]any{"action": "FINISH"}})
	id := s.RecordAction(ActionRecord{ToolOutput: map[string]any{"output": "result"}})

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	var got RuntimeState
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.TaskGoal != s.TaskGoal || got.OriginalGoal != "g" {
		t.Error("goal fields changed in round trip")
	}
	if got.FullActionData[id].ToolOutput["output"] != "result" {
		t.Error("full_action_data lost in round trip")
	}
	if len(got.ActionHistory) != 1 || len(got.ActionHistory[0]) != 1 {
		t.Errorf("ActionHistory = %v", got.ActionHistory)
	}
}

func TestRecordActionAvoidsCollision(t *testing.T) {
	s := New("g", "")
	a := s.RecordAction(ActionRecord{})
	b := s.RecordAction(ActionRecord{})
	if a == b {
		t.Errorf("duplicate action ids: %s", a)
	}
	if !strings.HasPrefix(a, "action_") || !strings.HasPrefix(b, "action_") {
		t.Errorf("unexpected id format: %s %s", a, b)
	}
}

func TestTodoLifecycle(t *testing.T) {
	now := time.Now()
	item := TodoItem{ID: 1, Task: "analyze data"}
	item.Normalize()
	if item.Status != TodoPending || item.MaxRetry != 3 {
		t.Fatalf("Normalize: %+v", item)
	}

	item.Start(now)
	if item.Status != TodoProcessing {
		t.Error("Start did not mark processing")
	}
	item.Complete(now.Add(2 * time.Second))
	if item.Status != TodoCompleted || item.ExecutionTime < 2 {
		t.Errorf("Complete: %+v", item)
	}
}

func TestTodoFailSchedulesRetry(t *testing.T) {
	now := time.Now()
	item := TodoItem{ID: 1, Task: "t", MaxRetry: 3}

	item.Fail(now, "boom", errors.KindServer)
	if item.Status != TodoPending || item.Retry != 1 {
		t.Fatalf("first failure: %+v", item)
	}
	if got := item.RetryAfter.Sub(now); got != time.Second {
		t.Errorf("retry 1 delay = %v, want 1s", got)
	}

	item.Fail(now, "boom", errors.KindServer)
	if got := item.RetryAfter.Sub(now); got != 2*time.Second {
		t.Errorf("retry 2 delay = %v, want 2s", got)
	}

	item.Fail(now, "boom", errors.KindServer)
	if item.Status != TodoPending || item.Retry != 3 {
		t.Fatalf("third failure: %+v", item)
	}
	if got := item.RetryAfter.Sub(now); got != 4*time.Second {
		t.Errorf("retry 3 delay = %v, want 4s", got)
	}

	item.Fail(now, "boom", errors.KindServer)
	if item.Status != TodoFailed {
		t.Errorf("status after max retries = %s, want failed", item.Status)
	}
	if len(item.ErrorHistory) != 4 {
		t.Errorf("error history length = %d", len(item.ErrorHistory))
	}
}

func TestTodoRetryDelayByKind(t *testing.T) {
	now := time.Now()

	network := TodoItem{MaxRetry: 5}
	network.Retry = 2
	network.Fail(now, "conn reset", errors.KindNetwork)
	if got := network.RetryAfter.Sub(now); got != time.Second {
		t.Errorf("network delay = %v, want fixed 1s", got)
	}

	rate := TodoItem{MaxRetry: 5}
	rate.Retry = 1
	rate.Fail(now, "429", errors.KindRateLimit)
	if got := rate.RetryAfter.Sub(now); got != 4*time.Second {
		t.Errorf("rate-limit delay = %v, want doubled 4s", got)
	}
}

func TestReadyTodosRespectsDependencies(t *testing.T) {
	now := time.Now()
	s := New("g", "")
	later := now.Add(time.Minute)
	s.ReplaceTodo([]TodoItem{
		{ID: 1, Task: "a", Status: TodoCompleted},
		{ID: 2, Task: "b", Dependencies: []int{1}},
		{ID: 3, Task: "c", Dependencies: []int{2}},
		{ID: 4, Task: "d", RetryAfter: &later},
	})
	ready := s.ReadyTodos(now)
	if len(ready) != 1 || ready[0].ID != 2 {
		ids := make([]int, len(ready))
		for i, r := range ready {
			ids[i] = r.ID
		}
		t.Errorf("ready ids = %v, want [2]", ids)
	}
}

func TestDataCatalogCachesAndInvalidates(t *testing.T) {
	s := New("g", "")
	s.PreprocessedFiles.Documents = map[string]any{"notes.v2.md": "body"}
	first := s.DataCatalog()
	if !strings.Contains(first, "${preprocessed_files.documents.notes.v2.md}") {
		t.Errorf("catalog missing file reference:\n%s", first)
	}

	id := s.RecordAction(ActionRecord{
		Plan:       map[string]any{"tool_name": "Summarizer"},
		ToolOutput: map[string]any{"output": "x"},
	})
	if got := s.DataCatalog(); got != first {
		t.Error("catalog rebuilt without invalidation")
	}
	s.InvalidateCatalog()
	got := s.DataCatalog()
	if !strings.Contains(got, "${"+id+"}") || !strings.Contains(got, "Summarizer") {
		t.Errorf("catalog missing action reference:\n%s", got)
	}
}

func TestAsMapExposesDottedPaths(t *testing.T) {
	s := New("g", "")
	s.ContextMemory = map[string]any{"topic": "golang"}
	m, err := s.AsMap()
	if err != nil {
		t.Fatal(err)
	}
	cm, ok := m["context_memory"].(map[string]any)
	if !ok || cm["topic"] != "golang" {
		t.Errorf("AsMap context_memory = %v", m["context_memory"])
	}
	if _, ok := m["action_history"].([]any); !ok {
		t.Error("AsMap action_history missing")
	}
}
