package tools

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type fakeTool struct {
	name     string
	category Category
	out      Output
	err      error
	config   map[string]any
}

func (f *fakeTool) Name() string               { return f.name }
func (f *fakeTool) Description() string        { return "fake " + f.name }
func (f *fakeTool) Category() Category         { return f.category }
func (f *fakeTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (f *fakeTool) RequiresStateAccess() bool  { return false }
func (f *fakeTool) WithConfig(c map[string]any) Tool {
	clone := *f
	clone.config = c
	return &clone
}
func (f *fakeTool) Execute(ctx context.Context, inputs map[string]any) (Output, error) {
	out := f.out
	if m, ok := f.config["model_name"].(string); ok {
		out.Metadata = map[string]any{"model": m}
	}
	return out, f.err
}

func TestRegistryGetAndList(t *testing.T) {
	r := NewRegistry()
	for _, ft := range []*fakeTool{
		{name: "Summarizer", category: CategoryLibs},
		{name: "TextGenerator", category: CategoryGenerator},
		{name: "ReportGenerator", category: CategoryGenerator},
	} {
		if err := r.Register(ft); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := r.Get("Summarizer"); err != nil {
		t.Error(err)
	}
	if _, err := r.Get("Ghost"); err == nil {
		t.Error("missing tool lookup succeeded")
	}

	all := r.List("")
	if len(all) != 3 || all[0].Name != "ReportGenerator" {
		t.Errorf("List = %+v", all)
	}

	gens := r.Generators()
	if len(gens) != 2 {
		t.Errorf("Generators = %+v", gens)
	}

	planner := r.PlannerTools()
	if len(planner) != 1 || planner[0].Name != "Summarizer" {
		t.Errorf("PlannerTools = %+v, generators must be hidden", planner)
	}
}

func TestExecuteSuccessAddsTiming(t *testing.T) {
	r := NewRegistry()
	ft := &fakeTool{name: "T", out: Output{Status: StatusSuccess, Output: "done"}}
	if err := r.Register(ft); err != nil {
		t.Fatal(err)
	}
	out, err := r.Execute(context.Background(), "T", nil, map[string]any{"model_name": "m"})
	if err != nil {
		t.Fatal(err)
	}
	if !out.OK() {
		t.Errorf("out = %+v", out)
	}
	if _, ok := out.Metrics["execution_time_ms"]; !ok {
		t.Error("execution time metric missing")
	}
	if out.Metadata["model"] != "m" {
		t.Error("node config not applied to the invocation")
	}
	if ft.config != nil {
		t.Error("registered instance mutated by per-call config")
	}
}

func TestExecuteConcurrentConfigIsolated(t *testing.T) {
	r := NewRegistry()
	ft := &fakeTool{name: "T", out: Output{Status: StatusSuccess}}
	if err := r.Register(ft); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, model := range []string{"model-a", "model-b"} {
		wg.Add(1)
		go func(model string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				out, err := r.Execute(context.Background(), "T", nil, map[string]any{"model_name": model})
				if err != nil {
					t.Error(err)
					return
				}
				if out.Metadata["model"] != model {
					t.Errorf("config bled across tasks: got %v, want %s", out.Metadata["model"], model)
					return
				}
			}
		}(model)
	}
	wg.Wait()

	if ft.config != nil {
		t.Error("registered instance mutated by concurrent executions")
	}
}

func TestExecuteToolErrorBecomesFailedOutput(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "T", err: fmt.Errorf("connection refused")}); err != nil {
		t.Fatal(err)
	}
	out, err := r.Execute(context.Background(), "T", nil, nil)
	if err != nil {
		t.Fatalf("tool error escaped as Go error: %v", err)
	}
	if out.Status != StatusFailed || out.Message != "connection refused" {
		t.Errorf("out = %+v", out)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Execute(context.Background(), "Ghost", nil, nil); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestOutputAsMapPrefersOutputOverPrimary(t *testing.T) {
	o := Output{Status: StatusSuccess, PrimaryResult: "primary"}
	m := o.AsMap()
	if m["output"] != "primary" {
		t.Errorf("primary_result not promoted: %v", m)
	}

	o2 := Output{Status: StatusSuccess, Output: "main", PrimaryResult: "primary"}
	if got := o2.AsMap()["output"]; got != "main" {
		t.Errorf("output field not preferred: %v", got)
	}
}
