package modelconfig

import (
	"fmt"
	"testing"

	"loom/internal/graph"
	"loom/internal/shared/config"
)

func testConfig() *config.Config {
	cfg := config.New()
	cfg.DefaultModel = "default-model"
	cfg.Models = []config.ModelConfig{{ID: "default-model"}, {ID: "planner-model"}, {ID: "persisted-model"}}
	cfg.NodeConfigs = map[string]map[string]any{
		"planner": {"model_name": "persisted-model", "temperature": 0.2},
	}
	return cfg
}

func TestModelForNodeCascade(t *testing.T) {
	r := New(testConfig())
	runtime := map[string]graph.Node{
		"planner": {Name: "planner", Config: map[string]any{"model_name": "planner-model"}},
	}

	if got := r.ModelForNode("planner", runtime, "override-model"); got != "override-model" {
		t.Errorf("override tier = %q", got)
	}
	if got := r.ModelForNode("planner", runtime, ""); got != "planner-model" {
		t.Errorf("runtime tier = %q", got)
	}
	if got := r.ModelForNode("planner", nil, ""); got != "persisted-model" {
		t.Errorf("persisted tier = %q", got)
	}
	if got := r.ModelForNode("reflection", nil, ""); got != "default-model" {
		t.Errorf("default tier = %q", got)
	}
}

func TestModelForNodeNoConfiguration(t *testing.T) {
	cfg := config.New()
	r := New(cfg)
	if got := r.ModelForNode("planner", nil, ""); got != "" {
		t.Errorf("expected empty model id, got %q", got)
	}
}

func TestToolConfigMergesAndEnsuresModel(t *testing.T) {
	r := New(testConfig())
	runtime := map[string]graph.Node{
		"planner": {Name: "planner", Config: map[string]any{"retry_count": 5}},
	}
	got := r.ToolConfig("planner", runtime)
	if got["model_name"] != "persisted-model" {
		t.Errorf("model_name = %v", got["model_name"])
	}
	if got["temperature"] != 0.2 || got["retry_count"] != 5 {
		t.Errorf("merge wrong: %v", got)
	}

	bare := r.ToolConfig("unknown", nil)
	if bare["model_name"] != "default-model" {
		t.Errorf("model_name not ensured: %v", bare)
	}
}

func TestToolConfigRuntimeOverridesPersisted(t *testing.T) {
	r := New(testConfig())
	runtime := map[string]graph.Node{
		"planner": {Name: "planner", Config: map[string]any{"temperature": 0.9}},
	}
	got := r.ToolConfig("planner", runtime)
	if got["temperature"] != 0.9 {
		t.Errorf("runtime value did not win: %v", got["temperature"])
	}
}

func TestValidateModel(t *testing.T) {
	r := New(testConfig())
	if !r.ValidateModel("planner-model") {
		t.Error("registered model rejected")
	}
	if r.ValidateModel("ghost-model") {
		t.Error("unknown model accepted")
	}
	if r.ValidateModel("") {
		t.Error("empty id accepted")
	}
}

type flakySource struct {
	calls int
}

func (f *flakySource) NodeConfig(name string) (map[string]any, error) {
	f.calls++
	return nil, fmt.Errorf("datastore unavailable")
}

func TestSourceErrorFallsThrough(t *testing.T) {
	cfg := testConfig()
	src := &flakySource{}
	r := New(cfg, WithSource(src))
	if got := r.ModelForNode("planner", nil, ""); got != "default-model" {
		t.Errorf("error fallback = %q, want default-model", got)
	}
}

type countingSource struct {
	calls int
	cfg   map[string]any
}

func (c *countingSource) NodeConfig(name string) (map[string]any, error) {
	c.calls++
	return c.cfg, nil
}

func TestPersistedConfigCached(t *testing.T) {
	src := &countingSource{cfg: map[string]any{"model_name": "persisted-model"}}
	r := New(testConfig(), WithSource(src))
	for i := 0; i < 3; i++ {
		r.ModelForNode("planner", nil, "")
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1 (cached)", src.calls)
	}
}
