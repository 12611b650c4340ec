package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseDir == "" {
		t.Error("BaseDir default missing")
	}
	if cfg.MaxWorkers <= 0 {
		t.Error("MaxWorkers default missing")
	}
	if len(cfg.TodoKeywords) == 0 {
		t.Error("TodoKeywords default missing")
	}
}

func TestLoadEnvDefaultModel(t *testing.T) {
	t.Setenv("LOOM_DEFAULT_MODEL", "gpt-test-1")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultModel != "gpt-test-1" {
		t.Errorf("DefaultModel = %q, want gpt-test-1", cfg.DefaultModel)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	body := `
base_dir: /tmp/wf
default_model: claude-x
models:
  - id: claude-x
    max_tokens: 4096
node_configs:
  planner:
    model_name: claude-x
todo_keywords:
  TextGenerator: ["draft"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseDir != "/tmp/wf" {
		t.Errorf("BaseDir = %q", cfg.BaseDir)
	}
	if _, ok := cfg.Model("claude-x"); !ok {
		t.Error("model claude-x not registered")
	}
	if cfg.NodeConfigs["planner"]["model_name"] != "claude-x" {
		t.Error("node config not loaded")
	}
	if got := cfg.TodoKeywords["TextGenerator"]; len(got) != 1 || got[0] != "draft" {
		t.Errorf("TodoKeywords override not applied: %v", got)
	}
}
