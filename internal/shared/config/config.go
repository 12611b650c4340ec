// Package config loads engine configuration from file and environment.
//
// Everything the engine needs beyond code is data: the checkpoint base
// directory, the optional Postgres URL, the model registry, persisted
// per-node configs, and the TODO keyword table. The only mandatory
// environment input is the default model id (LOOM_DEFAULT_MODEL).
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ModelConfig describes one registered LLM model.
type ModelConfig struct {
	ID          string        `mapstructure:"id" yaml:"id"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
}

// Config is the full engine configuration.
type Config struct {
	// BaseDir is the root of all per-task workflow directories.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`

	// DatabaseURL enables the Postgres task store and snapshot fallback
	// when non-empty.
	DatabaseURL string `mapstructure:"database_url" yaml:"database_url"`

	// DefaultModel is the process-wide fallback model id.
	DefaultModel string `mapstructure:"default_model" yaml:"default_model"`

	// APIBaseURL is the OpenAI-compatible endpoint root the engine sends
	// completions to.
	APIBaseURL string `mapstructure:"api_base_url" yaml:"api_base_url"`

	// APIKey authenticates against APIBaseURL. Prefer LOOM_API_KEY over
	// putting it in the file.
	APIKey string `mapstructure:"api_key" yaml:"api_key"`

	// Models is the registry of known model configurations.
	Models []ModelConfig `mapstructure:"models" yaml:"models"`

	// NodeConfigs holds persisted per-node config maps, the third tier of
	// the model resolution cascade.
	NodeConfigs map[string]map[string]any `mapstructure:"node_configs" yaml:"node_configs"`

	// TodoKeywords maps a tool name to the task-description keywords that
	// tie a TODO item to that tool during reflection. The matching rule is
	// a heuristic; the keyword set is configuration, not contract.
	TodoKeywords map[string][]string `mapstructure:"todo_keywords" yaml:"todo_keywords"`

	// MaxWorkers bounds how many tasks run concurrently; each task still
	// runs on exactly one worker.
	MaxWorkers int `mapstructure:"max_workers" yaml:"max_workers"`
}

// DefaultTodoKeywords is the built-in tool→keyword table used when the
// config file does not override it.
func DefaultTodoKeywords() map[string][]string {
	return map[string][]string{
		"TextGenerator":   {"分析", "总结", "报告", "write", "summarize", "analyze"},
		"ReportGenerator": {"报告", "report", "document"},
		"Summarizer":      {"总结", "摘要", "summary", "summarize"},
		"TodoGenerator":   {"计划", "拆解", "plan", "todo"},
	}
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the LOOM_ prefix, e.g.
// LOOM_DEFAULT_MODEL, LOOM_BASE_DIR, LOOM_DATABASE_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("base_dir", "data/workflows")
	v.SetDefault("max_workers", 4)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	// Viper's AutomaticEnv does not populate Unmarshal targets for keys it
	// has never seen; pull the important scalars explicitly.
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = v.GetString("default_model")
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = v.GetString("base_dir")
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = v.GetString("database_url")
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = v.GetString("api_base_url")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = v.GetString("api_key")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.TodoKeywords == nil {
		c.TodoKeywords = DefaultTodoKeywords()
	}
	if c.NodeConfigs == nil {
		c.NodeConfigs = make(map[string]map[string]any)
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
}

// Model returns the registered model config for id, if any.
func (c *Config) Model(id string) (ModelConfig, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelConfig{}, false
}

// New returns a Config with defaults applied, for embedded and test use.
func New() *Config {
	c := &Config{BaseDir: "data/workflows"}
	c.applyDefaults()
	return c
}
