package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"loom/internal/checkpoint"
	"loom/internal/graph"
	"loom/internal/llm"
	"loom/internal/modelconfig"
	"loom/internal/shared/config"
	"loom/internal/shared/logging"
	"loom/internal/task"
	"loom/internal/task/postgres"
	"loom/internal/tools"
	"loom/internal/tools/builtin"
	"loom/internal/workflow"
)

// container wires the shared collaborators the subcommands need. The
// LLM service is built lazily because inspection commands run without
// an API endpoint.
type container struct {
	cfg         *config.Config
	tasks       task.Store
	checkpoints *checkpoint.Store
	graphs      *graph.Registry
	logger      logging.Logger

	closeFns []func()
}

func buildContainer(ctx context.Context, flags *rootFlags) (*container, error) {
	if flags.verbose {
		logging.SetLevel(logging.LevelDebug)
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.baseDir != "" {
		cfg.BaseDir = flags.baseDir
	}
	if flags.databaseURL != "" {
		cfg.DatabaseURL = flags.databaseURL
	}

	c := &container{
		cfg:    cfg,
		logger: logging.NewComponentLogger("CLI"),
	}

	if cfg.DatabaseURL != "" {
		store, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		c.tasks = store
		c.closeFns = append(c.closeFns, store.Close)
	} else {
		c.tasks = task.NewMemStore()
	}

	opts := []checkpoint.Option{}
	if snap, ok := c.tasks.(checkpoint.SnapshotStore); ok {
		opts = append(opts, checkpoint.WithSnapshotStore(snap))
	}
	c.checkpoints = checkpoint.New(cfg.BaseDir, opts...)

	c.graphs = graph.NewRegistry()
	if flags.graphDir != "" {
		if err := c.loadGraphDir(flags.graphDir); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *container) loadGraphDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read graph dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := c.graphs.LoadFile(filepath.Join(dir, name), workflow.KnownHandler); err != nil {
			return err
		}
	}
	return nil
}

// handlers builds the LLM-backed node handlers. Requires a configured
// API endpoint.
func (c *container) handlers() (*workflow.Handlers, error) {
	if c.cfg.APIBaseURL == "" {
		return nil, fmt.Errorf("no API endpoint configured (set LOOM_API_BASE_URL or api_base_url)")
	}
	if c.cfg.DefaultModel == "" {
		return nil, fmt.Errorf("no default model configured (set LOOM_DEFAULT_MODEL or default_model)")
	}

	transport := llm.NewOpenAITransport(c.cfg.APIBaseURL, c.cfg.APIKey, logging.NewComponentLogger("LLM"))
	svc := llm.NewService(transport, logging.NewComponentLogger("StructuredLLM"))

	registry := tools.NewRegistry()
	for _, t := range []tools.Tool{
		builtin.NewTodoGenerator(svc, c.cfg.DefaultModel),
		builtin.NewSummarizer(svc, c.cfg.DefaultModel),
		builtin.NewTextGenerator(svc, c.cfg.DefaultModel),
		builtin.NewReportGenerator(svc, c.cfg.DefaultModel),
	} {
		if err := registry.Register(t); err != nil {
			return nil, err
		}
	}

	models := modelconfig.New(c.cfg)
	return workflow.NewHandlers(svc, registry, models, c.cfg, c.logger), nil
}

func (c *container) Close() {
	for i := len(c.closeFns) - 1; i >= 0; i-- {
		c.closeFns[i]()
	}
}
