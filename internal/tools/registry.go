package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"loom/internal/shared/logging"
)

// Registry is the lookup surface for registered tools.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger logging.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logging.NewComponentLogger("ToolRegistry"),
	}
}

// Register adds a tool. Re-registering a name replaces the tool.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("tool must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		r.logger.Warn("replacing registered tool %s", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns the tool with the given name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return t, nil
}

// List returns tool infos, optionally filtered by category, sorted by
// name.
func (r *Registry) List(category Category) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Info
	for _, t := range r.tools {
		if category != "" && t.Category() != category {
			continue
		}
		out = append(out, Info{Name: t.Name(), Description: t.Description(), Category: t.Category()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PlannerTools lists the tools offered to the planner: everything except
// generators.
func (r *Registry) PlannerTools() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Info
	for _, t := range r.tools {
		if t.Category() == CategoryGenerator {
			continue
		}
		out = append(out, Info{Name: t.Name(), Description: t.Description(), Category: t.Category()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Generators lists the output tools, sorted by name.
func (r *Registry) Generators() []Info {
	return r.List(CategoryGenerator)
}

// Execute runs a tool by name with timing and logging. Tool failures
// come back as a failed Output, never as a Go error; only a missing
// tool is an error.
func (r *Registry) Execute(ctx context.Context, name string, inputs map[string]any, config map[string]any) (Output, error) {
	t, err := r.Get(name)
	if err != nil {
		return Output{}, err
	}
	if c, ok := t.(Configurable); ok && len(config) > 0 {
		t = c.WithConfig(config)
	}

	start := time.Now()
	out, execErr := t.Execute(ctx, inputs)
	elapsed := time.Since(start)

	if execErr != nil {
		r.logger.Warn("tool %s failed after %s: %v", name, elapsed, execErr)
		return Failure(execErr.Error()), nil
	}
	if out.Status == "" {
		out.Status = StatusSuccess
	}
	if out.Metrics == nil {
		out.Metrics = map[string]any{}
	}
	out.Metrics["execution_time_ms"] = elapsed.Milliseconds()
	r.logger.Debug("tool %s finished in %s with status %s", name, elapsed, out.Status)
	return out, nil
}
