package graph

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Registry resolves graph definitions by name. Graphs are registered at
// startup (built-ins plus YAML files); lookups are read-mostly.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewRegistry returns a registry preloaded with the default graph.
func NewRegistry() *Registry {
	r := &Registry{graphs: make(map[string]*Graph)}
	r.Register(Default())
	return r
}

// Register adds or replaces a graph definition.
func (r *Registry) Register(g *Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.Name] = g
}

// Get returns the graph with the given name.
func (r *Registry) Get(name string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[name]
	if !ok {
		return nil, fmt.Errorf("graph not found: %s", name)
	}
	return g, nil
}

// Names lists registered graph names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.graphs))
	for name := range r.graphs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// fileGraph mirrors the YAML layout of a graph definition file.
type fileGraph struct {
	Name  string `yaml:"name"`
	Nodes []Node `yaml:"nodes"`
	Edges []Edge `yaml:"edges"`
}

// LoadFile parses a YAML graph definition, validates it and registers it.
func (r *Registry) LoadFile(path string, knownHandler func(string) bool) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	var fg fileGraph
	if err := yaml.Unmarshal(data, &fg); err != nil {
		return nil, fmt.Errorf("parse graph file %s: %w", path, err)
	}
	if fg.Name == "" {
		return nil, fmt.Errorf("graph file %s: missing name", path)
	}
	g := New(fg.Name, fg.Nodes, fg.Edges)
	if err := g.Validate(knownHandler); err != nil {
		return nil, err
	}
	r.Register(g)
	return g, nil
}

// Default returns the standard planner loop:
// planner → tool → reflection → planner, planner FINISH → output → generator → END.
func Default() *Graph {
	nodes := []Node{
		{Name: "planner", DisplayName: "Planner", Kind: KindRouter, CallablePath: "handlers.planner"},
		{Name: "tool_executor", DisplayName: "Tool Executor", Kind: KindTool, CallablePath: "handlers.tool_executor"},
		{Name: "reflection", DisplayName: "Reflection", Kind: KindRouter, CallablePath: "handlers.reflection"},
		{Name: "output", DisplayName: "Output Selector", Kind: KindRouter, CallablePath: "handlers.output"},
		{Name: "render_output", DisplayName: "Render Output", Kind: KindTool, CallablePath: "handlers.tool_executor",
			Config: map[string]any{"is_output_tool": true, "retry_count": 3}},
	}
	edges := []Edge{
		{Source: "planner", Target: "tool_executor", ConditionKey: "CALL_TOOL"},
		{Source: "planner", Target: "output", ConditionKey: "FINISH"},
		{Source: "tool_executor", Target: "reflection"},
		{Source: "reflection", Target: "planner"},
		{Source: "output", Target: "render_output"},
		{Source: "render_output", Target: End},
	}
	return New("default", nodes, edges)
}
