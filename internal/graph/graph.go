// Package graph defines the directed execution graph the engine walks:
// named nodes, conditional edges, the planner entry point and the END
// sentinel. Graphs are immutable once validated.
package graph

import (
	"fmt"
	"strings"
)

// Reserved node names.
const (
	// Entry is the node every graph starts at.
	Entry = "planner"
	// End is the reserved edge target that terminates execution.
	End = "END"
)

// Kind distinguishes how a node is dispatched.
type Kind string

const (
	KindLLM    Kind = "llm"
	KindTool   Kind = "tool"
	KindRouter Kind = "router"
)

// Condition key prefixes for planner and output-selector edges.
const (
	CallToolPrefix = "CALL_TOOL:"
	OutputPrefix   = "OUTPUT:"
)

// Node is a single vertex in an execution graph.
type Node struct {
	Name         string         `yaml:"name" json:"name"`
	DisplayName  string         `yaml:"display_name" json:"display_name"`
	Kind         Kind           `yaml:"kind" json:"kind"`
	CallablePath string         `yaml:"callable_path" json:"callable_path"`
	Config       map[string]any `yaml:"config" json:"config"`
}

// IsOutputTool reports whether this tool node renders the final answer.
func (n Node) IsOutputTool() bool {
	v, ok := n.Config["is_output_tool"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ModelName returns the node-level model override, if any.
func (n Node) ModelName() string {
	v, ok := n.Config["model_name"]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// RetryCount returns config.retry_count, or def when unset.
func (n Node) RetryCount(def int) int {
	v, ok := n.Config["retry_count"]
	if !ok {
		return def
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return def
	}
}

// Edge is a directed transition. An empty ConditionKey means unconditional.
type Edge struct {
	Source       string `yaml:"source" json:"source"`
	Target       string `yaml:"target" json:"target"`
	ConditionKey string `yaml:"condition_key,omitempty" json:"condition_key,omitempty"`
}

// Unconditional reports whether the edge has no condition key.
func (e Edge) Unconditional() bool { return strings.TrimSpace(e.ConditionKey) == "" }

// Graph is a named, immutable-per-execution node/edge set.
type Graph struct {
	Name  string          `yaml:"name" json:"name"`
	Nodes map[string]Node `yaml:"-" json:"nodes"`
	Edges []Edge          `yaml:"edges" json:"edges"`

	outgoing map[string][]Edge
}

// New builds a graph from a node list and edges.
func New(name string, nodes []Node, edges []Edge) *Graph {
	g := &Graph{Name: name, Nodes: make(map[string]Node, len(nodes)), Edges: edges}
	for _, n := range nodes {
		g.Nodes[n.Name] = n
	}
	g.index()
	return g
}

func (g *Graph) index() {
	g.outgoing = make(map[string][]Edge)
	for _, e := range g.Edges {
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}
}

// Outgoing returns the edges leaving node name, in declaration order.
func (g *Graph) Outgoing(name string) []Edge {
	if g.outgoing == nil {
		g.index()
	}
	return g.outgoing[name]
}

// Node returns the node with the given name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.Nodes[name]
	return n, ok
}

// Validate checks the structural rules that are fatal at executor
// construction: the planner entry exists, every non-END node can make
// progress, unconditional edges are unambiguous, edges reference known
// nodes, and every callable path resolves.
func (g *Graph) Validate(knownHandler func(string) bool) error {
	if _, ok := g.Nodes[Entry]; !ok {
		return fmt.Errorf("graph %s: missing entry node %q", g.Name, Entry)
	}
	for name, n := range g.Nodes {
		if name == End {
			return fmt.Errorf("graph %s: %q is reserved and cannot be a node", g.Name, End)
		}
		if len(g.Outgoing(name)) == 0 {
			return fmt.Errorf("graph %s: node %q has no outgoing edges", g.Name, name)
		}
		unconditional := 0
		for _, e := range g.Outgoing(name) {
			if e.Unconditional() {
				unconditional++
			}
		}
		if unconditional > 1 {
			return fmt.Errorf("graph %s: node %q has %d unconditional edges, at most one is allowed", g.Name, name, unconditional)
		}
		if knownHandler != nil && n.CallablePath != "" && !knownHandler(n.CallablePath) {
			return fmt.Errorf("graph %s: node %q references unknown handler %q", g.Name, name, n.CallablePath)
		}
	}
	for _, e := range g.Edges {
		if _, ok := g.Nodes[e.Source]; !ok {
			return fmt.Errorf("graph %s: edge source %q is not a node", g.Name, e.Source)
		}
		if e.Target != End {
			if _, ok := g.Nodes[e.Target]; !ok {
				return fmt.Errorf("graph %s: edge target %q is not a node", g.Name, e.Target)
			}
		}
	}
	return nil
}
