package workflow

import (
	"context"
	"fmt"

	"loom/internal/graph"
	"loom/internal/state"
	"loom/internal/tools"
)

// ExecuteTool runs the planned tool and records its output. Failures of
// any kind come back as an error-status output; reflection decides what
// happens next.
func (h *Handlers) ExecuteTool(ctx context.Context, st *state.RuntimeState, g *graph.Graph, nodeName string, plan *PlannerOutput, userID string) tools.Output {
	if plan == nil || plan.ToolName == "" {
		out := tools.Output{Status: tools.StatusError, Message: "no tool planned"}
		st.AppendEntry(state.ActionEntry{Type: state.EntryToolOutput, Data: out.AsMap()})
		return out
	}

	inputs := make(map[string]any, len(plan.ToolInput)+2)
	for k, v := range plan.ToolInput {
		inputs[k] = v
	}

	tool, err := h.registry.Get(plan.ToolName)
	if err != nil {
		out := tools.Output{Status: tools.StatusError, Message: err.Error()}
		st.AppendEntry(state.ActionEntry{Type: state.EntryToolOutput, Data: out.AsMap(), ToolName: plan.ToolName})
		return out
	}
	if tool.RequiresStateAccess() {
		inputs[tools.StateInputKey] = st
	}
	if userID != "" {
		inputs[tools.UserInputKey] = userID
	}

	cfg := h.models.ToolConfig(nodeName, g.Nodes)
	out, err := h.registry.Execute(ctx, plan.ToolName, inputs, cfg)
	if err != nil {
		out = tools.Output{Status: tools.StatusError, Message: fmt.Sprintf("tool execution: %v", err)}
	}

	st.AppendEntry(state.ActionEntry{Type: state.EntryToolOutput, Data: out.AsMap(), ToolName: plan.ToolName})
	return out
}
