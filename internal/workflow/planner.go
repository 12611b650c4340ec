package workflow

import (
	"context"
	"fmt"

	"loom/internal/graph"
	"loom/internal/state"
	"loom/internal/tools"
)

// Planner decides the next step. The returned plan is already
// post-processed: FINISH plans carry no rendered answer, TodoGenerator
// calls know the real tool list, and data references are expanded.
func (h *Handlers) Planner(ctx context.Context, st *state.RuntimeState, g *graph.Graph) (*PlannerOutput, error) {
	system := plannerSystemPrompt(h.registry.PlannerTools())
	user := plannerUserPrompt(st)

	var plan PlannerOutput
	if err := h.structuredWithRetry(ctx, h.request(graph.Entry, g, system, user), plannerSchema, &plan); err != nil {
		return nil, fmt.Errorf("planner call: %w", err)
	}
	if plan.Action != ActionCallTool && plan.Action != ActionFinish {
		return nil, fmt.Errorf("planner call: unknown action %q", plan.Action)
	}

	h.postprocessPlan(&plan, st)

	st.AppendEntry(state.ActionEntry{Type: state.EntryPlan, Data: planData(&plan)})
	return &plan, nil
}

func (h *Handlers) postprocessPlan(plan *PlannerOutput, st *state.RuntimeState) {
	if plan.Action == ActionFinish {
		// The answer is rendered downstream; drop anything the model wrote.
		delete(plan.ToolInput, "final_answer")
		delete(plan.ToolInput, "title")
		plan.ToolName = ""
		return
	}

	if plan.ToolName == "TodoGenerator" {
		if plan.ToolInput == nil {
			plan.ToolInput = map[string]any{}
		}
		var names []string
		for _, info := range h.registry.List(tools.CategoryLibs) {
			if info.Name != "TodoGenerator" {
				names = append(names, info.Name)
			}
		}
		plan.ToolInput["available_tools"] = names
	}

	if plan.ToolInput != nil {
		plan.ToolInput = h.refs.Resolve(plan.ToolInput, st).(map[string]any)
	}

	h.promoteMatchingTodo(plan, st)
}

// promoteMatchingTodo moves the first ready TODO suggesting this tool to
// processing.
func (h *Handlers) promoteMatchingTodo(plan *PlannerOutput, st *state.RuntimeState) {
	now := h.now()
	for _, item := range st.ReadyTodos(now) {
		for _, suggested := range item.SuggestedTools {
			if suggested == plan.ToolName {
				item.Start(now)
				h.logger.Debug("todo #%d promoted to processing for tool %s", item.ID, plan.ToolName)
				return
			}
		}
	}
}
