package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"loom/internal/graph"
	"loom/internal/shared/errors"
	"loom/internal/state"
	"loom/internal/tools"
)

// Reflect judges the tool result, archives the action triple and keeps
// the TODO lifecycle moving.
func (h *Handlers) Reflect(ctx context.Context, st *state.RuntimeState, g *graph.Graph, plan *PlannerOutput, toolOut tools.Output) (*ReflectionOutput, bool, error) {
	outMap := toolOut.AsMap()
	system := "You review one executed step of an agent task and judge the result honestly."
	user := reflectionUserPrompt(st, plan, outMap)

	var refl ReflectionOutput
	if err := h.structuredWithRetry(ctx, h.request("reflection", g, system, user), reflectionSchema, &refl); err != nil {
		return nil, false, fmt.Errorf("reflection call: %w", err)
	}

	actionID := st.RecordAction(state.ActionRecord{
		Plan:       planData(plan),
		ToolOutput: outMap,
		Reflection: toMap(&refl),
	})
	st.AppendEntry(state.ActionEntry{Type: state.EntryReflection, Data: reflectionData(&refl, actionID)})

	before := todoFingerprint(st.Todo)

	if plan.ToolName == "TodoGenerator" && toolOut.OK() {
		if items, ok := decodeTodoItems(toolOut.Output); ok {
			st.ReplaceTodo(items)
		} else {
			h.logger.Warn("TodoGenerator output not decodable as a todo list")
		}
	}
	h.updateTodos(st, plan, toolOut, &refl)

	st.InvalidateCatalog()
	return &refl, todoFingerprint(st.Todo) != before, nil
}

// updateTodos completes or retries processing items tied to the invoked
// tool.
func (h *Handlers) updateTodos(st *state.RuntimeState, plan *PlannerOutput, toolOut tools.Output, refl *ReflectionOutput) {
	now := h.now()
	combined := combinedText(plan, toolOut, refl)

	for i := range st.Todo {
		item := &st.Todo[i]
		if item.Status != state.TodoProcessing {
			continue
		}
		if item.TimedOut(now) {
			item.Status = state.TodoFailed
			item.ErrorHistory = append(item.ErrorHistory, "timeout exceeded")
			continue
		}
		if !h.todoMatchesTool(item, plan.ToolName, combined) {
			continue
		}
		if toolOut.OK() {
			if refl.IsSufficient && h.dependenciesCompleted(st, item) {
				item.Complete(now)
			}
			continue
		}
		kind := errors.ClassifyMessage(toolOut.Message)
		item.Fail(now, toolOut.Message, kind)
	}
}

// todoMatchesTool ties a TODO to the invoked tool through its suggested
// tools or the configured keyword table.
func (h *Handlers) todoMatchesTool(item *state.TodoItem, toolName, combined string) bool {
	for _, s := range item.SuggestedTools {
		if s == toolName {
			return true
		}
	}
	for _, kw := range h.cfg.TodoKeywords[toolName] {
		if strings.Contains(item.Task, kw) || strings.Contains(combined, kw) {
			return true
		}
	}
	return false
}

func (h *Handlers) dependenciesCompleted(st *state.RuntimeState, item *state.TodoItem) bool {
	for _, dep := range item.Dependencies {
		d := st.FindTodo(dep)
		if d == nil || d.Status != state.TodoCompleted {
			return false
		}
	}
	return true
}

func combinedText(plan *PlannerOutput, toolOut tools.Output, refl *ReflectionOutput) string {
	var b strings.Builder
	b.WriteString(plan.Thought)
	if plan.ToolInput != nil {
		fmt.Fprintf(&b, " %v", plan.ToolInput)
	}
	fmt.Fprintf(&b, " %s %v", toolOut.Message, toolOut.Output)
	fmt.Fprintf(&b, " %s %s", refl.Conclusion, refl.Summary)
	return b.String()
}

// decodeTodoItems accepts either typed items or their JSON map form.
func decodeTodoItems(v any) ([]state.TodoItem, bool) {
	if items, ok := v.([]state.TodoItem); ok {
		return items, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var items []state.TodoItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}
	return items, len(items) > 0
}

func todoFingerprint(items []state.TodoItem) string {
	raw, err := json.Marshal(items)
	if err != nil {
		return ""
	}
	return string(raw)
}
