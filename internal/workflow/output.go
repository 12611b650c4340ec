package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"loom/internal/graph"
	"loom/internal/state"
	"loom/internal/tools"
)

// SelectOutput picks the generator that renders the final answer and
// primes state.OutputToolInput for the downstream tool node. The choice
// degrades to TextGenerator, then to the first generator by name.
func (h *Handlers) SelectOutput(ctx context.Context, st *state.RuntimeState, g *graph.Graph, plan *PlannerOutput) (map[string]any, error) {
	generators := h.registry.Generators()
	if len(generators) == 0 {
		return nil, fmt.Errorf("no generator tools registered")
	}

	var guidance *OutputGuidance
	if plan != nil {
		guidance = plan.OutputGuidance
	}

	choice := h.chooseGenerator(ctx, st, g, generators, guidance)

	st.OutputToolInput = buildOutputToolInput(st, guidance)
	decision := map[string]any{"tool_name": choice, "tool_input": st.OutputToolInput}
	return map[string]any{"output_tool_decision": decision}, nil
}

func (h *Handlers) chooseGenerator(ctx context.Context, st *state.RuntimeState, g *graph.Graph, generators []tools.Info, guidance *OutputGuidance) string {
	registered := make(map[string]bool, len(generators))
	for _, gen := range generators {
		registered[gen.Name] = true
	}

	system := "You pick the single best output tool for rendering a final answer."
	user := outputSelectorUserPrompt(st, generators, guidance)

	var choice outputChoice
	err := h.structuredWithRetry(ctx, h.request("output", g, system, user), outputSchema, &choice)
	if err == nil && registered[choice.ToolName] {
		return choice.ToolName
	}
	if err != nil {
		h.logger.Warn("output selection call failed, using default generator: %v", err)
	} else {
		h.logger.Warn("output selection picked unregistered tool %q, using default", choice.ToolName)
	}

	if registered["TextGenerator"] {
		return "TextGenerator"
	}
	// Generators are sorted by name, so the fallback is deterministic.
	return generators[0].Name
}

// buildOutputToolInput carries the serialized state plus the planner's
// guidance into the output tool.
func buildOutputToolInput(st *state.RuntimeState, guidance *OutputGuidance) map[string]any {
	input := map[string]any{
		"task_goal": st.TaskGoal,
		"context":   collectedMaterial(st),
	}
	if raw, err := json.Marshal(st); err == nil {
		input["state"] = string(raw)
	}
	if guidance != nil {
		input["output_guidance"] = toMap(guidance)
		input["guidance"] = guidanceText(guidance)
	}
	return input
}

// collectedMaterial gathers the reflections' conclusions and findings as
// writing material.
func collectedMaterial(st *state.RuntimeState) string {
	var b strings.Builder
	for _, entry := range st.CurrentConversation() {
		if entry.Type != state.EntryReflection {
			continue
		}
		if c, ok := entry.Data["conclusion"].(string); ok && c != "" {
			b.WriteString(c)
			b.WriteString("\n")
		}
		if findings, ok := entry.Data["key_findings"].([]any); ok {
			for _, f := range findings {
				fmt.Fprintf(&b, "- %v\n", f)
			}
		}
	}
	if b.Len() == 0 {
		return st.TaskGoal
	}
	return b.String()
}

func guidanceText(g *OutputGuidance) string {
	var parts []string
	if g.CustomPrompt != "" {
		parts = append(parts, g.CustomPrompt)
	}
	if len(g.KeyPoints) > 0 {
		parts = append(parts, "Cover: "+strings.Join(g.KeyPoints, "; "))
	}
	if g.FormatRequirements != "" {
		parts = append(parts, "Format: "+g.FormatRequirements)
	}
	if g.QualityRequirements != "" {
		parts = append(parts, "Quality: "+g.QualityRequirements)
	}
	return strings.Join(parts, "\n")
}
