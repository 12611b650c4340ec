// Package workflow implements the node handlers and the graph executor:
// the planner/tool/reflection loop, output selection, retry recovery and
// task finalization.
package workflow

import (
	"encoding/json"

	"loom/internal/llm"
)

// Planner actions.
const (
	ActionCallTool = "CALL_TOOL"
	ActionFinish   = "FINISH"
)

// OutputGuidance is the planner's advice to the output tool.
type OutputGuidance struct {
	KeyPoints           []string `json:"key_points,omitempty"`
	FormatRequirements  string   `json:"format_requirements,omitempty"`
	QualityRequirements string   `json:"quality_requirements,omitempty"`
	CustomPrompt        string   `json:"custom_prompt,omitempty"`
}

// PlannerOutput is the structured planner reply.
type PlannerOutput struct {
	Thought         string          `json:"thought"`
	Action          string          `json:"action" jsonschema:"enum=CALL_TOOL,enum=FINISH"`
	ToolName        string          `json:"tool_name,omitempty"`
	ToolInput       map[string]any  `json:"tool_input,omitempty"`
	ExpectedOutcome string          `json:"expected_outcome,omitempty"`
	OutputGuidance  *OutputGuidance `json:"output_guidance,omitempty"`
}

// ReflectionOutput is the structured reflection reply.
type ReflectionOutput struct {
	Conclusion   string   `json:"conclusion"`
	Summary      string   `json:"summary,omitempty"`
	Impact       string   `json:"impact,omitempty"`
	IsFinished   bool     `json:"is_finished"`
	IsSufficient bool     `json:"is_sufficient"`
	KeyFindings  []string `json:"key_findings,omitempty"`
}

// outputChoice is the structured output-selector reply; the input map is
// assembled locally, never by the model.
type outputChoice struct {
	ToolName  string `json:"tool_name"`
	Reasoning string `json:"reasoning,omitempty"`
}

var (
	plannerSchema    = llm.MustSchemaFor[PlannerOutput]("planner_output")
	reflectionSchema = llm.MustSchemaFor[ReflectionOutput]("reflection_output")
	outputSchema     = llm.MustSchemaFor[outputChoice]("output_choice")
)

// planData renders the plan the way it is stored in action history.
func planData(p *PlannerOutput) map[string]any {
	data := map[string]any{
		"output": p.Thought,
		"action": p.Action,
	}
	if p.ToolName != "" {
		data["tool_name"] = p.ToolName
	}
	if p.ToolInput != nil {
		data["tool_input"] = p.ToolInput
	}
	if p.ExpectedOutcome != "" {
		data["expected_outcome"] = p.ExpectedOutcome
	}
	if p.OutputGuidance != nil {
		data["output_guidance"] = toMap(p.OutputGuidance)
	}
	return data
}

func reflectionData(r *ReflectionOutput, actionID string) map[string]any {
	data := toMap(r)
	data["action_id"] = actionID
	return data
}

// toMap converts a typed value into a generic JSON map.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}
