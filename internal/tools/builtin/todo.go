package builtin

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/llm"
	"loom/internal/shared/logging"
	"loom/internal/state"
	"loom/internal/tools"
)

// todoItemShape is the reply contract; lifecycle fields are filled in
// locally, never by the model.
type todoItemShape struct {
	ID             int      `json:"id"`
	Task           string   `json:"task"`
	SuggestedTools []string `json:"suggested_tools,omitempty"`
	Dependencies   []int    `json:"dependencies,omitempty"`
}

type todoList struct {
	Items []todoItemShape `json:"items"`
}

var todoSchema = llm.MustSchemaFor[todoList]("todo_list")

// TodoGenerator breaks a goal into ordered TODO items. The planner
// handler auto-fills available_tools so every suggested tool is real.
type TodoGenerator struct {
	svc    *llm.Service
	model  string
	logger logging.Logger
}

// NewTodoGenerator builds the tool; svc may be nil for offline use.
func NewTodoGenerator(svc *llm.Service, model string) *TodoGenerator {
	return &TodoGenerator{svc: svc, model: model, logger: logging.NewComponentLogger("TodoGenerator")}
}

func (t *TodoGenerator) Name() string             { return "TodoGenerator" }
func (t *TodoGenerator) Description() string      { return "Breaks the task goal into an ordered TODO list." }
func (t *TodoGenerator) Category() tools.Category { return tools.CategoryLibs }
func (t *TodoGenerator) RequiresStateAccess() bool { return false }

func (t *TodoGenerator) WithConfig(config map[string]any) tools.Tool {
	clone := *t
	if m, ok := config["model_name"].(string); ok && m != "" {
		clone.model = m
	}
	return &clone
}

func (t *TodoGenerator) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_description": map[string]any{"type": "string"},
			"available_tools": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []string{"task_description"},
	}
}

func (t *TodoGenerator) Execute(ctx context.Context, inputs map[string]any) (tools.Output, error) {
	desc, _ := inputs["task_description"].(string)
	if strings.TrimSpace(desc) == "" {
		return tools.Failure("task_description is required"), nil
	}
	toolNames := stringSlice(inputs["available_tools"])

	var items []state.TodoItem
	if t.svc == nil {
		items = []state.TodoItem{{ID: 1, Task: desc, SuggestedTools: toolNames}}
	} else {
		user := fmt.Sprintf("Break this task into 2-6 ordered steps:\n%s\n", desc)
		if len(toolNames) > 0 {
			user += fmt.Sprintf("Only suggest tools from: %s\n", strings.Join(toolNames, ", "))
		}
		user += "\nReply with JSON: {\"items\": [{\"id\": 1, \"task\": ..., \"suggested_tools\": [...], \"dependencies\": [...]}]}"

		var list todoList
		_, err := t.svc.Structured(ctx, llm.Request{Model: t.model, System: "You plan tasks as small, checkable steps.", User: user}, todoSchema, &list)
		if err != nil {
			return tools.Output{}, err
		}
		for _, it := range list.Items {
			items = append(items, state.TodoItem{
				ID:             it.ID,
				Task:           it.Task,
				SuggestedTools: it.SuggestedTools,
				Dependencies:   it.Dependencies,
			})
		}
		dropUnknownTools(items, toolNames)
	}

	for i := range items {
		if items[i].ID == 0 {
			items[i].ID = i + 1
		}
		items[i].Normalize()
	}
	return tools.Output{
		Status: tools.StatusSuccess,
		Output: items,
		Type:   "todo_list",
	}, nil
}

// dropUnknownTools strips suggestions the registry does not know.
func dropUnknownTools(items []state.TodoItem, known []string) {
	if len(known) == 0 {
		return
	}
	set := make(map[string]bool, len(known))
	for _, k := range known {
		set[k] = true
	}
	for i := range items {
		var kept []string
		for _, s := range items[i].SuggestedTools {
			if set[s] {
				kept = append(kept, s)
			}
		}
		items[i].SuggestedTools = kept
	}
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
