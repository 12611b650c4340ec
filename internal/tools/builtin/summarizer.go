package builtin

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/llm"
	"loom/internal/shared/logging"
	"loom/internal/tools"
)

type summaryShape struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points,omitempty"`
}

var summarySchema = llm.MustSchemaFor[summaryShape]("summary")

// Summarizer condenses a piece of content. Content usually arrives as a
// ${preprocessed_files...} or ${action_...} expansion.
type Summarizer struct {
	svc    *llm.Service
	model  string
	logger logging.Logger
}

// NewSummarizer builds the tool; svc may be nil for offline use.
func NewSummarizer(svc *llm.Service, model string) *Summarizer {
	return &Summarizer{svc: svc, model: model, logger: logging.NewComponentLogger("Summarizer")}
}

func (s *Summarizer) Name() string             { return "Summarizer" }
func (s *Summarizer) Description() string      { return "Summarizes documents or earlier tool output." }
func (s *Summarizer) Category() tools.Category { return tools.CategoryLibs }
func (s *Summarizer) RequiresStateAccess() bool { return false }

func (s *Summarizer) WithConfig(config map[string]any) tools.Tool {
	clone := *s
	if m, ok := config["model_name"].(string); ok && m != "" {
		clone.model = m
	}
	return &clone
}

func (s *Summarizer) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{"type": "string", "description": "The text to summarize."},
			"focus":   map[string]any{"type": "string", "description": "Optional aspect to emphasize."},
		},
		"required": []string{"content"},
	}
}

func (s *Summarizer) Execute(ctx context.Context, inputs map[string]any) (tools.Output, error) {
	content, _ := inputs["content"].(string)
	if strings.TrimSpace(content) == "" {
		return tools.Failure("content is required"), nil
	}
	focus, _ := inputs["focus"].(string)

	if s.svc == nil {
		summary := content
		if len(summary) > 400 {
			summary = summary[:400] + "…"
		}
		return tools.Output{Status: tools.StatusSuccess, Output: summary, Type: "text"}, nil
	}

	user := "Summarize the following content.\n"
	if focus != "" {
		user += fmt.Sprintf("Focus on: %s\n", focus)
	}
	user += "\n" + content + "\n\nReply with JSON: {\"summary\": ..., \"key_points\": [...]}"

	var shape summaryShape
	_, err := s.svc.Structured(ctx, llm.Request{Model: s.model, System: "You summarize text faithfully and briefly.", User: user}, summarySchema, &shape)
	if err != nil {
		return tools.Output{}, err
	}
	return tools.Output{
		Status:  tools.StatusSuccess,
		Output:  shape.Summary,
		Type:    "text",
		RawData: shape.KeyPoints,
	}, nil
}
