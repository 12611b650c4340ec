// Package builtin ships the stock tools: the TODO planner helper, the
// summarizer and the two answer generators.
package builtin

import (
	"context"
	"fmt"
	"strings"

	"loom/internal/llm"
	"loom/internal/shared/logging"
	"loom/internal/tools"
)

// generatedDoc is the structured reply shape shared by the generators.
type generatedDoc struct {
	FinalAnswer string `json:"final_answer"`
	Title       string `json:"title"`
}

var generatedDocSchema = llm.MustSchemaFor[generatedDoc]("generated_doc")

// generatorBase carries the model plumbing shared by the generators.
type generatorBase struct {
	svc    *llm.Service
	model  string
	logger logging.Logger
}

// withModel returns a copy carrying the config's model override.
func (g generatorBase) withModel(config map[string]any) generatorBase {
	if m, ok := config["model_name"].(string); ok && m != "" {
		g.model = m
	}
	return g
}

// generate runs the structured call, or composes deterministically when
// no model is wired.
func (g *generatorBase) generate(ctx context.Context, system string, inputs map[string]any) (generatedDoc, error) {
	goal, _ := inputs["task_goal"].(string)
	guidance, _ := inputs["guidance"].(string)
	contextText, _ := inputs["context"].(string)

	if g.svc == nil {
		title := goal
		if len(title) > 60 {
			title = title[:60]
		}
		body := contextText
		if body == "" {
			body = goal
		}
		return generatedDoc{FinalAnswer: body, Title: title}, nil
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Task: %s\n", goal)
	if guidance != "" {
		fmt.Fprintf(&user, "Guidance: %s\n", guidance)
	}
	if contextText != "" {
		fmt.Fprintf(&user, "Collected material:\n%s\n", contextText)
	}
	user.WriteString("\nReply with JSON: {\"final_answer\": ..., \"title\": ...}")

	var doc generatedDoc
	_, err := g.svc.Structured(ctx, llm.Request{Model: g.model, System: system, User: user.String()}, generatedDocSchema, &doc)
	if err != nil {
		return generatedDoc{}, err
	}
	return doc, nil
}

func (g *generatorBase) execute(ctx context.Context, system string, inputs map[string]any) (tools.Output, error) {
	doc, err := g.generate(ctx, system, inputs)
	if err != nil {
		return tools.Output{}, err
	}
	return tools.Output{
		Status: tools.StatusSuccess,
		Output: map[string]any{"final_answer": doc.FinalAnswer, "title": doc.Title},
		Type:   "text",
	}, nil
}

// TextGenerator renders the final answer as prose.
type TextGenerator struct {
	generatorBase
}

// NewTextGenerator builds the generator; svc may be nil for offline use.
func NewTextGenerator(svc *llm.Service, model string) *TextGenerator {
	return &TextGenerator{generatorBase{svc: svc, model: model, logger: logging.NewComponentLogger("TextGenerator")}}
}

func (t *TextGenerator) Name() string            { return "TextGenerator" }
func (t *TextGenerator) Description() string     { return "Writes the final answer as plain text." }
func (t *TextGenerator) Category() tools.Category { return tools.CategoryGenerator }
func (t *TextGenerator) RequiresStateAccess() bool { return false }

func (t *TextGenerator) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_goal": map[string]any{"type": "string"},
			"guidance":  map[string]any{"type": "string"},
			"context":   map[string]any{"type": "string"},
		},
		"required": []string{"task_goal"},
	}
}

func (t *TextGenerator) WithConfig(config map[string]any) tools.Tool {
	return &TextGenerator{t.generatorBase.withModel(config)}
}

func (t *TextGenerator) Execute(ctx context.Context, inputs map[string]any) (tools.Output, error) {
	return t.execute(ctx, "You write concise, complete answers from collected task material.", inputs)
}

// ReportGenerator renders the final answer as a structured report.
type ReportGenerator struct {
	generatorBase
}

// NewReportGenerator builds the generator; svc may be nil for offline
// use.
func NewReportGenerator(svc *llm.Service, model string) *ReportGenerator {
	return &ReportGenerator{generatorBase{svc: svc, model: model, logger: logging.NewComponentLogger("ReportGenerator")}}
}

func (r *ReportGenerator) Name() string            { return "ReportGenerator" }
func (r *ReportGenerator) Description() string     { return "Writes the final answer as a sectioned report." }
func (r *ReportGenerator) Category() tools.Category { return tools.CategoryGenerator }
func (r *ReportGenerator) RequiresStateAccess() bool { return false }

func (r *ReportGenerator) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_goal": map[string]any{"type": "string"},
			"guidance":  map[string]any{"type": "string"},
			"context":   map[string]any{"type": "string"},
		},
		"required": []string{"task_goal"},
	}
}

func (r *ReportGenerator) WithConfig(config map[string]any) tools.Tool {
	return &ReportGenerator{r.generatorBase.withModel(config)}
}

func (r *ReportGenerator) Execute(ctx context.Context, inputs map[string]any) (tools.Output, error) {
	return r.execute(ctx, "You write structured reports with sections and findings from collected task material.", inputs)
}
