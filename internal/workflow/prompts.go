package workflow

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"loom/internal/state"
	"loom/internal/tools"
)

// historyTokenBudget bounds how much formatted action history goes into
// the planner prompt; the oldest pairs drop first.
const historyTokenBudget = 8000

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens estimates token usage, falling back to a bytes/4 heuristic
// when the encoding is unavailable.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// plannerSystemPrompt declares the callable tools, generators excluded.
func plannerSystemPrompt(available []tools.Info) string {
	var b strings.Builder
	b.WriteString("You are the planner of an agent workflow. ")
	b.WriteString("Decide the next step: call one tool (action CALL_TOOL) or finish the task (action FINISH).\n\n")
	b.WriteString("Available tools:\n")
	if len(available) == 0 {
		b.WriteString("(none)\n")
	}
	for _, t := range available {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	b.WriteString("\nData references like ${action_...} or ${preprocessed_files...} are expanded before the tool runs.\n")
	b.WriteString("When finishing, include output_guidance for the answer renderer instead of writing the answer yourself.")
	return b.String()
}

// plannerUserPrompt assembles goal, user context, recent chat, the
// formatted action history, the data catalog and the TODO section.
func plannerUserPrompt(st *state.RuntimeState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task goal:\n%s\n", st.TaskGoal)

	if len(st.UserContext) > 0 {
		b.WriteString("\nUser context:\n")
		for k, v := range st.UserContext {
			fmt.Fprintf(&b, "- %s: %v\n", k, v)
		}
	}

	if chat := recentChat(st.ChatHistory, 6); chat != "" {
		b.WriteString("\nRecent conversation:\n")
		b.WriteString(chat)
	}

	if hist := formatActionHistory(st, historyTokenBudget); hist != "" {
		b.WriteString("\nActions so far:\n")
		b.WriteString(hist)
	}

	b.WriteString("\n")
	b.WriteString(st.DataCatalog())

	if todo := todoSection(st); todo != "" {
		b.WriteString("\nTODO list:\n")
		b.WriteString(todo)
	}
	return b.String()
}

func recentChat(history []state.ChatMessage, max int) string {
	if len(history) == 0 {
		return ""
	}
	start := len(history) - max
	if start < 0 {
		start = 0
	}
	var b strings.Builder
	for _, m := range history[start:] {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	return b.String()
}

// formatActionHistory renders plan/reflection pairs of the current
// conversation, newest kept when the budget runs out.
func formatActionHistory(st *state.RuntimeState, budget int) string {
	conv := st.CurrentConversation()
	if len(conv) == 0 {
		return ""
	}
	var blocks []string
	for _, entry := range conv {
		var block string
		switch entry.Type {
		case state.EntryPlan:
			block = fmt.Sprintf("Plan: %v (action=%v, tool=%v)",
				entry.Data["output"], entry.Data["action"], entry.Data["tool_name"])
		case state.EntryToolOutput:
			block = fmt.Sprintf("Tool %s returned status=%v", entry.ToolName, entry.Data["status"])
		case state.EntryReflection:
			block = fmt.Sprintf("Reflection: %v (sufficient=%v)",
				entry.Data["conclusion"], entry.Data["is_sufficient"])
		default:
			continue
		}
		blocks = append(blocks, block)
	}

	// Drop oldest blocks until the rendered history fits.
	for len(blocks) > 1 && countTokens(strings.Join(blocks, "\n")) > budget {
		blocks = blocks[1:]
	}
	return strings.Join(blocks, "\n") + "\n"
}

func todoSection(st *state.RuntimeState) string {
	if len(st.Todo) == 0 {
		return ""
	}
	var b strings.Builder
	for _, item := range st.Todo {
		marker := " "
		switch item.Status {
		case state.TodoCompleted:
			marker = "x"
		case state.TodoProcessing:
			marker = "~"
		case state.TodoFailed:
			marker = "!"
		}
		fmt.Fprintf(&b, "[%s] #%d %s", marker, item.ID, item.Task)
		if len(item.SuggestedTools) > 0 {
			fmt.Fprintf(&b, " (tools: %s)", strings.Join(item.SuggestedTools, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// reflectionUserPrompt shows the plan and the tool result.
func reflectionUserPrompt(st *state.RuntimeState, plan *PlannerOutput, toolOutput map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task goal:\n%s\n", st.TaskGoal)
	fmt.Fprintf(&b, "\nExecuted plan: %s (tool %s)\n", plan.Thought, plan.ToolName)
	if plan.ExpectedOutcome != "" {
		fmt.Fprintf(&b, "Expected outcome: %s\n", plan.ExpectedOutcome)
	}
	fmt.Fprintf(&b, "\nTool result:\n%v\n", toolOutput)
	b.WriteString("\nJudge the result: conclusion, whether it is sufficient, whether the whole task is finished, and key findings.")
	return b.String()
}

// outputSelectorUserPrompt lists the generators and the guidance.
func outputSelectorUserPrompt(st *state.RuntimeState, generators []tools.Info, guidance *OutputGuidance) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task goal:\n%s\n", st.TaskGoal)
	b.WriteString("\nChoose the best output tool for the final answer:\n")
	for _, g := range generators {
		fmt.Fprintf(&b, "- %s: %s\n", g.Name, g.Description)
	}
	if guidance != nil {
		if len(guidance.KeyPoints) > 0 {
			fmt.Fprintf(&b, "\nKey points to cover: %s\n", strings.Join(guidance.KeyPoints, "; "))
		}
		if guidance.FormatRequirements != "" {
			fmt.Fprintf(&b, "Format requirements: %s\n", guidance.FormatRequirements)
		}
	}
	b.WriteString("\nReply with JSON: {\"tool_name\": ...}")
	return b.String()
}
