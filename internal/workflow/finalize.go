package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"loom/internal/observability"
	"loom/internal/state"
	"loom/internal/task"
)

// finalize completes the task: records the final answer, persists the
// output document and writes the closing audit row. Re-running it on a
// completed task changes nothing.
func (e *Executor) finalize(ctx context.Context, taskID string, st *state.RuntimeState, lastOutput map[string]any, step *int) error {
	rec, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	if rec.Status == task.StatusCompleted {
		return nil
	}

	finalAnswer, _ := lastOutput["final_answer"].(string)
	title, _ := lastOutput["title"].(string)

	if finalAnswer != "" && title != "" {
		st.AppendEntry(state.ActionEntry{
			Type: state.EntryFinalAnswer,
			Data: map[string]any{"output": finalAnswer, "title": title},
		})
		st.ChatHistory = append(st.ChatHistory, state.ChatMessage{Role: "assistant", Content: finalAnswer})
	}

	conclusion := finalAnswer
	if conclusion == "" {
		conclusion = lastReflectionConclusion(st)
	}

	outputData := map[string]any{
		"final_conclusion": conclusion,
		"task_goal":        st.TaskGoal,
		"title":            title,
		"action_history":   st.ActionHistory,
	}
	if len(st.RetryHistory) > 0 {
		outputData["retry_history"] = st.RetryHistory
	}
	if len(st.ErrorDetails) > 0 {
		outputData["error_details"] = st.ErrorDetails
	}
	raw, err := json.Marshal(outputData)
	if err != nil {
		return fmt.Errorf("serialize output data: %w", err)
	}

	if err := e.tasks.SetStatus(ctx, taskID, task.StatusCompleted, task.WithOutputData(raw)); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	observability.TasksByStatus.WithLabelValues(string(task.StatusCompleted)).Inc()

	e.emit(ctx, taskID, step, task.LogFinalAnswer, map[string]any{
		"final_conclusion": conclusion,
		"title":            title,
	})
	e.saveQuietly(ctx, taskID, st)
	return nil
}

// fail marks the task FAILED with a terminal audit row carrying the
// error payload.
func (e *Executor) fail(ctx context.Context, taskID string, st *state.RuntimeState, step *int, cause error) error {
	e.logger.Error("task %s failed: %v", taskID, cause)

	e.emit(ctx, taskID, step, task.LogToolResult, map[string]any{
		"error":  cause.Error(),
		"status": "error",
	})
	if err := e.tasks.SetStatus(ctx, taskID, task.StatusFailed, task.WithError(cause.Error())); err != nil {
		e.logger.Error("could not mark %s failed: %v", taskID, err)
	}
	observability.TasksByStatus.WithLabelValues(string(task.StatusFailed)).Inc()
	e.saveQuietly(ctx, taskID, st)
	return cause
}

func lastReflectionConclusion(st *state.RuntimeState) string {
	conv := st.CurrentConversation()
	for i := len(conv) - 1; i >= 0; i-- {
		if conv[i].Type != state.EntryReflection {
			continue
		}
		if c, ok := conv[i].Data["conclusion"].(string); ok {
			return c
		}
	}
	return ""
}
