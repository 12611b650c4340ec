package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"loom/internal/checkpoint"
	"loom/internal/graph"
	"loom/internal/observability"
	"loom/internal/shared/logging"
	"loom/internal/state"
	"loom/internal/task"
	"loom/internal/tools"
)

// Executor walks one graph for one task: dispatch node, checkpoint,
// audit, route, until END or a terminal condition.
type Executor struct {
	graph       *graph.Graph
	handlers    *Handlers
	checkpoints *checkpoint.Store
	tasks       task.Store
	logger      logging.Logger
	sleep       func(time.Duration)
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithSleep replaces the retry-backoff sleeper, for tests.
func WithSleep(sleep func(time.Duration)) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// NewExecutor validates the graph and wires the loop.
func NewExecutor(g *graph.Graph, h *Handlers, checkpoints *checkpoint.Store, tasks task.Store, opts ...ExecutorOption) (*Executor, error) {
	if err := g.Validate(KnownHandler); err != nil {
		return nil, err
	}
	e := &Executor{
		graph:       g,
		handlers:    h,
		checkpoints: checkpoints,
		tasks:       tasks,
		logger:      logging.NewComponentLogger("Executor"),
		sleep:       time.Sleep,
	}
	for _, fn := range opts {
		fn(e)
	}
	return e, nil
}

// Run executes the task to a terminal condition. The runtime state is
// loaded from the newest checkpoint, so a restarted run resumes where
// the last one stopped.
func (e *Executor) Run(ctx context.Context, taskID string) error {
	rec, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if rec.Status.IsTerminal() {
		e.logger.Info("task %s already terminal (%s), nothing to run", taskID, rec.Status)
		return nil
	}
	if _, err := e.checkpoints.CreateWorkflowDirectory(taskID, rec.UserID, rec.SessionID); err != nil {
		return fmt.Errorf("prepare workflow directory: %w", err)
	}

	st, err := e.checkpoints.Load(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if st == nil {
		st = state.New(rec.Goal, rec.Usage)
	}

	if err := e.tasks.SetStatus(ctx, taskID, task.StatusRunning); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	maxStep, err := e.tasks.MaxStepOrder(ctx, taskID)
	if err != nil {
		return fmt.Errorf("resume step order: %w", err)
	}
	step := maxStep + 1

	var (
		plan           *PlannerOutput
		lastOutput     map[string]any
		outputToolName string
	)

	current := graph.Entry
	for current != graph.End {
		cancelled, err := e.cancelled(ctx, taskID)
		if err != nil {
			return err
		}
		if cancelled {
			e.logger.Info("task %s cancelled, saving state and stopping", taskID)
			return e.checkpoints.Save(ctx, taskID, st)
		}

		node, ok := e.graph.Node(current)
		if !ok {
			return e.fail(ctx, taskID, st, &step, fmt.Errorf("graph-navigation: node %q not found", current))
		}

		nodeCtx, span := observability.Tracer().Start(ctx, "node."+current,
			trace.WithAttributes(attribute.String("task_id", taskID)))
		started := time.Now()

		lastOutput, plan, outputToolName, err = e.runNode(nodeCtx, taskID, st, node, plan, lastOutput, outputToolName, &step)

		observability.NodeDuration.WithLabelValues(current).Observe(time.Since(started).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		observability.NodeExecutions.WithLabelValues(current, outcome).Inc()
		span.End()

		if err != nil {
			return e.fail(ctx, taskID, st, &step, err)
		}

		next, err := e.selectEdge(node, plan, lastOutput, outputToolName)
		if err != nil {
			return e.fail(ctx, taskID, st, &step, err)
		}
		current = next
	}

	return e.finalize(ctx, taskID, st, lastOutput, &step)
}

// runNode dispatches one node and handles its bookkeeping: state entry,
// checkpoint save, audit rows and step artifact.
func (e *Executor) runNode(ctx context.Context, taskID string, st *state.RuntimeState, node graph.Node, plan *PlannerOutput, lastOutput map[string]any, outputToolName string, step *int) (map[string]any, *PlannerOutput, string, error) {
	h := e.handlers

	switch {
	case node.Kind == graph.KindTool && node.IsOutputTool() && st.OutputToolInput != nil:
		res, runErr := h.runOutputTool(ctx, st, e.graph, node.Name, outputToolName, e.sleep)
		if runErr != nil {
			st.AppendEntry(state.ActionEntry{
				Type:     state.EntryToolOutput,
				Data:     tools.Failure(runErr.Error()).AsMap(),
				ToolName: outputToolName,
			})
			e.saveQuietly(ctx, taskID, st)
			return lastOutput, plan, outputToolName, fmt.Errorf("output-tool-exhausted: %w", runErr)
		}
		out := res.Output
		st.AppendEntry(state.ActionEntry{Type: state.EntryToolOutput, Data: out.AsMap(), ToolName: res.ToolName})
		st.OutputToolInput = nil

		rendered, _ := out.Output.(map[string]any)
		result := map[string]any{"status": out.Status}
		if rendered != nil {
			result["final_answer"] = rendered["final_answer"]
			result["title"] = rendered["title"]
		}

		if err := e.checkpoints.Save(ctx, taskID, st); err != nil {
			return lastOutput, plan, outputToolName, err
		}
		if res.Recovered {
			e.emit(ctx, taskID, step, task.LogToolResult, map[string]any{
				"tool_name":       res.ToolName,
				"retry_attempt":   res.Attempts,
				"error_recovered": true,
				"is_output_tool":  true,
				"used_fallback":   res.UsedFallback,
				"output":          out.AsMap(),
			})
		}
		e.checkpoints.SaveStep(taskID, *step, "output", out.AsMap(), res.ToolName)
		return result, plan, res.ToolName, nil

	case node.Kind == graph.KindTool:
		out := h.ExecuteTool(ctx, st, e.graph, node.Name, plan, "")
		if err := e.checkpoints.Save(ctx, taskID, st); err != nil {
			return lastOutput, plan, outputToolName, err
		}
		toolName := ""
		var toolInput map[string]any
		if plan != nil {
			toolName = plan.ToolName
			toolInput = plan.ToolInput
		}
		artifactStep := *step
		e.emit(ctx, taskID, step, task.LogToolCall, map[string]any{"tool_name": toolName, "tool_input": toolInput})
		e.emit(ctx, taskID, step, task.LogToolResult, map[string]any{"tool_name": toolName, "output": out.AsMap()})
		e.checkpoints.SaveStep(taskID, artifactStep, "call_tool", out.AsMap(), toolName)
		return out.AsMap(), plan, outputToolName, nil

	case node.CallablePath == "handlers.planner":
		newPlan, err := h.Planner(ctx, st, e.graph)
		if err != nil {
			return lastOutput, plan, outputToolName, err
		}
		if err := e.checkpoints.Save(ctx, taskID, st); err != nil {
			return lastOutput, plan, outputToolName, err
		}
		data := planData(newPlan)
		artifactStep := *step
		e.emit(ctx, taskID, step, task.LogPlanner, data)
		e.checkpoints.SaveStep(taskID, artifactStep, "planner", data, "")
		return data, newPlan, outputToolName, nil

	case node.CallablePath == "handlers.reflection":
		var toolOut tools.Output
		if conv := st.CurrentConversation(); len(conv) > 0 {
			last := conv[len(conv)-1]
			if last.Type == state.EntryToolOutput {
				toolOut = outputFromMap(last.Data)
			}
		}
		refl, todoChanged, err := h.Reflect(ctx, st, e.graph, plan, toolOut)
		if err != nil {
			return lastOutput, plan, outputToolName, err
		}
		if err := e.checkpoints.Save(ctx, taskID, st); err != nil {
			return lastOutput, plan, outputToolName, err
		}
		data := toMap(refl)
		artifactStep := *step
		e.emit(ctx, taskID, step, task.LogReflection, data)
		if todoChanged {
			e.emit(ctx, taskID, step, task.LogTodoUpdate, map[string]any{"todo": st.Todo})
		}
		e.checkpoints.SaveStep(taskID, artifactStep, "reflection", data, "")
		return data, plan, outputToolName, nil

	case node.CallablePath == "handlers.output":
		out, err := h.SelectOutput(ctx, st, e.graph, plan)
		if err != nil {
			return lastOutput, plan, outputToolName, err
		}
		decision, _ := out["output_tool_decision"].(map[string]any)
		chosen, _ := decision["tool_name"].(string)
		if err := e.checkpoints.Save(ctx, taskID, st); err != nil {
			return lastOutput, plan, outputToolName, err
		}
		e.emit(ctx, taskID, step, task.LogToolCall, map[string]any{
			"tool_name":      chosen,
			"is_output_tool": true,
		})
		return out, plan, chosen, nil

	default:
		return lastOutput, plan, outputToolName, fmt.Errorf("graph-navigation: node %q has no runnable handler", node.Name)
	}
}

// selectEdge applies the routing rules for the node just executed.
func (e *Executor) selectEdge(node graph.Node, plan *PlannerOutput, output map[string]any, outputToolName string) (string, error) {
	var fallback *graph.Edge
	for _, edge := range e.graph.Outgoing(node.Name) {
		if edge.Unconditional() {
			edge := edge
			fallback = &edge
			continue
		}
		if e.edgeMatches(node, edge, plan, output, outputToolName) {
			return edge.Target, nil
		}
	}
	if fallback != nil {
		return fallback.Target, nil
	}
	return "", fmt.Errorf("graph-navigation: no edge matches out of %q", node.Name)
}

func (e *Executor) edgeMatches(node graph.Node, edge graph.Edge, plan *PlannerOutput, output map[string]any, outputToolName string) bool {
	key := edge.ConditionKey

	if node.CallablePath == "handlers.planner" && plan != nil {
		if tool, ok := cutPrefix(key, graph.CallToolPrefix); ok {
			return plan.Action == ActionCallTool && plan.ToolName == tool
		}
		return key == plan.Action
	}
	if tool, ok := cutPrefix(key, graph.OutputPrefix); ok {
		return outputToolName == tool
	}
	if output != nil {
		if v, present := output[key]; present && v != nil {
			return true
		}
	}
	return false
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

// cancelled re-reads the task row between nodes.
func (e *Executor) cancelled(ctx context.Context, taskID string) (bool, error) {
	rec, err := e.tasks.Get(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("poll task status: %w", err)
	}
	return rec.Status == task.StatusCancelled, nil
}

// emit writes one audit row and advances the step counter.
func (e *Executor) emit(ctx context.Context, taskID string, step *int, logType task.LogType, details map[string]any) {
	row := &task.ActionStep{
		TaskID:    taskID,
		StepOrder: *step,
		LogType:   logType,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if err := e.tasks.AppendStep(ctx, row); err != nil {
		e.logger.Warn("audit row dropped for %s step %d: %v", taskID, *step, err)
	}
	*step++
}

func (e *Executor) saveQuietly(ctx context.Context, taskID string, st *state.RuntimeState) {
	if err := e.checkpoints.Save(ctx, taskID, st); err != nil {
		e.logger.Error("state save failed for %s: %v", taskID, err)
	}
}

// outputFromMap rebuilds a tool output recorded in action history.
func outputFromMap(data map[string]any) tools.Output {
	out := tools.Output{}
	if s, ok := data["status"].(string); ok {
		out.Status = s
	}
	if m, ok := data["message"].(string); ok {
		out.Message = m
	}
	out.Output = data["output"]
	return out
}
