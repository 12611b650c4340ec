package workflow

import (
	"context"
	"fmt"
	"time"

	"loom/internal/graph"
	"loom/internal/observability"
	"loom/internal/shared/errors"
	"loom/internal/state"
	"loom/internal/tools"
)

// outputRunResult is what the executor needs to log a recovered run.
type outputRunResult struct {
	Output       tools.Output
	ToolName     string
	Attempts     int
	Recovered    bool
	UsedFallback bool
}

// runOutputTool executes the chosen generator with retry and, when every
// attempt fails retryably, one shot with an alternative generator.
// Non-retryable failures abort immediately.
func (h *Handlers) runOutputTool(ctx context.Context, st *state.RuntimeState, g *graph.Graph, nodeName, toolName string, sleep func(time.Duration)) (outputRunResult, error) {
	node, _ := g.Node(nodeName)
	maxAttempts := node.RetryCount(3)
	cfg := h.models.ToolConfig(nodeName, g.Nodes)
	backoff := errors.DefaultBackoffConfig()

	res := outputRunResult{ToolName: toolName}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := h.now()
		out, err := h.registry.Execute(ctx, toolName, st.OutputToolInput, cfg)
		elapsed := h.now().Sub(start)
		if err == nil && out.OK() {
			res.Output = out
			res.Attempts = attempt
			res.Recovered = attempt > 1
			return res, nil
		}

		message := out.Message
		if err != nil {
			message = err.Error()
		}
		kind := errors.ClassifyMessage(message)
		h.recordRetry(st, attempt, toolName, kind, message, elapsed)
		observability.OutputToolRetries.WithLabelValues(toolName, string(kind)).Inc()
		res.Attempts = attempt

		if !kind.Retryable() {
			h.logger.Error("output tool %s failed with %s error, not retrying: %s", toolName, kind, message)
			st.ErrorDetails = map[string]any{
				"failed_tool": toolName,
				"attempts":    attempt,
				"error_type":  string(kind),
				"reason":      "output tool failed with a non-retryable error",
				"last_error":  message,
			}
			return res, fmt.Errorf("output tool %s failed with non-retryable %s error: %s", toolName, kind, message)
		}
		if attempt < maxAttempts {
			sleep(errors.Backoff(attempt, backoff))
		}
	}

	// One attempt with an alternative generator not yet tried.
	alt := h.alternativeGenerator(toolName)
	if alt == "" {
		st.ErrorDetails = map[string]any{
			"failed_tool": toolName,
			"attempts":    res.Attempts,
			"reason":      "output tool exhausted with no alternative generator",
		}
		return res, fmt.Errorf("output tool %s exhausted after %d attempts", toolName, res.Attempts)
	}

	h.logger.Warn("output tool %s exhausted, trying alternative %s", toolName, alt)
	start := h.now()
	out, err := h.registry.Execute(ctx, alt, st.OutputToolInput, h.models.ToolConfig(nodeName, g.Nodes))
	elapsed := h.now().Sub(start)
	if err == nil && out.OK() {
		res.Output = out
		res.ToolName = alt
		res.Recovered = true
		res.UsedFallback = true
		return res, nil
	}

	message := out.Message
	if err != nil {
		message = err.Error()
	}
	h.recordRetry(st, res.Attempts+1, alt, errors.ClassifyMessage(message), message, elapsed)
	st.ErrorDetails = map[string]any{
		"failed_tool":      toolName,
		"alternative_tool": alt,
		"attempts":         res.Attempts + 1,
		"reason":           "output tool and alternative both failed",
		"last_error":       message,
	}
	return res, fmt.Errorf("output tool %s and alternative %s both failed", toolName, alt)
}

func (h *Handlers) recordRetry(st *state.RuntimeState, attempt int, toolName string, kind errors.Kind, message string, elapsed time.Duration) {
	st.RetryHistory = append(st.RetryHistory, state.RetryRecord{
		Attempt:         attempt,
		ToolName:        toolName,
		ErrorType:       string(kind),
		ErrorMessage:    message,
		ExecutionTimeMS: elapsed.Milliseconds(),
		Timestamp:       h.now().Format(time.RFC3339),
	})
}

// alternativeGenerator returns the first generator by name that is not
// the failed one.
func (h *Handlers) alternativeGenerator(failed string) string {
	for _, gen := range h.registry.Generators() {
		if gen.Name != failed {
			return gen.Name
		}
	}
	return ""
}
