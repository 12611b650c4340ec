package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"loom/internal/shared/logging"
)

// SchemaError reports a model reply that could not be turned into a
// value matching the requested schema. Callers retry the call once.
type SchemaError struct {
	Schema string
	Reason error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("structured output did not match %s: %v", e.Schema, e.Reason)
}

func (e *SchemaError) Unwrap() error { return e.Reason }

// Service performs structured-output calls over a Transport.
type Service struct {
	transport Transport
	logger    logging.Logger
}

// NewService wraps a transport.
func NewService(transport Transport, logger logging.Logger) *Service {
	return &Service{transport: transport, logger: logging.OrNop(logger)}
}

// Structured runs one completion and decodes the reply into out after
// validating it against schema. Malformed JSON goes through repair
// before it counts as a failure.
func (s *Service) Structured(ctx context.Context, req Request, schema *Schema, out any) (Usage, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	resp, err := s.transport.Complete(ctx, req)
	if err != nil {
		return Usage{}, err
	}

	raw, err := extractJSON(resp.Content)
	if err != nil {
		return resp.Usage, &SchemaError{Schema: schema.Name, Reason: err}
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(raw)
		if rerr != nil {
			return resp.Usage, &SchemaError{Schema: schema.Name, Reason: err}
		}
		s.logger.Warn("model %s produced malformed JSON, repaired", req.Model)
		if err := json.Unmarshal([]byte(repaired), &value); err != nil {
			return resp.Usage, &SchemaError{Schema: schema.Name, Reason: err}
		}
		raw = repaired
	}

	if err := schema.Validate(value); err != nil {
		return resp.Usage, &SchemaError{Schema: schema.Name, Reason: err}
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return resp.Usage, &SchemaError{Schema: schema.Name, Reason: err}
	}
	return resp.Usage, nil
}

// extractJSON strips markdown fences and surrounding prose, keeping the
// outermost JSON object.
func extractJSON(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
			trimmed = trimmed[:idx]
		}
		trimmed = strings.TrimSpace(trimmed)
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON object in reply")
	}
	return trimmed[start : end+1], nil
}
