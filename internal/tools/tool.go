// Package tools defines the tool contract and the registry the executor
// and output selector look tools up in.
package tools

import "context"

// Category groups tools by role. Generator tools render final answers
// and are never offered to the planner.
type Category string

const (
	CategoryLibs          Category = "libs"
	CategoryGenerator     Category = "generator"
	CategoryPreprocessors Category = "preprocessors"
)

// Execution status values.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusPartial = "partial"
	StatusError   = "error"
)

// Reserved input keys the executor injects; tool schemas must not claim
// them.
const (
	StateInputKey = "__runtime_state"
	UserInputKey  = "__current_user"
)

// Output is the uniform tool result.
type Output struct {
	Status        string         `json:"status"`
	Message       string         `json:"message,omitempty"`
	Output        any            `json:"output,omitempty"`
	PrimaryResult any            `json:"primary_result,omitempty"`
	Type          string         `json:"type,omitempty"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	RawData       any            `json:"raw_data,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// OK reports whether the execution produced a usable result.
func (o Output) OK() bool {
	return o.Status == StatusSuccess || o.Status == StatusPartial
}

// AsMap renders the output for storage in action history.
func (o Output) AsMap() map[string]any {
	m := map[string]any{"status": o.Status}
	if o.Message != "" {
		m["message"] = o.Message
	}
	if o.Output != nil {
		m["output"] = o.Output
	} else if o.PrimaryResult != nil {
		m["output"] = o.PrimaryResult
	}
	if o.PrimaryResult != nil {
		m["primary_result"] = o.PrimaryResult
	}
	if o.Type != "" {
		m["type"] = o.Type
	}
	if o.Metrics != nil {
		m["metrics"] = o.Metrics
	}
	if o.RawData != nil {
		m["raw_data"] = o.RawData
	}
	if o.Metadata != nil {
		m["metadata"] = o.Metadata
	}
	return m
}

// Failure builds a failed Output from an error message.
func Failure(message string) Output {
	return Output{Status: StatusFailed, Message: message}
}

// Tool is one executable capability.
type Tool interface {
	Name() string
	Description() string
	Category() Category

	// InputSchema returns the JSON-schema fragment for the tool's inputs.
	InputSchema() map[string]any

	// RequiresStateAccess asks the executor to inject the runtime state
	// under StateInputKey.
	RequiresStateAccess() bool

	Execute(ctx context.Context, inputs map[string]any) (Output, error)
}

// Configurable tools derive a per-invocation instance from the merged
// node config. The registered instance is shared across workers and must
// not be mutated.
type Configurable interface {
	WithConfig(config map[string]any) Tool
}

// Info is the registry listing row.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
}
