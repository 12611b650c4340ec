// Package llm is the model-call port plus the structured-output layer
// the node handlers talk to: prompt in, schema-validated JSON out.
package llm

import (
	"context"
	"time"
)

// Request is one completion call.
type Request struct {
	Model       string
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the raw model reply.
type Response struct {
	Content string
	Usage   Usage
}

// Transport performs the actual model call. Implementations wrap a
// provider SDK; tests use ScriptedTransport.
type Transport interface {
	Complete(ctx context.Context, req Request) (Response, error)
}
