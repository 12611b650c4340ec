package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedTransport replays canned replies in order; tests use it to
// drive the node handlers without a live model.
type ScriptedTransport struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	Requests []Request
}

// Script appends a successful reply.
func (t *ScriptedTransport) Script(content string) *ScriptedTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies = append(t.replies, content)
	t.errs = append(t.errs, nil)
	return t
}

// ScriptError appends a failing call.
func (t *ScriptedTransport) ScriptError(err error) *ScriptedTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replies = append(t.replies, "")
	t.errs = append(t.errs, err)
	return t
}

// Complete pops the next scripted reply.
func (t *ScriptedTransport) Complete(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Requests = append(t.Requests, req)
	if len(t.replies) == 0 {
		return Response{}, fmt.Errorf("scripted transport exhausted after %d calls", len(t.Requests))
	}
	reply, err := t.replies[0], t.errs[0]
	t.replies = t.replies[1:]
	t.errs = t.errs[1:]
	if err != nil {
		return Response{}, err
	}
	return Response{Content: reply, Usage: Usage{PromptTokens: 10, CompletionTokens: 20}}, nil
}
