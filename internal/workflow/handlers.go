package workflow

import (
	"context"
	stderrors "errors"
	"time"

	"loom/internal/dataref"
	"loom/internal/graph"
	"loom/internal/llm"
	"loom/internal/modelconfig"
	"loom/internal/shared/config"
	"loom/internal/shared/logging"
	"loom/internal/tools"
)

// Handlers bundles the collaborators every node handler needs. Handlers
// never touch I/O except through these.
type Handlers struct {
	llm      *llm.Service
	registry *tools.Registry
	models   *modelconfig.Resolver
	refs     *dataref.Resolver
	cfg      *config.Config
	logger   logging.Logger
	now      func() time.Time
}

// NewHandlers wires the handler set.
func NewHandlers(svc *llm.Service, registry *tools.Registry, models *modelconfig.Resolver, cfg *config.Config, logger logging.Logger) *Handlers {
	l := logging.OrNop(logger)
	return &Handlers{
		llm:      svc,
		registry: registry,
		models:   models,
		refs:     dataref.New(l),
		cfg:      cfg,
		logger:   l,
		now:      time.Now,
	}
}

// Handler paths the graph validator accepts.
var handlerPaths = map[string]bool{
	"handlers.planner":       true,
	"handlers.tool_executor": true,
	"handlers.reflection":    true,
	"handlers.output":        true,
}

// KnownHandler reports whether a callable path resolves.
func KnownHandler(path string) bool { return handlerPaths[path] }

// request builds the model request for a node.
func (h *Handlers) request(node string, g *graph.Graph, system, user string) llm.Request {
	model := h.models.ModelForNode(node, g.Nodes, "")
	settings := h.models.ModelSettings(model)
	return llm.Request{
		Model:       model,
		System:      system,
		User:        user,
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
		Timeout:     settings.Timeout,
	}
}

// structuredWithRetry retries the call exactly once on a schema failure.
func (h *Handlers) structuredWithRetry(ctx context.Context, req llm.Request, schema *llm.Schema, out any) error {
	_, err := h.llm.Structured(ctx, req, schema, out)
	var se *llm.SchemaError
	if err != nil && stderrors.As(err, &se) {
		h.logger.Warn("structured call failed schema validation, retrying once: %v", err)
		_, err = h.llm.Structured(ctx, req, schema, out)
	}
	return err
}
