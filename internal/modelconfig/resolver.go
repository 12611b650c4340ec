// Package modelconfig resolves which model a node runs with. Lookups
// cascade from explicit override to runtime graph config to persisted
// node config to the process default.
package modelconfig

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"loom/internal/graph"
	"loom/internal/shared/config"
	"loom/internal/shared/logging"
)

const cacheSize = 128

// NodeConfigSource supplies persisted per-node config maps. Lookup
// failures are tolerated; the resolver falls through the cascade.
type NodeConfigSource interface {
	NodeConfig(name string) (map[string]any, error)
}

// configSource serves persisted node configs straight from the loaded
// configuration.
type configSource struct {
	cfg *config.Config
}

func (s configSource) NodeConfig(name string) (map[string]any, error) {
	return s.cfg.NodeConfigs[name], nil
}

// Resolver answers model and tool-config questions for graph nodes.
type Resolver struct {
	cfg    *config.Config
	source NodeConfigSource
	cache  *lru.Cache[string, map[string]any]
	logger logging.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithSource replaces the persisted-config source.
func WithSource(src NodeConfigSource) Option {
	return func(r *Resolver) { r.source = src }
}

// New builds a resolver over the loaded configuration.
func New(cfg *config.Config, opts ...Option) *Resolver {
	cache, _ := lru.New[string, map[string]any](cacheSize)
	r := &Resolver{
		cfg:    cfg,
		source: configSource{cfg: cfg},
		cache:  cache,
		logger: logging.NewComponentLogger("ModelConfigResolver"),
	}
	for _, fn := range opts {
		fn(r)
	}
	return r
}

// ModelForNode picks the model id for a node: explicit override, then
// the runtime graph map, then persisted node config, then the process
// default. Empty means no model is configured anywhere.
func (r *Resolver) ModelForNode(name string, runtimeMap map[string]graph.Node, override string) string {
	if override != "" {
		return override
	}
	if runtimeMap != nil {
		if node, ok := runtimeMap[name]; ok {
			if m := node.ModelName(); m != "" {
				return m
			}
		}
	}
	if persisted := r.persistedConfig(name); persisted != nil {
		if m, ok := persisted["model_name"].(string); ok && m != "" {
			return m
		}
	}
	return r.cfg.DefaultModel
}

// ToolConfig merges the runtime node config over the persisted one and
// guarantees a model_name key.
func (r *Resolver) ToolConfig(name string, runtimeMap map[string]graph.Node) map[string]any {
	merged := make(map[string]any)
	for k, v := range r.persistedConfig(name) {
		merged[k] = v
	}
	if runtimeMap != nil {
		if node, ok := runtimeMap[name]; ok {
			for k, v := range node.Config {
				merged[k] = v
			}
		}
	}
	if m, ok := merged["model_name"].(string); !ok || m == "" {
		merged["model_name"] = r.cfg.DefaultModel
	}
	return merged
}

// ValidateModel reports whether the model id is registered. An id equal
// to the process default is accepted even when the registry is empty.
func (r *Resolver) ValidateModel(id string) bool {
	if id == "" {
		return false
	}
	if _, ok := r.cfg.Model(id); ok {
		return true
	}
	return id == r.cfg.DefaultModel
}

// ModelSettings returns the registered config for id, falling back to a
// bare entry when the id is known only as the default.
func (r *Resolver) ModelSettings(id string) config.ModelConfig {
	if m, ok := r.cfg.Model(id); ok {
		return m
	}
	return config.ModelConfig{ID: id}
}

func (r *Resolver) persistedConfig(name string) map[string]any {
	if cached, ok := r.cache.Get(name); ok {
		return cached
	}
	cfg, err := r.source.NodeConfig(name)
	if err != nil {
		r.logger.Warn("persisted node config lookup failed for %s: %v", name, err)
		return nil
	}
	if cfg != nil {
		r.cache.Add(name, cfg)
	}
	return cfg
}
