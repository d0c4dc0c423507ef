// Package plugins holds the bundled pipeline plugins and the factory
// table used to instantiate them from configuration.
package plugins

import (
	"fmt"
	"sync"

	"github.com/switchboard-ai/switchboard/internal/pipeline"
)

// Factory builds an unconfigured plugin instance.
type Factory func() pipeline.Plugin

// Registry is the type-name -> factory table. Populated at startup,
// read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the bundled plugins.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("basic-api-key-auth", func() pipeline.Plugin { return NewAPIKeyAuth() })
	r.Register("auth-gateway", func() pipeline.Plugin { return NewAuthGateway() })
	r.Register("model-router", func() pipeline.Plugin { return NewModelRouter() })
	r.Register("prompt-manager", func() pipeline.Plugin { return NewPromptManager() })
	r.Register("regex-hider", func() pipeline.Plugin { return NewRegexHider() })
	return r
}

// Register installs a factory under a plugin type name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build instantiates and configures a plugin by type name.
func (r *Registry) Build(typeName string, config map[string]any) (pipeline.Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown plugin type: %q", typeName)
	}
	p := f()
	if v, ok := p.(pipeline.ConfigValidator); ok {
		if err := v.ValidateConfig(config); err != nil {
			return nil, fmt.Errorf("plugin %s: %w", typeName, err)
		}
	}
	if err := p.Configure(config); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", typeName, err)
	}
	return p, nil
}
