package plugins

import (
	"context"
	"fmt"
	"net/http"

	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/protocol"
)

// ModelRouter selects the target model from a fallback chain indexed
// by the request's retry count.
type ModelRouter struct {
	fallbacks []string
	available map[string]bool
}

// NewModelRouter returns an unconfigured instance.
func NewModelRouter() *ModelRouter { return &ModelRouter{} }

func (p *ModelRouter) Name() string { return "model-router" }

// ValidateConfig requires a non-empty fallback chain.
func (p *ModelRouter) ValidateConfig(config map[string]any) error {
	raw, ok := config["fullFallbacks"].([]any)
	if !ok || len(raw) == 0 {
		return fmt.Errorf("fullFallbacks is required")
	}
	return nil
}

// Configure accepts {fullFallbacks: [...], available_models: [...]}.
func (p *ModelRouter) Configure(config map[string]any) error {
	if raw, ok := config["fullFallbacks"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				p.fallbacks = append(p.fallbacks, s)
			}
		}
	}
	p.available = make(map[string]bool)
	if raw, ok := config["available_models"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				p.available[s] = true
			}
		}
	}
	return nil
}

// BeforeModel picks fullFallbacks[retry_count] as the target model,
// refusing when the chain is exhausted or the pick is not available.
func (p *ModelRouter) BeforeModel(ctx context.Context, rc *pipeline.RequestContext) pipeline.Result {
	if rc.RetryCount >= len(p.fallbacks) {
		return pipeline.Terminate(http.StatusInternalServerError,
			protocol.NewGatewayError(protocol.ErrKindModelNotConfigured, http.StatusInternalServerError,
				fmt.Sprintf("fallback chain exhausted after %d attempts", rc.RetryCount)))
	}
	model := p.fallbacks[rc.RetryCount]
	if !p.available[model] {
		return pipeline.Terminate(http.StatusInternalServerError,
			protocol.NewGatewayError(protocol.ErrKindModelNotConfigured, http.StatusInternalServerError,
				fmt.Sprintf("model %q is not available", model)))
	}
	return pipeline.OKWith(&pipeline.ContextPatch{TargetModel: model})
}
