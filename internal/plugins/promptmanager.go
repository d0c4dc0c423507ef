package plugins

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/protocol"
)

// Prompt injection modes.
const (
	promptModeOverride = "override"
	promptModeBefore   = "before"
	promptModeAfter    = "after"
	promptModeWrapper  = "wrapper"

	promptPlaceholder = "${PROMPT}"
)

// PromptManager injects a configured system prompt into the request,
// optionally running an A/B experiment that swaps in an alternative
// prompt for a percentage of requests.
type PromptManager struct {
	prompt     string
	mode       string
	expPrompt  string
	expPercent float64
	randFn     func() float64
}

// NewPromptManager returns an unconfigured instance.
func NewPromptManager() *PromptManager {
	return &PromptManager{randFn: rand.Float64}
}

func (p *PromptManager) Name() string { return "prompt-manager" }

// ValidateConfig checks the mode vocabulary and the wrapper
// placeholder requirement.
func (p *PromptManager) ValidateConfig(config map[string]any) error {
	prompt, _ := config["prompt"].(string)
	if prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	mode, _ := config["mode"].(string)
	switch mode {
	case "", promptModeOverride, promptModeBefore, promptModeAfter:
	case promptModeWrapper:
		if !strings.Contains(prompt, promptPlaceholder) {
			return fmt.Errorf("wrapper mode requires the %s placeholder in prompt", promptPlaceholder)
		}
	default:
		return fmt.Errorf("invalid mode: %q", mode)
	}
	return nil
}

// Configure accepts {prompt, mode, experiment: {prompt, percentage}}.
func (p *PromptManager) Configure(config map[string]any) error {
	p.prompt, _ = config["prompt"].(string)
	p.mode, _ = config["mode"].(string)
	if p.mode == "" {
		p.mode = promptModeOverride
	}
	if exp, ok := config["experiment"].(map[string]any); ok {
		p.expPrompt, _ = exp["prompt"].(string)
		switch v := exp["percentage"].(type) {
		case int:
			p.expPercent = float64(v)
		case int64:
			p.expPercent = float64(v)
		case float64:
			p.expPercent = v
		}
	}
	return nil
}

// BeforeModel rewrites the request's system prompt per the configured
// mode.
func (p *PromptManager) BeforeModel(ctx context.Context, rc *pipeline.RequestContext) pipeline.Result {
	if rc.Request == nil {
		return pipeline.OK()
	}
	prompt := p.prompt
	variant := "control"
	if p.expPrompt != "" && p.randFn() < p.expPercent/100 {
		prompt = p.expPrompt
		variant = "experiment"
	}

	req := rc.Request.Clone()
	existing, rest := splitSystemPrompt(req.Messages)

	var system string
	switch p.mode {
	case promptModeBefore:
		system = joinPrompts(prompt, existing)
	case promptModeAfter:
		system = joinPrompts(existing, prompt)
	case promptModeWrapper:
		system = strings.ReplaceAll(prompt, promptPlaceholder, existing)
	default:
		system = prompt
	}

	req.Messages = append([]protocol.Message{{
		Role:    protocol.RoleSystem,
		Content: system,
	}}, rest...)

	return pipeline.OKWith(&pipeline.ContextPatch{
		Request: req,
		PluginData: map[string]any{
			"prompt-manager": map[string]any{"variant": variant, "mode": p.mode},
		},
	})
}

// splitSystemPrompt extracts the concatenated system prompt and the
// remaining messages.
func splitSystemPrompt(messages []protocol.Message) (string, []protocol.Message) {
	var system string
	rest := make([]protocol.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == protocol.RoleSystem {
			system = joinPrompts(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func joinPrompts(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n\n" + b
	}
}
