package plugins

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/protocol"
)

func promptContext(messages ...protocol.Message) *pipeline.RequestContext {
	rc := pipeline.NewRequestContext("req-1")
	rc.Request = &protocol.Request{Model: "m", Messages: messages}
	return rc
}

func configuredPromptManager(t *testing.T, config map[string]any) *PromptManager {
	t.Helper()
	p := NewPromptManager()
	require.NoError(t, p.ValidateConfig(config))
	require.NoError(t, p.Configure(config))
	return p
}

func resultSystem(t *testing.T, res pipeline.Result) string {
	t.Helper()
	require.True(t, res.Success)
	require.NotNil(t, res.Context)
	require.NotNil(t, res.Context.Request)
	msgs := res.Context.Request.Messages
	require.NotEmpty(t, msgs)
	require.Equal(t, protocol.RoleSystem, msgs[0].Role)
	return msgs[0].Content
}

func TestPromptManagerModes(t *testing.T) {
	user := protocol.Message{Role: protocol.RoleUser, Content: "question"}
	existing := protocol.Message{Role: protocol.RoleSystem, Content: "existing"}

	t.Run("override replaces", func(t *testing.T) {
		p := configuredPromptManager(t, map[string]any{"prompt": "injected"})
		system := resultSystem(t, p.BeforeModel(context.Background(), promptContext(existing, user)))
		assert.Equal(t, "injected", system)
	})

	t.Run("before prepends", func(t *testing.T) {
		p := configuredPromptManager(t, map[string]any{"prompt": "injected", "mode": "before"})
		system := resultSystem(t, p.BeforeModel(context.Background(), promptContext(existing, user)))
		assert.Equal(t, "injected\n\nexisting", system)
	})

	t.Run("after appends", func(t *testing.T) {
		p := configuredPromptManager(t, map[string]any{"prompt": "injected", "mode": "after"})
		system := resultSystem(t, p.BeforeModel(context.Background(), promptContext(existing, user)))
		assert.Equal(t, "existing\n\ninjected", system)
	})

	t.Run("wrapper substitutes placeholder", func(t *testing.T) {
		p := configuredPromptManager(t, map[string]any{"prompt": "pre ${PROMPT} post", "mode": "wrapper"})
		system := resultSystem(t, p.BeforeModel(context.Background(), promptContext(existing, user)))
		assert.Equal(t, "pre existing post", system)
	})

	t.Run("no existing system message", func(t *testing.T) {
		p := configuredPromptManager(t, map[string]any{"prompt": "injected", "mode": "before"})
		res := p.BeforeModel(context.Background(), promptContext(user))
		system := resultSystem(t, res)
		assert.Equal(t, "injected", system)
		assert.Len(t, res.Context.Request.Messages, 2)
	})
}

func TestPromptManagerDoesNotMutateOriginal(t *testing.T) {
	p := configuredPromptManager(t, map[string]any{"prompt": "injected"})
	rc := promptContext(
		protocol.Message{Role: protocol.RoleSystem, Content: "original"},
		protocol.Message{Role: protocol.RoleUser, Content: "q"},
	)
	_ = p.BeforeModel(context.Background(), rc)
	assert.Equal(t, "original", rc.Request.Messages[0].Content, "plugin patches a clone")
}

func TestPromptManagerExperiment(t *testing.T) {
	config := map[string]any{
		"prompt": "control-prompt",
		"experiment": map[string]any{
			"prompt":     "experiment-prompt",
			"percentage": 50,
		},
	}
	p := configuredPromptManager(t, config)

	p.randFn = func() float64 { return 0.2 }
	res := p.BeforeModel(context.Background(), promptContext(protocol.Message{Role: protocol.RoleUser, Content: "q"}))
	assert.Equal(t, "experiment-prompt", resultSystem(t, res))
	data := res.Context.PluginData["prompt-manager"].(map[string]any)
	assert.Equal(t, "experiment", data["variant"])

	p.randFn = func() float64 { return 0.9 }
	res = p.BeforeModel(context.Background(), promptContext(protocol.Message{Role: protocol.RoleUser, Content: "q"}))
	assert.Equal(t, "control-prompt", resultSystem(t, res))
	data = res.Context.PluginData["prompt-manager"].(map[string]any)
	assert.Equal(t, "control", data["variant"])
}

func TestPromptManagerValidateConfig(t *testing.T) {
	p := NewPromptManager()
	assert.Error(t, p.ValidateConfig(map[string]any{}), "prompt required")
	assert.Error(t, p.ValidateConfig(map[string]any{"prompt": "x", "mode": "sideways"}))
	assert.Error(t, p.ValidateConfig(map[string]any{"prompt": "no placeholder", "mode": "wrapper"}))
	assert.NoError(t, p.ValidateConfig(map[string]any{"prompt": "a ${PROMPT} b", "mode": "wrapper"}))
}
