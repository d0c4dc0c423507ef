package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/plugins"
	"github.com/switchboard-ai/switchboard/internal/provider"
)

func echoModel(name string, isDefault bool) config.ModelConfig {
	return config.ModelConfig{
		Name:      name,
		IsDefault: isDefault,
		Provider:  config.ProviderConfig{Type: "echo"},
	}
}

func TestBuildModels(t *testing.T) {
	models, err := BuildModels([]config.ModelConfig{
		echoModel("zeta", false),
		echoModel("alpha", true),
	}, provider.NewRegistry())
	require.NoError(t, err)

	m, ok := models.Lookup("alpha")
	require.True(t, ok)
	assert.Equal(t, "echo", m.ProviderType)
	assert.NotNil(t, m.Provider)

	_, ok = models.Lookup("missing")
	assert.False(t, ok)

	require.NotNil(t, models.Default())
	assert.Equal(t, "alpha", models.Default().Name)

	all := models.All()
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].Name)
	assert.Equal(t, "zeta", all[1].Name, "listing is sorted by name")
}

func TestBuildModelsLastDefaultWins(t *testing.T) {
	models, err := BuildModels([]config.ModelConfig{
		echoModel("first", true),
		echoModel("second", true),
	}, provider.NewRegistry())
	require.NoError(t, err)

	assert.Equal(t, "second", models.Default().Name)
	first, _ := models.Lookup("first")
	assert.False(t, first.IsDefault, "demoted model loses the flag")
}

func TestBuildModelsUnknownProvider(t *testing.T) {
	_, err := BuildModels([]config.ModelConfig{
		{Name: "m", Provider: config.ProviderConfig{Type: "mystery"}},
	}, provider.NewRegistry())
	assert.Error(t, err)
}

func TestBuildModelsNoDefault(t *testing.T) {
	models, err := BuildModels([]config.ModelConfig{echoModel("only", false)}, provider.NewRegistry())
	require.NoError(t, err)
	assert.Nil(t, models.Default())
}

func TestBuildPipeline(t *testing.T) {
	pri := 10
	engine, err := BuildPipeline([]config.PluginConfig{
		{
			Type:     "basic-api-key-auth",
			Priority: &pri,
			Config:   map[string]any{"keys": []any{"sk-1"}},
			Conditions: config.ConditionsConfig{
				Paths: []string{"/openai"},
			},
		},
	}, plugins.NewRegistry())
	require.NoError(t, err)
	require.NotNil(t, engine)

	// The condition gates the plugin: a non-matching path sails through,
	// a matching one without credentials is rejected.
	rc := pipeline.NewRequestContext("req-1")
	rc.HTTPRequest = &pipeline.HTTPRequestInfo{Method: "POST", URL: "/anthropic/v1/messages"}
	res := engine.RunBeforeModel(context.Background(), rc)
	assert.False(t, res.Terminate)

	rc = pipeline.NewRequestContext("req-2")
	rc.HTTPRequest = &pipeline.HTTPRequestInfo{Method: "POST", URL: "/openai/v1/chat/completions"}
	res = engine.RunBeforeModel(context.Background(), rc)
	assert.True(t, res.Terminate)
}

func TestBuildPipelineErrors(t *testing.T) {
	_, err := BuildPipeline([]config.PluginConfig{{Type: "nonexistent"}}, plugins.NewRegistry())
	assert.Error(t, err)

	_, err = BuildPipeline([]config.PluginConfig{
		{
			Type:       "basic-api-key-auth",
			Config:     map[string]any{"keys": []any{"sk-1"}},
			Conditions: config.ConditionsConfig{Expression: "not valid ((("},
		},
	}, plugins.NewRegistry())
	assert.Error(t, err, "a broken condition expression fails the build")
}
