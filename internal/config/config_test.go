package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleYAML = `
server:
  host: 127.0.0.1
  port: 9090
  request_timeout: 30
  cors:
    origins: ["*"]
models:
  - name: gpt-main
    isDefault: true
    provider:
      type: openai
      config:
        apiKey: ${TEST_OPENAI_KEY}
  - name: claude-main
    provider:
      type: anthropic
      config:
        apiKey: sk-static
plugins:
  - name: auth
    type: basic-api-key-auth
    priority: 10
    config:
      keys: ["k1"]
    conditions:
      paths: ["/openai"]
logging:
  level: debug
  format: json
`

func TestLoadYAML(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")
	path := writeConfig(t, "config.yaml", sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Addr())
	assert.Equal(t, 30, cfg.Server.RequestTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.CORS.Origins)

	require.Len(t, cfg.Models, 2)
	assert.True(t, cfg.Models[0].IsDefault)
	assert.Equal(t, "openai", cfg.Models[0].Provider.Type)
	assert.Equal(t, "sk-from-env", cfg.Models[0].Provider.Config["apiKey"])

	require.Len(t, cfg.Plugins, 1)
	assert.Equal(t, "basic-api-key-auth", cfg.Plugins[0].Type)
	assert.Equal(t, 10, cfg.Plugins[0].GetPriority())
	assert.Equal(t, []string{"/openai"}, cfg.Plugins[0].Conditions.Paths)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"server": {"port": 8081},
		"models": [{"name": "m1", "provider": {"type": "echo"}}]
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.Addr())
	require.Len(t, cfg.Models, 1)
	assert.Equal(t, "echo", cfg.Models[0].Provider.Type)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "bad.yaml", "server: [not a mapping"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "bad.json", `{"server":`))
	assert.Error(t, err)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CFG_SET", "value")

	assert.Equal(t, "a value b", ExpandEnv("a ${CFG_SET} b"))
	assert.Equal(t, "a value b", ExpandEnv("a $CFG_SET b"))
	assert.Equal(t, "a ${CFG_UNSET} b", ExpandEnv("a ${CFG_UNSET} b"),
		"unset placeholders stay visible")
	assert.Equal(t, "$CFG_UNSET", ExpandEnv("$CFG_UNSET"))
	assert.Equal(t, "no placeholders", ExpandEnv("no placeholders"))
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Models: []ModelConfig{
				{Name: "m1", Provider: ProviderConfig{Type: "echo"}},
			},
		}
	}

	assert.NoError(t, base().Validate())

	cfg := base()
	cfg.Server.Port = 70000
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Models = append(cfg.Models, ModelConfig{Name: "m1", Provider: ProviderConfig{Type: "echo"}})
	assert.Error(t, cfg.Validate(), "duplicate model name")

	cfg = base()
	cfg.Models[0].Name = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Models[0].Provider.Type = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Plugins = []PluginConfig{{Type: ""}}
	assert.Error(t, cfg.Validate())

	bad := 2000
	cfg = base()
	cfg.Plugins = []PluginConfig{{Type: "x", Priority: &bad}}
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.AvailableExtensions = []ExtensionConfig{{}}
	assert.Error(t, cfg.Validate())
	cfg.AvailableExtensions = []ExtensionConfig{{Module: "ext"}}
	assert.NoError(t, cfg.Validate())
}

func TestPluginConfigDefaults(t *testing.T) {
	p := PluginConfig{Type: "x"}
	assert.True(t, p.IsEnabled())
	assert.Equal(t, 1000, p.GetPriority())

	off := false
	pri := 5
	p = PluginConfig{Type: "x", Enabled: &off, Priority: &pri}
	assert.False(t, p.IsEnabled())
	assert.Equal(t, 5, p.GetPriority())
}

func TestAddrDefaults(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, ":8080", cfg.Addr())
}
