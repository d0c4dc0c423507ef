package plugins

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/protocol"
)

func authContext(headers map[string]string) *pipeline.RequestContext {
	rc := pipeline.NewRequestContext("req-1")
	rc.HTTPRequest = &pipeline.HTTPRequestInfo{
		Method:  "POST",
		URL:     "/openai/v1/chat/completions",
		Headers: headers,
	}
	rc.Request = &protocol.Request{Model: "m", Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "hi"}}}
	return rc
}

func TestAPIKeyAuthConfigure(t *testing.T) {
	p := NewAPIKeyAuth()
	assert.Error(t, p.Configure(map[string]any{}), "keys or jwt_secret required")
	assert.NoError(t, p.Configure(map[string]any{"keys": []any{"sk-1"}}))
	assert.NoError(t, NewAPIKeyAuth().Configure(map[string]any{"jwt_secret": "s3cret"}))
}

func TestAPIKeyAuthBeforeModel(t *testing.T) {
	p := NewAPIKeyAuth()
	require.NoError(t, p.Configure(map[string]any{"keys": []any{"sk-valid"}}))

	t.Run("missing key terminates 401", func(t *testing.T) {
		res := p.BeforeModel(context.Background(), authContext(map[string]string{}))
		assert.True(t, res.Terminate)
		assert.Equal(t, http.StatusUnauthorized, res.Status)
	})

	t.Run("invalid key terminates 401", func(t *testing.T) {
		res := p.BeforeModel(context.Background(), authContext(map[string]string{"Authorization": "Bearer sk-wrong"}))
		assert.True(t, res.Terminate)
		assert.Equal(t, http.StatusUnauthorized, res.Status)
	})

	t.Run("bearer key accepted", func(t *testing.T) {
		res := p.BeforeModel(context.Background(), authContext(map[string]string{"Authorization": "Bearer sk-valid"}))
		assert.True(t, res.Success)
		assert.False(t, res.Terminate)
	})

	t.Run("x-api-key accepted", func(t *testing.T) {
		res := p.BeforeModel(context.Background(), authContext(map[string]string{"X-API-Key": "sk-valid"}))
		assert.True(t, res.Success)
	})
}

func TestAPIKeyAuthJWT(t *testing.T) {
	secret := "super-secret"
	p := NewAPIKeyAuth()
	require.NoError(t, p.Configure(map[string]any{"jwt_secret": secret}))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	res := p.BeforeModel(context.Background(), authContext(map[string]string{"Authorization": "Bearer " + signed}))
	require.True(t, res.Success)
	require.NotNil(t, res.Context)
	assert.Equal(t, "user-42", res.Context.UserID)

	t.Run("wrong signature rejected", func(t *testing.T) {
		bad, err := token.SignedString([]byte("other-secret"))
		require.NoError(t, err)
		res := p.BeforeModel(context.Background(), authContext(map[string]string{"Authorization": "Bearer " + bad}))
		assert.True(t, res.Terminate)
	})

	t.Run("expired token rejected", func(t *testing.T) {
		expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "user-42",
			"exp": time.Now().Add(-time.Hour).Unix(),
		})
		signed, err := expired.SignedString([]byte(secret))
		require.NoError(t, err)
		res := p.BeforeModel(context.Background(), authContext(map[string]string{"Authorization": "Bearer " + signed}))
		assert.True(t, res.Terminate)
	})
}

func TestPluginRegistry(t *testing.T) {
	r := NewRegistry()

	p, err := r.Build("basic-api-key-auth", map[string]any{"keys": []any{"k"}})
	require.NoError(t, err)
	assert.Equal(t, "basic-api-key-auth", p.Name())

	_, err = r.Build("nonexistent", nil)
	assert.Error(t, err)

	_, err = r.Build("model-router", map[string]any{})
	assert.Error(t, err, "validation runs before configure")
}
