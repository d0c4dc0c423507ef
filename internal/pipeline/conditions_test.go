package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-ai/switchboard/internal/protocol"
)

func conditionContext(method, path, model, userID string, headers map[string]string) *RequestContext {
	rc := NewRequestContext("req-1")
	if headers == nil {
		headers = map[string]string{}
	}
	rc.HTTPRequest = &HTTPRequestInfo{Method: method, URL: path, Headers: headers}
	rc.UserID = userID
	if model != "" {
		rc.Request = &protocol.Request{Model: model}
	}
	return rc
}

func TestConditionsEmptyMatchesEverything(t *testing.T) {
	c, err := NewConditions(ConditionsSpec{})
	require.NoError(t, err)
	assert.True(t, c.Matches(conditionContext("POST", "/openai/v1/chat/completions", "", "", nil)))

	var nilConds *Conditions
	assert.True(t, nilConds.Matches(conditionContext("GET", "/", "", "", nil)))
}

func TestConditionsPathPrefix(t *testing.T) {
	c, err := NewConditions(ConditionsSpec{Paths: []string{"/openai"}})
	require.NoError(t, err)
	assert.True(t, c.Matches(conditionContext("POST", "/openai/v1/chat/completions", "", "", nil)))
	assert.False(t, c.Matches(conditionContext("POST", "/anthropic/v1/messages", "", "", nil)))
}

func TestConditionsPathRegex(t *testing.T) {
	c, err := NewConditions(ConditionsSpec{Paths: []string{`^/(openai|anthropic)/v1/.*`}})
	require.NoError(t, err)
	assert.True(t, c.Matches(conditionContext("POST", "/openai/v1/chat/completions", "", "", nil)))
	assert.True(t, c.Matches(conditionContext("POST", "/anthropic/v1/messages", "", "", nil)))
	assert.False(t, c.Matches(conditionContext("POST", "/health", "", "", nil)))
}

func TestConditionsMethodsCaseInsensitive(t *testing.T) {
	c, err := NewConditions(ConditionsSpec{Methods: []string{"post"}})
	require.NoError(t, err)
	assert.True(t, c.Matches(conditionContext("POST", "/x", "", "", nil)))
	assert.False(t, c.Matches(conditionContext("GET", "/x", "", "", nil)))
}

func TestConditionsHeaders(t *testing.T) {
	c, err := NewConditions(ConditionsSpec{Headers: map[string]string{"x-tenant": "acme"}})
	require.NoError(t, err)
	assert.True(t, c.Matches(conditionContext("POST", "/x", "", "", map[string]string{"X-Tenant": "acme-corp"})))
	assert.False(t, c.Matches(conditionContext("POST", "/x", "", "", map[string]string{"X-Tenant": "other"})))
	assert.False(t, c.Matches(conditionContext("POST", "/x", "", "", nil)), "missing header fails")
}

func TestConditionsModelsAndUserIDs(t *testing.T) {
	c, err := NewConditions(ConditionsSpec{Models: []string{"gpt-"}})
	require.NoError(t, err)
	assert.True(t, c.Matches(conditionContext("POST", "/x", "gpt-4", "", nil)))
	assert.False(t, c.Matches(conditionContext("POST", "/x", "claude-3", "", nil)))

	c, err = NewConditions(ConditionsSpec{UserIDs: []string{"admin-"}})
	require.NoError(t, err)
	assert.True(t, c.Matches(conditionContext("POST", "/x", "", "admin-1", nil)))
	assert.False(t, c.Matches(conditionContext("POST", "/x", "", "user-1", nil)))
}

func TestConditionsExpression(t *testing.T) {
	c, err := NewConditions(ConditionsSpec{
		Expression: `method == "POST" && model startsWith "gpt-"`,
	})
	require.NoError(t, err)
	assert.True(t, c.Matches(conditionContext("POST", "/x", "gpt-4o", "", nil)))
	assert.False(t, c.Matches(conditionContext("GET", "/x", "gpt-4o", "", nil)))
	assert.False(t, c.Matches(conditionContext("POST", "/x", "claude-3", "", nil)))
}

func TestConditionsExpressionHeaders(t *testing.T) {
	c, err := NewConditions(ConditionsSpec{
		Expression: `headers["x-tier"] == "pro"`,
	})
	require.NoError(t, err)
	assert.True(t, c.Matches(conditionContext("POST", "/x", "", "", map[string]string{"X-Tier": "pro"})))
	assert.False(t, c.Matches(conditionContext("POST", "/x", "", "", map[string]string{"X-Tier": "free"})))
}

func TestConditionsInvalidExpression(t *testing.T) {
	_, err := NewConditions(ConditionsSpec{Expression: `method ==`})
	assert.Error(t, err)
}

func TestConditionsAllMustMatch(t *testing.T) {
	c, err := NewConditions(ConditionsSpec{
		Paths:   []string{"/openai"},
		Methods: []string{"POST"},
	})
	require.NoError(t, err)
	assert.True(t, c.Matches(conditionContext("POST", "/openai/v1/chat/completions", "", "", nil)))
	assert.False(t, c.Matches(conditionContext("GET", "/openai/v1/chat/completions", "", "", nil)))
	assert.False(t, c.Matches(conditionContext("POST", "/anthropic/v1/messages", "", "", nil)))
}
