package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/switchboard-ai/switchboard/internal/protocol"
)

func testRequest() *protocol.Request {
	return &protocol.Request{
		Model:    "gpt-test",
		Messages: []protocol.Message{{Role: protocol.RoleUser, Content: "hello"}},
	}
}

func newOpenAI(t *testing.T, base string, extra map[string]any) Provider {
	t.Helper()
	config := map[string]any{
		"api_base":   base,
		"api_key":    "sk-test",
		"retryDelay": 1,
	}
	for k, v := range extra {
		config[k] = v
	}
	p, err := NewOpenAIProvider(config)
	require.NoError(t, err)
	return p
}

func TestOpenAIExecute(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-test",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 1, "total_tokens": 6}
		}`))
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL, nil)
	resp, err := p.Execute(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-test", gjson.GetBytes(gotBody, "model").String())
	assert.False(t, gjson.GetBytes(gotBody, "stream").Bool())

	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, "hi", resp.FirstText())
	assert.Equal(t, protocol.FinishReasonStop, resp.FirstFinishReason())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 6, *resp.Usage.TotalTokens)
}

func TestOpenAIModelSubstitution(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		gotModel = gjson.GetBytes(buf, "model").String()
		w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL, map[string]any{"model": "gpt-4o-mini"})
	_, err := p.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", gotModel, "configured model overrides the requested one")

	p = newOpenAI(t, srv.URL, map[string]any{"model": "gpt-4o-mini", "bypassModel": true})
	_, err = p.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", gotModel, "bypassModel forwards the caller's model")
}

func TestOpenAIRetryOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"error":{"message":"upstream hiccup"}}`))
			return
		}
		w.Write([]byte(`{"id":"ok","choices":[{"index":0,"message":{"role":"assistant","content":"recovered"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL, map[string]any{"retryAttempts": 3})
	resp, err := p.Execute(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.FirstText())
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenAINoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL, map[string]any{"retryAttempts": 3})
	_, err := p.Execute(context.Background(), testRequest())
	require.Error(t, err)

	ue, ok := err.(*protocol.UpstreamError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, ue.Status)
	assert.Equal(t, "bad key", ue.Message)
	assert.Equal(t, int32(1), calls.Load(), "4xx never retries")
}

func TestOpenAIRetryExhaustion(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL, map[string]any{"retryAttempts": 2})
	_, err := p.Execute(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func collectStream(t *testing.T, p Provider, req *protocol.Request) ([]*protocol.Response, bool, error) {
	t.Helper()
	var chunks []*protocol.Response
	gotFinal := false
	err := p.ExecuteStreaming(context.Background(), req, EmitterFunc(func(chunk *protocol.Response, final bool) error {
		if final {
			gotFinal = true
			assert.Nil(t, chunk, "final signal carries no chunk")
			return nil
		}
		chunks = append(chunks, chunk)
		return nil
	}))
	return chunks, gotFinal, err
}

func TestOpenAIExecuteStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		assert.True(t, gjson.GetBytes(buf, "stream").Bool())
		assert.True(t, gjson.GetBytes(buf, "stream_options.include_usage").Bool())

		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n"))
		w.Write([]byte(": keep-alive\n\n"))
		w.Write([]byte("data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	req := testRequest()
	req.Stream = true
	chunks, gotFinal, err := collectStream(t, newOpenAI(t, srv.URL, nil), req)
	require.NoError(t, err)
	assert.True(t, gotFinal)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hel", chunks[0].FirstText())
	assert.Equal(t, "lo", chunks[1].FirstText())
	assert.Equal(t, protocol.FinishReasonStop, chunks[1].FirstFinishReason())
}

func TestOpenAIStreamingEndWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data: {\"id\":\"c1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"x\"}}]}\n\n"))
	}))
	defer srv.Close()

	req := testRequest()
	req.Stream = true
	chunks, gotFinal, err := collectStream(t, newOpenAI(t, srv.URL, nil), req)
	require.NoError(t, err)
	assert.True(t, gotFinal, "stream end still signals final")
	assert.Len(t, chunks, 1)
}

func TestOpenAIStreamingUpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	req := testRequest()
	req.Stream = true
	_, _, err := collectStream(t, newOpenAI(t, srv.URL, nil), req)
	require.Error(t, err)
	ue, ok := err.(*protocol.UpstreamError)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, ue.Status)
}

func TestOpenAICustomFieldReplay(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	p := newOpenAI(t, srv.URL, nil)

	req := testRequest()
	req.Metadata.OriginalProvider = "openai"
	req.Metadata.SetCustom("openai.user", json.RawMessage(`"caller-1"`))
	_, err := p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "caller-1", gjson.GetBytes(gotBody, "user").String())

	// Cross-protocol requests never replay another vendor's fields.
	req = testRequest()
	req.Metadata.OriginalProvider = "anthropic"
	req.Metadata.SetCustom("anthropic.metadata", json.RawMessage(`{"user_id":"u"}`))
	_, err = p.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(gotBody, "metadata").Exists())
}

func TestDecodeSettingsDefaults(t *testing.T) {
	s, err := DecodeSettings(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, s.RetryAttempts)
	assert.False(t, s.BypassModel)

	_, err = DecodeSettings(map[string]any{"retryAttempts": 0})
	assert.Error(t, err)
}
