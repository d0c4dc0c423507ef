package protocol

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	base := func() *Request {
		return &Request{
			Model:    "gpt-test",
			Messages: []Message{{Role: RoleUser, Content: "hi"}},
		}
	}

	t.Run("valid minimal request", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("missing model", func(t *testing.T) {
		req := base()
		req.Model = ""
		assert.Error(t, req.Validate())
	})

	t.Run("empty messages", func(t *testing.T) {
		req := base()
		req.Messages = nil
		assert.Error(t, req.Validate())
	})

	t.Run("temperature out of range", func(t *testing.T) {
		req := base()
		req.Temperature = Float64Ptr(2.5)
		assert.Error(t, req.Validate())
	})

	t.Run("temperature boundary", func(t *testing.T) {
		req := base()
		req.Temperature = Float64Ptr(2.0)
		assert.NoError(t, req.Validate())
	})

	t.Run("max_tokens below one", func(t *testing.T) {
		req := base()
		req.MaxTokens = IntPtr(0)
		assert.Error(t, req.Validate())
	})

	t.Run("top_p out of range", func(t *testing.T) {
		req := base()
		req.TopP = Float64Ptr(1.5)
		assert.Error(t, req.Validate())
	})

	t.Run("tool message requires tool_call_id", func(t *testing.T) {
		req := base()
		req.Messages = append(req.Messages, Message{Role: RoleTool, Content: "result"})
		assert.Error(t, req.Validate())

		req.Messages[1].ToolCallID = "call_1"
		assert.NoError(t, req.Validate())
	})

	t.Run("invalid role", func(t *testing.T) {
		req := base()
		req.Messages[0].Role = "narrator"
		assert.Error(t, req.Validate())
	})

	t.Run("invalid tool_choice", func(t *testing.T) {
		req := base()
		req.ToolChoice = "required"
		assert.Error(t, req.Validate())
	})
}

func TestRequestClone(t *testing.T) {
	req := &Request{
		Model: "m",
		Messages: []Message{
			{Role: RoleUser, Content: "hi", ToolCalls: []ToolCall{{ID: "a"}}},
		},
		Stop:  []string{"END"},
		Tools: []Tool{{Type: "function", Function: FunctionDef{Name: "f"}}},
	}
	req.Metadata.SetCustom("openai.user", "u1")

	cp := req.Clone()
	cp.Messages[0].Content = "changed"
	cp.Messages[0].ToolCalls[0].ID = "b"
	cp.Stop[0] = "STOP"
	cp.Metadata.Custom["openai.user"] = "u2"

	assert.Equal(t, "hi", req.Messages[0].Content)
	assert.Equal(t, "a", req.Messages[0].ToolCalls[0].ID)
	assert.Equal(t, "END", req.Stop[0])
	assert.Equal(t, "u1", req.Metadata.Custom["openai.user"])
}

func TestUsageMerge(t *testing.T) {
	t.Run("last non-null wins per counter", func(t *testing.T) {
		u := &Usage{PromptTokens: IntPtr(10)}
		u.Merge(&Usage{CompletionTokens: IntPtr(5)})
		require.NotNil(t, u.PromptTokens)
		require.NotNil(t, u.CompletionTokens)
		assert.Equal(t, 10, *u.PromptTokens)
		assert.Equal(t, 5, *u.CompletionTokens)
	})

	t.Run("total recomputed when both components known", func(t *testing.T) {
		u := &Usage{PromptTokens: IntPtr(10), TotalTokens: IntPtr(99)}
		u.Merge(&Usage{CompletionTokens: IntPtr(7)})
		require.NotNil(t, u.TotalTokens)
		assert.Equal(t, 17, *u.TotalTokens)
	})

	t.Run("nil merge is a no-op", func(t *testing.T) {
		u := &Usage{PromptTokens: IntPtr(3)}
		u.Merge(nil)
		assert.Equal(t, 3, *u.PromptTokens)
		assert.Nil(t, u.CompletionTokens)
	})

	t.Run("later value overwrites", func(t *testing.T) {
		u := &Usage{CompletionTokens: IntPtr(1)}
		u.Merge(&Usage{CompletionTokens: IntPtr(4)})
		assert.Equal(t, 4, *u.CompletionTokens)
	})
}

func TestResponseAccessors(t *testing.T) {
	resp := &Response{Object: ObjectChatCompletionChunk}
	assert.True(t, resp.IsChunk())
	assert.Empty(t, resp.FirstText())
	assert.Empty(t, resp.FirstFinishReason())

	resp.Content = []Content{{
		Delta:        &Message{Role: RoleAssistant, Content: "partial"},
		FinishReason: StrPtr(FinishReasonStop),
	}}
	assert.Equal(t, "partial", resp.FirstText())
	assert.Equal(t, FinishReasonStop, resp.FirstFinishReason())

	resp.Content[0].Message = &Message{Role: RoleAssistant, Content: "full"}
	assert.Equal(t, "full", resp.FirstText(), "message takes precedence over delta")
}

func TestClassifyError(t *testing.T) {
	t.Run("gateway error passes through", func(t *testing.T) {
		kind, status, msg := ClassifyError(NewGatewayError(ErrKindUnauthorized, http.StatusUnauthorized, "nope"))
		assert.Equal(t, ErrKindUnauthorized, kind)
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "nope", msg)
	})

	t.Run("upstream timeout maps to 504", func(t *testing.T) {
		_, status, _ := ClassifyError(&UpstreamError{Timeout: true, Message: "deadline"})
		assert.Equal(t, http.StatusGatewayTimeout, status)
	})

	t.Run("upstream 5xx maps to 502", func(t *testing.T) {
		kind, status, _ := ClassifyError(&UpstreamError{Status: 503, Message: "down"})
		assert.Equal(t, ErrKindUpstreamError, kind)
		assert.Equal(t, http.StatusBadGateway, status)
	})

	t.Run("upstream 4xx forwarded as-is", func(t *testing.T) {
		_, status, _ := ClassifyError(&UpstreamError{Status: 429, Message: "slow down"})
		assert.Equal(t, 429, status)
	})

	t.Run("unknown error is internal", func(t *testing.T) {
		kind, status, _ := ClassifyError(assert.AnError)
		assert.Equal(t, ErrKindInternalError, kind)
		assert.Equal(t, http.StatusInternalServerError, status)
	})
}

func TestUpstreamErrorRetryable(t *testing.T) {
	assert.True(t, (&UpstreamError{Status: 0}).Retryable(), "transport errors retry")
	assert.True(t, (&UpstreamError{Status: 500}).Retryable())
	assert.True(t, (&UpstreamError{Status: 503}).Retryable())
	assert.False(t, (&UpstreamError{Status: 400}).Retryable())
	assert.False(t, (&UpstreamError{Status: 429}).Retryable())
}

func TestStopReasonMapping(t *testing.T) {
	cases := map[string]string{
		FinishReasonStop:      AnthropicStopEndTurn,
		FinishReasonLength:    AnthropicStopMaxTokens,
		FinishReasonToolCalls: AnthropicStopToolUse,
	}
	for finish, stop := range cases {
		assert.Equal(t, stop, StopReasonFromFinish(finish))
		assert.Equal(t, finish, FinishReasonFromStop(stop))
	}
	assert.Equal(t, AnthropicStopEndTurn, StopReasonFromFinish(""), "unknown finish defaults to end_turn")
	assert.Equal(t, FinishReasonStop, FinishReasonFromStop("stop_sequence"))
}

func TestDecodeStopSequences(t *testing.T) {
	stops, err := DecodeStopSequences([]byte(`"END"`))
	require.NoError(t, err)
	assert.Equal(t, []string{"END"}, stops)

	stops, err = DecodeStopSequences([]byte(`["a","b"]`))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, stops)

	stops, err = DecodeStopSequences(nil)
	require.NoError(t, err)
	assert.Nil(t, stops)

	_, err = DecodeStopSequences([]byte(`42`))
	assert.Error(t, err)
}
