package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/switchboard-ai/switchboard/internal/protocol"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAIProvider speaks the OpenAI chat-completions API as a client.
type OpenAIProvider struct {
	settings Settings
	client   *http.Client
}

// NewOpenAIProvider is the registry factory for provider type
// "openai".
func NewOpenAIProvider(config map[string]any) (Provider, error) {
	s, err := DecodeSettings(config)
	if err != nil {
		return nil, err
	}
	if s.APIBase == "" {
		s.APIBase = defaultOpenAIBase
	}
	s.APIBase = strings.TrimSuffix(s.APIBase, "/")
	return &OpenAIProvider{
		settings: s,
		client:   &http.Client{Timeout: s.Timeout},
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

// buildBody translates an internal request to the OpenAI wire format.
// Custom fields captured from an OpenAI-shaped caller are replayed
// verbatim.
func (p *OpenAIProvider) buildBody(req *protocol.Request, stream bool) ([]byte, error) {
	wire := protocol.OpenAIChatRequest{
		Model:            p.settings.ResolveModel(req.Model),
		Temperature:      req.Temperature,
		MaxTokens:        req.MaxTokens,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stream:           stream,
	}
	if stream {
		wire.StreamOptions = &protocol.OpenAIStreamOptions{IncludeUsage: true}
	}
	if len(req.Stop) == 1 {
		raw, _ := json.Marshal(req.Stop[0])
		wire.Stop = raw
	} else if len(req.Stop) > 1 {
		raw, _ := json.Marshal(req.Stop)
		wire.Stop = raw
	}
	for _, m := range req.Messages {
		wm := protocol.OpenAIMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, protocol.OpenAIToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: protocol.OpenAIFunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		wire.Messages = append(wire.Messages, wm)
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, protocol.OpenAITool{
			Type: t.Type,
			Function: protocol.OpenAIFunctionDef{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	if req.ToolChoice != "" {
		raw, _ := json.Marshal(req.ToolChoice)
		wire.ToolChoice = raw
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if req.Metadata.OriginalProvider == "openai" {
		body = replayCustomFields(body, req.Metadata.Custom, "openai.")
	}
	return body, nil
}

// replayCustomFields writes vendor-prefixed passthrough fields back
// onto the serialized upstream request.
func replayCustomFields(body []byte, custom map[string]any, prefix string) []byte {
	for key, value := range custom {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		field := strings.TrimPrefix(key, prefix)
		raw, ok := value.(json.RawMessage)
		if !ok {
			encoded, err := json.Marshal(value)
			if err != nil {
				continue
			}
			raw = encoded
		}
		if updated, err := sjson.SetRawBytes(body, field, raw); err == nil {
			body = updated
		}
	}
	return body
}

func (p *OpenAIProvider) post(ctx context.Context, body []byte) (*http.Response, error) {
	url := p.settings.APIBase + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.settings.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.settings.APIKey)
	}
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		msg := gjson.GetBytes(payload, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(payload))
		}
		return nil, &protocol.UpstreamError{Status: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

// Execute performs a unary chat completion with the retry policy.
func (p *OpenAIProvider) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	body, err := p.buildBody(req, false)
	if err != nil {
		return nil, err
	}
	return executeWithRetry(ctx, p.settings, p.Name(), func() (*protocol.Response, error) {
		resp, err := p.post(ctx, body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, classifyTransportError(err)
		}
		var wire protocol.OpenAIChatResponse
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, &protocol.UpstreamError{Status: resp.StatusCode, Message: fmt.Sprintf("malformed upstream response: %v", err)}
		}
		if wire.Error != nil {
			return nil, &protocol.UpstreamError{Status: resp.StatusCode, Message: wire.Error.Message}
		}
		return openAIResponseToInternal(&wire, false), nil
	})
}

// ExecuteStreaming performs a streaming chat completion, pushing each
// decoded chunk to the emitter in arrival order. Streaming calls are
// never retried.
func (p *OpenAIProvider) ExecuteStreaming(ctx context.Context, req *protocol.Request, em Emitter) error {
	body, err := p.buildBody(req, true)
	if err != nil {
		return err
	}
	resp, err := p.post(ctx, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := newSSEScanner(resp.Body)
	for {
		ev, ok, err := scanner.Next()
		if err != nil {
			return classifyTransportError(err)
		}
		if !ok {
			// Upstream closed without [DONE]; still signal the end.
			return em.OnData(nil, true)
		}
		if ev.data == "[DONE]" {
			return em.OnData(nil, true)
		}
		var wire protocol.OpenAIChatResponse
		if err := json.Unmarshal([]byte(ev.data), &wire); err != nil {
			logrus.WithError(err).Debug("Skipping undecodable OpenAI stream frame")
			continue
		}
		if wire.Error != nil {
			return &protocol.UpstreamError{Status: http.StatusBadGateway, Message: wire.Error.Message}
		}
		if err := em.OnData(openAIResponseToInternal(&wire, true), false); err != nil {
			return err
		}
	}
}

// openAIResponseToInternal translates a wire response or chunk into
// the internal model.
func openAIResponseToInternal(wire *protocol.OpenAIChatResponse, chunk bool) *protocol.Response {
	out := &protocol.Response{
		ID:                wire.ID,
		Object:            wire.Object,
		Created:           wire.Created,
		Model:             wire.Model,
		SystemFingerprint: wire.SystemFingerprint,
	}
	if out.Object == "" {
		if chunk {
			out.Object = protocol.ObjectChatCompletionChunk
		} else {
			out.Object = protocol.ObjectChatCompletion
		}
	}
	for _, ch := range wire.Choices {
		c := protocol.Content{
			Index:        ch.Index,
			FinishReason: normalizeFinishReason(ch.FinishReason),
			LogProbs:     ch.LogProbs,
		}
		if ch.Message != nil {
			c.Message = openAIMessageToInternal(ch.Message.Role, ch.Message.Content, ch.Message.ToolCalls)
			c.Message.Name = ch.Message.Name
			c.Message.ToolCallID = ch.Message.ToolCallID
		}
		if ch.Delta != nil {
			c.Delta = openAIMessageToInternal(ch.Delta.Role, ch.Delta.Content, ch.Delta.ToolCalls)
		}
		out.Content = append(out.Content, c)
	}
	if wire.Usage != nil && (wire.Usage.PromptTokens > 0 || wire.Usage.CompletionTokens > 0 || wire.Usage.TotalTokens > 0) {
		out.Usage = &protocol.Usage{
			PromptTokens:     protocol.IntPtr(wire.Usage.PromptTokens),
			CompletionTokens: protocol.IntPtr(wire.Usage.CompletionTokens),
			TotalTokens:      protocol.IntPtr(wire.Usage.TotalTokens),
		}
	}
	return out
}

func openAIMessageToInternal(role, content string, toolCalls []protocol.OpenAIToolCall) *protocol.Message {
	msg := &protocol.Message{Role: protocol.Role(role), Content: content}
	for _, tc := range toolCalls {
		msg.ToolCalls = append(msg.ToolCalls, protocol.ToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: protocol.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return msg
}

// normalizeFinishReason drops empty strings so "no finish yet" stays
// nil through the merge.
func normalizeFinishReason(fr *string) *string {
	if fr == nil || *fr == "" {
		return nil
	}
	return fr
}

// classifyTransportError wraps transport failures as UpstreamError so
// the retry policy and §7 status mapping see them uniformly.
func classifyTransportError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	timeout := false
	if t, ok := err.(interface{ Timeout() bool }); ok && t.Timeout() {
		timeout = true
	}
	if strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "Client.Timeout") {
		timeout = true
	}
	return &protocol.UpstreamError{Message: msg, Timeout: timeout}
}
