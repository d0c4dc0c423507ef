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

	"github.com/switchboard-ai/switchboard/internal/protocol"
)

const (
	defaultAnthropicBase    = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	defaultAnthropicMaxTok  = 4096
)

// AnthropicProvider speaks the Anthropic messages API as a client.
type AnthropicProvider struct {
	settings Settings
	client   *http.Client
}

// NewAnthropicProvider is the registry factory for provider type
// "anthropic".
func NewAnthropicProvider(config map[string]any) (Provider, error) {
	s, err := DecodeSettings(config)
	if err != nil {
		return nil, err
	}
	if s.APIBase == "" {
		s.APIBase = defaultAnthropicBase
	}
	s.APIBase = strings.TrimSuffix(s.APIBase, "/")
	return &AnthropicProvider{
		settings: s,
		client:   &http.Client{Timeout: s.Timeout},
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

// buildBody translates an internal request to the messages-API wire
// format: system messages are collected into the top-level system
// field, tool calls become tool_use blocks and tool messages become
// tool_result blocks.
func (p *AnthropicProvider) buildBody(req *protocol.Request, stream bool) ([]byte, error) {
	maxTokens := defaultAnthropicMaxTok
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	wire := protocol.AnthropicRequest{
		Model:         p.settings.ResolveModel(req.Model),
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}

	var system string
	for _, m := range req.Messages {
		switch m.Role {
		case protocol.RoleSystem:
			system += m.Content
		case protocol.RoleUser:
			content, _ := json.Marshal(m.Content)
			wire.Messages = append(wire.Messages, protocol.AnthropicMessage{
				Role:    "user",
				Content: content,
			})
		case protocol.RoleAssistant:
			var blocks []protocol.AnthropicContentBlock
			if m.Content != "" {
				blocks = append(blocks, protocol.AnthropicContentBlock{
					Type: protocol.AnthropicBlockText,
					Text: m.Content,
				})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if !gjson.ValidBytes(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, protocol.AnthropicContentBlock{
					Type:  protocol.AnthropicBlockToolUse,
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			content, err := json.Marshal(blocks)
			if err != nil {
				return nil, err
			}
			wire.Messages = append(wire.Messages, protocol.AnthropicMessage{
				Role:    "assistant",
				Content: content,
			})
		case protocol.RoleTool:
			resultText, _ := json.Marshal(m.Content)
			content, err := json.Marshal([]protocol.AnthropicContentBlock{{
				Type:      protocol.AnthropicBlockToolResult,
				ToolUseID: m.ToolCallID,
				Content:   resultText,
			}})
			if err != nil {
				return nil, err
			}
			wire.Messages = append(wire.Messages, protocol.AnthropicMessage{
				Role:    "user",
				Content: content,
			})
		}
	}
	if system != "" {
		raw, _ := json.Marshal(system)
		wire.System = raw
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, protocol.AnthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	switch req.ToolChoice {
	case protocol.ToolChoiceNone:
		wire.ToolChoice = json.RawMessage(`{"type":"none"}`)
	case protocol.ToolChoiceAuto:
		wire.ToolChoice = json.RawMessage(`{"type":"auto"}`)
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	if req.Metadata.OriginalProvider == "anthropic" {
		body = replayCustomFields(body, req.Metadata.Custom, "anthropic.")
	}
	return body, nil
}

func (p *AnthropicProvider) post(ctx context.Context, body []byte) (*http.Response, error) {
	url := p.settings.APIBase + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if p.settings.APIKey != "" {
		httpReq.Header.Set("x-api-key", p.settings.APIKey)
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

// Execute performs a unary messages call with the retry policy.
func (p *AnthropicProvider) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
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
		var wire protocol.AnthropicResponse
		if err := json.Unmarshal(payload, &wire); err != nil {
			return nil, &protocol.UpstreamError{Status: resp.StatusCode, Message: fmt.Sprintf("malformed upstream response: %v", err)}
		}
		if wire.Error != nil {
			return nil, &protocol.UpstreamError{Status: resp.StatusCode, Message: wire.Error.Message}
		}
		return anthropicResponseToInternal(&wire), nil
	})
}

// ExecuteStreaming performs a streaming messages call, translating the
// Anthropic event lifecycle into internal delta chunks.
func (p *AnthropicProvider) ExecuteStreaming(ctx context.Context, req *protocol.Request, em Emitter) error {
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
			return em.OnData(nil, true)
		}
		var event protocol.AnthropicStreamEvent
		if err := json.Unmarshal([]byte(ev.data), &event); err != nil {
			logrus.WithError(err).Debug("Skipping undecodable Anthropic stream frame")
			continue
		}
		if event.Type == "" {
			event.Type = ev.event
		}

		switch event.Type {
		case protocol.AnthropicEventMessageStart:
			chunk := &protocol.Response{Object: protocol.ObjectChatCompletionChunk}
			if event.Message != nil {
				chunk.ID = event.Message.ID
				chunk.Model = event.Message.Model
				if event.Message.Usage != nil {
					chunk.Usage = &protocol.Usage{
						PromptTokens: protocol.IntPtr(event.Message.Usage.InputTokens),
					}
				}
			}
			if err := em.OnData(chunk, false); err != nil {
				return err
			}
		case protocol.AnthropicEventContentBlockStart:
			if event.ContentBlock != nil && event.ContentBlock.Type == protocol.AnthropicBlockToolUse {
				chunk := deltaChunk(&protocol.Message{
					Role: protocol.RoleAssistant,
					ToolCalls: []protocol.ToolCall{{
						ID:   event.ContentBlock.ID,
						Type: "function",
						Function: protocol.FunctionCall{
							Name: event.ContentBlock.Name,
						},
					}},
				})
				if err := em.OnData(chunk, false); err != nil {
					return err
				}
			}
		case protocol.AnthropicEventContentBlockDelta:
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case protocol.AnthropicDeltaText:
				if err := em.OnData(deltaChunk(&protocol.Message{
					Role:    protocol.RoleAssistant,
					Content: event.Delta.Text,
				}), false); err != nil {
					return err
				}
			case protocol.AnthropicDeltaInputJSON:
				if err := em.OnData(deltaChunk(&protocol.Message{
					Role: protocol.RoleAssistant,
					ToolCalls: []protocol.ToolCall{{
						Function: protocol.FunctionCall{
							Arguments: event.Delta.PartialJSON,
						},
					}},
				}), false); err != nil {
					return err
				}
			}
		case protocol.AnthropicEventMessageDelta:
			chunk := &protocol.Response{Object: protocol.ObjectChatCompletionChunk}
			if event.Delta != nil && event.Delta.StopReason != "" {
				finish := protocol.FinishReasonFromStop(event.Delta.StopReason)
				chunk.Content = []protocol.Content{{FinishReason: &finish}}
			}
			if event.Usage != nil {
				chunk.Usage = &protocol.Usage{
					CompletionTokens: protocol.IntPtr(event.Usage.OutputTokens),
				}
			}
			if err := em.OnData(chunk, false); err != nil {
				return err
			}
		case protocol.AnthropicEventMessageStop:
			return em.OnData(nil, true)
		case protocol.AnthropicEventError:
			msg := "upstream stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			return &protocol.UpstreamError{Status: http.StatusBadGateway, Message: msg}
		case protocol.AnthropicEventPing, protocol.AnthropicEventContentBlockStop:
			// No internal representation.
		}
	}
}

func deltaChunk(delta *protocol.Message) *protocol.Response {
	return &protocol.Response{
		Object:  protocol.ObjectChatCompletionChunk,
		Content: []protocol.Content{{Delta: delta}},
	}
}

// anthropicResponseToInternal translates a unary messages response
// into the internal model.
func anthropicResponseToInternal(wire *protocol.AnthropicResponse) *protocol.Response {
	msg := &protocol.Message{Role: protocol.RoleAssistant}
	for _, b := range wire.Content {
		switch b.Type {
		case protocol.AnthropicBlockText:
			msg.Content += b.Text
		case protocol.AnthropicBlockToolUse:
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			msg.ToolCalls = append(msg.ToolCalls, protocol.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: protocol.FunctionCall{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}
	finish := protocol.FinishReasonFromStop(wire.StopReason)
	out := &protocol.Response{
		ID:     wire.ID,
		Object: protocol.ObjectChatCompletion,
		Model:  wire.Model,
		Content: []protocol.Content{{
			Message:      msg,
			FinishReason: &finish,
		}},
	}
	if wire.Usage != nil {
		out.Usage = &protocol.Usage{
			PromptTokens:     protocol.IntPtr(wire.Usage.InputTokens),
			CompletionTokens: protocol.IntPtr(wire.Usage.OutputTokens),
			TotalTokens:      protocol.IntPtr(wire.Usage.InputTokens + wire.Usage.OutputTokens),
		}
	}
	return out
}
