package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/switchboard-ai/switchboard/internal/protocol"
)

// OpenAIAdapterName is the route segment and vendor key for the
// OpenAI-shaped surface.
const OpenAIAdapterName = "openai"

// openAIKnownFields are the request fields with an internal
// representation; everything else is captured into metadata.custom.
var openAIKnownFields = map[string]bool{
	"model":             true,
	"messages":          true,
	"temperature":       true,
	"max_tokens":        true,
	"top_p":             true,
	"frequency_penalty": true,
	"presence_penalty":  true,
	"stop":              true,
	"stream":            true,
	"stream_options":    true,
	"tools":             true,
	"tool_choice":       true,
}

// OpenAIAdapter implements both directions of the OpenAI
// chat-completions protocol.
type OpenAIAdapter struct{}

// NewOpenAIAdapter returns the builtin OpenAI adapter.
func NewOpenAIAdapter() *OpenAIAdapter { return &OpenAIAdapter{} }

func (a *OpenAIAdapter) Name() string { return OpenAIAdapterName }

func (a *OpenAIAdapter) BasePaths() []string {
	return []string{"/v1/chat/completions", "/chat/completions"}
}

func (a *OpenAIAdapter) StreamContentType() string {
	return "text/event-stream; charset=utf-8"
}

// Validate rejects payloads missing the structurally required fields.
func (a *OpenAIAdapter) Validate(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("request body is not valid JSON")
	}
	if gjson.GetBytes(raw, "model").String() == "" {
		return fmt.Errorf("model is required")
	}
	msgs := gjson.GetBytes(raw, "messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return fmt.Errorf("at least one message is required")
	}
	return nil
}

// TransformInput parses an OpenAI chat-completions request into the
// internal model.
func (a *OpenAIAdapter) TransformInput(raw []byte) (*protocol.Request, error) {
	if err := a.Validate(raw); err != nil {
		return nil, err
	}
	var wire protocol.OpenAIChatRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}

	stop, err := protocol.DecodeStopSequences(wire.Stop)
	if err != nil {
		return nil, fmt.Errorf("invalid stop value: %w", err)
	}

	req := &protocol.Request{
		Model:            wire.Model,
		Temperature:      wire.Temperature,
		MaxTokens:        wire.MaxTokens,
		TopP:             wire.TopP,
		FrequencyPenalty: wire.FrequencyPenalty,
		PresencePenalty:  wire.PresencePenalty,
		Stop:             stop,
		Stream:           wire.Stream,
		Metadata:         protocol.Metadata{OriginalProvider: OpenAIAdapterName},
	}

	for i, m := range wire.Messages {
		msg := protocol.Message{
			Role:       protocol.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, protocol.ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: protocol.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		req.Messages = append(req.Messages, msg)
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, protocol.Tool{
			Type: t.Type,
			Function: protocol.FunctionDef{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}

	// tool_choice: strings map directly; object forms fold to auto
	// with the original preserved for same-vendor replay.
	if len(wire.ToolChoice) > 0 {
		var choice string
		if err := json.Unmarshal(wire.ToolChoice, &choice); err == nil {
			switch choice {
			case protocol.ToolChoiceNone, protocol.ToolChoiceAuto:
				req.ToolChoice = choice
			case "required":
				req.ToolChoice = protocol.ToolChoiceAuto
				req.Metadata.SetCustom("openai.tool_choice", json.RawMessage(wire.ToolChoice))
			default:
				return nil, fmt.Errorf("invalid tool_choice: %q", choice)
			}
		} else {
			req.ToolChoice = protocol.ToolChoiceAuto
			req.Metadata.SetCustom("openai.tool_choice", json.RawMessage(wire.ToolChoice))
		}
	}

	// Preserve unknown top-level fields for same-vendor replay.
	gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
		if !openAIKnownFields[key.Str] {
			req.Metadata.SetCustom("openai."+key.Str, json.RawMessage(value.Raw))
		}
		return true
	})

	return req, nil
}

// TransformOutput renders a unary internal response as an OpenAI
// chat.completion body.
func (a *OpenAIAdapter) TransformOutput(req *protocol.Request, rawReq []byte, resp *protocol.Response) ([]byte, error) {
	out := protocol.OpenAIChatResponse{
		ID:                resp.ID,
		Object:            protocol.ObjectChatCompletion,
		Created:           resp.Created,
		Model:             resp.Model,
		SystemFingerprint: resp.SystemFingerprint,
	}
	if out.ID == "" {
		out.ID = fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	}
	if out.Created == 0 {
		out.Created = time.Now().Unix()
	}
	for _, c := range resp.Content {
		msg := c.Message
		if msg == nil {
			msg = c.Delta
		}
		choice := protocol.OpenAIChoice{
			Index:        c.Index,
			FinishReason: c.FinishReason,
			LogProbs:     c.LogProbs,
		}
		if msg != nil {
			choice.Message = openAIMessageFromInternal(msg)
		}
		out.Choices = append(out.Choices, choice)
	}
	if out.Choices == nil {
		out.Choices = []protocol.OpenAIChoice{}
	}
	if resp.Usage != nil {
		out.Usage = openAIUsageFromInternal(resp.Usage)
	}
	return json.Marshal(out)
}

// NewChunkTransformer returns the OpenAI SSE serializer. State spans
// the whole stream: the role preamble, the sticky id/created pair, and
// the tool-call index table.
func (a *OpenAIAdapter) NewChunkTransformer() ChunkTransformer {
	return &openAIChunkTransformer{toolIndex: make(map[string]int)}
}

type openAIChunkTransformer struct {
	roleSent bool
	id       string
	created  int64

	toolIndex     map[string]int // tool-call id -> stream-global index
	lastToolIndex int
}

// toolCallIndex assigns stream-global tool-call indexes: a fragment
// carrying a new id claims the next slot, a known id reuses its slot,
// and an id-less continuation belongs to the most recent call.
func (t *openAIChunkTransformer) toolCallIndex(tc protocol.ToolCall) int {
	if tc.ID == "" {
		return t.lastToolIndex
	}
	idx, ok := t.toolIndex[tc.ID]
	if !ok {
		idx = len(t.toolIndex)
		t.toolIndex[tc.ID] = idx
	}
	t.lastToolIndex = idx
	return idx
}

func (t *openAIChunkTransformer) TransformChunk(req *protocol.Request, rawReq []byte, chunk *protocol.Response, first, final bool, accumulated *protocol.Response) ([]byte, error) {
	var frames []byte
	if chunk != nil {
		if t.id == "" {
			t.id = chunk.ID
			if t.id == "" {
				t.id = fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
			}
		}
		if t.created == 0 {
			t.created = chunk.Created
			if t.created == 0 {
				t.created = time.Now().Unix()
			}
		}
		wire := protocol.OpenAIChatResponse{
			ID:                t.id,
			Object:            protocol.ObjectChatCompletionChunk,
			Created:           t.created,
			Model:             chunk.Model,
			SystemFingerprint: chunk.SystemFingerprint,
		}
		if wire.Model == "" && req != nil {
			wire.Model = req.Model
		}
		for _, c := range chunk.Content {
			src := c.Delta
			if src == nil {
				src = c.Message
			}
			delta := &protocol.OpenAIDelta{}
			if src != nil {
				delta.Content = src.Content
				for _, tc := range src.ToolCalls {
					idx := t.toolCallIndex(tc)
					delta.ToolCalls = append(delta.ToolCalls, protocol.OpenAIToolCall{
						Index: &idx,
						ID:    tc.ID,
						Type:  tc.Type,
						Function: protocol.OpenAIFunctionCall{
							Name:      tc.Function.Name,
							Arguments: tc.Function.Arguments,
						},
					})
				}
			}
			if !t.roleSent {
				delta.Role = string(protocol.RoleAssistant)
				t.roleSent = true
			}
			wire.Choices = append(wire.Choices, protocol.OpenAIChoice{
				Index:        0,
				Delta:        delta,
				FinishReason: c.FinishReason,
			})
		}
		// A contentless preamble (id/model only) still owes the client
		// the assistant role on the first frame.
		if len(wire.Choices) == 0 && !t.roleSent {
			t.roleSent = true
			wire.Choices = append(wire.Choices, protocol.OpenAIChoice{
				Index: 0,
				Delta: &protocol.OpenAIDelta{Role: string(protocol.RoleAssistant)},
			})
		}
		if chunk.Usage != nil {
			wire.Usage = openAIUsageFromInternal(chunk.Usage)
		}
		if len(wire.Choices) > 0 || wire.Usage != nil {
			if wire.Choices == nil {
				wire.Choices = []protocol.OpenAIChoice{}
			}
			data, err := json.Marshal(wire)
			if err != nil {
				return nil, err
			}
			frames = append(frames, []byte("data: ")...)
			frames = append(frames, data...)
			frames = append(frames, []byte("\n\n")...)
		}
	}
	if final {
		frames = append(frames, []byte("data: [DONE]\n\n")...)
	}
	return frames, nil
}

func openAIMessageFromInternal(msg *protocol.Message) *protocol.OpenAIMessage {
	out := &protocol.OpenAIMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, protocol.OpenAIToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: protocol.OpenAIFunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

func openAIUsageFromInternal(u *protocol.Usage) *protocol.OpenAIUsage {
	out := &protocol.OpenAIUsage{}
	if u.PromptTokens != nil {
		out.PromptTokens = *u.PromptTokens
	}
	if u.CompletionTokens != nil {
		out.CompletionTokens = *u.CompletionTokens
	}
	if u.TotalTokens != nil {
		out.TotalTokens = *u.TotalTokens
	} else {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}
