package adapter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/switchboard-ai/switchboard/internal/protocol"
)

// AnthropicAdapterName is the route segment and vendor key for the
// Anthropic-shaped surface.
const AnthropicAdapterName = "anthropic"

var anthropicKnownFields = map[string]bool{
	"model":          true,
	"max_tokens":     true,
	"messages":       true,
	"system":         true,
	"temperature":    true,
	"top_p":          true,
	"stop_sequences": true,
	"stream":         true,
	"tools":          true,
	"tool_choice":    true,
}

// AnthropicAdapter implements both directions of the Anthropic
// messages protocol.
type AnthropicAdapter struct{}

// NewAnthropicAdapter returns the builtin Anthropic adapter.
func NewAnthropicAdapter() *AnthropicAdapter { return &AnthropicAdapter{} }

func (a *AnthropicAdapter) Name() string { return AnthropicAdapterName }

func (a *AnthropicAdapter) BasePaths() []string {
	return []string{"/v1/messages", "/messages"}
}

func (a *AnthropicAdapter) StreamContentType() string {
	return "text/event-stream; charset=utf-8"
}

// Validate rejects payloads missing the structurally required fields.
// max_tokens is mandatory on the Anthropic surface.
func (a *AnthropicAdapter) Validate(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("request body is not valid JSON")
	}
	if gjson.GetBytes(raw, "model").String() == "" {
		return fmt.Errorf("model is required")
	}
	if !gjson.GetBytes(raw, "max_tokens").Exists() {
		return fmt.Errorf("max_tokens is required")
	}
	msgs := gjson.GetBytes(raw, "messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return fmt.Errorf("at least one message is required")
	}
	return nil
}

// TransformInput parses an Anthropic messages request into the
// internal model: the top-level system prompt becomes a synthetic
// system message and content-block arrays are flattened into a
// sequence of internal messages.
func (a *AnthropicAdapter) TransformInput(raw []byte) (*protocol.Request, error) {
	if err := a.Validate(raw); err != nil {
		return nil, err
	}
	var wire protocol.AnthropicRequest
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if wire.MaxTokens < 1 {
		return nil, fmt.Errorf("max_tokens must be >= 1")
	}

	req := &protocol.Request{
		Model:       wire.Model,
		MaxTokens:   protocol.IntPtr(wire.MaxTokens),
		Temperature: wire.Temperature,
		TopP:        wire.TopP,
		Stop:        wire.StopSequences,
		Stream:      wire.Stream,
		Metadata:    protocol.Metadata{OriginalProvider: AnthropicAdapterName},
	}

	if system := decodeAnthropicSystem(wire.System); system != "" {
		req.Messages = append(req.Messages, protocol.Message{
			Role:    protocol.RoleSystem,
			Content: system,
		})
	}

	for i, m := range wire.Messages {
		flattened, err := flattenAnthropicMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		req.Messages = append(req.Messages, flattened...)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	for _, t := range wire.Tools {
		req.Tools = append(req.Tools, protocol.Tool{
			Type: "function",
			Function: protocol.FunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	if len(wire.ToolChoice) > 0 {
		switch gjson.GetBytes(wire.ToolChoice, "type").String() {
		case "none":
			req.ToolChoice = protocol.ToolChoiceNone
		case "auto", "":
			req.ToolChoice = protocol.ToolChoiceAuto
		default:
			// any / tool selections fold to auto, original preserved.
			req.ToolChoice = protocol.ToolChoiceAuto
			req.Metadata.SetCustom("anthropic.tool_choice", json.RawMessage(wire.ToolChoice))
		}
	}

	gjson.ParseBytes(raw).ForEach(func(key, value gjson.Result) bool {
		if !anthropicKnownFields[key.Str] {
			req.Metadata.SetCustom("anthropic."+key.Str, json.RawMessage(value.Raw))
		}
		return true
	})

	return req, nil
}

// decodeAnthropicSystem accepts both the string form and the
// content-block-array form of the system field.
func decodeAnthropicSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []protocol.AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	out := ""
	for _, b := range blocks {
		if b.Type == protocol.AnthropicBlockText {
			out += b.Text
		}
	}
	return out
}

// flattenAnthropicMessage turns one wire message into internal
// messages: text blocks keep the wire role, tool_use becomes an
// assistant tool call, tool_result becomes a role=tool message.
func flattenAnthropicMessage(m protocol.AnthropicMessage) ([]protocol.Message, error) {
	role := protocol.Role(m.Role)
	if role != protocol.RoleUser && role != protocol.RoleAssistant {
		return nil, fmt.Errorf("invalid message role: %q", m.Role)
	}

	var plain string
	if err := json.Unmarshal(m.Content, &plain); err == nil {
		return []protocol.Message{{Role: role, Content: plain}}, nil
	}

	var blocks []protocol.AnthropicContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("content must be a string or an array of blocks")
	}

	var out []protocol.Message
	var textMsg *protocol.Message
	flushText := func() {
		if textMsg != nil {
			out = append(out, *textMsg)
			textMsg = nil
		}
	}
	for _, b := range blocks {
		switch b.Type {
		case protocol.AnthropicBlockText:
			if textMsg == nil {
				textMsg = &protocol.Message{Role: role}
			}
			textMsg.Content += b.Text
		case protocol.AnthropicBlockToolUse:
			flushText()
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			out = append(out, protocol.Message{
				Role: protocol.RoleAssistant,
				ToolCalls: []protocol.ToolCall{{
					ID:   b.ID,
					Type: "function",
					Function: protocol.FunctionCall{
						Name:      b.Name,
						Arguments: args,
					},
				}},
			})
		case protocol.AnthropicBlockToolResult:
			flushText()
			if b.ToolUseID == "" {
				return nil, fmt.Errorf("tool_result block requires tool_use_id")
			}
			out = append(out, protocol.Message{
				Role:       protocol.RoleTool,
				Content:    decodeToolResultContent(b.Content),
				ToolCallID: b.ToolUseID,
			})
		default:
			return nil, fmt.Errorf("unsupported content block type: %q", b.Type)
		}
	}
	flushText()
	return out, nil
}

// decodeToolResultContent accepts the string and block-array forms of
// a tool_result body.
func decodeToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []protocol.AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	out := ""
	for _, b := range blocks {
		if b.Type == protocol.AnthropicBlockText {
			out += b.Text
		}
	}
	return out
}

// TransformOutput renders a unary internal response as an Anthropic
// messages body.
func (a *AnthropicAdapter) TransformOutput(req *protocol.Request, rawReq []byte, resp *protocol.Response) ([]byte, error) {
	out := protocol.AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  string(protocol.RoleAssistant),
		Model: resp.Model,
	}
	if out.ID == "" {
		out.ID = fmt.Sprintf("msg_%d", time.Now().UnixNano())
	}
	for _, c := range resp.Content {
		msg := c.Message
		if msg == nil {
			msg = c.Delta
		}
		if msg == nil {
			continue
		}
		if msg.Content != "" {
			out.Content = append(out.Content, protocol.AnthropicContentBlock{
				Type: protocol.AnthropicBlockText,
				Text: msg.Content,
			})
		}
		for _, tc := range msg.ToolCalls {
			input := json.RawMessage(tc.Function.Arguments)
			if !gjson.ValidBytes(input) {
				input = json.RawMessage("{}")
			}
			out.Content = append(out.Content, protocol.AnthropicContentBlock{
				Type:  protocol.AnthropicBlockToolUse,
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: input,
			})
		}
		if c.FinishReason != nil && out.StopReason == "" {
			out.StopReason = protocol.StopReasonFromFinish(*c.FinishReason)
		}
	}
	if out.Content == nil {
		out.Content = []protocol.AnthropicContentBlock{}
	}
	if out.StopReason == "" {
		out.StopReason = protocol.AnthropicStopEndTurn
	}
	if resp.Usage != nil {
		u := &protocol.AnthropicUsage{}
		if resp.Usage.PromptTokens != nil {
			u.InputTokens = *resp.Usage.PromptTokens
		}
		if resp.Usage.CompletionTokens != nil {
			u.OutputTokens = *resp.Usage.CompletionTokens
		}
		out.Usage = u
	}
	return json.Marshal(out)
}

// NewChunkTransformer returns the Anthropic SSE serializer carrying
// the message/content-block lifecycle state for one request.
func (a *AnthropicAdapter) NewChunkTransformer() ChunkTransformer {
	return &anthropicChunkTransformer{toolBlocks: make(map[string]int)}
}

type anthropicChunkTransformer struct {
	messageStarted bool
	textBlockOpen  bool
	textBlockIndex int
	toolBlocks     map[string]int // tool-call id -> block index
	lastToolIndex  int
	nextBlockIndex int
	finishReason   string
	inputTokens    int
	outputTokens   int
}

// TransformChunk emits the Anthropic event lifecycle for one merged
// chunk: message_start once, content_block_start/delta/stop per block,
// then message_delta and message_stop at end of stream.
func (t *anthropicChunkTransformer) TransformChunk(req *protocol.Request, rawReq []byte, chunk *protocol.Response, first, final bool, accumulated *protocol.Response) ([]byte, error) {
	var frames []byte
	appendEvent := func(event string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		frames = append(frames, []byte("event: "+event+"\ndata: ")...)
		frames = append(frames, data...)
		frames = append(frames, []byte("\n\n")...)
		return nil
	}

	if chunk != nil {
		if !t.messageStarted {
			t.messageStarted = true
			id := chunk.ID
			if id == "" {
				id = fmt.Sprintf("msg_%d", time.Now().UnixNano())
			}
			model := chunk.Model
			if model == "" && req != nil {
				model = req.Model
			}
			start := protocol.AnthropicStreamEvent{
				Type: protocol.AnthropicEventMessageStart,
				Message: &protocol.AnthropicResponse{
					ID:      id,
					Type:    "message",
					Role:    string(protocol.RoleAssistant),
					Model:   model,
					Content: []protocol.AnthropicContentBlock{},
					Usage:   &protocol.AnthropicUsage{},
				},
			}
			if err := appendEvent(protocol.AnthropicEventMessageStart, start); err != nil {
				return nil, err
			}
		}

		if chunk.Usage != nil {
			if chunk.Usage.PromptTokens != nil {
				t.inputTokens = *chunk.Usage.PromptTokens
			}
			if chunk.Usage.CompletionTokens != nil {
				t.outputTokens = *chunk.Usage.CompletionTokens
			}
		}

		for _, c := range chunk.Content {
			src := c.Delta
			if src == nil {
				src = c.Message
			}
			if src != nil && src.Content != "" {
				if !t.textBlockOpen {
					t.textBlockOpen = true
					t.textBlockIndex = t.nextBlockIndex
					t.nextBlockIndex++
					if err := appendEvent(protocol.AnthropicEventContentBlockStart, map[string]any{
						"type":          protocol.AnthropicEventContentBlockStart,
						"index":         t.textBlockIndex,
						"content_block": map[string]any{"type": protocol.AnthropicBlockText, "text": ""},
					}); err != nil {
						return nil, err
					}
				}
				if err := appendEvent(protocol.AnthropicEventContentBlockDelta, map[string]any{
					"type":  protocol.AnthropicEventContentBlockDelta,
					"index": t.textBlockIndex,
					"delta": map[string]any{"type": protocol.AnthropicDeltaText, "text": src.Content},
				}); err != nil {
					return nil, err
				}
			}
			if src != nil {
				for _, tc := range src.ToolCalls {
					if err := t.appendToolFrames(appendEvent, tc); err != nil {
						return nil, err
					}
				}
			}
			if c.FinishReason != nil && t.finishReason == "" {
				t.finishReason = *c.FinishReason
			}
		}
	}

	if final {
		if t.textBlockOpen {
			if err := appendEvent(protocol.AnthropicEventContentBlockStop, map[string]any{
				"type":  protocol.AnthropicEventContentBlockStop,
				"index": t.textBlockIndex,
			}); err != nil {
				return nil, err
			}
			t.textBlockOpen = false
		}
		for _, idx := range t.toolBlocks {
			if err := appendEvent(protocol.AnthropicEventContentBlockStop, map[string]any{
				"type":  protocol.AnthropicEventContentBlockStop,
				"index": idx,
			}); err != nil {
				return nil, err
			}
		}
		stopReason := protocol.StopReasonFromFinish(t.finishReason)
		if err := appendEvent(protocol.AnthropicEventMessageDelta, map[string]any{
			"type": protocol.AnthropicEventMessageDelta,
			"delta": map[string]any{
				"stop_reason":   stopReason,
				"stop_sequence": nil,
			},
			"usage": map[string]any{
				"input_tokens":  t.inputTokens,
				"output_tokens": t.outputTokens,
			},
		}); err != nil {
			return nil, err
		}
		if err := appendEvent(protocol.AnthropicEventMessageStop, map[string]any{
			"type": protocol.AnthropicEventMessageStop,
		}); err != nil {
			return nil, err
		}
		// Arena-style clear: the transformer dies with the request.
		t.toolBlocks = map[string]int{}
	}

	return frames, nil
}

// appendToolFrames opens a tool_use block for fragments carrying a new
// id and streams id-less fragments into the current block as
// input_json_delta.
func (t *anthropicChunkTransformer) appendToolFrames(appendEvent func(string, any) error, tc protocol.ToolCall) error {
	if tc.ID != "" {
		if _, started := t.toolBlocks[tc.ID]; !started {
			// A new tool call closes the open text block.
			if t.textBlockOpen {
				if err := appendEvent(protocol.AnthropicEventContentBlockStop, map[string]any{
					"type":  protocol.AnthropicEventContentBlockStop,
					"index": t.textBlockIndex,
				}); err != nil {
					return err
				}
				t.textBlockOpen = false
			}
			idx := t.nextBlockIndex
			t.nextBlockIndex++
			t.toolBlocks[tc.ID] = idx
			t.lastToolIndex = idx
			if err := appendEvent(protocol.AnthropicEventContentBlockStart, map[string]any{
				"type":  protocol.AnthropicEventContentBlockStart,
				"index": idx,
				"content_block": map[string]any{
					"type":  protocol.AnthropicBlockToolUse,
					"id":    tc.ID,
					"name":  tc.Function.Name,
					"input": map[string]any{},
				},
			}); err != nil {
				return err
			}
		} else {
			t.lastToolIndex = t.toolBlocks[tc.ID]
		}
	}
	if tc.Function.Arguments != "" {
		return appendEvent(protocol.AnthropicEventContentBlockDelta, map[string]any{
			"type":  protocol.AnthropicEventContentBlockDelta,
			"index": t.lastToolIndex,
			"delta": map[string]any{
				"type":         protocol.AnthropicDeltaInputJSON,
				"partial_json": tc.Function.Arguments,
			},
		})
	}
	return nil
}
