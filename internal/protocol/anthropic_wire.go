package protocol

import "encoding/json"

// Wire structs for the Anthropic messages protocol.

// Anthropic SSE event types.
const (
	AnthropicEventMessageStart      = "message_start"
	AnthropicEventContentBlockStart = "content_block_start"
	AnthropicEventContentBlockDelta = "content_block_delta"
	AnthropicEventContentBlockStop  = "content_block_stop"
	AnthropicEventMessageDelta      = "message_delta"
	AnthropicEventMessageStop       = "message_stop"
	AnthropicEventPing              = "ping"
	AnthropicEventError             = "error"
)

// Anthropic content-block and delta types.
const (
	AnthropicBlockText         = "text"
	AnthropicBlockToolUse      = "tool_use"
	AnthropicBlockToolResult   = "tool_result"
	AnthropicDeltaText         = "text_delta"
	AnthropicDeltaInputJSON    = "input_json_delta"
)

// Anthropic stop reasons.
const (
	AnthropicStopEndTurn      = "end_turn"
	AnthropicStopMaxTokens    = "max_tokens"
	AnthropicStopToolUse      = "tool_use"
	AnthropicStopStopSequence = "stop_sequence"
)

// AnthropicRequest is the messages-API request payload.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	MaxTokens     int                `json:"max_tokens"`
	Messages      []AnthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Metadata      json.RawMessage    `json:"metadata,omitempty"`
}

// AnthropicMessage is one wire message whose content is either a plain
// string or an array of content blocks.
type AnthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// AnthropicContentBlock is one block of a structured message.
type AnthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// AnthropicTool is a tool definition on the wire.
type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// AnthropicResponse is the unary messages-API response.
type AnthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Model        string                  `json:"model"`
	Content      []AnthropicContentBlock `json:"content"`
	StopReason   string                  `json:"stop_reason,omitempty"`
	StopSequence *string                 `json:"stop_sequence,omitempty"`
	Usage        *AnthropicUsage         `json:"usage,omitempty"`
	Error        *AnthropicError         `json:"error,omitempty"`
}

// AnthropicUsage is token accounting on the wire.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicError is the body of a failed upstream call.
type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicStreamEvent is the union of all messages-API SSE events;
// the Type discriminator selects which fields are populated.
type AnthropicStreamEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index,omitempty"`
	Message      *AnthropicResponse     `json:"message,omitempty"`
	ContentBlock *AnthropicContentBlock `json:"content_block,omitempty"`
	Delta        *AnthropicStreamDelta  `json:"delta,omitempty"`
	Usage        *AnthropicUsage        `json:"usage,omitempty"`
	Error        *AnthropicError        `json:"error,omitempty"`
}

// AnthropicStreamDelta is the delta payload of content_block_delta and
// message_delta events.
type AnthropicStreamDelta struct {
	Type         string  `json:"type,omitempty"`
	Text         string  `json:"text,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// StopReasonFromFinish maps an internal finish reason onto the
// Anthropic stop-reason vocabulary.
func StopReasonFromFinish(reason string) string {
	switch reason {
	case FinishReasonLength:
		return AnthropicStopMaxTokens
	case FinishReasonToolCalls:
		return AnthropicStopToolUse
	default:
		return AnthropicStopEndTurn
	}
}

// FinishReasonFromStop is the inverse mapping, used when translating
// upstream Anthropic responses into the internal model.
func FinishReasonFromStop(stop string) string {
	switch stop {
	case AnthropicStopMaxTokens:
		return FinishReasonLength
	case AnthropicStopToolUse:
		return FinishReasonToolCalls
	case "", AnthropicStopEndTurn, AnthropicStopStopSequence:
		return FinishReasonStop
	default:
		return FinishReasonStop
	}
}
