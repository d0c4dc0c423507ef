package protocol

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Object types carried by Response.Object.
const (
	ObjectChatCompletion      = "chat.completion"
	ObjectChatCompletionChunk = "chat.completion.chunk"
)

// Finish reasons in the internal (OpenAI-flavored) vocabulary.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonContentFilter = "content_filter"
)

// ToolChoice values supported by the internal model.
const (
	ToolChoiceNone = "none"
	ToolChoiceAuto = "auto"
)

// FunctionCall is the invocation payload of a tool call. Arguments is a
// JSON-encoded string; during streaming it may hold a partial fragment
// that only becomes valid JSON once the block completes.
type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ToolCall is a model-initiated function invocation.
type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

// FunctionDef describes a callable function exposed to the model.
type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Tool is a tool definition attached to a request.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// Message is one turn in a chat conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Validate checks the per-message invariants.
func (m *Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
	default:
		return fmt.Errorf("invalid message role: %q", m.Role)
	}
	if m.Role == RoleTool && m.ToolCallID == "" {
		return fmt.Errorf("tool message requires tool_call_id")
	}
	return nil
}

// Metadata travels with a request across the adapter/provider boundary.
// Custom holds vendor-specific fields with no internal representation;
// output adapters replay them only when the caller vendor matches.
type Metadata struct {
	OriginalProvider string         `json:"original_provider,omitempty"`
	Custom           map[string]any `json:"custom,omitempty"`
}

// SetCustom records a passthrough field, allocating the bag on first use.
func (m *Metadata) SetCustom(key string, value any) {
	if m.Custom == nil {
		m.Custom = make(map[string]any)
	}
	m.Custom[key] = value
}

// Request is the vendor-neutral form of a chat completion request.
// Sampling knobs are pointers so that "absent" survives translation.
type Request struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	Temperature      *float64  `json:"temperature,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	Stop             []string  `json:"stop,omitempty"`
	Stream           bool      `json:"stream,omitempty"`
	Tools            []Tool    `json:"tools,omitempty"`
	ToolChoice       string    `json:"tool_choice,omitempty"`
	TargetProvider   string    `json:"target_provider,omitempty"`
	Metadata         Metadata  `json:"metadata,omitempty"`
}

// Validate checks the cross-field invariants of an internal request.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("at least one message is required")
	}
	for i := range r.Messages {
		if err := r.Messages[i].Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return fmt.Errorf("temperature must be within [0, 2]")
	}
	if r.MaxTokens != nil && *r.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be >= 1")
	}
	if r.TopP != nil && (*r.TopP < 0 || *r.TopP > 1) {
		return fmt.Errorf("top_p must be within [0, 1]")
	}
	if r.ToolChoice != "" && r.ToolChoice != ToolChoiceNone && r.ToolChoice != ToolChoiceAuto {
		return fmt.Errorf("tool_choice must be %q or %q", ToolChoiceNone, ToolChoiceAuto)
	}
	return nil
}

// Clone returns a deep copy of the request. The pipeline engine patches
// a copy so it stays the only writer of the live context.
func (r *Request) Clone() *Request {
	cp := *r
	cp.Messages = make([]Message, len(r.Messages))
	copy(cp.Messages, r.Messages)
	for i := range cp.Messages {
		if tc := r.Messages[i].ToolCalls; tc != nil {
			cp.Messages[i].ToolCalls = make([]ToolCall, len(tc))
			copy(cp.Messages[i].ToolCalls, tc)
		}
	}
	if r.Stop != nil {
		cp.Stop = append([]string(nil), r.Stop...)
	}
	if r.Tools != nil {
		cp.Tools = append([]Tool(nil), r.Tools...)
	}
	if r.Metadata.Custom != nil {
		cp.Metadata.Custom = make(map[string]any, len(r.Metadata.Custom))
		for k, v := range r.Metadata.Custom {
			cp.Metadata.Custom[k] = v
		}
	}
	return &cp
}

// Usage carries token accounting. Fields are pointers so a streaming
// chunk can report one counter without zeroing the others.
type Usage struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	TotalTokens      *int `json:"total_tokens,omitempty"`
}

// Merge applies last-non-null-wins per counter, then recomputes the
// total whenever both components are known.
func (u *Usage) Merge(in *Usage) {
	if in == nil {
		return
	}
	if in.PromptTokens != nil {
		u.PromptTokens = in.PromptTokens
	}
	if in.CompletionTokens != nil {
		u.CompletionTokens = in.CompletionTokens
	}
	if in.TotalTokens != nil {
		u.TotalTokens = in.TotalTokens
	}
	if u.PromptTokens != nil && u.CompletionTokens != nil {
		total := *u.PromptTokens + *u.CompletionTokens
		u.TotalTokens = &total
	}
}

// Content is one choice slot of a response. A provider frame carries
// either a full Message or a streaming Delta, never both.
type Content struct {
	Index        int             `json:"index"`
	Message      *Message        `json:"message,omitempty"`
	Delta        *Message        `json:"delta,omitempty"`
	FinishReason *string         `json:"finish_reason,omitempty"`
	LogProbs     json.RawMessage `json:"logprobs,omitempty"`
}

// Response is the vendor-neutral form of a chat completion response or
// a single streaming chunk (Object distinguishes the two).
type Response struct {
	ID                string    `json:"id"`
	Object            string    `json:"object"`
	Created           int64     `json:"created"`
	Model             string    `json:"model"`
	Content           []Content `json:"content"`
	Usage             *Usage    `json:"usage,omitempty"`
	SystemFingerprint string    `json:"system_fingerprint,omitempty"`
}

// IsChunk reports whether the response is a streaming delta frame.
func (r *Response) IsChunk() bool {
	return r.Object == ObjectChatCompletionChunk
}

// FirstText returns the text of the first content slot, preferring the
// final message over a delta.
func (r *Response) FirstText() string {
	if len(r.Content) == 0 {
		return ""
	}
	c := r.Content[0]
	if c.Message != nil {
		return c.Message.Content
	}
	if c.Delta != nil {
		return c.Delta.Content
	}
	return ""
}

// FirstFinishReason returns the finish reason of the first content slot
// or the empty string when none has been seen.
func (r *Response) FirstFinishReason() string {
	if len(r.Content) == 0 || r.Content[0].FinishReason == nil {
		return ""
	}
	return *r.Content[0].FinishReason
}

// IntPtr is a convenience for building Usage literals.
func IntPtr(v int) *int { return &v }

// StrPtr is a convenience for building finish reasons.
func StrPtr(v string) *string { return &v }

// Float64Ptr is a convenience for building sampling knobs.
func Float64Ptr(v float64) *float64 { return &v }
