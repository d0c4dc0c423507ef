// Package stream implements the protocol-agnostic incremental
// accumulator that folds provider delta frames into a running
// whole-response view.
package stream

import "github.com/switchboard-ai/switchboard/internal/protocol"

// Merger keeps the per-request streaming state: the buffered chunk
// (merged but not yet emitted, so plugins can suppress and coalesce)
// and the accumulated response (everything committed so far). One
// Merger belongs to exactly one request goroutine.
type Merger struct {
	buffered    *protocol.Response
	accumulated *protocol.Response
}

// NewMerger returns an empty merger.
func NewMerger() *Merger {
	return &Merger{}
}

// Buffered returns the merged-but-unemitted chunk, nil before the
// first fold or right after a commit.
func (m *Merger) Buffered() *protocol.Response { return m.buffered }

// SetBuffered replaces the buffered chunk with a plugin-rewritten one.
func (m *Merger) SetBuffered(chunk *protocol.Response) { m.buffered = chunk }

// Accumulated returns the running whole response. Never nil after the
// first commit.
func (m *Merger) Accumulated() *protocol.Response { return m.accumulated }

// Fold merges an incoming chunk into the buffered chunk. Empty chunks
// are absorbed without effect.
func (m *Merger) Fold(chunk *protocol.Response) {
	if chunk == nil {
		return
	}
	if m.buffered == nil {
		m.buffered = &protocol.Response{Object: protocol.ObjectChatCompletionChunk}
	}
	merge(m.buffered, chunk, false)
}

// Commit absorbs the buffered chunk into the accumulated response with
// message semantics and resets the buffer. It returns the committed
// chunk, nil when nothing was buffered.
func (m *Merger) Commit() *protocol.Response {
	if m.buffered == nil {
		return nil
	}
	if m.accumulated == nil {
		m.accumulated = &protocol.Response{Object: protocol.ObjectChatCompletion}
	}
	merge(m.accumulated, m.buffered, true)
	committed := m.buffered
	m.buffered = nil
	return committed
}

// merge folds src into dst. With asMessage the destination keeps a
// full Message per content slot (the accumulated view); otherwise it
// keeps a Delta (the buffered view).
func merge(dst, src *protocol.Response, asMessage bool) {
	if src.ID != "" {
		dst.ID = src.ID
	}
	if !asMessage && src.Object != "" {
		dst.Object = src.Object
	}
	if src.Created != 0 {
		dst.Created = src.Created
	}
	if src.Model != "" {
		dst.Model = src.Model
	}
	if src.SystemFingerprint != "" {
		dst.SystemFingerprint = src.SystemFingerprint
	}
	if src.Usage != nil {
		if dst.Usage == nil {
			dst.Usage = &protocol.Usage{}
		}
		dst.Usage.Merge(src.Usage)
	}
	for i := range src.Content {
		mergeContent(dst, &src.Content[i], asMessage)
	}
}

// mergeContent folds one incoming content slot onto the last slot of
// dst. Multi-choice streaming is not supported: everything lands on
// index 0's running slot.
func mergeContent(dst *protocol.Response, in *protocol.Content, asMessage bool) {
	if len(dst.Content) == 0 {
		dst.Content = append(dst.Content, protocol.Content{Index: in.Index})
	}
	slot := &dst.Content[len(dst.Content)-1]

	var target **protocol.Message
	if asMessage {
		target = &slot.Message
	} else {
		target = &slot.Delta
	}
	if *target == nil {
		*target = &protocol.Message{Role: protocol.RoleAssistant}
	}
	msg := *target

	incoming := in.Delta
	if incoming == nil {
		incoming = in.Message
	}
	if incoming != nil {
		if incoming.Role != "" {
			msg.Role = incoming.Role
		}
		msg.Content += incoming.Content
		mergeToolCalls(msg, incoming.ToolCalls)
	}
	// First non-null finish reason wins.
	if slot.FinishReason == nil && in.FinishReason != nil {
		slot.FinishReason = in.FinishReason
	}
	if in.LogProbs != nil {
		slot.LogProbs = in.LogProbs
	}
}

// mergeToolCalls appends fragments carrying an id as new tool calls
// and concatenates id-less fragments onto the last call's arguments.
func mergeToolCalls(msg *protocol.Message, incoming []protocol.ToolCall) {
	for _, tc := range incoming {
		if tc.ID != "" || len(msg.ToolCalls) == 0 {
			msg.ToolCalls = append(msg.ToolCalls, tc)
			continue
		}
		last := &msg.ToolCalls[len(msg.ToolCalls)-1]
		if tc.Function.Name != "" {
			last.Function.Name = tc.Function.Name
		}
		last.Function.Arguments += tc.Function.Arguments
		if tc.Type != "" {
			last.Type = tc.Type
		}
	}
}
