package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/switchboard-ai/switchboard/internal/protocol"
)

// EchoProvider mirrors the last user message back as the assistant
// reply. It backs the round-trip tests and local development.
type EchoProvider struct {
	settings Settings
}

// NewEchoProvider is the registry factory for provider type "echo".
func NewEchoProvider(config map[string]any) (Provider, error) {
	s, err := DecodeSettings(config)
	if err != nil {
		return nil, err
	}
	return &EchoProvider{settings: s}, nil
}

func (p *EchoProvider) Name() string { return "echo" }

func (p *EchoProvider) reply(req *protocol.Request) *protocol.Response {
	text := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == protocol.RoleUser {
			text = req.Messages[i].Content
			break
		}
	}
	finish := protocol.FinishReasonStop
	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	completion := len(text) / 4
	return &protocol.Response{
		ID:      fmt.Sprintf("echo-%s", uuid.NewString()),
		Object:  protocol.ObjectChatCompletion,
		Created: time.Now().Unix(),
		Model:   p.settings.ResolveModel(req.Model),
		Content: []protocol.Content{{
			Message:      &protocol.Message{Role: protocol.RoleAssistant, Content: text},
			FinishReason: &finish,
		}},
		Usage: &protocol.Usage{
			PromptTokens:     protocol.IntPtr(prompt),
			CompletionTokens: protocol.IntPtr(completion),
			TotalTokens:      protocol.IntPtr(prompt + completion),
		},
	}
}

// Execute returns the mirrored reply.
func (p *EchoProvider) Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	return p.reply(req), nil
}

// ExecuteStreaming emits the mirrored reply as word-sized deltas
// followed by a finish chunk.
func (p *EchoProvider) ExecuteStreaming(ctx context.Context, req *protocol.Request, em Emitter) error {
	full := p.reply(req)
	text := full.Content[0].Message.Content

	seed := &protocol.Response{
		ID:      full.ID,
		Object:  protocol.ObjectChatCompletionChunk,
		Created: full.Created,
		Model:   full.Model,
	}
	if err := em.OnData(seed, false); err != nil {
		return err
	}

	for start := 0; start < len(text); start += 8 {
		end := start + 8
		if end > len(text) {
			end = len(text)
		}
		chunk := deltaChunk(&protocol.Message{
			Role:    protocol.RoleAssistant,
			Content: text[start:end],
		})
		if err := em.OnData(chunk, false); err != nil {
			return err
		}
	}

	finish := protocol.FinishReasonStop
	last := &protocol.Response{
		Object:  protocol.ObjectChatCompletionChunk,
		Content: []protocol.Content{{FinishReason: &finish}},
		Usage:   full.Usage,
	}
	if err := em.OnData(last, false); err != nil {
		return err
	}
	return em.OnData(nil, true)
}
