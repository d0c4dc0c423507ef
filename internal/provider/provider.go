// Package provider implements upstream LLM clients. A provider speaks
// one vendor's HTTP API and translates between the internal model and
// that vendor's wire format.
package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/protocol"
)

// Emitter receives streamed chunks in upstream arrival order. A final
// call with a nil chunk and final=true signals end of stream.
type Emitter interface {
	OnData(chunk *protocol.Response, final bool) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(chunk *protocol.Response, final bool) error

func (f EmitterFunc) OnData(chunk *protocol.Response, final bool) error {
	return f(chunk, final)
}

// Provider executes translated requests against one upstream vendor.
type Provider interface {
	Name() string
	Execute(ctx context.Context, req *protocol.Request) (*protocol.Response, error)
	ExecuteStreaming(ctx context.Context, req *protocol.Request, em Emitter) error
}

// Settings is the decoded provider.config block shared by the HTTP
// providers.
type Settings struct {
	APIBase       string
	APIKey        string
	Model         string
	BypassModel   bool
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DecodeSettings reads the generic provider.config map.
func DecodeSettings(config map[string]any) (Settings, error) {
	s := Settings{
		Timeout:       120 * time.Second,
		RetryAttempts: 1,
		RetryDelay:    500 * time.Millisecond,
	}
	if config == nil {
		return s, nil
	}
	if v, ok := config["api_base"].(string); ok {
		s.APIBase = v
	}
	if v, ok := config["api_key"].(string); ok {
		s.APIKey = v
	}
	if v, ok := config["model"].(string); ok {
		s.Model = v
	}
	if v, ok := config["bypassModel"].(bool); ok {
		s.BypassModel = v
	}
	if v, ok := asInt(config["timeout"]); ok {
		s.Timeout = time.Duration(v) * time.Second
	}
	if v, ok := asInt(config["retryAttempts"]); ok {
		if v < 1 {
			return s, fmt.Errorf("retryAttempts must be >= 1")
		}
		s.RetryAttempts = v
	}
	if v, ok := asInt(config["retryDelay"]); ok {
		s.RetryDelay = time.Duration(v) * time.Millisecond
	}
	return s, nil
}

// asInt tolerates the numeric types YAML and JSON decoding produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// ResolveModel applies the bypassModel rule: forward the caller's
// model verbatim or substitute the provider's configured one.
func (s Settings) ResolveModel(requested string) string {
	if s.BypassModel || s.Model == "" {
		return requested
	}
	return s.Model
}

// Factory builds a provider from its provider.config block.
type Factory func(config map[string]any) (Provider, error)

// Registry is the name -> factory table for provider types. Populated
// at startup, read-only afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry preloaded with the builtin provider
// types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("openai", NewOpenAIProvider)
	r.Register("anthropic", NewAnthropicProvider)
	r.Register("echo", NewEchoProvider)
	return r
}

// Register installs a factory under a provider type name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Build instantiates a provider by type name.
func (r *Registry) Build(name string, config map[string]any) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %q", name)
	}
	return f(config)
}

// executeWithRetry drives the unary retry policy: retry transport
// errors and upstream 5xx with exponential backoff, never 4xx.
// Streaming calls do not pass through here.
func executeWithRetry(ctx context.Context, s Settings, name string, do func() (*protocol.Response, error)) (*protocol.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= s.RetryAttempts; attempt++ {
		resp, err := do()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		ue, ok := err.(*protocol.UpstreamError)
		if !ok || !ue.Retryable() || attempt == s.RetryAttempts {
			return nil, err
		}
		delay := s.RetryDelay * (1 << (attempt - 1))
		logrus.WithFields(logrus.Fields{
			"provider": name,
			"attempt":  attempt,
			"delay":    delay,
		}).WithError(err).Warn("Upstream call failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}
