// Package adapter translates between vendor wire formats and the
// internal request/response model. Each vendor contributes an input
// adapter (vendor -> internal) and an output adapter (internal ->
// vendor, unary and streaming).
package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/switchboard-ai/switchboard/internal/protocol"
)

// InputAdapter parses a vendor's request format into the internal
// model.
type InputAdapter interface {
	Name() string

	// BasePaths lists the completion paths bound under /<name>.
	BasePaths() []string

	// Validate returns nil when raw is an acceptable payload.
	Validate(raw []byte) error

	// TransformInput parses raw into an internal request and stamps
	// metadata.original_provider.
	TransformInput(raw []byte) (*protocol.Request, error)
}

// OutputAdapter serializes the internal model back into a vendor's
// format.
type OutputAdapter interface {
	Name() string

	// StreamContentType is the Content-Type of SSE responses.
	StreamContentType() string

	// TransformOutput renders a unary response body.
	TransformOutput(req *protocol.Request, rawReq []byte, resp *protocol.Response) ([]byte, error)

	// NewChunkTransformer returns the per-request stateful chunk
	// serializer. The instance lives exactly as long as its request.
	NewChunkTransformer() ChunkTransformer
}

// ChunkTransformer renders streamed chunks as vendor SSE frames. The
// returned bytes are written verbatim to the client; empty output with
// a nil error means "nothing to write for this chunk".
type ChunkTransformer interface {
	TransformChunk(req *protocol.Request, rawReq []byte, chunk *protocol.Response, first, final bool, accumulated *protocol.Response) ([]byte, error)
}

// Registry holds the configured adapters by vendor name. Populated at
// startup, read-only afterwards.
type Registry struct {
	mu      sync.RWMutex
	inputs  map[string]InputAdapter
	outputs map[string]OutputAdapter
}

// NewRegistry returns a registry preloaded with the builtin OpenAI and
// Anthropic adapters.
func NewRegistry() *Registry {
	r := &Registry{
		inputs:  make(map[string]InputAdapter),
		outputs: make(map[string]OutputAdapter),
	}
	openai := NewOpenAIAdapter()
	anthropic := NewAnthropicAdapter()
	r.Register(openai, openai)
	r.Register(anthropic, anthropic)
	return r
}

// Register installs an adapter pair under the input adapter's name.
func (r *Registry) Register(in InputAdapter, out OutputAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[in.Name()] = in
	r.outputs[out.Name()] = out
}

// Input looks up an input adapter by vendor name.
func (r *Registry) Input(name string) (InputAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.inputs[name]
	if !ok {
		return nil, fmt.Errorf("unknown input adapter: %q", name)
	}
	return in, nil
}

// Output looks up an output adapter by vendor name.
func (r *Registry) Output(name string) (OutputAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.outputs[name]
	if !ok {
		return nil, fmt.Errorf("unknown output adapter: %q", name)
	}
	return out, nil
}

// InputNames returns the registered vendor names, sorted for stable
// route binding.
func (r *Registry) InputNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.inputs))
	for name := range r.inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
