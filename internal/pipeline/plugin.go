package pipeline

import (
	"context"
	"time"
)

// Phase names the four pipeline hooks.
type Phase string

const (
	PhaseBeforeModel   Phase = "beforeModel"
	PhaseAfterModel    Phase = "afterModel"
	PhaseAfterChunk    Phase = "afterChunk"
	PhaseDetached      Phase = "detachedAfterResponse"
)

// Result is what a hook returns to the engine.
type Result struct {
	Success       bool
	Terminate     bool
	SkipRemaining bool
	Status        int
	Err           error
	Context       *ContextPatch

	// EmitChunk applies to afterChunk only. nil means "emit" (the
	// default); false retains the buffered chunk for coalescing.
	EmitChunk *bool

	// FlushAfter applies to afterChunk only. A positive value asks the
	// dispatcher to re-run the phase after this duration even if no new
	// chunk arrives, so a retained buffer is not withheld by a stalled
	// upstream. The engine keeps the smallest hint across the phase.
	FlushAfter time.Duration
}

// OK is the no-op success result.
func OK() Result { return Result{Success: true} }

// OKWith returns success carrying a context patch.
func OKWith(patch *ContextPatch) Result {
	return Result{Success: true, Context: patch}
}

// Terminate returns a terminating failure with an HTTP status.
func Terminate(status int, err error) Result {
	return Result{Success: false, Terminate: true, Status: status, Err: err}
}

// ShouldEmit resolves the EmitChunk default.
func (r Result) ShouldEmit() bool {
	return r.EmitChunk == nil || *r.EmitChunk
}

// Plugin is the minimal contract every pipeline plugin implements. The
// four hooks are optional capabilities declared by implementing the
// corresponding interface below; the engine probes with type
// assertions.
type Plugin interface {
	Name() string
	Configure(config map[string]any) error
}

// ConfigValidator is implemented by plugins that can reject a config
// before instantiation completes.
type ConfigValidator interface {
	ValidateConfig(config map[string]any) error
}

// BeforeModelHook runs after input transformation, before the provider
// call.
type BeforeModelHook interface {
	BeforeModel(ctx context.Context, rc *RequestContext) Result
}

// AfterModelHook runs on the unary path after the provider returns.
type AfterModelHook interface {
	AfterModel(ctx context.Context, rc *RequestContext) Result
}

// AfterChunkHook runs once per streamed chunk after it has been folded
// into the buffered chunk.
type AfterChunkHook interface {
	AfterChunk(ctx context.Context, rc *RequestContext) Result
}

// DetachedHook runs fire-and-forget after the client connection closes.
type DetachedHook interface {
	DetachedAfterResponse(ctx context.Context, rc *RequestContext)
}
