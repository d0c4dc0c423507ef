package pipeline

import (
	"time"

	"github.com/switchboard-ai/switchboard/internal/protocol"
)

// HTTPRequestInfo is the raw inbound HTTP view exposed to plugins.
// Headers may be replaced wholesale by a plugin patch; everything else
// is read-only.
type HTTPRequestInfo struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
}

// Header performs a case-insensitive lookup. HTTP headers arrive with
// canonical casing but plugin configs are written lowercase.
func (h *HTTPRequestInfo) Header(name string) string {
	if v, ok := h.Headers[name]; ok {
		return v
	}
	for k, v := range h.Headers {
		if equalFold(k, name) {
			return v
		}
	}
	return ""
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Metrics is the per-request timing and token accounting.
type Metrics struct {
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// RequestContext is the per-request state threaded through the
// pipeline. The dispatcher owns it exclusively; plugins observe it and
// return patches which the engine applies between hook invocations.
type RequestContext struct {
	RequestID string
	SessionID string
	UserID    string

	HTTPRequest *HTTPRequestInfo

	Request *protocol.Request

	// Streaming state.
	Chunk               *protocol.Response
	BufferedChunk       *protocol.Response
	AccumulatedResponse *protocol.Response
	FinalChunk          bool

	// Unary state.
	Response *protocol.Response

	Metrics Metrics

	TargetModel         string
	TargetModelProvider string

	PluginData map[string]any
	Metadata   map[string]any

	Err        error
	RetryCount int
}

// NewRequestContext builds a context at request admission.
func NewRequestContext(requestID string) *RequestContext {
	return &RequestContext{
		RequestID:  requestID,
		Metrics:    Metrics{StartTime: time.Now()},
		PluginData: make(map[string]any),
		Metadata:   make(map[string]any),
	}
}

// ContextPatch is the mutation a plugin requests. nil fields mean "no
// change"; Metadata and PluginData are deep-merged by key; Headers
// replaces the inbound header map wholesale.
type ContextPatch struct {
	Request             *protocol.Request
	Response            *protocol.Response
	BufferedChunk       *protocol.Response
	TargetModel         string
	TargetModelProvider string
	UserID              string
	SessionID           string
	RetryCount          *int
	Metadata            map[string]any
	PluginData          map[string]any
	Headers             map[string]string
}

// Apply folds a patch into the context. Only the engine calls this.
func (rc *RequestContext) Apply(p *ContextPatch) {
	if p == nil {
		return
	}
	if p.Request != nil {
		rc.Request = p.Request
	}
	if p.Response != nil {
		rc.Response = p.Response
	}
	if p.BufferedChunk != nil {
		rc.BufferedChunk = p.BufferedChunk
	}
	if p.TargetModel != "" {
		rc.TargetModel = p.TargetModel
	}
	if p.TargetModelProvider != "" {
		rc.TargetModelProvider = p.TargetModelProvider
	}
	if p.UserID != "" {
		rc.UserID = p.UserID
	}
	if p.SessionID != "" {
		rc.SessionID = p.SessionID
	}
	if p.RetryCount != nil {
		rc.RetryCount = *p.RetryCount
	}
	for k, v := range p.Metadata {
		rc.Metadata[k] = deepMergeValue(rc.Metadata[k], v)
	}
	for k, v := range p.PluginData {
		rc.PluginData[k] = deepMergeValue(rc.PluginData[k], v)
	}
	if p.Headers != nil && rc.HTTPRequest != nil {
		rc.HTTPRequest.Headers = p.Headers
	}
}

// deepMergeValue merges maps field by field; any other type is
// overwritten by the incoming value.
func deepMergeValue(cur, in any) any {
	curMap, okCur := cur.(map[string]any)
	inMap, okIn := in.(map[string]any)
	if !okCur || !okIn {
		return in
	}
	merged := make(map[string]any, len(curMap)+len(inMap))
	for k, v := range curMap {
		merged[k] = v
	}
	for k, v := range inMap {
		merged[k] = deepMergeValue(merged[k], v)
	}
	return merged
}

// Finish stamps the end time and duration.
func (rc *RequestContext) Finish() {
	rc.Metrics.EndTime = time.Now()
	rc.Metrics.Duration = rc.Metrics.EndTime.Sub(rc.Metrics.StartTime)
}

// RecordUsage copies usage counters into the metrics block.
func (rc *RequestContext) RecordUsage(u *protocol.Usage) {
	if u == nil {
		return
	}
	if u.PromptTokens != nil {
		rc.Metrics.InputTokens = *u.PromptTokens
	}
	if u.CompletionTokens != nil {
		rc.Metrics.OutputTokens = *u.CompletionTokens
	}
	if u.TotalTokens != nil {
		rc.Metrics.TotalTokens = *u.TotalTokens
	} else if u.PromptTokens != nil && u.CompletionTokens != nil {
		rc.Metrics.TotalTokens = rc.Metrics.InputTokens + rc.Metrics.OutputTokens
	}
}
