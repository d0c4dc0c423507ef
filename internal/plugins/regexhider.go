package plugins

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/protocol"
)

// Pattern scopes.
const (
	applyToRequest  = "request"
	applyToResponse = "response"
	applyToBoth     = "both"
)

// Streaming flush triggers.
const (
	flushNewline = "newline"
	flushMaxSize = "maxSize"
	flushTimeout = "timeout"
	flushAll     = "all"
)

// hiderPattern is one compiled redaction rule.
type hiderPattern struct {
	re           *regexp.Regexp
	replacement  string
	blockOnMatch bool
	applyTo      string
}

// RegexHider redacts or blocks content matching configured patterns.
// On the streaming path it buffers text across chunks (suppressing
// emission) so matches spanning chunk boundaries are still caught.
type RegexHider struct {
	patterns []hiderPattern

	flushTrigger string
	maxSize      int
	timeout      time.Duration

	// now is swapped in tests.
	now func() time.Time
}

// NewRegexHider returns an unconfigured instance.
func NewRegexHider() *RegexHider {
	return &RegexHider{now: time.Now}
}

func (p *RegexHider) Name() string { return "regex-hider" }

// ValidateConfig compiles every pattern up front so a broken regex
// fails at startup, not per request.
func (p *RegexHider) ValidateConfig(config map[string]any) error {
	raw, ok := config["patterns"].([]any)
	if !ok || len(raw) == 0 {
		return fmt.Errorf("patterns is required")
	}
	for i, entry := range raw {
		spec, ok := entry.(map[string]any)
		if !ok {
			return fmt.Errorf("patterns[%d] must be a mapping", i)
		}
		pattern, _ := spec["pattern"].(string)
		if pattern == "" {
			return fmt.Errorf("patterns[%d]: pattern is required", i)
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("patterns[%d]: %w", i, err)
		}
	}
	return nil
}

// Configure accepts {patterns: [{pattern, replacement, blockOnMatch,
// applyTo}], streaming: {flushOn, maxSize, timeout (ms)}}.
func (p *RegexHider) Configure(config map[string]any) error {
	raw, _ := config["patterns"].([]any)
	for _, entry := range raw {
		spec, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		pattern, _ := spec["pattern"].(string)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return err
		}
		hp := hiderPattern{
			re:          re,
			replacement: "[REDACTED]",
			applyTo:     applyToBoth,
		}
		if r, ok := spec["replacement"].(string); ok {
			hp.replacement = r
		}
		if b, ok := spec["blockOnMatch"].(bool); ok {
			hp.blockOnMatch = b
		}
		if a, ok := spec["applyTo"].(string); ok && a != "" {
			switch a {
			case applyToRequest, applyToResponse, applyToBoth:
				hp.applyTo = a
			default:
				return fmt.Errorf("invalid applyTo: %q", a)
			}
		}
		p.patterns = append(p.patterns, hp)
	}

	p.flushTrigger = flushNewline
	p.maxSize = 1024
	p.timeout = 500 * time.Millisecond
	if streaming, ok := config["streaming"].(map[string]any); ok {
		if trigger, ok := streaming["flushOn"].(string); ok && trigger != "" {
			switch trigger {
			case flushNewline, flushMaxSize, flushTimeout, flushAll:
				p.flushTrigger = trigger
			default:
				return fmt.Errorf("invalid flushOn: %q", trigger)
			}
		}
		if v, ok := asInt(streaming["maxSize"]); ok && v > 0 {
			p.maxSize = v
		}
		if v, ok := asInt(streaming["timeout"]); ok && v > 0 {
			p.timeout = time.Duration(v) * time.Millisecond
		}
	}
	return nil
}

// scan applies the patterns for a scope. blocked is true when a
// blockOnMatch pattern fired.
func (p *RegexHider) scan(text, scope string) (rewritten string, blocked bool) {
	for _, hp := range p.patterns {
		if hp.applyTo != scope && hp.applyTo != applyToBoth {
			continue
		}
		if hp.blockOnMatch {
			if hp.re.MatchString(text) {
				return text, true
			}
			continue
		}
		text = hp.re.ReplaceAllString(text, hp.replacement)
	}
	return text, false
}

func blockedResult() pipeline.Result {
	return pipeline.Terminate(http.StatusBadRequest,
		protocol.NewGatewayError(protocol.ErrKindForbidden, http.StatusBadRequest,
			"request blocked by content policy"))
}

// BeforeModel scans request message contents.
func (p *RegexHider) BeforeModel(ctx context.Context, rc *pipeline.RequestContext) pipeline.Result {
	if rc.Request == nil {
		return pipeline.OK()
	}
	req := rc.Request.Clone()
	changed := false
	for i := range req.Messages {
		rewritten, blocked := p.scan(req.Messages[i].Content, applyToRequest)
		if blocked {
			return blockedResult()
		}
		if rewritten != req.Messages[i].Content {
			req.Messages[i].Content = rewritten
			changed = true
		}
	}
	if !changed {
		return pipeline.OK()
	}
	return pipeline.OKWith(&pipeline.ContextPatch{Request: req})
}

// AfterModel scans the unary response.
func (p *RegexHider) AfterModel(ctx context.Context, rc *pipeline.RequestContext) pipeline.Result {
	if rc.Response == nil {
		return pipeline.OK()
	}
	changed := false
	resp := *rc.Response
	resp.Content = append([]protocol.Content(nil), rc.Response.Content...)
	for i := range resp.Content {
		msg := resp.Content[i].Message
		if msg == nil {
			continue
		}
		rewritten, blocked := p.scan(msg.Content, applyToResponse)
		if blocked {
			return blockedResult()
		}
		if rewritten != msg.Content {
			cp := *msg
			cp.Content = rewritten
			resp.Content[i].Message = &cp
			changed = true
		}
	}
	if !changed {
		return pipeline.OK()
	}
	return pipeline.OKWith(&pipeline.ContextPatch{Response: &resp})
}

// AfterChunk buffers streamed text until the flush trigger fires, then
// scans and rewrites the coalesced buffered chunk. While buffering,
// emission is suppressed so the merge engine keeps accumulating into
// the buffered chunk.
func (p *RegexHider) AfterChunk(ctx context.Context, rc *pipeline.RequestContext) pipeline.Result {
	buffered := rc.BufferedChunk
	if buffered == nil {
		return pipeline.OK()
	}
	text := buffered.FirstText()

	if !rc.FinalChunk && !p.shouldFlush(rc, text) {
		suppress := false
		res := pipeline.Result{Success: true, EmitChunk: &suppress}
		// The deadline runs from the first suppressed chunk.
		state, _ := rc.PluginData["regex-hider"].(map[string]any)
		since, _ := state["buffer_since"].(int64)
		if since == 0 {
			res.Context = &pipeline.ContextPatch{
				PluginData: map[string]any{
					"regex-hider": map[string]any{"buffer_since": p.now().UnixNano()},
				},
			}
		}
		// Ask the dispatcher for a timed wakeup so a stalled upstream
		// cannot keep the buffer captive past the deadline.
		if p.flushTrigger == flushTimeout {
			res.FlushAfter = p.timeout
			if since != 0 {
				if remaining := p.timeout - p.now().Sub(time.Unix(0, since)); remaining > 0 {
					res.FlushAfter = remaining
				} else {
					res.FlushAfter = time.Millisecond
				}
			}
		}
		return res
	}

	rewritten, blocked := p.scan(text, applyToResponse)
	if blocked {
		return blockedResult()
	}
	emit := true
	result := pipeline.Result{Success: true, EmitChunk: &emit}
	patch := &pipeline.ContextPatch{
		PluginData: map[string]any{
			"regex-hider": map[string]any{"buffer_since": int64(0)},
		},
	}
	if rewritten != text {
		cp := *buffered
		cp.Content = append([]protocol.Content(nil), buffered.Content...)
		if len(cp.Content) > 0 {
			slot := &cp.Content[len(cp.Content)-1]
			if slot.Delta != nil {
				d := *slot.Delta
				d.Content = rewritten
				slot.Delta = &d
			} else if slot.Message != nil {
				m := *slot.Message
				m.Content = rewritten
				slot.Message = &m
			}
		}
		patch.BufferedChunk = &cp
	}
	result.Context = patch
	return result
}

// shouldFlush evaluates the configured trigger against the buffered
// text. The timeout trigger is realized as a deadline measured from
// the first suppressed chunk, checked at every chunk arrival and
// backstopped by the final-chunk flush.
func (p *RegexHider) shouldFlush(rc *pipeline.RequestContext, text string) bool {
	switch p.flushTrigger {
	case flushAll:
		return false
	case flushMaxSize:
		return len(text) >= p.maxSize
	case flushTimeout:
		state, _ := rc.PluginData["regex-hider"].(map[string]any)
		since, _ := state["buffer_since"].(int64)
		if since == 0 {
			return false
		}
		return p.now().Sub(time.Unix(0, since)) >= p.timeout
	default:
		return strings.Contains(text, "\n")
	}
}
