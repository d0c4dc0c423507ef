package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/sirupsen/logrus"
)

// Entry is one configured plugin instance with its ordering and gating
// metadata.
type Entry struct {
	Plugin     Plugin
	Priority   int
	Enabled    bool
	Conditions *Conditions
}

// Engine executes plugin hooks across the four phases. Plugins are
// registered once at startup; execution is per request and strictly
// sequential within a request.
type Engine struct {
	entries   []Entry
	onFailure func(plugin string, phase Phase)
}

// NewEngine builds an engine over the configured plugin entries.
// beforeModel runs in ascending priority with registration order
// breaking ties; afterModel and afterChunk unwind in the exact reverse
// of that order.
func NewEngine(entries []Entry) *Engine {
	return &Engine{entries: entries}
}

// SetFailureHook registers a callback invoked whenever a hook returns
// success=false, including recovered panics. The dispatcher wires this
// to the plugin-failure counter.
func (e *Engine) SetFailureHook(fn func(plugin string, phase Phase)) {
	e.onFailure = fn
}

// Entries exposes the registered plugins, in registration order.
func (e *Engine) Entries() []Entry { return e.entries }

func (e *Engine) ordered(descending bool) []Entry {
	out := make([]Entry, len(e.entries))
	copy(out, e.entries)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority < out[j].Priority
	})
	// The unwinding phases reverse the ascending order rather than
	// sorting descending, so equal-priority plugins flip too.
	if descending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// eligible filters for enabled plugins whose conditions match.
func eligible(entries []Entry, rc *RequestContext) []Entry {
	out := entries[:0:0]
	for _, en := range entries {
		if !en.Enabled {
			continue
		}
		if !en.Conditions.Matches(rc) {
			continue
		}
		out = append(out, en)
	}
	return out
}

// recoverToResult converts a hook panic into a terminating failure.
func recoverToResult(plugin string, phase Phase, res *Result) {
	if r := recover(); r != nil {
		logrus.WithFields(logrus.Fields{
			"plugin": plugin,
			"phase":  phase,
		}).Errorf("Plugin panicked: %v", r)
		*res = Result{
			Success:   false,
			Terminate: true,
			Status:    http.StatusInternalServerError,
			Err:       fmt.Errorf("plugin %s panicked in %s: %v", plugin, phase, r),
		}
	}
}

func runHook(plugin string, phase Phase, fn func() Result) (res Result) {
	defer recoverToResult(plugin, phase, &res)
	res = fn()
	return res
}

// RunBeforeModel drives the beforeModel phase. The returned result is
// the phase outcome: Terminate set means the dispatcher must reply
// early with result.Status.
func (e *Engine) RunBeforeModel(ctx context.Context, rc *RequestContext) Result {
	return e.runPhase(ctx, rc, PhaseBeforeModel, e.ordered(false))
}

// RunAfterModel drives the afterModel phase (unary path).
func (e *Engine) RunAfterModel(ctx context.Context, rc *RequestContext) Result {
	return e.runPhase(ctx, rc, PhaseAfterModel, e.ordered(true))
}

// RunAfterChunk drives the afterChunk phase for one streamed chunk.
// The result's ShouldEmit reflects the last plugin that set EmitChunk.
func (e *Engine) RunAfterChunk(ctx context.Context, rc *RequestContext) Result {
	return e.runPhase(ctx, rc, PhaseAfterChunk, e.ordered(true))
}

func (e *Engine) runPhase(ctx context.Context, rc *RequestContext, phase Phase, entries []Entry) Result {
	final := Result{Success: true}
	for _, en := range eligible(entries, rc) {
		var res Result
		switch phase {
		case PhaseBeforeModel:
			hook, ok := en.Plugin.(BeforeModelHook)
			if !ok {
				continue
			}
			res = runHook(en.Plugin.Name(), phase, func() Result { return hook.BeforeModel(ctx, rc) })
		case PhaseAfterModel:
			hook, ok := en.Plugin.(AfterModelHook)
			if !ok {
				continue
			}
			res = runHook(en.Plugin.Name(), phase, func() Result { return hook.AfterModel(ctx, rc) })
		case PhaseAfterChunk:
			hook, ok := en.Plugin.(AfterChunkHook)
			if !ok {
				continue
			}
			res = runHook(en.Plugin.Name(), phase, func() Result { return hook.AfterChunk(ctx, rc) })
		default:
			continue
		}

		rc.Apply(res.Context)
		if res.EmitChunk != nil {
			final.EmitChunk = res.EmitChunk
		}
		if res.FlushAfter > 0 && (final.FlushAfter == 0 || res.FlushAfter < final.FlushAfter) {
			final.FlushAfter = res.FlushAfter
		}
		if !res.Success {
			if e.onFailure != nil {
				e.onFailure(en.Plugin.Name(), phase)
			}
		}

		if !res.Success && res.Terminate {
			res.EmitChunk = final.EmitChunk
			if res.Status == 0 {
				res.Status = http.StatusInternalServerError
			}
			logrus.WithFields(logrus.Fields{
				"request_id": rc.RequestID,
				"plugin":     en.Plugin.Name(),
				"phase":      phase,
				"status":     res.Status,
			}).Debug("Pipeline terminated by plugin")
			return res
		}
		if res.Success && res.SkipRemaining {
			res.EmitChunk = final.EmitChunk
			if res.FlushAfter == 0 {
				res.FlushAfter = final.FlushAfter
			}
			return res
		}
		if !res.Success {
			// Non-terminating failure: log and continue the phase.
			logrus.WithFields(logrus.Fields{
				"request_id": rc.RequestID,
				"plugin":     en.Plugin.Name(),
				"phase":      phase,
			}).WithError(res.Err).Warn("Plugin reported failure without terminate")
		}
	}
	return final
}

// RunDetached schedules the detachedAfterResponse phase on its own
// goroutine. Failures are logged and never surfaced; done is closed
// when the phase finishes, which tests and the drain path wait on.
func (e *Engine) RunDetached(rc *RequestContext) (done chan struct{}) {
	done = make(chan struct{})
	entries := e.ordered(false)
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				logrus.WithField("request_id", rc.RequestID).Errorf("Detached phase panicked: %v", r)
			}
		}()
		for _, en := range eligible(entries, rc) {
			hook, ok := en.Plugin.(DetachedHook)
			if !ok {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						logrus.WithFields(logrus.Fields{
							"request_id": rc.RequestID,
							"plugin":     en.Plugin.Name(),
						}).Errorf("Detached hook panicked: %v", r)
					}
				}()
				hook.DetachedAfterResponse(context.Background(), rc)
			}()
		}
	}()
	return done
}
