package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/adapter"
	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/protocol"
	"github.com/switchboard-ai/switchboard/internal/provider"
	"github.com/switchboard-ai/switchboard/internal/registry"
	"github.com/switchboard-ai/switchboard/internal/stream"
)

// streamEvent is one upstream arrival: a chunk, the end-of-stream
// signal, or both.
type streamEvent struct {
	chunk *protocol.Response
	final bool
}

const streamEventBuffer = 16

// streamCompletion drives a streaming request: one producer goroutine
// pulls from the provider while this goroutine folds chunks through
// the merge engine and the afterChunk phase, then writes vendor SSE
// frames. All pipeline execution stays on this goroutine. A flush
// timer re-runs the phase when a plugin retained the buffer with a
// FlushAfter hint and the upstream has gone quiet.
func (s *Server) streamCompletion(c *gin.Context, ctx context.Context, rt *runtime, rc *pipeline.RequestContext, adapterName string, model *registry.Model, out adapter.OutputAdapter, raw []byte) {
	upCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan streamEvent, streamEventBuffer)
	var upstreamErr error
	go func() {
		defer close(events)
		upstreamErr = model.Provider.ExecuteStreaming(upCtx, rc.Request,
			provider.EmitterFunc(func(chunk *protocol.Response, final bool) error {
				select {
				case events <- streamEvent{chunk: chunk, final: final}:
					return nil
				case <-upCtx.Done():
					return upCtx.Err()
				}
			}))
	}()

	merger := stream.NewMerger()
	transformer := out.NewChunkTransformer()
	wrote := false
	status := http.StatusOK

	var flushTimer *time.Timer
	var flushCh <-chan time.Time
	defer func() {
		if flushTimer != nil {
			flushTimer.Stop()
		}
	}()
	armFlush := func(d time.Duration) {
		if d <= 0 {
			return
		}
		if flushTimer == nil {
			flushTimer = time.NewTimer(d)
		} else {
			if !flushTimer.Stop() {
				select {
				case <-flushTimer.C:
				default:
				}
			}
			flushTimer.Reset(d)
		}
		flushCh = flushTimer.C
	}
	disarmFlush := func() {
		if flushTimer != nil && !flushTimer.Stop() {
			select {
			case <-flushTimer.C:
			default:
			}
		}
		flushCh = nil
	}

	flush := func(payload []byte) bool {
		if len(payload) == 0 {
			return true
		}
		if !wrote {
			c.Status(http.StatusOK)
			c.Header("Content-Type", out.StreamContentType())
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			c.Header("X-Accel-Buffering", "no")
		}
		if _, err := c.Writer.Write(payload); err != nil {
			logrus.WithField("request_id", rc.RequestID).WithError(err).Debug("Client write failed")
			return false
		}
		c.Writer.Flush()
		wrote = true
		s.metrics.StreamChunks.WithLabelValues(adapterName).Inc()
		return true
	}

	// process folds one event (or a timer wakeup carrying no chunk)
	// through the pipeline and emits frames. stop means the request is
	// finished and already answered.
	process := func(ev streamEvent) (stop bool) {
		merger.Fold(ev.chunk)
		rc.Chunk = ev.chunk
		rc.BufferedChunk = merger.Buffered()
		rc.AccumulatedResponse = merger.Accumulated()
		rc.FinalChunk = ev.final

		res := rt.engine.RunAfterChunk(ctx, rc)
		if res.Terminate {
			cancel()
			if !wrote {
				s.terminateRequest(c, rt, rc, adapterName, res)
			} else {
				logrus.WithFields(logrus.Fields{
					"request_id": rc.RequestID,
					"status":     res.Status,
				}).WithError(res.Err).Warn("Stream terminated by plugin after first byte, closing")
				s.finishRequest(rt, rc, adapterName, model.Name, model.ProviderType, res.Status)
				rc.Err = res.Err
				rt.engine.RunDetached(rc)
			}
			return true
		}
		// A plugin may have rewritten the buffered chunk via patch.
		merger.SetBuffered(rc.BufferedChunk)

		// The final flush happens regardless of suppression so no
		// buffered content is lost.
		if !res.ShouldEmit() && !ev.final {
			armFlush(res.FlushAfter)
			return false
		}
		disarmFlush()

		committed := merger.Commit()
		first := !wrote
		payload, err := transformer.TransformChunk(rc.Request, raw, committed, first, ev.final, merger.Accumulated())
		if err != nil {
			cancel()
			logrus.WithField("request_id", rc.RequestID).WithError(err).Error("Chunk render failed")
			if !wrote {
				s.finishRequest(rt, rc, adapterName, model.Name, model.ProviderType, http.StatusInternalServerError)
				writeError(c, rc.RequestID, protocol.NewGatewayError(protocol.ErrKindInternalError,
					http.StatusInternalServerError, "failed to render stream chunk"))
			}
			rc.Err = err
			rt.engine.RunDetached(rc)
			return true
		}
		if !flush(payload) {
			cancel()
			rt.engine.RunDetached(rc)
			return true
		}
		return false
	}

loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if process(ev) {
				return
			}
		case <-flushCh:
			flushCh = nil
			if process(streamEvent{}) {
				return
			}
		}
	}

	if upstreamErr != nil && ctx.Err() == nil {
		_, errStatus, _ := protocol.ClassifyError(upstreamErr)
		rc.Err = upstreamErr
		if !wrote {
			logrus.WithFields(logrus.Fields{
				"request_id": rc.RequestID,
				"model":      model.Name,
			}).WithError(upstreamErr).Error("Upstream stream failed before first byte")
			s.finishRequest(rt, rc, adapterName, model.Name, model.ProviderType, errStatus)
			writeError(c, rc.RequestID, upstreamErr)
			rt.engine.RunDetached(rc)
			return
		}
		logrus.WithFields(logrus.Fields{
			"request_id": rc.RequestID,
			"model":      model.Name,
		}).WithError(upstreamErr).Error("Upstream stream failed mid-flight, closing")
		status = errStatus
	}

	if acc := merger.Accumulated(); acc != nil {
		rc.RecordUsage(acc.Usage)
		rc.Response = acc
	}
	s.finishRequest(rt, rc, adapterName, model.Name, model.ProviderType, status)
	s.metrics.RecordUsage(model.Name, rc.Metrics.InputTokens, rc.Metrics.OutputTokens)
	rt.engine.RunDetached(rc)
}
