package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/protocol"
	"github.com/switchboard-ai/switchboard/internal/registry"
)

// errorBody is the uniform error envelope across both surfaces.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

func writeError(c *gin.Context, id string, err error) {
	kind, status, message := protocol.ClassifyError(err)
	c.JSON(status, errorBody{Error: kind, Message: message, RequestID: id})
}

// completionHandler is the dispatcher entry point for one input
// adapter's completion routes.
func (s *Server) completionHandler(adapterName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rt := s.snapshot()
		id := requestID(c)

		in, err := s.adapters.Input(adapterName)
		if err != nil {
			writeError(c, id, err)
			return
		}
		out, err := s.adapters.Output(adapterName)
		if err != nil {
			writeError(c, id, err)
			return
		}

		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, id, protocol.NewGatewayError(protocol.ErrKindInputInvalid,
				http.StatusBadRequest, "failed to read request body"))
			return
		}

		rc := pipeline.NewRequestContext(id)
		rc.HTTPRequest = &pipeline.HTTPRequestInfo{
			Method:  c.Request.Method,
			URL:     c.Request.URL.Path,
			Headers: flattenHeaders(c.Request.Header),
			Body:    raw,
		}

		if err := in.Validate(raw); err != nil {
			s.finishRequest(rt, rc, adapterName, "", "", http.StatusBadRequest)
			writeError(c, id, protocol.NewGatewayError(protocol.ErrKindInputInvalid,
				http.StatusBadRequest, err.Error()))
			return
		}
		req, err := in.TransformInput(raw)
		if err != nil {
			s.finishRequest(rt, rc, adapterName, "", "", http.StatusBadRequest)
			writeError(c, id, protocol.NewGatewayError(protocol.ErrKindInputInvalid,
				http.StatusBadRequest, err.Error()))
			return
		}
		rc.Request = req

		ctx := c.Request.Context()
		if rt.cfg.Server.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(rt.cfg.Server.RequestTimeout)*time.Second)
			defer cancel()
		}

		if res := rt.engine.RunBeforeModel(ctx, rc); res.Terminate {
			s.terminateRequest(c, rt, rc, adapterName, res)
			return
		}

		model, err := s.selectModel(rt, rc)
		if err != nil {
			s.finishRequest(rt, rc, adapterName, rc.TargetModel, "", http.StatusInternalServerError)
			writeError(c, id, err)
			rt.engine.RunDetached(rc)
			return
		}
		rc.TargetModel = model.Name
		rc.TargetModelProvider = model.ProviderType

		upReq := rc.Request
		if upReq.Model != model.Name {
			upReq = upReq.Clone()
			upReq.Model = model.Name
			rc.Request = upReq
		}

		if upReq.Stream {
			s.streamCompletion(c, ctx, rt, rc, adapterName, model, out, raw)
			return
		}

		resp, err := model.Provider.Execute(ctx, upReq)
		if err != nil {
			_, status, _ := protocol.ClassifyError(err)
			logrus.WithFields(logrus.Fields{
				"request_id": id,
				"model":      model.Name,
				"provider":   model.ProviderType,
			}).WithError(err).Error("Upstream call failed")
			s.finishRequest(rt, rc, adapterName, model.Name, model.ProviderType, status)
			writeError(c, id, err)
			rc.Err = err
			rt.engine.RunDetached(rc)
			return
		}
		rc.Response = resp
		rc.RecordUsage(resp.Usage)

		if res := rt.engine.RunAfterModel(ctx, rc); res.Terminate {
			s.terminateRequest(c, rt, rc, adapterName, res)
			return
		}

		body, err := out.TransformOutput(rc.Request, raw, rc.Response)
		if err != nil {
			s.finishRequest(rt, rc, adapterName, model.Name, model.ProviderType, http.StatusInternalServerError)
			writeError(c, id, protocol.NewGatewayError(protocol.ErrKindInternalError,
				http.StatusInternalServerError, "failed to render response"))
			rt.engine.RunDetached(rc)
			return
		}
		c.Data(http.StatusOK, "application/json", body)
		s.finishRequest(rt, rc, adapterName, model.Name, model.ProviderType, http.StatusOK)
		s.metrics.RecordUsage(model.Name, rc.Metrics.InputTokens, rc.Metrics.OutputTokens)
		rt.engine.RunDetached(rc)
	}
}

// selectModel resolves the routed model: a plugin-set target first,
// then the request's model name, then the configured default.
func (s *Server) selectModel(rt *runtime, rc *pipeline.RequestContext) (*registry.Model, error) {
	name := rc.TargetModel
	if name == "" && rc.Request != nil {
		name = rc.Request.Model
	}
	if name != "" {
		if m, ok := rt.models.Lookup(name); ok {
			return m, nil
		}
	}
	if m := rt.models.Default(); m != nil {
		return m, nil
	}
	return nil, protocol.NewGatewayError(protocol.ErrKindModelNotConfigured,
		http.StatusInternalServerError, fmt.Sprintf("model not configured: %q", name))
}

// terminateRequest replies with a plugin's terminate verdict.
func (s *Server) terminateRequest(c *gin.Context, rt *runtime, rc *pipeline.RequestContext, adapterName string, res pipeline.Result) {
	err := res.Err
	if err == nil {
		err = protocol.NewGatewayError(protocol.ErrKindPluginError, res.Status, "request terminated by plugin")
	}
	if ge, ok := err.(*protocol.GatewayError); ok && ge.Status == 0 {
		ge.Status = res.Status
	}
	s.finishRequest(rt, rc, adapterName, rc.TargetModel, rc.TargetModelProvider, res.Status)
	writeError(c, rc.RequestID, err)
	rc.Err = err
	rt.engine.RunDetached(rc)
}

// finishRequest stamps timings and records the request metrics.
func (s *Server) finishRequest(rt *runtime, rc *pipeline.RequestContext, adapterName, model, providerType string, status int) {
	rc.Finish()
	s.metrics.Requests.WithLabelValues(adapterName, model, providerType, fmt.Sprintf("%d", status)).Inc()
	s.metrics.Duration.WithLabelValues(adapterName, model).Observe(rc.Metrics.Duration.Seconds())
	logrus.WithFields(logrus.Fields{
		"request_id": rc.RequestID,
		"adapter":    adapterName,
		"model":      model,
		"status":     status,
		"duration":   rc.Metrics.Duration,
		"tokens_in":  rc.Metrics.InputTokens,
		"tokens_out": rc.Metrics.OutputTokens,
	}).Info("Request completed")
}

// flattenHeaders keeps the first value per header for the plugin view.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
