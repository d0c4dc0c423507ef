// Package server hosts the gateway dispatcher: HTTP routes per input
// adapter, the per-request wiring of adapter + pipeline + provider +
// merge engine, and the auxiliary health/metrics/models endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/switchboard-ai/switchboard/internal/adapter"
	"github.com/switchboard-ai/switchboard/internal/config"
	"github.com/switchboard-ai/switchboard/internal/obs"
	"github.com/switchboard-ai/switchboard/internal/pipeline"
	"github.com/switchboard-ai/switchboard/internal/plugins"
	"github.com/switchboard-ai/switchboard/internal/provider"
	"github.com/switchboard-ai/switchboard/internal/registry"
)

// runtime is one immutable snapshot of the config-derived object
// graph. Reload swaps the whole snapshot; in-flight requests keep the
// one they started with.
type runtime struct {
	cfg    *config.Config
	models *registry.Models
	engine *pipeline.Engine
}

// Server is the gateway HTTP server.
type Server struct {
	adapters  *adapter.Registry
	providers *provider.Registry
	plugins   *plugins.Registry
	metrics   *obs.Metrics

	current atomic.Pointer[runtime]

	engine     *gin.Engine
	httpServer *http.Server

	version string
}

// Option is a functional server option.
type Option func(*Server)

// WithVersion stamps the version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithProviderRegistry overrides the provider registry (tests install
// stub providers this way).
func WithProviderRegistry(r *provider.Registry) Option {
	return func(s *Server) { s.providers = r }
}

// WithPluginRegistry overrides the plugin registry.
func WithPluginRegistry(r *plugins.Registry) Option {
	return func(s *Server) { s.plugins = r }
}

// New builds a server from configuration.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		adapters:  adapter.NewRegistry(),
		providers: provider.NewRegistry(),
		plugins:   plugins.NewRegistry(),
		metrics:   obs.NewMetrics(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Apply(cfg); err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.requestIDMiddleware(), s.corsMiddleware())
	s.bindRoutes()
	return s, nil
}

// Apply builds and installs a new runtime snapshot from cfg. It is the
// config watcher's reload callback.
func (s *Server) Apply(cfg *config.Config) error {
	models, err := registry.BuildModels(cfg.Models, s.providers)
	if err != nil {
		return fmt.Errorf("failed to build model registry: %w", err)
	}
	engine, err := registry.BuildPipeline(cfg.Plugins, s.plugins)
	if err != nil {
		return fmt.Errorf("failed to build plugin pipeline: %w", err)
	}
	engine.SetFailureHook(func(plugin string, phase pipeline.Phase) {
		s.metrics.PluginFailures.WithLabelValues(plugin, string(phase)).Inc()
	})
	s.current.Store(&runtime{cfg: cfg, models: models, engine: engine})
	return nil
}

func (s *Server) snapshot() *runtime { return s.current.Load() }

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// bindRoutes registers {/<adapter>}{/<basePath>} for every input
// adapter plus its native auxiliary routes and the operational
// endpoints.
func (s *Server) bindRoutes() {
	for _, name := range s.adapters.InputNames() {
		in, err := s.adapters.Input(name)
		if err != nil {
			continue
		}
		group := s.engine.Group("/" + name)
		for _, base := range in.BasePaths() {
			group.POST(base, s.completionHandler(name))
		}
		group.GET("/models", s.listModelsHandler(name))
	}
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})))
}

// Start runs the listener until ctx is canceled, then drains with the
// given deadline.
func (s *Server) Start(ctx context.Context, addr string, drainTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}
	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", addr).Info("Gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Shutting down, draining in-flight requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}
