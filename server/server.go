// Package server exposes sweep results, fabric counters and Prometheus
// metrics over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rocketbitz/fabricpm/dispatch"
	"github.com/rocketbitz/fabricpm/internal/obs"
	"github.com/rocketbitz/fabricpm/topology"
)

// Logger provides debug logging hooks for the server.
type Logger = obs.Logger

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger = obs.StructuredLogger

// Sweeper runs sweeps on demand. *dispatch.Dispatcher implements it.
type Sweeper interface {
	SweepAllPortCounters(ctx context.Context) (*dispatch.Summary, error)
	Stats() dispatch.Stats
}

// History stores sweep summaries. *history.Store implements it.
type History interface {
	Record(ctx context.Context, s *dispatch.Summary) error
	Latest(ctx context.Context) (*dispatch.Summary, error)
	List(ctx context.Context, limit int) ([]dispatch.Summary, error)
}

// DefaultShutdownTimeout bounds graceful shutdown in Run.
const DefaultShutdownTimeout = 5 * time.Second

// Config controls New.
type Config struct {
	Listen string
	Fabric *topology.Fabric
	// Sweeper serves POST /api/v1/sweeps and the health stats. Optional.
	Sweeper Sweeper
	// History serves the sweep endpoints. Without it only the last observed
	// sweep is available.
	History History
	// Gatherer backs /metrics and defaults to prometheus.DefaultGatherer.
	Gatherer        prometheus.Gatherer
	ShutdownTimeout time.Duration

	Logger           Logger
	StructuredLogger StructuredLogger
}

// Server is the HTTP API.
type Server struct {
	cfg    Config
	engine *gin.Engine
	events *obs.Events

	mu   sync.Mutex
	last *dispatch.Summary
}

// New builds the gin engine and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Fabric == nil {
		return nil, errors.New("fabricpm server: fabric required")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		engine: gin.New(),
		events: obs.NewEvents("fabricpm server", cfg.Logger, cfg.StructuredLogger),
	}
	s.engine.Use(gin.Recovery(), s.logRequests())
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api/v1")
	{
		sweeps := api.Group("/sweeps")
		{
			sweeps.GET("", s.listSweeps)
			sweeps.GET("/latest", s.latestSweep)
			sweeps.POST("", s.triggerSweep)
		}
		nodes := api.Group("/nodes")
		{
			nodes.GET("", s.listNodes)
			nodes.GET("/:lid/ports", s.nodePorts)
		}
	}

	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))
}

// Handler returns the HTTP handler, for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Observe records a sweep completed outside the API so /sweeps/latest can
// report it without a history store.
func (s *Server) Observe(summary *dispatch.Summary) {
	if summary == nil {
		return
	}
	s.mu.Lock()
	s.last = summary
	s.mu.Unlock()
}

func (s *Server) lastSummary() *dispatch.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Run serves on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Listen, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		s.events.Info("listen", obs.KV("addr", s.cfg.Listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.events.Debug("stop", obs.KV("addr", s.cfg.Listen))
	return nil
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.events.Debug("request",
			obs.KV("method", c.Request.Method),
			obs.KV("path", c.FullPath()),
			obs.KV("status", c.Writer.Status()),
			obs.KV("latency", time.Since(start)),
		)
	}
}
