// Package server exposes health, readiness, metrics and the JSON REST API.
package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	brokererrors "github.com/kubeadapt/gpu-broker/internal/errors"
	"github.com/kubeadapt/gpu-broker/internal/observability"
)

// ReadinessChecker reports whether the broker is ready to serve traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// Deps are the components behind the API. Nil members leave their routes
// unregistered.
type Deps struct {
	Resources ResourceFinder
	Pods      PodService
	Jobs      JobService
	Usage     UsageService
	Readiness ReadinessChecker
	Errors    *brokererrors.ErrorCollector
	Metrics   *observability.Metrics
}

// Server serves the broker's HTTP surface.
type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	deps       Deps
	listener   net.Listener
}

// NewServer creates a server on the given port.
// Pass port=0 to let the OS pick a free port (useful for tests).
// When enableDebug is true, pprof and /debug/errors are registered.
func NewServer(port int, deps Deps, enableDebug bool) *Server {
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics()
	}
	s := &Server{deps: deps}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(recovery(), s.instrument())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))

	if enableDebug {
		// pprof handlers, only enabled when GPUBROKER_DEBUG_ENDPOINTS=true
		dbg := r.Group("/debug")
		dbg.GET("/pprof/*name", func(c *gin.Context) {
			pprofHandler(strings.TrimPrefix(c.Param("name"), "/")).ServeHTTP(c.Writer, c.Request)
		})
		dbg.GET("/errors", s.handleDebugErrors)
	}

	s.registerAPI(r.Group("/api/v1"))
	s.engine = r

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Pod creation waits on the marketplace, so writes get more room.
		WriteTimeout:   5 * time.Minute,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the listen address, resolved after Start.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			slog.Error("server: serve failed", "error", err)
		}
	}()
	slog.Info("server: listening", "addr", s.httpServer.Addr)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func pprofHandler(name string) http.Handler {
	switch name {
	case "":
		return http.HandlerFunc(pprof.Index)
	case "cmdline":
		return http.HandlerFunc(pprof.Cmdline)
	case "profile":
		return http.HandlerFunc(pprof.Profile)
	case "symbol":
		return http.HandlerFunc(pprof.Symbol)
	case "trace":
		return http.HandlerFunc(pprof.Trace)
	}
	return pprof.Handler(name)
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		slog.Error("server: panic recovered",
			"panic", recovered,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"code": "INTERNAL", "message": "internal server error"},
		})
	})
}

// instrument records request metrics by route template and logs API calls.
func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		elapsed := time.Since(start)
		code := c.Writer.Status()

		s.deps.Metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, fmt.Sprint(code)).Inc()
		s.deps.Metrics.HTTPRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())

		if route == "/healthz" || route == "/readyz" || route == "/metrics" {
			return
		}
		slog.Debug("server: request",
			"method", c.Request.Method,
			"route", route,
			"status", code,
			"duration_ms", elapsed.Milliseconds(),
		)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadyz(c *gin.Context) {
	ready := s.deps.Readiness == nil || s.deps.Readiness.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready})
}

func (s *Server) handleDebugErrors(c *gin.Context) {
	errs := []brokererrors.BrokerError{}
	if s.deps.Errors != nil {
		errs = append(errs, s.deps.Errors.GetActiveErrors()...)
	}
	c.JSON(http.StatusOK, gin.H{"errors": errs})
}
