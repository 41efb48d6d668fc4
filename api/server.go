// Package api exposes the orchestrator over HTTP: triggering jobs, reading
// their status and steering them.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"contract-ingest/metrics"
	"contract-ingest/pipeline"
	"contract-ingest/utils"
)

const (
	readHeaderTimeout = 10 * time.Second
	defaultLogTail    = 50
)

// Options configure the HTTP interface.
type Options struct {
	Addr string
	// Secret signs the HS256 bearer tokens accepted on /api/v1. Empty
	// disables auth.
	Secret string
	// SyncBudget caps how long a synchronous trigger may run.
	SyncBudget time.Duration
}

// Server serves the trigger and status endpoints.
type Server struct {
	orch   *pipeline.Orchestrator
	opts   Options
	logger *utils.Logger
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router.
func NewServer(orch *pipeline.Orchestrator, opts Options, logger *utils.Logger) *Server {
	s := &Server{orch: orch, opts: opts, logger: logger}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/health", s.health)
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := engine.Group("/api/v1")
	if opts.Secret == "" {
		logger.Warn("[api] TRIGGER_SECRET is empty, /api/v1 is unauthenticated")
	} else {
		v1.Use(bearerAuth(opts.Secret))
	}
	v1.POST("/sources/:source/jobs", s.triggerJob)
	v1.GET("/sources/:source/jobs", s.listJobs)
	v1.GET("/jobs/:id", s.getJob)
	v1.POST("/jobs/:id/pause", s.pauseJob)
	v1.POST("/jobs/:id/resume", s.resumeJob)
	v1.POST("/jobs/:id/cancel", s.cancelJob)

	s.engine = engine
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("[api] listening on %s", s.opts.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/health") || path == "/metrics" {
			return
		}
		status := c.Writer.Status()
		if len(c.Errors) > 0 || status >= http.StatusInternalServerError {
			s.logger.Error("[api] %s %s %d %s %s", c.Request.Method, path, status, time.Since(start), c.Errors.String())
			return
		}
		s.logger.Info("[api] %s %s %d %s", c.Request.Method, path, status, time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"sources": s.orch.Sources(),
	})
}
