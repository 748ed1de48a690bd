// Package api exposes the job scheduling surface over HTTP. Handlers stay
// thin: lifecycle decisions live in the planner, and every response body is
// JSON.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tempus/pkg/api/middleware"
	"tempus/pkg/coordination"
	"tempus/pkg/logger"
	"tempus/pkg/scheduler"
	"tempus/pkg/storage"
)

// JobDefaults seeds retry and timeout fields omitted from create requests.
type JobDefaults struct {
	MaxRetries   int
	RetryDelayMs int
	TimeoutMs    int
}

// Config holds the API server's dependencies and tuning.
type Config struct {
	Port               int
	APIPrefix          string
	RateLimitPerMinute int
	BodyLimitBytes     int64

	Defaults JobDefaults

	Planner     *scheduler.Planner
	Store       storage.Store
	Queue       storage.ReadyQueue
	Coordinator coordination.Coordinator // optional
}

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server

	planner  *scheduler.Planner
	store    storage.Store
	queue    storage.ReadyQueue
	coord    coordination.Coordinator
	defaults JobDefaults
}

func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Middleware order matters: recovery outermost, tracing innermost so
	// spans carry the final status after limits have been applied.
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics())
	router.Use(requestLogger())
	if cfg.RateLimitPerMinute > 0 {
		router.Use(middleware.RateLimit(cfg.RateLimitPerMinute))
	}
	bodyLimit := cfg.BodyLimitBytes
	if bodyLimit <= 0 {
		bodyLimit = 1 << 20
	}
	router.Use(middleware.BodySizeLimit(bodyLimit))
	router.Use(middleware.Tracing("tempus-api"))

	s := &Server{
		router:   router,
		planner:  cfg.Planner,
		store:    cfg.Store,
		queue:    cfg.Queue,
		coord:    cfg.Coordinator,
		defaults: cfg.Defaults,
	}
	s.registerRoutes(cfg.APIPrefix)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests. Blocks until shutdown.
func (s *Server) Start() error {
	logger.Info("api server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("api server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing tree for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes(prefix string) {
	if prefix == "" {
		prefix = "/api/v1"
	}

	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group(prefix)
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", s.createJob)
			jobs.GET("", s.listJobs)
			jobs.GET("/:id", s.getJob)
			jobs.PATCH("/:id", s.updateJob)
			jobs.DELETE("/:id", s.deleteJob)
			jobs.POST("/:id/trigger", s.triggerJob)
			jobs.POST("/:id/pause", s.pauseJob)
			jobs.POST("/:id/resume", s.resumeJob)
			jobs.POST("/:id/reschedule", s.rescheduleJob)
			jobs.POST("/:id/cancel", s.cancelJob)
			jobs.GET("/:id/executions", s.listJobExecutions)
			jobs.GET("/:id/logs", s.listJobLogs)
		}

		executions := v1.Group("/executions")
		{
			executions.GET("/:id", s.getExecution)
			executions.GET("/:id/retries", s.listRetries)
		}

		users := v1.Group("/users")
		{
			users.POST("", s.createUser)
			users.GET("/:id", s.getUser)
		}

		cluster := v1.Group("/cluster")
		{
			cluster.GET("/workers", s.listWorkers)
			cluster.GET("/queue", s.queueDepths)
		}
	}
}

// fail maps domain errors onto HTTP statuses. Anything unrecognized is a 500
// with the detail kept out of the response.
func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, scheduler.ErrValidation), errors.Is(err, scheduler.ErrInvalidSchedule):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrIllegalTransition), errors.Is(err, storage.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, storage.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backend unavailable"})
	default:
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

// healthCheck probes each backing service with a cheap real call.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	deps := map[string]bool{}

	_, _, err := s.store.ListJobs(ctx, storage.JobFilter{Limit: 1})
	deps["postgres"] = err == nil

	_, err = s.queue.Depths(ctx)
	deps["redis"] = err == nil

	if s.coord != nil {
		_, err = s.coord.ActiveWorkers(ctx)
		deps["etcd"] = err == nil
	}

	healthy := true
	for _, ok := range deps {
		healthy = healthy && ok
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
