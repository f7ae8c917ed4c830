package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/taskfleet/distribution/internal/distribution/app/dispatcher"
	"github.com/taskfleet/distribution/internal/distribution/app/heartbeat"
	"github.com/taskfleet/distribution/internal/distribution/app/queue"
	"github.com/taskfleet/distribution/internal/distribution/app/reaper"
	"github.com/taskfleet/distribution/internal/distribution/app/rebalancer"
	"github.com/taskfleet/distribution/internal/distribution/app/registry"
	"github.com/taskfleet/distribution/internal/distribution/ports"
	"github.com/taskfleet/distribution/pkg/logger"
	"github.com/taskfleet/distribution/pkg/ratelimit"
)

// Server is the Control API's HTTP process wrapper: one gin router plus the
// background loops it fronts (dispatcher, reaper, heartbeat sweeper).
type Server struct {
	log        logger.Logger
	httpServer *http.Server
	dispatch   *dispatcher.Dispatcher
	reap       *reaper.Reaper
	collector  *heartbeat.Collector
}

// Deps bundles the components a Control API process needs. All are
// constructed by the caller (cmd/distribution) and passed in fully wired.
type Deps struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	APIKey       string
	RateLimitRPS   int
	RateLimitBurst int

	Registry  *registry.Registry
	Queue     *queue.Queue
	AssignSt  ports.AssignmentStore
	HBStore   ports.HeartbeatStore
	Collector *heartbeat.Collector
	Dispatch  *dispatcher.Dispatcher
	Reap      *reaper.Reaper
	Rebalance *rebalancer.Rebalancer
	Log       logger.Logger
}

func New(d Deps) *Server {
	h := NewHandlers(d.Registry, d.Queue, d.AssignSt, d.HBStore, d.Collector, d.Dispatch, d.Rebalance, d.Log)
	router := setupRouter(h, d.APIKey, newRateLimiter(d.RateLimitRPS, d.RateLimitBurst), d.Log)

	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	return &Server{
		log: d.Log,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", d.Host, d.Port),
			Handler:      router,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		dispatch:  d.Dispatch,
		reap:      d.Reap,
		collector: d.Collector,
	}
}

func setupRouter(h *Handlers, apiKey string, limiter ratelimit.RateLimiter, log logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware(log))

	router.GET("/health/live", h.Health)
	router.GET("/health/ready", h.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/distribution")
	api.Use(bearerAuth(apiKey))
	if limiter != nil {
		api.Use(ratelimit.Middleware(limiter, deviceKeyFunc))
	}
	{
		api.POST("/devices/register", h.RegisterDevice)
		api.GET("/devices", h.ListDevices)
		api.GET("/devices/:id", h.GetDevice)
		api.POST("/devices/:id/heartbeat", h.Heartbeat)
		api.PUT("/devices/:id/status", h.SetDeviceStatus)

		api.POST("/tasks", h.CreateTask)
		api.GET("/tasks", h.ListTasks)
		api.GET("/tasks/:id", h.GetTask)
		api.POST("/tasks/assign", h.AssignTask)
		api.PUT("/tasks/status", h.ReportTaskStatus)
		api.GET("/tasks/:id/pull", h.PullTasks)

		api.GET("/stats/overview", h.StatsOverview)
		api.POST("/management/rebalance", h.TriggerRebalance)
		api.POST("/management/cleanup", h.Cleanup)
	}

	return router
}

func loggingMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		log.Info("http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// Start runs the background loops and blocks serving HTTP until the
// process is asked to shut down.
func (s *Server) Start(ctx context.Context) error {
	s.dispatch.Start(ctx)
	s.reap.Start(ctx)
	s.collector.Start(ctx)

	s.log.Info("starting control API", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control API server failed: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down control API")
	s.dispatch.Stop()
	s.reap.Stop()
	s.collector.Stop()
	return s.httpServer.Shutdown(ctx)
}
