// Package api serves the orchestrator over HTTP and streams bus events to
// websocket clients.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/imkarma/ralph/internal/metrics"
	"github.com/imkarma/ralph/internal/orchestrator"
	"go.uber.org/zap"
)

// Router holds all API dependencies and routes.
type Router struct {
	engine  *gin.Engine
	orch    *orchestrator.Orchestrator
	metrics *metrics.Metrics
	hub     *Hub
	logger  *zap.Logger
}

// Options configures the router. The zero value is usable.
type Options struct {
	Metrics *metrics.Metrics // Nil disables /metrics
	Logger  *zap.Logger
	// RateLimit is the sustained rate of mutating requests allowed per
	// client IP, with Burst on top. Zero uses 5/s with a burst of 20.
	RateLimit float64
	Burst     int
}

// NewRouter creates the router and subscribes its websocket hub to the
// orchestrator's bus.
func NewRouter(orch *orchestrator.Orchestrator, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger), newLimiter(opts.RateLimit, opts.Burst).middleware())

	r := &Router{
		engine:  engine,
		orch:    orch,
		metrics: opts.Metrics,
		hub:     NewHub(orch.Bus(), logger),
		logger:  logger,
	}
	r.setupRoutes()
	return r
}

// setupRoutes configures all API routes.
func (r *Router) setupRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if r.metrics != nil {
		r.engine.GET("/metrics", gin.WrapH(r.metrics.Handler()))
	}

	api := r.engine.Group("/api")
	{
		tasks := api.Group("/tasks")
		{
			tasks.GET("", r.listTasks)
			tasks.POST("", r.createTask)
			tasks.GET("/:id", r.getTask)
			tasks.PUT("/:id", r.updateTask)
			tasks.DELETE("/:id", r.deleteTask)
			tasks.GET("/:id/progress", r.getProgress)
			tasks.GET("/:id/history", r.getHistory)
		}

		api.GET("/backlog", r.getBacklog)
		api.POST("/backlog/breakdown", r.breakIntoTasks)

		api.GET("/config", r.getConfig)
		api.PUT("/config", r.updateConfig)

		battle := api.Group("/battle")
		{
			battle.GET("", r.getBattle)
			battle.POST("/start", r.startBattle)
			battle.POST("/pause", r.pauseBattle)
			battle.POST("/resume", r.resumeBattle)
			battle.POST("/cancel", r.cancelBattle)
			battle.POST("/approve", r.approveBattle)
		}

		pf := api.Group("/preflight")
		{
			pf.POST("/run", r.runPreflight)
			pf.GET("/checks", r.listChecks)
			pf.POST("/fix", r.applyFix)
			pf.POST("/restore-stash", r.restoreStash)
			pf.POST("/dry-run", r.dryRun)
			pf.POST("/token", r.validateToken)
		}

		plan := api.Group("/planning")
		{
			plan.GET("", r.planningStatus)
			plan.POST("/start", r.startPlanning)
			plan.POST("/answer", r.answerPlanning)
			plan.POST("/finish", r.finishPlanning)
			plan.POST("/reset", r.resetPlanning)
		}
	}

	r.engine.GET("/ws", gin.WrapH(r.hub))
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// Hub returns the websocket hub.
func (r *Router) Hub() *Hub { return r.hub }

// Close disconnects websocket clients and stops listening to the bus.
func (r *Router) Close() {
	r.hub.Close()
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("request failed", fields...)
			return
		}
		logger.Debug("request", fields...)
	}
}
