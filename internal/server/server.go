// Package server exposes the HTTP API: agent and task CRUD, run control,
// event queries, and SSE event streams.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/outpost-labs/muster/internal/service"
	"github.com/outpost-labs/muster/internal/webhooks"
)

// Server wraps the gin engine and the underlying http.Server
type Server struct {
	svc        *service.TaskService
	hooks      *webhooks.Manager
	engine     *gin.Engine
	httpServer *http.Server
}

func New(addr string, svc *service.TaskService, hooks *webhooks.Manager, verbose bool) *Server {
	if !verbose {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())

	s := &Server{
		svc:    svc,
		hooks:  hooks,
		engine: engine,
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     engine,
			ReadTimeout: 15 * time.Second,
			// No WriteTimeout: SSE streams stay open past any fixed
			// deadline; the stream timeout is enforced per request.
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	api := s.engine.Group("/api/v1")

	agents := api.Group("/agents")
	agents.POST("", s.handleCreateAgent)
	agents.GET("", s.handleListAgents)
	agents.GET("/:id", s.handleGetAgent)
	agents.DELETE("/:id", s.handleDeleteAgent)

	tasks := api.Group("/tasks")
	tasks.POST("", s.handleCreateTask)
	tasks.GET("", s.handleListTasks)
	tasks.GET("/:id", s.handleGetTask)
	tasks.DELETE("/:id", s.handleDeleteTask)
	tasks.POST("/:id/submit", s.handleSubmitTask)
	tasks.POST("/:id/cancel", s.handleCancelTask)
	tasks.POST("/:id/pause", s.handlePauseTask)
	tasks.POST("/:id/resume", s.handleResumeTask)
	tasks.GET("/:id/status", s.handleTaskStatus)
	tasks.GET("/:id/conversation", s.handleTaskConversation)
	tasks.GET("/:id/events", s.handleTaskEvents)
	tasks.GET("/:id/events/stream", s.handleTaskEventStream)

	if s.hooks != nil {
		hooks := api.Group("/webhooks")
		hooks.POST("", s.handleCreateWebhook)
		hooks.GET("", s.handleListWebhooks)
		hooks.GET("/:id", s.handleGetWebhook)
		hooks.DELETE("/:id", s.handleDeleteWebhook)
		hooks.GET("/deliveries", s.handleWebhookDeliveries)
	}
}

// Start serves until the listener fails or Shutdown is called
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests until the context deadline
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
}
