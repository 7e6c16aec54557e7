package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/outpost-labs/muster/internal/db"
	"github.com/outpost-labs/muster/internal/manager"
	"github.com/outpost-labs/muster/internal/service"
	"github.com/outpost-labs/muster/internal/webhooks"
	"github.com/outpost-labs/muster/pkg/types"
)

func errStatus(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrAlreadyRunning),
		errors.Is(err, manager.ErrNotRunning),
		errors.Is(err, manager.ErrTerminal),
		errors.Is(err, service.ErrTaskActive):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	c.JSON(errStatus(err), gin.H{"error": err.Error()})
}

// Agents

type createAgentRequest struct {
	Name           string   `json:"name" binding:"required"`
	Model          string   `json:"model" binding:"required"`
	Instruction    string   `json:"instruction"`
	ToolServers    []string `json:"tool_servers"`
	MaxIterations  int      `json:"max_iterations"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	BudgetUSD      float64  `json:"budget_usd"`
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	agent := &db.AgentRecord{
		Name:           req.Name,
		Model:          req.Model,
		Instruction:    req.Instruction,
		ToolServers:    req.ToolServers,
		MaxIterations:  req.MaxIterations,
		TimeoutSeconds: req.TimeoutSeconds,
		BudgetUSD:      req.BudgetUSD,
	}
	if err := s.svc.CreateAgent(c.Request.Context(), agent); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

func (s *Server) handleListAgents(c *gin.Context) {
	agents, err := s.svc.ListAgents(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	agent, err := s.svc.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(c *gin.Context) {
	if err := s.svc.DeleteAgent(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Tasks

type createTaskRequest struct {
	AgentID     string            `json:"agent_id" binding:"required"`
	UserID      string            `json:"user_id"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Query       string            `json:"query" binding:"required"`
	Parameters  map[string]string `json:"parameters"`
	Metadata    map[string]any    `json:"metadata"`
	Submit      bool              `json:"submit"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}

	task := &types.Task{
		AgentID:     req.AgentID,
		UserID:      req.UserID,
		Title:       req.Title,
		Description: req.Description,
		Query:       req.Query,
		Parameters:  req.Parameters,
		Metadata:    req.Metadata,
	}
	created, err := s.svc.CreateTask(c.Request.Context(), task)
	if err != nil {
		abortWithError(c, err)
		return
	}

	if req.Submit {
		created, err = s.svc.SubmitTask(c.Request.Context(), created.ID)
		if err != nil {
			abortWithError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListTasks(c *gin.Context) {
	filter := types.TaskFilter{
		UserID:  c.Query("user_id"),
		AgentID: c.Query("agent_id"),
		Status:  types.TaskStatus(c.Query("status")),
	}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	tasks, err := s.svc.ListTasks(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.svc.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	if err := s.svc.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	task, err := s.svc.SubmitTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if err := s.svc.CancelTask(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

func (s *Server) handlePauseTask(c *gin.Context) {
	if err := s.svc.PauseTask(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "pausing"})
}

func (s *Server) handleResumeTask(c *gin.Context) {
	if err := s.svc.ResumeTask(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "resuming"})
}

func (s *Server) handleTaskStatus(c *gin.Context) {
	report, err := s.svc.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleTaskConversation(c *gin.Context) {
	turns, err := s.svc.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"turns": turns,
		"stats": types.SummarizeConversation(turns),
	})
}

func (s *Server) handleTaskEvents(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	evts, err := s.svc.QueryEvents(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts})
}

// handleTaskEventStream streams a task's events as SSE. The stream ends
// at the task's terminal event, the client disconnect, or the stream
// timeout, whichever comes first.
func (s *Server) handleTaskEventStream(c *gin.Context) {
	ch, cancel, err := s.svc.FollowTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		event, ok := <-ch
		if !ok {
			return false
		}
		data, err := json.Marshal(event)
		if err != nil {
			return true
		}
		c.SSEvent(string(event.Type), string(data))
		return true
	})
}

// Webhooks

func (s *Server) handleCreateWebhook(c *gin.Context) {
	var hook webhooks.Webhook
	if err := c.ShouldBindJSON(&hook); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	hook.Enabled = true
	if err := s.hooks.Register(&hook); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, hook)
}

func (s *Server) handleListWebhooks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"webhooks": s.hooks.List()})
}

func (s *Server) handleGetWebhook(c *gin.Context) {
	hook, err := s.hooks.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, hook)
}

func (s *Server) handleDeleteWebhook(c *gin.Context) {
	if err := s.hooks.Unregister(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleWebhookDeliveries(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": s.hooks.GetDeliveryHistory(limit)})
}
