// Package api exposes the task intake HTTP surface: submission, cancel,
// status, and health.
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/weftworks/loom/pkg/mcp"
	"github.com/weftworks/loom/pkg/models"
	"github.com/weftworks/loom/pkg/runtime"
	"github.com/weftworks/loom/pkg/version"
)

// Server routes intake requests to the runtime controller.
type Server struct {
	controller *runtime.Controller
	pool       *mcp.Pool
}

// NewServer creates an API server over the controller and MCP pool.
func NewServer(controller *runtime.Controller, pool *mcp.Pool) *Server {
	return &Server{controller: controller, pool: pool}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.Health)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/tasks", s.CreateTask)
		v1.DELETE("/tasks/:id", s.CancelTask)
		v1.GET("/status", s.Status)
	}
	return router
}

// CreateTaskRequest is the intake payload. Only the description is
// mandatory; everything else falls back to per-task defaults.
type CreateTaskRequest struct {
	Description string            `json:"description" binding:"required"`
	TaskType    models.TaskType   `json:"task_type"`
	MaxSteps    int               `json:"max_steps"`
	MaxTokens   int               `json:"max_tokens"`
	TimeoutSec  int               `json:"timeout_s"`
	Context     map[string]string `json:"context"`
}

// CreateTask handles POST /api/v1/tasks. A full queue answers 429 so
// upstream producers can back off.
func (s *Server) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.TaskType == "" {
		req.TaskType = models.TaskTypeReasoning
	}
	if !req.TaskType.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown task_type"})
		return
	}

	task := &models.TaskSpec{
		TaskID:      uuid.NewString(),
		Description: req.Description,
		TaskType:    req.TaskType,
		MaxSteps:    req.MaxSteps,
		MaxTokens:   req.MaxTokens,
		TimeoutSec:  req.TimeoutSec,
		Context:     req.Context,
		CreatedAt:   time.Now(),
	}

	switch err := s.controller.Submit(task); {
	case errors.Is(err, runtime.ErrQueueFull):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "task queue is full, retry later"})
	case errors.Is(err, runtime.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"task_id": task.TaskID})
	}
}

// CancelTask handles DELETE /api/v1/tasks/:id for running sessions.
func (s *Server) CancelTask(c *gin.Context) {
	taskID := c.Param("id")
	if !s.controller.Cancel(taskID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no running session for task id"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "status": "cancelling"})
}

// Status handles GET /api/v1/status.
func (s *Server) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":         version.Full(),
		"queue_depth":     s.controller.QueueDepth(),
		"active_sessions": s.controller.ActiveCount(),
		"mcp_servers":     s.pool.States(),
	})
}

// Health handles GET /healthz. Degraded MCP connections are reported but do
// not fail the probe; the pool reconnects on its own.
func (s *Server) Health(c *gin.Context) {
	states := s.pool.States()
	healthy := true
	for _, state := range states {
		if state == mcp.StateClosed {
			healthy = false
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"healthy": healthy, "mcp_servers": states})
}
