// Package handlers is the REST surface: a thin gin layer mapping routes to
// the queue, trigger engine, health monitor, and system service.
package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/common/logger"
	"github.com/taskmill/taskmill/internal/orchestrator/health"
	"github.com/taskmill/taskmill/internal/orchestrator/queue"
	"github.com/taskmill/taskmill/internal/orchestrator/trigger"
	"github.com/taskmill/taskmill/internal/task/repository"
	"github.com/taskmill/taskmill/internal/task/service"
)

// Handlers holds the components the REST surface fronts.
type Handlers struct {
	queue   *queue.Queue
	engine  *trigger.Engine
	monitor *health.Monitor
	system  *service.Service
	repo    repository.Repository
	logger  *logger.Logger
}

// New creates the REST handlers.
func New(q *queue.Queue, engine *trigger.Engine, monitor *health.Monitor, system *service.Service, repo repository.Repository, log *logger.Logger) *Handlers {
	return &Handlers{
		queue:   q,
		engine:  engine,
		monitor: monitor,
		system:  system,
		repo:    repo,
		logger:  log.WithFields(zap.String("component", "http")),
	}
}

// RegisterRoutes wires the REST surface onto the router. The websocket
// gateway and the Prometheus endpoint register themselves separately.
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/healthz", h.healthz)

	api := router.Group("/api/v1")

	api.POST("/tasks", h.createTask)
	api.POST("/tasks/batch", h.createTasksBatch)
	api.GET("/tasks", h.listSessionTasks)
	api.PUT("/tasks/reprioritize", h.reprioritizeTask)
	api.GET("/tasks/:id", h.getTask)
	api.PUT("/tasks/:id/cancel", h.cancelTask)
	api.PUT("/tasks/:id/pause", h.pauseTask)
	api.PUT("/tasks/:id/resume", h.resumeTask)
	api.GET("/tasks/:id/history", h.getTaskHistory)

	api.POST("/triggers", h.createTrigger)
	api.GET("/triggers", h.listTriggers)
	api.POST("/triggers/rescan", h.rescanTriggers)
	api.GET("/triggers/:id", h.getTrigger)
	api.DELETE("/triggers/:id", h.deleteTrigger)
	api.PUT("/triggers/:id/activate", h.activateTrigger)
	api.PUT("/triggers/:id/deactivate", h.deactivateTrigger)
	api.POST("/triggers/:id/fire", h.fireTrigger)
	api.POST("/webhooks/:id", h.webhookCallback)

	api.POST("/workflows", h.createWorkflow)
	api.GET("/workflows", h.listWorkflows)
	api.GET("/workflows/:id", h.getWorkflow)

	api.GET("/stats", h.getStats)
	api.GET("/health", h.getHealth)

	api.POST("/system/start", h.startSystem)
	api.POST("/system/stop", h.stopSystem)
	api.POST("/system/reset", h.resetSystem)

	api.DELETE("/sessions/:sessionId", h.deleteSession)
}
