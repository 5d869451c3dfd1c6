package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskmill/taskmill/internal/task/dto"
	"github.com/taskmill/taskmill/internal/task/models"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

const defaultHistoryLimit = 50

// createTask enqueues a single task.
// POST /api/v1/tasks
func (h *Handlers) createTask(c *gin.Context) {
	var req v1.CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}
	task, err := h.queue.Submit(c.Request.Context(), dto.TaskFromCreateRequest(&req))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondCreated(c, "task", task.ToAPI())
}

// createTasksBatch enqueues up to the batch cap of tasks atomically.
// POST /api/v1/tasks/batch
func (h *Handlers) createTasksBatch(c *gin.Context) {
	var req v1.BatchCreateTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}
	tasks := make([]*models.Task, 0, len(req.Tasks))
	for i := range req.Tasks {
		tasks = append(tasks, dto.TaskFromCreateRequest(&req.Tasks[i]))
	}
	created, err := h.queue.SubmitBatch(c.Request.Context(), tasks)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondCreated(c, "tasks", dto.TasksToAPI(created))
}

// getTask returns one task by id.
// GET /api/v1/tasks/:id
func (h *Handlers) getTask(c *gin.Context) {
	task, err := h.queue.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "task", task.ToAPI())
}

// listSessionTasks returns a session's tasks, optionally filtered by status.
// GET /api/v1/tasks?sessionId=...&status=...
func (h *Handlers) listSessionTasks(c *gin.Context) {
	sessionID := c.Query("sessionId")
	status := v1.TaskStatus(c.Query("status"))
	tasks, err := h.queue.GetSessionTasks(c.Request.Context(), sessionID, status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "tasks", dto.TasksToAPI(tasks))
}

// cancelTask cancels a pending, paused, or retry task.
// PUT /api/v1/tasks/:id/cancel
func (h *Handlers) cancelTask(c *gin.Context) {
	cancelled, err := h.queue.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !cancelled {
		respondMessage(c, "task already in a terminal state")
		return
	}
	respondMessage(c, "task cancelled")
}

// pauseTask parks a pending task.
// PUT /api/v1/tasks/:id/pause
func (h *Handlers) pauseTask(c *gin.Context) {
	task, err := h.queue.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "task", task.ToAPI())
}

// resumeTask returns a paused task to the pending pool.
// PUT /api/v1/tasks/:id/resume
func (h *Handlers) resumeTask(c *gin.Context) {
	task, err := h.queue.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "task", task.ToAPI())
}

// reprioritizeTask changes a pending task's priority.
// PUT /api/v1/tasks/reprioritize
func (h *Handlers) reprioritizeTask(c *gin.Context) {
	var req v1.UpdateTaskPriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}
	if err := h.repo.UpdatePriority(c.Request.Context(), req.TaskID, req.Priority); err != nil {
		h.respondError(c, err)
		return
	}
	task, err := h.queue.GetTask(c.Request.Context(), req.TaskID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "task", task.ToAPI())
}

// getTaskHistory returns a task's execution attempts in order.
// GET /api/v1/tasks/:id/history?limit=...
func (h *Handlers) getTaskHistory(c *gin.Context) {
	taskID := c.Param("id")
	if _, err := h.queue.GetTask(c.Request.Context(), taskID); err != nil {
		h.respondError(c, err)
		return
	}
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondErrorStatus(c, http.StatusBadRequest, "invalid limit: must be a positive integer")
			return
		}
		limit = parsed
	}
	records, err := h.repo.GetTaskHistory(c.Request.Context(), taskID, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "history", dto.RecordsToAPI(records))
}
