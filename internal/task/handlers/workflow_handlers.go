package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/taskmill/taskmill/internal/task/dto"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// createWorkflow persists a workflow grouping for a session's tasks.
// POST /api/v1/workflows
func (h *Handlers) createWorkflow(c *gin.Context) {
	var req v1.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}
	workflow := dto.WorkflowFromCreateRequest(&req)
	if err := h.repo.CreateWorkflow(c.Request.Context(), workflow); err != nil {
		h.respondError(c, err)
		return
	}
	respondCreated(c, "workflow", workflow.ToAPI())
}

// listWorkflows returns workflows, optionally scoped to one session.
// GET /api/v1/workflows?sessionId=...
func (h *Handlers) listWorkflows(c *gin.Context) {
	workflows, err := h.repo.ListWorkflows(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "workflows", dto.WorkflowsToAPI(workflows))
}

// getWorkflow returns one workflow by id.
// GET /api/v1/workflows/:id
func (h *Handlers) getWorkflow(c *gin.Context) {
	workflow, err := h.repo.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "workflow", workflow.ToAPI())
}
