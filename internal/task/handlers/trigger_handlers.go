package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/taskmill/taskmill/internal/task/dto"
	"github.com/taskmill/taskmill/internal/task/models"
	v1 "github.com/taskmill/taskmill/pkg/api/v1"
)

// createTrigger persists a trigger and registers it with the engine.
// POST /api/v1/triggers
func (h *Handlers) createTrigger(c *gin.Context) {
	var req v1.CreateTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.respondBindError(c, err)
		return
	}
	trigger := dto.TriggerFromCreateRequest(&req)
	if err := h.engine.Register(c.Request.Context(), trigger); err != nil {
		h.respondError(c, err)
		return
	}
	respondCreated(c, "trigger", trigger.ToAPI())
}

// listTriggers returns every trigger, optionally scoped to one session.
// GET /api/v1/triggers?sessionId=...
func (h *Handlers) listTriggers(c *gin.Context) {
	triggers, err := h.engine.List(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "triggers", dto.TriggersToAPI(triggers))
}

// getTrigger returns one trigger by id.
// GET /api/v1/triggers/:id
func (h *Handlers) getTrigger(c *gin.Context) {
	trigger, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "trigger", trigger.ToAPI())
}

// deleteTrigger removes a trigger from the store and the engine.
// DELETE /api/v1/triggers/:id
func (h *Handlers) deleteTrigger(c *gin.Context) {
	if err := h.engine.Deregister(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	respondMessage(c, "trigger deleted")
}

// activateTrigger re-arms a trigger.
// PUT /api/v1/triggers/:id/activate
func (h *Handlers) activateTrigger(c *gin.Context) {
	h.setTriggerActive(c, true)
}

// deactivateTrigger disarms a trigger without deleting it.
// PUT /api/v1/triggers/:id/deactivate
func (h *Handlers) deactivateTrigger(c *gin.Context) {
	h.setTriggerActive(c, false)
}

func (h *Handlers) setTriggerActive(c *gin.Context, active bool) {
	id := c.Param("id")
	if err := h.engine.SetActive(c.Request.Context(), id, active); err != nil {
		h.respondError(c, err)
		return
	}
	trigger, err := h.engine.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "trigger", trigger.ToAPI())
}

// fireTrigger fires a trigger immediately, regardless of type.
// POST /api/v1/triggers/:id/fire
func (h *Handlers) fireTrigger(c *gin.Context) {
	id := c.Param("id")
	task, err := h.engine.Fire(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "fired", fireResponse(id, task))
}

// rescanTriggers evaluates condition-based triggers and fires the matches.
// POST /api/v1/triggers/rescan
func (h *Handlers) rescanTriggers(c *gin.Context) {
	fired, err := h.engine.Rescan(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "fired", fired)
}

// webhookCallback fires a webhook trigger after shared-secret validation.
// The JSON body, if any, is carried into the created task's metadata.
// POST /api/v1/webhooks/:id
func (h *Handlers) webhookCallback(c *gin.Context) {
	id := c.Param("id")
	secret := c.GetHeader("X-Webhook-Secret")

	var payload map[string]interface{}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&payload); err != nil {
			h.respondBindError(c, err)
			return
		}
	}

	task, err := h.engine.FireWebhook(c.Request.Context(), id, secret, payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "fired", fireResponse(id, task))
}

func fireResponse(triggerID string, task *models.Task) *v1.FireTriggerResponse {
	resp := &v1.FireTriggerResponse{
		TriggerID: triggerID,
		FiredAt:   time.Now().UnixMilli(),
	}
	if task != nil {
		resp.TaskID = task.ID
	}
	return resp
}
