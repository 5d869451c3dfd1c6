package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// getStats aggregates queue, pool, executor, and health numbers.
// GET /api/v1/stats?sessionId=...
func (h *Handlers) getStats(c *gin.Context) {
	stats, err := h.system.Stats(c.Request.Context(), c.Query("sessionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "stats", stats)
}

// getHealth returns the latest health report, sampling on demand when the
// monitor has not taken one yet.
// GET /api/v1/health
func (h *Handlers) getHealth(c *gin.Context) {
	respondOK(c, "health", h.monitor.Current(c.Request.Context()))
}

// startSystem brings the queue, trigger engine, and health monitor up.
// POST /api/v1/system/start
func (h *Handlers) startSystem(c *gin.Context) {
	if err := h.system.Start(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	respondMessage(c, "system started")
}

// stopSystem drains in-flight work and stops the background loops.
// POST /api/v1/system/stop
func (h *Handlers) stopSystem(c *gin.Context) {
	if err := h.system.Stop(); err != nil {
		h.respondError(c, err)
		return
	}
	respondMessage(c, "system stopped")
}

// resetSystem wipes the store and executor state, restarting the components
// when they were running.
// POST /api/v1/system/reset
func (h *Handlers) resetSystem(c *gin.Context) {
	removed, err := h.system.Reset(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "removed", removed)
}

// deleteSession removes every row belonging to a session and clears its
// conversation history.
// DELETE /api/v1/sessions/:sessionId
func (h *Handlers) deleteSession(c *gin.Context) {
	removed, err := h.system.DeleteSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	respondOK(c, "removed", removed)
}

// healthz is the bare liveness probe. No envelope, load balancers only
// look at the status code.
// GET /healthz
func (h *Handlers) healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
