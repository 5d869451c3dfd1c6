package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taskmill/taskmill/internal/task/models"
	"github.com/taskmill/taskmill/internal/task/service"
)

// envelope builds the response body every endpoint shares. The payload sits
// under a key named for what it is (task, tasks, trigger, stats, ...).
func envelope(key string, value interface{}) gin.H {
	body := gin.H{
		"success":   true,
		"timestamp": time.Now().UnixMilli(),
	}
	if key != "" {
		body[key] = value
	}
	return body
}

func respondOK(c *gin.Context, key string, value interface{}) {
	c.JSON(http.StatusOK, envelope(key, value))
}

func respondCreated(c *gin.Context, key string, value interface{}) {
	c.JSON(http.StatusCreated, envelope(key, value))
}

func respondMessage(c *gin.Context, message string) {
	body := envelope("", nil)
	body["message"] = message
	c.JSON(http.StatusOK, body)
}

func respondErrorStatus(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"success":   false,
		"error":     message,
		"timestamp": time.Now().UnixMilli(),
	})
}

// respondError maps domain errors to HTTP status codes. Unclassified errors
// become a 500 and get logged; the client only ever sees the error text.
func (h *Handlers) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, service.ErrAlreadyStarted):
		respondErrorStatus(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrNotFound):
		respondErrorStatus(c, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrUnauthorized):
		respondErrorStatus(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, models.ErrNotStarted):
		respondErrorStatus(c, http.StatusInternalServerError, err.Error())
	default:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		respondErrorStatus(c, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handlers) respondBindError(c *gin.Context, err error) {
	respondErrorStatus(c, http.StatusBadRequest, "invalid payload: "+err.Error())
}
