// Package handlers provides HTTP API request handlers.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/presence-hub/backend/internal/longpoll"
	"github.com/presence-hub/backend/internal/model"
	"github.com/presence-hub/backend/internal/protocol"
)

// LongpollHandler exposes the HTTP long-poll transport: connect, a
// blocking events poll, message submission and explicit disconnect.
type LongpollHandler struct {
	server *longpoll.Server
	wait   time.Duration
}

// NewLongpollHandler creates a new LongpollHandler. wait bounds how long
// an events poll blocks before returning empty.
func NewLongpollHandler(server *longpoll.Server, wait time.Duration) *LongpollHandler {
	return &LongpollHandler{
		server: server,
		wait:   wait,
	}
}

// ConnectResponse is the body returned by a successful connect.
type ConnectResponse struct {
	ConnectionID string `json:"connectionId"`
	ClientName   string `json:"clientName"`
	Transport    string `json:"transport"`
}

// Connect handles POST /api/longpoll/connect - opens a long-poll
// session. A connectionId query parameter resumes a prior session; the
// greeting event is delivered on the first poll.
func (h *LongpollHandler) Connect(c *gin.Context) {
	var req protocol.ConnectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
			return
		}
	}

	sess, err := h.server.Connect(c.Query("connectionId"), req)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to connect: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, ConnectResponse{
		ConnectionID: sess.ID,
		ClientName:   sess.DisplayName,
		Transport:    sess.Transport,
	})
}

// Events handles GET /api/longpoll/events - blocks until events are
// pending or the wait expires, then returns the drained batch.
func (h *LongpollHandler) Events(c *gin.Context) {
	id := c.Query("connectionId")
	if id == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "connectionId is required")
		return
	}

	events, err := h.server.Poll(c.Request.Context(), id, h.wait)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrSessionNotFound):
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Unknown connection id")
		case errors.Is(err, model.ErrChannelClosed):
			sendError(c, http.StatusGone, "SESSION_CLOSED", "Session was closed")
		default:
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Poll failed: "+err.Error())
		}
		return
	}
	if events == nil {
		events = []protocol.Message{}
	}
	c.JSON(http.StatusOK, events)
}

// Send handles POST /api/longpoll/send - dispatches one client
// operation for the session.
func (h *LongpollHandler) Send(c *gin.Context) {
	id := c.Query("connectionId")
	if id == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "connectionId is required")
		return
	}

	var msg protocol.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid message: "+err.Error())
		return
	}

	if err := h.server.Deliver(id, msg); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Unknown connection id")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Send failed: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Disconnect handles POST /api/longpoll/disconnect - tears the session
// down and announces the departure.
func (h *LongpollHandler) Disconnect(c *gin.Context) {
	id := c.Query("connectionId")
	if id == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "connectionId is required")
		return
	}
	h.server.Disconnect(id)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterRoutes registers the long-poll routes on a Gin router group.
func (h *LongpollHandler) RegisterRoutes(rg *gin.RouterGroup) {
	lp := rg.Group("/longpoll")
	{
		lp.POST("/connect", h.Connect)
		lp.GET("/events", h.Events)
		lp.POST("/send", h.Send)
		lp.POST("/disconnect", h.Disconnect)
	}
}
