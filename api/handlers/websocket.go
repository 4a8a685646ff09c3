// Package handlers provides HTTP API request handlers.
package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/presence-hub/backend/internal/ws"
)

// WebSocketHandler exposes the websocket attach endpoint.
type WebSocketHandler struct {
	server *ws.Server
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(server *ws.Server) *WebSocketHandler {
	return &WebSocketHandler{server: server}
}

// Attach handles GET /ws - upgrades the request and hands the
// connection to the websocket server. Query parameters: clientName
// names the client, connectionId resumes a prior session.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	h.server.HandleConnection(c.Writer, c.Request)
}

// RegisterRoutes registers the websocket route on the router.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ws", h.Attach)
}
