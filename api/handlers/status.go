// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/presence-hub/backend/internal/history"
	"github.com/presence-hub/backend/internal/presence"
)

const defaultHistoryLimit = 100

// StatusHandler serves the read-only observer endpoints: server status,
// the connected-client roster and the connection event history.
type StatusHandler struct {
	presence *presence.Handler
	journal  *history.Repository
}

// NewStatusHandler creates a new StatusHandler. journal may be nil when
// history persistence is disabled.
func NewStatusHandler(presence *presence.Handler, journal *history.Repository) *StatusHandler {
	return &StatusHandler{
		presence: presence,
		journal:  journal,
	}
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// Status handles GET /api/status - reports server uptime, load and the
// heartbeat cadence clients are held to.
func (h *StatusHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.presence.ServerStatus())
}

// Clients handles GET /api/clients - lists the connected clients.
func (h *StatusHandler) Clients(c *gin.Context) {
	c.JSON(http.StatusOK, h.presence.ClientList())
}

// History handles GET /api/history - returns recent connection events,
// optionally filtered to one connection id.
func (h *StatusHandler) History(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusOK, []history.Event{})
		return
	}

	if id := c.Query("connectionId"); id != "" {
		events, err := h.journal.ByConnection(c.Request.Context(), id)
		if err != nil {
			sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read history: "+err.Error())
			return
		}
		c.JSON(http.StatusOK, events)
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := h.journal.Recent(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read history: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, events)
}

// RegisterRoutes registers the status handler routes on a Gin router group.
func (h *StatusHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/status", h.Status)
	rg.GET("/clients", h.Clients)
	rg.GET("/history", h.History)
}
