package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hicat-tech/livera-bridge/internal/model"
	"github.com/hicat-tech/livera-bridge/internal/ws"
)

// WebSocketHandler exposes the bridge endpoint.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler}
}

// Attach handles the WebSocket upgrade at the configured path.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	err := h.wsHandler.HandleConnection(c.Writer, c.Request)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrDraining):
		sendError(c, http.StatusServiceUnavailable, "DRAINING", "Bridge is shutting down")
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to accept session: "+err.Error())
	}
}

// RegisterRoutes registers the WebSocket route at path.
func (h *WebSocketHandler) RegisterRoutes(r *gin.Engine, path string) {
	r.GET(path, h.Attach)
}
