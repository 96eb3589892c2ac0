package handlers

import (
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/hicat-tech/livera-bridge/internal/bridge"
)

// StatusHandler serves health, serial state and the traffic capture.
type StatusHandler struct {
	dispatcher  *bridge.Dispatcher
	capturePath string
}

// NewStatusHandler creates a new StatusHandler. capturePath is empty when
// capture is disabled.
func NewStatusHandler(dispatcher *bridge.Dispatcher, capturePath string) *StatusHandler {
	return &StatusHandler{
		dispatcher:  dispatcher,
		capturePath: capturePath,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Serial   string `json:"serial"`
	Sessions int    `json:"sessions"`
}

// Health handles GET /health. It reports 503 once the bridge is draining.
func (h *StatusHandler) Health(c *gin.Context) {
	state := h.dispatcher.State()
	code := http.StatusOK
	if state != bridge.StateRunning {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, HealthResponse{
		Status:   state.String(),
		Serial:   h.dispatcher.Channel().State().String(),
		Sessions: h.dispatcher.Registry().Len(),
	})
}

// Serial handles GET /api/serial - serial channel state and counters.
func (h *StatusHandler) Serial(c *gin.Context) {
	c.JSON(http.StatusOK, h.dispatcher.Channel().Stats())
}

// Capture handles GET /api/capture - downloads the traffic capture.
func (h *StatusHandler) Capture(c *gin.Context) {
	if h.capturePath == "" {
		sendError(c, http.StatusNotFound, "CAPTURE_DISABLED", "Traffic capture is not enabled")
		return
	}
	if _, err := os.Stat(h.capturePath); err != nil {
		sendError(c, http.StatusNotFound, "CAPTURE_NOT_FOUND", "Capture file not found")
		return
	}

	c.Header("Content-Type", "application/x-asciicast")
	c.Header("Content-Disposition", "attachment; filename=serial.cast")
	c.File(h.capturePath)
}

// RegisterRoutes registers /health on the engine and the rest on the API group.
func (h *StatusHandler) RegisterRoutes(r *gin.Engine, api *gin.RouterGroup) {
	r.GET("/health", h.Health)
	api.GET("/serial", h.Serial)
	api.GET("/capture", h.Capture)
}
