// Package handlers provides HTTP API request handlers.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hicat-tech/livera-bridge/internal/bridge"
	"github.com/hicat-tech/livera-bridge/internal/model"
	"github.com/hicat-tech/livera-bridge/internal/repository"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// SessionHandler serves the live session list and the session history.
type SessionHandler struct {
	dispatcher *bridge.Dispatcher
	history    *repository.HistoryRepository
}

// NewSessionHandler creates a new SessionHandler. history may be nil when
// the journal is disabled.
func NewSessionHandler(dispatcher *bridge.Dispatcher, history *repository.HistoryRepository) *SessionHandler {
	return &SessionHandler{
		dispatcher: dispatcher,
		history:    history,
	}
}

// SessionResponse represents a live session in API responses.
type SessionResponse struct {
	ID                string `json:"id"`
	RemoteAddr        string `json:"remoteAddr"`
	Status            string `json:"status"`
	BytesReceived     uint64 `json:"bytesReceived"`
	BytesSent         uint64 `json:"bytesSent"`
	MessagesForwarded uint64 `json:"messagesForwarded"`
	EchoRemaining     int    `json:"echoRemaining"`
	Pending           int    `json:"pending"`
	Duration          string `json:"duration"`
	ConnectedAt       string `json:"connectedAt"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func toSessionResponse(s model.SessionInfo) *SessionResponse {
	return &SessionResponse{
		ID:                s.ID,
		RemoteAddr:        s.RemoteAddr,
		Status:            string(s.Status),
		BytesReceived:     s.BytesReceived,
		BytesSent:         s.BytesSent,
		MessagesForwarded: s.MessagesForwarded,
		EchoRemaining:     s.EchoRemaining,
		Pending:           s.Pending,
		Duration:          formatDuration(s.Duration()),
		ConnectedAt:       s.ConnectedAt.Format(time.RFC3339),
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
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

// List handles GET /api/sessions - lists live sessions.
func (h *SessionHandler) List(c *gin.Context) {
	sessions := h.dispatcher.Registry().List()

	response := make([]*SessionResponse, len(sessions))
	for i, s := range sessions {
		response[i] = toSessionResponse(s)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/sessions/:id - gets one live session.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")

	s, ok := h.dispatcher.Registry().Get(sessionID)
	if !ok {
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
		return
	}
	c.JSON(http.StatusOK, toSessionResponse(s.Info()))
}

// Delete handles DELETE /api/sessions/:id - disconnects a live session.
func (h *SessionHandler) Delete(c *gin.Context) {
	sessionID := c.Param("id")

	if _, ok := h.dispatcher.Registry().Get(sessionID); !ok {
		sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
		return
	}
	h.dispatcher.Disconnect(sessionID, "disconnected by operator")
	c.Status(http.StatusNoContent)
}

// History handles GET /api/sessions/history - lists journaled sessions.
func (h *SessionHandler) History(c *gin.Context) {
	if h.history == nil {
		sendError(c, http.StatusNotFound, "HISTORY_DISABLED", "Session history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	records, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list session history: "+err.Error())
		return
	}
	if records == nil {
		records = []*model.SessionRecord{}
	}
	c.JSON(http.StatusOK, records)
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/history", h.History)
		sessions.GET("/:id", h.Get)
		sessions.DELETE("/:id", h.Delete)
	}
}
