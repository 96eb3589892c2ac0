package model

import (
	"time"
)

// SessionStatus represents the status of a bridge session.
type SessionStatus string

const (
	SessionStatusOpen   SessionStatus = "open"
	SessionStatusClosed SessionStatus = "closed"
)

// SessionInfo is a point-in-time view of a live session.
type SessionInfo struct {
	ID                string        `json:"id"`
	RemoteAddr        string        `json:"remoteAddr"`
	Status            SessionStatus `json:"status"`
	BytesReceived     uint64        `json:"bytesReceived"`
	BytesSent         uint64        `json:"bytesSent"`
	MessagesForwarded uint64        `json:"messagesForwarded"`
	EchoRemaining     int           `json:"echoRemaining"`
	Pending           int           `json:"pending"`
	ConnectedAt       time.Time     `json:"connectedAt"`
}

// Duration returns how long the session has been connected.
func (s *SessionInfo) Duration() time.Duration {
	return time.Since(s.ConnectedAt)
}

// SessionRecord is a journal entry for a finished or running session.
type SessionRecord struct {
	ID             string        `json:"id"`
	RemoteAddr     string        `json:"remoteAddr"`
	Status         SessionStatus `json:"status"`
	BytesReceived  uint64        `json:"bytesReceived"`
	BytesSent      uint64        `json:"bytesSent"`
	CloseReason    string        `json:"closeReason,omitempty"`
	ConnectedAt    time.Time     `json:"connectedAt"`
	DisconnectedAt *time.Time    `json:"disconnectedAt,omitempty"`
}
