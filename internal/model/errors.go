package model

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when a session id is not registered.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateID is returned when a session id is registered twice.
	ErrDuplicateID = &RegistryError{Reason: "duplicate session id"}

	// ErrOversizedMessage is returned when a reassembled message exceeds the
	// configured max payload. The message is dropped; the session continues.
	ErrOversizedMessage = &ReassemblyError{Reason: "message exceeds max payload"}

	// ErrUnexpectedContinuation is returned for a continuation frame that
	// does not follow a non-final data frame.
	ErrUnexpectedContinuation = &TransportError{Reason: "continuation frame without a message in progress"}

	// ErrInterleavedMessage is returned when a new data frame starts while a
	// fragmented message is still in progress.
	ErrInterleavedMessage = &TransportError{Reason: "data frame interleaved with a fragmented message"}

	// ErrInvalidUTF8 is returned for a text message that is not valid UTF-8.
	ErrInvalidUTF8 = &TransportError{Reason: "text message is not valid UTF-8"}

	// ErrChannelClosed is returned by the serial channel after shutdown.
	ErrChannelClosed = errors.New("serial channel closed")

	// ErrDraining is returned when a session is offered while the bridge shuts down.
	ErrDraining = errors.New("bridge is draining")

	// ErrEchoLimitReached is returned once a session used up its message budget.
	ErrEchoLimitReached = errors.New("session echo limit reached")

	// ErrSlowConsumer is returned when a session's outbound queue is full.
	ErrSlowConsumer = errors.New("session outbound queue full")

	// ErrSessionClosed is returned when writing to a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// SerialErrorKind classifies serial channel failures.
type SerialErrorKind string

const (
	SerialOpenFailed  SerialErrorKind = "open_failed"
	SerialWriteFailed SerialErrorKind = "write_failed"
	SerialReadFailed  SerialErrorKind = "read_failed"
)

// SerialError is a recoverable failure of the serial device. It is never
// fatal to the process; the channel retries on next use.
type SerialError struct {
	Kind   SerialErrorKind
	Device string
	Err    error
}

func (e *SerialError) Error() string {
	return fmt.Sprintf("serial %s on %s: %v", e.Kind, e.Device, e.Err)
}

func (e *SerialError) Unwrap() error {
	return e.Err
}

// IsSerialError reports whether err is a SerialError of the given kind.
func IsSerialError(err error, kind SerialErrorKind) bool {
	var serr *SerialError
	return errors.As(err, &serr) && serr.Kind == kind
}

// RegistryError reports a session registry invariant violation.
type RegistryError struct {
	Reason string
}

func (e *RegistryError) Error() string {
	return "registry: " + e.Reason
}

// ReassemblyError reports a message that could not be reassembled.
type ReassemblyError struct {
	Reason string
}

func (e *ReassemblyError) Error() string {
	return "reassembly: " + e.Reason
}

// TransportError reports a WebSocket protocol fault. The affected session
// is closed; other sessions are unaffected.
type TransportError struct {
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return "transport: " + e.Reason + ": " + e.Err.Error()
	}
	return "transport: " + e.Reason
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err should terminate the session.
func IsTransportError(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr)
}
