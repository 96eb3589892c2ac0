// Package serial owns the single serial device shared by all sessions.
//
// A Driver opens and configures devices; a Device is a non-blocking byte
// pipe. Channel wraps both with lazy, idempotent opening, a single-writer
// send path and failure recovery on next use.
package serial

import (
	"errors"
	"io"
)

// Device is an open serial handle.
type Device interface {
	// Read reads whatever is available without blocking.
	// It returns 0, nil when no data is pending.
	Read(p []byte) (int, error)

	// Write writes p and returns the number of bytes accepted. A short
	// count with a nil error is a partial write; the caller retries the rest.
	Write(p []byte) (int, error)

	io.Closer
}

// Driver opens serial devices.
type Driver interface {
	// Open opens the device at path.
	Open(path string) (Device, error)

	// Configure applies raw 8N1 mode at the given baud rate.
	Configure(dev Device, baud int) error
}

var (
	// ErrUnsupportedBaud is returned for a baud rate the platform cannot set.
	ErrUnsupportedBaud = errors.New("unsupported baud rate")

	// ErrWriteTimeout is returned when the device stays unwritable for the
	// configured write timeout.
	ErrWriteTimeout = errors.New("serial write timed out")

	// ErrForeignDevice is returned when Configure receives a Device opened
	// by another driver.
	ErrForeignDevice = errors.New("device was not opened by this driver")
)
